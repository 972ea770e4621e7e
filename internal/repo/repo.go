package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"reviewline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

// --- cycles ---

func (r Repo) InsertCycleTx(ctx context.Context, tx *sql.Tx, c domain.Cycle) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO cycles(id,name,status,description,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.Name, c.Status, nullable(c.Description), c.CreatedAt)
	return err
}

func (r Repo) GetCycle(ctx context.Context, id string) (domain.Cycle, error) {
	var c domain.Cycle
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,description,created_at FROM cycles WHERE id=?`, id).
		Scan(&c.ID, &c.Name, &c.Status, &desc, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if desc.Valid {
		c.Description = desc.String
	}
	return c, err
}

func (r Repo) ListCycles(ctx context.Context) ([]domain.Cycle, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,COALESCE(description,''),created_at FROM cycles ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Cycle
	for rows.Next() {
		var c domain.Cycle
		if err := rows.Scan(&c.ID, &c.Name, &c.Status, &c.Description, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// SingleCycle returns the only cycle in the workspace, failing when there are
// zero or several.
func (r Repo) SingleCycle(ctx context.Context) (domain.Cycle, error) {
	cycles, err := r.ListCycles(ctx)
	if err != nil {
		return domain.Cycle{}, err
	}
	if len(cycles) == 0 {
		return domain.Cycle{}, ErrNotFound
	}
	if len(cycles) > 1 {
		return domain.Cycle{}, fmt.Errorf("multiple cycles exist; specify --cycle")
	}
	return cycles[0], nil
}

// --- phase instances ---

const instanceCols = `id,cycle_id,phase,scope_key,status,parent_instance_id,started_by,started_at,completed_by,completed_at,created_at`

func scanInstance(scan func(dest ...any) error) (domain.PhaseInstance, error) {
	var in domain.PhaseInstance
	var parent, startedBy, startedAt, completedBy, completedAt sql.NullString
	err := scan(&in.ID, &in.CycleID, &in.Phase, &in.ScopeKey, &in.Status, &parent, &startedBy, &startedAt, &completedBy, &completedAt, &in.CreatedAt)
	if err != nil {
		return in, err
	}
	in.ParentInstanceID = strPtr(parent)
	in.StartedBy = strPtr(startedBy)
	in.StartedAt = strPtr(startedAt)
	in.CompletedBy = strPtr(completedBy)
	in.CompletedAt = strPtr(completedAt)
	return in, nil
}

func (r Repo) InsertInstanceTx(ctx context.Context, tx *sql.Tx, in domain.PhaseInstance) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO phase_instances(`+instanceCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		in.ID, in.CycleID, in.Phase, in.ScopeKey, in.Status, nullableStringPtr(in.ParentInstanceID),
		nullableStringPtr(in.StartedBy), nullableStringPtr(in.StartedAt),
		nullableStringPtr(in.CompletedBy), nullableStringPtr(in.CompletedAt), in.CreatedAt)
	return err
}

func (r Repo) GetInstance(ctx context.Context, id string) (domain.PhaseInstance, error) {
	return r.GetInstanceTx(ctx, nil, id)
}

func (r Repo) GetInstanceTx(ctx context.Context, tx *sql.Tx, id string) (domain.PhaseInstance, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+instanceCols+` FROM phase_instances WHERE id=?`, id)
	in, err := scanInstance(row.Scan)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	return in, err
}

func (r Repo) GetInstanceByKey(ctx context.Context, tx *sql.Tx, cycleID, phase, scopeKey string) (domain.PhaseInstance, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+instanceCols+` FROM phase_instances WHERE cycle_id=? AND phase=? AND scope_key=?`, cycleID, phase, scopeKey)
	in, err := scanInstance(row.Scan)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	return in, err
}

type InstanceFilters struct {
	CycleID string
	Phase   string
	Status  string
}

func (r Repo) ListInstances(ctx context.Context, f InstanceFilters) ([]domain.PhaseInstance, error) {
	return r.ListInstancesTx(ctx, nil, f)
}

func (r Repo) ListInstancesTx(ctx context.Context, tx *sql.Tx, f InstanceFilters) ([]domain.PhaseInstance, error) {
	var clauses []string
	var args []any
	if f.CycleID != "" {
		clauses = append(clauses, "cycle_id=?")
		args = append(args, f.CycleID)
	}
	if f.Phase != "" {
		clauses = append(clauses, "phase=?")
		args = append(args, f.Phase)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+instanceCols+` FROM phase_instances `+where+` ORDER BY phase, scope_key`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PhaseInstance
	for rows.Next() {
		in, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

// UpdateInstanceStatusTx transitions an instance only from the expected status;
// the caller decides whether zero affected rows is an error.
func (r Repo) UpdateInstanceStatusTx(ctx context.Context, tx *sql.Tx, in domain.PhaseInstance, fromStatus string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE phase_instances SET status=?, started_by=?, started_at=?, completed_by=?, completed_at=? WHERE id=? AND status=?`,
		in.Status, nullableStringPtr(in.StartedBy), nullableStringPtr(in.StartedAt),
		nullableStringPtr(in.CompletedBy), nullableStringPtr(in.CompletedAt), in.ID, fromStatus)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, cycleID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, cycleID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, cycleID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if cycleID != "" {
		clauses = append(clauses, "cycle_id=?")
		args = append(args, cycleID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(cycle_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.CycleID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, cycleID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if cycleID != "" {
		clauses = append(clauses, "cycle_id=?")
		args = append(args, cycleID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(cycle_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.CycleID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID for a cycle.
func (r Repo) LatestEventID(ctx context.Context, cycleID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE cycle_id=?`, cycleID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
