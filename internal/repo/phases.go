package repo

import (
	"context"
	"database/sql"
	"strings"

	"reviewline/internal/domain"
)

// --- phase units ---

func (r Repo) InsertUnitTx(ctx context.Context, tx *sql.Tx, u domain.PhaseUnit) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO phase_units(cycle_id,phase,unit_id,label,created_at) VALUES (?,?,?,?,?)`,
		u.CycleID, u.Phase, u.UnitID, nullable(u.Label), u.CreatedAt)
	return err
}

func (r Repo) ListUnits(ctx context.Context, cycleID, phase string) ([]domain.PhaseUnit, error) {
	return r.ListUnitsTx(ctx, nil, cycleID, phase)
}

func (r Repo) ListUnitsTx(ctx context.Context, tx *sql.Tx, cycleID, phase string) ([]domain.PhaseUnit, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT cycle_id,phase,unit_id,COALESCE(label,''),created_at FROM phase_units WHERE cycle_id=? AND phase=? ORDER BY unit_id`, cycleID, phase)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PhaseUnit
	for rows.Next() {
		var u domain.PhaseUnit
		if err := rows.Scan(&u.CycleID, &u.Phase, &u.UnitID, &u.Label, &u.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// --- phase closures ---

func (r Repo) InsertClosureTx(ctx context.Context, tx *sql.Tx, c domain.PhaseClosure) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO phase_closures(cycle_id,phase,closed_by,closed_at) VALUES (?,?,?,?)`,
		c.CycleID, c.Phase, c.ClosedBy, c.ClosedAt)
	return err
}

func (r Repo) GetClosureTx(ctx context.Context, tx *sql.Tx, cycleID, phase string) (domain.PhaseClosure, error) {
	var c domain.PhaseClosure
	err := r.q(tx).QueryRowContext(ctx, `SELECT cycle_id,phase,closed_by,closed_at FROM phase_closures WHERE cycle_id=? AND phase=?`, cycleID, phase).
		Scan(&c.CycleID, &c.Phase, &c.ClosedBy, &c.ClosedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) ListClosuresTx(ctx context.Context, tx *sql.Tx, cycleID string) ([]domain.PhaseClosure, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT cycle_id,phase,closed_by,closed_at FROM phase_closures WHERE cycle_id=? ORDER BY phase`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PhaseClosure
	for rows.Next() {
		var c domain.PhaseClosure
		if err := rows.Scan(&c.CycleID, &c.Phase, &c.ClosedBy, &c.ClosedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// --- jobs ---

func (r Repo) InsertJobTx(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO jobs(id,cycle_id,kind,instance_id,version_id,status,created_at,completed_at) VALUES (?,?,?,?,?,?,?,?)`,
		j.ID, j.CycleID, j.Kind, nullableStringPtr(j.InstanceID), nullableStringPtr(j.VersionID), j.Status, j.CreatedAt, nullableStringPtr(j.CompletedAt))
	return err
}

func (r Repo) GetJobTx(ctx context.Context, tx *sql.Tx, id string) (domain.Job, error) {
	var j domain.Job
	var inst, ver, done sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,cycle_id,kind,instance_id,version_id,status,created_at,completed_at FROM jobs WHERE id=?`, id).
		Scan(&j.ID, &j.CycleID, &j.Kind, &inst, &ver, &j.Status, &j.CreatedAt, &done)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.InstanceID = strPtr(inst)
	j.VersionID = strPtr(ver)
	j.CompletedAt = strPtr(done)
	return j, nil
}

// UpdateJobStatusTx transitions a job from the expected status. Zero affected
// rows means the job already moved on.
func (r Repo) UpdateJobStatusTx(ctx context.Context, tx *sql.Tx, id, toStatus, completedAt, fromStatus string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, completed_at=? WHERE id=? AND status=?`,
		toStatus, nullable(completedAt), id, fromStatus)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

type JobFilters struct {
	CycleID string
	Status  string
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, error) {
	var clauses []string
	var args []any
	if f.CycleID != "" {
		clauses = append(clauses, "cycle_id=?")
		args = append(args, f.CycleID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,cycle_id,kind,instance_id,version_id,status,created_at,completed_at FROM jobs `+where+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		var j domain.Job
		var inst, ver, done sql.NullString
		if err := rows.Scan(&j.ID, &j.CycleID, &j.Kind, &inst, &ver, &j.Status, &j.CreatedAt, &done); err != nil {
			return nil, err
		}
		j.InstanceID = strPtr(inst)
		j.VersionID = strPtr(ver)
		j.CompletedAt = strPtr(done)
		res = append(res, j)
	}
	return res, rows.Err()
}
