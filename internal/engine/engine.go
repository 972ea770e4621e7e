package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"reviewline/internal/config"
	"reviewline/internal/domain"
	"reviewline/internal/events"
	"reviewline/internal/metrics"
	"reviewline/internal/repo"
)

// Notifier receives engine notifications after a transaction commits. The
// server wires a logging notifier; tests substitute their own.
type Notifier interface {
	Notify(ctx context.Context, evtType, cycleID, entityKind, entityID string)
}

// Producer generates items for a freshly started phase instance out of band.
// Implementations report back through CompleteJob.
type Producer interface {
	Produce(ctx context.Context, job domain.Job)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Now      func() time.Time
	Notifier Notifier
	Producer Producer
	Metrics  *metrics.Metrics
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e *Engine) notify(ctx context.Context, evtType, cycleID, entityKind, entityID string) {
	if e.Notifier != nil {
		e.Notifier.Notify(ctx, evtType, cycleID, entityKind, entityID)
	}
}

// InitCycle creates the cycle aggregate with migrations already run.
func (e *Engine) InitCycle(ctx context.Context, cycleID, name, description, actorID string) (domain.Cycle, error) {
	if cycleID == "" {
		return domain.Cycle{}, &ValidationError{Field: "cycle_id", Reason: "required"}
	}
	if name == "" {
		name = cycleID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Cycle{}, err
	}
	defer tx.Rollback()

	c := domain.Cycle{
		ID:          cycleID,
		Name:        name,
		Status:      "active",
		Description: description,
		CreatedAt:   e.nowRFC3339(),
	}
	if err := e.Repo.InsertCycleTx(ctx, tx, c); err != nil {
		return domain.Cycle{}, fmt.Errorf("insert cycle: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.CycleInit, c.ID, "cycle", c.ID, actorID, events.EventPayload{"name": c.Name}); err != nil {
		return domain.Cycle{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Cycle{}, err
	}
	return c, nil
}

// GetVersion returns a version with its derived item counters filled in.
func (e *Engine) GetVersion(ctx context.Context, versionID string) (domain.Version, error) {
	v, err := e.Repo.GetVersion(ctx, versionID)
	if err != nil {
		return v, e.wrapNotFound(err, "version", versionID)
	}
	return e.withCounts(ctx, nil, v)
}

// ListVersions returns an instance's versions with counters filled in.
func (e *Engine) ListVersions(ctx context.Context, instanceID string) ([]domain.Version, error) {
	vs, err := e.Repo.ListVersions(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	for i := range vs {
		vs[i], err = e.withCounts(ctx, nil, vs[i])
		if err != nil {
			return nil, err
		}
	}
	return vs, nil
}

func (e *Engine) withCounts(ctx context.Context, tx *sql.Tx, v domain.Version) (domain.Version, error) {
	total, approved, rejected, err := e.Repo.VersionCounts(ctx, tx, v.ID)
	if err != nil {
		return v, err
	}
	v.TotalItems = total
	v.ApprovedItems = approved
	v.RejectedItems = rejected
	return v, nil
}

func (e *Engine) wrapNotFound(err error, entity, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return &NotFoundError{Entity: entity, ID: id}
	}
	return err
}
