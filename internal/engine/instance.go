package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"reviewline/internal/domain"
	"reviewline/internal/events"
	"reviewline/internal/repo"
)

// snapshotTx reads the resolver's view of a cycle inside the caller's
// transaction, or outside one when tx is nil.
func (e *Engine) snapshotTx(ctx context.Context, tx *sql.Tx, cycleID string) (Snapshot, error) {
	snap := Snapshot{
		Statuses: map[InstanceKey]string{},
		Units:    map[string][]string{},
		Closed:   map[string]bool{},
	}
	instances, err := e.Repo.ListInstancesTx(ctx, tx, repo.InstanceFilters{CycleID: cycleID})
	if err != nil {
		return snap, err
	}
	for _, in := range instances {
		snap.Statuses[InstanceKey{Phase: in.Phase, ScopeKey: in.ScopeKey}] = in.Status
	}
	for phase := range e.Config.Phases {
		units, err := e.Repo.ListUnitsTx(ctx, tx, cycleID, phase)
		if err != nil {
			return snap, err
		}
		for _, u := range units {
			snap.Units[phase] = append(snap.Units[phase], u.UnitID)
		}
	}
	closures, err := e.Repo.ListClosuresTx(ctx, tx, cycleID)
	if err != nil {
		return snap, err
	}
	for _, c := range closures {
		snap.Closed[c.Phase] = true
	}
	return snap, nil
}

// StartOptions are parameters for starting a phase instance.
type StartOptions struct {
	CycleID  string
	Phase    string
	ScopeKey string
	ActorID  string
}

// StartInstance moves a phase instance to in-progress. The resolver's verdict
// is checked at call time inside the same transaction, never cached.
func (e *Engine) StartInstance(ctx context.Context, opts StartOptions) (domain.PhaseInstance, error) {
	if _, ok := e.Config.Phases[opts.Phase]; !ok {
		return domain.PhaseInstance{}, &ValidationError{Field: "phase", Reason: fmt.Sprintf("unknown phase %q", opts.Phase)}
	}
	graph, err := BuildGraph(e.Config)
	if err != nil {
		return domain.PhaseInstance{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PhaseInstance{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetCycle(ctx, opts.CycleID); err != nil {
		return domain.PhaseInstance{}, e.wrapNotFound(err, "cycle", opts.CycleID)
	}
	snap, err := e.snapshotTx(ctx, tx, opts.CycleID)
	if err != nil {
		return domain.PhaseInstance{}, err
	}
	if existing, err := e.Repo.GetInstanceByKey(ctx, tx, opts.CycleID, opts.Phase, opts.ScopeKey); err == nil {
		return domain.PhaseInstance{}, &ConflictError{Reason: fmt.Sprintf("instance %s already exists (%s)", existing.ID, existing.Status)}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.PhaseInstance{}, err
	}

	resolution := Resolve(graph, snap)
	var candidate *Candidate
	for i := range resolution.Startable {
		c := resolution.Startable[i]
		if c.Phase == opts.Phase && c.ScopeKey == opts.ScopeKey {
			candidate = &c
			break
		}
	}
	if candidate == nil {
		return domain.PhaseInstance{}, &InvalidStateError{Entity: "instance", ID: InstanceKey{Phase: opts.Phase, ScopeKey: opts.ScopeKey}.String(), Status: "blocked", Op: "start"}
	}

	now := e.nowRFC3339()
	in := domain.PhaseInstance{
		ID:        uuid.NewString(),
		CycleID:   opts.CycleID,
		Phase:     opts.Phase,
		ScopeKey:  opts.ScopeKey,
		Status:    domain.InstanceInProgress,
		StartedBy: &opts.ActorID,
		StartedAt: &now,
		CreatedAt: now,
	}
	if candidate.ParentPhase != "" {
		if parent, err := e.Repo.GetInstanceByKey(ctx, tx, opts.CycleID, candidate.ParentPhase, candidate.ParentScope); err == nil {
			in.ParentInstanceID = &parent.ID
		} else if !errors.Is(err, repo.ErrNotFound) {
			return domain.PhaseInstance{}, err
		}
	}
	if err := e.Repo.InsertInstanceTx(ctx, tx, in); err != nil {
		return domain.PhaseInstance{}, fmt.Errorf("insert instance: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.InstanceStarted, opts.CycleID, "instance", in.ID, opts.ActorID, events.EventPayload{
		"phase": in.Phase, "scope_key": in.ScopeKey,
	}); err != nil {
		return domain.PhaseInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PhaseInstance{}, err
	}
	if e.Metrics != nil {
		e.Metrics.InstancesStarted.Inc()
	}
	e.notify(ctx, events.InstanceStarted, opts.CycleID, "instance", in.ID)
	return in, nil
}

// CompleteOptions are parameters for completing a phase instance.
type CompleteOptions struct {
	InstanceID string
	ActorID    string
}

// CompleteInstance moves an in-progress instance to complete and re-runs the
// resolver. Completing an already-complete instance is a no-op so that
// at-least-once upstream triggers are harmless.
func (e *Engine) CompleteInstance(ctx context.Context, opts CompleteOptions) (domain.PhaseInstance, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PhaseInstance{}, err
	}
	defer tx.Rollback()

	in, err := e.Repo.GetInstanceTx(ctx, tx, opts.InstanceID)
	if err != nil {
		return domain.PhaseInstance{}, e.wrapNotFound(err, "instance", opts.InstanceID)
	}
	if in.Status == domain.InstanceComplete {
		return in, nil
	}
	if in.Status != domain.InstanceInProgress {
		return domain.PhaseInstance{}, &InvalidStateError{Entity: "instance", ID: in.ID, Status: in.Status, Op: "complete"}
	}

	now := e.nowRFC3339()
	in.Status = domain.InstanceComplete
	in.CompletedBy = &opts.ActorID
	in.CompletedAt = &now
	ok, err := e.Repo.UpdateInstanceStatusTx(ctx, tx, in, domain.InstanceInProgress)
	if err != nil {
		return domain.PhaseInstance{}, err
	}
	if !ok {
		// Lost the race to another completer; re-read and treat as the no-op it is.
		current, err := e.Repo.GetInstanceTx(ctx, tx, in.ID)
		if err != nil {
			return domain.PhaseInstance{}, err
		}
		if current.Status == domain.InstanceComplete {
			return current, nil
		}
		return domain.PhaseInstance{}, &ConcurrentModificationError{Entity: "instance", ID: in.ID}
	}
	if err := e.Events.Append(ctx, tx, events.InstanceCompleted, in.CycleID, "instance", in.ID, opts.ActorID, events.EventPayload{
		"phase": in.Phase, "scope_key": in.ScopeKey,
	}); err != nil {
		return domain.PhaseInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PhaseInstance{}, err
	}
	e.notify(ctx, events.InstanceCompleted, in.CycleID, "instance", in.ID)

	// Synchronous post-commit re-resolution; the reconcile sweep backstops a
	// failure here.
	if err := e.OnInstanceChange(ctx, in.CycleID, opts.ActorID); err != nil {
		return in, err
	}
	return in, nil
}

// RegisterUnit records a unit produced by a fan-out source phase, e.g. an
// identified owner. Registration is idempotent per unit id.
func (e *Engine) RegisterUnit(ctx context.Context, cycleID, phase, unitID, label, actorID string) (domain.PhaseUnit, error) {
	if _, ok := e.Config.Phases[phase]; !ok {
		return domain.PhaseUnit{}, &ValidationError{Field: "phase", Reason: fmt.Sprintf("unknown phase %q", phase)}
	}
	if unitID == "" {
		return domain.PhaseUnit{}, &ValidationError{Field: "unit_id", Reason: "required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PhaseUnit{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetClosureTx(ctx, tx, cycleID, phase); err == nil {
		return domain.PhaseUnit{}, &InvalidStateError{Entity: "phase", ID: phase, Status: "closed", Op: "register unit"}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.PhaseUnit{}, err
	}
	u := domain.PhaseUnit{
		CycleID:   cycleID,
		Phase:     phase,
		UnitID:    unitID,
		Label:     label,
		CreatedAt: e.nowRFC3339(),
	}
	if err := e.Repo.InsertUnitTx(ctx, tx, u); err != nil {
		return domain.PhaseUnit{}, err
	}
	if err := e.Events.Append(ctx, tx, events.UnitRegistered, cycleID, "phase", phase, actorID, events.EventPayload{
		"unit_id": unitID, "label": label,
	}); err != nil {
		return domain.PhaseUnit{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PhaseUnit{}, err
	}
	if err := e.OnInstanceChange(ctx, cycleID, actorID); err != nil {
		return u, err
	}
	return u, nil
}

// ClosePhase declares that a phase has stopped producing units, which is what
// lets fan-in successors consider it settled. Closing twice is a no-op.
func (e *Engine) ClosePhase(ctx context.Context, cycleID, phase, actorID string) (domain.PhaseClosure, error) {
	if _, ok := e.Config.Phases[phase]; !ok {
		return domain.PhaseClosure{}, &ValidationError{Field: "phase", Reason: fmt.Sprintf("unknown phase %q", phase)}
	}
	graph, err := BuildGraph(e.Config)
	if err != nil {
		return domain.PhaseClosure{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PhaseClosure{}, err
	}
	defer tx.Rollback()

	if existing, err := e.Repo.GetClosureTx(ctx, tx, cycleID, phase); err == nil {
		return existing, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.PhaseClosure{}, err
	}
	// A phase downstream of an open fan-out producer cannot be settled:
	// another unit may still arrive and spawn a sibling instance of it.
	if producer := fanOutSource(graph, phase); producer != "" {
		if _, err := e.Repo.GetClosureTx(ctx, tx, cycleID, producer); errors.Is(err, repo.ErrNotFound) {
			return domain.PhaseClosure{}, &InvalidStateError{Entity: "phase", ID: phase, Status: fmt.Sprintf("fed by open %s", producer), Op: "close"}
		} else if err != nil {
			return domain.PhaseClosure{}, err
		}
	}
	c := domain.PhaseClosure{
		CycleID:  cycleID,
		Phase:    phase,
		ClosedBy: actorID,
		ClosedAt: e.nowRFC3339(),
	}
	if err := e.Repo.InsertClosureTx(ctx, tx, c); err != nil {
		return domain.PhaseClosure{}, err
	}
	if err := e.Events.Append(ctx, tx, events.PhaseClosed, cycleID, "phase", phase, actorID, nil); err != nil {
		return domain.PhaseClosure{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PhaseClosure{}, err
	}
	e.notify(ctx, events.PhaseClosed, cycleID, "phase", phase)
	if err := e.OnInstanceChange(ctx, cycleID, actorID); err != nil {
		return c, err
	}
	return c, nil
}
