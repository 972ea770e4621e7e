package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"reviewline/internal/domain"
	"reviewline/internal/events"
)

// Resolve reports the cycle's startable and blocked phase instances without
// changing anything.
func (e *Engine) Resolve(ctx context.Context, cycleID string) (Resolution, error) {
	graph, err := BuildGraph(e.Config)
	if err != nil {
		return Resolution{}, err
	}
	if _, err := e.Repo.GetCycle(ctx, cycleID); err != nil {
		return Resolution{}, e.wrapNotFound(err, "cycle", cycleID)
	}
	snap, err := e.snapshotTx(ctx, nil, cycleID)
	if err != nil {
		return Resolution{}, err
	}
	if e.Metrics != nil {
		e.Metrics.ResolverRuns.Inc()
	}
	return Resolve(graph, snap), nil
}

// OnInstanceChange re-resolves the cycle and starts every newly startable
// instance. Races with other starters are tolerated: a candidate someone else
// claimed is simply skipped.
func (e *Engine) OnInstanceChange(ctx context.Context, cycleID, actorID string) error {
	resolution, err := e.Resolve(ctx, cycleID)
	if err != nil {
		return err
	}
	for _, c := range resolution.Startable {
		_, err := e.StartInstance(ctx, StartOptions{
			CycleID: cycleID, Phase: c.Phase, ScopeKey: c.ScopeKey, ActorID: actorID,
		})
		if err != nil {
			var conflict *ConflictError
			var invalid *InvalidStateError
			if errors.As(err, &conflict) || errors.As(err, &invalid) {
				continue
			}
			return fmt.Errorf("start %s/%s: %w", c.Phase, c.ScopeKey, err)
		}
	}
	return nil
}

// Reconcile is the periodic sweep that recomputes the resolver over the whole
// cycle and starts anything a lost trigger left behind. It is idempotent and
// retries transient failures with exponential backoff.
func (e *Engine) Reconcile(ctx context.Context, cycleID, actorID string) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(func() error {
		return e.OnInstanceChange(ctx, cycleID, actorID)
	}, backoff.WithContext(policy, ctx))
}

// JobOptions are parameters for dispatching out-of-band producer work.
type JobOptions struct {
	CycleID    string
	Kind       string
	InstanceID string
	VersionID  string
	ActorID    string
}

// DispatchJob records a pending job and hands it to the producer after the
// transaction commits. The producer's completion callback is the only path
// that advances state from the job.
func (e *Engine) DispatchJob(ctx context.Context, opts JobOptions) (domain.Job, error) {
	if opts.Kind == "" {
		return domain.Job{}, &ValidationError{Field: "kind", Reason: "required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	j := domain.Job{
		ID:        uuid.NewString(),
		CycleID:   opts.CycleID,
		Kind:      opts.Kind,
		Status:    domain.JobPending,
		CreatedAt: e.nowRFC3339(),
	}
	if opts.InstanceID != "" {
		if _, err := e.Repo.GetInstanceTx(ctx, tx, opts.InstanceID); err != nil {
			return domain.Job{}, e.wrapNotFound(err, "instance", opts.InstanceID)
		}
		j.InstanceID = &opts.InstanceID
	}
	if opts.VersionID != "" {
		if _, err := e.Repo.GetVersionTx(ctx, tx, opts.VersionID); err != nil {
			return domain.Job{}, e.wrapNotFound(err, "version", opts.VersionID)
		}
		j.VersionID = &opts.VersionID
	}
	if err := e.Repo.InsertJobTx(ctx, tx, j); err != nil {
		return domain.Job{}, err
	}
	if err := e.Events.Append(ctx, tx, events.JobDispatched, opts.CycleID, "job", j.ID, opts.ActorID, events.EventPayload{
		"kind": j.Kind, "version_id": opts.VersionID,
	}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	if e.Producer != nil {
		go e.Producer.Produce(context.WithoutCancel(ctx), j)
	}
	return j, nil
}

// CompleteJob is the producer's completion callback. A callback for a job that
// already completed, or whose target version has moved on since dispatch, is a
// no-op: the job is marked stale and nothing else changes.
func (e *Engine) CompleteJob(ctx context.Context, jobID string, items []ItemInput, actorID string) (domain.Job, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Job{}, e.wrapNotFound(err, "job", jobID)
	}
	if j.Status != domain.JobPending {
		return j, nil
	}
	now := e.nowRFC3339()

	stale := false
	var v domain.Version
	if j.VersionID != nil {
		v, err = e.Repo.GetVersionTx(ctx, tx, *j.VersionID)
		if err != nil {
			return domain.Job{}, err
		}
		if v.Status != domain.VersionDraft {
			stale = true
		}
	} else {
		stale = len(items) > 0
	}
	if stale {
		if _, err := e.Repo.UpdateJobStatusTx(ctx, tx, j.ID, domain.JobStale, now, domain.JobPending); err != nil {
			return domain.Job{}, err
		}
		j.Status = domain.JobStale
		j.CompletedAt = &now
		if err := e.Events.Append(ctx, tx, events.JobStale, j.CycleID, "job", j.ID, actorID, nil); err != nil {
			return domain.Job{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Job{}, err
		}
		if e.Metrics != nil {
			e.Metrics.JobsCompleted.WithLabelValues("stale").Inc()
		}
		return j, nil
	}

	if j.VersionID != nil && len(items) > 0 {
		if ok, err := e.Repo.TouchVersionTx(ctx, tx, v.ID, v.Rev); err != nil {
			return domain.Job{}, err
		} else if !ok {
			return domain.Job{}, &ConcurrentModificationError{Entity: "version", ID: v.ID}
		}
		for _, in := range items {
			if in.PayloadJSON == "" {
				return domain.Job{}, &ValidationError{Field: "payload_json", Reason: "required"}
			}
			it := domain.Item{
				ID:          uuid.NewString(),
				VersionID:   v.ID,
				Category:    in.Category,
				PayloadJSON: in.PayloadJSON,
				Provenance:  domain.ProvenanceOriginated,
				CreatedAt:   now,
			}
			if err := e.Repo.InsertItemTx(ctx, tx, it); err != nil {
				return domain.Job{}, err
			}
		}
	}
	if _, err := e.Repo.UpdateJobStatusTx(ctx, tx, j.ID, domain.JobCompleted, now, domain.JobPending); err != nil {
		return domain.Job{}, err
	}
	j.Status = domain.JobCompleted
	j.CompletedAt = &now
	if err := e.Events.Append(ctx, tx, events.JobCompleted, j.CycleID, "job", j.ID, actorID, events.EventPayload{
		"items": len(items),
	}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	if e.Metrics != nil {
		e.Metrics.JobsCompleted.WithLabelValues("completed").Inc()
	}
	return j, nil
}
