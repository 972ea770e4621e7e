package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"reviewline/internal/domain"
	"reviewline/internal/events"
	"reviewline/internal/repo"
)

// CarryPolicy decides, from an item and its final outcome, whether the item is
// copied into the new draft and whether its decisions are cleared first.
type CarryPolicy func(item domain.Item, finalOutcome string) (include, reset bool)

// DefaultCarryPolicy keeps approved items with their decisions intact, resets
// rejected items for reconsideration, and drops undecided ones. The per-phase
// config flags can switch any of the three rules off.
func (e *Engine) DefaultCarryPolicy(phase string) CarryPolicy {
	keepApproved, resetRejected, dropUndecided := e.Config.CarryForwardFlags(phase)
	return func(item domain.Item, finalOutcome string) (bool, bool) {
		switch finalOutcome {
		case domain.OutcomeApprove:
			return keepApproved, false
		case domain.OutcomeReject:
			return resetRejected, true
		default:
			return !dropUndecided, true
		}
	}
}

// CarryForwardOptions are parameters for deriving a new draft from a finished
// version.
type CarryForwardOptions struct {
	SourceVersionID string
	// TargetVersionID names an existing draft to merge into. Empty means a new
	// draft is created on the source's instance.
	TargetVersionID string
	// TargetRev is the expected revision of the target draft; only read when
	// TargetVersionID is set.
	TargetRev int64
	Policy    CarryPolicy
	ActorID   string
}

// CarryForward copies a finished version's items into a draft per policy.
// Copies are deduplicated by source item id, so repeating the call never
// inflates the draft.
func (e *Engine) CarryForward(ctx context.Context, opts CarryForwardOptions) (domain.Version, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Version{}, err
	}
	defer tx.Rollback()

	src, err := e.Repo.GetVersionTx(ctx, tx, opts.SourceVersionID)
	if err != nil {
		return domain.Version{}, e.wrapNotFound(err, "version", opts.SourceVersionID)
	}
	switch src.Status {
	case domain.VersionApproved, domain.VersionRejected, domain.VersionSuperseded:
	default:
		return domain.Version{}, &InvalidStateError{Entity: "version", ID: src.ID, Status: src.Status, Op: "carry forward from"}
	}
	in, err := e.Repo.GetInstanceTx(ctx, tx, src.InstanceID)
	if err != nil {
		return domain.Version{}, err
	}
	policy := opts.Policy
	if policy == nil {
		policy = e.DefaultCarryPolicy(in.Phase)
	}

	var target domain.Version
	if opts.TargetVersionID != "" {
		target, err = e.Repo.GetVersionTx(ctx, tx, opts.TargetVersionID)
		if err != nil {
			return domain.Version{}, e.wrapNotFound(err, "version", opts.TargetVersionID)
		}
		if target.Status != domain.VersionDraft {
			return domain.Version{}, &InvalidStateError{Entity: "version", ID: target.ID, Status: target.Status, Op: "carry forward into"}
		}
		if target.InstanceID != src.InstanceID {
			return domain.Version{}, &ValidationError{Field: "target_version_id", Reason: "target belongs to a different instance"}
		}
		ok, err := e.Repo.TouchVersionTx(ctx, tx, target.ID, opts.TargetRev)
		if err != nil {
			return domain.Version{}, err
		}
		if !ok {
			return domain.Version{}, &ConcurrentModificationError{Entity: "version", ID: target.ID}
		}
	} else {
		if live, err := e.Repo.LiveVersionTx(ctx, tx, in.ID); err == nil {
			return domain.Version{}, &ConflictError{Reason: fmt.Sprintf("instance %s already has live version %s (%s)", in.ID, live.ID, live.Status)}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return domain.Version{}, err
		}
		number, err := e.Repo.NextVersionNumberTx(ctx, tx, in.ID)
		if err != nil {
			return domain.Version{}, err
		}
		target = domain.Version{
			ID:              uuid.NewString(),
			InstanceID:      in.ID,
			Number:          number,
			Status:          domain.VersionDraft,
			ParentVersionID: &src.ID,
			Rev:             1,
			CreatedAt:       e.nowRFC3339(),
		}
		if err := e.Repo.InsertVersionTx(ctx, tx, target); err != nil {
			return domain.Version{}, fmt.Errorf("insert version: %w", err)
		}
	}

	srcItems, err := e.Repo.ListItemsTx(ctx, tx, src.ID)
	if err != nil {
		return domain.Version{}, err
	}
	now := e.nowRFC3339()
	copied := 0
	for _, item := range srcItems {
		include, reset := policy(item, item.FinalOutcome())
		if !include {
			continue
		}
		exists, err := e.Repo.SourceItemExistsTx(ctx, tx, target.ID, item.ID)
		if err != nil {
			return domain.Version{}, err
		}
		if exists {
			continue
		}
		sourceID := item.ID
		next := domain.Item{
			ID:           uuid.NewString(),
			VersionID:    target.ID,
			Category:     item.Category,
			PayloadJSON:  item.PayloadJSON,
			Provenance:   domain.ProvenanceCarriedForward,
			SourceItemID: &sourceID,
			CreatedAt:    now,
		}
		if !reset {
			next.FirstOutcome = item.FirstOutcome
			next.FirstNotes = item.FirstNotes
			next.FirstBy = item.FirstBy
			next.FirstAt = item.FirstAt
			next.SecondOutcome = item.SecondOutcome
			next.SecondNotes = item.SecondNotes
			next.SecondBy = item.SecondBy
			next.SecondAt = item.SecondAt
		}
		if err := e.Repo.InsertItemTx(ctx, tx, next); err != nil {
			return domain.Version{}, fmt.Errorf("insert carried item: %w", err)
		}
		copied++
	}

	if err := e.Events.Append(ctx, tx, events.VersionCarried, in.CycleID, "version", target.ID, opts.ActorID, events.EventPayload{
		"source_version_id": src.ID, "copied": copied,
	}); err != nil {
		return domain.Version{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Version{}, err
	}
	return e.withCounts(ctx, nil, target)
}
