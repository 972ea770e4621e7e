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

// VersionCreateOptions are parameters for opening a new draft version.
type VersionCreateOptions struct {
	InstanceID      string
	ParentVersionID string
	ActorID         string
}

// CreateVersion opens a draft on a phase instance. At most one draft or
// pending version may exist per instance at a time.
func (e *Engine) CreateVersion(ctx context.Context, opts VersionCreateOptions) (domain.Version, error) {
	if opts.InstanceID == "" {
		return domain.Version{}, &ValidationError{Field: "instance_id", Reason: "required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Version{}, err
	}
	defer tx.Rollback()

	in, err := e.Repo.GetInstanceTx(ctx, tx, opts.InstanceID)
	if err != nil {
		return domain.Version{}, e.wrapNotFound(err, "instance", opts.InstanceID)
	}
	if in.Status != domain.InstanceInProgress {
		return domain.Version{}, &InvalidStateError{Entity: "instance", ID: in.ID, Status: in.Status, Op: "create version"}
	}
	if live, err := e.Repo.LiveVersionTx(ctx, tx, in.ID); err == nil {
		return domain.Version{}, &ConflictError{Reason: fmt.Sprintf("instance %s already has live version %s (%s)", in.ID, live.ID, live.Status)}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Version{}, err
	}
	if opts.ParentVersionID != "" {
		if _, err := e.Repo.GetVersionTx(ctx, tx, opts.ParentVersionID); err != nil {
			return domain.Version{}, e.wrapNotFound(err, "version", opts.ParentVersionID)
		}
	}

	number, err := e.Repo.NextVersionNumberTx(ctx, tx, in.ID)
	if err != nil {
		return domain.Version{}, err
	}
	v := domain.Version{
		ID:         uuid.NewString(),
		InstanceID: in.ID,
		Number:     number,
		Status:     domain.VersionDraft,
		Rev:        1,
		CreatedAt:  e.nowRFC3339(),
	}
	if opts.ParentVersionID != "" {
		v.ParentVersionID = &opts.ParentVersionID
	}
	if err := e.Repo.InsertVersionTx(ctx, tx, v); err != nil {
		return domain.Version{}, fmt.Errorf("insert version: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.VersionCreated, in.CycleID, "version", v.ID, opts.ActorID, events.EventPayload{
		"instance_id": in.ID, "number": v.Number,
	}); err != nil {
		return domain.Version{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Version{}, err
	}
	return v, nil
}

// ItemInput is one candidate item to add to a draft.
type ItemInput struct {
	Category    string `json:"category,omitempty"`
	PayloadJSON string `json:"payload_json"`
}

// AddItems appends items to a draft version. rev must match the version's
// current revision; a mismatch means a concurrent writer won.
func (e *Engine) AddItems(ctx context.Context, versionID string, rev int64, inputs []ItemInput, actorID string) ([]domain.Item, error) {
	if len(inputs) == 0 {
		return nil, &ValidationError{Field: "items", Reason: "at least one item required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetVersionTx(ctx, tx, versionID)
	if err != nil {
		return nil, e.wrapNotFound(err, "version", versionID)
	}
	if v.Status != domain.VersionDraft {
		return nil, &InvalidStateError{Entity: "version", ID: v.ID, Status: v.Status, Op: "add items"}
	}
	ok, err := e.Repo.TouchVersionTx(ctx, tx, v.ID, rev)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &ConcurrentModificationError{Entity: "version", ID: v.ID}
	}

	now := e.nowRFC3339()
	items := make([]domain.Item, 0, len(inputs))
	for _, in := range inputs {
		if in.PayloadJSON == "" {
			return nil, &ValidationError{Field: "payload_json", Reason: "required"}
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
			return nil, fmt.Errorf("insert item: %w", err)
		}
		items = append(items, it)
	}
	cycleID, err := e.cycleOfVersionTx(ctx, tx, v)
	if err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, events.VersionItemsAdded, cycleID, "version", v.ID, actorID, events.EventPayload{
		"count": len(items),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return items, nil
}

// SubmitVersion moves a draft to pending approval. When the phase requires it,
// every item must already carry a first-track decision.
func (e *Engine) SubmitVersion(ctx context.Context, versionID string, rev int64, actorID string) (domain.Version, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Version{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetVersionTx(ctx, tx, versionID)
	if err != nil {
		return domain.Version{}, e.wrapNotFound(err, "version", versionID)
	}
	if v.Status != domain.VersionDraft {
		return domain.Version{}, &InvalidStateError{Entity: "version", ID: v.ID, Status: v.Status, Op: "submit"}
	}
	in, err := e.Repo.GetInstanceTx(ctx, tx, v.InstanceID)
	if err != nil {
		return domain.Version{}, err
	}
	if e.Config.SubmitRequiresFirstDecisions(in.Phase) {
		undecided, err := e.Repo.UndecidedFirstCount(ctx, tx, v.ID)
		if err != nil {
			return domain.Version{}, err
		}
		if undecided > 0 {
			return domain.Version{}, &ValidationError{Field: "items", Reason: fmt.Sprintf("%d items lack a first-track decision", undecided)}
		}
	}

	now := e.nowRFC3339()
	v.Status = domain.VersionPendingApproval
	v.SubmittedBy = &actorID
	v.SubmittedAt = &now
	ok, err := e.Repo.UpdateVersionTx(ctx, tx, v, rev)
	if err != nil {
		return domain.Version{}, err
	}
	if !ok {
		return domain.Version{}, &ConcurrentModificationError{Entity: "version", ID: v.ID}
	}
	v.Rev = rev + 1
	if err := e.Events.Append(ctx, tx, events.VersionSubmitted, in.CycleID, "version", v.ID, actorID, events.EventPayload{
		"instance_id": in.ID, "number": v.Number,
	}); err != nil {
		return domain.Version{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Version{}, err
	}
	e.notify(ctx, "submitted", in.CycleID, "version", v.ID)
	return e.withCounts(ctx, nil, v)
}

// DecideOptions are parameters for the second reviewer's version verdict.
type DecideOptions struct {
	VersionID string
	Rev       int64
	Outcome   string // approve | reject
	Reason    string
	ActorID   string
}

// DecideVersion finalizes a pending version. Approval supersedes any earlier
// approved version of the instance in the same transaction and marks the
// instance a completion candidate; rejection is terminal and continues only
// through carry-forward.
func (e *Engine) DecideVersion(ctx context.Context, opts DecideOptions) (domain.Version, error) {
	if opts.Outcome != domain.OutcomeApprove && opts.Outcome != domain.OutcomeReject {
		return domain.Version{}, &ValidationError{Field: "outcome", Reason: "must be approve or reject"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Version{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetVersionTx(ctx, tx, opts.VersionID)
	if err != nil {
		return domain.Version{}, e.wrapNotFound(err, "version", opts.VersionID)
	}
	if v.Status != domain.VersionPendingApproval {
		return domain.Version{}, &InvalidStateError{Entity: "version", ID: v.ID, Status: v.Status, Op: "decide"}
	}
	in, err := e.Repo.GetInstanceTx(ctx, tx, v.InstanceID)
	if err != nil {
		return domain.Version{}, err
	}

	now := e.nowRFC3339()
	v.ReviewedBy = &opts.ActorID
	v.ReviewedAt = &now
	evtType := events.VersionApproved
	code := "approved"
	if opts.Outcome == domain.OutcomeApprove {
		v.Status = domain.VersionApproved
	} else {
		v.Status = domain.VersionRejected
		if opts.Reason != "" {
			v.RejectionReason = &opts.Reason
		}
		evtType = events.VersionRejected
		code = "rejected"
	}
	if v.Status == domain.VersionApproved {
		// The one-current-per-instance index is checked per statement, so the
		// old approval must step aside before the new one is written.
		if err := e.Repo.SupersedePreviousTx(ctx, tx, v.InstanceID, v.ID); err != nil {
			return domain.Version{}, fmt.Errorf("supersede previous: %w", err)
		}
	}
	ok, err := e.Repo.UpdateVersionTx(ctx, tx, v, opts.Rev)
	if err != nil {
		return domain.Version{}, err
	}
	if !ok {
		return domain.Version{}, &ConcurrentModificationError{Entity: "version", ID: v.ID}
	}
	v.Rev = opts.Rev + 1
	if err := e.Events.Append(ctx, tx, evtType, in.CycleID, "version", v.ID, opts.ActorID, events.EventPayload{
		"instance_id": in.ID, "number": v.Number, "reason": opts.Reason,
	}); err != nil {
		return domain.Version{}, err
	}
	if v.Status == domain.VersionApproved {
		if err := e.Events.Append(ctx, tx, events.InstanceCandidate, in.CycleID, "instance", in.ID, opts.ActorID, events.EventPayload{
			"version_id": v.ID,
		}); err != nil {
			return domain.Version{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Version{}, err
	}
	if e.Metrics != nil {
		e.Metrics.VersionsDecided.WithLabelValues(opts.Outcome).Inc()
	}
	e.notify(ctx, code, in.CycleID, "version", v.ID)

	if v.Status == domain.VersionApproved {
		// An approved version completes its instance, which in turn lets the
		// resolver unblock downstream phases.
		if _, err := e.CompleteInstance(ctx, CompleteOptions{InstanceID: in.ID, ActorID: opts.ActorID}); err != nil {
			var ise *InvalidStateError
			if !errors.As(err, &ise) {
				return v, err
			}
		}
	}
	return e.withCounts(ctx, nil, v)
}

// ReopenItem clears the pre-populated decisions of a carried-forward item in a
// draft so it can be re-decided.
func (e *Engine) ReopenItem(ctx context.Context, itemID string, rev int64, actorID string) (domain.Item, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetItemTx(ctx, tx, itemID)
	if err != nil {
		return domain.Item{}, e.wrapNotFound(err, "item", itemID)
	}
	v, err := e.Repo.GetVersionTx(ctx, tx, it.VersionID)
	if err != nil {
		return domain.Item{}, err
	}
	if v.Status != domain.VersionDraft {
		return domain.Item{}, &InvalidStateError{Entity: "version", ID: v.ID, Status: v.Status, Op: "reopen item"}
	}
	if it.Provenance != domain.ProvenanceCarriedForward {
		return domain.Item{}, &InvalidStateError{Entity: "item", ID: it.ID, Status: it.Provenance, Op: "reopen"}
	}
	ok, err := e.Repo.TouchVersionTx(ctx, tx, v.ID, rev)
	if err != nil {
		return domain.Item{}, err
	}
	if !ok {
		return domain.Item{}, &ConcurrentModificationError{Entity: "version", ID: v.ID}
	}
	it.FirstOutcome, it.FirstNotes, it.FirstBy, it.FirstAt = nil, nil, nil, nil
	it.SecondOutcome, it.SecondNotes, it.SecondBy, it.SecondAt = nil, nil, nil, nil
	if err := e.Repo.UpdateItemDecisionTx(ctx, tx, it); err != nil {
		return domain.Item{}, err
	}
	cycleID, err := e.cycleOfVersionTx(ctx, tx, v)
	if err != nil {
		return domain.Item{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ItemReopened, cycleID, "item", it.ID, actorID, events.EventPayload{
		"version_id": v.ID,
	}); err != nil {
		return domain.Item{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Item{}, err
	}
	return it, nil
}

func (e *Engine) cycleOfVersionTx(ctx context.Context, tx *sql.Tx, v domain.Version) (string, error) {
	in, err := e.Repo.GetInstanceTx(ctx, tx, v.InstanceID)
	if err != nil {
		return "", err
	}
	return in.CycleID, nil
}
