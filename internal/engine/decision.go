package engine

import (
	"context"
	"fmt"

	"reviewline/internal/domain"
	"reviewline/internal/events"
)

// DecisionInput records one reviewer's verdict on one item.
type DecisionInput struct {
	ItemID  string
	Track   string // first | second
	Outcome string // approve | reject | request_changes
	Notes   string
	ActorID string
	Role    string
}

// RecordDecision writes a decision on one track of an item. Which
// (version-status, track) combinations are legal is phase configuration, as is
// which declared roles may write each track.
func (e *Engine) RecordDecision(ctx context.Context, in DecisionInput) (domain.Item, error) {
	if !domain.ValidTrack(in.Track) {
		return domain.Item{}, &ValidationError{Field: "track", Reason: "must be first or second"}
	}
	if !domain.ValidOutcome(in.Outcome) {
		return domain.Item{}, &ValidationError{Field: "outcome", Reason: fmt.Sprintf("%q is not a recognised outcome", in.Outcome)}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetItemTx(ctx, tx, in.ItemID)
	if err != nil {
		return domain.Item{}, e.wrapNotFound(err, "item", in.ItemID)
	}
	v, err := e.Repo.GetVersionTx(ctx, tx, it.VersionID)
	if err != nil {
		return domain.Item{}, err
	}
	inst, err := e.Repo.GetInstanceTx(ctx, tx, v.InstanceID)
	if err != nil {
		return domain.Item{}, err
	}
	if !e.Config.TrackAllowed(inst.Phase, in.Track, v.Status) {
		return domain.Item{}, &InvalidStateError{Entity: "version", ID: v.ID, Status: v.Status, Op: in.Track + "-track decision"}
	}
	if !e.Config.RoleAllowed(inst.Phase, in.Track, in.Role) {
		return domain.Item{}, &ValidationError{Field: "role", Reason: fmt.Sprintf("role %q may not record %s-track decisions for phase %s", in.Role, in.Track, inst.Phase)}
	}
	// Serialize against submit/decide on the same version.
	ok, err := e.Repo.TouchVersionTx(ctx, tx, v.ID, v.Rev)
	if err != nil {
		return domain.Item{}, err
	}
	if !ok {
		return domain.Item{}, &ConcurrentModificationError{Entity: "version", ID: v.ID}
	}

	now := e.nowRFC3339()
	outcome, actor := in.Outcome, in.ActorID
	switch in.Track {
	case domain.TrackFirst:
		it.FirstOutcome = &outcome
		it.FirstBy = &actor
		it.FirstAt = &now
		if in.Notes != "" {
			notes := in.Notes
			it.FirstNotes = &notes
		}
	case domain.TrackSecond:
		it.SecondOutcome = &outcome
		it.SecondBy = &actor
		it.SecondAt = &now
		if in.Notes != "" {
			notes := in.Notes
			it.SecondNotes = &notes
		}
	}
	if err := e.Repo.UpdateItemDecisionTx(ctx, tx, it); err != nil {
		return domain.Item{}, err
	}
	if err := e.Events.Append(ctx, tx, events.DecisionRecorded, inst.CycleID, "item", it.ID, in.ActorID, events.EventPayload{
		"version_id": v.ID, "track": in.Track, "outcome": in.Outcome,
	}); err != nil {
		return domain.Item{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Item{}, err
	}
	if e.Metrics != nil {
		e.Metrics.DecisionsRecorded.WithLabelValues(in.Track).Inc()
	}
	return it, nil
}

// DecisionResult is the per-item outcome of a bulk decision call.
type DecisionResult struct {
	ItemID string       `json:"item_id"`
	Item   *domain.Item `json:"item,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// RecordDecisionBulk applies one outcome to many items. Items are validated
// independently; a failing item never blocks the rest.
func (e *Engine) RecordDecisionBulk(ctx context.Context, itemIDs []string, track, outcome, notes, actorID, role string) ([]DecisionResult, error) {
	if len(itemIDs) == 0 {
		return nil, &ValidationError{Field: "item_ids", Reason: "at least one item required"}
	}
	results := make([]DecisionResult, 0, len(itemIDs))
	for _, id := range itemIDs {
		it, err := e.RecordDecision(ctx, DecisionInput{
			ItemID: id, Track: track, Outcome: outcome, Notes: notes, ActorID: actorID, Role: role,
		})
		res := DecisionResult{ItemID: id}
		if err != nil {
			res.Error = err.Error()
		} else {
			item := it
			res.Item = &item
		}
		results = append(results, res)
	}
	return results, nil
}
