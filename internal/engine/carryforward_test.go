package engine_test

import (
	"errors"
	"testing"

	"reviewline/internal/domain"
	"reviewline/internal/engine"
)

// rejectedVersion drives a fresh three-item draft through submit and a
// rejecting verdict. Final outcomes end up approve, reject, reject.
func rejectedVersion(t *testing.T, env testEnv, instanceID string) (domain.Version, []domain.Item) {
	t.Helper()
	v, items := env.draftWithItems(t, instanceID, 3)
	env.decideFirst(t, items[:2], domain.OutcomeApprove)
	env.decideFirst(t, items[2:], domain.OutcomeReject)
	v = env.version(t, v.ID)
	v, err := env.Engine.SubmitVersion(env.Ctx, v.ID, v.Rev, "maker")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// second-track verdicts: approve the first item, reject the second,
	// leave the third with its first-track rejection
	for i, outcome := range []string{domain.OutcomeApprove, domain.OutcomeReject} {
		if _, err := env.Engine.RecordDecision(env.Ctx, engine.DecisionInput{
			ItemID: items[i].ID, Track: domain.TrackSecond, Outcome: outcome, ActorID: "checker",
		}); err != nil {
			t.Fatalf("second decision: %v", err)
		}
	}
	v = env.version(t, v.ID)
	v, err = env.Engine.DecideVersion(env.Ctx, engine.DecideOptions{
		VersionID: v.ID, Rev: v.Rev, Outcome: domain.OutcomeReject, Reason: "rework", ActorID: "checker",
	})
	if err != nil {
		t.Fatalf("reject version: %v", err)
	}
	return v, items
}

func TestCarryForwardDefaultPolicy(t *testing.T) {
	env := newTestEnv(t)
	in := env.advanceTo(t, "sample_selection")
	src, _ := rejectedVersion(t, env, in.ID)

	next, err := env.Engine.CarryForward(env.Ctx, engine.CarryForwardOptions{
		SourceVersionID: src.ID, ActorID: "maker",
	})
	if err != nil {
		t.Fatalf("carry forward: %v", err)
	}
	if next.Status != domain.VersionDraft || next.Number != src.Number+1 {
		t.Fatalf("unexpected target: %+v", next)
	}
	if next.ParentVersionID == nil || *next.ParentVersionID != src.ID {
		t.Fatalf("parent not recorded: %+v", next)
	}

	items, err := env.Engine.Repo.ListItems(env.Ctx, next.ID)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	// final outcomes in the source: approve, reject, reject. Default policy
	// keeps the approved item with decisions intact and resets the rejected
	// ones.
	if len(items) != 3 {
		t.Fatalf("expected 3 carried items, got %d", len(items))
	}
	var kept, reset int
	for _, it := range items {
		if it.Provenance != domain.ProvenanceCarriedForward {
			t.Fatalf("provenance = %s", it.Provenance)
		}
		if it.SourceItemID == nil {
			t.Fatalf("source item not recorded")
		}
		if it.FinalOutcome() == domain.OutcomeApprove {
			kept++
		} else if it.FinalOutcome() == "" {
			reset++
		}
	}
	if kept != 1 || reset != 2 {
		t.Fatalf("kept=%d reset=%d, want 1/2", kept, reset)
	}
}

func TestCarryForwardDropsUndecided(t *testing.T) {
	env := newTestEnv(t)
	in := env.advanceTo(t, "sample_selection")

	src, _ := rejectedVersion(t, env, in.ID)
	// custom policy: only rejected items survive
	next, err := env.Engine.CarryForward(env.Ctx, engine.CarryForwardOptions{
		SourceVersionID: src.ID,
		Policy: func(item domain.Item, finalOutcome string) (bool, bool) {
			return finalOutcome == domain.OutcomeReject, true
		},
		ActorID: "maker",
	})
	if err != nil {
		t.Fatalf("carry forward: %v", err)
	}
	items, err := env.Engine.Repo.ListItems(env.Ctx, next.ID)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected only rejected items carried, got %d", len(items))
	}
}

func TestCarryForwardDeduplicatesBySource(t *testing.T) {
	env := newTestEnv(t)
	in := env.advanceTo(t, "sample_selection")
	src, _ := rejectedVersion(t, env, in.ID)

	next, err := env.Engine.CarryForward(env.Ctx, engine.CarryForwardOptions{
		SourceVersionID: src.ID, ActorID: "maker",
	})
	if err != nil {
		t.Fatalf("first carry forward: %v", err)
	}
	before, _ := env.Engine.Repo.ListItems(env.Ctx, next.ID)

	// repeating into the same draft copies nothing new
	target := env.version(t, next.ID)
	again, err := env.Engine.CarryForward(env.Ctx, engine.CarryForwardOptions{
		SourceVersionID: src.ID, TargetVersionID: next.ID, TargetRev: target.Rev, ActorID: "maker",
	})
	if err != nil {
		t.Fatalf("second carry forward: %v", err)
	}
	after, _ := env.Engine.Repo.ListItems(env.Ctx, again.ID)
	if len(after) != len(before) {
		t.Fatalf("repeat carry inflated draft: %d -> %d", len(before), len(after))
	}
}

func TestCarryForwardFromDraftFails(t *testing.T) {
	env := newTestEnv(t)
	in := env.advanceTo(t, "sample_selection")
	v, _ := env.draftWithItems(t, in.ID, 1)
	_, err := env.Engine.CarryForward(env.Ctx, engine.CarryForwardOptions{SourceVersionID: v.ID, ActorID: "maker"})
	var ise *engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
}

func TestReopenCarriedItem(t *testing.T) {
	env := newTestEnv(t)
	in := env.advanceTo(t, "sample_selection")
	src, _ := rejectedVersion(t, env, in.ID)
	next, err := env.Engine.CarryForward(env.Ctx, engine.CarryForwardOptions{SourceVersionID: src.ID, ActorID: "maker"})
	if err != nil {
		t.Fatalf("carry forward: %v", err)
	}
	items, _ := env.Engine.Repo.ListItems(env.Ctx, next.ID)
	var kept domain.Item
	for _, it := range items {
		if it.FinalOutcome() == domain.OutcomeApprove {
			kept = it
		}
	}
	if kept.ID == "" {
		t.Fatalf("no kept item found")
	}
	target := env.version(t, next.ID)
	reopened, err := env.Engine.ReopenItem(env.Ctx, kept.ID, target.Rev, "maker")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.FirstOutcome != nil || reopened.SecondOutcome != nil {
		t.Fatalf("decisions not cleared: %+v", reopened)
	}

	// originated items cannot be reopened
	fresh, err := env.Engine.AddItems(env.Ctx, next.ID, target.Rev+1, []engine.ItemInput{{PayloadJSON: "{}"}}, "maker")
	if err != nil {
		t.Fatalf("add item: %v", err)
	}
	current := env.version(t, next.ID)
	_, err = env.Engine.ReopenItem(env.Ctx, fresh[0].ID, current.Rev, "maker")
	var ise *engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected invalid state error for originated item, got %v", err)
	}
}
