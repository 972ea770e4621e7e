package engine_test

import (
	"errors"
	"testing"

	"reviewline/internal/domain"
	"reviewline/internal/engine"
)

func TestVersionApprovalFlow(t *testing.T) {
	env := newTestEnv(t)
	in := env.advanceTo(t, "sample_selection")

	v, items := env.draftWithItems(t, in.ID, 2)
	if v.Status != domain.VersionDraft || v.Number != 1 {
		t.Fatalf("unexpected draft: %+v", v)
	}

	// submit without first-track decisions must fail for this phase
	_, err := env.Engine.SubmitVersion(env.Ctx, v.ID, v.Rev, "maker")
	var verr *engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}

	env.decideFirst(t, items, domain.OutcomeApprove)
	v = env.version(t, v.ID)
	v, err = env.Engine.SubmitVersion(env.Ctx, v.ID, v.Rev, "maker")
	if err != nil || v.Status != domain.VersionPendingApproval {
		t.Fatalf("submit: %v (%+v)", err, v)
	}

	v, err = env.Engine.DecideVersion(env.Ctx, engine.DecideOptions{
		VersionID: v.ID, Rev: v.Rev, Outcome: domain.OutcomeApprove, ActorID: "checker",
	})
	if err != nil || v.Status != domain.VersionApproved {
		t.Fatalf("decide: %v (%+v)", err, v)
	}

	// approval completes the instance and auto-starts the successor
	if got := env.instance(t, "sample_selection", "").Status; got != domain.InstanceComplete {
		t.Fatalf("instance status = %s, want complete", got)
	}
	if got := env.instance(t, "owner_identification", "").Status; got != domain.InstanceInProgress {
		t.Fatalf("successor status = %s, want in_progress", got)
	}
}

func TestVersionRejectionKeepsInstanceOpen(t *testing.T) {
	env := newTestEnv(t)
	in := env.advanceTo(t, "sample_selection")
	v, items := env.draftWithItems(t, in.ID, 1)
	env.decideFirst(t, items, domain.OutcomeApprove)
	v = env.version(t, v.ID)
	v, err := env.Engine.SubmitVersion(env.Ctx, v.ID, v.Rev, "maker")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	v, err = env.Engine.DecideVersion(env.Ctx, engine.DecideOptions{
		VersionID: v.ID, Rev: v.Rev, Outcome: domain.OutcomeReject, Reason: "sample too small", ActorID: "checker",
	})
	if err != nil || v.Status != domain.VersionRejected {
		t.Fatalf("reject: %v (%+v)", err, v)
	}
	if v.RejectionReason == nil || *v.RejectionReason != "sample too small" {
		t.Fatalf("rejection reason not stored: %+v", v)
	}
	if got := env.instance(t, "sample_selection", "").Status; got != domain.InstanceInProgress {
		t.Fatalf("instance status = %s, want in_progress after rejection", got)
	}
}

func TestOneLiveVersionPerInstance(t *testing.T) {
	env := newTestEnv(t)
	in := env.advanceTo(t, "sample_selection")
	if _, err := env.Engine.CreateVersion(env.Ctx, engine.VersionCreateOptions{InstanceID: in.ID, ActorID: "maker"}); err != nil {
		t.Fatalf("first draft: %v", err)
	}
	_, err := env.Engine.CreateVersion(env.Ctx, engine.VersionCreateOptions{InstanceID: in.ID, ActorID: "maker"})
	var conflict *engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestConcurrentDecideLosesOnStaleRev(t *testing.T) {
	env := newTestEnv(t)
	in := env.advanceTo(t, "sample_selection")
	v, items := env.draftWithItems(t, in.ID, 1)
	env.decideFirst(t, items, domain.OutcomeApprove)
	v = env.version(t, v.ID)
	v, err := env.Engine.SubmitVersion(env.Ctx, v.ID, v.Rev, "maker")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	staleRev := v.Rev
	if _, err := env.Engine.DecideVersion(env.Ctx, engine.DecideOptions{
		VersionID: v.ID, Rev: staleRev, Outcome: domain.OutcomeApprove, ActorID: "checker-a",
	}); err != nil {
		t.Fatalf("first decide: %v", err)
	}
	_, err = env.Engine.DecideVersion(env.Ctx, engine.DecideOptions{
		VersionID: v.ID, Rev: staleRev, Outcome: domain.OutcomeReject, ActorID: "checker-b",
	})
	if err == nil {
		t.Fatalf("expected second decide to fail")
	}
	// The version already left pending_approval, so the loser sees the state
	// error rather than a rev mismatch.
	var ise *engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
	if got := env.version(t, v.ID).Status; got != domain.VersionApproved {
		t.Fatalf("status = %s, want approved", got)
	}
}

func TestStaleRevOnAddItems(t *testing.T) {
	env := newTestEnv(t)
	in := env.advanceTo(t, "sample_selection")
	v, _ := env.draftWithItems(t, in.ID, 1)
	_, err := env.Engine.AddItems(env.Ctx, v.ID, v.Rev-1, []engine.ItemInput{{PayloadJSON: "{}"}}, "maker")
	var cme *engine.ConcurrentModificationError
	if !errors.As(err, &cme) {
		t.Fatalf("expected concurrent modification error, got %v", err)
	}
}

func TestApprovalSupersedesPrevious(t *testing.T) {
	cfg := mustConfig(t, `cycle:
  id: cycle-1
phases:
  review:
    carry_forward:
      drop_undecided: false
graph: []
`)
	env := newTestEnvWith(t, cfg)
	in, err := env.Engine.StartInstance(env.Ctx, engine.StartOptions{CycleID: "cycle-1", Phase: "review", ActorID: "tester"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	approve := func() domain.Version {
		t.Helper()
		v, items := env.draftWithItems(t, in.ID, 1)
		env.decideFirst(t, items, domain.OutcomeApprove)
		v = env.version(t, v.ID)
		v, err := env.Engine.SubmitVersion(env.Ctx, v.ID, v.Rev, "maker")
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		v, err = env.Engine.DecideVersion(env.Ctx, engine.DecideOptions{
			VersionID: v.ID, Rev: v.Rev, Outcome: domain.OutcomeApprove, ActorID: "checker",
		})
		if err != nil {
			t.Fatalf("decide: %v", err)
		}
		return v
	}

	first := approve()
	// A single-phase graph: approval completes the instance. Reopen it by
	// flipping status back for the second round.
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE phase_instances SET status='in_progress' WHERE id=?`, in.ID); err != nil {
		t.Fatalf("reopen instance: %v", err)
	}
	second := approve()

	if got := env.version(t, first.ID).Status; got != domain.VersionSuperseded {
		t.Fatalf("first version status = %s, want superseded", got)
	}
	if got := env.version(t, second.ID).Status; got != domain.VersionApproved {
		t.Fatalf("second version status = %s, want approved", got)
	}
	if second.Number != first.Number+1 {
		t.Fatalf("numbers not monotonic: %d then %d", first.Number, second.Number)
	}
}

func TestCreateVersionRequiresInProgressInstance(t *testing.T) {
	env := newTestEnv(t)
	env.advanceTo(t, "scoping")
	done := env.instance(t, "planning", "")
	_, err := env.Engine.CreateVersion(env.Ctx, engine.VersionCreateOptions{InstanceID: done.ID, ActorID: "maker"})
	var ise *engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
}
