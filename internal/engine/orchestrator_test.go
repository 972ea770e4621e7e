package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"reviewline/internal/domain"
	"reviewline/internal/engine"
)

type captureProducer struct {
	jobs chan domain.Job
}

func (p *captureProducer) Produce(_ context.Context, job domain.Job) {
	p.jobs <- job
}

func TestDispatchJobHandsOffToProducer(t *testing.T) {
	env := newTestEnv(t)
	in := env.advanceTo(t, "sample_selection")
	v, _ := env.draftWithItems(t, in.ID, 1)

	producer := &captureProducer{jobs: make(chan domain.Job, 1)}
	env.Engine.Producer = producer
	j, err := env.Engine.DispatchJob(env.Ctx, engine.JobOptions{
		CycleID: "cycle-1", Kind: "item_generation", InstanceID: in.ID, VersionID: v.ID, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if j.Status != domain.JobPending {
		t.Fatalf("status = %s, want pending", j.Status)
	}
	select {
	case got := <-producer.jobs:
		if got.ID != j.ID {
			t.Fatalf("producer received wrong job: %s", got.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("producer never received the job")
	}
}

func TestCompleteJobAddsItemsToDraft(t *testing.T) {
	env := newTestEnv(t)
	in := env.advanceTo(t, "sample_selection")
	v, _ := env.draftWithItems(t, in.ID, 1)
	j, err := env.Engine.DispatchJob(env.Ctx, engine.JobOptions{
		CycleID: "cycle-1", Kind: "item_generation", VersionID: v.ID, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	j, err = env.Engine.CompleteJob(env.Ctx, j.ID, []engine.ItemInput{
		{Category: "attribute", PayloadJSON: `{"gen":1}`},
		{Category: "attribute", PayloadJSON: `{"gen":2}`},
	}, "producer")
	if err != nil || j.Status != domain.JobCompleted {
		t.Fatalf("complete: %v (%+v)", err, j)
	}
	if got := env.version(t, v.ID).TotalItems; got != 3 {
		t.Fatalf("items = %d, want 3", got)
	}
}

func TestStaleJobCallbackIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	in := env.advanceTo(t, "sample_selection")
	v, items := env.draftWithItems(t, in.ID, 1)
	j, err := env.Engine.DispatchJob(env.Ctx, engine.JobOptions{
		CycleID: "cycle-1", Kind: "item_generation", VersionID: v.ID, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// the version moves on before the callback lands
	env.decideFirst(t, items, domain.OutcomeApprove)
	v = env.version(t, v.ID)
	if _, err := env.Engine.SubmitVersion(env.Ctx, v.ID, v.Rev, "maker"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	j, err = env.Engine.CompleteJob(env.Ctx, j.ID, []engine.ItemInput{{PayloadJSON: "{}"}}, "producer")
	if err != nil {
		t.Fatalf("late callback must not error: %v", err)
	}
	if j.Status != domain.JobStale {
		t.Fatalf("status = %s, want stale", j.Status)
	}
	if got := env.version(t, v.ID).TotalItems; got != 1 {
		t.Fatalf("stale callback changed the version: %d items", got)
	}

	// repeating the callback stays a no-op
	again, err := env.Engine.CompleteJob(env.Ctx, j.ID, nil, "producer")
	if err != nil || again.Status != domain.JobStale {
		t.Fatalf("repeat callback: %v (%+v)", err, again)
	}
}

func TestCompleteJobTwiceIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	j, err := env.Engine.DispatchJob(env.Ctx, engine.JobOptions{CycleID: "cycle-1", Kind: "notify", ActorID: "tester"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if j, err = env.Engine.CompleteJob(env.Ctx, j.ID, nil, "producer"); err != nil || j.Status != domain.JobCompleted {
		t.Fatalf("first complete: %v (%+v)", err, j)
	}
	if j, err = env.Engine.CompleteJob(env.Ctx, j.ID, nil, "producer"); err != nil || j.Status != domain.JobCompleted {
		t.Fatalf("second complete: %v (%+v)", err, j)
	}
}

func TestCompleteInstanceIdempotent(t *testing.T) {
	env := newTestEnv(t)
	in := env.advanceTo(t, "planning")
	if _, err := env.Engine.CompleteInstance(env.Ctx, engine.CompleteOptions{InstanceID: in.ID, ActorID: "tester"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	again, err := env.Engine.CompleteInstance(env.Ctx, engine.CompleteOptions{InstanceID: in.ID, ActorID: "tester"})
	if err != nil || again.Status != domain.InstanceComplete {
		t.Fatalf("repeat complete: %v (%+v)", err, again)
	}
	count := 0
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT count(*) FROM events WHERE type='instance.completed' AND entity_id=?`, in.ID)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()
	rows.Next()
	rows.Scan(&count)
	if count != 1 {
		t.Fatalf("expected one completion event, got %d", count)
	}
}

func TestReconcileStartsMissedInstances(t *testing.T) {
	env := newTestEnv(t)
	in := env.advanceTo(t, "planning")

	// simulate a lost trigger: complete the instance behind the engine's back
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE phase_instances SET status='complete' WHERE id=?`, in.ID); err != nil {
		t.Fatalf("force complete: %v", err)
	}
	if _, err := env.Engine.Repo.GetInstanceByKey(env.Ctx, nil, "cycle-1", "scoping", ""); err == nil {
		t.Fatalf("scoping should not exist yet")
	}
	if err := env.Engine.Reconcile(env.Ctx, "cycle-1", "sweeper"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got := env.instance(t, "scoping", "").Status; got != domain.InstanceInProgress {
		t.Fatalf("scoping = %s, want in_progress", got)
	}
	// a second sweep finds nothing to do
	if err := env.Engine.Reconcile(env.Ctx, "cycle-1", "sweeper"); err != nil {
		t.Fatalf("idempotent reconcile: %v", err)
	}
}

func TestResolveUnknownCycle(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Resolve(env.Ctx, "nope")
	var nf *engine.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected not found, got %v", err)
	}
}
