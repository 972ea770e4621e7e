package engine_test

import (
	"context"
	"testing"
	"time"

	"reviewline/internal/config"
	"reviewline/internal/db"
	"reviewline/internal/domain"
	"reviewline/internal/engine"
	"reviewline/internal/migrate"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	return newTestEnvWith(t, config.Default("cycle-1"))
}

func mustConfig(t *testing.T, yml string) *config.Config {
	t.Helper()
	cfg, err := config.FromYAML([]byte(yml))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func newTestEnvWith(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitCycle(ctx, "cycle-1", "test", "", "tester"); err != nil {
		t.Fatalf("init cycle: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

// instance looks up a phase instance by its key, failing the test if absent.
func (env testEnv) instance(t *testing.T, phase, scope string) domain.PhaseInstance {
	t.Helper()
	in, err := env.Engine.Repo.GetInstanceByKey(env.Ctx, nil, "cycle-1", phase, scope)
	if err != nil {
		t.Fatalf("instance %s/%s: %v", phase, scope, err)
	}
	return in
}

// completePhase completes the named instance; downstream auto-start runs as a
// side effect.
func (env testEnv) completePhase(t *testing.T, phase, scope string) {
	t.Helper()
	in := env.instance(t, phase, scope)
	if _, err := env.Engine.CompleteInstance(env.Ctx, engine.CompleteOptions{InstanceID: in.ID, ActorID: "tester"}); err != nil {
		t.Fatalf("complete %s/%s: %v", phase, scope, err)
	}
}

// advanceTo starts the root phase and completes phases in order until target
// is in progress.
func (env testEnv) advanceTo(t *testing.T, target string) domain.PhaseInstance {
	t.Helper()
	if _, err := env.Engine.Repo.GetInstanceByKey(env.Ctx, nil, "cycle-1", "planning", ""); err != nil {
		if _, err := env.Engine.StartInstance(env.Ctx, engine.StartOptions{CycleID: "cycle-1", Phase: "planning", ActorID: "tester"}); err != nil {
			t.Fatalf("start planning: %v", err)
		}
	}
	for _, phase := range []string{"planning", "scoping", "sample_selection", "owner_identification"} {
		if phase == target {
			return env.instance(t, phase, "")
		}
		env.completePhase(t, phase, "")
	}
	return env.instance(t, target, "")
}

// draftWithItems opens a draft on the instance and loads n items into it.
func (env testEnv) draftWithItems(t *testing.T, instanceID string, n int) (domain.Version, []domain.Item) {
	t.Helper()
	v, err := env.Engine.CreateVersion(env.Ctx, engine.VersionCreateOptions{InstanceID: instanceID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create version: %v", err)
	}
	inputs := make([]engine.ItemInput, n)
	for i := range inputs {
		inputs[i] = engine.ItemInput{Category: "attribute", PayloadJSON: `{"n":1}`}
	}
	items, err := env.Engine.AddItems(env.Ctx, v.ID, v.Rev, inputs, "tester")
	if err != nil {
		t.Fatalf("add items: %v", err)
	}
	return env.version(t, v.ID), items
}

func (env testEnv) version(t *testing.T, id string) domain.Version {
	t.Helper()
	v, err := env.Engine.GetVersion(env.Ctx, id)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	return v
}

// decideFirst records a first-track decision on every item.
func (env testEnv) decideFirst(t *testing.T, items []domain.Item, outcome string) {
	t.Helper()
	for _, it := range items {
		if _, err := env.Engine.RecordDecision(env.Ctx, engine.DecisionInput{
			ItemID: it.ID, Track: domain.TrackFirst, Outcome: outcome, ActorID: "tester",
		}); err != nil {
			t.Fatalf("first decision for %s: %v", it.ID, err)
		}
	}
}

func TestInitCycleAppendsEvent(t *testing.T) {
	env := newTestEnv(t)
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "cycle-1", "", "", "")
	if err != nil {
		t.Fatalf("latest events: %v", err)
	}
	if len(events) != 1 || events[0].Type != "cycle.init" {
		t.Fatalf("expected single cycle.init event, got %+v", events)
	}
}

func TestInitCycleRequiresID(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.InitCycle(env.Ctx, "", "x", "", "tester"); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	in := env.advanceTo(t, "sample_selection")
	v, items := env.draftWithItems(t, in.ID, 2)
	env.decideFirst(t, items, domain.OutcomeApprove)
	v = env.version(t, v.ID)
	if _, err := env.Engine.SubmitVersion(env.Ctx, v.ID, v.Rev, "tester"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE cycle_id=? ORDER BY id`, "cycle-1")
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	var types []string
	for rows.Next() {
		var typ string
		if err := rows.Scan(&typ); err != nil {
			t.Fatalf("scan: %v", err)
		}
		types = append(types, typ)
	}
	want := map[string]bool{
		"cycle.init": false, "instance.started": false, "instance.completed": false,
		"version.created": false, "version.items_added": false,
		"decision.recorded": false, "version.submitted": false,
	}
	for _, typ := range types {
		if _, ok := want[typ]; ok {
			want[typ] = true
		}
	}
	for typ, seen := range want {
		if !seen {
			t.Fatalf("expected %s in event log, got %v", typ, types)
		}
	}
}

func TestVersionCountsDerived(t *testing.T) {
	env := newTestEnv(t)
	in := env.advanceTo(t, "sample_selection")
	v, items := env.draftWithItems(t, in.ID, 3)
	env.decideFirst(t, items[:2], domain.OutcomeApprove)
	env.decideFirst(t, items[2:], domain.OutcomeReject)
	v = env.version(t, v.ID)
	if v.TotalItems != 3 || v.ApprovedItems != 2 || v.RejectedItems != 1 {
		t.Fatalf("counts = %d/%d/%d, want 3/2/1", v.TotalItems, v.ApprovedItems, v.RejectedItems)
	}
}
