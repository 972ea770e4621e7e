package engine_test

import (
	"errors"
	"strings"
	"testing"

	"reviewline/internal/config"
	"reviewline/internal/domain"
	"reviewline/internal/engine"
)

func testGraph(t *testing.T) engine.Graph {
	t.Helper()
	g, err := engine.BuildGraph(config.Default("cycle-1"))
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	return g
}

func key(phase, scope string) engine.InstanceKey {
	return engine.InstanceKey{Phase: phase, ScopeKey: scope}
}

func hasCandidate(cs []engine.Candidate, phase, scope string) bool {
	for _, c := range cs {
		if c.Phase == phase && c.ScopeKey == scope {
			return true
		}
	}
	return false
}

func TestResolveRootStartable(t *testing.T) {
	g := testGraph(t)
	res := engine.Resolve(g, engine.Snapshot{Statuses: map[engine.InstanceKey]string{}})
	if !hasCandidate(res.Startable, "planning", "") {
		t.Fatalf("root phase not startable: %+v", res.Startable)
	}
	if hasCandidate(res.Startable, "scoping", "") {
		t.Fatalf("successor startable before predecessor exists")
	}
}

func TestResolveSequentialGate(t *testing.T) {
	g := testGraph(t)
	snap := engine.Snapshot{Statuses: map[engine.InstanceKey]string{
		key("planning", ""): domain.InstanceInProgress,
	}}
	res := engine.Resolve(g, snap)
	if !hasCandidate(res.Blocked, "scoping", "") {
		t.Fatalf("scoping should be blocked: %+v", res.Blocked)
	}
	snap.Statuses[key("planning", "")] = domain.InstanceComplete
	res = engine.Resolve(g, snap)
	if !hasCandidate(res.Startable, "scoping", "") {
		t.Fatalf("scoping should be startable: %+v", res.Startable)
	}
}

func TestResolveFanOutPerUnitNoSiblingWait(t *testing.T) {
	g := testGraph(t)
	snap := engine.Snapshot{
		Statuses: map[engine.InstanceKey]string{
			key("owner_identification", ""): domain.InstanceInProgress,
		},
		Units: map[string][]string{"owner_identification": {"u1", "u2"}},
	}
	res := engine.Resolve(g, snap)
	if !hasCandidate(res.Startable, "information_request", "u1") || !hasCandidate(res.Startable, "information_request", "u2") {
		t.Fatalf("fan-out units not startable: %+v", res.Startable)
	}
	// one spawned instance consumes only its own candidate
	snap.Statuses[key("information_request", "u1")] = domain.InstanceInProgress
	res = engine.Resolve(g, snap)
	if hasCandidate(res.Startable, "information_request", "u1") {
		t.Fatalf("existing instance still offered")
	}
	if !hasCandidate(res.Startable, "information_request", "u2") {
		t.Fatalf("sibling candidate lost")
	}
}

func TestResolveScopePreservingSequential(t *testing.T) {
	g := testGraph(t)
	snap := engine.Snapshot{
		Statuses: map[engine.InstanceKey]string{
			key("information_request", "u1"): domain.InstanceComplete,
			key("information_request", "u2"): domain.InstanceInProgress,
		},
	}
	res := engine.Resolve(g, snap)
	if !hasCandidate(res.Startable, "test_execution", "u1") {
		t.Fatalf("u1 successor should be startable: %+v", res.Startable)
	}
	if !hasCandidate(res.Blocked, "test_execution", "u2") {
		t.Fatalf("u2 successor should be blocked: %+v", res.Blocked)
	}
}

func TestResolveFanInWaitsForClosure(t *testing.T) {
	g := testGraph(t)
	snap := engine.Snapshot{
		Statuses: map[engine.InstanceKey]string{
			key("observations", "u1"): domain.InstanceComplete,
		},
		Units:  map[string][]string{"owner_identification": {"u1", "u2"}},
		Closed: map[string]bool{},
	}
	blockedReason := func(res engine.Resolution) string {
		for _, c := range res.Blocked {
			if c.Phase == "report_finalization" {
				return c.Reason
			}
		}
		return ""
	}

	res := engine.Resolve(g, snap)
	if !hasCandidate(res.Blocked, "report_finalization", "") {
		t.Fatalf("fan-in should wait for closure: %+v", res)
	}

	// closing the collector alone is not enough while the unit producer may
	// still register more owners
	snap.Closed["observations"] = true
	res = engine.Resolve(g, snap)
	if reason := blockedReason(res); !strings.Contains(reason, "owner_identification") {
		t.Fatalf("fan-in should wait on the unit producer, got %q", reason)
	}

	// u2 is registered but its chain never reached observations; the gate
	// still counts it
	snap.Closed["owner_identification"] = true
	res = engine.Resolve(g, snap)
	if reason := blockedReason(res); !strings.Contains(reason, "incomplete") {
		t.Fatalf("fan-in should wait for instances: %+v", res)
	}

	snap.Statuses[key("observations", "u2")] = domain.InstanceInProgress
	res = engine.Resolve(g, snap)
	if reason := blockedReason(res); !strings.Contains(reason, "incomplete") {
		t.Fatalf("fan-in should wait for instances: %+v", res)
	}

	snap.Statuses[key("observations", "u2")] = domain.InstanceComplete
	res = engine.Resolve(g, snap)
	if !hasCandidate(res.Startable, "report_finalization", "") {
		t.Fatalf("fan-in should open: %+v", res)
	}
}

func TestResolveDeterministic(t *testing.T) {
	g := testGraph(t)
	snap := engine.Snapshot{
		Statuses: map[engine.InstanceKey]string{
			key("owner_identification", ""): domain.InstanceComplete,
		},
		Units: map[string][]string{"owner_identification": {"b", "a", "c"}},
	}
	first := engine.Resolve(g, snap)
	for i := 0; i < 10; i++ {
		again := engine.Resolve(g, snap)
		if len(again.Startable) != len(first.Startable) {
			t.Fatalf("non-deterministic resolution")
		}
		for j := range again.Startable {
			if again.Startable[j] != first.Startable[j] {
				t.Fatalf("ordering changed between runs: %+v vs %+v", first.Startable, again.Startable)
			}
		}
	}
}

func TestFanOutLifecycleEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.advanceTo(t, "owner_identification")

	// registering units auto-starts the per-owner request round
	for _, unit := range []string{"owner-a", "owner-b"} {
		if _, err := env.Engine.RegisterUnit(env.Ctx, "cycle-1", "owner_identification", unit, "", "tester"); err != nil {
			t.Fatalf("register %s: %v", unit, err)
		}
	}
	if got := env.instance(t, "information_request", "owner-a").Status; got != domain.InstanceInProgress {
		t.Fatalf("owner-a request round = %s", got)
	}

	// one owner's chain advances without waiting for the sibling
	env.completePhase(t, "information_request", "owner-a")
	if got := env.instance(t, "test_execution", "owner-a").Status; got != domain.InstanceInProgress {
		t.Fatalf("owner-a test execution not started: %s", got)
	}
	if _, err := env.Engine.Repo.GetInstanceByKey(env.Ctx, nil, "cycle-1", "test_execution", "owner-b"); err == nil {
		t.Fatalf("owner-b should not have advanced")
	}

	env.completePhase(t, "test_execution", "owner-a")
	env.completePhase(t, "observations", "owner-a")
	env.completePhase(t, "information_request", "owner-b")
	env.completePhase(t, "test_execution", "owner-b")
	env.completePhase(t, "observations", "owner-b")

	// fan-in stays shut until the owner producer and then the collector are
	// declared closed, in that order
	if _, err := env.Engine.Repo.GetInstanceByKey(env.Ctx, nil, "cycle-1", "report_finalization", ""); err == nil {
		t.Fatalf("report phase started before closure")
	}
	if _, err := env.Engine.ClosePhase(env.Ctx, "cycle-1", "owner_identification", "tester"); err != nil {
		t.Fatalf("close owner_identification: %v", err)
	}
	if _, err := env.Engine.Repo.GetInstanceByKey(env.Ctx, nil, "cycle-1", "report_finalization", ""); err == nil {
		t.Fatalf("report phase started before the collector closed")
	}
	if _, err := env.Engine.ClosePhase(env.Ctx, "cycle-1", "observations", "tester"); err != nil {
		t.Fatalf("close observations: %v", err)
	}
	if got := env.instance(t, "report_finalization", "").Status; got != domain.InstanceInProgress {
		t.Fatalf("report phase not auto-started: %s", got)
	}

	// closed phases reject further units
	_, err := env.Engine.RegisterUnit(env.Ctx, "cycle-1", "observations", "late", "", "tester")
	var ise *engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected closed-phase rejection, got %v", err)
	}
}

func TestFanInWaitsForOpenUnitProducer(t *testing.T) {
	env := newTestEnv(t)
	env.advanceTo(t, "owner_identification")
	if _, err := env.Engine.RegisterUnit(env.Ctx, "cycle-1", "owner_identification", "owner-a", "", "tester"); err != nil {
		t.Fatalf("register owner-a: %v", err)
	}
	env.completePhase(t, "information_request", "owner-a")
	env.completePhase(t, "test_execution", "owner-a")
	env.completePhase(t, "observations", "owner-a")

	// the collector cannot settle while more owners may still arrive
	_, err := env.Engine.ClosePhase(env.Ctx, "cycle-1", "observations", "tester")
	var ise *engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected refusal to close behind an open producer, got %v", err)
	}
	if _, err := env.Engine.Repo.GetInstanceByKey(env.Ctx, nil, "cycle-1", "report_finalization", ""); err == nil {
		t.Fatalf("fan-in started while the producer was still open")
	}

	// a late owner still joins and gets a full chain
	if _, err := env.Engine.RegisterUnit(env.Ctx, "cycle-1", "owner_identification", "owner-b", "", "tester"); err != nil {
		t.Fatalf("register owner-b: %v", err)
	}
	if got := env.instance(t, "information_request", "owner-b").Status; got != domain.InstanceInProgress {
		t.Fatalf("owner-b request round = %s", got)
	}
	env.completePhase(t, "information_request", "owner-b")
	env.completePhase(t, "test_execution", "owner-b")
	env.completePhase(t, "observations", "owner-b")

	if _, err := env.Engine.ClosePhase(env.Ctx, "cycle-1", "owner_identification", "tester"); err != nil {
		t.Fatalf("close producer: %v", err)
	}
	if _, err := env.Engine.ClosePhase(env.Ctx, "cycle-1", "observations", "tester"); err != nil {
		t.Fatalf("close observations: %v", err)
	}
	if got := env.instance(t, "report_finalization", "").Status; got != domain.InstanceInProgress {
		t.Fatalf("fan-in not started after full closure: %s", got)
	}
}

func TestRegisterUnitIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.advanceTo(t, "owner_identification")
	for i := 0; i < 2; i++ {
		if _, err := env.Engine.RegisterUnit(env.Ctx, "cycle-1", "owner_identification", "owner-a", "Alex", "tester"); err != nil {
			t.Fatalf("register round %d: %v", i, err)
		}
	}
	units, err := env.Engine.Repo.ListUnits(env.Ctx, "cycle-1", "owner_identification")
	if err != nil {
		t.Fatalf("list units: %v", err)
	}
	if len(units) != 1 {
		t.Fatalf("expected one unit, got %d", len(units))
	}
}

func TestStartInstanceBlockedByResolver(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.StartInstance(env.Ctx, engine.StartOptions{CycleID: "cycle-1", Phase: "scoping", ActorID: "tester"})
	var ise *engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected blocked start, got %v", err)
	}
	_, err = env.Engine.StartInstance(env.Ctx, engine.StartOptions{CycleID: "cycle-1", Phase: "mystery", ActorID: "tester"})
	var verr *engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected unknown phase error, got %v", err)
	}
}
