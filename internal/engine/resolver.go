package engine

import (
	"fmt"
	"sort"

	"reviewline/internal/config"
	"reviewline/internal/domain"
)

// InstanceKey identifies one phase instance inside a cycle. Sequential phases
// use the empty scope key; fan-out phases use one key per unit.
type InstanceKey struct {
	Phase    string `json:"phase"`
	ScopeKey string `json:"scope_key"`
}

func (k InstanceKey) String() string {
	if k.ScopeKey == "" {
		return k.Phase
	}
	return k.Phase + "/" + k.ScopeKey
}

// Snapshot is a point-in-time view of everything the resolver needs: instance
// statuses, the units each phase has produced, and which phases have declared
// themselves done producing.
type Snapshot struct {
	Statuses map[InstanceKey]string
	Units    map[string][]string
	Closed   map[string]bool
}

// Graph is the static phase dependency graph in evaluation form.
type Graph struct {
	Order    []string
	Incoming map[string]config.Edge
}

// BuildGraph converts the validated config's edge list into evaluation form.
func BuildGraph(cfg *config.Config) (Graph, error) {
	order, err := cfg.TopoOrder()
	if err != nil {
		return Graph{}, fmt.Errorf("phase graph: %w", err)
	}
	incoming := make(map[string]config.Edge)
	for _, e := range cfg.Graph {
		incoming[e.To] = e
	}
	return Graph{Order: order, Incoming: incoming}, nil
}

// Candidate names a phase instance the resolver has an opinion about.
type Candidate struct {
	Phase    string `json:"phase"`
	ScopeKey string `json:"scope_key"`
	// ParentPhase/ParentScope name the upstream instance whose completion
	// unblocks this one; empty for root phases.
	ParentPhase string `json:"parent_phase,omitempty"`
	ParentScope string `json:"parent_scope,omitempty"`
	// Reason explains a blocked candidate; empty for startable ones.
	Reason string `json:"reason,omitempty"`
}

// Resolution is the resolver's verdict for one snapshot.
type Resolution struct {
	Startable []Candidate `json:"startable"`
	Blocked   []Candidate `json:"blocked"`
}

// Resolve computes which phase instances may start now. It is pure: same
// graph and snapshot, same answer, no side effects. Startable never includes
// instances that already exist.
func Resolve(g Graph, snap Snapshot) Resolution {
	var res Resolution
	exists := func(phase, scope string) bool {
		_, ok := snap.Statuses[InstanceKey{Phase: phase, ScopeKey: scope}]
		return ok
	}
	complete := func(phase, scope string) bool {
		return snap.Statuses[InstanceKey{Phase: phase, ScopeKey: scope}] == domain.InstanceComplete
	}

	for _, phase := range g.Order {
		edge, hasIncoming := g.Incoming[phase]
		if !hasIncoming {
			if !exists(phase, "") {
				res.Startable = append(res.Startable, Candidate{Phase: phase})
			}
			continue
		}
		switch edge.Kind {
		case config.EdgeSequential:
			// Scope-preserving: each predecessor instance gates the successor
			// instance with the same scope key.
			for _, scope := range scopesOf(snap, edge.From) {
				if exists(phase, scope) {
					continue
				}
				if complete(edge.From, scope) {
					res.Startable = append(res.Startable, Candidate{
						Phase: phase, ScopeKey: scope,
						ParentPhase: edge.From, ParentScope: scope,
					})
				} else {
					res.Blocked = append(res.Blocked, Candidate{
						Phase: phase, ScopeKey: scope,
						ParentPhase: edge.From, ParentScope: scope,
						Reason: fmt.Sprintf("waiting for %s", InstanceKey{Phase: edge.From, ScopeKey: scope}),
					})
				}
			}
		case config.EdgeFanOut:
			// One successor instance per unit the predecessor has produced.
			// A registered unit is immediately actionable; siblings are not
			// awaited.
			for _, unit := range snap.Units[edge.From] {
				if exists(phase, unit) {
					continue
				}
				res.Startable = append(res.Startable, Candidate{
					Phase: phase, ScopeKey: unit,
					ParentPhase: edge.From,
				})
			}
		case config.EdgeFanIn:
			if exists(phase, "") {
				continue
			}
			// The set of predecessor instances is only settled once the unit
			// producer upstream has stopped producing, so the gate looks
			// through the sequential chain to that producer. Every unit it
			// registered must have a complete predecessor instance, whether
			// or not the unit's chain was ever started.
			producer := fanOutSource(g, edge.From)
			scopes := scopesOf(snap, edge.From)
			if producer != "" {
				scopes = mergeScopes(scopes, snap.Units[producer])
			}
			pending := 0
			for _, scope := range scopes {
				if !complete(edge.From, scope) {
					pending++
				}
			}
			switch {
			case producer != "" && !snap.Closed[producer]:
				res.Blocked = append(res.Blocked, Candidate{
					Phase: phase, ParentPhase: edge.From,
					Reason: fmt.Sprintf("phase %s is still producing", producer),
				})
			case !snap.Closed[edge.From]:
				res.Blocked = append(res.Blocked, Candidate{
					Phase: phase, ParentPhase: edge.From,
					Reason: fmt.Sprintf("phase %s is still producing", edge.From),
				})
			case pending > 0:
				res.Blocked = append(res.Blocked, Candidate{
					Phase: phase, ParentPhase: edge.From,
					Reason: fmt.Sprintf("%d %s instances incomplete", pending, edge.From),
				})
			default:
				res.Startable = append(res.Startable, Candidate{
					Phase: phase, ParentPhase: edge.From,
				})
			}
		}
	}
	sortCandidates(res.Startable)
	sortCandidates(res.Blocked)
	return res
}

// fanOutSource walks a phase's incoming chain and returns the fan-out
// producer feeding it, or "" when the chain is purely sequential.
func fanOutSource(g Graph, phase string) string {
	for cur := phase; ; {
		edge, ok := g.Incoming[cur]
		if !ok {
			return ""
		}
		if edge.Kind == config.EdgeFanOut {
			return edge.From
		}
		cur = edge.From
	}
}

func mergeScopes(scopes, units []string) []string {
	seen := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		seen[s] = true
	}
	for _, u := range units {
		if !seen[u] {
			seen[u] = true
			scopes = append(scopes, u)
		}
	}
	sort.Strings(scopes)
	return scopes
}

func scopesOf(snap Snapshot, phase string) []string {
	var scopes []string
	for k := range snap.Statuses {
		if k.Phase == phase {
			scopes = append(scopes, k.ScopeKey)
		}
	}
	sort.Strings(scopes)
	return scopes
}

func sortCandidates(cs []Candidate) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Phase != cs[j].Phase {
			return cs[i].Phase < cs[j].Phase
		}
		return cs[i].ScopeKey < cs[j].ScopeKey
	})
}
