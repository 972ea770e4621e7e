package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"reviewline/internal/domain"
)

// Edge kinds for the phase graph.
const (
	EdgeSequential = "sequential"
	EdgeFanOut     = "fan_out"
	EdgeFanIn      = "fan_in"
)

// Config models reviewline.yml.
type Config struct {
	Cycle struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"cycle"`
	Phases map[string]PhaseConfig `yaml:"phases"`
	Graph  []Edge                 `yaml:"graph"`
}

// PhaseConfig carries the per-phase knobs: which (version status, track)
// combinations accept decisions, whether submit demands a complete first
// track, which roles may record each track, and the carry-forward flags.
type PhaseConfig struct {
	Description string `yaml:"description,omitempty"`
	Submit      struct {
		RequireFirstDecisions *bool `yaml:"require_first_decisions,omitempty"`
	} `yaml:"submit,omitempty"`
	Decisions struct {
		First  []string `yaml:"first,omitempty"`
		Second []string `yaml:"second,omitempty"`
	} `yaml:"decisions,omitempty"`
	Roles struct {
		First  []string `yaml:"first,omitempty"`
		Second []string `yaml:"second,omitempty"`
	} `yaml:"roles,omitempty"`
	CarryForward struct {
		KeepApproved  *bool `yaml:"keep_approved,omitempty"`
		ResetRejected *bool `yaml:"reset_rejected,omitempty"`
		DropUndecided *bool `yaml:"drop_undecided,omitempty"`
	} `yaml:"carry_forward,omitempty"`
}

type Edge struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
	Kind string `yaml:"kind"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run rl cycle init or import one", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "reviewline.yml")
}

// Default returns the default Config struct for a cycle.
func Default(cycleID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, cycleID))).Decode(&cfg)
	cfg.Cycle.ID = cycleID
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(cycleID string) string {
	return fmt.Sprintf(defaultTemplate, cycleID)
}

// Validate ensures the phase graph and decision tables are coherent.
func (c *Config) Validate() error {
	if c.Cycle.ID == "" {
		return fmt.Errorf("config.cycle.id is required")
	}
	if len(c.Phases) == 0 {
		return fmt.Errorf("config.phases is required")
	}
	for name, p := range c.Phases {
		if name == "" {
			return fmt.Errorf("config.phases contains empty phase name")
		}
		for _, s := range append(append([]string{}, p.Decisions.First...), p.Decisions.Second...) {
			if !validVersionStatus(s) {
				return fmt.Errorf("phase %s decisions reference unknown version status %s", name, s)
			}
		}
	}
	seen := map[string]bool{}
	for _, e := range c.Graph {
		if _, ok := c.Phases[e.From]; !ok {
			return fmt.Errorf("graph edge references unknown phase %s", e.From)
		}
		if _, ok := c.Phases[e.To]; !ok {
			return fmt.Errorf("graph edge references unknown phase %s", e.To)
		}
		switch e.Kind {
		case EdgeSequential, EdgeFanOut, EdgeFanIn:
		default:
			return fmt.Errorf("graph edge %s -> %s has unknown kind %s", e.From, e.To, e.Kind)
		}
		key := e.From + "->" + e.To
		if seen[key] {
			return fmt.Errorf("duplicate graph edge %s", key)
		}
		seen[key] = true
	}
	incoming := map[string]int{}
	for _, e := range c.Graph {
		incoming[e.To]++
	}
	for name, n := range incoming {
		if n > 1 {
			return fmt.Errorf("phase %s has %d incoming edges; at most one is supported", name, n)
		}
	}
	if _, err := c.TopoOrder(); err != nil {
		return err
	}
	return nil
}

// TopoOrder returns phase names in topological order, rejecting cycles.
func (c *Config) TopoOrder() ([]string, error) {
	indeg := map[string]int{}
	succ := map[string][]string{}
	for name := range c.Phases {
		indeg[name] = 0
	}
	for _, e := range c.Graph {
		indeg[e.To]++
		succ[e.From] = append(succ[e.From], e.To)
	}
	var queue []string
	for name, d := range indeg {
		if d == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)
	var order []string
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		next := succ[n]
		sort.Strings(next)
		for _, m := range next {
			indeg[m]--
			if indeg[m] == 0 {
				queue = append(queue, m)
			}
		}
	}
	if len(order) != len(c.Phases) {
		return nil, fmt.Errorf("phase graph contains a cycle")
	}
	return order, nil
}

// SubmitRequiresFirstDecisions reports whether the phase demands a first-track
// decision on every item before submit. Defaults to true.
func (c *Config) SubmitRequiresFirstDecisions(phase string) bool {
	if p, ok := c.Phases[phase]; ok && p.Submit.RequireFirstDecisions != nil {
		return *p.Submit.RequireFirstDecisions
	}
	return true
}

// TrackAllowed reports whether a decision on the given track may be recorded
// while the owning version is in the given status. Defaults: first track in
// draft, second track in pending_approval.
func (c *Config) TrackAllowed(phase, track, versionStatus string) bool {
	var statuses []string
	if p, ok := c.Phases[phase]; ok {
		if track == domain.TrackFirst {
			statuses = p.Decisions.First
		} else {
			statuses = p.Decisions.Second
		}
	}
	if len(statuses) == 0 {
		if track == domain.TrackFirst {
			statuses = []string{domain.VersionDraft}
		} else {
			statuses = []string{domain.VersionPendingApproval}
		}
	}
	for _, s := range statuses {
		if s == versionStatus {
			return true
		}
	}
	return false
}

// RoleAllowed reports whether the declared role may record on the given track.
// An empty role list means any role. This is configuration, not identity
// verification.
func (c *Config) RoleAllowed(phase, track, role string) bool {
	var roles []string
	if p, ok := c.Phases[phase]; ok {
		if track == domain.TrackFirst {
			roles = p.Roles.First
		} else {
			roles = p.Roles.Second
		}
	}
	if len(roles) == 0 {
		return true
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// CarryForwardFlags returns the effective per-phase carry-forward flags.
func (c *Config) CarryForwardFlags(phase string) (keepApproved, resetRejected, dropUndecided bool) {
	keepApproved, resetRejected, dropUndecided = true, true, true
	if p, ok := c.Phases[phase]; ok {
		if p.CarryForward.KeepApproved != nil {
			keepApproved = *p.CarryForward.KeepApproved
		}
		if p.CarryForward.ResetRejected != nil {
			resetRejected = *p.CarryForward.ResetRejected
		}
		if p.CarryForward.DropUndecided != nil {
			dropUndecided = *p.CarryForward.DropUndecided
		}
	}
	return
}

func validVersionStatus(s string) bool {
	switch s {
	case domain.VersionDraft, domain.VersionPendingApproval, domain.VersionApproved,
		domain.VersionRejected, domain.VersionSuperseded:
		return true
	}
	return false
}

const defaultTemplate = `cycle:
  id: %s
  name: Regulatory review cycle

phases:
  planning:
    description: "Scope the cycle and draft the attribute universe"
  scoping:
    description: "Select attributes in scope for testing"
  sample_selection:
    description: "Draft and approve the sample set"
  owner_identification:
    description: "Identify the data owner for each in-scope attribute"
  information_request:
    description: "Per-owner evidence request round"
    submit:
      require_first_decisions: false
  test_execution:
    description: "Per-owner test evidence review"
  observations:
    description: "Per-owner observation triage"
    decisions:
      second: [pending_approval, draft]
  report_finalization:
    description: "Assemble and sign off the cycle report"
    roles:
      second: [report_owner]

graph:
  - {from: planning, to: scoping, kind: sequential}
  - {from: scoping, to: sample_selection, kind: sequential}
  - {from: sample_selection, to: owner_identification, kind: sequential}
  - {from: owner_identification, to: information_request, kind: fan_out}
  - {from: information_request, to: test_execution, kind: sequential}
  - {from: test_execution, to: observations, kind: sequential}
  - {from: observations, to: report_finalization, kind: fan_in}
`
