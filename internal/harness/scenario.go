package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/statekit/internal/ir"
)

// Scenario drives one module instance through steps and checks assertions.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden files are named after it.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Specs lists CUE files or directories to compile.
	// Relative paths are resolved against the scenario's base path.
	Specs []string `yaml:"specs"`

	// Module selects the module to instantiate. Optional when the specs
	// define exactly one module.
	Module string `yaml:"module,omitempty"`

	// Instrumentation is "light" (default) or "full".
	Instrumentation string `yaml:"instrumentation,omitempty"`

	// Resources simulates the loaders of source traits.
	Resources map[string][]ResourceStub `yaml:"resources,omitempty"`

	// Steps run in order after the module is mounted.
	Steps []Step `yaml:"steps"`

	// Assertions validate the commit trace and final state.
	Assertions []Assertion `yaml:"assertions"`
}

// ResourceStub is one simulated resource load. A stub without a key
// matches every key.
type ResourceStub struct {
	Key   yaml.Node `yaml:"key,omitempty"`
	Value yaml.Node `yaml:"value,omitempty"`
	Error string    `yaml:"error,omitempty"`
}

// Step is one scenario action. Exactly one of Dispatch, Trigger, Release,
// Refresh or Subscribe is set.
type Step struct {
	Dispatch  string `yaml:"dispatch,omitempty"`
	Trigger   string `yaml:"trigger,omitempty"`
	Release   string `yaml:"release,omitempty"`
	Refresh   string `yaml:"refresh,omitempty"`
	Subscribe string `yaml:"subscribe,omitempty"`

	// Payload of a dispatch or trigger. Absent means null.
	Payload yaml.Node `yaml:"payload,omitempty"`

	// Result is what a triggered effect returns.
	Result yaml.Node `yaml:"result,omitempty"`

	// Error makes a triggered effect fail with this value.
	Error yaml.Node `yaml:"error,omitempty"`

	// Hold keeps a triggered effect waiting until a release step.
	Hold bool `yaml:"hold,omitempty"`

	// ExpectError marks a dispatch that must fail with an error containing
	// this text.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Step kinds.
const (
	StepDispatch  = "dispatch"
	StepTrigger   = "trigger"
	StepRelease   = "release"
	StepRefresh   = "refresh"
	StepSubscribe = "subscribe"
)

// Kind returns the step kind and its target, or "" when the step sets no
// kind or more than one.
func (s Step) Kind() (kind, target string) {
	set := 0
	for _, c := range []struct{ kind, target string }{
		{StepDispatch, s.Dispatch},
		{StepTrigger, s.Trigger},
		{StepRelease, s.Release},
		{StepRefresh, s.Refresh},
		{StepSubscribe, s.Subscribe},
	} {
		if c.target != "" {
			set++
			kind, target = c.kind, c.target
		}
	}
	if set != 1 {
		return "", ""
	}
	return kind, target
}

// Assertion validates the trace or final state.
type Assertion struct {
	// Type is one of final_state, commit_count, broadcasts, origin_order,
	// dirty_roots.
	Type string `yaml:"type"`

	// State maps paths to expected values (final_state). Subset match.
	State map[string]any `yaml:"state,omitempty"`

	// Count is the expected number of commits (commit_count).
	Count *int `yaml:"count,omitempty"`

	// Origin restricts commit_count to commits with this origin.
	Origin string `yaml:"origin,omitempty"`

	// Selector and Values are the expected deliveries (broadcasts).
	Selector string `yaml:"selector,omitempty"`
	Values   []any  `yaml:"values,omitempty"`

	// Origins must appear in this order in the trace (origin_order).
	Origins []string `yaml:"origins,omitempty"`

	// Seq selects the commit for dirty_roots. Roots are its expected root
	// keys; All expects a whole-state dirty set instead.
	Seq   int64    `yaml:"seq,omitempty"`
	Roots []string `yaml:"roots,omitempty"`
	All   bool     `yaml:"all,omitempty"`
}

// Assertion type constants.
const (
	AssertFinalState  = "final_state"
	AssertCommitCount = "commit_count"
	AssertBroadcasts  = "broadcasts"
	AssertOriginOrder = "origin_order"
	AssertDirtyRoots  = "dirty_roots"
)

// LoadScenario reads and parses a scenario YAML file. Spec paths are
// resolved relative to the scenario file's directory.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving spec paths relative to basePath.
//
// Returns an error if the file doesn't exist, is malformed, contains
// unknown fields (typos), or is missing required fields.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data, basePath)
}

// ParseScenario parses scenario YAML with strict field checking.
func ParseScenario(data []byte, basePath string) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	for i, specPath := range scenario.Specs {
		if !filepath.IsAbs(specPath) && basePath != "" {
			scenario.Specs[i] = filepath.Join(basePath, specPath)
		}
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Specs) == 0 {
		return fmt.Errorf("specs list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	switch s.Instrumentation {
	case "", "light", "full":
	default:
		return fmt.Errorf("instrumentation must be light or full, got %q", s.Instrumentation)
	}

	for _, specPath := range s.Specs {
		if _, err := os.Stat(specPath); os.IsNotExist(err) {
			return fmt.Errorf("spec path not found: %s", specPath)
		}
	}

	for name, stubs := range s.Resources {
		for i, stub := range stubs {
			if !present(stub.Value) == (stub.Error == "") {
				return fmt.Errorf("resources.%s[%d]: exactly one of value or error is required", name, i)
			}
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, s Step) error {
	kind, _ := s.Kind()
	if kind == "" {
		return fmt.Errorf("steps[%d]: exactly one of dispatch, trigger, release, refresh or subscribe is required", index)
	}
	if present(s.Payload) && kind != StepDispatch && kind != StepTrigger {
		return fmt.Errorf("steps[%d]: payload is only valid for dispatch and trigger", index)
	}
	if kind != StepTrigger && (present(s.Result) || present(s.Error) || s.Hold) {
		return fmt.Errorf("steps[%d]: result, error and hold are only valid for trigger", index)
	}
	if present(s.Result) && present(s.Error) {
		return fmt.Errorf("steps[%d]: result and error are mutually exclusive", index)
	}
	if s.ExpectError != "" && kind != StepDispatch {
		return fmt.Errorf("steps[%d]: expect_error is only valid for dispatch", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertFinalState:
		if len(a.State) == 0 {
			return fmt.Errorf("assertions[%d]: state is required for final_state", index)
		}
		for path := range a.State {
			if _, err := ir.ParsePath(path); err != nil {
				return fmt.Errorf("assertions[%d]: state path %q: %w", index, path, err)
			}
		}
	case AssertCommitCount:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for commit_count", index)
		}
	case AssertBroadcasts:
		if a.Selector == "" {
			return fmt.Errorf("assertions[%d]: selector is required for broadcasts", index)
		}
		if a.Values == nil {
			return fmt.Errorf("assertions[%d]: values is required for broadcasts (use [] for none)", index)
		}
	case AssertOriginOrder:
		if len(a.Origins) == 0 {
			return fmt.Errorf("assertions[%d]: origins list is required for origin_order", index)
		}
	case AssertDirtyRoots:
		if a.Seq <= 0 {
			return fmt.Errorf("assertions[%d]: positive seq is required for dirty_roots", index)
		}
		if a.All == (len(a.Roots) > 0) {
			return fmt.Errorf("assertions[%d]: exactly one of roots or all is required for dirty_roots", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// present reports whether a node was set in the scenario file. An explicit
// null is present.
func present(n yaml.Node) bool { return n.Kind != 0 }

// nodeValue decodes an optional YAML node into a state value. An absent
// node is null.
func nodeValue(n yaml.Node) (ir.IRValue, error) {
	if !present(n) {
		return ir.IRNull{}, nil
	}
	var raw any
	if err := n.Decode(&raw); err != nil {
		return nil, err
	}
	return ir.FromGo(raw)
}
