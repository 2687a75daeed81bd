package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/entcache/internal/ir"
	"github.com/roach88/entcache/internal/store"
)

// Scenario is one cache scenario: a schema, what the fixture adapter
// serves, the steps to run and the assertions to check afterwards.
type Scenario struct {
	// Name uniquely identifies the scenario. It names the golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	// Schema is a directory of .cue model files.
	Schema string `yaml:"schema"`

	Fixture FixtureSpec `yaml:"fixture"`

	Options StoreOptions `yaml:"options,omitempty"`

	Steps []Step `yaml:"steps"`

	Assertions []Assertion `yaml:"assertions"`
}

// FixtureSpec describes what the fixture adapter serves. Dir loads a
// fixture directory first; the inline fields are applied on top.
type FixtureSpec struct {
	Dir       string                    `yaml:"dir,omitempty"`
	Coalesce  bool                      `yaml:"coalesce,omitempty"`
	Resources []map[string]any          `yaml:"resources,omitempty"`
	Routes    map[string]map[string]any `yaml:"routes,omitempty"`
	Failures  map[string]string         `yaml:"failures,omitempty"`
}

// StoreOptions override store defaults for the scenario. Unset fields
// keep the defaults, or the options passed with WithStoreOptions.
type StoreOptions struct {
	CoalesceFindRequests *bool  `yaml:"coalesce_find_requests,omitempty"`
	BackgroundReload     *bool  `yaml:"background_reload,omitempty"`
	DanglingPolicy       string `yaml:"dangling_policy,omitempty"`
}

// Step is one action. Exactly one of the action fields is set.
type Step struct {
	Push   map[string]any `yaml:"push,omitempty"`
	Find   *FindStep      `yaml:"find,omitempty"`
	Access string         `yaml:"access,omitempty"`
	Reload string         `yaml:"reload,omitempty"`
	Unload string         `yaml:"unload,omitempty"`
	Route  *RouteStep     `yaml:"route,omitempty"`

	// Expect checks the step's outcome. Without it the step must succeed.
	Expect *Expect `yaml:"expect,omitempty"`
}

// FindStep is a findRecord (ID) or findMany (IDs) request.
type FindStep struct {
	Type             string   `yaml:"type"`
	ID               string   `yaml:"id,omitempty"`
	IDs              []string `yaml:"ids,omitempty"`
	Reload           bool     `yaml:"reload,omitempty"`
	BackgroundReload *bool    `yaml:"background_reload,omitempty"`
}

// RouteStep replaces the document served for Link.
type RouteStep struct {
	Link     string         `yaml:"link"`
	Document map[string]any `yaml:"document"`
}

// Expect is the expected outcome of a step.
type Expect struct {
	// Result lists the identities ("type:id") the step returned, in
	// order. Nil skips the check.
	Result []string `yaml:"result,omitempty"`

	// Error is the expected ir.ErrorCode.
	Error string `yaml:"error,omitempty"`
}

// Step kinds, as they appear in the trace.
const (
	StepPush   = "push"
	StepFind   = "find"
	StepAccess = "access"
	StepReload = "reload"
	StepUnload = "unload"
	StepRoute  = "route"
)

// Kind returns the step's action name.
func (s Step) Kind() string {
	switch {
	case s.Push != nil:
		return StepPush
	case s.Find != nil:
		return StepFind
	case s.Access != "":
		return StepAccess
	case s.Reload != "":
		return StepReload
	case s.Unload != "":
		return StepUnload
	case s.Route != nil:
		return StepRoute
	default:
		return ""
	}
}

func (s Step) actions() int {
	n := 0
	for _, set := range []bool{s.Push != nil, s.Find != nil, s.Access != "", s.Reload != "", s.Unload != "", s.Route != nil} {
		if set {
			n++
		}
	}
	return n
}

// Assertion validates the trace or the final cache state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// RequestType, Model, ID, IDs, Link and Owner select requests
	// (trace_contains, trace_count). Empty fields match anything.
	RequestType string   `yaml:"request_type,omitempty"`
	Model       string   `yaml:"model,omitempty"`
	ID          string   `yaml:"id,omitempty"`
	IDs         []string `yaml:"ids,omitempty"`
	Link        string   `yaml:"link,omitempty"`
	Owner       string   `yaml:"owner,omitempty"`

	// Count is the exact number of matching requests (trace_count).
	Count int `yaml:"count,omitempty"`

	// RequestTypes is the expected order (trace_order).
	RequestTypes []string `yaml:"request_types,omitempty"`

	// Record is "type:id" (relationship, record).
	Record string `yaml:"record,omitempty"`

	// Field is the relationship name (relationship).
	Field string `yaml:"field,omitempty"`

	// Members are the expected member identities, in order (relationship).
	Members []string `yaml:"members,omitempty"`

	// Meta is the expected relationship meta (relationship).
	Meta map[string]any `yaml:"meta,omitempty"`

	// Attributes are expected attribute values, subset match (record).
	Attributes map[string]any `yaml:"attributes,omitempty"`

	// Absent expects the record to be missing from the identity map (record).
	Absent bool `yaml:"absent,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertRelationship  = "relationship"
	AssertRecord        = "record"
)

// LoadScenario reads and validates a scenario file. Schema and fixture
// paths are resolved against the file's directory.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads a scenario, resolving relative schema and
// fixture paths against basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	sc, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	if sc.Schema != "" && !filepath.IsAbs(sc.Schema) && basePath != "" {
		sc.Schema = filepath.Join(basePath, sc.Schema)
	}
	if sc.Fixture.Dir != "" && !filepath.IsAbs(sc.Fixture.Dir) && basePath != "" {
		sc.Fixture.Dir = filepath.Join(basePath, sc.Fixture.Dir)
	}
	return sc, nil
}

// ParseScenario decodes and validates scenario YAML. Unknown fields are
// rejected.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&sc); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &sc, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Schema == "" {
		return fmt.Errorf("schema is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if _, err := store.ParseDanglingPolicy(s.Options.DanglingPolicy); err != nil {
		return fmt.Errorf("options: %w", err)
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, s Step) error {
	if n := s.actions(); n != 1 {
		return fmt.Errorf("steps[%d]: exactly one action is required, found %d", index, n)
	}
	switch s.Kind() {
	case StepFind:
		if s.Find.Type == "" {
			return fmt.Errorf("steps[%d]: find requires type", index)
		}
		if (s.Find.ID == "") == (len(s.Find.IDs) == 0) {
			return fmt.Errorf("steps[%d]: find requires exactly one of id and ids", index)
		}
	case StepAccess, StepReload:
		target := s.Access + s.Reload
		if _, _, err := ParseTarget(target); err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
	case StepUnload:
		if _, err := ir.ParseIdentity(s.Unload); err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
	case StepRoute:
		if s.Route.Link == "" {
			return fmt.Errorf("steps[%d]: route requires link", index)
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		if a.RequestType == "" {
			return fmt.Errorf("assertions[%d]: %s requires request_type", index, a.Type)
		}
	case AssertTraceOrder:
		if len(a.RequestTypes) < 2 {
			return fmt.Errorf("assertions[%d]: %s requires at least 2 request_types", index, a.Type)
		}
	case AssertTraceCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: %s count must be non-negative", index, a.Type)
		}
	case AssertRelationship:
		if _, err := ir.ParseIdentity(a.Record); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
		if a.Field == "" {
			return fmt.Errorf("assertions[%d]: %s requires field", index, a.Type)
		}
	case AssertRecord:
		if _, err := ir.ParseIdentity(a.Record); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown type %q", index, a.Type)
	}
	return nil
}

// ParseTarget splits "type:id.field" into the owner identity and field.
func ParseTarget(target string) (ir.Identity, string, error) {
	i := strings.LastIndex(target, ".")
	if i <= 0 || i == len(target)-1 {
		return ir.Identity{}, "", fmt.Errorf("target %q: want type:id.field", target)
	}
	id, err := ir.ParseIdentity(target[:i])
	if err != nil {
		return ir.Identity{}, "", fmt.Errorf("target %q: %w", target, err)
	}
	return id, target[i+1:], nil
}
