package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/garden-co/cojson/internal/ir"
)

// Scenario is a multi-node sync script. Nodes are wired with in-memory
// links, edit named values, drop and restore links, and the assertions
// check what every node ends up seeing.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Nodes lists the node names. Each gets a fresh agent.
	Nodes []string `yaml:"nodes"`

	// Links are connected before the first step.
	Links []Link `yaml:"links,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Link connects a client node to a server node.
type Link struct {
	Client string `yaml:"client"`
	Server string `yaml:"server"`
}

// Step is one scripted operation. Which fields apply depends on Op.
type Step struct {
	Op   string `yaml:"op"`
	Node string `yaml:"node,omitempty"`

	// Name is the handle a create, group or branch step defines; Value
	// refers to an existing handle.
	Name  string `yaml:"name,omitempty"`
	Value string `yaml:"value,omitempty"`

	Type   ir.CoValueType `yaml:"type,omitempty"`
	Group  string         `yaml:"group,omitempty"`
	Member string         `yaml:"member,omitempty"`
	Role   string         `yaml:"role,omitempty"`
	Peer   string         `yaml:"peer,omitempty"`
	Branch string         `yaml:"branch,omitempty"`

	Key  string `yaml:"key,omitempty"`
	Data any    `yaml:"data,omitempty"`

	// Nodes scopes a sync step; empty means every node.
	Nodes []string `yaml:"nodes,omitempty"`
}

// Step operations.
const (
	OpCreate       = "create"
	OpGroup        = "group"
	OpAddMember    = "add_member"
	OpRemoveMember = "remove_member"
	OpSet          = "set"
	OpDelete       = "delete"
	OpAppend       = "append"
	OpPrepend      = "prepend"
	OpConnect      = "connect"
	OpDisconnect   = "disconnect"
	OpSync         = "sync"
	OpBranch       = "branch"
	OpMerge        = "merge"
)

// Assertion validates the final state.
type Assertion struct {
	// Type is one of converged, value, missing_key, transactions.
	Type  string `yaml:"type"`
	Node  string `yaml:"node,omitempty"`
	Value string `yaml:"value"`

	// Nodes scopes converged; empty means every node.
	Nodes []string `yaml:"nodes,omitempty"`

	// Expect is the materialized value (value).
	Expect any `yaml:"expect,omitempty"`
	// Key must be absent (missing_key).
	Key string `yaml:"key,omitempty"`
	// Count is the expected total transaction count (transactions).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertConverged    = "converged"
	AssertValue        = "value"
	AssertMissingKey   = "missing_key"
	AssertTransactions = "transactions"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks required fields and that every step refers to
// declared nodes and to handles defined by an earlier step.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Nodes) == 0 {
		return fmt.Errorf("nodes list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	nodes := map[string]bool{}
	for _, n := range s.Nodes {
		if nodes[n] {
			return fmt.Errorf("node %q declared twice", n)
		}
		nodes[n] = true
	}
	checkNode := func(where, name string) error {
		if !nodes[name] {
			return fmt.Errorf("%s: unknown node %q", where, name)
		}
		return nil
	}
	for i, l := range s.Links {
		where := fmt.Sprintf("links[%d]", i)
		if err := checkNode(where, l.Client); err != nil {
			return err
		}
		if err := checkNode(where, l.Server); err != nil {
			return err
		}
	}

	handles := map[string]bool{}
	groups := map[string]bool{}
	for i, step := range s.Steps {
		if err := validateStep(i, step, checkNode, handles, groups); err != nil {
			return err
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, checkNode, handles); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step Step, checkNode func(string, string) error, handles, groups map[string]bool) error {
	where := fmt.Sprintf("steps[%d] (%s)", i, step.Op)
	needNode := func() error { return checkNode(where, step.Node) }
	needValue := func() error {
		if !handles[step.Value] {
			return fmt.Errorf("%s: unknown value %q", where, step.Value)
		}
		return nil
	}
	needGroup := func(name string) error {
		if !groups[name] {
			return fmt.Errorf("%s: unknown group %q", where, name)
		}
		return nil
	}
	define := func(name string) error {
		if name == "" {
			return fmt.Errorf("%s: name is required", where)
		}
		if handles[name] || groups[name] {
			return fmt.Errorf("%s: %q already defined", where, name)
		}
		return nil
	}

	switch step.Op {
	case OpCreate:
		if err := needNode(); err != nil {
			return err
		}
		if !step.Type.Valid() {
			return fmt.Errorf("%s: invalid type %q", where, step.Type)
		}
		if step.Group != "" {
			if err := needGroup(step.Group); err != nil {
				return err
			}
		}
		if err := define(step.Name); err != nil {
			return err
		}
		handles[step.Name] = true
	case OpGroup:
		if err := needNode(); err != nil {
			return err
		}
		if err := define(step.Name); err != nil {
			return err
		}
		groups[step.Name] = true
	case OpAddMember, OpRemoveMember:
		if err := needNode(); err != nil {
			return err
		}
		if err := needGroup(step.Group); err != nil {
			return err
		}
		if err := checkNode(where, step.Member); err != nil {
			return err
		}
		if step.Op == OpAddMember && !slices.Contains([]string{"admin", "writer", "reader"}, step.Role) {
			return fmt.Errorf("%s: invalid role %q", where, step.Role)
		}
	case OpSet, OpDelete:
		if err := needNode(); err != nil {
			return err
		}
		if err := needValue(); err != nil {
			return err
		}
		if step.Key == "" {
			return fmt.Errorf("%s: key is required", where)
		}
	case OpAppend, OpPrepend:
		if err := needNode(); err != nil {
			return err
		}
		if err := needValue(); err != nil {
			return err
		}
		if step.Data == nil {
			return fmt.Errorf("%s: data is required", where)
		}
	case OpConnect, OpDisconnect:
		if err := needNode(); err != nil {
			return err
		}
		if err := checkNode(where, step.Peer); err != nil {
			return err
		}
	case OpSync:
		for _, n := range step.Nodes {
			if err := checkNode(where, n); err != nil {
				return err
			}
		}
	case OpBranch:
		if err := needNode(); err != nil {
			return err
		}
		if err := needValue(); err != nil {
			return err
		}
		if step.Branch == "" {
			return fmt.Errorf("%s: branch is required", where)
		}
		if err := define(step.Name); err != nil {
			return err
		}
		handles[step.Name] = true
	case OpMerge:
		if err := needNode(); err != nil {
			return err
		}
		if err := needValue(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%s: unknown op", where)
	}
	return nil
}

func validateAssertion(i int, a Assertion, checkNode func(string, string) error, handles map[string]bool) error {
	where := fmt.Sprintf("assertions[%d] (%s)", i, a.Type)
	if !handles[a.Value] {
		return fmt.Errorf("%s: unknown value %q", where, a.Value)
	}
	switch a.Type {
	case AssertConverged:
		for _, n := range a.Nodes {
			if err := checkNode(where, n); err != nil {
				return err
			}
		}
		return nil
	case AssertValue:
		if a.Expect == nil {
			return fmt.Errorf("%s: expect is required", where)
		}
	case AssertMissingKey:
		if a.Key == "" {
			return fmt.Errorf("%s: key is required", where)
		}
	case AssertTransactions:
		if a.Count < 0 {
			return fmt.Errorf("%s: count must be non-negative", where)
		}
	default:
		return fmt.Errorf("%s: unknown assertion type", where)
	}
	return checkNode(where, a.Node)
}
