package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garden-co/cojson/internal/ir"
	"github.com/garden-co/cojson/internal/node"
)

func TestScenarios(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)
			assert.Equal(t, name, scenario.Name, "scenario name should match its file")

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "assertion failures:\n%s", strings.Join(result.Errors, "\n"))
		})
	}
}

func TestFailedAssertionIsReported(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: wrong_expectation
description: "expects a value that was never written"
nodes: [alice]
steps:
  - { op: create, node: alice, name: doc, type: comap }
  - { op: set, node: alice, value: doc, key: k, data: 1 }
assertions:
  - { type: value, node: alice, value: doc, expect: { k: 2 } }
  - { type: transactions, node: alice, value: doc, count: 3 }
  - { type: missing_key, node: alice, value: doc, key: k }
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], `Expected: {"k":2}`)
	assert.Contains(t, result.Errors[0], `Actual: {"k":1} on alice`)
	assert.Contains(t, result.Errors[1], "1 on alice")
	assert.Contains(t, result.Errors[2], "no key k")
}

func TestStepErrorStopsRun(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: unowned_branch
description: "branching needs an owning group"
nodes: [alice]
steps:
  - { op: create, node: alice, name: doc, type: comap }
  - { op: branch, node: alice, value: doc, branch: draft, name: draft }
assertions:
  - { type: converged, value: doc }
`))
	require.NoError(t, err)

	_, err = Run(scenario)
	require.ErrorIs(t, err, node.ErrNoOwner)
	assert.Contains(t, err.Error(), "steps[1] (branch)")
}

func TestSyncScopedToNodes(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: partition
description: "values stay local while a node is cut off"
nodes: [server, alice, bob]
links:
  - { client: alice, server: server }
steps:
  - { op: create, node: alice, name: doc, type: comap }
  - { op: set, node: alice, value: doc, key: k, data: "v" }
  - { op: sync, nodes: [alice, server] }
assertions:
  - { type: converged, value: doc, nodes: [alice, server] }
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
	assert.NotContains(t, result.Views["bob"], "doc")
	assert.Contains(t, result.Views["server"], "doc")
}

func TestConvergedIgnoresNodesWithoutReadKey(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: keyless_relay
description: "a relay holds private content it cannot read"
nodes: [server, alice]
links:
  - { client: alice, server: server }
steps:
  - { op: group, node: alice, name: team }
  - { op: create, node: alice, name: doc, type: comap, group: team }
  - { op: set, node: alice, value: doc, key: k, data: "secret" }
  - { op: sync }
assertions:
  - { type: converged, value: doc }
  - { type: missing_key, node: server, value: doc, key: k }
  - { type: value, node: alice, value: doc, expect: { k: "secret" } }
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
	assert.Empty(t, result.Views["server"]["doc"])
}

func TestParseScenarioRejects(t *testing.T) {
	const header = "name: x\ndescription: y\nnodes: [a, b]\n"
	const okAssert = "assertions:\n  - { type: converged, value: v }\n"
	const create = "  - { op: create, node: a, name: v, type: comap }\n"

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing name", "description: y\nnodes: [a]\nsteps: []\n", "name is required"},
		{"unknown field", header + "stepz: []\n", "field stepz not found"},
		{"no steps", header + okAssert, "steps list is required"},
		{"no assertions", header + "steps:\n" + create, "assertions list is required"},
		{"duplicate node", "name: x\ndescription: y\nnodes: [a, a]\nsteps:\n" + create + okAssert, `node "a" declared twice`},
		{"unknown link node", header + "links:\n  - { client: a, server: z }\nsteps:\n" + create + okAssert, `unknown node "z"`},
		{"unknown op", header + "steps:\n  - { op: explode, node: a }\n" + okAssert, "unknown op"},
		{"bad type", header + "steps:\n  - { op: create, node: a, name: v, type: cotable }\n" + okAssert, `invalid type "cotable"`},
		{"undefined value", header + "steps:\n  - { op: set, node: a, value: v, key: k, data: 1 }\n" + okAssert, `unknown value "v"`},
		{"redefined handle", header + "steps:\n" + create + create + okAssert, `"v" already defined`},
		{"unknown group", header + "steps:\n  - { op: create, node: a, name: v, type: comap, group: g }\n" + okAssert, `unknown group "g"`},
		{"bad role", header + "steps:\n  - { op: group, node: a, name: g }\n  - { op: add_member, node: a, group: g, member: b, role: owner }\n" + create + okAssert, `invalid role "owner"`},
		{"set without key", header + "steps:\n" + create + "  - { op: set, node: a, value: v, data: 1 }\n" + okAssert, "key is required"},
		{"append without data", header + "steps:\n" + create + "  - { op: append, node: a, value: v }\n" + okAssert, "data is required"},
		{"assertion on unknown value", header + "steps:\n" + create + "assertions:\n  - { type: converged, value: w }\n", `unknown value "w"`},
		{"value assertion without expect", header + "steps:\n" + create + "assertions:\n  - { type: value, node: a, value: v }\n", "expect is required"},
		{"unknown assertion", header + "steps:\n" + create + "assertions:\n  - { type: eventually, node: a, value: v }\n", "unknown assertion type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenarioMissingFile(t *testing.T) {
	_, err := LoadScenario("testdata/scenarios/does_not_exist.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestSnapshotCanonical(t *testing.T) {
	views := map[string]ir.Object{
		"b": {"z": ir.Int(1), "a": ir.String("x")},
		"a": {},
	}
	data, err := Snapshot{Scenario: "s", Views: views}.Canonical()
	require.NoError(t, err)
	assert.Equal(t, `{"scenario":"s","views":{"a":{},"b":{"a":"x","z":1}}}`, string(data))
}
