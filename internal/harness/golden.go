package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/garden-co/cojson/internal/ir"
)

// Snapshot is the golden form of a run: what each node ends up seeing.
type Snapshot struct {
	Scenario string
	Views    map[string]ir.Object
}

// Canonical renders the snapshot as canonical JSON, keys sorted, so equal
// runs produce identical bytes.
func (s Snapshot) Canonical() ([]byte, error) {
	views := ir.Object{}
	for name, v := range s.Views {
		views[name] = v
	}
	return ir.MarshalCanonical(ir.Object{
		"scenario": ir.String(s.Scenario),
		"views":    views,
	})
}

// RunWithGolden executes a scenario and compares the final views against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares a result's views against a golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := Snapshot{Scenario: scenarioName, Views: result.Views}.Canonical()
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
