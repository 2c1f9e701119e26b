package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/garden-co/cojson/internal/ir"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Value    string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s on %s\n", e.Type, e.Value)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// EvaluateAssertions runs every assertion and returns the failure
// messages.
func EvaluateAssertions(ctx context.Context, h *Harness, assertions []Assertion) []string {
	var failures []string
	for _, a := range assertions {
		if err := evaluate(ctx, h, a); err != nil {
			failures = append(failures, err.Error())
		}
	}
	return failures
}

func evaluate(ctx context.Context, h *Harness, a Assertion) error {
	switch a.Type {
	case AssertConverged:
		return assertConverged(ctx, h, a)
	case AssertValue:
		return assertValue(ctx, h, a)
	case AssertMissingKey:
		return assertMissingKey(ctx, h, a)
	case AssertTransactions:
		return assertTransactions(h, a)
	}
	return fmt.Errorf("unknown assertion type: %s", a.Type)
}

func render(v ir.Value) string {
	b, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(b)
}

// assertConverged checks that every node in scope holds the same sessions
// and that the nodes able to decrypt all of them materialize the same
// value. A node without the read key sees only the public parts, so its
// view is left out of the comparison.
func assertConverged(ctx context.Context, h *Harness, a Assertion) error {
	nodes := h.scope(a.Nodes)
	id := h.values[a.Value]
	if diverged := h.firstDivergence(nodes, []ir.RawCoID{id}); diverged != "" {
		return &AssertionError{Type: a.Type, Value: a.Value, Expected: "identical sessions on " + strings.Join(nodes, ", "), Actual: diverged}
	}
	var (
		first     ir.Value
		firstNode string
	)
	for _, name := range nodes {
		v, err := h.view(ctx, h.nodes[name], a.Value)
		if err != nil {
			return &AssertionError{Type: a.Type, Value: a.Value, Expected: "readable on " + name, Actual: err.Error()}
		}
		if c, ok := h.nodes[name].Manager().Core(id); ok && len(c.DecryptionGaps()) > 0 {
			continue
		}
		if firstNode == "" {
			first, firstNode = v, name
			continue
		}
		if !ir.Equal(first, v) {
			return &AssertionError{
				Type:     a.Type,
				Value:    a.Value,
				Expected: fmt.Sprintf("%s as on %s", render(first), firstNode),
				Actual:   fmt.Sprintf("%s on %s", render(v), name),
			}
		}
	}
	return nil
}

func assertValue(ctx context.Context, h *Harness, a Assertion) error {
	want, err := ir.FromGo(a.Expect)
	if err != nil {
		return fmt.Errorf("assertion on %s: expect: %w", a.Value, err)
	}
	got, err := h.view(ctx, h.nodes[a.Node], a.Value)
	if err != nil {
		return &AssertionError{Type: a.Type, Value: a.Value, Expected: render(want), Actual: err.Error()}
	}
	if !ir.Equal(want, got) {
		return &AssertionError{Type: a.Type, Value: a.Value, Expected: render(want), Actual: render(got) + " on " + a.Node}
	}
	return nil
}

func assertMissingKey(ctx context.Context, h *Harness, a Assertion) error {
	got, err := h.view(ctx, h.nodes[a.Node], a.Value)
	if err != nil {
		return &AssertionError{Type: a.Type, Value: a.Value, Expected: "no key " + a.Key, Actual: err.Error()}
	}
	obj, ok := got.(ir.Object)
	if !ok {
		return &AssertionError{Type: a.Type, Value: a.Value, Expected: "an object", Actual: render(got)}
	}
	if obj.Has(a.Key) {
		return &AssertionError{Type: a.Type, Value: a.Value, Expected: "no key " + a.Key + " on " + a.Node, Actual: render(obj)}
	}
	return nil
}

func assertTransactions(h *Harness, a Assertion) error {
	c, ok := h.nodes[a.Node].Manager().Core(h.values[a.Value])
	if !ok {
		return &AssertionError{Type: a.Type, Value: a.Value, Expected: fmt.Sprintf("%d transactions", a.Count), Actual: "not held on " + a.Node}
	}
	total := 0
	for _, n := range c.KnownState().Sessions {
		total += n
	}
	if total != a.Count {
		return &AssertionError{Type: a.Type, Value: a.Value, Expected: fmt.Sprintf("%d transactions", a.Count), Actual: fmt.Sprintf("%d on %s", total, a.Node)}
	}
	return nil
}
