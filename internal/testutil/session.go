package testutil

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/garden-co/cojson/internal/core"
	"github.com/garden-co/cojson/internal/crypto"
	"github.com/garden-co/cojson/internal/ir"
)

// FixedSuffixGenerator returns session suffixes "<prefix>1", "<prefix>2",
// and so on, so session ids in golden output are stable for a fixed agent.
type FixedSuffixGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewFixedSuffixGenerator returns a generator for prefix. An empty prefix
// means "s".
func NewFixedSuffixGenerator(prefix string) *FixedSuffixGenerator {
	if prefix == "" {
		prefix = "s"
	}
	return &FixedSuffixGenerator{prefix: prefix}
}

// Generate returns the next suffix.
func (g *FixedSuffixGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s%d", g.prefix, g.n)
}

// NewAgent creates an agent secret and its id.
func NewAgent(t testing.TB, p crypto.Provider) (crypto.AgentSecret, ir.AgentID) {
	t.Helper()
	secret, err := crypto.NewAgentSecret(p)
	require.NoError(t, err)
	agent, err := crypto.AgentIDOf(p, secret)
	require.NoError(t, err)
	return secret, agent
}

// NewIdentity creates a fresh agent and returns its session on device.
func NewIdentity(t testing.TB, p crypto.Provider, device string) core.Identity {
	t.Helper()
	secret, agent := NewAgent(t, p)
	_, signer := secret.Parts()
	return core.Identity{Session: ir.NewSessionID(agent, device), Signer: signer}
}

// Header returns an unsafeAllowAll header of type typ.
func Header(typ ir.CoValueType, uniqueness string) ir.CoValueHeader {
	return ir.CoValueHeader{
		Type:       typ,
		Ruleset:    ir.Ruleset{Type: ir.RulesetUnsafeAllowAll},
		Uniqueness: uniqueness,
	}
}
