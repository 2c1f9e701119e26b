package core

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/garden-co/cojson/internal/crypto"
	"github.com/garden-co/cojson/internal/ir"
)

type testKeyring struct {
	mu     sync.Mutex
	read   map[ir.KeyID]crypto.KeySecret
	writes map[ir.RawCoID]ir.KeyID
}

func newTestKeyring() *testKeyring {
	return &testKeyring{read: map[ir.KeyID]crypto.KeySecret{}, writes: map[ir.RawCoID]ir.KeyID{}}
}

func (k *testKeyring) ReadKey(id ir.KeyID) (crypto.KeySecret, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.read[id]
	return s, ok
}

func (k *testKeyring) WriteKey(owner ir.RawCoID) (ir.KeyID, crypto.KeySecret, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	id, ok := k.writes[owner]
	if !ok {
		return "", "", false
	}
	return id, k.read[id], true
}

func (k *testKeyring) add(t *testing.T, p crypto.Provider, owner ir.RawCoID) (ir.KeyID, crypto.KeySecret) {
	t.Helper()
	id, secret, err := p.NewKeySecret()
	require.NoError(t, err)
	k.mu.Lock()
	defer k.mu.Unlock()
	k.read[id] = secret
	k.writes[owner] = id
	return id, secret
}

type testRegistry struct {
	mu    sync.Mutex
	cores map[ir.RawCoID]*Core
}

func newTestRegistry() *testRegistry {
	return &testRegistry{cores: map[ir.RawCoID]*Core{}}
}

func (r *testRegistry) Core(id ir.RawCoID) (*Core, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cores[id]
	return c, ok
}

func (r *testRegistry) put(c *Core) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cores[c.ID()] = c
}

func newIdentity(t *testing.T, p crypto.Provider, device string) Identity {
	t.Helper()
	secret, err := crypto.NewAgentSecret(p)
	require.NoError(t, err)
	agent, err := crypto.AgentIDOf(p, secret)
	require.NoError(t, err)
	_, signer := secret.Parts()
	return Identity{Session: ir.NewSessionID(agent, device), Signer: signer}
}

// fixedClock returns increasing madeAt values starting at start.
func fixedClock(start int64) func() int64 {
	var mu sync.Mutex
	next := start
	return func() int64 {
		mu.Lock()
		defer mu.Unlock()
		next++
		return next
	}
}

func mapHeader(uniqueness string) ir.CoValueHeader {
	return ir.CoValueHeader{
		Type:       ir.TypeMap,
		Ruleset:    ir.Ruleset{Type: ir.RulesetUnsafeAllowAll},
		Uniqueness: uniqueness,
	}
}

func setOp(key string, v ir.Value) ir.Array {
	return ir.Array{ir.Object{"op": ir.String("set"), "key": ir.String(key), "value": v}}
}

func newCore(t *testing.T, p crypto.Provider, header ir.CoValueHeader, opts ...Option) *Core {
	t.Helper()
	c, err := New(p, header, opts...)
	require.NoError(t, err)
	return c
}
