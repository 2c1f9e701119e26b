package crdt

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/garden-co/cojson/internal/core"
	"github.com/garden-co/cojson/internal/crypto"
	"github.com/garden-co/cojson/internal/ir"
)

type fixture struct {
	t     *testing.T
	p     crypto.Provider
	clock func() int64
	keys  *keyring
	reg   *registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	var (
		mu   sync.Mutex
		next int64
	)
	return &fixture{
		t: t,
		p: crypto.NewDefault(),
		clock: func() int64 {
			mu.Lock()
			defer mu.Unlock()
			next++
			return next
		},
		keys: &keyring{read: map[ir.KeyID]crypto.KeySecret{}, writes: map[ir.RawCoID]ir.KeyID{}},
		reg:  &registry{cores: map[ir.RawCoID]*core.Core{}},
	}
}

// agent returns a fresh agent secret; sessions of one agent share it.
func (f *fixture) agent() crypto.AgentSecret {
	f.t.Helper()
	secret, err := crypto.NewAgentSecret(f.p)
	require.NoError(f.t, err)
	return secret
}

func (f *fixture) session(secret crypto.AgentSecret, device string) core.Identity {
	f.t.Helper()
	agent, err := crypto.AgentIDOf(f.p, secret)
	require.NoError(f.t, err)
	_, signer := secret.Parts()
	return core.Identity{Session: ir.NewSessionID(agent, device), Signer: signer}
}

func (f *fixture) identity() core.Identity {
	return f.session(f.agent(), "d")
}

func (f *fixture) core(h ir.CoValueHeader) *core.Core {
	f.t.Helper()
	c, err := core.New(f.p, h, core.WithClock(f.clock), core.WithKeyring(f.keys), core.WithRegistry(f.reg))
	require.NoError(f.t, err)
	f.reg.put(c)
	return c
}

func (f *fixture) ownedBy(group ir.RawCoID) {
	f.t.Helper()
	id, secret, err := f.p.NewKeySecret()
	require.NoError(f.t, err)
	f.keys.mu.Lock()
	defer f.keys.mu.Unlock()
	f.keys.read[id] = secret
	f.keys.writes[group] = id
}

func header(t ir.CoValueType, uniqueness string) ir.CoValueHeader {
	return ir.CoValueHeader{Type: t, Ruleset: ir.Ruleset{Type: ir.RulesetUnsafeAllowAll}, Uniqueness: uniqueness}
}

// deliver copies every session of from into to.
func deliver(t *testing.T, from, to *core.Core) {
	t.Helper()
	for _, sid := range from.SessionIDs() {
		log, _ := from.Session(sid)
		_, err := to.ApplyNewContent(sid, 0, log.Transactions(), log.LastSignature(), false)
		require.NoError(t, err)
	}
}

type keyring struct {
	mu     sync.Mutex
	read   map[ir.KeyID]crypto.KeySecret
	writes map[ir.RawCoID]ir.KeyID
}

func (k *keyring) ReadKey(id ir.KeyID) (crypto.KeySecret, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.read[id]
	return s, ok
}

func (k *keyring) WriteKey(owner ir.RawCoID) (ir.KeyID, crypto.KeySecret, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	id, ok := k.writes[owner]
	if !ok {
		return "", "", false
	}
	return id, k.read[id], true
}

type registry struct {
	mu    sync.Mutex
	cores map[ir.RawCoID]*core.Core
}

func (r *registry) Core(id ir.RawCoID) (*core.Core, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cores[id]
	return c, ok
}

func (r *registry) put(c *core.Core) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cores[c.ID()] = c
}

func strs(values ...string) ir.Array {
	out := make(ir.Array, len(values))
	for i, v := range values {
		out[i] = ir.String(v)
	}
	return out
}
