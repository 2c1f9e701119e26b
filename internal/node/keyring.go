package node

import (
	"sync"

	"github.com/garden-co/cojson/internal/core"
	"github.com/garden-co/cojson/internal/crdt"
	"github.com/garden-co/cojson/internal/crypto"
	"github.com/garden-co/cojson/internal/ir"
)

// groupSource finds group cores among the values held in memory.
type groupSource interface {
	Core(id ir.RawCoID) (*core.Core, bool)
	IDs() []ir.RawCoID
}

// keyring unseals group read keys addressed to the local agent. It
// implements core.Keyring.
type keyring struct {
	provider crypto.Provider
	agent    ir.AgentID
	sealer   crypto.SealerSecret
	groups   groupSource

	mu     sync.Mutex
	keys   map[ir.KeyID]crypto.KeySecret
	parsed map[ir.RawCoID]*crdt.Map
}

func newKeyring(p crypto.Provider, agent ir.AgentID, sealer crypto.SealerSecret, groups groupSource) *keyring {
	return &keyring{
		provider: p,
		agent:    agent,
		sealer:   sealer,
		groups:   groups,
		keys:     map[ir.KeyID]crypto.KeySecret{},
		parsed:   map[ir.RawCoID]*crdt.Map{},
	}
}

// remember records a key this node generated itself.
func (k *keyring) remember(id ir.KeyID, secret crypto.KeySecret) {
	k.mu.Lock()
	k.keys[id] = secret
	k.mu.Unlock()
}

// ReadKey implements core.Keyring.
func (k *keyring) ReadKey(id ir.KeyID) (crypto.KeySecret, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if secret, ok := k.keys[id]; ok {
		return secret, true
	}
	for _, gid := range k.groups.IDs() {
		if secret, ok := k.unsealLocked(gid, id); ok {
			k.keys[id] = secret
			return secret, true
		}
	}
	return "", false
}

// WriteKey implements core.Keyring.
func (k *keyring) WriteKey(owner ir.RawCoID) (ir.KeyID, crypto.KeySecret, bool) {
	k.mu.Lock()
	m, ok := k.groupLocked(owner)
	k.mu.Unlock()
	if !ok {
		return "", "", false
	}
	current, ok := m.Get(fieldReadKey)
	keyID, isString := current.(ir.String)
	if !ok || !isString {
		return "", "", false
	}
	secret, ok := k.ReadKey(ir.KeyID(keyID))
	return ir.KeyID(keyID), secret, ok
}

func (k *keyring) groupLocked(id ir.RawCoID) (*crdt.Map, bool) {
	if m, ok := k.parsed[id]; ok {
		return m, true
	}
	c, ok := k.groups.Core(id)
	if !ok || !c.Header().IsGroup() {
		return nil, false
	}
	m, err := crdt.NewMap(c)
	if err != nil {
		return nil, false
	}
	k.parsed[id] = m
	return m, true
}

func (k *keyring) unsealLocked(group ir.RawCoID, id ir.KeyID) (crypto.KeySecret, bool) {
	m, ok := k.groupLocked(group)
	if !ok {
		return "", false
	}
	v, ok := m.Get(keyField(id, k.agent))
	entry, isObject := v.(ir.Object)
	if !ok || !isObject {
		return "", false
	}
	sealed, _ := entry.Str("sealed")
	by, _ := entry.Str("by")
	plain, err := k.provider.Unseal(k.sealer, ir.AgentID(by).SealerID(), sealed, sealNonce(group, id, k.agent))
	if err != nil {
		return "", false
	}
	return crypto.KeySecret(plain), true
}
