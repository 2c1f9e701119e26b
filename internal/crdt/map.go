package crdt

import (
	"slices"

	"github.com/garden-co/cojson/internal/ir"
)

const (
	opSet = "set"
	opDel = "del"
)

// MapEntry is one write to a key.
type MapEntry struct {
	Key     string
	Value   ir.Value // nil when Deleted
	Deleted bool
	TxID    ir.TxID
	MadeAt  int64
}

// Map is a last-writer-wins map. The winner of a key is its last write in
// resolution order.
type Map struct {
	*base
	history map[string][]MapEntry
}

// NewMap resolves a comap.
func NewMap(src Source, opts ...Option) (*Map, error) {
	b, err := newBase(src, ir.TypeMap, opts)
	if err != nil {
		return nil, err
	}
	m := &Map{base: b}
	b.reset = func() { m.history = map[string][]MapEntry{} }
	b.apply = m.apply
	return m, nil
}

func (m *Map) apply(tx ir.ValidTransaction) {
	for _, change := range tx.Changes {
		op, ok := change.(ir.Object)
		if !ok {
			continue
		}
		kind, _ := op.Str("op")
		key, hasKey := op.Str("key")
		if !hasKey {
			m.logger.Debug("map change without key", "id", m.src.ID(), "tx", tx.TxID.String())
			continue
		}
		entry := MapEntry{Key: key, TxID: tx.TxID, MadeAt: tx.MadeAt}
		switch kind {
		case opSet:
			entry.Value = op["value"]
			if entry.Value == nil {
				entry.Value = ir.Null{}
			}
		case opDel:
			entry.Deleted = true
		default:
			m.logger.Debug("unknown map op", "id", m.src.ID(), "op", kind)
			continue
		}
		m.history[key] = append(m.history[key], entry)
	}
}

func (m *Map) latestLocked(key string) (MapEntry, bool) {
	m.refreshLocked()
	entries := m.history[key]
	if len(entries) == 0 {
		return MapEntry{}, false
	}
	return entries[len(entries)-1], true
}

// Get returns the current value of key.
func (m *Map) Get(key string) (ir.Value, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.latestLocked(key)
	if !ok || e.Deleted {
		return nil, false
	}
	return e.Value, true
}

// GetEntry returns the winning write of key, including deletions, with
// the transaction that authored it.
func (m *Map) GetEntry(key string) (MapEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latestLocked(key)
}

// Keys returns the keys with a live value, sorted.
func (m *Map) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshLocked()
	var keys []string
	for key, entries := range m.history {
		if !entries[len(entries)-1].Deleted {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}

// AsObject returns the live keys and values.
func (m *Map) AsObject() ir.Object {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshLocked()
	out := ir.Object{}
	for key, entries := range m.history {
		if e := entries[len(entries)-1]; !e.Deleted {
			out[key] = e.Value
		}
	}
	return out
}

// Value implements Resolver.
func (m *Map) Value() ir.Value { return m.AsObject() }

// History returns every write of key in resolution order.
func (m *Map) History(key string) []MapEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshLocked()
	return slices.Clone(m.history[key])
}

// Set writes key.
func (m *Map) Set(key string, v ir.Value) error {
	return m.write(ir.Array{ir.Object{"op": ir.String(opSet), "key": ir.String(key), "value": v}})
}

// SetMany writes several keys in one transaction.
func (m *Map) SetMany(values ir.Object) error {
	changes := make(ir.Array, 0, len(values))
	for _, key := range values.SortedKeys() {
		changes = append(changes, ir.Object{"op": ir.String(opSet), "key": ir.String(key), "value": values[key]})
	}
	return m.write(changes)
}

// Delete removes key.
func (m *Map) Delete(key string) error {
	return m.write(ir.Array{ir.Object{"op": ir.String(opDel), "key": ir.String(key)}})
}
