package crdt

import (
	"fmt"
	"slices"

	"github.com/garden-co/cojson/internal/ir"
)

// List is an ordered sequence CRDT. Items are addressed by the OpID of
// their insertion; concurrent inserts at the same anchor are ordered by
// the resolution order of their transactions.
type List struct {
	*base
	tree *listTree
}

// NewList resolves a colist.
func NewList(src Source, opts ...Option) (*List, error) {
	b, err := newBase(src, ir.TypeList, opts)
	if err != nil {
		return nil, err
	}
	l := &List{base: b}
	b.reset = func() { l.tree = newListTree() }
	b.apply = func(tx ir.ValidTransaction) {
		if skipped := l.tree.applyTx(tx, l.resolve); skipped > 0 {
			l.logger.Debug("skipped list changes", "id", src.ID(), "tx", tx.TxID.String(), "count", skipped)
		}
	}
	return l, nil
}

// resolve maps ops that were written on a branch and later merged here to
// the replayed op.
func (l *List) resolve(op ir.OpID) ir.OpID {
	return resolveMerged(l.src, op)
}

func resolveMerged(src Source, op ir.OpID) ir.OpID {
	if op.Branch == "" || op.Branch == src.ID() {
		return op
	}
	target, ok := src.MergedTxAlias(op.TxID())
	if !ok {
		return op
	}
	return ir.NewOpID(target, op.ChangeIdx)
}

func (l *List) entriesLocked() []ListEntry {
	l.refreshLocked()
	return l.tree.materialize()
}

// Entries returns the live items with their insertion ids.
func (l *List) Entries() []ListEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.entriesLocked())
}

// AsArray returns the live values in order.
func (l *List) AsArray() ir.Array {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.entriesLocked()
	out := make(ir.Array, len(entries))
	for i, e := range entries {
		out[i] = e.Value
	}
	return out
}

// Value implements Resolver.
func (l *List) Value() ir.Value { return l.AsArray() }

// Len returns the number of live items.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entriesLocked())
}

// Get returns the item at idx.
func (l *List) Get(idx int) (ir.Value, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.entriesLocked()
	if idx < 0 || idx >= len(entries) {
		return nil, false
	}
	return entries[idx].Value, true
}

// entryAt returns the entry at idx under the lock.
func (l *List) entryAt(idx int) (ListEntry, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.entriesLocked()
	if idx < 0 || idx >= len(entries) {
		return ListEntry{}, len(entries), fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, idx, len(entries))
	}
	return entries[idx], len(entries), nil
}

// Append adds values at the end.
func (l *List) Append(values ...ir.Value) error {
	l.mu.Lock()
	entries := l.entriesLocked()
	anchor := ir.StartAnchor()
	if len(entries) > 0 {
		anchor = ir.OpAnchor(entries[len(entries)-1].OpID)
	}
	l.mu.Unlock()
	return l.write(insertChanges(anchor, false, values))
}

// Prepend adds values at the front.
func (l *List) Prepend(values ...ir.Value) error {
	l.mu.Lock()
	entries := l.entriesLocked()
	anchor := ir.EndAnchor()
	if len(entries) > 0 {
		anchor = ir.OpAnchor(entries[0].OpID)
	}
	l.mu.Unlock()
	return l.write(insertChanges(anchor, true, values))
}

// InsertAfter inserts values right after the item at idx.
func (l *List) InsertAfter(idx int, values ...ir.Value) error {
	e, _, err := l.entryAt(idx)
	if err != nil {
		return err
	}
	return l.write(insertChanges(ir.OpAnchor(e.OpID), false, values))
}

// InsertBefore inserts values right before the item at idx.
func (l *List) InsertBefore(idx int, values ...ir.Value) error {
	e, _, err := l.entryAt(idx)
	if err != nil {
		return err
	}
	return l.write(insertChanges(ir.OpAnchor(e.OpID), true, values))
}

// Delete removes the item at idx.
func (l *List) Delete(idx int) error {
	e, _, err := l.entryAt(idx)
	if err != nil {
		return err
	}
	return l.write(ir.Array{deleteChange(e.OpID)})
}

// Replace swaps the item at idx for v in one transaction.
func (l *List) Replace(idx int, v ir.Value) error {
	e, _, err := l.entryAt(idx)
	if err != nil {
		return err
	}
	changes := insertChanges(ir.OpAnchor(e.OpID), false, []ir.Value{v})
	changes = append(changes, deleteChange(e.OpID))
	return l.write(changes)
}
