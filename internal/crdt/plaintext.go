package crdt

import (
	"fmt"
	"strings"

	"github.com/rivo/uniseg"

	"github.com/garden-co/cojson/internal/ir"
)

// PlainText is collaborative text. Each item is one grapheme cluster, so
// combining marks, ZWJ sequences, flags and skin tone modifiers are one
// unit for every index based operation.
type PlainText struct {
	*base
	tree *listTree
}

// NewPlainText resolves a coplaintext.
func NewPlainText(src Source, opts ...Option) (*PlainText, error) {
	b, err := newBase(src, ir.TypePlainText, opts)
	if err != nil {
		return nil, err
	}
	p := &PlainText{base: b}
	b.reset = func() { p.tree = newListTree() }
	b.apply = func(tx ir.ValidTransaction) {
		if skipped := p.tree.applyTx(tx, p.resolve); skipped > 0 {
			p.logger.Debug("skipped text changes", "id", src.ID(), "tx", tx.TxID.String(), "count", skipped)
		}
	}
	return p, nil
}

func (p *PlainText) resolve(op ir.OpID) ir.OpID { return resolveMerged(p.src, op) }

// Graphemes splits text into grapheme clusters.
func Graphemes(text string) []string {
	var out []string
	g := uniseg.NewGraphemes(text)
	for g.Next() {
		out = append(out, g.Str())
	}
	return out
}

func graphemeValues(text string) []ir.Value {
	clusters := Graphemes(text)
	out := make([]ir.Value, len(clusters))
	for i, c := range clusters {
		out[i] = ir.String(c)
	}
	return out
}

func (p *PlainText) entriesLocked() []ListEntry {
	p.refreshLocked()
	return p.tree.materialize()
}

// String returns the current text.
func (p *PlainText) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var b strings.Builder
	for _, e := range p.entriesLocked() {
		b.WriteString(stringOf(e.Value))
	}
	return b.String()
}

// Value implements Resolver.
func (p *PlainText) Value() ir.Value { return ir.String(p.String()) }

// Len returns the number of grapheme clusters.
func (p *PlainText) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entriesLocked())
}

// PositionAt returns the stable handle of the grapheme at idx. Handles
// survive concurrent edits; indexes do not.
func (p *PlainText) PositionAt(idx int) (ir.OpID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entries := p.entriesLocked()
	if idx < 0 || idx >= len(entries) {
		return ir.OpID{}, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, idx, len(entries))
	}
	return entries[idx].OpID, nil
}

// IndexOf returns the current index of a handle, or false when the
// grapheme was deleted or is unknown.
func (p *PlainText) IndexOf(pos ir.OpID) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.entriesLocked() {
		if e.OpID == pos {
			return i, true
		}
	}
	return 0, false
}

// GraphemeIndex maps a byte offset of String() to the index of the
// grapheme that contains it. The length of the text maps to Len().
func (p *PlainText) GraphemeIndex(byteOffset int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos := 0
	entries := p.entriesLocked()
	for i, e := range entries {
		next := pos + len(stringOf(e.Value))
		if byteOffset < next {
			if byteOffset < 0 {
				break
			}
			return i, nil
		}
		pos = next
	}
	if byteOffset == pos {
		return len(entries), nil
	}
	return 0, fmt.Errorf("%w: byte offset %d of %d", ErrIndexOutOfRange, byteOffset, pos)
}

// InsertAfter inserts text after the grapheme at idx. On empty text, idx
// 0 inserts at the start.
func (p *PlainText) InsertAfter(idx int, text string) error {
	p.mu.Lock()
	entries := p.entriesLocked()
	var anchor ir.Anchor
	switch {
	case len(entries) == 0 && idx == 0:
		anchor = ir.StartAnchor()
	case idx < 0 || idx >= len(entries):
		p.mu.Unlock()
		return fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, idx, len(entries))
	default:
		anchor = ir.OpAnchor(entries[idx].OpID)
	}
	p.mu.Unlock()
	return p.write(insertChanges(anchor, false, graphemeValues(text)))
}

// InsertBefore inserts text before the grapheme at idx. idx equal to
// Len() appends.
func (p *PlainText) InsertBefore(idx int, text string) error {
	p.mu.Lock()
	entries := p.entriesLocked()
	var (
		anchor ir.Anchor
		before = true
	)
	switch {
	case idx < 0 || idx > len(entries):
		p.mu.Unlock()
		return fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, idx, len(entries))
	case idx == len(entries) && idx == 0:
		anchor = ir.StartAnchor()
		before = false
	case idx == len(entries):
		anchor = ir.OpAnchor(entries[idx-1].OpID)
		before = false
	default:
		anchor = ir.OpAnchor(entries[idx].OpID)
	}
	p.mu.Unlock()
	return p.write(insertChanges(anchor, before, graphemeValues(text)))
}

// Append adds text at the end.
func (p *PlainText) Append(text string) error {
	return p.InsertBefore(p.Len(), text)
}

// DeleteRange deletes the graphemes in [from, to).
func (p *PlainText) DeleteRange(from, to int) error {
	p.mu.Lock()
	entries := p.entriesLocked()
	if from < 0 || to > len(entries) || from > to {
		p.mu.Unlock()
		return fmt.Errorf("%w: [%d, %d) of %d", ErrIndexOutOfRange, from, to, len(entries))
	}
	changes := make(ir.Array, 0, to-from)
	for _, e := range entries[from:to] {
		changes = append(changes, deleteChange(e.OpID))
	}
	p.mu.Unlock()
	if len(changes) == 0 {
		return nil
	}
	return p.write(changes)
}
