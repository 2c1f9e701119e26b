package crdt

import (
	"slices"

	"github.com/garden-co/cojson/internal/ir"
)

// StreamItem is one pushed value.
type StreamItem struct {
	Value  ir.Value
	By     ir.AgentID
	MadeAt int64
	TxID   ir.TxID
	// ChangeIdx orders several items pushed in one transaction.
	ChangeIdx int
}

// Stream is a set of append-only per-session feeds.
type Stream struct {
	*base
	sessions map[ir.SessionID][]StreamItem
	order    []StreamItem
}

// NewStream resolves a costream.
func NewStream(src Source, opts ...Option) (*Stream, error) {
	b, err := newBase(src, ir.TypeStream, opts)
	if err != nil {
		return nil, err
	}
	s := &Stream{base: b}
	b.reset = func() {
		s.sessions = map[ir.SessionID][]StreamItem{}
		s.order = nil
	}
	b.apply = s.apply
	return s, nil
}

func (s *Stream) apply(tx ir.ValidTransaction) {
	sid := tx.TxID.SessionID
	for ch, v := range tx.Changes {
		item := StreamItem{Value: v, By: sid.Agent(), MadeAt: tx.MadeAt, TxID: tx.TxID, ChangeIdx: ch}
		s.sessions[sid] = append(s.sessions[sid], item)
		s.order = append(s.order, item)
	}
}

// PerSession returns the items of every session in push order.
func (s *Stream) PerSession() map[ir.SessionID][]StreamItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	out := make(map[ir.SessionID][]StreamItem, len(s.sessions))
	for sid, items := range s.sessions {
		out[sid] = slices.Clone(items)
	}
	return out
}

// LastBySession returns the latest item of every session.
func (s *Stream) LastBySession() map[ir.SessionID]StreamItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	out := make(map[ir.SessionID]StreamItem, len(s.sessions))
	for sid, items := range s.sessions {
		out[sid] = items[len(items)-1]
	}
	return out
}

// LastByAgent returns the latest item of every agent across its sessions.
func (s *Stream) LastByAgent() map[ir.AgentID]StreamItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	out := map[ir.AgentID]StreamItem{}
	// order is in resolution order, so the last write per agent wins.
	for _, item := range s.order {
		out[item.By] = item
	}
	return out
}

// SingleStream returns the items of the only session that wrote. It
// returns ErrMultipleSessions when more than one did, and no items when
// none did.
func (s *Stream) SingleStream() ([]StreamItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	switch len(s.sessions) {
	case 0:
		return nil, nil
	case 1:
		for _, items := range s.sessions {
			return slices.Clone(items), nil
		}
	}
	return nil, ErrMultipleSessions
}

// Chronological returns all items merged across sessions by madeAt, then
// session, then transaction index.
func (s *Stream) Chronological() []StreamItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	return slices.Clone(s.order)
}

// Value implements Resolver: session ids mapped to their pushed values.
func (s *Stream) Value() ir.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	out := ir.Object{}
	for sid, items := range s.sessions {
		values := make(ir.Array, len(items))
		for i, item := range items {
			values[i] = item.Value
		}
		out[string(sid)] = values
	}
	return out
}

// Push appends values to the author's session feed.
func (s *Stream) Push(values ...ir.Value) error {
	return s.write(ir.Array(values))
}
