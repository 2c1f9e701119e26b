package ir

import (
	"maps"
	"slices"
)

// SessionCounts maps a session to the number of transactions known in it.
type SessionCounts map[SessionID]int

// Clone returns an independent copy.
func (s SessionCounts) Clone() SessionCounts {
	out := make(SessionCounts, len(s))
	maps.Copy(out, s)
	return out
}

// Total returns the sum of all counts.
func (s SessionCounts) Total() int {
	n := 0
	for _, c := range s {
		n += c
	}
	return n
}

// SortedSessions returns the session ids in lexicographic order.
func (s SessionCounts) SortedSessions() []SessionID {
	return slices.Sorted(maps.Keys(s))
}

// ToValue returns the object form used in transaction meta.
func (s SessionCounts) ToValue() Object {
	obj := make(Object, len(s))
	for sid, n := range s {
		obj[string(sid)] = Int(n)
	}
	return obj
}

// SessionCountsFromValue decodes the object form. Non-integer entries are
// skipped.
func SessionCountsFromValue(obj Object) SessionCounts {
	out := make(SessionCounts, len(obj))
	for k := range obj {
		if n, ok := obj.Int(k); ok {
			out[SessionID(k)] = int(n)
		}
	}
	return out
}

// KnownState summarizes which transactions a peer or store holds for one
// CoValue. It only grows, except when the value is deleted.
type KnownState struct {
	ID       RawCoID       `json:"id"`
	Header   bool          `json:"header"`
	Sessions SessionCounts `json:"sessions"`
}

// NewKnownState returns an empty known state for id.
func NewKnownState(id RawCoID) KnownState {
	return KnownState{ID: id, Sessions: SessionCounts{}}
}

// Clone returns an independent copy.
func (k KnownState) Clone() KnownState {
	return KnownState{ID: k.ID, Header: k.Header, Sessions: k.Sessions.Clone()}
}

// Combine merges other into k, keeping the maximum count per session.
func (k *KnownState) Combine(other KnownState) {
	if k.Sessions == nil {
		k.Sessions = SessionCounts{}
	}
	k.Header = k.Header || other.Header
	for sid, n := range other.Sessions {
		if n > k.Sessions[sid] {
			k.Sessions[sid] = n
		}
	}
}

// IsSubsetOf reports whether every transaction known in k is known in other.
func (k KnownState) IsSubsetOf(other KnownState) bool {
	if k.Header && !other.Header {
		return false
	}
	for sid, n := range k.Sessions {
		if n > other.Sessions[sid] {
			return false
		}
	}
	return true
}

// Equal reports whether both states describe the same transactions.
func (k KnownState) Equal(other KnownState) bool {
	return k.ID == other.ID && k.IsSubsetOf(other) && other.IsSubsetOf(k)
}

// Missing returns, per session, the count other already has where k has
// more. Sessions where k has nothing new are omitted.
func (k KnownState) Missing(other KnownState) SessionCounts {
	out := SessionCounts{}
	for sid, n := range k.Sessions {
		if have := other.Sessions[sid]; n > have {
			out[sid] = have
		}
	}
	return out
}
