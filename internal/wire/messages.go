// Package wire defines the peer-to-peer sync messages and their codecs.
//
// Messages are transport agnostic. The JSON codec is the default; the CBOR
// codec produces deterministic binary frames for transports that prefer
// them. Both codecs decode into the same message structs.
package wire

import (
	"github.com/garden-co/cojson/internal/crypto"
	"github.com/garden-co/cojson/internal/ir"
)

// Action names a message kind on the wire.
type Action string

const (
	ActionLoad              Action = "load"
	ActionKnown             Action = "known"
	ActionContent           Action = "content"
	ActionBatch             Action = "batch"
	ActionSignatureMismatch Action = "signatureMismatch"
)

// Message is implemented by every sync message.
type Message interface {
	Action() Action
}

// Priority orders outgoing content. Lower values are sent first.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityMedium Priority = 3
	PriorityLow    Priority = 6
)

// String returns the priority name used in logs and metrics.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// PriorityFor classifies a CoValue by its header: groups unblock other
// loads and go first, streams are bulk data and go last.
func PriorityFor(h ir.CoValueHeader) Priority {
	switch {
	case h.IsGroup():
		return PriorityHigh
	case h.Type == ir.TypeStream:
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// LoadMessage asks a peer for a CoValue, telling it what we already have.
type LoadMessage struct {
	ID       ir.RawCoID       `json:"id"`
	Header   bool             `json:"header"`
	Sessions ir.SessionCounts `json:"sessions"`
}

// Action implements Message.
func (LoadMessage) Action() Action { return ActionLoad }

// KnownState returns the sender's known state.
func (m LoadMessage) KnownState() ir.KnownState {
	return ir.KnownState{ID: m.ID, Header: m.Header, Sessions: nonNil(m.Sessions)}
}

// KnownMessage acknowledges or corrects a peer's view of a CoValue.
type KnownMessage struct {
	ID             ir.RawCoID       `json:"id"`
	Header         bool             `json:"header"`
	Sessions       ir.SessionCounts `json:"sessions"`
	IsCorrection   bool             `json:"isCorrection,omitempty"`
	AsDependencyOf ir.RawCoID       `json:"asDependencyOf,omitempty"`
	// Deleted reports that the sender holds a tombstone for the id.
	Deleted bool `json:"deleted,omitempty"`
}

// Action implements Message.
func (KnownMessage) Action() Action { return ActionKnown }

// KnownState returns the sender's known state.
func (m KnownMessage) KnownState() ir.KnownState {
	return ir.KnownState{ID: m.ID, Header: m.Header, Sessions: nonNil(m.Sessions)}
}

// NewKnownMessage builds a known message from a known state.
func NewKnownMessage(k ir.KnownState) KnownMessage {
	return KnownMessage{ID: k.ID, Header: k.Header, Sessions: nonNil(k.Sessions).Clone()}
}

// NewLoadMessage builds a load message from a known state.
func NewLoadMessage(k ir.KnownState) LoadMessage {
	return LoadMessage{ID: k.ID, Header: k.Header, Sessions: nonNil(k.Sessions).Clone()}
}

// SessionNewContent is a contiguous run of transactions for one session.
// After asserts how many transactions of the session the receiver holds.
type SessionNewContent struct {
	After           int              `json:"after"`
	NewTransactions []ir.Transaction `json:"newTransactions"`
	LastSignature   crypto.Signature `json:"lastSignature"`
}

// ContentMessage carries new transactions (and optionally the header).
type ContentMessage struct {
	ID       ir.RawCoID                           `json:"id"`
	Header   *ir.CoValueHeader                    `json:"header,omitempty"`
	Priority Priority                             `json:"priority"`
	New      map[ir.SessionID]SessionNewContent `json:"new"`
	// ExpectContentUntil is the sender's full known state, letting the
	// receiver tell that more chunks follow.
	ExpectContentUntil ir.SessionCounts `json:"expectContentUntil,omitempty"`
}

// Action implements Message.
func (ContentMessage) Action() Action { return ActionContent }

// IsEmpty reports whether the message carries neither header nor
// transactions.
func (m ContentMessage) IsEmpty() bool {
	if m.Header != nil {
		return false
	}
	for _, c := range m.New {
		if len(c.NewTransactions) > 0 {
			return false
		}
	}
	return true
}

// TransactionCount returns the number of transactions carried.
func (m ContentMessage) TransactionCount() int {
	n := 0
	for _, c := range m.New {
		n += len(c.NewTransactions)
	}
	return n
}

// BatchMessage groups messages that must be applied in order, so a
// multi-step local mutation appears atomically on the wire.
type BatchMessage struct {
	Messages []Message `json:"messages"`
}

// Action implements Message.
func (BatchMessage) Action() Action { return ActionBatch }

// SignatureMismatchMessage reports that content for a session did not
// verify. It carries the reporter's own version of the session, starting
// at After, so the author can recover.
type SignatureMismatchMessage struct {
	ID              ir.RawCoID       `json:"id"`
	SessionID       ir.SessionID     `json:"sessionID"`
	After           int              `json:"after"`
	NewTransactions []ir.Transaction `json:"newTransactions"`
	LastSignature   crypto.Signature `json:"lastSignature"`
}

// Action implements Message.
func (SignatureMismatchMessage) Action() Action { return ActionSignatureMismatch }

// CoID returns the CoValue a message refers to, or "" for batches.
func CoID(m Message) ir.RawCoID {
	switch msg := m.(type) {
	case LoadMessage:
		return msg.ID
	case KnownMessage:
		return msg.ID
	case ContentMessage:
		return msg.ID
	case SignatureMismatchMessage:
		return msg.ID
	default:
		return ""
	}
}

func nonNil(s ir.SessionCounts) ir.SessionCounts {
	if s == nil {
		return ir.SessionCounts{}
	}
	return s
}
