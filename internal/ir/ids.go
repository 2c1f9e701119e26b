package ir

import (
	"fmt"
	"strconv"
	"strings"
)

// Identifier prefixes shared by every peer.
const (
	CoIDPrefix          = "co_z"
	SessionSeparator    = "_session_z"
	SealerIDPrefix      = "sealer_z"
	SignerIDPrefix      = "signer_z"
	KeyIDPrefix         = "key_z"
	startAnchor         = "start"
	endAnchor           = "end"
	agentPartsSeparator = "/"
	branchSeparator     = "@"
)

// RawCoID is the content-addressed id of a CoValue: "co_z" + base58 hash.
type RawCoID string

// IsCoID reports whether s looks like a CoValue id.
func IsCoID(s string) bool {
	return strings.HasPrefix(s, CoIDPrefix) && len(s) > len(CoIDPrefix)
}

// AgentID is "sealer_z<..>/signer_z<..>". The verifying key of every
// session written by the agent is derivable from it.
type AgentID string

// SealerID returns the sealer (key agreement) half of the agent id.
func (a AgentID) SealerID() string {
	sealer, _, _ := strings.Cut(string(a), agentPartsSeparator)
	return sealer
}

// SignerID returns the signing half of the agent id.
func (a AgentID) SignerID() string {
	_, signer, _ := strings.Cut(string(a), agentPartsSeparator)
	return signer
}

// Valid reports whether both halves carry the expected prefixes.
func (a AgentID) Valid() bool {
	return strings.HasPrefix(a.SealerID(), SealerIDPrefix) &&
		strings.HasPrefix(a.SignerID(), SignerIDPrefix)
}

// NewAgentID joins a sealer id and a signer id.
func NewAgentID(sealerID, signerID string) AgentID {
	return AgentID(sealerID + agentPartsSeparator + signerID)
}

// SessionID identifies one agent's device instance: "<agent>_session_z<random>".
type SessionID string

// NewSessionID builds a session id for agent with the given random suffix.
func NewSessionID(agent AgentID, suffix string) SessionID {
	return SessionID(string(agent) + SessionSeparator + suffix)
}

// Agent returns the agent that owns the session.
func (s SessionID) Agent() AgentID {
	idx := strings.LastIndex(string(s), SessionSeparator)
	if idx < 0 {
		return ""
	}
	return AgentID(s[:idx])
}

// KeyID names a symmetric read key: "key_z<..>".
type KeyID string

// TxID addresses one transaction. Branch is set for transactions that a
// branch view reads from the branch itself rather than from its source.
type TxID struct {
	SessionID SessionID `json:"sessionID"`
	TxIndex   int       `json:"txIndex"`
	Branch    RawCoID   `json:"branch,omitempty"`
}

// String renders "[branch@]sessionID:txIndex".
func (t TxID) String() string {
	return branchPrefix(t.Branch) + string(t.SessionID) + ":" + strconv.Itoa(t.TxIndex)
}

func branchPrefix(b RawCoID) string {
	if b == "" {
		return ""
	}
	return string(b) + branchSeparator
}

// OpID addresses a single change inside a transaction. List items are
// identified by the OpID of their insertion.
type OpID struct {
	SessionID SessionID `json:"sessionID"`
	TxIndex   int       `json:"txIndex"`
	ChangeIdx int       `json:"changeIdx"`
	Branch    RawCoID   `json:"branch,omitempty"`
}

// NewOpID addresses change changeIdx of tx.
func NewOpID(tx TxID, changeIdx int) OpID {
	return OpID{SessionID: tx.SessionID, TxIndex: tx.TxIndex, ChangeIdx: changeIdx, Branch: tx.Branch}
}

// TxID returns the transaction that contains the op.
func (o OpID) TxID() TxID {
	return TxID{SessionID: o.SessionID, TxIndex: o.TxIndex, Branch: o.Branch}
}

// IsZero reports whether o is the zero OpID.
func (o OpID) IsZero() bool {
	return o == OpID{}
}

// String renders "[branch@]sessionID:txIndex:changeIdx", the form used
// inside changes.
func (o OpID) String() string {
	return o.TxID().String() + ":" + strconv.Itoa(o.ChangeIdx)
}

// Compare orders op ids by branch, session, transaction, then change index.
func (o OpID) Compare(other OpID) int {
	if c := strings.Compare(string(o.Branch), string(other.Branch)); c != 0 {
		return c
	}
	if c := strings.Compare(string(o.SessionID), string(other.SessionID)); c != 0 {
		return c
	}
	if o.TxIndex != other.TxIndex {
		if o.TxIndex < other.TxIndex {
			return -1
		}
		return 1
	}
	switch {
	case o.ChangeIdx < other.ChangeIdx:
		return -1
	case o.ChangeIdx > other.ChangeIdx:
		return 1
	}
	return 0
}

// ParseOpID parses the "[branch@]sessionID:txIndex:changeIdx" form.
func ParseOpID(s string) (OpID, error) {
	var branch RawCoID
	if b, rest, ok := strings.Cut(s, branchSeparator); ok {
		branch, s = RawCoID(b), rest
	}
	last := strings.LastIndex(s, ":")
	if last < 0 {
		return OpID{}, fmt.Errorf("parse op id %q: missing change index", s)
	}
	mid := strings.LastIndex(s[:last], ":")
	if mid < 0 {
		return OpID{}, fmt.Errorf("parse op id %q: missing tx index", s)
	}
	txIdx, err := strconv.Atoi(s[mid+1 : last])
	if err != nil {
		return OpID{}, fmt.Errorf("parse op id %q: %w", s, err)
	}
	changeIdx, err := strconv.Atoi(s[last+1:])
	if err != nil {
		return OpID{}, fmt.Errorf("parse op id %q: %w", s, err)
	}
	return OpID{SessionID: SessionID(s[:mid]), TxIndex: txIdx, ChangeIdx: changeIdx, Branch: branch}, nil
}

// Anchor is a list insertion reference: either an OpID or the special
// "start" / "end" positions.
type Anchor struct {
	Op    OpID
	Start bool
	End   bool
}

// StartAnchor is the position before the first item.
func StartAnchor() Anchor { return Anchor{Start: true} }

// EndAnchor is the position after the last item.
func EndAnchor() Anchor { return Anchor{End: true} }

// OpAnchor references an existing item.
func OpAnchor(op OpID) Anchor { return Anchor{Op: op} }

// Value encodes the anchor as it appears inside a change.
func (a Anchor) Value() Value {
	switch {
	case a.Start:
		return String(startAnchor)
	case a.End:
		return String(endAnchor)
	default:
		return String(a.Op.String())
	}
}

// ParseAnchor decodes a change anchor.
func ParseAnchor(v Value) (Anchor, error) {
	s, ok := v.(String)
	if !ok {
		return Anchor{}, fmt.Errorf("anchor must be a string, got %T", v)
	}
	switch string(s) {
	case startAnchor:
		return StartAnchor(), nil
	case endAnchor:
		return EndAnchor(), nil
	}
	op, err := ParseOpID(string(s))
	if err != nil {
		return Anchor{}, err
	}
	return OpAnchor(op), nil
}
