package ir

import (
	"encoding/json"
	"fmt"

	"github.com/mr-tron/base58"
)

// CoValueType selects the resolver for a CoValue.
type CoValueType string

const (
	TypeMap       CoValueType = "comap"
	TypeList      CoValueType = "colist"
	TypeStream    CoValueType = "costream"
	TypePlainText CoValueType = "coplaintext"
)

// Valid reports whether t is a known CoValue type.
func (t CoValueType) Valid() bool {
	switch t {
	case TypeMap, TypeList, TypeStream, TypePlainText:
		return true
	}
	return false
}

// RulesetType is the ownership model recorded in a header.
type RulesetType string

const (
	RulesetUnsafeAllowAll RulesetType = "unsafeAllowAll"
	RulesetOwnedByGroup   RulesetType = "ownedByGroup"
	RulesetGroup          RulesetType = "group"
)

// Ruleset describes who owns a CoValue.
type Ruleset struct {
	Type         RulesetType `json:"type"`
	Group        RawCoID     `json:"group,omitempty"`
	InitialAdmin AgentID     `json:"initialAdmin,omitempty"`
}

// ToValue returns the canonical object form.
func (r Ruleset) ToValue() Object {
	obj := Object{"type": String(r.Type)}
	if r.Group != "" {
		obj["group"] = String(r.Group)
	}
	if r.InitialAdmin != "" {
		obj["initialAdmin"] = String(r.InitialAdmin)
	}
	return obj
}

// CoValueHeader is the immutable description of a CoValue. Its canonical
// hash is the CoValue's id.
type CoValueHeader struct {
	Type    CoValueType `json:"type"`
	Ruleset Ruleset     `json:"ruleset"`
	// Meta is arbitrary JSON; nil encodes as null.
	// Branches store {branch: name, source: sourceID}.
	Meta Object `json:"meta"`
	// Uniqueness salts the id; empty encodes as null.
	Uniqueness string `json:"uniqueness"`
}

// ToValue returns the canonical object form hashed into the id.
func (h CoValueHeader) ToValue() Object {
	obj := Object{
		"type":       String(h.Type),
		"ruleset":    h.Ruleset.ToValue(),
		"meta":       Null{},
		"uniqueness": Null{},
	}
	if h.Meta != nil {
		obj["meta"] = h.Meta
	}
	if h.Uniqueness != "" {
		obj["uniqueness"] = String(h.Uniqueness)
	}
	return obj
}

// MarshalJSON emits the canonical form.
func (h CoValueHeader) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(h.ToValue())
}

// UnmarshalJSON accepts null uniqueness and null meta.
func (h *CoValueHeader) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type       CoValueType     `json:"type"`
		Ruleset    Ruleset         `json:"ruleset"`
		Meta       Object          `json:"meta"`
		Uniqueness json.RawMessage `json:"uniqueness"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode header: %w", err)
	}
	h.Type = raw.Type
	h.Ruleset = raw.Ruleset
	h.Meta = raw.Meta
	h.Uniqueness = ""
	if len(raw.Uniqueness) > 0 && string(raw.Uniqueness) != "null" {
		uv, err := ParseValue(raw.Uniqueness)
		if err != nil {
			return fmt.Errorf("decode header uniqueness: %w", err)
		}
		switch u := uv.(type) {
		case String:
			h.Uniqueness = string(u)
		default:
			// Non-string salts keep their canonical text so ids stay stable.
			h.Uniqueness = string(MustMarshalCanonical(u))
		}
	}
	return nil
}

// IsGroup reports whether the header describes a group.
func (h CoValueHeader) IsGroup() bool {
	return h.Ruleset.Type == RulesetGroup
}

// BranchInfo returns the branch name and source for a branch header.
func (h CoValueHeader) BranchInfo() (name string, source RawCoID, ok bool) {
	name, okName := h.Meta.Str("branch")
	src, okSrc := h.Meta.Str("source")
	if !okName || !okSrc {
		return "", "", false
	}
	return name, RawCoID(src), true
}

// ShortHashLength is the number of hash bytes kept in a CoID.
const ShortHashLength = 19

// IDForHeader derives the content-addressed id of header.
func IDForHeader(h CoValueHeader) (RawCoID, error) {
	if !h.Type.Valid() {
		return "", fmt.Errorf("id for header: unknown type %q", h.Type)
	}
	canonical, err := MarshalCanonical(h.ToValue())
	if err != nil {
		return "", fmt.Errorf("id for header: %w", err)
	}
	sum := HashWithDomain(DomainHeader, canonical)
	return RawCoID(CoIDPrefix + base58.Encode(sum[:ShortHashLength])), nil
}

// MustIDForHeader is like IDForHeader but panics on error.
func MustIDForHeader(h CoValueHeader) RawCoID {
	id, err := IDForHeader(h)
	if err != nil {
		panic(err)
	}
	return id
}
