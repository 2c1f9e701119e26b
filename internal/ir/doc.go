// Package ir provides the canonical records shared by every cojson package.
//
// This package contains value and record definitions only. All other
// internal packages import ir; ir imports nothing internal. This keeps
// identifiers, headers, transactions and known states as the foundational
// layer with no circular dependencies.
//
// Key design constraints:
//   - Identity is content-addressed: a CoValue id is a hash of its canonical header
//   - Canonical JSON (sorted keys, NFC strings, no HTML escaping) is the only
//     serialization used for hashing and signing
//   - Resolution order is (madeAt, sessionID, txIndex), never arrival order
//   - All JSON tags use the camelCase names of the wire protocol
package ir
