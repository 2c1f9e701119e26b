package ir

import (
	"cmp"
	"strings"
)

// Privacy marks whether a transaction's changes are plaintext or encrypted.
type Privacy string

const (
	PrivacyTrusting Privacy = "trusting"
	PrivacyPrivate  Privacy = "private"
)

// Transaction is one signed unit of change in a session.
//
// Trusting transactions carry Changes (and optionally Meta) as canonical
// JSON strings. Private transactions carry EncryptedChanges (and optionally
// EncryptedMeta) sealed under KeyUsed.
type Transaction struct {
	Privacy          Privacy `json:"privacy"`
	MadeAt           int64   `json:"madeAt"`
	KeyUsed          KeyID   `json:"keyUsed,omitempty"`
	EncryptedChanges string  `json:"encryptedChanges,omitempty"`
	EncryptedMeta    string  `json:"encryptedMeta,omitempty"`
	Changes          string  `json:"changes,omitempty"`
	Meta             string  `json:"meta,omitempty"`
}

// ToValue returns the canonical object form fed into the hash chain.
func (tx Transaction) ToValue() Object {
	obj := Object{
		"privacy": String(tx.Privacy),
		"madeAt":  Int(tx.MadeAt),
	}
	if tx.Privacy == PrivacyPrivate {
		obj["keyUsed"] = String(tx.KeyUsed)
		obj["encryptedChanges"] = String(tx.EncryptedChanges)
		if tx.EncryptedMeta != "" {
			obj["encryptedMeta"] = String(tx.EncryptedMeta)
		}
		return obj
	}
	obj["changes"] = String(tx.Changes)
	if tx.Meta != "" {
		obj["meta"] = String(tx.Meta)
	}
	return obj
}

// Canonical returns the canonical JSON bytes of the transaction.
func (tx Transaction) Canonical() []byte {
	// Transactions hold only strings and ints, which always marshal.
	return MustMarshalCanonical(tx.ToValue())
}

// Size approximates the payload size used for signature checkpoints.
func (tx Transaction) Size() int {
	if tx.Privacy == PrivacyPrivate {
		return len(tx.EncryptedChanges) + len(tx.EncryptedMeta)
	}
	return len(tx.Changes) + len(tx.Meta)
}

// MaxRecommendedTxSize bounds the unsigned bytes between two signature
// checkpoints in a session.
const MaxRecommendedTxSize = 100 * 1024

// ValidTransaction is a verified (and, if private, decrypted) transaction
// ready for resolution.
type ValidTransaction struct {
	TxID    TxID
	MadeAt  int64
	Privacy Privacy
	Changes Array
	// Meta is nil when the transaction carries none.
	Meta Object
}

// CompareTransactions is the resolution order: madeAt, then session id,
// then transaction index.
func CompareTransactions(a, b ValidTransaction) int {
	if c := cmp.Compare(a.MadeAt, b.MadeAt); c != 0 {
		return c
	}
	if c := strings.Compare(string(a.TxID.SessionID), string(b.TxID.SessionID)); c != 0 {
		return c
	}
	if c := cmp.Compare(a.TxID.TxIndex, b.TxID.TxIndex); c != 0 {
		return c
	}
	return strings.Compare(string(a.TxID.Branch), string(b.TxID.Branch))
}
