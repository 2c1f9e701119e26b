// Package session implements the append-only, signed transaction log of
// one agent session for one CoValue.
//
// A log keeps a running hash chain over the canonical form of every
// transaction. Signatures cover the chain head, so verifying a run of new
// transactions needs only the previous head and the new transactions.
// Checkpoint signatures are recorded whenever the bytes written since the
// previous checkpoint exceed ir.MaxRecommendedTxSize; content is streamed
// to peers in chunks that end at checkpoints.
package session

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/garden-co/cojson/internal/crypto"
	"github.com/garden-co/cojson/internal/ir"
)

var (
	// ErrInvalidAssumption is returned when a run of transactions does not
	// start exactly at the current length of the log.
	ErrInvalidAssumption = errors.New("invalid assumption")

	// ErrSignatureMismatch is returned when a signature does not verify
	// against the chain head the run would produce.
	ErrSignatureMismatch = errors.New("signature mismatch")

	// ErrDecryptionFailed is returned for private transactions that cannot
	// be opened with the supplied key.
	ErrDecryptionFailed = crypto.ErrDecryptionFailed
)

// Log is one session's transactions for one CoValue.
// A Log is not safe for concurrent use; the owning core serializes access.
type Log struct {
	coID      ir.RawCoID
	sessionID ir.SessionID
	signerID  string
	provider  crypto.Provider

	txs            []ir.Transaction
	lastHash       [32]byte
	lastSignature  crypto.Signature
	signatureAfter map[int]crypto.Signature
	unsignedBytes  int
}

// New returns an empty log for sessionID in coID. The verifying key is
// taken from the agent part of the session id.
func New(provider crypto.Provider, coID ir.RawCoID, sessionID ir.SessionID) *Log {
	return &Log{
		coID:           coID,
		sessionID:      sessionID,
		signerID:       sessionID.Agent().SignerID(),
		provider:       provider,
		signatureAfter: map[int]crypto.Signature{},
	}
}

// SessionID returns the session this log belongs to.
func (l *Log) SessionID() ir.SessionID { return l.sessionID }

// Len returns the number of transactions in the log.
func (l *Log) Len() int { return len(l.txs) }

// LastSignature returns the signature over the current chain head.
func (l *Log) LastSignature() crypto.Signature { return l.lastSignature }

// LastHash returns the current chain head.
func (l *Log) LastHash() [32]byte { return l.lastHash }

// Transaction returns the transaction at idx.
func (l *Log) Transaction(idx int) (ir.Transaction, bool) {
	if idx < 0 || idx >= len(l.txs) {
		return ir.Transaction{}, false
	}
	return l.txs[idx], true
}

// Transactions returns a copy of all transactions.
func (l *Log) Transactions() []ir.Transaction {
	return slices.Clone(l.txs)
}

// TransactionsSince returns a copy of the transactions from idx on.
func (l *Log) TransactionsSince(idx int) []ir.Transaction {
	if idx >= len(l.txs) {
		return nil
	}
	return slices.Clone(l.txs[max(idx, 0):])
}

// SignatureAfter returns a copy of the checkpoint signatures keyed by the
// index of the last transaction they cover.
func (l *Log) SignatureAfter() map[int]crypto.Signature {
	return maps.Clone(l.signatureAfter)
}

// Chunk is a contiguous run of transactions ending at a signed point.
type Chunk struct {
	After        int
	Transactions []ir.Transaction
	Signature    crypto.Signature
}

// ChunksSince splits the transactions from idx on at checkpoint
// signatures. The last chunk always ends at the log head.
func (l *Log) ChunksSince(idx int) []Chunk {
	if idx >= len(l.txs) {
		return nil
	}
	idx = max(idx, 0)

	var chunks []Chunk
	start := idx
	for _, cp := range slices.Sorted(maps.Keys(l.signatureAfter)) {
		if cp < start || cp >= len(l.txs)-1 {
			continue
		}
		chunks = append(chunks, Chunk{
			After:        start,
			Transactions: slices.Clone(l.txs[start : cp+1]),
			Signature:    l.signatureAfter[cp],
		})
		start = cp + 1
	}
	chunks = append(chunks, Chunk{
		After:        start,
		Transactions: slices.Clone(l.txs[start:]),
		Signature:    l.lastSignature,
	})
	return chunks
}

// headAfter computes the chain head after appending txs.
func (l *Log) headAfter(txs []ir.Transaction) [32]byte {
	head := l.lastHash
	for _, tx := range txs {
		head = ir.ChainHash(head, tx.Canonical())
	}
	return head
}

// TryAdd appends a contiguous run of transactions starting at after.
//
// The run must start at the current length (ErrInvalidAssumption
// otherwise) and sig must verify against the resulting chain head unless
// skipVerify is set (ErrSignatureMismatch otherwise). On error the log is
// unchanged.
func (l *Log) TryAdd(after int, txs []ir.Transaction, sig crypto.Signature, skipVerify bool) error {
	if after != len(l.txs) {
		return fmt.Errorf("%w: session %s has %d transactions, run starts at %d",
			ErrInvalidAssumption, l.sessionID, len(l.txs), after)
	}
	if len(txs) == 0 {
		return nil
	}

	head := l.headAfter(txs)
	if !skipVerify && !l.provider.Verify(l.signerID, head[:], sig) {
		return fmt.Errorf("%w: session %s after %d", ErrSignatureMismatch, l.sessionID, after+len(txs))
	}

	l.commit(txs, head, sig)
	return nil
}

func (l *Log) commit(txs []ir.Transaction, head [32]byte, sig crypto.Signature) {
	for _, tx := range txs {
		l.unsignedBytes += tx.Size()
	}
	l.txs = append(l.txs, txs...)
	l.lastHash = head
	l.lastSignature = sig
	if l.unsignedBytes > ir.MaxRecommendedTxSize {
		l.signatureAfter[len(l.txs)-1] = sig
		l.unsignedBytes = 0
	}
}

// RecordCheckpoint restores a checkpoint signature loaded from storage.
// The signature is not re-verified.
func (l *Log) RecordCheckpoint(idx int, sig crypto.Signature) {
	if idx < 0 || idx >= len(l.txs) {
		return
	}
	l.signatureAfter[idx] = sig
	if idx == len(l.txs)-1 {
		l.unsignedBytes = 0
	}
}

// AddNewTrustingTransaction appends a plaintext transaction authored
// locally and signs the new head.
func (l *Log) AddNewTrustingTransaction(changes ir.Array, meta ir.Object, madeAt int64, signer crypto.SignerSecret) (ir.Transaction, error) {
	changesJSON, err := ir.MarshalCanonical(changesOrEmpty(changes))
	if err != nil {
		return ir.Transaction{}, fmt.Errorf("serialize changes: %w", err)
	}
	tx := ir.Transaction{
		Privacy: ir.PrivacyTrusting,
		MadeAt:  madeAt,
		Changes: string(changesJSON),
	}
	if meta != nil {
		metaJSON, err := ir.MarshalCanonical(meta)
		if err != nil {
			return ir.Transaction{}, fmt.Errorf("serialize meta: %w", err)
		}
		tx.Meta = string(metaJSON)
	}
	return tx, l.appendSigned(tx, signer)
}

// AddNewPrivateTransaction encrypts changes (and meta) under key, appends
// the transaction and signs the new head. The nonce is derived from the
// CoValue id and the transaction's position.
func (l *Log) AddNewPrivateTransaction(changes ir.Array, keyID ir.KeyID, key crypto.KeySecret, meta ir.Object, madeAt int64, signer crypto.SignerSecret) (ir.Transaction, error) {
	changesJSON, err := ir.MarshalCanonical(changesOrEmpty(changes))
	if err != nil {
		return ir.Transaction{}, fmt.Errorf("serialize changes: %w", err)
	}
	material := crypto.NonceMaterial(l.coID, ir.TxID{SessionID: l.sessionID, TxIndex: len(l.txs)})

	encrypted, err := l.provider.Encrypt(key, changesJSON, material)
	if err != nil {
		return ir.Transaction{}, fmt.Errorf("encrypt changes: %w", err)
	}
	tx := ir.Transaction{
		Privacy:          ir.PrivacyPrivate,
		MadeAt:           madeAt,
		KeyUsed:          keyID,
		EncryptedChanges: encrypted,
	}
	if meta != nil {
		metaJSON, err := ir.MarshalCanonical(meta)
		if err != nil {
			return ir.Transaction{}, fmt.Errorf("serialize meta: %w", err)
		}
		encMeta, err := l.provider.Encrypt(key, metaJSON, metaNonceMaterial(material))
		if err != nil {
			return ir.Transaction{}, fmt.Errorf("encrypt meta: %w", err)
		}
		tx.EncryptedMeta = encMeta
	}
	return tx, l.appendSigned(tx, signer)
}

func (l *Log) appendSigned(tx ir.Transaction, signer crypto.SignerSecret) error {
	head := ir.ChainHash(l.lastHash, tx.Canonical())
	sig, err := l.provider.Sign(signer, head[:])
	if err != nil {
		return fmt.Errorf("sign session %s: %w", l.sessionID, err)
	}
	l.commit([]ir.Transaction{tx}, head, sig)
	return nil
}

// DecryptNextTransactionChangesJSON returns the changes JSON of the
// transaction at idx. Trusting transactions return their plaintext; a
// private transaction with a wrong or absent key returns
// ErrDecryptionFailed.
func (l *Log) DecryptNextTransactionChangesJSON(idx int, key crypto.KeySecret) ([]byte, error) {
	tx, ok := l.Transaction(idx)
	if !ok {
		return nil, fmt.Errorf("session %s has no transaction %d", l.sessionID, idx)
	}
	if tx.Privacy == ir.PrivacyTrusting {
		return []byte(tx.Changes), nil
	}
	if key == "" {
		return nil, ErrDecryptionFailed
	}
	material := crypto.NonceMaterial(l.coID, ir.TxID{SessionID: l.sessionID, TxIndex: idx})
	pt, err := l.provider.Decrypt(key, tx.EncryptedChanges, material)
	if err != nil {
		return nil, fmt.Errorf("%w: %s:%d", ErrDecryptionFailed, l.sessionID, idx)
	}
	return pt, nil
}

// DecryptNextTransactionMetaJSON returns the meta JSON of the transaction
// at idx, or nil when it has none.
func (l *Log) DecryptNextTransactionMetaJSON(idx int, key crypto.KeySecret) ([]byte, error) {
	tx, ok := l.Transaction(idx)
	if !ok {
		return nil, fmt.Errorf("session %s has no transaction %d", l.sessionID, idx)
	}
	if tx.Privacy == ir.PrivacyTrusting {
		if tx.Meta == "" {
			return nil, nil
		}
		return []byte(tx.Meta), nil
	}
	if tx.EncryptedMeta == "" {
		return nil, nil
	}
	if key == "" {
		return nil, ErrDecryptionFailed
	}
	material := crypto.NonceMaterial(l.coID, ir.TxID{SessionID: l.sessionID, TxIndex: idx})
	pt, err := l.provider.Decrypt(key, tx.EncryptedMeta, metaNonceMaterial(material))
	if err != nil {
		return nil, fmt.Errorf("%w: meta %s:%d", ErrDecryptionFailed, l.sessionID, idx)
	}
	return pt, nil
}

// Clone returns an independent deep copy of the log.
func (l *Log) Clone() *Log {
	return &Log{
		coID:           l.coID,
		sessionID:      l.sessionID,
		signerID:       l.signerID,
		provider:       l.provider,
		txs:            slices.Clone(l.txs),
		lastHash:       l.lastHash,
		lastSignature:  l.lastSignature,
		signatureAfter: maps.Clone(l.signatureAfter),
		unsignedBytes:  l.unsignedBytes,
	}
}

// Truncated returns an independent copy holding only the first n
// transactions, rebuilding the chain head. The returned log has no
// signature over its head; callers append to it before using it.
func (l *Log) Truncated(n int) *Log {
	n = min(max(n, 0), len(l.txs))
	out := New(l.provider, l.coID, l.sessionID)
	out.txs = slices.Clone(l.txs[:n])
	for i, tx := range out.txs {
		out.lastHash = ir.ChainHash(out.lastHash, tx.Canonical())
		out.unsignedBytes += tx.Size()
		if sig, ok := l.signatureAfter[i]; ok {
			out.signatureAfter[i] = sig
			out.unsignedBytes = 0
		}
	}
	switch {
	case n == len(l.txs):
		out.lastSignature = l.lastSignature
	case n > 0:
		out.lastSignature = l.signatureAfter[n-1]
	}
	return out
}

func changesOrEmpty(changes ir.Array) ir.Array {
	if changes == nil {
		return ir.Array{}
	}
	return changes
}

// metaNonceMaterial keeps meta and changes of one transaction from sharing
// a nonce under the same key.
func metaNonceMaterial(material ir.Value) ir.Value {
	return ir.Object{"meta": material}
}
