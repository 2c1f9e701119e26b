package store

import (
	"context"
	"errors"

	"github.com/garden-co/cojson/internal/crypto"
	"github.com/garden-co/cojson/internal/ir"
)

var (
	// ErrNotFound is returned when a CoValue or session has no row.
	ErrNotFound = errors.New("not found")
	// ErrTombstoned is returned for CoValues that were deleted. Their row
	// stays behind so stale content cannot bring them back.
	ErrTombstoned = errors.New("covalue deleted")
)

// CoValueRow is the stored record of one CoValue.
type CoValueRow struct {
	RowID  int64
	ID     ir.RawCoID
	Header *ir.CoValueHeader
	// Deleted is set by MarkCoValueAsDeleted; Erased once the content is
	// gone and only the tombstone remains.
	Deleted bool
	Erased  bool
}

// SessionRow is the stored head of one session.
type SessionRow struct {
	RowID         int64
	CoValue       int64
	SessionID     ir.SessionID
	TxCount       int
	LastSignature crypto.Signature
	// BytesSinceLastSignature counts transaction bytes written since the
	// last stored signature checkpoint.
	BytesSinceLastSignature int
}

// TransactionRow is one stored transaction.
type TransactionRow struct {
	Session int64
	Idx     int
	Tx      ir.Transaction
}

// SignatureRow is a signature checkpoint: Signature signs the session
// head after transaction Idx.
type SignatureRow struct {
	Session   int64
	Idx       int
	Signature crypto.Signature
}

// SyncStateUpdate records whether a CoValue is in sync with a peer.
type SyncStateUpdate struct {
	ID     ir.RawCoID
	PeerID string
	Synced bool
}

// Backend is the persistence contract. Implementations must make the
// writes inside Transaction atomic and must keep tombstones of erased
// CoValues.
type Backend interface {
	// GetCoValue returns ErrNotFound for unknown ids.
	GetCoValue(ctx context.Context, id ir.RawCoID) (CoValueRow, error)
	// UpsertCoValue creates the row or fills in a missing header and
	// returns the row id.
	UpsertCoValue(ctx context.Context, id ir.RawCoID, header *ir.CoValueHeader) (int64, error)
	// GetCoValueSessions returns the sessions of a CoValue sorted by id.
	GetCoValueSessions(ctx context.Context, coValue int64) ([]SessionRow, error)
	// GetSingleCoValueSession returns ErrNotFound for unknown sessions.
	GetSingleCoValueSession(ctx context.Context, coValue int64, sid ir.SessionID) (SessionRow, error)
	// GetNewTransactionsInSession returns the transactions with
	// fromIdx <= idx <= toIdx in order.
	GetNewTransactionsInSession(ctx context.Context, session int64, fromIdx, toIdx int) ([]TransactionRow, error)
	// GetSignatures returns the checkpoints with idx >= fromIdx in order.
	GetSignatures(ctx context.Context, session int64, fromIdx int) ([]SignatureRow, error)
	// AddSessionUpdate creates or replaces a session head and returns its
	// row id.
	AddSessionUpdate(ctx context.Context, row SessionRow) (int64, error)
	AddTransaction(ctx context.Context, session int64, idx int, tx ir.Transaction) error
	AddSignatureAfter(ctx context.Context, session int64, idx int, sig crypto.Signature) error
	// DeleteSession drops a session with its transactions and
	// signatures. Used when a recovered session replaces the stored one.
	DeleteSession(ctx context.Context, session int64) error

	// MarkCoValueAsDeleted queues a CoValue for erasure.
	MarkCoValueAsDeleted(ctx context.Context, id ir.RawCoID) error
	// EraseCoValueButKeepTombstone drops sessions, transactions and
	// signatures but keeps the CoValue row marked deleted.
	EraseCoValueButKeepTombstone(ctx context.Context, id ir.RawCoID) error
	GetAllCoValuesWaitingForDelete(ctx context.Context) ([]ir.RawCoID, error)

	TrackCoValuesSyncState(ctx context.Context, updates []SyncStateUpdate) error
	// GetUnsyncedCoValueIDs returns the ids not in sync with at least one
	// tracked peer, sorted.
	GetUnsyncedCoValueIDs(ctx context.Context) ([]ir.RawCoID, error)
	StopTrackingSyncState(ctx context.Context, id ir.RawCoID) error

	// Transaction runs fn atomically. Calls on the Backend passed to fn
	// join the transaction.
	Transaction(ctx context.Context, fn func(tx Backend) error) error
	Close() error
}
