// Package store persists CoValues behind a small Backend contract.
//
// A Backend stores four kinds of rows: CoValues (header plus tombstone
// flags), session heads, transactions and signature checkpoints. Three
// backends are provided:
//
//   - MemoryBackend: in process, the reference for the contract
//   - SQLiteBackend: WAL-mode SQLite with an embedded schema and
//     user_version migrations
//   - BadgerBackend: Badger key-value store; values are framed with a
//     compression tag (none, lz4, zstd)
//
// Storage drives a Backend from a single writer goroutine fed by a FIFO
// queue. Every call returns a Future or blocks on one, and a cache of
// known states lets callers compute what is missing without a read.
//
// # Checkpoints
//
// Storage records a signature checkpoint whenever the bytes written to a
// session since the last checkpoint exceed ir.MaxRecommendedTxSize, the
// same rule session logs use. Load splits sessions at those checkpoints so
// every replayed message verifies on its own.
//
// # Deletion
//
// Delete marks a CoValue; EraseDeleted drops its sessions but keeps the
// CoValue row as a tombstone. Content arriving for a tombstoned CoValue
// fails with ErrTombstoned, so a stale peer cannot bring it back.
package store
