// Package engine implements the sync manager: the protocol state machine
// that keeps CoValues in step between peers.
//
// Single-writer event loop:
// Manager.Run handles every peer message, peer lifecycle change and local
// change notification in one goroutine, in FIFO order. Per-(value, peer)
// state lives only there: what the peer confirmed (known), what we sent
// it since (optimistic) and whether it asked for the value.
//
// Protocol:
//   - load: the peer tells us what it has and wants the rest.
//   - known: acknowledgement, or a correction when isCorrection is set.
//   - content: new transactions per session, each run asserting with
//     after how many the receiver already holds. Runs that do not line up
//     are skipped and answered with a correction carrying our true state;
//     re-delivered prefixes are skipped silently.
//   - signatureMismatch: a peer's own version of a session that failed to
//     verify. For our own session it triggers recovery.
//   - batch: several of the above applied in order.
//
// Dependencies of a value (owning group, branch source, referenced
// values) are pushed before the value itself.
//
// Priorities:
// Each peer has an outbox with three lanes. HIGH (groups and control
// messages) is always served first, MEDIUM drains completely before LOW,
// and order within a lane is FIFO. Large values are split at signature
// checkpoints and the writer yields between chunks.
package engine
