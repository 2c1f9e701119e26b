package core

import (
	"errors"
	"slices"

	"github.com/garden-co/cojson/internal/crypto"
	"github.com/garden-co/cojson/internal/ir"
	"github.com/garden-co/cojson/internal/session"
)

// Meta keys written by branch and merge transactions.
const (
	MetaBranch        = "branch"
	MetaBranchCreated = "branchCreated"
	MetaBranchID      = "branchId"
	MetaOwner         = "owner"
	MetaMerge         = "merge"
	MetaMergeBranch   = "b"
	MetaMergeSession  = "s"
	MetaMergeIndex    = "i"
	MetaMergeEnd      = "mergeEnd"
)

type decodedTx struct {
	madeAt  int64
	privacy ir.Privacy
	changes ir.Array
	meta    ir.Object
}

// mergeRun tracks an open run of replayed transactions in one session.
type mergeRun struct {
	branch   ir.RawCoID
	session  ir.SessionID
	startIdx int // branch index of the first replayed transaction
	startAt  int // target index of the first replayed transaction
}

// View is a snapshot of valid transactions.
type View struct {
	// Transactions in resolution order.
	Transactions []ir.ValidTransaction
	// Covered is the per-session count of own transactions the view
	// accounts for; pass it back as the floor for incremental reads.
	Covered ir.SessionCounts
	// Generation identifies the resolution epoch; see Core.Generation.
	Generation uint64
}

// ValidTransactions returns the verified, decrypted transactions ordered by
// (madeAt, sessionID, txIndex).
//
// With a nil floor the full view is returned, including the source
// transactions a branch inherits from its fork point. With a non-nil floor
// only own transactions at or beyond floor[session] are returned, which is
// what incremental resolvers need. Transactions that cannot be decrypted
// are skipped as gaps.
func (c *Core) ValidTransactions(floor ir.SessionCounts) View {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.decodeNewLocked()
	if floor == nil {
		c.retryGapsLocked()
	}

	branchTag := ir.RawCoID("")
	if _, _, ok := c.header.BranchInfo(); ok {
		branchTag = c.id
	}

	var out []ir.ValidTransaction
	for sid, log := range c.sessions {
		from := 0
		if floor != nil {
			from = floor[sid]
		}
		for idx := from; idx < log.Len(); idx++ {
			d, ok := c.decoded[ir.TxID{SessionID: sid, TxIndex: idx}]
			if !ok {
				continue
			}
			out = append(out, ir.ValidTransaction{
				TxID:    ir.TxID{SessionID: sid, TxIndex: idx, Branch: branchTag},
				MadeAt:  d.madeAt,
				Privacy: d.privacy,
				Changes: d.changes,
				Meta:    d.meta,
			})
		}
	}

	if branchTag != "" {
		if floor == nil {
			base, ok := c.branchBaseLocked()
			c.baseLoaded = ok
			out = append(out, base...)
		} else if !c.baseLoaded && c.branchBaseAvailableLocked() {
			c.generation++
		}
	}

	slices.SortFunc(out, ir.CompareTransactions)
	return View{
		Transactions: out,
		Covered:      c.knownStateLocked().Sessions,
		Generation:   c.generation,
	}
}

// decodeNewLocked decodes every transaction appended since the last call.
func (c *Core) decodeNewLocked() {
	for sid, log := range c.sessions {
		for idx := c.decodedUpTo[sid]; idx < log.Len(); idx++ {
			c.decodeLocked(log, sid, idx)
		}
		c.decodedUpTo[sid] = log.Len()
	}
}

func (c *Core) retryGapsLocked() {
	for txID := range c.gaps {
		log, ok := c.sessions[txID.SessionID]
		if !ok {
			delete(c.gaps, txID)
			continue
		}
		if c.decodeLocked(log, txID.SessionID, txID.TxIndex) {
			delete(c.gaps, txID)
		}
	}
}

// decodeLocked decodes one transaction into the cache. It reports whether
// the transaction is now readable.
func (c *Core) decodeLocked(log *session.Log, sid ir.SessionID, idx int) bool {
	txID := ir.TxID{SessionID: sid, TxIndex: idx}
	tx, _ := log.Transaction(idx)

	var key crypto.KeySecret
	if tx.Privacy == ir.PrivacyPrivate && c.keys != nil {
		key, _ = c.keys.ReadKey(tx.KeyUsed)
	}

	changesJSON, err := log.DecryptNextTransactionChangesJSON(idx, key)
	if err != nil {
		if errors.Is(err, session.ErrDecryptionFailed) {
			c.gaps[txID] = struct{}{}
			c.logger.Debug("decryption gap", "id", c.id, "tx", txID.String(), "key", tx.KeyUsed)
			return false
		}
		c.logger.Warn("unreadable transaction", "id", c.id, "tx", txID.String(), "error", err)
		return false
	}
	changesValue, err := ir.ParseValue(changesJSON)
	changes, isArray := changesValue.(ir.Array)
	if err != nil || !isArray {
		c.logger.Warn("malformed changes", "id", c.id, "tx", txID.String(), "error", err)
		return false
	}

	var meta ir.Object
	metaJSON, err := log.DecryptNextTransactionMetaJSON(idx, key)
	if err != nil {
		c.gaps[txID] = struct{}{}
		return false
	}
	if metaJSON != nil {
		metaValue, err := ir.ParseValue(metaJSON)
		if obj, ok := metaValue.(ir.Object); err == nil && ok {
			meta = obj
		}
	}

	c.decoded[txID] = decodedTx{madeAt: tx.MadeAt, privacy: tx.Privacy, changes: changes, meta: meta}
	c.trackMergeLocked(sid, idx, meta)
	collectCoIDs(changes, c.deps)
	return true
}

// trackMergeLocked maintains merge aliases: the first replayed transaction
// of a run names its branch origin, the following ones map one-to-one
// until the transaction tagged mergeEnd.
func (c *Core) trackMergeLocked(sid ir.SessionID, idx int, meta ir.Object) {
	if meta.Has(MetaMerge) {
		b, _ := meta.Str(MetaMergeBranch)
		s, _ := meta.Str(MetaMergeSession)
		i, _ := meta.Int(MetaMergeIndex)
		c.runs[sid] = &mergeRun{branch: ir.RawCoID(b), session: ir.SessionID(s), startIdx: int(i), startAt: idx}
	}
	run := c.runs[sid]
	if run == nil {
		return
	}
	branchTx := ir.TxID{Branch: run.branch, SessionID: run.session, TxIndex: run.startIdx + idx - run.startAt}
	c.aliases[branchTx] = ir.TxID{SessionID: sid, TxIndex: idx}
	if end, ok := meta[MetaMergeEnd].(ir.Bool); ok && bool(end) {
		delete(c.runs, sid)
	}
}

// MergedTxAlias maps a transaction of a merged branch to the transaction
// that replayed it here.
func (c *Core) MergedTxAlias(branchTx ir.TxID) (ir.TxID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decodeNewLocked()
	target, ok := c.aliases[branchTx]
	return target, ok
}

// DecryptionGaps returns the transactions that could not be decrypted.
func (c *Core) DecryptionGaps() []ir.TxID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decodeNewLocked()
	out := make([]ir.TxID, 0, len(c.gaps))
	for id := range c.gaps {
		out = append(out, id)
	}
	slices.SortFunc(out, func(a, b ir.TxID) int {
		return ir.NewOpID(a, 0).Compare(ir.NewOpID(b, 0))
	})
	return out
}

// ownDecodedLocked returns the decoded own transactions of one session in
// index order.
func (c *Core) ownDecodedLocked(sid ir.SessionID) []ir.ValidTransaction {
	log, ok := c.sessions[sid]
	if !ok {
		return nil
	}
	var out []ir.ValidTransaction
	for idx := 0; idx < log.Len(); idx++ {
		d, ok := c.decoded[ir.TxID{SessionID: sid, TxIndex: idx}]
		if !ok {
			continue
		}
		out = append(out, ir.ValidTransaction{
			TxID:    ir.TxID{SessionID: sid, TxIndex: idx},
			MadeAt:  d.madeAt,
			Privacy: d.privacy,
			Changes: d.changes,
			Meta:    d.meta,
		})
	}
	return out
}

// forkStateLocked returns the source counts recorded by the branch commit.
func (c *Core) forkStateLocked() (ir.SessionCounts, bool) {
	for _, d := range c.decoded {
		if counts, ok := d.meta.Obj(MetaBranch); ok {
			return ir.SessionCountsFromValue(counts), true
		}
	}
	return nil, false
}

func (c *Core) branchSourceLocked() (*Core, bool) {
	_, sourceID, ok := c.header.BranchInfo()
	if !ok || c.registry == nil {
		return nil, false
	}
	return c.registry.Core(sourceID)
}

func (c *Core) branchBaseAvailableLocked() bool {
	if _, ok := c.forkStateLocked(); !ok {
		return false
	}
	_, ok := c.branchSourceLocked()
	return ok
}

// branchBaseLocked returns the source transactions visible to the branch:
// the source's own transactions within the fork known state, plus whatever
// the source itself inherited when it is a branch too.
func (c *Core) branchBaseLocked() ([]ir.ValidTransaction, bool) {
	fork, ok := c.forkStateLocked()
	if !ok {
		return nil, false
	}
	source, ok := c.branchSourceLocked()
	if !ok {
		return nil, false
	}
	sourceTag := ir.RawCoID("")
	if _, _, ok := source.Header().BranchInfo(); ok {
		sourceTag = source.ID()
	}
	var out []ir.ValidTransaction
	for _, tx := range source.ValidTransactions(nil).Transactions {
		if tx.TxID.Branch == sourceTag && tx.TxID.TxIndex >= fork[tx.TxID.SessionID] {
			continue
		}
		out = append(out, tx)
	}
	return out, true
}

// collectCoIDs records every string in v that is a CoValue id.
func collectCoIDs(v ir.Value, into map[ir.RawCoID]struct{}) {
	switch val := v.(type) {
	case ir.String:
		if ir.IsCoID(string(val)) {
			into[ir.RawCoID(val)] = struct{}{}
		}
	case ir.Array:
		for _, elem := range val {
			collectCoIDs(elem, into)
		}
	case ir.Object:
		for _, elem := range val {
			collectCoIDs(elem, into)
		}
	}
}
