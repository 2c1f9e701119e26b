package store

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/garden-co/cojson/internal/crypto"
	"github.com/garden-co/cojson/internal/ir"
)

// MemoryBackend keeps everything in process. It is the reference
// implementation of the contract and the default for tests.
type MemoryBackend struct {
	mu    sync.Mutex
	state *memoryState
}

// NewMemoryBackend returns an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{state: newMemoryState()}
}

type memSessionKey struct {
	coValue int64
	sid     ir.SessionID
}

type memoryState struct {
	nextRow   int64
	coValues  map[ir.RawCoID]CoValueRow
	sessions  map[int64]SessionRow
	bySession map[memSessionKey]int64
	txs       map[int64]map[int]ir.Transaction
	sigs      map[int64]map[int]crypto.Signature
	waiting   map[ir.RawCoID]bool
	sync      map[ir.RawCoID]map[string]bool
}

func newMemoryState() *memoryState {
	return &memoryState{
		coValues:  map[ir.RawCoID]CoValueRow{},
		sessions:  map[int64]SessionRow{},
		bySession: map[memSessionKey]int64{},
		txs:       map[int64]map[int]ir.Transaction{},
		sigs:      map[int64]map[int]crypto.Signature{},
		waiting:   map[ir.RawCoID]bool{},
		sync:      map[ir.RawCoID]map[string]bool{},
	}
}

func (s *memoryState) clone() *memoryState {
	out := &memoryState{
		nextRow:   s.nextRow,
		coValues:  maps.Clone(s.coValues),
		sessions:  maps.Clone(s.sessions),
		bySession: maps.Clone(s.bySession),
		txs:       make(map[int64]map[int]ir.Transaction, len(s.txs)),
		sigs:      make(map[int64]map[int]crypto.Signature, len(s.sigs)),
		waiting:   maps.Clone(s.waiting),
		sync:      make(map[ir.RawCoID]map[string]bool, len(s.sync)),
	}
	for k, v := range s.txs {
		out.txs[k] = maps.Clone(v)
	}
	for k, v := range s.sigs {
		out.sigs[k] = maps.Clone(v)
	}
	for k, v := range s.sync {
		out.sync[k] = maps.Clone(v)
	}
	return out
}

// memoryTx runs contract calls against one state without locking; the
// owning MemoryBackend holds the lock.
type memoryTx struct {
	s *memoryState
}

func (b *MemoryBackend) run(fn func(tx *memoryTx) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fn(&memoryTx{s: b.state})
}

func (b *MemoryBackend) GetCoValue(ctx context.Context, id ir.RawCoID) (row CoValueRow, err error) {
	err = b.run(func(tx *memoryTx) error { row, err = tx.GetCoValue(ctx, id); return err })
	return row, err
}

func (b *MemoryBackend) UpsertCoValue(ctx context.Context, id ir.RawCoID, header *ir.CoValueHeader) (rowID int64, err error) {
	err = b.run(func(tx *memoryTx) error { rowID, err = tx.UpsertCoValue(ctx, id, header); return err })
	return rowID, err
}

func (b *MemoryBackend) GetCoValueSessions(ctx context.Context, coValue int64) (rows []SessionRow, err error) {
	err = b.run(func(tx *memoryTx) error { rows, err = tx.GetCoValueSessions(ctx, coValue); return err })
	return rows, err
}

func (b *MemoryBackend) GetSingleCoValueSession(ctx context.Context, coValue int64, sid ir.SessionID) (row SessionRow, err error) {
	err = b.run(func(tx *memoryTx) error { row, err = tx.GetSingleCoValueSession(ctx, coValue, sid); return err })
	return row, err
}

func (b *MemoryBackend) GetNewTransactionsInSession(ctx context.Context, session int64, fromIdx, toIdx int) (rows []TransactionRow, err error) {
	err = b.run(func(tx *memoryTx) error {
		rows, err = tx.GetNewTransactionsInSession(ctx, session, fromIdx, toIdx)
		return err
	})
	return rows, err
}

func (b *MemoryBackend) GetSignatures(ctx context.Context, session int64, fromIdx int) (rows []SignatureRow, err error) {
	err = b.run(func(tx *memoryTx) error { rows, err = tx.GetSignatures(ctx, session, fromIdx); return err })
	return rows, err
}

func (b *MemoryBackend) AddSessionUpdate(ctx context.Context, row SessionRow) (rowID int64, err error) {
	err = b.run(func(tx *memoryTx) error { rowID, err = tx.AddSessionUpdate(ctx, row); return err })
	return rowID, err
}

func (b *MemoryBackend) AddTransaction(ctx context.Context, session int64, idx int, t ir.Transaction) error {
	return b.run(func(tx *memoryTx) error { return tx.AddTransaction(ctx, session, idx, t) })
}

func (b *MemoryBackend) AddSignatureAfter(ctx context.Context, session int64, idx int, sig crypto.Signature) error {
	return b.run(func(tx *memoryTx) error { return tx.AddSignatureAfter(ctx, session, idx, sig) })
}

func (b *MemoryBackend) DeleteSession(ctx context.Context, session int64) error {
	return b.run(func(tx *memoryTx) error { return tx.DeleteSession(ctx, session) })
}

func (b *MemoryBackend) MarkCoValueAsDeleted(ctx context.Context, id ir.RawCoID) error {
	return b.run(func(tx *memoryTx) error { return tx.MarkCoValueAsDeleted(ctx, id) })
}

func (b *MemoryBackend) EraseCoValueButKeepTombstone(ctx context.Context, id ir.RawCoID) error {
	return b.run(func(tx *memoryTx) error { return tx.EraseCoValueButKeepTombstone(ctx, id) })
}

func (b *MemoryBackend) GetAllCoValuesWaitingForDelete(ctx context.Context) (ids []ir.RawCoID, err error) {
	err = b.run(func(tx *memoryTx) error { ids, err = tx.GetAllCoValuesWaitingForDelete(ctx); return err })
	return ids, err
}

func (b *MemoryBackend) TrackCoValuesSyncState(ctx context.Context, updates []SyncStateUpdate) error {
	return b.run(func(tx *memoryTx) error { return tx.TrackCoValuesSyncState(ctx, updates) })
}

func (b *MemoryBackend) GetUnsyncedCoValueIDs(ctx context.Context) (ids []ir.RawCoID, err error) {
	err = b.run(func(tx *memoryTx) error { ids, err = tx.GetUnsyncedCoValueIDs(ctx); return err })
	return ids, err
}

func (b *MemoryBackend) StopTrackingSyncState(ctx context.Context, id ir.RawCoID) error {
	return b.run(func(tx *memoryTx) error { return tx.StopTrackingSyncState(ctx, id) })
}

// Transaction runs fn on a copy of the state and swaps it in on success.
func (b *MemoryBackend) Transaction(ctx context.Context, fn func(tx Backend) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	work := b.state.clone()
	if err := fn(&memoryTx{s: work}); err != nil {
		return err
	}
	b.state = work
	return nil
}

// Close is a no-op.
func (b *MemoryBackend) Close() error { return nil }

func (t *memoryTx) GetCoValue(_ context.Context, id ir.RawCoID) (CoValueRow, error) {
	row, ok := t.s.coValues[id]
	if !ok {
		return CoValueRow{}, ErrNotFound
	}
	return row, nil
}

func (t *memoryTx) UpsertCoValue(_ context.Context, id ir.RawCoID, header *ir.CoValueHeader) (int64, error) {
	row, ok := t.s.coValues[id]
	if !ok {
		t.s.nextRow++
		row = CoValueRow{RowID: t.s.nextRow, ID: id}
	}
	if row.Header == nil && header != nil {
		h := *header
		row.Header = &h
	}
	t.s.coValues[id] = row
	return row.RowID, nil
}

func (t *memoryTx) GetCoValueSessions(_ context.Context, coValue int64) ([]SessionRow, error) {
	var out []SessionRow
	for _, row := range t.s.sessions {
		if row.CoValue == coValue {
			out = append(out, row)
		}
	}
	slices.SortFunc(out, func(a, b SessionRow) int {
		return compareStrings(string(a.SessionID), string(b.SessionID))
	})
	return out, nil
}

func (t *memoryTx) GetSingleCoValueSession(_ context.Context, coValue int64, sid ir.SessionID) (SessionRow, error) {
	rowID, ok := t.s.bySession[memSessionKey{coValue, sid}]
	if !ok {
		return SessionRow{}, ErrNotFound
	}
	return t.s.sessions[rowID], nil
}

func (t *memoryTx) GetNewTransactionsInSession(_ context.Context, session int64, fromIdx, toIdx int) ([]TransactionRow, error) {
	var out []TransactionRow
	for idx := fromIdx; idx <= toIdx; idx++ {
		tx, ok := t.s.txs[session][idx]
		if !ok {
			break
		}
		out = append(out, TransactionRow{Session: session, Idx: idx, Tx: tx})
	}
	return out, nil
}

func (t *memoryTx) GetSignatures(_ context.Context, session int64, fromIdx int) ([]SignatureRow, error) {
	var out []SignatureRow
	for idx, sig := range t.s.sigs[session] {
		if idx >= fromIdx {
			out = append(out, SignatureRow{Session: session, Idx: idx, Signature: sig})
		}
	}
	slices.SortFunc(out, func(a, b SignatureRow) int { return a.Idx - b.Idx })
	return out, nil
}

func (t *memoryTx) AddSessionUpdate(_ context.Context, row SessionRow) (int64, error) {
	key := memSessionKey{row.CoValue, row.SessionID}
	rowID, ok := t.s.bySession[key]
	if !ok {
		t.s.nextRow++
		rowID = t.s.nextRow
		t.s.bySession[key] = rowID
	}
	row.RowID = rowID
	t.s.sessions[rowID] = row
	return rowID, nil
}

func (t *memoryTx) AddTransaction(_ context.Context, session int64, idx int, tx ir.Transaction) error {
	if t.s.txs[session] == nil {
		t.s.txs[session] = map[int]ir.Transaction{}
	}
	t.s.txs[session][idx] = tx
	return nil
}

func (t *memoryTx) AddSignatureAfter(_ context.Context, session int64, idx int, sig crypto.Signature) error {
	if t.s.sigs[session] == nil {
		t.s.sigs[session] = map[int]crypto.Signature{}
	}
	t.s.sigs[session][idx] = sig
	return nil
}

func (t *memoryTx) DeleteSession(_ context.Context, session int64) error {
	if row, ok := t.s.sessions[session]; ok {
		delete(t.s.bySession, memSessionKey{row.CoValue, row.SessionID})
	}
	delete(t.s.sessions, session)
	delete(t.s.txs, session)
	delete(t.s.sigs, session)
	return nil
}

func (t *memoryTx) MarkCoValueAsDeleted(_ context.Context, id ir.RawCoID) error {
	row, ok := t.s.coValues[id]
	if !ok {
		t.s.nextRow++
		row = CoValueRow{RowID: t.s.nextRow, ID: id}
	}
	row.Deleted = true
	t.s.coValues[id] = row
	if !row.Erased {
		t.s.waiting[id] = true
	}
	return nil
}

func (t *memoryTx) EraseCoValueButKeepTombstone(ctx context.Context, id ir.RawCoID) error {
	row, ok := t.s.coValues[id]
	if !ok {
		return ErrNotFound
	}
	sessions, _ := t.GetCoValueSessions(ctx, row.RowID)
	for _, s := range sessions {
		_ = t.DeleteSession(ctx, s.RowID)
	}
	row.Deleted, row.Erased = true, true
	t.s.coValues[id] = row
	delete(t.s.waiting, id)
	return nil
}

func (t *memoryTx) GetAllCoValuesWaitingForDelete(context.Context) ([]ir.RawCoID, error) {
	ids := slices.Collect(maps.Keys(t.s.waiting))
	slices.Sort(ids)
	return ids, nil
}

func (t *memoryTx) TrackCoValuesSyncState(_ context.Context, updates []SyncStateUpdate) error {
	for _, u := range updates {
		if t.s.sync[u.ID] == nil {
			t.s.sync[u.ID] = map[string]bool{}
		}
		t.s.sync[u.ID][u.PeerID] = u.Synced
	}
	return nil
}

func (t *memoryTx) GetUnsyncedCoValueIDs(context.Context) ([]ir.RawCoID, error) {
	var ids []ir.RawCoID
	for id, peers := range t.s.sync {
		for _, synced := range peers {
			if !synced {
				ids = append(ids, id)
				break
			}
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (t *memoryTx) StopTrackingSyncState(_ context.Context, id ir.RawCoID) error {
	delete(t.s.sync, id)
	return nil
}

func (t *memoryTx) Transaction(_ context.Context, fn func(tx Backend) error) error {
	return fn(t)
}

func (t *memoryTx) Close() error { return nil }

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
