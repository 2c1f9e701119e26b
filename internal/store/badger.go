package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"

	"github.com/garden-co/cojson/internal/crypto"
	"github.com/garden-co/cojson/internal/ir"
)

// BadgerConfig configures a Badger backend.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// Compression applies to every value written.
	Compression Compression
	// Logger receives Badger's own logs. Nil silences them.
	Logger *slog.Logger
}

// Key layout. Row ids and indexes are fixed-width hex so keys sort in
// numeric order.
const (
	keySeq     = "meta/seq"
	prefixCV   = "cv/"   // cv/<id> -> coValueRecord
	prefixSess = "s/"    // s/<covalue row>/<sid> -> sessionRecord
	prefixSRow = "sr/"   // sr/<session row> -> session key
	prefixTx   = "t/"    // t/<session row>/<idx> -> transaction
	prefixSig  = "g/"    // g/<session row>/<idx> -> signature
	prefixDel  = "del/"  // del/<id> -> waiting for erasure
	prefixSync = "sync/" // sync/<id>\x00<peer> -> synced flag
)

func coValueKey(id ir.RawCoID) []byte { return []byte(prefixCV + string(id)) }

func sessionPrefix(coValue int64) []byte {
	return []byte(fmt.Sprintf("%s%016x/", prefixSess, coValue))
}

func sessionKey(coValue int64, sid ir.SessionID) []byte {
	return append(sessionPrefix(coValue), sid...)
}

func sessionRowKey(session int64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixSRow, session))
}

func indexedPrefix(prefix string, session int64) []byte {
	return []byte(fmt.Sprintf("%s%016x/", prefix, session))
}

func indexedKey(prefix string, session int64, idx int) []byte {
	return []byte(fmt.Sprintf("%s%016x/%08x", prefix, session, idx))
}

func syncPrefix(id ir.RawCoID) []byte { return []byte(prefixSync + string(id) + "\x00") }

type coValueRecord struct {
	RowID   int64  `cbor:"1,keyasint"`
	Header  []byte `cbor:"2,keyasint,omitempty"`
	Deleted bool   `cbor:"3,keyasint,omitempty"`
	Erased  bool   `cbor:"4,keyasint,omitempty"`
}

type sessionRecord struct {
	RowID         int64  `cbor:"1,keyasint"`
	CoValue       int64  `cbor:"2,keyasint"`
	SessionID     string `cbor:"3,keyasint"`
	TxCount       int    `cbor:"4,keyasint"`
	LastSignature string `cbor:"5,keyasint"`
	Bytes         int    `cbor:"6,keyasint"`
}

// BadgerBackend stores CoValues in a Badger key-value store with
// compressed values.
type BadgerBackend struct {
	db          *badger.DB
	compression Compression
}

var _ Backend = (*BadgerBackend)(nil)

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadger opens a Badger backend, creating the directory if needed.
func OpenBadger(cfg BadgerConfig) (*BadgerBackend, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("open badger: path is required for a persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerBackend{db: db, compression: cfg.Compression}, nil
}

// Close closes the database.
func (b *BadgerBackend) Close() error { return b.db.Close() }

func (b *BadgerBackend) view(fn func(tx *badgerTx) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn, compression: b.compression})
	})
}

func (b *BadgerBackend) update(fn func(tx *badgerTx) error) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn, compression: b.compression})
	})
}

// Transaction runs fn in one read-write Badger transaction.
func (b *BadgerBackend) Transaction(_ context.Context, fn func(tx Backend) error) error {
	return b.update(func(tx *badgerTx) error { return fn(tx) })
}

func (b *BadgerBackend) GetCoValue(ctx context.Context, id ir.RawCoID) (row CoValueRow, err error) {
	err = b.view(func(tx *badgerTx) error { row, err = tx.GetCoValue(ctx, id); return err })
	return row, err
}

func (b *BadgerBackend) UpsertCoValue(ctx context.Context, id ir.RawCoID, header *ir.CoValueHeader) (rowID int64, err error) {
	err = b.update(func(tx *badgerTx) error { rowID, err = tx.UpsertCoValue(ctx, id, header); return err })
	return rowID, err
}

func (b *BadgerBackend) GetCoValueSessions(ctx context.Context, coValue int64) (rows []SessionRow, err error) {
	err = b.view(func(tx *badgerTx) error { rows, err = tx.GetCoValueSessions(ctx, coValue); return err })
	return rows, err
}

func (b *BadgerBackend) GetSingleCoValueSession(ctx context.Context, coValue int64, sid ir.SessionID) (row SessionRow, err error) {
	err = b.view(func(tx *badgerTx) error { row, err = tx.GetSingleCoValueSession(ctx, coValue, sid); return err })
	return row, err
}

func (b *BadgerBackend) GetNewTransactionsInSession(ctx context.Context, session int64, fromIdx, toIdx int) (rows []TransactionRow, err error) {
	err = b.view(func(tx *badgerTx) error {
		rows, err = tx.GetNewTransactionsInSession(ctx, session, fromIdx, toIdx)
		return err
	})
	return rows, err
}

func (b *BadgerBackend) GetSignatures(ctx context.Context, session int64, fromIdx int) (rows []SignatureRow, err error) {
	err = b.view(func(tx *badgerTx) error { rows, err = tx.GetSignatures(ctx, session, fromIdx); return err })
	return rows, err
}

func (b *BadgerBackend) AddSessionUpdate(ctx context.Context, row SessionRow) (rowID int64, err error) {
	err = b.update(func(tx *badgerTx) error { rowID, err = tx.AddSessionUpdate(ctx, row); return err })
	return rowID, err
}

func (b *BadgerBackend) AddTransaction(ctx context.Context, session int64, idx int, t ir.Transaction) error {
	return b.update(func(tx *badgerTx) error { return tx.AddTransaction(ctx, session, idx, t) })
}

func (b *BadgerBackend) AddSignatureAfter(ctx context.Context, session int64, idx int, sig crypto.Signature) error {
	return b.update(func(tx *badgerTx) error { return tx.AddSignatureAfter(ctx, session, idx, sig) })
}

func (b *BadgerBackend) DeleteSession(ctx context.Context, session int64) error {
	return b.update(func(tx *badgerTx) error { return tx.DeleteSession(ctx, session) })
}

func (b *BadgerBackend) MarkCoValueAsDeleted(ctx context.Context, id ir.RawCoID) error {
	return b.update(func(tx *badgerTx) error { return tx.MarkCoValueAsDeleted(ctx, id) })
}

func (b *BadgerBackend) EraseCoValueButKeepTombstone(ctx context.Context, id ir.RawCoID) error {
	return b.update(func(tx *badgerTx) error { return tx.EraseCoValueButKeepTombstone(ctx, id) })
}

func (b *BadgerBackend) GetAllCoValuesWaitingForDelete(ctx context.Context) (ids []ir.RawCoID, err error) {
	err = b.view(func(tx *badgerTx) error { ids, err = tx.GetAllCoValuesWaitingForDelete(ctx); return err })
	return ids, err
}

func (b *BadgerBackend) TrackCoValuesSyncState(ctx context.Context, updates []SyncStateUpdate) error {
	return b.update(func(tx *badgerTx) error { return tx.TrackCoValuesSyncState(ctx, updates) })
}

func (b *BadgerBackend) GetUnsyncedCoValueIDs(ctx context.Context) (ids []ir.RawCoID, err error) {
	err = b.view(func(tx *badgerTx) error { ids, err = tx.GetUnsyncedCoValueIDs(ctx); return err })
	return ids, err
}

func (b *BadgerBackend) StopTrackingSyncState(ctx context.Context, id ir.RawCoID) error {
	return b.update(func(tx *badgerTx) error { return tx.StopTrackingSyncState(ctx, id) })
}

// badgerTx implements the contract on one Badger transaction.
type badgerTx struct {
	txn         *badger.Txn
	compression Compression
}

func (t *badgerTx) get(key []byte) ([]byte, error) {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var out []byte
	err = item.Value(func(val []byte) error {
		out, err = decodeValue(val)
		if err != nil {
			return err
		}
		// decodeValue may alias val, which is only valid inside this call.
		out = append([]byte(nil), out...)
		return nil
	})
	return out, err
}

func (t *badgerTx) set(key, value []byte) error {
	framed, err := encodeValue(value, t.compression)
	if err != nil {
		return err
	}
	return t.txn.Set(key, framed)
}

func (t *badgerTx) getRecord(key []byte, into any) error {
	data, err := t.get(key)
	if err != nil {
		return err
	}
	if err := cbor.Unmarshal(data, into); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (t *badgerTx) setRecord(key []byte, rec any) error {
	data, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return t.set(key, data)
}

// scan calls fn with every key under prefix and its decoded value.
func (t *badgerTx) scan(prefix []byte, fn func(key, value []byte) error) error {
	it := t.txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		err := item.Value(func(val []byte) error {
			data, err := decodeValue(val)
			if err != nil {
				return err
			}
			return fn(key, data)
		})
		if err != nil {
			return fmt.Errorf("scan %s: %w", key, err)
		}
	}
	return nil
}

func (t *badgerTx) deletePrefix(prefix []byte) error {
	var keys [][]byte
	it := t.txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, k := range keys {
		if err := t.txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (t *badgerTx) nextRowID() (int64, error) {
	var n uint64
	data, err := t.get([]byte(keySeq))
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return 0, err
	case len(data) == 8:
		n = binary.BigEndian.Uint64(data)
	}
	n++
	if err := t.set([]byte(keySeq), binary.BigEndian.AppendUint64(nil, n)); err != nil {
		return 0, err
	}
	return int64(n), nil
}

func (t *badgerTx) GetCoValue(_ context.Context, id ir.RawCoID) (CoValueRow, error) {
	var rec coValueRecord
	if err := t.getRecord(coValueKey(id), &rec); err != nil {
		if errors.Is(err, ErrNotFound) {
			return CoValueRow{}, ErrNotFound
		}
		return CoValueRow{}, fmt.Errorf("get covalue %s: %w", id, err)
	}
	header, err := unmarshalHeader(rec.Header)
	if err != nil {
		return CoValueRow{}, fmt.Errorf("get covalue %s: %w", id, err)
	}
	return CoValueRow{RowID: rec.RowID, ID: id, Header: header, Deleted: rec.Deleted, Erased: rec.Erased}, nil
}

func (t *badgerTx) coValueRecord(id ir.RawCoID) (coValueRecord, error) {
	var rec coValueRecord
	err := t.getRecord(coValueKey(id), &rec)
	if errors.Is(err, ErrNotFound) {
		rec.RowID, err = t.nextRowID()
	}
	return rec, err
}

func (t *badgerTx) UpsertCoValue(_ context.Context, id ir.RawCoID, header *ir.CoValueHeader) (int64, error) {
	rec, err := t.coValueRecord(id)
	if err != nil {
		return 0, fmt.Errorf("upsert covalue %s: %w", id, err)
	}
	if rec.Header == nil && header != nil {
		if rec.Header, err = marshalHeader(header); err != nil {
			return 0, fmt.Errorf("upsert covalue %s: %w", id, err)
		}
	}
	if err := t.setRecord(coValueKey(id), rec); err != nil {
		return 0, fmt.Errorf("upsert covalue %s: %w", id, err)
	}
	return rec.RowID, nil
}

func (rec sessionRecord) row() SessionRow {
	return SessionRow{
		RowID:                   rec.RowID,
		CoValue:                 rec.CoValue,
		SessionID:               ir.SessionID(rec.SessionID),
		TxCount:                 rec.TxCount,
		LastSignature:           crypto.Signature(rec.LastSignature),
		BytesSinceLastSignature: rec.Bytes,
	}
}

func (t *badgerTx) GetCoValueSessions(_ context.Context, coValue int64) ([]SessionRow, error) {
	var out []SessionRow
	err := t.scan(sessionPrefix(coValue), func(_, value []byte) error {
		var rec sessionRecord
		if err := cbor.Unmarshal(value, &rec); err != nil {
			return err
		}
		out = append(out, rec.row())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get sessions: %w", err)
	}
	return out, nil
}

func (t *badgerTx) GetSingleCoValueSession(_ context.Context, coValue int64, sid ir.SessionID) (SessionRow, error) {
	var rec sessionRecord
	if err := t.getRecord(sessionKey(coValue, sid), &rec); err != nil {
		if errors.Is(err, ErrNotFound) {
			return SessionRow{}, ErrNotFound
		}
		return SessionRow{}, fmt.Errorf("get session %s: %w", sid, err)
	}
	return rec.row(), nil
}

func (t *badgerTx) GetNewTransactionsInSession(_ context.Context, session int64, fromIdx, toIdx int) ([]TransactionRow, error) {
	var out []TransactionRow
	for idx := fromIdx; idx <= toIdx; idx++ {
		data, err := t.get(indexedKey(prefixTx, session, idx))
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("get transaction %d: %w", idx, err)
		}
		tx, err := unmarshalTransaction(data)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", idx, err)
		}
		out = append(out, TransactionRow{Session: session, Idx: idx, Tx: tx})
	}
	return out, nil
}

func (t *badgerTx) GetSignatures(_ context.Context, session int64, fromIdx int) ([]SignatureRow, error) {
	var out []SignatureRow
	prefix := indexedPrefix(prefixSig, session)
	err := t.scan(prefix, func(key, value []byte) error {
		var idx int
		if _, err := fmt.Sscanf(string(key[len(prefix):]), "%x", &idx); err != nil {
			return err
		}
		if idx >= fromIdx {
			out = append(out, SignatureRow{Session: session, Idx: idx, Signature: crypto.Signature(value)})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get signatures: %w", err)
	}
	return out, nil
}

func (t *badgerTx) AddSessionUpdate(_ context.Context, row SessionRow) (int64, error) {
	key := sessionKey(row.CoValue, row.SessionID)
	var rec sessionRecord
	err := t.getRecord(key, &rec)
	switch {
	case errors.Is(err, ErrNotFound):
		if rec.RowID, err = t.nextRowID(); err != nil {
			return 0, fmt.Errorf("add session update %s: %w", row.SessionID, err)
		}
		if err := t.txn.Set(sessionRowKey(rec.RowID), key); err != nil {
			return 0, fmt.Errorf("add session update %s: %w", row.SessionID, err)
		}
	case err != nil:
		return 0, fmt.Errorf("add session update %s: %w", row.SessionID, err)
	}
	rec.CoValue = row.CoValue
	rec.SessionID = string(row.SessionID)
	rec.TxCount = row.TxCount
	rec.LastSignature = string(row.LastSignature)
	rec.Bytes = row.BytesSinceLastSignature
	if err := t.setRecord(key, rec); err != nil {
		return 0, fmt.Errorf("add session update %s: %w", row.SessionID, err)
	}
	return rec.RowID, nil
}

func (t *badgerTx) AddTransaction(_ context.Context, session int64, idx int, tx ir.Transaction) error {
	if err := t.set(indexedKey(prefixTx, session, idx), marshalTransaction(tx)); err != nil {
		return fmt.Errorf("add transaction %d: %w", idx, err)
	}
	return nil
}

func (t *badgerTx) AddSignatureAfter(_ context.Context, session int64, idx int, sig crypto.Signature) error {
	if err := t.set(indexedKey(prefixSig, session, idx), []byte(sig)); err != nil {
		return fmt.Errorf("add signature after %d: %w", idx, err)
	}
	return nil
}

func (t *badgerTx) DeleteSession(_ context.Context, session int64) error {
	item, err := t.txn.Get(sessionRowKey(session))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete session %d: %w", session, err)
	}
	key, err := item.ValueCopy(nil)
	if err != nil {
		return fmt.Errorf("delete session %d: %w", session, err)
	}
	for _, k := range [][]byte{key, sessionRowKey(session)} {
		if err := t.txn.Delete(k); err != nil {
			return fmt.Errorf("delete session %d: %w", session, err)
		}
	}
	for _, prefix := range []string{prefixTx, prefixSig} {
		if err := t.deletePrefix(indexedPrefix(prefix, session)); err != nil {
			return fmt.Errorf("delete session %d: %w", session, err)
		}
	}
	return nil
}

func (t *badgerTx) MarkCoValueAsDeleted(_ context.Context, id ir.RawCoID) error {
	rec, err := t.coValueRecord(id)
	if err != nil {
		return fmt.Errorf("mark %s deleted: %w", id, err)
	}
	rec.Deleted = true
	if err := t.setRecord(coValueKey(id), rec); err != nil {
		return fmt.Errorf("mark %s deleted: %w", id, err)
	}
	if rec.Erased {
		return nil
	}
	if err := t.set([]byte(prefixDel+string(id)), nil); err != nil {
		return fmt.Errorf("queue %s for erasure: %w", id, err)
	}
	return nil
}

func (t *badgerTx) EraseCoValueButKeepTombstone(ctx context.Context, id ir.RawCoID) error {
	var rec coValueRecord
	if err := t.getRecord(coValueKey(id), &rec); err != nil {
		return err
	}
	sessions, err := t.GetCoValueSessions(ctx, rec.RowID)
	if err != nil {
		return fmt.Errorf("erase %s: %w", id, err)
	}
	for _, s := range sessions {
		if err := t.DeleteSession(ctx, s.RowID); err != nil {
			return fmt.Errorf("erase %s: %w", id, err)
		}
	}
	rec.Deleted, rec.Erased = true, true
	if err := t.setRecord(coValueKey(id), rec); err != nil {
		return fmt.Errorf("erase %s: %w", id, err)
	}
	if err := t.txn.Delete([]byte(prefixDel + string(id))); err != nil {
		return fmt.Errorf("erase %s: %w", id, err)
	}
	return nil
}

func (t *badgerTx) GetAllCoValuesWaitingForDelete(context.Context) ([]ir.RawCoID, error) {
	var out []ir.RawCoID
	err := t.scan([]byte(prefixDel), func(key, _ []byte) error {
		out = append(out, ir.RawCoID(strings.TrimPrefix(string(key), prefixDel)))
		return nil
	})
	return out, err
}

func (t *badgerTx) TrackCoValuesSyncState(_ context.Context, updates []SyncStateUpdate) error {
	for _, u := range updates {
		flag := []byte{0}
		if u.Synced {
			flag[0] = 1
		}
		if err := t.set(append(syncPrefix(u.ID), u.PeerID...), flag); err != nil {
			return fmt.Errorf("track sync state of %s: %w", u.ID, err)
		}
	}
	return nil
}

func (t *badgerTx) GetUnsyncedCoValueIDs(context.Context) ([]ir.RawCoID, error) {
	var out []ir.RawCoID
	err := t.scan([]byte(prefixSync), func(key, value []byte) error {
		if len(value) != 1 || value[0] != 0 {
			return nil
		}
		id, _, _ := strings.Cut(strings.TrimPrefix(string(key), prefixSync), "\x00")
		if n := len(out); n == 0 || out[n-1] != ir.RawCoID(id) {
			out = append(out, ir.RawCoID(id))
		}
		return nil
	})
	return out, err
}

func (t *badgerTx) StopTrackingSyncState(_ context.Context, id ir.RawCoID) error {
	if err := t.deletePrefix(syncPrefix(id)); err != nil {
		return fmt.Errorf("stop tracking %s: %w", id, err)
	}
	return nil
}

func (t *badgerTx) Transaction(_ context.Context, fn func(tx Backend) error) error {
	return fn(t)
}

func (t *badgerTx) Close() error { return nil }
