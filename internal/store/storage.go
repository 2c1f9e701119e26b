package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/garden-co/cojson/internal/core"
	"github.com/garden-co/cojson/internal/ir"
	"github.com/garden-co/cojson/internal/session"
	"github.com/garden-co/cojson/internal/wire"
)

// Storage drives a Backend. Every backend access runs on one writer
// goroutine in submission order, so a Load always observes the Stores
// submitted before it.
type Storage struct {
	backend Backend
	logger  *slog.Logger

	queue *writeQueue
	done  chan struct{}

	mu    sync.Mutex
	known map[ir.RawCoID]ir.KnownState
}

// Option configures a Storage.
type Option func(*Storage)

// WithLogger sets the logger. Storage failures are logged at error level.
func WithLogger(l *slog.Logger) Option {
	return func(s *Storage) {
		if l != nil {
			s.logger = l
		}
	}
}

// New starts a Storage over backend. Close stops it and closes the
// backend.
func New(backend Backend, opts ...Option) *Storage {
	s := &Storage{
		backend: backend,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		queue:   newWriteQueue(),
		done:    make(chan struct{}),
		known:   map[ir.RawCoID]ir.KnownState{},
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	return s
}

func (s *Storage) run() {
	defer close(s.done)
	ctx := context.Background()
	for {
		if j, ok := s.queue.TryDequeue(); ok {
			j.future.resolve(j.run(ctx))
			continue
		}
		if _, open := <-s.queue.Wait(); !open {
			// Drain whatever was queued before Close.
			for {
				j, ok := s.queue.TryDequeue()
				if !ok {
					return
				}
				j.future.resolve(j.run(ctx))
			}
		}
	}
}

func (s *Storage) submit(run func(ctx context.Context) error) *Future {
	f := newFuture()
	if !s.queue.Enqueue(job{run: run, future: f}) {
		return failedFuture(ErrClosed)
	}
	return f
}

// Close waits for queued jobs to finish and closes the backend.
func (s *Storage) Close() error {
	s.queue.Close()
	<-s.done
	return s.backend.Close()
}

// LoadResult is what storage holds for one CoValue.
type LoadResult struct {
	Known ir.KnownState
	// Deleted reports a tombstone. Deleted values carry no content.
	Deleted bool
	// Messages replay the stored content; each verifies on its own once
	// the previous ones are applied.
	Messages []wire.ContentMessage
}

// Load reads a CoValue. It returns ErrNotFound when storage has no
// header for id.
func (s *Storage) Load(ctx context.Context, id ir.RawCoID) (LoadResult, error) {
	var res LoadResult
	f := s.submit(func(jobCtx context.Context) error {
		var err error
		res, err = s.load(jobCtx, id)
		return err
	})
	if err := f.Wait(ctx); err != nil {
		return LoadResult{}, err
	}
	return res, nil
}

func (s *Storage) load(ctx context.Context, id ir.RawCoID) (LoadResult, error) {
	row, err := s.backend.GetCoValue(ctx, id)
	if err != nil {
		return LoadResult{}, err
	}
	if row.Deleted {
		return LoadResult{Known: ir.NewKnownState(id), Deleted: true}, nil
	}
	if row.Header == nil {
		return LoadResult{}, ErrNotFound
	}

	sessions, err := s.backend.GetCoValueSessions(ctx, row.RowID)
	if err != nil {
		return LoadResult{}, fmt.Errorf("load %s: %w", id, err)
	}
	known := ir.NewKnownState(id)
	known.Header = true

	priority := wire.PriorityFor(*row.Header)
	var msgs []wire.ContentMessage
	for _, sess := range sessions {
		chunks, err := s.loadChunks(ctx, sess)
		if err != nil {
			return LoadResult{}, fmt.Errorf("load %s: %w", id, err)
		}
		for i, chunk := range chunks {
			for len(msgs) <= i {
				msgs = append(msgs, wire.ContentMessage{
					ID:       id,
					Priority: priority,
					New:      map[ir.SessionID]wire.SessionNewContent{},
				})
			}
			msgs[i].New[sess.SessionID] = chunk
		}
		known.Sessions[sess.SessionID] = sess.TxCount
	}
	if len(msgs) == 0 {
		msgs = append(msgs, wire.ContentMessage{ID: id, Priority: priority, New: map[ir.SessionID]wire.SessionNewContent{}})
	}
	header := *row.Header
	msgs[0].Header = &header

	s.setKnown(known)
	return LoadResult{Known: known, Messages: msgs}, nil
}

// loadChunks splits a stored session at its signature checkpoints.
func (s *Storage) loadChunks(ctx context.Context, sess SessionRow) ([]wire.SessionNewContent, error) {
	if sess.TxCount == 0 {
		return nil, nil
	}
	rows, err := s.backend.GetNewTransactionsInSession(ctx, sess.RowID, 0, sess.TxCount-1)
	if err != nil {
		return nil, err
	}
	if len(rows) != sess.TxCount {
		return nil, fmt.Errorf("session %s: %d of %d transactions stored", sess.SessionID, len(rows), sess.TxCount)
	}
	sigs, err := s.backend.GetSignatures(ctx, sess.RowID, 0)
	if err != nil {
		return nil, err
	}

	var chunks []wire.SessionNewContent
	start := 0
	for _, sig := range sigs {
		if sig.Idx < start || sig.Idx >= sess.TxCount-1 {
			continue
		}
		chunks = append(chunks, wire.SessionNewContent{
			After:           start,
			NewTransactions: transactionsOf(rows[start : sig.Idx+1]),
			LastSignature:   sig.Signature,
		})
		start = sig.Idx + 1
	}
	chunks = append(chunks, wire.SessionNewContent{
		After:           start,
		NewTransactions: transactionsOf(rows[start:]),
		LastSignature:   sess.LastSignature,
	})
	return chunks, nil
}

func transactionsOf(rows []TransactionRow) []ir.Transaction {
	out := make([]ir.Transaction, len(rows))
	for i, r := range rows {
		out[i] = r.Tx
	}
	return out
}

// CorrectionFunc receives storage's true known state when stored content
// did not line up with it.
type CorrectionFunc func(known ir.KnownState)

// Store persists a content message. Sessions whose after does not match
// storage are skipped and onCorrection (if set) is called with the true
// known state once the rest is committed. A prefix storage already holds
// is skipped. Content for a deleted CoValue fails with ErrTombstoned.
func (s *Storage) Store(msg wire.ContentMessage, onCorrection CorrectionFunc) *Future {
	return s.submit(func(ctx context.Context) error {
		return s.store(ctx, msg, onCorrection)
	})
}

func (s *Storage) store(ctx context.Context, msg wire.ContentMessage, onCorrection CorrectionFunc) error {
	var (
		known     ir.KnownState
		corrected bool
	)
	err := s.backend.Transaction(ctx, func(tx Backend) error {
		var err error
		known, corrected, err = storeContent(ctx, tx, msg)
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrTombstoned) {
			s.logger.Error("store content failed", "id", msg.ID, "error", err)
		}
		return fmt.Errorf("store %s: %w", msg.ID, err)
	}
	s.setKnown(known)
	if corrected {
		s.logger.Debug("stored content needs correction", "id", msg.ID, "known", known.Sessions)
		if onCorrection != nil {
			onCorrection(known)
		}
	}
	return nil
}

// storeContent writes msg inside tx and returns storage's known state
// afterwards. corrected reports that some content did not line up and was
// skipped.
func storeContent(ctx context.Context, tx Backend, msg wire.ContentMessage) (known ir.KnownState, corrected bool, err error) {
	known = ir.NewKnownState(msg.ID)
	row, err := tx.GetCoValue(ctx, msg.ID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return known, false, err
	case row.Deleted:
		return known, false, ErrTombstoned
	}
	if row.Header == nil && msg.Header == nil {
		// Nothing to attach the transactions to.
		return known, true, nil
	}

	rowID, err := tx.UpsertCoValue(ctx, msg.ID, msg.Header)
	if err != nil {
		return known, false, err
	}
	known.Header = true

	for _, sid := range slices.Sorted(maps.Keys(msg.New)) {
		content := msg.New[sid]
		sess, err := tx.GetSingleCoValueSession(ctx, rowID, sid)
		switch {
		case errors.Is(err, ErrNotFound):
			sess = SessionRow{CoValue: rowID, SessionID: sid}
		case err != nil:
			return known, false, err
		}
		have := sess.TxCount
		if content.After > have {
			corrected = true
			continue
		}
		skip := have - content.After
		if skip >= len(content.NewTransactions) {
			continue
		}
		fresh := content.NewTransactions[skip:]

		bytes := sess.BytesSinceLastSignature
		for _, t := range fresh {
			bytes += t.Size()
		}
		sess.TxCount = have + len(fresh)
		sess.LastSignature = content.LastSignature
		checkpoint := bytes > ir.MaxRecommendedTxSize
		if checkpoint {
			sess.BytesSinceLastSignature = 0
		} else {
			sess.BytesSinceLastSignature = bytes
		}

		sessRow, err := tx.AddSessionUpdate(ctx, sess)
		if err != nil {
			return known, false, err
		}
		for i, t := range fresh {
			if err := tx.AddTransaction(ctx, sessRow, have+i, t); err != nil {
				return known, false, err
			}
		}
		if checkpoint {
			if err := tx.AddSignatureAfter(ctx, sessRow, sess.TxCount-1, content.LastSignature); err != nil {
				return known, false, err
			}
		}
	}

	known, err = storedKnownState(ctx, tx, msg.ID, rowID)
	return known, corrected, err
}

func storedKnownState(ctx context.Context, tx Backend, id ir.RawCoID, rowID int64) (ir.KnownState, error) {
	known := ir.NewKnownState(id)
	known.Header = true
	sessions, err := tx.GetCoValueSessions(ctx, rowID)
	if err != nil {
		return known, err
	}
	for _, sess := range sessions {
		known.Sessions[sess.SessionID] = sess.TxCount
	}
	return known, nil
}

func (s *Storage) setKnown(known ir.KnownState) {
	s.mu.Lock()
	s.known[known.ID] = known.Clone()
	s.mu.Unlock()
}

// KnownState returns what storage holds for id. Unknown ids return an
// empty state.
func (s *Storage) KnownState(ctx context.Context, id ir.RawCoID) (ir.KnownState, error) {
	s.mu.Lock()
	known, ok := s.known[id]
	s.mu.Unlock()
	if ok {
		return known.Clone(), nil
	}
	f := s.submit(func(jobCtx context.Context) error {
		var err error
		known, err = s.knownState(jobCtx, id)
		return err
	})
	if err := f.Wait(ctx); err != nil {
		return ir.KnownState{}, err
	}
	return known, nil
}

// knownState reads through the cache. It runs on the writer goroutine.
func (s *Storage) knownState(ctx context.Context, id ir.RawCoID) (ir.KnownState, error) {
	s.mu.Lock()
	known, ok := s.known[id]
	s.mu.Unlock()
	if ok {
		return known.Clone(), nil
	}
	row, err := s.backend.GetCoValue(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		return ir.NewKnownState(id), nil
	case err != nil:
		return ir.KnownState{}, fmt.Errorf("known state of %s: %w", id, err)
	case row.Deleted || row.Header == nil:
		return ir.NewKnownState(id), nil
	}
	known, err = storedKnownState(ctx, s.backend, id, row.RowID)
	if err != nil {
		return ir.KnownState{}, fmt.Errorf("known state of %s: %w", id, err)
	}
	s.setKnown(known)
	return known, nil
}

// StoreCore persists everything c holds that storage does not.
func (s *Storage) StoreCore(c *core.Core) *Future {
	return s.submit(func(ctx context.Context) error {
		known, err := s.knownState(ctx, c.ID())
		if err != nil {
			return err
		}
		for _, msg := range c.NewContentSince(&known) {
			if msg.IsEmpty() {
				continue
			}
			if err := s.store(ctx, msg, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete marks a CoValue deleted. Its content stays until EraseDeleted;
// loads report it deleted right away.
func (s *Storage) Delete(id ir.RawCoID) *Future {
	return s.submit(func(ctx context.Context) error {
		if err := s.backend.MarkCoValueAsDeleted(ctx, id); err != nil {
			s.logger.Error("mark deleted failed", "id", id, "error", err)
			return fmt.Errorf("delete %s: %w", id, err)
		}
		s.mu.Lock()
		delete(s.known, id)
		s.mu.Unlock()
		return nil
	})
}

// EraseDeleted erases the content of every CoValue marked deleted,
// keeping tombstones, and returns how many were erased.
func (s *Storage) EraseDeleted(ctx context.Context) (int, error) {
	var n int
	f := s.submit(func(jobCtx context.Context) error {
		ids, err := s.backend.GetAllCoValuesWaitingForDelete(jobCtx)
		if err != nil {
			return fmt.Errorf("erase deleted: %w", err)
		}
		for _, id := range ids {
			err := s.backend.Transaction(jobCtx, func(tx Backend) error {
				return tx.EraseCoValueButKeepTombstone(jobCtx, id)
			})
			if err != nil {
				s.logger.Error("erase failed", "id", id, "error", err)
				return fmt.Errorf("erase %s: %w", id, err)
			}
			n++
		}
		return nil
	})
	err := f.Wait(ctx)
	return n, err
}

// ReplaceSession swaps a stored session for log, atomically. Recovery
// uses it after rebasing a session onto a peer's version.
func (s *Storage) ReplaceSession(id ir.RawCoID, log *session.Log) *Future {
	return s.submit(func(ctx context.Context) error {
		var known ir.KnownState
		err := s.backend.Transaction(ctx, func(tx Backend) error {
			row, err := tx.GetCoValue(ctx, id)
			if err != nil {
				return err
			}
			if row.Deleted {
				return ErrTombstoned
			}
			sid := log.SessionID()
			old, err := tx.GetSingleCoValueSession(ctx, row.RowID, sid)
			switch {
			case errors.Is(err, ErrNotFound):
			case err != nil:
				return err
			default:
				if err := tx.DeleteSession(ctx, old.RowID); err != nil {
					return err
				}
			}
			if err := writeSession(ctx, tx, row.RowID, log); err != nil {
				return err
			}
			known, err = storedKnownState(ctx, tx, id, row.RowID)
			return err
		})
		if err != nil {
			s.logger.Error("replace session failed", "id", id, "session", log.SessionID(), "error", err)
			return fmt.Errorf("replace session %s in %s: %w", log.SessionID(), id, err)
		}
		s.setKnown(known)
		return nil
	})
}

func writeSession(ctx context.Context, tx Backend, coValue int64, log *session.Log) error {
	checkpoints := log.SignatureAfter()
	txs := log.Transactions()
	bytes := 0
	for i, t := range txs {
		bytes += t.Size()
		if _, ok := checkpoints[i]; ok {
			bytes = 0
		}
	}
	sessRow, err := tx.AddSessionUpdate(ctx, SessionRow{
		CoValue:                 coValue,
		SessionID:               log.SessionID(),
		TxCount:                 len(txs),
		LastSignature:           log.LastSignature(),
		BytesSinceLastSignature: bytes,
	})
	if err != nil {
		return err
	}
	for i, t := range txs {
		if err := tx.AddTransaction(ctx, sessRow, i, t); err != nil {
			return err
		}
	}
	for _, idx := range slices.Sorted(maps.Keys(checkpoints)) {
		if err := tx.AddSignatureAfter(ctx, sessRow, idx, checkpoints[idx]); err != nil {
			return err
		}
	}
	return nil
}

// MarkSynced records whether id is in sync with each peer.
func (s *Storage) MarkSynced(updates ...SyncStateUpdate) *Future {
	return s.submit(func(ctx context.Context) error {
		if err := s.backend.TrackCoValuesSyncState(ctx, updates); err != nil {
			s.logger.Error("track sync state failed", "error", err)
			return fmt.Errorf("track sync state: %w", err)
		}
		return nil
	})
}

// UnsyncedIDs returns the CoValues not yet in sync with some peer.
func (s *Storage) UnsyncedIDs(ctx context.Context) ([]ir.RawCoID, error) {
	var ids []ir.RawCoID
	f := s.submit(func(jobCtx context.Context) error {
		var err error
		ids, err = s.backend.GetUnsyncedCoValueIDs(jobCtx)
		return err
	})
	err := f.Wait(ctx)
	return ids, err
}

// StopTracking forgets the sync state of id.
func (s *Storage) StopTracking(id ir.RawCoID) *Future {
	return s.submit(func(ctx context.Context) error {
		return s.backend.StopTrackingSyncState(ctx, id)
	})
}
