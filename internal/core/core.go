// Package core holds the runtime state of one CoValue: its header, its
// session logs and everything derived from them.
//
// A Core is safe for concurrent use. Mutation only happens through the
// append path (ApplyNewContent, MakeTransaction, merges and recovery
// swaps); readers take snapshots. Other CoValues are reached through a
// Registry by id, never by pointer, so ownership graphs can be cyclic.
package core

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/garden-co/cojson/internal/crypto"
	"github.com/garden-co/cojson/internal/ir"
	"github.com/garden-co/cojson/internal/session"
)

// ErrNoWriteKey is returned when a private transaction is requested but the
// keyring holds no key for the owning group.
var ErrNoWriteKey = errors.New("no write key for owner")

// Keyring resolves symmetric read keys.
type Keyring interface {
	// ReadKey returns the secret for a key id, if known.
	ReadKey(id ir.KeyID) (crypto.KeySecret, bool)
	// WriteKey returns the current key of the owning group.
	WriteKey(owner ir.RawCoID) (ir.KeyID, crypto.KeySecret, bool)
}

// Registry resolves other CoValues by id.
type Registry interface {
	Core(id ir.RawCoID) (*Core, bool)
}

// Identity is the local author: a session and the signer that owns it.
type Identity struct {
	Session ir.SessionID
	Signer  crypto.SignerSecret
}

// Option configures a Core.
type Option func(*Core)

// WithKeyring sets the key resolver for private transactions.
func WithKeyring(k Keyring) Option {
	return func(c *Core) { c.keys = k }
}

// WithRegistry sets the registry used for branch sources and dependencies.
func WithRegistry(r Registry) Option {
	return func(c *Core) { c.registry = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Core) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock sets the madeAt source in milliseconds.
func WithClock(now func() int64) Option {
	return func(c *Core) {
		if now != nil {
			c.now = now
		}
	}
}

// Core is the runtime object for one CoValue.
type Core struct {
	mu sync.RWMutex

	id       ir.RawCoID
	header   ir.CoValueHeader
	provider crypto.Provider
	keys     Keyring
	registry Registry
	logger   *slog.Logger
	now      func() int64

	sessions map[ir.SessionID]*session.Log

	// Decoding state, rebuilt lazily from the logs.
	decoded     map[ir.TxID]decodedTx
	decodedUpTo map[ir.SessionID]int
	gaps        map[ir.TxID]struct{}
	runs        map[ir.SessionID]*mergeRun
	aliases     map[ir.TxID]ir.TxID
	deps        map[ir.RawCoID]struct{}
	generation  uint64
	baseLoaded  bool

	subMu  sync.Mutex
	subs   map[int]func()
	nextID int

	// beforeSwap runs between a recovery rebase and its commit. Tests only.
	beforeSwap func()
}

// New creates the core for header. The id is derived from the header.
func New(provider crypto.Provider, header ir.CoValueHeader, opts ...Option) (*Core, error) {
	id, err := ir.IDForHeader(header)
	if err != nil {
		return nil, fmt.Errorf("new core: %w", err)
	}
	c := &Core{
		id:       id,
		header:   header,
		provider: provider,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:      func() int64 { return time.Now().UnixMilli() },
		sessions: map[ir.SessionID]*session.Log{},
		subs:     map[int]func(){},
	}
	c.resetDecoding()
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Core) resetDecoding() {
	c.decoded = map[ir.TxID]decodedTx{}
	c.decodedUpTo = map[ir.SessionID]int{}
	c.gaps = map[ir.TxID]struct{}{}
	c.runs = map[ir.SessionID]*mergeRun{}
	c.aliases = map[ir.TxID]ir.TxID{}
	c.deps = map[ir.RawCoID]struct{}{}
	c.baseLoaded = false
}

// ID returns the content-addressed id.
func (c *Core) ID() ir.RawCoID { return c.id }

// Header returns the immutable header.
func (c *Core) Header() ir.CoValueHeader { return c.header }

// Provider returns the crypto provider.
func (c *Core) Provider() crypto.Provider { return c.provider }

// KnownState returns the header flag and per-session counts.
func (c *Core) KnownState() ir.KnownState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.knownStateLocked()
}

func (c *Core) knownStateLocked() ir.KnownState {
	ks := ir.NewKnownState(c.id)
	ks.Header = true
	for sid, log := range c.sessions {
		ks.Sessions[sid] = log.Len()
	}
	return ks
}

// SessionIDs returns the sessions present, sorted.
func (c *Core) SessionIDs() []ir.SessionID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]ir.SessionID, 0, len(c.sessions))
	for sid := range c.sessions {
		ids = append(ids, sid)
	}
	slices.Sort(ids)
	return ids
}

// Session returns an independent copy of a session log.
func (c *Core) Session(sid ir.SessionID) (*session.Log, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	log, ok := c.sessions[sid]
	if !ok {
		return nil, false
	}
	return log.Clone(), true
}

// Generation changes whenever previously resolved state may have changed
// retroactively (a recovered session, a late key, a branch base becoming
// available). Resolvers rebuild from scratch when it changes.
func (c *Core) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// ApplyNewContent appends a run of transactions received from a peer or
// loaded from storage. A prefix the core already holds is skipped, so
// re-delivery is a no-op. It returns the number of transactions added.
//
// An after beyond the current length returns session.ErrInvalidAssumption.
// A signature that does not verify, or an overlapping prefix that differs
// from the held transactions, returns session.ErrSignatureMismatch.
func (c *Core) ApplyNewContent(sid ir.SessionID, after int, txs []ir.Transaction, sig crypto.Signature, skipVerify bool) (int, error) {
	c.mu.Lock()
	log, existed := c.sessions[sid]
	if !existed {
		log = session.New(c.provider, c.id, sid)
	}
	have := log.Len()
	if after > have {
		c.mu.Unlock()
		return 0, fmt.Errorf("%w: %s has %d in %s, content starts at %d",
			session.ErrInvalidAssumption, c.id, have, sid, after)
	}
	skip := have - after
	for i := range min(skip, len(txs)) {
		held, _ := log.Transaction(after + i)
		if !bytes.Equal(held.Canonical(), txs[i].Canonical()) {
			c.mu.Unlock()
			return 0, fmt.Errorf("%w: %s/%s differs from the held transaction %d",
				session.ErrSignatureMismatch, c.id, sid, after+i)
		}
	}
	if skip >= len(txs) {
		c.mu.Unlock()
		return 0, nil
	}
	fresh := txs[skip:]
	if err := log.TryAdd(have, fresh, sig, skipVerify); err != nil {
		c.mu.Unlock()
		return 0, err
	}
	if !existed {
		c.sessions[sid] = log
	}
	c.mu.Unlock()

	c.notify()
	return len(fresh), nil
}

// RestoreCheckpoint records a checkpoint signature loaded from storage.
func (c *Core) RestoreCheckpoint(sid ir.SessionID, idx int, sig crypto.Signature) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if log, ok := c.sessions[sid]; ok {
		log.RecordCheckpoint(idx, sig)
	}
}

// draft is a transaction waiting to be authored.
type draft struct {
	changes ir.Array
	meta    ir.Object
	madeAt  int64
}

// MakeTransaction authors a new local transaction. Values owned by a
// group are written privately with the group's current key; groups and
// unsafeAllowAll values are written in the clear.
func (c *Core) MakeTransaction(id Identity, changes ir.Array, meta ir.Object) (ir.Transaction, error) {
	txs, err := c.makeTransactions(id, []draft{{changes: changes, meta: meta}})
	if err != nil {
		return ir.Transaction{}, err
	}
	return txs[0], nil
}

// makeTransactions appends drafts to the identity's session under one lock
// so the resulting indexes are contiguous.
func (c *Core) makeTransactions(id Identity, drafts []draft) ([]ir.Transaction, error) {
	private := c.header.Ruleset.Type == ir.RulesetOwnedByGroup
	var (
		keyID ir.KeyID
		key   crypto.KeySecret
	)
	if private {
		var ok bool
		if c.keys != nil {
			keyID, key, ok = c.keys.WriteKey(c.header.Ruleset.Group)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoWriteKey, c.header.Ruleset.Group)
		}
	}

	c.mu.Lock()
	log, existed := c.sessions[id.Session]
	if !existed {
		log = session.New(c.provider, c.id, id.Session)
	}
	// Work on a copy so a failure halfway leaves the live log untouched.
	work := log.Clone()
	out := make([]ir.Transaction, 0, len(drafts))
	for _, d := range drafts {
		madeAt := d.madeAt
		if madeAt == 0 {
			madeAt = c.now()
		}
		var (
			tx  ir.Transaction
			err error
		)
		if private {
			tx, err = work.AddNewPrivateTransaction(d.changes, keyID, key, d.meta, madeAt, id.Signer)
		} else {
			tx, err = work.AddNewTrustingTransaction(d.changes, d.meta, madeAt, id.Signer)
		}
		if err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("make transaction in %s: %w", c.id, err)
		}
		out = append(out, tx)
	}
	c.sessions[id.Session] = work
	c.mu.Unlock()

	c.notify()
	return out, nil
}

// Subscribe registers fn to be called after every change. The returned
// function unregisters it.
func (c *Core) Subscribe(fn func()) (unsubscribe func()) {
	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Core) notify() {
	c.subMu.Lock()
	fns := make([]func(), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Notify wakes subscribers without a change to the logs, e.g. after a key
// becomes available.
func (c *Core) Notify() {
	c.mu.Lock()
	if len(c.gaps) > 0 {
		c.generation++
	}
	c.mu.Unlock()
	c.notify()
}
