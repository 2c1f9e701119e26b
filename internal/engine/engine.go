package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/garden-co/cojson/internal/core"
	"github.com/garden-co/cojson/internal/crypto"
	"github.com/garden-co/cojson/internal/ir"
	"github.com/garden-co/cojson/internal/store"
	"github.com/garden-co/cojson/internal/wire"
)

// ErrStopped is returned for work submitted after the manager stopped.
var ErrStopped = errors.New("sync manager stopped")

// LoadState is the outcome of asking peers for a value.
type LoadState int

const (
	// LoadAvailable: the value is in memory.
	LoadAvailable LoadState = iota + 1
	// LoadUnavailable: no peer had it.
	LoadUnavailable
	// LoadDeleted: a peer or storage holds a tombstone.
	LoadDeleted
)

// String returns the state name.
func (s LoadState) String() string {
	switch s {
	case LoadAvailable:
		return "available"
	case LoadUnavailable:
		return "unavailable"
	case LoadDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("LoadState(%d)", int(s))
	}
}

// CoreFactory builds the core for a header received from a peer or
// storage.
type CoreFactory func(header ir.CoValueHeader) (*core.Core, error)

// Manager is the sync state machine.
//
// All peer state lives in the single-writer Run loop. Peer connections
// get a reader and a writer goroutine each; readers feed the loop's event
// queue and writers drain per-peer priority outboxes. The in-memory core
// registry is shared with callers and guarded by mu.
//
// Thread-safety model:
//   - Run(): must be called from exactly one goroutine
//   - everything else: safe from any goroutine
type Manager struct {
	provider crypto.Provider
	identity core.Identity
	storage  *store.Storage
	newCore  CoreFactory
	logger   *slog.Logger

	queue  *eventQueue
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	cores   map[ir.RawCoID]*core.Core
	deleted map[ir.RawCoID]bool

	// Loop-owned.
	peers   map[string]*peerState
	pending map[ir.RawCoID]*pendingLoad
}

// pendingLoad is an outstanding request to server peers.
type pendingLoad struct {
	asked   map[string]bool
	waiters []chan LoadState
}

// Option configures a Manager.
type Option func(*Manager)

// WithStorage persists received content and serves loads from s.
func WithStorage(s *store.Storage) Option {
	return func(m *Manager) { m.storage = s }
}

// WithIdentity sets the local author. Signature mismatches on its session
// trigger recovery instead of rejection.
func WithIdentity(id core.Identity) Option {
	return func(m *Manager) { m.identity = id }
}

// WithCoreFactory sets how cores are built for received headers.
func WithCoreFactory(f CoreFactory) Option {
	return func(m *Manager) {
		if f != nil {
			m.newCore = f
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// New creates a Manager. Call Run to start it.
func New(provider crypto.Provider, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		provider: provider,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		queue:    newEventQueue(),
		ctx:      ctx,
		cancel:   cancel,
		cores:    map[ir.RawCoID]*core.Core{},
		deleted:  map[ir.RawCoID]bool{},
		peers:    map[string]*peerState{},
		pending:  map[ir.RawCoID]*pendingLoad{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.newCore == nil {
		m.newCore = func(h ir.CoValueHeader) (*core.Core, error) {
			return core.New(m.provider, h, core.WithRegistry(m), core.WithLogger(m.logger))
		}
	}
	return m
}

// Run processes events until ctx is cancelled or Stop is called.
//
// On handling failure the error is logged with the message that caused it
// and processing continues; one bad value never blocks the others.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("sync manager starting")
	defer m.shutdown()

	for {
		ev, ok := m.queue.TryDequeue()
		if ok {
			if err := m.processEvent(ctx, ev); err != nil {
				m.logEventError(ev, err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			m.logger.Info("sync manager stopping: context cancelled")
			return ctx.Err()
		case <-m.ctx.Done():
			m.logger.Info("sync manager stopping")
			return nil
		case <-m.queue.Wait():
		}
	}
}

// Stop shuts the manager down. Run returns and every peer is closed.
func (m *Manager) Stop() {
	m.cancel()
}

func (m *Manager) shutdown() {
	m.cancel()
	m.queue.Close()
	for _, p := range m.peers {
		m.closePeer(p)
	}
	for id, pl := range m.pending {
		for _, w := range pl.waiters {
			w <- LoadUnavailable
		}
		delete(m.pending, id)
	}
	// Requests that raced with shutdown.
	for {
		ev, ok := m.queue.TryDequeue()
		if !ok {
			return
		}
		if ev.reply != nil {
			ev.reply <- LoadUnavailable
		}
	}
}

func (m *Manager) processEvent(ctx context.Context, ev event) error {
	switch ev.kind {
	case eventMessage:
		return m.handleMessage(ctx, ev.peer, ev.msg)
	case eventPeerAdded:
		return m.handlePeerAdded(ctx, ev.peer)
	case eventPeerClosed:
		m.handlePeerClosed(ev.peer, ev.err)
		return nil
	case eventChanged:
		m.handleChanged(ev.ids)
		return nil
	case eventRequest:
		m.handleRequest(ev.ids[0], ev.reply)
		return nil
	case eventForget:
		m.handleForget(ev.ids[0])
		return nil
	default:
		return fmt.Errorf("unknown event kind: %d", ev.kind)
	}
}

func (m *Manager) logEventError(ev event, err error) {
	attrs := []any{"error", err}
	if ev.peer != nil {
		attrs = append(attrs, "peer", ev.peer.ID)
	}
	if ev.msg != nil {
		attrs = append(attrs, "action", ev.msg.Action(), "id", wire.CoID(ev.msg))
	}
	for _, e := range flattenErrors(err) {
		var se *SyncError
		if errors.As(e, &se) {
			syncErrors.WithLabelValues(string(se.Code)).Inc()
		}
	}
	if IsDeleted(err) || IsInvalidAssumption(err) {
		m.logger.Warn("sync message rejected", attrs...)
		return
	}
	m.logger.Error("sync event failed", attrs...)
}

func flattenErrors(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}

// AddPeer starts syncing with p. The manager owns p.Conn from here on and
// closes it when the peer goes away.
func (m *Manager) AddPeer(p Peer) error {
	ctx, cancel := context.WithCancel(m.ctx)
	ps := newPeerState(p, cancel)
	// Registered before the loops start so the peer exists when its first
	// message is handled.
	if !m.queue.Enqueue(event{kind: eventPeerAdded, peer: ps}) {
		cancel()
		return ErrStopped
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.readLoop(gctx, ps) })
	g.Go(func() error { return m.writeLoop(gctx, ps) })
	go func() {
		err := g.Wait()
		_ = p.Conn.Close()
		m.queue.Enqueue(event{kind: eventPeerClosed, peer: ps, err: err})
	}()
	return nil
}

// Core returns the in-memory core for id.
func (m *Manager) Core(id ir.RawCoID) (*core.Core, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cores[id]
	return c, ok
}

// IDs returns the ids of all in-memory cores, sorted.
func (m *Manager) IDs() []ir.RawCoID {
	m.mu.RLock()
	ids := make([]ir.RawCoID, 0, len(m.cores))
	for id := range m.cores {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// register adds c unless a core for its id is already known, and returns
// the registered one.
func (m *Manager) register(c *core.Core) *core.Core {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.cores[c.ID()]; ok {
		return existing
	}
	m.cores[c.ID()] = c
	return c
}

// IsDeleted reports whether id was deleted here or found tombstoned.
func (m *Manager) IsDeleted(id ir.RawCoID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deleted[id]
}

func (m *Manager) markDeleted(id ir.RawCoID) {
	m.mu.Lock()
	m.deleted[id] = true
	delete(m.cores, id)
	m.mu.Unlock()
}

// Add registers a locally created core, persists it and pushes it to
// peers. It returns the registered core, which differs from c when the
// value already existed.
func (m *Manager) Add(c *core.Core) *core.Core {
	c = m.register(c)
	m.Changed(c.ID())
	return c
}

// Changed persists local changes to the given values and pushes them to
// peers. Several ids are sent to each peer as one batch.
func (m *Manager) Changed(ids ...ir.RawCoID) {
	for _, id := range ids {
		if c, ok := m.Core(id); ok {
			m.persist(c)
		}
	}
	m.queue.Enqueue(event{kind: eventChanged, ids: ids})
}

// LoadLocal returns the core for id from memory or storage. It returns
// store.ErrNotFound when neither has it and store.ErrTombstoned for
// deleted values.
func (m *Manager) LoadLocal(ctx context.Context, id ir.RawCoID) (*core.Core, error) {
	if m.IsDeleted(id) {
		return nil, store.ErrTombstoned
	}
	if c, ok := m.Core(id); ok {
		return c, nil
	}
	if m.storage == nil {
		return nil, store.ErrNotFound
	}

	res, err := m.storage.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.Deleted {
		m.markDeleted(id)
		return nil, store.ErrTombstoned
	}
	c, err := m.newCore(*res.Messages[0].Header)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	for _, msg := range res.Messages {
		for _, sid := range slices.Sorted(maps.Keys(msg.New)) {
			content := msg.New[sid]
			// Storage only holds content that verified on the way in.
			if _, err := c.ApplyNewContent(sid, content.After, content.NewTransactions, content.LastSignature, true); err != nil {
				return nil, fmt.Errorf("load %s: %w", id, err)
			}
		}
	}
	return m.register(c), nil
}

// Request asks server peers for id and waits for the outcome.
func (m *Manager) Request(ctx context.Context, id ir.RawCoID) (LoadState, error) {
	reply := make(chan LoadState, 1)
	if !m.queue.Enqueue(event{kind: eventRequest, ids: []ir.RawCoID{id}, reply: reply}) {
		return 0, ErrStopped
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case s := <-reply:
		return s, nil
	}
}

// Forget drops a deleted value from memory and from peer state.
func (m *Manager) Forget(id ir.RawCoID) {
	m.markDeleted(id)
	m.queue.Enqueue(event{kind: eventForget, ids: []ir.RawCoID{id}})
}

// persist queues c's new content for storage. Failures are logged by
// storage and never block syncing.
func (m *Manager) persist(c *core.Core) {
	if m.storage == nil {
		return
	}
	f := m.storage.StoreCore(c)
	go func() {
		if err := f.Wait(m.ctx); err != nil && !errors.Is(err, context.Canceled) {
			syncErrors.WithLabelValues(string(ErrCodeStorage)).Inc()
		}
	}()
}

func (m *Manager) handlePeerAdded(ctx context.Context, p *peerState) error {
	if old, ok := m.peers[p.ID]; ok {
		m.logger.Info("peer replaced", "peer", p.ID)
		m.closePeer(old)
	}
	m.peers[p.ID] = p
	connectedPeers.WithLabelValues(string(p.Role)).Inc()
	m.logger.Info("peer added", "peer", p.ID, "role", p.Role)

	if p.Role != RoleServer {
		return nil
	}

	// Subscribe to everything we hold so the server tells us what we lack
	// and we learn what it lacks.
	ids := m.IDs()
	var errs []error
	if m.storage != nil {
		unsynced, err := m.storage.UnsyncedIDs(ctx)
		if err != nil {
			errs = append(errs, newSyncError(ErrCodeStorage, "", p.ID, "list unsynced values", err))
		}
		for _, id := range unsynced {
			if !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
	}
	for _, id := range ids {
		c, err := m.LoadLocal(ctx, id)
		if err != nil {
			continue
		}
		m.sendLoad(p, c, nil)
	}
	for id, pl := range m.pending {
		pl.asked[p.ID] = true
		p.send(wire.NewLoadMessage(ir.NewKnownState(id)))
	}
	return errors.Join(errs...)
}

// sendLoad subscribes p to c, dependencies first.
func (m *Manager) sendLoad(p *peerState, c *core.Core, seen map[ir.RawCoID]bool) {
	if seen == nil {
		seen = map[ir.RawCoID]bool{}
	}
	if seen[c.ID()] {
		return
	}
	seen[c.ID()] = true
	for _, dep := range c.Dependencies() {
		if d, ok := m.Core(dep); ok {
			m.sendLoad(p, d, seen)
		}
	}
	if _, ok := p.known[c.ID()]; ok {
		return
	}
	p.send(wire.NewLoadMessage(c.KnownState()))
}

func (m *Manager) handlePeerClosed(p *peerState, err error) {
	if current, ok := m.peers[p.ID]; !ok || current != p {
		return
	}
	delete(m.peers, p.ID)
	m.closePeer(p)
	connectedPeers.WithLabelValues(string(p.Role)).Dec()
	m.logger.Info("peer closed", "peer", p.ID, "reason", err)

	for id, pl := range m.pending {
		if pl.asked[p.ID] {
			delete(pl.asked, p.ID)
			if len(pl.asked) == 0 {
				m.resolve(id, LoadUnavailable)
			}
		}
	}
}

func (m *Manager) closePeer(p *peerState) {
	p.cancel()
	p.outbox.Close()
}

func (m *Manager) handleChanged(ids []ir.RawCoID) {
	var cores []*core.Core
	for _, id := range ids {
		if c, ok := m.Core(id); ok {
			cores = append(cores, c)
		}
	}
	if len(cores) == 0 {
		return
	}
	for _, p := range m.sortedPeers() {
		if p.Role == RoleServer && m.storage != nil {
			updates := make([]store.SyncStateUpdate, 0, len(cores))
			for _, c := range cores {
				updates = append(updates, store.SyncStateUpdate{ID: c.ID(), PeerID: p.ID, Synced: false})
			}
			m.storage.MarkSynced(updates...)
		}
		m.pushTo(p, cores, len(cores) > 1)
	}
	for _, c := range cores {
		if _, ok := m.pending[c.ID()]; ok {
			m.resolve(c.ID(), LoadAvailable)
		}
	}
}

func (m *Manager) handleRequest(id ir.RawCoID, reply chan LoadState) {
	if m.IsDeleted(id) {
		reply <- LoadDeleted
		return
	}
	if _, ok := m.Core(id); ok {
		reply <- LoadAvailable
		return
	}
	if pl, ok := m.pending[id]; ok {
		pl.waiters = append(pl.waiters, reply)
		return
	}
	if !m.requestFromServers(id, "") {
		reply <- LoadUnavailable
		return
	}
	m.pending[id].waiters = append(m.pending[id].waiters, reply)
}

// requestFromServers sends a load for id to every server peer except
// one. It reports whether any peer was asked.
func (m *Manager) requestFromServers(id ir.RawCoID, except string) bool {
	if _, ok := m.pending[id]; ok {
		return true
	}
	pl := &pendingLoad{asked: map[string]bool{}}
	for _, p := range m.sortedPeers() {
		if p.Role != RoleServer || p.ID == except {
			continue
		}
		pl.asked[p.ID] = true
		p.send(wire.NewLoadMessage(ir.NewKnownState(id)))
	}
	if len(pl.asked) == 0 {
		return false
	}
	m.pending[id] = pl
	return true
}

func (m *Manager) resolve(id ir.RawCoID, s LoadState) {
	pl, ok := m.pending[id]
	if !ok {
		return
	}
	delete(m.pending, id)
	for _, w := range pl.waiters {
		w <- s
	}
	// Peers whose forwarded load we answered negatively can now get it.
	if s == LoadAvailable {
		if c, ok := m.Core(id); ok {
			for _, p := range m.sortedPeers() {
				if p.Role == RoleClient && p.interested[id] {
					m.pushTo(p, []*core.Core{c}, false)
				}
			}
		}
	}
}

func (m *Manager) handleForget(id ir.RawCoID) {
	for _, p := range m.peers {
		p.forget(id)
	}
	if m.storage != nil {
		m.storage.StopTracking(id)
	}
	m.resolve(id, LoadDeleted)
}

func (m *Manager) sortedPeers() []*peerState {
	out := make([]*peerState, 0, len(m.peers))
	for _, id := range slices.Sorted(maps.Keys(m.peers)) {
		out = append(out, m.peers[id])
	}
	return out
}
