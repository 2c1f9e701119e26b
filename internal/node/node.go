// Package node is the application-facing entry point: a Node owns one
// agent's session, the sync manager, the keyring and optional storage,
// and hands out resolvers for creating, loading and editing CoValues.
//
// A Node is an explicit context object. Create it at startup, pass it
// around, and Close it to stop syncing.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/garden-co/cojson/internal/core"
	"github.com/garden-co/cojson/internal/crdt"
	"github.com/garden-co/cojson/internal/crypto"
	"github.com/garden-co/cojson/internal/engine"
	"github.com/garden-co/cojson/internal/ir"
	"github.com/garden-co/cojson/internal/store"
)

var (
	// ErrUnavailable is returned when no local copy exists and no peer
	// supplied the value within the retry budget.
	ErrUnavailable = errors.New("value unavailable")
	// ErrDeleted is returned for values deleted here or by a peer.
	ErrDeleted = errors.New("value deleted")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("node closed")
	// ErrNoOwner is returned when a branch has no group to belong to.
	ErrNoOwner = errors.New("no owner group")
)

const (
	DefaultLoadRetries = 3
	DefaultRetryDelay  = 200 * time.Millisecond
)

// SuffixGenerator produces the random part of session ids.
type SuffixGenerator interface {
	Generate() string
}

type providerSuffix struct{ p crypto.Provider }

func (s providerSuffix) Generate() string { return s.p.SessionSuffix() }

// Node is one agent's running instance.
type Node struct {
	provider crypto.Provider
	agent    ir.AgentID
	sealer   crypto.SealerSecret
	identity core.Identity

	storage *store.Storage
	manager *engine.Manager
	keys    *keyring
	clock   *Clock
	suffix  SuffixGenerator
	logger  *slog.Logger

	retries    int
	retryDelay time.Duration
	loads      singleflight.Group

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Node.
type Option func(*Node)

// WithStorage persists every value through s. The caller keeps ownership
// of s and closes it after the node.
func WithStorage(s *store.Storage) Option {
	return func(n *Node) { n.storage = s }
}

// WithLogger sets the logger for the node, its manager and its cores.
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) {
		if l != nil {
			n.logger = l
		}
	}
}

// WithClock sets the madeAt clock.
func WithClock(c *Clock) Option {
	return func(n *Node) {
		if c != nil {
			n.clock = c
		}
	}
}

// WithSuffixGenerator sets the session suffix source. Tests use a fixed
// generator for stable session ids.
func WithSuffixGenerator(g SuffixGenerator) Option {
	return func(n *Node) {
		if g != nil {
			n.suffix = g
		}
	}
}

// WithLoadRetries sets how often an unavailable value is requested again
// and the pause between attempts.
func WithLoadRetries(retries int, delay time.Duration) Option {
	return func(n *Node) {
		n.retries = max(retries, 0)
		n.retryDelay = delay
	}
}

// New starts a node for the agent holding secret.
func New(provider crypto.Provider, secret crypto.AgentSecret, opts ...Option) (*Node, error) {
	agent, err := crypto.AgentIDOf(provider, secret)
	if err != nil {
		return nil, fmt.Errorf("new node: %w", err)
	}
	sealer, signer := secret.Parts()

	n := &Node{
		provider:   provider,
		agent:      agent,
		sealer:     sealer,
		clock:      NewClock(),
		suffix:     providerSuffix{provider},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		retries:    DefaultLoadRetries,
		retryDelay: DefaultRetryDelay,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.identity = core.Identity{
		Session: ir.NewSessionID(agent, n.suffix.Generate()),
		Signer:  signer,
	}

	managerOpts := []engine.Option{
		engine.WithIdentity(n.identity),
		engine.WithCoreFactory(n.newCore),
		engine.WithLogger(n.logger),
	}
	if n.storage != nil {
		managerOpts = append(managerOpts, engine.WithStorage(n.storage))
	}
	n.manager = engine.New(provider, managerOpts...)
	n.keys = newKeyring(provider, agent, sealer, n.manager)

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	go func() {
		defer close(n.done)
		_ = n.manager.Run(ctx)
	}()
	n.logger.Info("node started", "agent", agent, "session", n.identity.Session)
	return n, nil
}

// newCore builds cores wired to this node. Groups are written in the
// clear and never need the keyring.
func (n *Node) newCore(h ir.CoValueHeader) (*core.Core, error) {
	opts := []core.Option{
		core.WithRegistry(n.manager),
		core.WithLogger(n.logger),
		core.WithClock(n.clock.Next),
	}
	if !h.IsGroup() {
		opts = append(opts, core.WithKeyring(n.keys))
	}
	return core.New(n.provider, h, opts...)
}

// Agent returns the node's agent id.
func (n *Node) Agent() ir.AgentID { return n.agent }

// Session returns the node's session id.
func (n *Node) Session() ir.SessionID { return n.identity.Session }

// Manager exposes the sync manager.
func (n *Node) Manager() *engine.Manager { return n.manager }

// AddPeer starts syncing with p.
func (n *Node) AddPeer(p engine.Peer) error {
	if err := n.manager.AddPeer(p); err != nil {
		if errors.Is(err, engine.ErrStopped) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Close stops syncing and disconnects every peer. Storage stays open.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.manager.Stop()
		n.cancel()
		<-n.done
		n.logger.Info("node closed", "session", n.identity.Session)
	})
	return nil
}

// tracked routes resolver writes through the node so every local
// transaction is persisted and pushed to peers.
type tracked struct {
	*core.Core
	changed func(ids ...ir.RawCoID)
}

func (t tracked) MakeTransaction(id core.Identity, changes ir.Array, meta ir.Object) (ir.Transaction, error) {
	tx, err := t.Core.MakeTransaction(id, changes, meta)
	if err == nil {
		t.changed(t.ID())
	}
	return tx, err
}

func (n *Node) source(c *core.Core) crdt.Source {
	return tracked{Core: c, changed: n.manager.Changed}
}

func (n *Node) resolverOptions() []crdt.Option {
	return []crdt.Option{crdt.WithAuthor(n.identity), crdt.WithLogger(n.logger)}
}

func (n *Node) header(typ ir.CoValueType, owner *Group) ir.CoValueHeader {
	h := ir.CoValueHeader{
		Type:       typ,
		Ruleset:    ir.Ruleset{Type: ir.RulesetUnsafeAllowAll},
		Uniqueness: n.provider.UniquenessSalt(),
	}
	if owner != nil {
		h.Ruleset = ir.Ruleset{Type: ir.RulesetOwnedByGroup, Group: owner.ID()}
	}
	return h
}

func (n *Node) create(h ir.CoValueHeader) (*core.Core, error) {
	c, err := n.newCore(h)
	if err != nil {
		return nil, err
	}
	return n.manager.Add(c), nil
}

func create[T any](n *Node, typ ir.CoValueType, owner *Group, build func(crdt.Source, ...crdt.Option) (T, error)) (T, error) {
	var zero T
	c, err := n.create(n.header(typ, owner))
	if err != nil {
		return zero, fmt.Errorf("create %s: %w", typ, err)
	}
	return build(n.source(c), n.resolverOptions()...)
}

// CreateMap creates a comap. A nil owner makes it writable by anyone;
// otherwise its content is encrypted with the owner's read key.
func (n *Node) CreateMap(owner *Group) (*crdt.Map, error) {
	return create(n, ir.TypeMap, owner, crdt.NewMap)
}

// CreateList creates a colist.
func (n *Node) CreateList(owner *Group) (*crdt.List, error) {
	return create(n, ir.TypeList, owner, crdt.NewList)
}

// CreateStream creates a costream.
func (n *Node) CreateStream(owner *Group) (*crdt.Stream, error) {
	return create(n, ir.TypeStream, owner, crdt.NewStream)
}

// CreatePlainText creates a coplaintext.
func (n *Node) CreatePlainText(owner *Group) (*crdt.PlainText, error) {
	return create(n, ir.TypePlainText, owner, crdt.NewPlainText)
}

// CreateGroup creates a group with this agent as admin and a first read
// key sealed for it.
func (n *Node) CreateGroup() (*Group, error) {
	h := ir.CoValueHeader{
		Type:       ir.TypeMap,
		Ruleset:    ir.Ruleset{Type: ir.RulesetGroup, InitialAdmin: n.agent},
		Uniqueness: n.provider.UniquenessSalt(),
	}
	c, err := n.create(h)
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	m, err := crdt.NewMap(n.source(c), n.resolverOptions()...)
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	g := &Group{node: n, m: m}
	if err := m.Set(string(n.agent), ir.String(RoleAdmin)); err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	if _, err := g.RotateReadKey(); err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	return g, nil
}

// Load returns the core for id, from memory, storage or server peers.
// Concurrent loads of one id share a single request. A value no peer has
// is requested again up to the retry budget, then ErrUnavailable.
func (n *Node) Load(ctx context.Context, id ir.RawCoID) (*core.Core, error) {
	v, err, _ := n.loads.Do(string(id), func() (any, error) {
		return n.load(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*core.Core), nil
}

func (n *Node) load(ctx context.Context, id ir.RawCoID) (*core.Core, error) {
	c, err := n.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	// Owning groups and branch sources are needed to read the value.
	for _, dep := range c.MissingDependencies() {
		if _, err := n.fetch(ctx, dep); err != nil {
			n.logger.Debug("dependency not loaded", "id", id, "dependency", dep, "error", err)
		}
	}
	return c, nil
}

func (n *Node) fetch(ctx context.Context, id ir.RawCoID) (*core.Core, error) {
	c, err := n.manager.LoadLocal(ctx, id)
	switch {
	case err == nil:
		return c, nil
	case errors.Is(err, store.ErrTombstoned):
		return nil, fmt.Errorf("load %s: %w", id, ErrDeleted)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("load %s: %w", id, err)
	}

	for attempt := 0; attempt <= n.retries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, n.retryDelay); err != nil {
				return nil, err
			}
		}
		state, err := n.manager.Request(ctx, id)
		if errors.Is(err, engine.ErrStopped) {
			return nil, ErrClosed
		}
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", id, err)
		}
		switch state {
		case engine.LoadAvailable:
			if c, ok := n.manager.Core(id); ok {
				return c, nil
			}
		case engine.LoadDeleted:
			return nil, fmt.Errorf("load %s: %w", id, ErrDeleted)
		}
		n.logger.Debug("value unavailable", "id", id, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("load %s: %w", id, ErrUnavailable)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func open[T any](ctx context.Context, n *Node, id ir.RawCoID, build func(crdt.Source, ...crdt.Option) (T, error)) (T, error) {
	var zero T
	c, err := n.Load(ctx, id)
	if err != nil {
		return zero, err
	}
	return build(n.source(c), n.resolverOptions()...)
}

// Map loads a comap.
func (n *Node) Map(ctx context.Context, id ir.RawCoID) (*crdt.Map, error) {
	return open(ctx, n, id, crdt.NewMap)
}

// List loads a colist.
func (n *Node) List(ctx context.Context, id ir.RawCoID) (*crdt.List, error) {
	return open(ctx, n, id, crdt.NewList)
}

// Stream loads a costream.
func (n *Node) Stream(ctx context.Context, id ir.RawCoID) (*crdt.Stream, error) {
	return open(ctx, n, id, crdt.NewStream)
}

// PlainText loads a coplaintext.
func (n *Node) PlainText(ctx context.Context, id ir.RawCoID) (*crdt.PlainText, error) {
	return open(ctx, n, id, crdt.NewPlainText)
}

// Resolve loads id and returns the resolver for its type.
func (n *Node) Resolve(ctx context.Context, id ir.RawCoID) (crdt.Resolver, error) {
	return open(ctx, n, id, crdt.New)
}

// LoadDeep resolves id and the values it references, following co_z ids
// in the materialized value up to depth levels. Referenced values that
// cannot be loaded are left out; only a failure on id itself is an error.
func (n *Node) LoadDeep(ctx context.Context, id ir.RawCoID, depth int) (map[ir.RawCoID]crdt.Resolver, error) {
	root, err := n.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	out := map[ir.RawCoID]crdt.Resolver{id: root}
	level := []crdt.Resolver{root}
	for ; depth > 0 && len(level) > 0; depth-- {
		var next []crdt.Resolver
		for _, r := range level {
			for _, ref := range references(r.Value()) {
				if _, seen := out[ref]; seen {
					continue
				}
				child, err := n.Resolve(ctx, ref)
				if err != nil {
					n.logger.Debug("reference not loaded", "id", id, "ref", ref, "error", err)
					continue
				}
				out[ref] = child
				next = append(next, child)
			}
		}
		level = next
	}
	return out, nil
}

// references collects the co_z ids among the strings of v, in order.
func references(v ir.Value) []ir.RawCoID {
	var refs []ir.RawCoID
	var walk func(ir.Value)
	walk = func(v ir.Value) {
		switch t := v.(type) {
		case ir.String:
			if ir.IsCoID(string(t)) {
				refs = append(refs, ir.RawCoID(t))
			}
		case ir.Array:
			for _, item := range t {
				walk(item)
			}
		case ir.Object:
			for _, k := range t.SortedKeys() {
				walk(t[k])
			}
		}
	}
	walk(v)
	return refs
}

// Group loads a group.
func (n *Node) Group(ctx context.Context, id ir.RawCoID) (*Group, error) {
	c, err := n.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.Header().IsGroup() {
		return nil, fmt.Errorf("load group %s: %w", id, crdt.ErrWrongType)
	}
	m, err := crdt.NewMap(n.source(c), n.resolverOptions()...)
	if err != nil {
		return nil, err
	}
	return &Group{node: n, m: m}, nil
}

// Subscribe calls fn with the resolved value now and after every change,
// local or remote, until the returned function is called.
func (n *Node) Subscribe(ctx context.Context, id ir.RawCoID, fn func(crdt.Resolver)) (func(), error) {
	r, err := n.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	c, ok := n.manager.Core(id)
	if !ok {
		return nil, fmt.Errorf("subscribe %s: %w", id, ErrDeleted)
	}
	unsubscribe := c.Subscribe(func() { fn(r) })
	fn(r)
	return unsubscribe, nil
}

// Delete tombstones id in storage and drops it from memory and from
// every peer's state. Loads of id then fail with ErrDeleted.
func (n *Node) Delete(ctx context.Context, id ir.RawCoID) error {
	if n.storage != nil {
		if err := n.storage.Delete(id).Wait(ctx); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}
	n.manager.Forget(id)
	n.logger.Info("value deleted", "id", id)
	return nil
}

// EraseDeleted removes the content of deleted values from storage,
// keeping their tombstones. It returns how many values were erased.
func (n *Node) EraseDeleted(ctx context.Context) (int, error) {
	if n.storage == nil {
		return 0, nil
	}
	return n.storage.EraseDeleted(ctx)
}

// Unsynced lists values with local changes no server peer acknowledged.
func (n *Node) Unsynced(ctx context.Context) ([]ir.RawCoID, error) {
	if n.storage == nil {
		return nil, nil
	}
	return n.storage.UnsyncedIDs(ctx)
}

// waitUntil blocks until cond holds, re-checking after every change to c.
func waitUntil(ctx context.Context, c *core.Core, cond func() bool) error {
	changed := make(chan struct{}, 1)
	unsubscribe := c.Subscribe(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
	return nil
}
