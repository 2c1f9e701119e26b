package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/garden-co/cojson/internal/crdt"
	"github.com/garden-co/cojson/internal/crypto"
	"github.com/garden-co/cojson/internal/engine"
	"github.com/garden-co/cojson/internal/ir"
	"github.com/garden-co/cojson/internal/node"
	"github.com/garden-co/cojson/internal/testutil"
	"github.com/garden-co/cojson/internal/transport"
)

// SyncTimeout bounds every sync step.
const SyncTimeout = 10 * time.Second

// Harness runs one scenario. All nodes share one madeAt clock, so edits
// made by later steps always win last-writer-wins ties and the final
// views do not depend on scheduling.
type Harness struct {
	provider crypto.Provider
	clock    *node.Clock
	logger   *slog.Logger

	names []string
	nodes map[string]*node.Node
	links map[Link]*transport.PipeConn
	dials int

	handles []string
	values  map[string]ir.RawCoID
	types   map[string]ir.CoValueType
	groups  map[string]ir.RawCoID
}

// Run executes a scenario in fresh in-memory nodes and returns the
// result. Step failures are returned as errors; assertion failures are
// recorded on the result.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run bounded by ctx.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	h, err := newHarness(scenario.Nodes)
	if err != nil {
		return nil, err
	}
	defer h.close()

	for _, l := range scenario.Links {
		if err := h.connect(l.Client, l.Server); err != nil {
			return nil, fmt.Errorf("link %s -> %s: %w", l.Client, l.Server, err)
		}
	}
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("steps[%d] (%s): %w", i, step.Op, err)
		}
	}

	result := NewResult()
	if err := h.collectViews(ctx, result); err != nil {
		return nil, err
	}
	for _, msg := range EvaluateAssertions(ctx, h, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(names []string) (*Harness, error) {
	h := &Harness{
		provider: crypto.NewDefault(),
		clock:    node.NewClock(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		names:    names,
		nodes:    map[string]*node.Node{},
		links:    map[Link]*transport.PipeConn{},
		values:   map[string]ir.RawCoID{},
		types:    map[string]ir.CoValueType{},
		groups:   map[string]ir.RawCoID{},
	}
	for _, name := range names {
		secret, err := crypto.NewAgentSecret(h.provider)
		if err != nil {
			h.close()
			return nil, err
		}
		n, err := node.New(h.provider, secret,
			node.WithClock(h.clock),
			node.WithLogger(h.logger.With("node", name)),
			node.WithSuffixGenerator(testutil.NewFixedSuffixGenerator(name)),
			node.WithLoadRetries(10, 50*time.Millisecond),
		)
		if err != nil {
			h.close()
			return nil, fmt.Errorf("start node %s: %w", name, err)
		}
		h.nodes[name] = n
	}
	return h, nil
}

func (h *Harness) close() {
	for _, conn := range h.links {
		_ = conn.Close()
	}
	for _, n := range h.nodes {
		_ = n.Close()
	}
}

// connect links client to server with a fresh pipe. Peer ids are unique
// per connection so a reconnect never collides with the peer it
// replaces.
func (h *Harness) connect(client, server string) error {
	key := Link{Client: client, Server: server}
	if _, ok := h.links[key]; ok {
		return fmt.Errorf("already connected")
	}
	h.dials++
	a, b := transport.Pipe()
	err := h.nodes[client].AddPeer(engine.Peer{ID: fmt.Sprintf("%s#%d", server, h.dials), Role: engine.RoleServer, Conn: a})
	if err == nil {
		err = h.nodes[server].AddPeer(engine.Peer{ID: fmt.Sprintf("%s#%d", client, h.dials), Role: engine.RoleClient, Conn: b})
	}
	if err != nil {
		_ = a.Close()
		return err
	}
	h.links[key] = a
	return nil
}

func (h *Harness) disconnect(a, b string) error {
	for _, key := range []Link{{Client: a, Server: b}, {Client: b, Server: a}} {
		if conn, ok := h.links[key]; ok {
			delete(h.links, key)
			return conn.Close()
		}
	}
	return fmt.Errorf("%s and %s are not connected", a, b)
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	n := h.nodes[step.Node]
	switch step.Op {
	case OpCreate:
		return h.create(ctx, n, step)
	case OpGroup:
		g, err := n.CreateGroup()
		if err != nil {
			return err
		}
		h.groups[step.Name] = g.ID()
		return nil
	case OpAddMember, OpRemoveMember:
		g, err := n.Group(ctx, h.groups[step.Group])
		if err != nil {
			return err
		}
		member := h.nodes[step.Member].Agent()
		if step.Op == OpAddMember {
			return g.AddMember(member, node.Role(step.Role))
		}
		return g.RemoveMember(member)
	case OpSet:
		v, err := ir.FromGo(step.Data)
		if err != nil {
			return err
		}
		m, err := n.Map(ctx, h.values[step.Value])
		if err != nil {
			return err
		}
		return m.Set(step.Key, v)
	case OpDelete:
		m, err := n.Map(ctx, h.values[step.Value])
		if err != nil {
			return err
		}
		return m.Delete(step.Key)
	case OpAppend, OpPrepend:
		return h.insert(ctx, n, step)
	case OpConnect:
		return h.connect(step.Node, step.Peer)
	case OpDisconnect:
		return h.disconnect(step.Node, step.Peer)
	case OpSync:
		return h.sync(ctx, step.Nodes)
	case OpBranch:
		id, err := n.CreateBranch(ctx, h.values[step.Value], step.Branch, nil)
		if err != nil {
			return err
		}
		h.define(step.Name, id, h.types[step.Value])
		return nil
	case OpMerge:
		_, err := n.MergeBranch(ctx, h.values[step.Value])
		return err
	}
	return fmt.Errorf("unknown op %q", step.Op)
}

func (h *Harness) define(name string, id ir.RawCoID, typ ir.CoValueType) {
	h.handles = append(h.handles, name)
	h.values[name] = id
	h.types[name] = typ
}

func (h *Harness) create(ctx context.Context, n *node.Node, step Step) error {
	var owner *node.Group
	if step.Group != "" {
		g, err := n.Group(ctx, h.groups[step.Group])
		if err != nil {
			return err
		}
		owner = g
	}
	var (
		id  ir.RawCoID
		err error
	)
	switch step.Type {
	case ir.TypeMap:
		var m *crdt.Map
		if m, err = n.CreateMap(owner); err == nil {
			id = m.ID()
		}
	case ir.TypeList:
		var l *crdt.List
		if l, err = n.CreateList(owner); err == nil {
			id = l.ID()
		}
	case ir.TypeStream:
		var s *crdt.Stream
		if s, err = n.CreateStream(owner); err == nil {
			id = s.ID()
		}
	case ir.TypePlainText:
		var p *crdt.PlainText
		if p, err = n.CreatePlainText(owner); err == nil {
			id = p.ID()
		}
	default:
		return fmt.Errorf("unsupported type %q", step.Type)
	}
	if err != nil {
		return err
	}
	h.define(step.Name, id, step.Type)
	return nil
}

func (h *Harness) insert(ctx context.Context, n *node.Node, step Step) error {
	id := h.values[step.Value]
	switch typ := h.types[step.Value]; typ {
	case ir.TypePlainText:
		text, ok := step.Data.(string)
		if !ok {
			return fmt.Errorf("text data must be a string, got %T", step.Data)
		}
		p, err := n.PlainText(ctx, id)
		if err != nil {
			return err
		}
		if step.Op == OpPrepend && p.Len() > 0 {
			return p.InsertBefore(0, text)
		}
		return p.Append(text)
	case ir.TypeList:
		v, err := ir.FromGo(step.Data)
		if err != nil {
			return err
		}
		l, err := n.List(ctx, id)
		if err != nil {
			return err
		}
		if step.Op == OpPrepend {
			return l.Prepend(v)
		}
		return l.Append(v)
	case ir.TypeStream:
		if step.Op == OpPrepend {
			return fmt.Errorf("streams only append")
		}
		v, err := ir.FromGo(step.Data)
		if err != nil {
			return err
		}
		s, err := n.Stream(ctx, id)
		if err != nil {
			return err
		}
		return s.Push(v)
	default:
		return fmt.Errorf("cannot %s to a %s", step.Op, typ)
	}
}

func (h *Harness) scope(names []string) []string {
	if len(names) == 0 {
		return h.names
	}
	return names
}

// allIDs returns every value and group id, groups first.
func (h *Harness) allIDs() []ir.RawCoID {
	ids := make([]ir.RawCoID, 0, len(h.groups)+len(h.values))
	for _, id := range h.groups {
		ids = append(ids, id)
	}
	for _, name := range h.handles {
		ids = append(ids, h.values[name])
	}
	return ids
}

// sync loads every value on every node in scope and waits until they all
// hold the same sessions.
func (h *Harness) sync(ctx context.Context, names []string) error {
	ctx, cancel := context.WithTimeout(ctx, SyncTimeout)
	defer cancel()

	nodes := h.scope(names)
	ids := h.allIDs()
	for _, name := range nodes {
		for _, id := range ids {
			if _, err := h.nodes[name].Load(ctx, id); err != nil {
				return fmt.Errorf("%s cannot load %s: %w", name, id, err)
			}
		}
	}

	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		diverged := h.firstDivergence(nodes, ids)
		if diverged == "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("not converged: %s", diverged)
		case <-tick.C:
		}
	}
}

// firstDivergence describes the first value whose known state differs
// between nodes, or returns "".
func (h *Harness) firstDivergence(nodes []string, ids []ir.RawCoID) string {
	for _, id := range ids {
		var (
			first     ir.KnownState
			firstNode string
		)
		for _, name := range nodes {
			c, ok := h.nodes[name].Manager().Core(id)
			if !ok {
				return fmt.Sprintf("%s does not hold %s", name, id)
			}
			known := c.KnownState()
			if firstNode == "" {
				first, firstNode = known, name
				continue
			}
			if !known.Equal(first) {
				return fmt.Sprintf("%s on %s differs from %s", id, name, firstNode)
			}
		}
	}
	return ""
}

// view materializes a value as a node sees it. Streams are flattened to
// their chronological items so views carry no session ids.
func (h *Harness) view(ctx context.Context, n *node.Node, handle string) (ir.Value, error) {
	id := h.values[handle]
	if h.types[handle] == ir.TypeStream {
		s, err := n.Stream(ctx, id)
		if err != nil {
			return nil, err
		}
		items := s.Chronological()
		out := make(ir.Array, len(items))
		for i, item := range items {
			out[i] = item.Value
		}
		return out, nil
	}
	r, err := n.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.Value(), nil
}

// collectViews records every value each node already holds.
func (h *Harness) collectViews(ctx context.Context, result *Result) error {
	for _, name := range h.names {
		n := h.nodes[name]
		views := ir.Object{}
		for _, handle := range h.handles {
			if _, ok := n.Manager().Core(h.values[handle]); !ok {
				continue
			}
			v, err := h.view(ctx, n, handle)
			if err != nil {
				return fmt.Errorf("view %s on %s: %w", handle, name, err)
			}
			views[handle] = v
		}
		result.Views[name] = views
	}
	return nil
}
