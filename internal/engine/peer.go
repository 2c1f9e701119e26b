package engine

import (
	"context"
	"runtime"

	"github.com/garden-co/cojson/internal/ir"
	"github.com/garden-co/cojson/internal/wire"
)

// Conn is a message channel to one peer. Receive and Send must return
// once ctx is done or the connection is closed.
type Conn interface {
	Send(ctx context.Context, msg wire.Message) error
	Receive(ctx context.Context) (wire.Message, error)
	Close() error
}

// Role says how a peer participates in sync.
type Role string

const (
	// RoleServer is an upstream peer: every local value is pushed to it
	// and loads are forwarded to it.
	RoleServer Role = "server"
	// RoleClient is a downstream peer: it receives the values it asked
	// for or sent us.
	RoleClient Role = "client"
)

// Peer describes a connection to register with the manager.
type Peer struct {
	ID   string
	Role Role
	Conn Conn
}

// peerState is the manager's view of one peer. Everything except the
// outbox is owned by the manager loop.
type peerState struct {
	Peer
	outbox *outbox
	cancel context.CancelFunc

	// known is what the peer confirmed; optimistic adds what we sent
	// since.
	known      map[ir.RawCoID]ir.KnownState
	optimistic map[ir.RawCoID]ir.KnownState
	// interested marks values the peer loaded or wrote. Server peers get
	// everything regardless.
	interested map[ir.RawCoID]bool
}

func newPeerState(p Peer, cancel context.CancelFunc) *peerState {
	return &peerState{
		Peer:       p,
		outbox:     newOutbox(),
		cancel:     cancel,
		known:      map[ir.RawCoID]ir.KnownState{},
		optimistic: map[ir.RawCoID]ir.KnownState{},
		interested: map[ir.RawCoID]bool{},
	}
}

func (p *peerState) wants(id ir.RawCoID) bool {
	return p.Role == RoleServer || p.interested[id]
}

// setKnown replaces both views, as for a load or a correction.
func (p *peerState) setKnown(k ir.KnownState) {
	p.known[k.ID] = k.Clone()
	p.optimistic[k.ID] = k.Clone()
}

// combineKnown folds an acknowledgement into both views.
func (p *peerState) combineKnown(k ir.KnownState) {
	known, ok := p.known[k.ID]
	if !ok {
		known = ir.NewKnownState(k.ID)
	}
	known.Combine(k)
	p.known[k.ID] = known

	opt, ok := p.optimistic[k.ID]
	if !ok {
		opt = ir.NewKnownState(k.ID)
	}
	opt.Combine(k)
	p.optimistic[k.ID] = opt
}

// sent records content we queued for the peer.
func (p *peerState) sent(k ir.KnownState) {
	opt, ok := p.optimistic[k.ID]
	if !ok {
		opt = ir.NewKnownState(k.ID)
	}
	opt.Combine(k)
	p.optimistic[k.ID] = opt
}

func (p *peerState) forget(id ir.RawCoID) {
	delete(p.known, id)
	delete(p.optimistic, id)
	delete(p.interested, id)
}

// send queues msg. Content goes by its priority; control messages are
// small and go first.
func (p *peerState) send(msg wire.Message) {
	prio := wire.PriorityHigh
	switch m := msg.(type) {
	case wire.ContentMessage:
		prio = m.Priority
	case wire.BatchMessage:
		prio = wire.PriorityLow
		for _, inner := range m.Messages {
			if c, ok := inner.(wire.ContentMessage); ok && c.Priority < prio {
				prio = c.Priority
			}
		}
	}
	p.outbox.Push(msg, prio)
}

// readLoop feeds the peer's messages into the manager queue.
func (m *Manager) readLoop(ctx context.Context, p *peerState) error {
	for {
		msg, err := p.Conn.Receive(ctx)
		if err != nil {
			return err
		}
		if !m.queue.Enqueue(event{kind: eventMessage, peer: p, msg: msg}) {
			return ErrStopped
		}
	}
}

// writeLoop drains the peer's outbox onto the connection, yielding
// between content chunks so large values do not hog the scheduler.
func (m *Manager) writeLoop(ctx context.Context, p *peerState) error {
	for {
		msg, prio, ok := p.outbox.Pop()
		if ok {
			if err := p.Conn.Send(ctx, msg); err != nil {
				return err
			}
			messagesSent.WithLabelValues(string(msg.Action()), prio.String()).Inc()
			if _, isContent := msg.(wire.ContentMessage); isContent {
				runtime.Gosched()
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, open := <-p.outbox.Wait():
			if !open {
				return nil
			}
		}
	}
}
