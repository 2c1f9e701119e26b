package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/garden-co/cojson/internal/core"
	"github.com/garden-co/cojson/internal/crypto"
	"github.com/garden-co/cojson/internal/ir"
	"github.com/garden-co/cojson/internal/store"
	"github.com/garden-co/cojson/internal/wire"
)

func (m *Manager) handleMessage(ctx context.Context, p *peerState, msg wire.Message) error {
	if current, ok := m.peers[p.ID]; !ok || current != p {
		// Late message from a peer that was closed or replaced.
		return nil
	}
	messagesReceived.WithLabelValues(string(msg.Action())).Inc()
	m.logger.Debug("sync message", "peer", p.ID, "action", msg.Action(), "id", wire.CoID(msg))

	switch msg := msg.(type) {
	case wire.LoadMessage:
		return m.handleLoad(ctx, p, msg)
	case wire.KnownMessage:
		return m.handleKnown(ctx, p, msg)
	case wire.ContentMessage:
		return m.handleContent(ctx, p, msg)
	case wire.SignatureMismatchMessage:
		return m.handleSignatureMismatch(ctx, p, msg)
	case wire.BatchMessage:
		var errs []error
		for _, inner := range msg.Messages {
			if err := m.handleMessage(ctx, p, inner); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	default:
		return fmt.Errorf("unexpected message %T", msg)
	}
}

// localCore returns the core for id from memory or storage. A nil core
// with a nil error means we do not have it.
func (m *Manager) localCore(ctx context.Context, id ir.RawCoID, peer string) (*core.Core, error) {
	c, err := m.LoadLocal(ctx, id)
	switch {
	case err == nil:
		return c, nil
	case errors.Is(err, store.ErrNotFound):
		return nil, nil
	case errors.Is(err, store.ErrTombstoned):
		return nil, newSyncError(ErrCodeDeleted, id, peer, "value is deleted", err)
	default:
		return nil, newSyncError(ErrCodeStorage, id, peer, "load from storage", err)
	}
}

func deletedReply(id ir.RawCoID) wire.KnownMessage {
	return wire.KnownMessage{ID: id, Sessions: ir.SessionCounts{}, Deleted: true}
}

func (m *Manager) handleLoad(ctx context.Context, p *peerState, msg wire.LoadMessage) error {
	p.interested[msg.ID] = true
	p.setKnown(msg.KnownState())

	c, err := m.localCore(ctx, msg.ID, p.ID)
	if IsDeleted(err) {
		p.send(deletedReply(msg.ID))
		return nil
	}
	if err != nil {
		return err
	}
	if c == nil {
		p.send(wire.NewKnownMessage(ir.NewKnownState(msg.ID)))
		if p.Role == RoleClient {
			// Ask upstream; the client is pushed the value once it arrives.
			m.requestFromServers(msg.ID, p.ID)
		}
		return nil
	}

	// Content goes first, then what we hold, so the peer also learns which
	// of its own sessions we lack and pushes them.
	m.pushTo(p, []*core.Core{c}, false)
	p.send(wire.NewKnownMessage(c.KnownState()))
	m.checkOwnSession(p, c, msg.KnownState())
	return nil
}

func (m *Manager) handleKnown(ctx context.Context, p *peerState, msg wire.KnownMessage) error {
	id := msg.ID
	if msg.Deleted {
		p.forget(id)
		m.resolve(id, LoadDeleted)
		return nil
	}
	if msg.IsCorrection {
		corrections.WithLabelValues("received").Inc()
		p.setKnown(msg.KnownState())
	} else {
		p.combineKnown(msg.KnownState())
	}

	c, ok := m.Core(id)
	if !ok {
		if pl, pending := m.pending[id]; pending && !msg.Header && pl.asked[p.ID] {
			delete(pl.asked, p.ID)
			if len(pl.asked) == 0 {
				m.resolve(id, LoadUnavailable)
			}
		}
		return nil
	}

	if p.wants(id) {
		m.pushTo(p, []*core.Core{c}, false)
	}
	if p.Role == RoleServer && m.storage != nil && c.KnownState().IsSubsetOf(p.known[id]) {
		m.storage.MarkSynced(store.SyncStateUpdate{ID: id, PeerID: p.ID, Synced: true})
	}
	m.checkOwnSession(p, c, msg.KnownState())
	return nil
}

// checkOwnSession asks for our own session when a peer holds more of it
// than we do, which means our history diverged from what we once sent.
// The peer's content then fails to verify and recovery takes over.
func (m *Manager) checkOwnSession(p *peerState, c *core.Core, theirs ir.KnownState) {
	sid := m.identity.Session
	if sid == "" {
		return
	}
	if theirs.Sessions[sid] > c.KnownState().Sessions[sid] {
		p.send(wire.NewLoadMessage(c.KnownState()))
	}
}

func (m *Manager) handleContent(ctx context.Context, p *peerState, msg wire.ContentMessage) error {
	id := msg.ID
	p.interested[id] = true

	c, err := m.localCore(ctx, id, p.ID)
	if IsDeleted(err) {
		p.send(deletedReply(id))
		return err
	}
	if err != nil {
		return err
	}
	if c == nil {
		if msg.Header == nil {
			p.send(wire.KnownMessage{ID: id, Sessions: ir.SessionCounts{}, IsCorrection: true})
			corrections.WithLabelValues("sent").Inc()
			return newSyncError(ErrCodeMissingHeader, id, p.ID, "content for an unknown value without header", nil)
		}
		if got, err := ir.IDForHeader(*msg.Header); err != nil || got != id {
			return newSyncError(ErrCodeMissingHeader, id, p.ID, "header does not match id", err)
		}
		fresh, err := m.newCore(*msg.Header)
		if err != nil {
			return fmt.Errorf("content %s: %w", id, err)
		}
		c = m.register(fresh)
	}

	var (
		errs      []error
		correct   bool
		applied   int
		delivered = ir.NewKnownState(id)
	)
	delivered.Header = true
	for _, sid := range slices.Sorted(maps.Keys(msg.New)) {
		content := msg.New[sid]
		n, err := c.ApplyNewContent(sid, content.After, content.NewTransactions, content.LastSignature, false)
		switch {
		case err == nil:
			applied += n
			delivered.Sessions[sid] = content.After + len(content.NewTransactions)
		case IsInvalidAssumption(err):
			correct = true
			errs = append(errs, newSessionError(ErrCodeInvalidAssumption, id, sid, p.ID, err))
		case IsSignatureMismatch(err):
			errs = append(errs, newSessionError(ErrCodeSignatureMismatch, id, sid, p.ID, err))
			m.handleMismatch(p, c, sid, content)
		default:
			errs = append(errs, fmt.Errorf("content %s/%s: %w", id, sid, err))
		}
	}
	p.combineKnown(delivered)

	if applied > 0 {
		transactionsReceived.Add(float64(applied))
		m.persist(c)
		for _, other := range m.sortedPeers() {
			if other != p && other.wants(id) {
				m.pushTo(other, []*core.Core{c}, false)
			}
		}
	}

	if correct {
		corrections.WithLabelValues("sent").Inc()
		k := c.KnownState()
		p.send(wire.KnownMessage{ID: id, Header: true, Sessions: k.Sessions, IsCorrection: true})
	} else {
		p.send(wire.NewKnownMessage(c.KnownState()))
	}

	if _, pending := m.pending[id]; pending {
		until := ir.KnownState{ID: id, Sessions: msg.ExpectContentUntil}
		if msg.ExpectContentUntil == nil || until.IsSubsetOf(c.KnownState()) {
			m.resolve(id, LoadAvailable)
		}
	}
	return errors.Join(errs...)
}

// handleMismatch reacts to a session run that failed verification.
func (m *Manager) handleMismatch(p *peerState, c *core.Core, sid ir.SessionID, content wire.SessionNewContent) {
	if sid == m.identity.Session {
		if content.After == 0 {
			m.recover(p, c, 0, content.NewTransactions, content.LastSignature)
			return
		}
		// Ask for the peer's whole version of our session.
		k := c.KnownState()
		k.Sessions[sid] = 0
		p.send(wire.KnownMessage{ID: c.ID(), Header: true, Sessions: k.Sessions, IsCorrection: true})
		corrections.WithLabelValues("sent").Inc()
		return
	}

	log, ok := c.Session(sid)
	if !ok || log.Len() == 0 {
		return
	}
	// Tell the author which version we hold so it can rebase.
	p.send(wire.SignatureMismatchMessage{
		ID:              c.ID(),
		SessionID:       sid,
		After:           0,
		NewTransactions: log.Transactions(),
		LastSignature:   log.LastSignature(),
	})
}

func (m *Manager) handleSignatureMismatch(ctx context.Context, p *peerState, msg wire.SignatureMismatchMessage) error {
	if msg.SessionID != m.identity.Session || m.identity.Session == "" {
		return newSessionError(ErrCodeSignatureMismatch, msg.ID, msg.SessionID, p.ID,
			errors.New("mismatch reported for a session we do not own"))
	}
	c, err := m.localCore(ctx, msg.ID, p.ID)
	if err != nil {
		return err
	}
	if c == nil {
		return nil
	}
	m.recover(p, c, msg.After, msg.NewTransactions, msg.LastSignature)
	return nil
}

// recover rebases our session onto the peer's verified version, persists
// the result and pushes it everywhere.
func (m *Manager) recover(p *peerState, c *core.Core, after int, txs []ir.Transaction, sig crypto.Signature) {
	sid := m.identity.Session
	log, err := c.Recover(m.identity, after, txs, sig)
	if err != nil {
		recoveries.WithLabelValues("failed").Inc()
		m.logger.Error("session recovery failed", "id", c.ID(), "session", sid, "peer", p.ID, "error", err)
		return
	}
	recoveries.WithLabelValues("ok").Inc()

	if m.storage != nil {
		f := m.storage.ReplaceSession(c.ID(), log)
		go func() {
			if err := f.Wait(m.ctx); err != nil && !errors.Is(err, context.Canceled) {
				syncErrors.WithLabelValues(string(ErrCodeStorage)).Inc()
				m.logger.Error("persist recovered session failed", "id", c.ID(), "error", err)
			}
		}()
	}

	// The reporting peer holds exactly the version we rebased onto.
	held := ir.NewKnownState(c.ID())
	held.Header = true
	held.Sessions[sid] = after + len(txs)
	if k, ok := p.known[c.ID()]; ok {
		k.Sessions[sid] = held.Sessions[sid]
		p.known[c.ID()] = k
	}
	if k, ok := p.optimistic[c.ID()]; ok {
		k.Sessions[sid] = held.Sessions[sid]
		p.optimistic[c.ID()] = k
	} else {
		p.sent(held)
	}

	for _, other := range m.sortedPeers() {
		if other.wants(c.ID()) {
			m.pushTo(other, []*core.Core{c}, false)
		}
	}
}

// pushTo queues whatever p lacks of cores, dependencies first. With batch
// set everything goes out as one batch message. It reports whether
// anything was queued.
func (m *Manager) pushTo(p *peerState, cores []*core.Core, batch bool) bool {
	var msgs []wire.Message
	seen := map[ir.RawCoID]bool{}
	for _, c := range cores {
		msgs = m.collectContent(p, c, seen, msgs)
	}
	if len(msgs) == 0 {
		return false
	}
	if batch && len(msgs) > 1 {
		p.send(wire.BatchMessage{Messages: msgs})
		return true
	}
	for _, msg := range msgs {
		p.send(msg)
	}
	return true
}

func (m *Manager) collectContent(p *peerState, c *core.Core, seen map[ir.RawCoID]bool, out []wire.Message) []wire.Message {
	id := c.ID()
	if seen[id] {
		return out
	}
	seen[id] = true

	start := len(out)
	for _, dep := range c.Dependencies() {
		if d, ok := m.Core(dep); ok {
			p.interested[dep] = true
			out = m.collectContent(p, d, seen, out)
		}
	}
	// A dependency never waits behind what depends on it.
	prio := wire.PriorityFor(c.Header())
	for i := start; i < len(out); i++ {
		if dep, ok := out[i].(wire.ContentMessage); ok && dep.Priority > prio {
			dep.Priority = prio
			out[i] = dep
		}
	}

	// Read before extracting so a concurrent write is resent, never lost.
	have := c.KnownState()
	var since *ir.KnownState
	if k, ok := p.optimistic[id]; ok {
		since = &k
	}
	for _, msg := range c.NewContentSince(since) {
		if msg.IsEmpty() {
			continue
		}
		out = append(out, msg)
	}
	p.sent(have)
	return out
}
