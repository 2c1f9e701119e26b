package core

import (
	"slices"

	"github.com/garden-co/cojson/internal/ir"
	"github.com/garden-co/cojson/internal/wire"
)

// NewContentSince returns the content messages a peer that holds known
// needs to catch up. A nil known means the peer has nothing.
//
// Sessions are split at signature checkpoints; the i-th message carries
// the i-th chunk of every session, so each message verifies on its own
// once the previous ones are applied. The header rides on the first
// message when the peer lacks it. Returns nil when the peer is up to date.
func (c *Core) NewContentSince(known *ir.KnownState) []wire.ContentMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	priority := wire.PriorityFor(c.header)
	newMessage := func() wire.ContentMessage {
		return wire.ContentMessage{
			ID:       c.id,
			Priority: priority,
			New:      map[ir.SessionID]wire.SessionNewContent{},
		}
	}

	var msgs []wire.ContentMessage
	sids := make([]ir.SessionID, 0, len(c.sessions))
	for sid := range c.sessions {
		sids = append(sids, sid)
	}
	slices.Sort(sids)

	for _, sid := range sids {
		from := 0
		if known != nil {
			from = known.Sessions[sid]
		}
		for i, chunk := range c.sessions[sid].ChunksSince(from) {
			for len(msgs) <= i {
				msgs = append(msgs, newMessage())
			}
			msgs[i].New[sid] = wire.SessionNewContent{
				After:           chunk.After,
				NewTransactions: chunk.Transactions,
				LastSignature:   chunk.Signature,
			}
		}
	}

	if known == nil || !known.Header {
		if len(msgs) == 0 {
			msgs = append(msgs, newMessage())
		}
		header := c.header
		msgs[0].Header = &header
	}

	if len(msgs) > 1 {
		until := c.knownStateLocked().Sessions
		for i := range msgs {
			msgs[i].ExpectContentUntil = until
		}
	}
	return msgs
}

// Dependencies returns the CoValues that must be known before this one can
// be resolved: the owning group, the branch source and any CoValue id
// referenced by readable changes.
func (c *Core) Dependencies() []ir.RawCoID {
	c.mu.Lock()
	c.decodeNewLocked()
	set := make(map[ir.RawCoID]struct{}, len(c.deps)+2)
	for id := range c.deps {
		set[id] = struct{}{}
	}
	c.mu.Unlock()

	if c.header.Ruleset.Type == ir.RulesetOwnedByGroup && c.header.Ruleset.Group != "" {
		set[c.header.Ruleset.Group] = struct{}{}
	}
	if _, source, ok := c.header.BranchInfo(); ok {
		set[source] = struct{}{}
	}
	delete(set, c.id)

	out := make([]ir.RawCoID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// MissingDependencies returns the dependencies the registry cannot
// resolve yet.
func (c *Core) MissingDependencies() []ir.RawCoID {
	var out []ir.RawCoID
	for _, id := range c.Dependencies() {
		if c.registry == nil {
			out = append(out, id)
			continue
		}
		if _, ok := c.registry.Core(id); !ok {
			out = append(out, id)
		}
	}
	return out
}
