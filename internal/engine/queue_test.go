package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garden-co/cojson/internal/ir"
	"github.com/garden-co/cojson/internal/wire"
)

func TestEventQueueFIFO(t *testing.T) {
	q := newEventQueue()
	for _, id := range []ir.RawCoID{"co_z1", "co_z2", "co_z3"} {
		require.True(t, q.Enqueue(event{kind: eventChanged, ids: []ir.RawCoID{id}}))
	}
	assert.Equal(t, 3, q.Len())

	var got []ir.RawCoID
	for {
		ev, ok := q.TryDequeue()
		if !ok {
			break
		}
		got = append(got, ev.ids[0])
	}
	assert.Equal(t, []ir.RawCoID{"co_z1", "co_z2", "co_z3"}, got)

	q.Close()
	q.Close()
	assert.False(t, q.Enqueue(event{kind: eventChanged}))
	_, open := <-q.Wait()
	assert.False(t, open)
}

func content(id ir.RawCoID, p wire.Priority) wire.ContentMessage {
	return wire.ContentMessage{ID: id, Priority: p, New: map[ir.SessionID]wire.SessionNewContent{}}
}

func TestOutboxPriorityOrder(t *testing.T) {
	o := newOutbox()
	o.Push(content("co_zLow1", wire.PriorityLow), wire.PriorityLow)
	o.Push(content("co_zMed1", wire.PriorityMedium), wire.PriorityMedium)
	o.Push(content("co_zLow2", wire.PriorityLow), wire.PriorityLow)
	o.Push(content("co_zHigh", wire.PriorityHigh), wire.PriorityHigh)
	o.Push(content("co_zMed2", wire.PriorityMedium), wire.PriorityMedium)
	assert.Equal(t, 5, o.Len())

	var got []ir.RawCoID
	for {
		msg, _, ok := o.Pop()
		if !ok {
			break
		}
		got = append(got, wire.CoID(msg))
	}
	assert.Equal(t, []ir.RawCoID{"co_zHigh", "co_zMed1", "co_zMed2", "co_zLow1", "co_zLow2"}, got)
}

func TestOutboxHighOvertakesQueuedMedium(t *testing.T) {
	o := newOutbox()
	o.Push(content("co_zMed1", wire.PriorityMedium), wire.PriorityMedium)
	o.Push(content("co_zMed2", wire.PriorityMedium), wire.PriorityMedium)

	msg, prio, ok := o.Pop()
	require.True(t, ok)
	assert.Equal(t, ir.RawCoID("co_zMed1"), wire.CoID(msg))
	assert.Equal(t, wire.PriorityMedium, prio)

	o.Push(wire.NewKnownMessage(ir.NewKnownState("co_zAck")), wire.PriorityHigh)
	msg, prio, ok = o.Pop()
	require.True(t, ok)
	assert.Equal(t, ir.RawCoID("co_zAck"), wire.CoID(msg))
	assert.Equal(t, wire.PriorityHigh, prio)
}

func TestOutboxClose(t *testing.T) {
	o := newOutbox()
	o.Push(content("co_z1", wire.PriorityLow), wire.PriorityLow)
	o.Close()
	assert.False(t, o.Push(content("co_z2", wire.PriorityLow), wire.PriorityLow))
	_, _, ok := o.Pop()
	assert.False(t, ok)
	assert.Equal(t, 0, o.Len())
	_, open := <-o.Wait()
	assert.False(t, open, "a pending wake must not hide the close")
}

func TestPeerSendClassifiesMessages(t *testing.T) {
	p := newPeerState(Peer{ID: "p", Role: RoleClient}, func() {})
	p.send(content("co_zStream", wire.PriorityLow))
	p.send(wire.BatchMessage{Messages: []wire.Message{
		content("co_zStream2", wire.PriorityLow),
		content("co_zMap", wire.PriorityMedium),
	}})
	p.send(wire.NewLoadMessage(ir.NewKnownState("co_zLoad")))

	msg, prio, _ := p.outbox.Pop()
	assert.Equal(t, wire.ActionLoad, msg.Action())
	assert.Equal(t, wire.PriorityHigh, prio)
	msg, prio, _ = p.outbox.Pop()
	assert.Equal(t, wire.ActionBatch, msg.Action())
	assert.Equal(t, wire.PriorityMedium, prio)
	msg, _, _ = p.outbox.Pop()
	assert.Equal(t, ir.RawCoID("co_zStream"), wire.CoID(msg))
}

func TestPeerKnownTracking(t *testing.T) {
	p := newPeerState(Peer{ID: "p", Role: RoleServer}, func() {})
	id := ir.RawCoID("co_zValue")

	p.sent(ir.KnownState{ID: id, Header: true, Sessions: ir.SessionCounts{"s": 5}})
	assert.Equal(t, 5, p.optimistic[id].Sessions["s"])
	_, confirmed := p.known[id]
	assert.False(t, confirmed)

	p.combineKnown(ir.KnownState{ID: id, Header: true, Sessions: ir.SessionCounts{"s": 3}})
	assert.Equal(t, 3, p.known[id].Sessions["s"])
	assert.Equal(t, 5, p.optimistic[id].Sessions["s"])

	// A correction resets both views.
	p.setKnown(ir.KnownState{ID: id, Header: true, Sessions: ir.SessionCounts{"s": 1}})
	assert.Equal(t, 1, p.known[id].Sessions["s"])
	assert.Equal(t, 1, p.optimistic[id].Sessions["s"])

	assert.True(t, p.wants(id))
	p.forget(id)
	assert.Empty(t, p.known)
}
