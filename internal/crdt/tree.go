package crdt

import (
	"slices"

	"github.com/garden-co/cojson/internal/ir"
)

const (
	opApp = "app"
	opPre = "pre"
)

// ListEntry is one live item of a list.
type ListEntry struct {
	OpID   ir.OpID
	Value  ir.Value
	MadeAt int64
}

type listNode struct {
	id     ir.OpID
	value  ir.Value
	madeAt int64
	// preds are inserted "before" this node; later inserts sit closer to it.
	preds []ir.OpID
	// succs are inserted "after" this node; later inserts sit closer to it,
	// so new successors go to the front.
	succs []ir.OpID
}

type pendingInsert struct {
	op     ir.OpID
	before bool
	value  ir.Value
	madeAt int64
}

// listTree is the insertion tree shared by List and PlainText. Every
// item hangs off exactly one anchor: another item, or the start or end of
// the list. Reading walks predecessors, the item, then successors.
type listTree struct {
	nodes      map[ir.OpID]*listNode
	afterStart []ir.OpID
	beforeEnd  []ir.OpID
	deleted    map[ir.OpID]bool
	// pending holds inserts whose anchor is not known yet.
	pending map[ir.OpID][]pendingInsert

	// chains maps the head of every maximal linear chain of two or more
	// nodes to its members. Rebuilt after a structural change.
	chains map[ir.OpID][]ir.OpID
	// predChains maps a node to the linear run of predecessors that reads
	// directly before it, deepest first. Head inserts build these.
	predChains map[ir.OpID][]ir.OpID
	compacted  bool

	entries []ListEntry
	cached  bool
}

func newListTree() *listTree {
	return &listTree{
		nodes:   map[ir.OpID]*listNode{},
		deleted: map[ir.OpID]bool{},
		pending: map[ir.OpID][]pendingInsert{},
	}
}

// resolveFunc maps a referenced op to the op it lives under in this
// value, following merge aliases.
type resolveFunc func(ir.OpID) ir.OpID

// applyTx folds the list changes of one transaction into the tree.
func (t *listTree) applyTx(tx ir.ValidTransaction, resolve resolveFunc) (skipped int) {
	for ch, change := range tx.Changes {
		op, ok := change.(ir.Object)
		if !ok {
			skipped++
			continue
		}
		id := ir.NewOpID(tx.TxID, ch)
		kind, _ := op.Str("op")
		switch kind {
		case opApp:
			anchor, err := ir.ParseAnchor(op["after"])
			if err != nil || anchor.End {
				skipped++
				continue
			}
			if anchor.Start {
				t.attachAfterStart(id, op["value"], tx.MadeAt)
				continue
			}
			t.attach(resolve(anchor.Op), pendingInsert{op: id, value: op["value"], madeAt: tx.MadeAt})
		case opPre:
			anchor, err := ir.ParseAnchor(op["before"])
			if err != nil || anchor.Start {
				skipped++
				continue
			}
			if anchor.End {
				t.attachBeforeEnd(id, op["value"], tx.MadeAt)
				continue
			}
			t.attach(resolve(anchor.Op), pendingInsert{op: id, before: true, value: op["value"], madeAt: tx.MadeAt})
		case opDel:
			target, err := ir.ParseOpID(stringOf(op["insertion"]))
			if err != nil {
				skipped++
				continue
			}
			t.deleted[resolve(target)] = true
			t.cached = false
		default:
			skipped++
		}
	}
	return skipped
}

func stringOf(v ir.Value) string {
	s, _ := v.(ir.String)
	return string(s)
}

func (t *listTree) newNode(id ir.OpID, value ir.Value, madeAt int64) {
	if value == nil {
		value = ir.Null{}
	}
	t.nodes[id] = &listNode{id: id, value: value, madeAt: madeAt}
	t.compacted = false
	t.cached = false

	// Inserts that arrived before their anchor.
	if waiting, ok := t.pending[id]; ok {
		delete(t.pending, id)
		for _, p := range waiting {
			t.attach(id, p)
		}
	}
}

func (t *listTree) attachAfterStart(id ir.OpID, value ir.Value, madeAt int64) {
	t.afterStart = append([]ir.OpID{id}, t.afterStart...)
	t.newNode(id, value, madeAt)
}

func (t *listTree) attachBeforeEnd(id ir.OpID, value ir.Value, madeAt int64) {
	t.beforeEnd = append(t.beforeEnd, id)
	t.newNode(id, value, madeAt)
}

func (t *listTree) attach(anchor ir.OpID, p pendingInsert) {
	parent, ok := t.nodes[anchor]
	if !ok {
		t.pending[anchor] = append(t.pending[anchor], p)
		return
	}
	if p.before {
		parent.preds = append(parent.preds, p.op)
	} else {
		parent.succs = append([]ir.OpID{p.op}, parent.succs...)
	}
	t.newNode(p.op, p.value, p.madeAt)
}

// materialize returns the live items in order, using the compacted
// representation.
func (t *listTree) materialize() []ListEntry {
	if t.cached {
		return t.entries
	}
	if !t.compacted {
		t.compact()
	}
	out := make([]ListEntry, 0, len(t.nodes))
	visit := func(n *listNode) {
		if !t.deleted[n.id] {
			out = append(out, ListEntry{OpID: n.id, Value: n.value, MadeAt: n.madeAt})
		}
	}
	for _, id := range t.afterStart {
		t.walkCompacted(id, visit)
	}
	for _, id := range t.beforeEnd {
		t.walkCompacted(id, visit)
	}
	t.entries = out
	t.cached = true
	return out
}

func (t *listTree) walkCompacted(id ir.OpID, visit func(*listNode)) {
	n := t.nodes[id]
	if run, ok := t.predChains[id]; ok {
		for _, p := range t.nodes[run[0]].preds {
			t.walkCompacted(p, visit)
		}
		for _, member := range run {
			visit(t.nodes[member])
		}
	} else {
		for _, p := range n.preds {
			t.walkCompacted(p, visit)
		}
	}
	chain, ok := t.chains[id]
	if !ok {
		visit(n)
		for _, s := range n.succs {
			t.walkCompacted(s, visit)
		}
		return
	}
	for _, member := range chain {
		visit(t.nodes[member])
	}
	last := t.nodes[chain[len(chain)-1]]
	for _, s := range last.succs {
		t.walkCompacted(s, visit)
	}
}

// next returns the node that directly and exclusively follows n: its only
// successor, provided that successor has no predecessors of its own.
func (t *listTree) next(n *listNode) (ir.OpID, bool) {
	if len(n.succs) != 1 {
		return ir.OpID{}, false
	}
	s := n.succs[0]
	if len(t.nodes[s].preds) != 0 {
		return ir.OpID{}, false
	}
	return s, true
}

// prev returns the node that directly and exclusively precedes n: its
// only predecessor, provided that predecessor has no successors of its own.
func (t *listTree) prev(n *listNode) (ir.OpID, bool) {
	if len(n.preds) != 1 {
		return ir.OpID{}, false
	}
	p := n.preds[0]
	if len(t.nodes[p].succs) != 0 {
		return ir.OpID{}, false
	}
	return p, true
}

// compact collapses maximal linear chains into single entries of the
// chains index, and runs of head inserts into the predChains index.
func (t *listTree) compact() {
	t.chains = collapse(t.nodes, t.next)
	t.predChains = map[ir.OpID][]ir.OpID{}
	for id, run := range collapse(t.nodes, t.prev) {
		// run starts at the anchoring node; reading order is the reverse.
		members := run[1:]
		slices.Reverse(members)
		t.predChains[id] = members
	}
	t.compacted = true
}

// collapse follows step from every node that is not itself a step target
// and returns each run of two or more nodes, keyed by its first node.
func collapse(nodes map[ir.OpID]*listNode, step func(*listNode) (ir.OpID, bool)) map[ir.OpID][]ir.OpID {
	interior := make(map[ir.OpID]bool, len(nodes))
	for _, n := range nodes {
		if s, ok := step(n); ok {
			interior[s] = true
		}
	}
	runs := map[ir.OpID][]ir.OpID{}
	for id, n := range nodes {
		if interior[id] {
			continue
		}
		s, ok := step(n)
		if !ok {
			continue
		}
		run := []ir.OpID{id}
		for ok {
			run = append(run, s)
			s, ok = step(nodes[s])
		}
		runs[id] = run
	}
	return runs
}

// insertChanges builds the changes inserting values next to anchor. After
// an item, later changes land closer to the anchor, so they are emitted in
// reverse; before an item they are emitted in order.
func insertChanges(anchor ir.Anchor, before bool, values []ir.Value) ir.Array {
	changes := make(ir.Array, 0, len(values))
	if before {
		for _, v := range values {
			changes = append(changes, ir.Object{"op": ir.String(opPre), "value": v, "before": anchor.Value()})
		}
		return changes
	}
	for i := len(values) - 1; i >= 0; i-- {
		changes = append(changes, ir.Object{"op": ir.String(opApp), "value": values[i], "after": anchor.Value()})
	}
	return changes
}

func deleteChange(op ir.OpID) ir.Object {
	return ir.Object{"op": ir.String(opDel), "insertion": ir.String(op.String())}
}
