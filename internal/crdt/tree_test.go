package crdt

import "github.com/garden-co/cojson/internal/ir"

// walkUncompacted visits every node in list order without chains.
func (t *listTree) walkUncompacted(id ir.OpID, visit func(*listNode)) {
	n := t.nodes[id]
	for _, p := range n.preds {
		t.walkUncompacted(p, visit)
	}
	visit(n)
	for _, s := range n.succs {
		t.walkUncompacted(s, visit)
	}
}

// uncompactedEntries is the reference reading used to check compaction.
func (t *listTree) uncompactedEntries() []ListEntry {
	out := make([]ListEntry, 0, len(t.nodes))
	visit := func(n *listNode) {
		if !t.deleted[n.id] {
			out = append(out, ListEntry{OpID: n.id, Value: n.value, MadeAt: n.madeAt})
		}
	}
	for _, id := range t.afterStart {
		t.walkUncompacted(id, visit)
	}
	for _, id := range t.beforeEnd {
		t.walkUncompacted(id, visit)
	}
	return out
}
