package crdt

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garden-co/cojson/internal/core"
	"github.com/garden-co/cojson/internal/ir"
)

func TestListOperations(t *testing.T) {
	f := newFixture(t)
	me := f.identity()
	l, err := NewList(f.core(header(ir.TypeList, "ops")), WithAuthor(me))
	require.NoError(t, err)

	require.NoError(t, l.Append(ir.String("b"), ir.String("c")))
	require.NoError(t, l.Prepend(ir.String("a")))
	require.NoError(t, l.Append(ir.String("e")))
	require.NoError(t, l.InsertBefore(3, ir.String("d")))
	require.NoError(t, l.InsertAfter(4, ir.String("f"), ir.String("g")))
	assert.Equal(t, strs("a", "b", "c", "d", "e", "f", "g"), l.AsArray())

	require.NoError(t, l.Delete(0))
	require.NoError(t, l.Replace(2, ir.String("D")))
	assert.Equal(t, strs("b", "c", "D", "e", "f", "g"), l.AsArray())
	assert.Equal(t, 6, l.Len())

	v, ok := l.Get(2)
	require.True(t, ok)
	assert.Equal(t, ir.String("D"), v)
	_, ok = l.Get(6)
	assert.False(t, ok)

	require.ErrorIs(t, l.Delete(6), ErrIndexOutOfRange)
	require.ErrorIs(t, l.InsertAfter(-1, ir.Int(0)), ErrIndexOutOfRange)

	entries := l.Entries()
	require.Len(t, entries, 6)
	assert.Equal(t, me.Session, entries[0].OpID.SessionID)
}

func TestListPrependOnEmpty(t *testing.T) {
	f := newFixture(t)
	l, err := NewList(f.core(header(ir.TypeList, "pre")), WithAuthor(f.identity()))
	require.NoError(t, err)
	require.NoError(t, l.Prepend(ir.Int(1), ir.Int(2)))
	require.NoError(t, l.Prepend(ir.Int(0)))
	assert.Equal(t, ir.Array{ir.Int(0), ir.Int(1), ir.Int(2)}, l.AsArray())
}

func TestListConcurrentInsertsAtSameAnchor(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.identity(), f.identity()
	h := header(ir.TypeList, "concurrent")

	peerA := f.core(h)
	la, _ := NewList(peerA, WithAuthor(alice))
	require.NoError(t, la.Append(ir.String("x")))

	peerB, err := core.New(f.p, h, core.WithClock(f.clock))
	require.NoError(t, err)
	deliver(t, peerA, peerB)
	lb, _ := NewList(peerB, WithAuthor(bob))
	require.Equal(t, strs("x"), lb.AsArray())

	// Both insert right after x without seeing each other.
	require.NoError(t, la.InsertAfter(0, ir.String("a")))
	require.NoError(t, lb.InsertAfter(0, ir.String("b")))
	assert.Equal(t, strs("x", "a"), la.AsArray())
	assert.Equal(t, strs("x", "b"), lb.AsArray())

	deliver(t, peerA, peerB)
	deliver(t, peerB, peerA)

	// The later insert sits closer to the anchor on both peers.
	want := strs("x", "b", "a")
	assert.Equal(t, want, la.AsArray())
	assert.Equal(t, want, lb.AsArray())
}

func TestListCompactionIsInvisible(t *testing.T) {
	f := newFixture(t)
	authors := []core.Identity{f.identity(), f.identity(), f.identity()}
	c := f.core(header(ir.TypeList, "compaction"))
	lists := make([]*List, len(authors))
	for i, a := range authors {
		l, err := NewList(c, WithAuthor(a))
		require.NoError(t, err)
		lists[i] = l
	}

	rng := rand.New(rand.NewPCG(7, 11))
	for step := 0; step < 300; step++ {
		l := lists[rng.IntN(len(lists))]
		n := l.Len()
		v := ir.Int(step)
		switch op := rng.IntN(10); {
		case n == 0 || op < 4:
			require.NoError(t, l.Append(v))
		case op < 5:
			require.NoError(t, l.Prepend(v))
		case op < 7:
			require.NoError(t, l.InsertAfter(rng.IntN(n), v))
		case op < 8:
			require.NoError(t, l.InsertBefore(rng.IntN(n), v, v+1000))
		default:
			require.NoError(t, l.Delete(rng.IntN(n)))
		}

		l.mu.Lock()
		compacted := l.entriesLocked()
		reference := l.tree.uncompactedEntries()
		l.mu.Unlock()
		require.Equal(t, reference, compacted, "step %d", step)
	}
}

func TestListCompactionCollapsesAppendChains(t *testing.T) {
	f := newFixture(t)
	l, err := NewList(f.core(header(ir.TypeList, "chain")), WithAuthor(f.identity()))
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Append(ir.Int(i)))
	}
	require.Equal(t, 50, l.Len())

	l.mu.Lock()
	defer l.mu.Unlock()
	require.Len(t, l.tree.chains, 1)
	for _, chain := range l.tree.chains {
		assert.Len(t, chain, 50)
	}
}

func TestListCompactionCollapsesPrependChains(t *testing.T) {
	tests := []struct {
		name    string
		prepend int
		append  int
		run     int
	}{
		// The first prepend on an empty list anchors at the end and heads the run.
		{"prepends only", 200, 0, 199},
		{"prepends onto an appended tail", 100, 20, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			l, err := NewList(f.core(header(ir.TypeList, tt.name)), WithAuthor(f.identity()))
			require.NoError(t, err)
			for i := 0; i < tt.append; i++ {
				require.NoError(t, l.Append(ir.Int(1000+i)))
			}
			for i := 0; i < tt.prepend; i++ {
				require.NoError(t, l.Prepend(ir.Int(i)))
			}

			want := make(ir.Array, 0, tt.prepend+tt.append)
			for i := tt.prepend - 1; i >= 0; i-- {
				want = append(want, ir.Int(i))
			}
			for i := 0; i < tt.append; i++ {
				want = append(want, ir.Int(1000+i))
			}
			assert.Equal(t, want, l.AsArray())

			l.mu.Lock()
			defer l.mu.Unlock()
			entries := l.entriesLocked()
			assert.Equal(t, l.tree.uncompactedEntries(), entries)
			require.Len(t, l.tree.predChains, 1)
			for anchor, run := range l.tree.predChains {
				require.Len(t, run, tt.run)
				assert.Equal(t, entries[tt.run].OpID, anchor, "the run reads directly before its anchor")
				for i, op := range run {
					assert.Equal(t, entries[i].OpID, op)
				}
			}
		})
	}
}

func TestListCacheInvalidatedByRemoteInsert(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.identity(), f.identity()
	c := f.core(header(ir.TypeList, "cache"))
	la, _ := NewList(c, WithAuthor(alice))
	lb, _ := NewList(c, WithAuthor(bob))

	require.NoError(t, la.Append(ir.Int(1)))
	assert.Equal(t, 1, la.Len())
	require.NoError(t, lb.Append(ir.Int(2)))
	assert.Equal(t, ir.Array{ir.Int(1), ir.Int(2)}, la.AsArray())
	require.NoError(t, lb.Delete(0))
	assert.Equal(t, ir.Array{ir.Int(2)}, la.AsArray())
}

func TestListMergeKeepsBranchPositions(t *testing.T) {
	f := newFixture(t)
	me := f.identity()
	group := ir.RawCoID("co_zListOwner")
	f.ownedBy(group)

	source := f.core(ir.CoValueHeader{Type: ir.TypeList, Ruleset: ir.Ruleset{Type: ir.RulesetOwnedByGroup, Group: group}, Uniqueness: "doc"})
	ls, err := NewList(source, WithAuthor(me))
	require.NoError(t, err)
	require.NoError(t, ls.Append(ir.String("a")))

	branch := f.core(core.BranchHeader(source.Header(), source.ID(), "edit", group))
	require.NoError(t, core.StartBranch(source, branch, me))
	lb, err := NewList(branch, WithAuthor(me))
	require.NoError(t, err)
	require.Equal(t, strs("a"), lb.AsArray())

	require.NoError(t, lb.Append(ir.String("b")))
	// Anchored on an item that only exists on the branch.
	require.NoError(t, lb.InsertAfter(1, ir.String("c")))
	require.NoError(t, lb.InsertBefore(1, ir.String("a2")))
	require.Equal(t, strs("a", "a2", "b", "c"), lb.AsArray())
	assert.Equal(t, strs("a"), ls.AsArray())

	n, err := core.MergeBranch(branch, source, me)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, strs("a", "a2", "b", "c"), ls.AsArray())

	n, err = core.MergeBranch(branch, source, me)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, strs("a", "a2", "b", "c"), ls.AsArray())
}
