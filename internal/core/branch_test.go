package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garden-co/cojson/internal/crypto"
	"github.com/garden-co/cojson/internal/ir"
)

type branchFixture struct {
	p      crypto.Provider
	me     Identity
	reg    *testRegistry
	keys   *testKeyring
	group  ir.RawCoID
	source *Core
}

func newBranchFixture(t *testing.T) *branchFixture {
	t.Helper()
	p := crypto.NewDefault()
	f := &branchFixture{
		p:     p,
		me:    newIdentity(t, p, "a"),
		reg:   newTestRegistry(),
		keys:  newTestKeyring(),
		group: "co_zOwnerGroup",
	}
	f.keys.add(t, p, f.group)
	header := ir.CoValueHeader{Type: ir.TypeMap, Ruleset: ir.Ruleset{Type: ir.RulesetOwnedByGroup, Group: f.group}, Uniqueness: "src"}
	f.source = f.newCore(t, header)
	return f
}

func (f *branchFixture) newCore(t *testing.T, h ir.CoValueHeader) *Core {
	t.Helper()
	c := newCore(t, f.p, h, WithKeyring(f.keys), WithRegistry(f.reg), WithClock(fixedClock(0)))
	f.reg.put(c)
	return c
}

func (f *branchFixture) branch(t *testing.T, name string) *Core {
	t.Helper()
	h := BranchHeader(f.source.Header(), f.source.ID(), name, f.group)
	id := ir.MustIDForHeader(h)
	if c, ok := f.reg.Core(id); ok {
		require.NoError(t, StartBranch(f.source, c, f.me))
		return c
	}
	c := f.newCore(t, h)
	require.NoError(t, StartBranch(f.source, c, f.me))
	return c
}

func keysSet(view View) map[string]ir.Value {
	out := map[string]ir.Value{}
	for _, tx := range view.Transactions {
		for _, ch := range tx.Changes {
			obj, ok := ch.(ir.Object)
			if !ok {
				continue
			}
			key, _ := obj.Str("key")
			out[key] = obj["value"]
		}
	}
	return out
}

func TestBranchIdentityIsDeterministic(t *testing.T) {
	f := newBranchFixture(t)
	h1 := BranchHeader(f.source.Header(), f.source.ID(), "draft", f.group)
	h2 := BranchHeader(f.source.Header(), f.source.ID(), "draft", f.group)
	assert.Equal(t, ir.MustIDForHeader(h1), ir.MustIDForHeader(h2))

	h3 := BranchHeader(f.source.Header(), f.source.ID(), "other", f.group)
	assert.NotEqual(t, ir.MustIDForHeader(h1), ir.MustIDForHeader(h3))
}

func TestStartBranchIsIdempotent(t *testing.T) {
	f := newBranchFixture(t)
	_, err := f.source.MakeTransaction(f.me, setOp("a", ir.Int(1)), nil)
	require.NoError(t, err)

	b1 := f.branch(t, "draft")
	b2 := f.branch(t, "draft")
	assert.Same(t, b1, b2)
	assert.Equal(t, 1, b1.KnownState().Sessions.Total(), "one branch commit")
	assert.Equal(t, 2, f.source.KnownState().Sessions.Total(), "one edit plus one pointer")

	pointers := f.source.Branches()
	require.Len(t, pointers, 1)
	assert.Equal(t, "draft", pointers[0].Name)
	assert.Equal(t, b1.ID(), pointers[0].ID)
}

func TestBranchSeesSourceUpToFork(t *testing.T) {
	f := newBranchFixture(t)
	_, err := f.source.MakeTransaction(f.me, setOp("a", ir.Int(1)), nil)
	require.NoError(t, err)

	b := f.branch(t, "draft")
	_, err = f.source.MakeTransaction(f.me, setOp("late", ir.Int(9)), nil)
	require.NoError(t, err)
	_, err = b.MakeTransaction(f.me, setOp("b", ir.Int(2)), nil)
	require.NoError(t, err)

	got := keysSet(b.ValidTransactions(nil))
	assert.Equal(t, ir.Int(1), got["a"])
	assert.Equal(t, ir.Int(2), got["b"])
	assert.NotContains(t, got, "late")

	for _, tx := range b.ValidTransactions(nil).Transactions {
		if tx.TxID.Branch == "" {
			assert.Equal(t, 0, tx.TxID.TxIndex, "only the pre-fork source edit is inherited")
		} else {
			assert.Equal(t, b.ID(), tx.TxID.Branch)
		}
	}
}

func TestBranchOfBranchSeesEachLevelUpToItsFork(t *testing.T) {
	f := newBranchFixture(t)
	_, err := f.source.MakeTransaction(f.me, setOp("a", ir.Int(1)), nil)
	require.NoError(t, err)

	outer := f.branch(t, "draft")
	_, err = f.source.MakeTransaction(f.me, setOp("sourceLate", ir.Int(9)), nil)
	require.NoError(t, err)
	_, err = outer.MakeTransaction(f.me, setOp("b", ir.Int(2)), nil)
	require.NoError(t, err)

	inner := f.newCore(t, BranchHeader(outer.Header(), outer.ID(), "draft", f.group))
	require.NoError(t, StartBranch(outer, inner, f.me))
	_, err = outer.MakeTransaction(f.me, setOp("outerLate", ir.Int(8)), nil)
	require.NoError(t, err)
	_, err = inner.MakeTransaction(f.me, setOp("c", ir.Int(3)), nil)
	require.NoError(t, err)

	got := keysSet(inner.ValidTransactions(nil))
	assert.Equal(t, ir.Int(1), got["a"])
	assert.Equal(t, ir.Int(2), got["b"])
	assert.Equal(t, ir.Int(3), got["c"])
	assert.NotContains(t, got, "sourceLate")
	assert.NotContains(t, got, "outerLate")

	tags := map[ir.RawCoID]bool{}
	for _, tx := range inner.ValidTransactions(nil).Transactions {
		tags[tx.TxID.Branch] = true
	}
	assert.Equal(t, map[ir.RawCoID]bool{"": true, outer.ID(): true, inner.ID(): true}, tags)
}

func TestMergeBranchReplaysAndIsIdempotent(t *testing.T) {
	f := newBranchFixture(t)
	_, err := f.source.MakeTransaction(f.me, setOp("a", ir.Int(1)), nil)
	require.NoError(t, err)

	b := f.branch(t, "draft")
	_, err = b.MakeTransaction(f.me, setOp("b", ir.Int(2)), nil)
	require.NoError(t, err)
	_, err = b.MakeTransaction(f.me, setOp("c", ir.Int(3)), nil)
	require.NoError(t, err)

	n, err := MergeBranch(b, f.source, f.me)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got := keysSet(f.source.ValidTransactions(nil))
	assert.Equal(t, ir.Int(2), got["b"])
	assert.Equal(t, ir.Int(3), got["c"])

	before := f.source.KnownState()
	n, err = MergeBranch(b, f.source, f.me)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, before.Equal(f.source.KnownState()), "second merge writes nothing")

	// Incremental merge picks up only the new branch transaction.
	_, err = b.MakeTransaction(f.me, setOp("d", ir.Int(4)), nil)
	require.NoError(t, err)
	n, err = MergeBranch(b, f.source, f.me)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMergeBranchAliases(t *testing.T) {
	f := newBranchFixture(t)
	b := f.branch(t, "draft")
	_, err := b.MakeTransaction(f.me, setOp("x", ir.Int(1)), nil)
	require.NoError(t, err)
	_, err = b.MakeTransaction(f.me, setOp("y", ir.Int(2)), nil)
	require.NoError(t, err)

	sourceLen := f.source.KnownState().Sessions[f.me.Session]
	_, err = MergeBranch(b, f.source, f.me)
	require.NoError(t, err)

	// Branch index 0 is the commit; 1 and 2 are replayed.
	for k := 1; k <= 2; k++ {
		target, ok := f.source.MergedTxAlias(ir.TxID{Branch: b.ID(), SessionID: f.me.Session, TxIndex: k})
		require.True(t, ok, "alias for branch tx %d", k)
		assert.Equal(t, ir.TxID{SessionID: f.me.Session, TxIndex: sourceLen + k - 1}, target)
	}
	_, ok := f.source.MergedTxAlias(ir.TxID{Branch: b.ID(), SessionID: f.me.Session, TxIndex: 0})
	assert.False(t, ok)
}

func TestMergeRejectsForeignCore(t *testing.T) {
	f := newBranchFixture(t)
	other := f.newCore(t, mapHeader("other"))
	_, err := MergeBranch(other, f.source, f.me)
	require.ErrorIs(t, err, ErrNotABranch)
}

func TestMergeBranchKeepsTransactionMeta(t *testing.T) {
	tests := []struct {
		name  string
		edits int
	}{
		{"single transaction run", 1},
		{"longer run", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newBranchFixture(t)
			b := f.branch(t, "draft")
			for i := range tt.edits {
				_, err := b.MakeTransaction(f.me, setOp("k", ir.Int(int64(i))), ir.Object{"note": ir.Int(int64(i))})
				require.NoError(t, err)
			}
			_, err := MergeBranch(b, f.source, f.me)
			require.NoError(t, err)

			var replayed []ir.Object
			for _, tx := range f.source.ValidTransactions(nil).Transactions {
				if tx.Meta.Has("note") {
					replayed = append(replayed, tx.Meta)
				}
			}
			require.Len(t, replayed, tt.edits)
			for i, meta := range replayed {
				assert.Equal(t, ir.Int(int64(i)), meta["note"])
			}
			assert.Equal(t, ir.String(b.ID()), replayed[0][MetaMergeBranch])
			assert.Equal(t, ir.Int(1), replayed[0][MetaMergeIndex])
			assert.Equal(t, ir.Bool(true), replayed[tt.edits-1][MetaMergeEnd])
		})
	}
}
