package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garden-co/cojson/internal/crypto"
	"github.com/garden-co/cojson/internal/ir"
	"github.com/garden-co/cojson/internal/session"
)

func TestNewDerivesID(t *testing.T) {
	p := crypto.NewDefault()
	h := mapHeader("u")
	c := newCore(t, p, h)
	assert.Equal(t, ir.MustIDForHeader(h), c.ID())

	ks := c.KnownState()
	assert.True(t, ks.Header)
	assert.Empty(t, ks.Sessions)
}

func TestApplyNewContentRedeliveryIsNoop(t *testing.T) {
	p := crypto.NewDefault()
	me := newIdentity(t, p, "a")
	author := newCore(t, p, mapHeader("u"), WithClock(fixedClock(0)))
	_, err := author.MakeTransaction(me, setOp("a", ir.Int(1)), nil)
	require.NoError(t, err)
	_, err = author.MakeTransaction(me, setOp("a", ir.Int(2)), nil)
	require.NoError(t, err)

	log, ok := author.Session(me.Session)
	require.True(t, ok)

	peer := newCore(t, p, mapHeader("u"))
	added, err := peer.ApplyNewContent(me.Session, 0, log.Transactions(), log.LastSignature(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Equal(t, 2, peer.KnownState().Sessions[me.Session])

	added, err = peer.ApplyNewContent(me.Session, 0, log.Transactions(), log.LastSignature(), false)
	require.NoError(t, err)
	assert.Equal(t, 0, added)
	assert.Equal(t, 2, peer.KnownState().Sessions[me.Session])
}

func TestApplyNewContentSkipsKnownPrefix(t *testing.T) {
	p := crypto.NewDefault()
	me := newIdentity(t, p, "a")
	author := newCore(t, p, mapHeader("u"))
	for i := 0; i < 3; i++ {
		_, err := author.MakeTransaction(me, setOp("k", ir.Int(int64(i))), nil)
		require.NoError(t, err)
	}
	log, _ := author.Session(me.Session)
	txs := log.Transactions()

	peer := newCore(t, p, mapHeader("u"))
	first := log.Truncated(1)
	_, err := peer.ApplyNewContent(me.Session, 0, txs[:1], signatureOf(t, author, me, first), false)
	require.NoError(t, err)

	added, err := peer.ApplyNewContent(me.Session, 0, txs, log.LastSignature(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, added)
}

// signatureOf signs the head of log with the identity's signer.
func signatureOf(t *testing.T, c *Core, id Identity, log *session.Log) crypto.Signature {
	t.Helper()
	head := log.LastHash()
	sig, err := c.Provider().Sign(id.Signer, head[:])
	require.NoError(t, err)
	return sig
}

func TestApplyNewContentInvalidAssumption(t *testing.T) {
	p := crypto.NewDefault()
	me := newIdentity(t, p, "a")
	author := newCore(t, p, mapHeader("u"))
	for i := 0; i < 2; i++ {
		_, err := author.MakeTransaction(me, setOp("k", ir.Int(int64(i))), nil)
		require.NoError(t, err)
	}
	log, _ := author.Session(me.Session)

	peer := newCore(t, p, mapHeader("u"))
	_, err := peer.ApplyNewContent(me.Session, 1, log.TransactionsSince(1), log.LastSignature(), false)
	require.ErrorIs(t, err, session.ErrInvalidAssumption)
	assert.Empty(t, peer.KnownState().Sessions, "nothing is stored for the session")
}

func TestApplyNewContentSignatureMismatch(t *testing.T) {
	p := crypto.NewDefault()
	me := newIdentity(t, p, "a")
	author := newCore(t, p, mapHeader("u"))
	_, err := author.MakeTransaction(me, setOp("k", ir.Int(1)), nil)
	require.NoError(t, err)
	log, _ := author.Session(me.Session)

	txs := log.Transactions()
	txs[0].Changes = strings.Replace(txs[0].Changes, "1", "2", 1)

	peer := newCore(t, p, mapHeader("u"))
	_, err = peer.ApplyNewContent(me.Session, 0, txs, log.LastSignature(), false)
	require.ErrorIs(t, err, session.ErrSignatureMismatch)
}

func TestApplyNewContentDivergentOverlap(t *testing.T) {
	_, me, local, remote := divergedPair(t)
	localLog, _ := local.Session(me.Session)
	remoteLog, _ := remote.Session(me.Session)

	// The rewritten transaction lies entirely inside what remote holds.
	added, err := remote.ApplyNewContent(me.Session, 1, localLog.TransactionsSince(1), localLog.LastSignature(), false)
	require.ErrorIs(t, err, session.ErrSignatureMismatch)
	assert.Zero(t, added)

	after, _ := remote.Session(me.Session)
	assert.Equal(t, remoteLog.LastHash(), after.LastHash())

	// Its own transactions are still plain re-delivery.
	added, err = remote.ApplyNewContent(me.Session, 0, remoteLog.Transactions(), remoteLog.LastSignature(), false)
	require.NoError(t, err)
	assert.Zero(t, added)
}

func TestValidTransactionsOrderAndFloor(t *testing.T) {
	p := crypto.NewDefault()
	alice := newIdentity(t, p, "a")
	bob := newIdentity(t, p, "b")
	clock := fixedClock(100)
	c := newCore(t, p, mapHeader("u"), WithClock(clock))

	_, err := c.MakeTransaction(alice, setOp("x", ir.Int(1)), nil)
	require.NoError(t, err)
	_, err = c.MakeTransaction(bob, setOp("x", ir.Int(2)), nil)
	require.NoError(t, err)
	_, err = c.MakeTransaction(alice, setOp("x", ir.Int(3)), nil)
	require.NoError(t, err)

	view := c.ValidTransactions(nil)
	require.Len(t, view.Transactions, 3)
	assert.Equal(t, int64(101), view.Transactions[0].MadeAt)
	assert.Equal(t, int64(103), view.Transactions[2].MadeAt)
	assert.Equal(t, ir.SessionCounts{alice.Session: 2, bob.Session: 1}, view.Covered)

	_, err = c.MakeTransaction(bob, setOp("x", ir.Int(4)), nil)
	require.NoError(t, err)
	incr := c.ValidTransactions(view.Covered)
	require.Len(t, incr.Transactions, 1)
	assert.Equal(t, bob.Session, incr.Transactions[0].TxID.SessionID)
	assert.Equal(t, 1, incr.Transactions[0].TxID.TxIndex)
}

func TestPrivateTransactionsAndDecryptionGaps(t *testing.T) {
	p := crypto.NewDefault()
	me := newIdentity(t, p, "a")
	group := ir.RawCoID("co_zGroup")

	keys := newTestKeyring()
	keyID, secret := keys.add(t, p, group)

	header := ir.CoValueHeader{Type: ir.TypeMap, Ruleset: ir.Ruleset{Type: ir.RulesetOwnedByGroup, Group: group}, Uniqueness: "p"}
	author := newCore(t, p, header, WithKeyring(keys))
	tx, err := author.MakeTransaction(me, setOp("k", ir.String("secret")), nil)
	require.NoError(t, err)
	assert.Equal(t, ir.PrivacyPrivate, tx.Privacy)
	assert.Equal(t, keyID, tx.KeyUsed)

	log, _ := author.Session(me.Session)

	// A peer without the key stores the transaction but cannot read it.
	empty := newTestKeyring()
	peer := newCore(t, p, header, WithKeyring(empty))
	_, err = peer.ApplyNewContent(me.Session, 0, log.Transactions(), log.LastSignature(), false)
	require.NoError(t, err)

	view := peer.ValidTransactions(nil)
	assert.Empty(t, view.Transactions)
	assert.Len(t, peer.DecryptionGaps(), 1)

	gen := view.Generation
	empty.mu.Lock()
	empty.read[keyID] = secret
	empty.mu.Unlock()
	peer.Notify()
	assert.NotEqual(t, gen, peer.Generation())

	view = peer.ValidTransactions(nil)
	require.Len(t, view.Transactions, 1)
	assert.Empty(t, peer.DecryptionGaps())

	// Writing without a key fails.
	noKey := newCore(t, p, header)
	_, err = noKey.MakeTransaction(me, setOp("k", ir.Int(1)), nil)
	require.ErrorIs(t, err, ErrNoWriteKey)
}

func TestNewContentSince(t *testing.T) {
	p := crypto.NewDefault()
	me := newIdentity(t, p, "a")
	c := newCore(t, p, mapHeader("u"))

	msgs := c.NewContentSince(nil)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Header)
	assert.Empty(t, msgs[0].New)

	_, err := c.MakeTransaction(me, setOp("k", ir.Int(1)), nil)
	require.NoError(t, err)
	_, err = c.MakeTransaction(me, setOp("k", ir.Int(2)), nil)
	require.NoError(t, err)

	known := c.KnownState()
	assert.Nil(t, c.NewContentSince(&known))

	partial := ir.NewKnownState(c.ID())
	partial.Header = true
	partial.Sessions[me.Session] = 1
	msgs = c.NewContentSince(&partial)
	require.Len(t, msgs, 1)
	assert.Nil(t, msgs[0].Header)
	assert.Equal(t, 1, msgs[0].New[me.Session].After)
	assert.Len(t, msgs[0].New[me.Session].NewTransactions, 1)

	peer := newCore(t, p, mapHeader("u"))
	for _, msg := range c.NewContentSince(nil) {
		for sid, content := range msg.New {
			_, err := peer.ApplyNewContent(sid, content.After, content.NewTransactions, content.LastSignature, false)
			require.NoError(t, err)
		}
	}
	assert.True(t, peer.KnownState().Equal(c.KnownState()))
}

func TestNewContentSinceChunksLargeSessions(t *testing.T) {
	p := crypto.NewDefault()
	me := newIdentity(t, p, "a")
	c := newCore(t, p, mapHeader("u"))

	big := ir.String(strings.Repeat("y", ir.MaxRecommendedTxSize/2+1))
	for i := 0; i < 4; i++ {
		_, err := c.MakeTransaction(me, setOp("k", big), nil)
		require.NoError(t, err)
	}

	msgs := c.NewContentSince(nil)
	require.Len(t, msgs, 2)
	assert.NotNil(t, msgs[0].Header)
	assert.Nil(t, msgs[1].Header)
	assert.Equal(t, 2, msgs[1].New[me.Session].After)
	assert.Equal(t, 4, msgs[1].ExpectContentUntil[me.Session])
}

func TestDependencies(t *testing.T) {
	p := crypto.NewDefault()
	me := newIdentity(t, p, "a")
	reg := newTestRegistry()
	keys := newTestKeyring()
	group := newCore(t, p, ir.CoValueHeader{Type: ir.TypeMap, Ruleset: ir.Ruleset{Type: ir.RulesetGroup}, Uniqueness: "g"})
	keys.add(t, p, group.ID())

	header := ir.CoValueHeader{Type: ir.TypeMap, Ruleset: ir.Ruleset{Type: ir.RulesetOwnedByGroup, Group: group.ID()}, Uniqueness: "d"}
	c := newCore(t, p, header, WithKeyring(keys), WithRegistry(reg))
	_, err := c.MakeTransaction(me, setOp("child", ir.String("co_zChild")), nil)
	require.NoError(t, err)

	assert.ElementsMatch(t, []ir.RawCoID{group.ID(), "co_zChild"}, c.Dependencies())
	assert.ElementsMatch(t, []ir.RawCoID{group.ID(), "co_zChild"}, c.MissingDependencies())

	reg.put(group)
	assert.Equal(t, []ir.RawCoID{"co_zChild"}, c.MissingDependencies())
}

func TestSubscribeNotifies(t *testing.T) {
	p := crypto.NewDefault()
	me := newIdentity(t, p, "a")
	c := newCore(t, p, mapHeader("u"))

	calls := 0
	unsubscribe := c.Subscribe(func() { calls++ })
	_, err := c.MakeTransaction(me, setOp("k", ir.Int(1)), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	unsubscribe()
	_, err = c.MakeTransaction(me, setOp("k", ir.Int(2)), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
