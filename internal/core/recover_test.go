package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garden-co/cojson/internal/crypto"
	"github.com/garden-co/cojson/internal/ir"
	"github.com/garden-co/cojson/internal/session"
)

// divergedPair builds two cores sharing one session whose first
// transaction is common and whose later transactions differ.
func divergedPair(t *testing.T) (crypto.Provider, Identity, *Core, *Core) {
	t.Helper()
	p := crypto.NewDefault()
	me := newIdentity(t, p, "a")

	local := newCore(t, p, mapHeader("r"), WithClock(fixedClock(0)))
	_, err := local.MakeTransaction(me, setOp("shared", ir.Int(1)), nil)
	require.NoError(t, err)

	remote := newCore(t, p, mapHeader("r"))
	log, _ := local.Session(me.Session)
	_, err = remote.ApplyNewContent(me.Session, 0, log.Transactions(), log.LastSignature(), false)
	require.NoError(t, err)

	// Same session, different continuations: the remote copy was written
	// from a device state the local store has since lost.
	_, err = remote.MakeTransaction(me, setOp("remote", ir.Int(2)), nil)
	require.NoError(t, err)
	_, err = local.MakeTransaction(me, setOp("local", ir.Int(3)), nil)
	require.NoError(t, err)
	return p, me, local, remote
}

func TestRecoverRebasesLocalTransactions(t *testing.T) {
	_, me, local, remote := divergedPair(t)

	remoteLog, _ := remote.Session(me.Session)
	localLog, _ := local.Session(me.Session)

	// The remote rejects our second transaction.
	_, err := remote.ApplyNewContent(me.Session, 1, localLog.TransactionsSince(1), localLog.LastSignature(), false)
	require.ErrorIs(t, err, session.ErrSignatureMismatch)

	gen := local.Generation()
	rebuilt, err := local.Recover(me, 0, remoteLog.Transactions(), remoteLog.LastSignature())
	require.NoError(t, err)
	assert.Equal(t, 3, rebuilt.Len())
	assert.NotEqual(t, gen, local.Generation())

	got := keysSet(local.ValidTransactions(nil))
	assert.Equal(t, ir.Int(1), got["shared"])
	assert.Equal(t, ir.Int(2), got["remote"])
	assert.Equal(t, ir.Int(3), got["local"])

	// The remote now accepts the rebuilt tail.
	added, err := remote.ApplyNewContent(me.Session, 2, rebuilt.TransactionsSince(2), rebuilt.LastSignature(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.True(t, remote.KnownState().Equal(local.KnownState()))
}

func TestRecoverRejectsUnverifiedRemote(t *testing.T) {
	_, me, local, remote := divergedPair(t)
	remoteLog, _ := remote.Session(me.Session)
	before, _ := local.Session(me.Session)

	txs := remoteLog.Transactions()
	txs[1].MadeAt++
	_, err := local.Recover(me, 0, txs, remoteLog.LastSignature())
	require.ErrorIs(t, err, session.ErrSignatureMismatch)

	after, _ := local.Session(me.Session)
	assert.Equal(t, before.LastHash(), after.LastHash(), "failed recovery leaves the live core untouched")
}

func TestRecoverReencryptsPrivateTransactions(t *testing.T) {
	p := crypto.NewDefault()
	me := newIdentity(t, p, "a")
	keys := newTestKeyring()
	group := ir.RawCoID("co_zG")
	keys.add(t, p, group)
	header := ir.CoValueHeader{Type: ir.TypeMap, Ruleset: ir.Ruleset{Type: ir.RulesetOwnedByGroup, Group: group}, Uniqueness: "x"}

	local := newCore(t, p, header, WithKeyring(keys))
	remote := newCore(t, p, header, WithKeyring(keys))
	_, err := remote.MakeTransaction(me, setOp("remote", ir.Int(1)), nil)
	require.NoError(t, err)
	_, err = local.MakeTransaction(me, setOp("local", ir.Int(2)), nil)
	require.NoError(t, err)

	remoteLog, _ := remote.Session(me.Session)
	_, err = local.Recover(me, 0, remoteLog.Transactions(), remoteLog.LastSignature())
	require.NoError(t, err)

	got := keysSet(local.ValidTransactions(nil))
	assert.Equal(t, ir.Int(1), got["remote"])
	assert.Equal(t, ir.Int(2), got["local"])
	assert.Empty(t, local.DecryptionGaps())
}

func TestRecoverRedoesRebaseWhenSessionMoves(t *testing.T) {
	tests := []struct {
		name   string
		writes int
		want   error
		length int
	}{
		{"one concurrent write is rebased too", 1, nil, 4},
		{"a session that never settles gives up", recoverAttempts, ErrSessionMoved, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, me, local, remote := divergedPair(t)
			remoteLog, _ := remote.Session(me.Session)
			before, _ := local.Session(me.Session)

			written := 0
			local.beforeSwap = func() {
				if written == tt.writes {
					return
				}
				written++
				_, err := local.MakeTransaction(me, setOp("late", ir.Int(int64(written))), nil)
				require.NoError(t, err)
			}

			rebuilt, err := local.Recover(me, 0, remoteLog.Transactions(), remoteLog.LastSignature())
			if tt.want != nil {
				require.ErrorIs(t, err, tt.want)
				after, _ := local.Session(me.Session)
				assert.Equal(t, before.Len()+tt.writes, after.Len(), "only the concurrent writes landed")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.length, rebuilt.Len())

			got := keysSet(local.ValidTransactions(nil))
			assert.Equal(t, ir.Int(2), got["remote"])
			assert.Equal(t, ir.Int(3), got["local"])
			assert.Equal(t, ir.Int(1), got["late"])
		})
	}
}
