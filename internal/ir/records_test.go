package ir

import (
	"encoding/json"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashWithDomainSeparation(t *testing.T) {
	a := HashWithDomain("a", []byte("bc"))
	b := HashWithDomain("ab", []byte("c"))
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, HashWithDomain("a", []byte("bc")))
}

func TestChainHashDependsOnPrefix(t *testing.T) {
	tx1 := []byte(`{"a":1}`)
	tx2 := []byte(`{"a":2}`)

	h1 := ChainHash([32]byte{}, tx1)
	h12 := ChainHash(h1, tx2)
	h2 := ChainHash([32]byte{}, tx2)
	h21 := ChainHash(h2, tx1)

	assert.NotEqual(t, h12, h21)
}

func TestIDForHeaderIsContentAddressed(t *testing.T) {
	h := CoValueHeader{
		Type:       TypeMap,
		Ruleset:    Ruleset{Type: RulesetUnsafeAllowAll},
		Uniqueness: "salt",
	}
	id1, err := IDForHeader(h)
	require.NoError(t, err)
	assert.True(t, IsCoID(string(id1)))

	id2 := MustIDForHeader(h)
	assert.Equal(t, id1, id2)

	h.Uniqueness = "other"
	assert.NotEqual(t, id1, MustIDForHeader(h))

	_, err = IDForHeader(CoValueHeader{Type: "nope"})
	require.Error(t, err)
}

func TestHeaderJSONRoundTrip(t *testing.T) {
	h := CoValueHeader{
		Type:    TypeList,
		Ruleset: Ruleset{Type: RulesetOwnedByGroup, Group: "co_zGroup"},
		Meta:    Object{"branch": String("draft"), "source": String("co_zSrc")},
	}

	data, err := json.Marshal(h)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"uniqueness":null`)

	var back CoValueHeader
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, MustIDForHeader(h), MustIDForHeader(back))

	name, src, ok := back.BranchInfo()
	require.True(t, ok)
	assert.Equal(t, "draft", name)
	assert.Equal(t, RawCoID("co_zSrc"), src)
}

func TestSessionIDAgent(t *testing.T) {
	agent := NewAgentID("sealer_zA", "signer_zB")
	sid := NewSessionID(agent, "xyz")

	assert.Equal(t, agent, sid.Agent())
	assert.Equal(t, "sealer_zA", agent.SealerID())
	assert.Equal(t, "signer_zB", agent.SignerID())
	assert.True(t, agent.Valid())
	assert.Equal(t, AgentID(""), SessionID("bogus").Agent())
}

func TestOpIDParse(t *testing.T) {
	op := OpID{SessionID: "sealer_zA/signer_zB_session_zX", TxIndex: 3, ChangeIdx: 7}
	parsed, err := ParseOpID(op.String())
	require.NoError(t, err)
	assert.Equal(t, op, parsed)

	branched := OpID{SessionID: "s_session_zA", TxIndex: 1, ChangeIdx: 0, Branch: "co_zBranch"}
	assert.Equal(t, "co_zBranch@s_session_zA:1:0", branched.String())
	parsed, err = ParseOpID(branched.String())
	require.NoError(t, err)
	assert.Equal(t, branched, parsed)
	assert.Equal(t, TxID{SessionID: "s_session_zA", TxIndex: 1, Branch: "co_zBranch"}, parsed.TxID())

	_, err = ParseOpID("nocolon")
	require.Error(t, err)

	a, err := ParseAnchor(String("start"))
	require.NoError(t, err)
	assert.True(t, a.Start)

	a, err = ParseAnchor(OpAnchor(op).Value())
	require.NoError(t, err)
	assert.Equal(t, op, a.Op)
}

func TestKnownStateCombineAndSubset(t *testing.T) {
	a := NewKnownState("co_zX")
	a.Header = true
	a.Sessions["s1"] = 2

	b := NewKnownState("co_zX")
	b.Sessions["s1"] = 1
	b.Sessions["s2"] = 4

	assert.False(t, a.IsSubsetOf(b))
	assert.False(t, b.IsSubsetOf(a))

	c := a.Clone()
	c.Combine(b)
	assert.Equal(t, SessionCounts{"s1": 2, "s2": 4}, c.Sessions)
	assert.True(t, a.IsSubsetOf(c))
	assert.True(t, b.IsSubsetOf(c))
	assert.Equal(t, 2, a.Sessions["s1"], "combine must not alias the source")

	assert.Equal(t, SessionCounts{"s2": 0}, b.Missing(a))
}

func TestCompareTransactionsOrder(t *testing.T) {
	txs := []ValidTransaction{
		{TxID: TxID{SessionID: "b", TxIndex: 0}, MadeAt: 10},
		{TxID: TxID{SessionID: "a", TxIndex: 1}, MadeAt: 10},
		{TxID: TxID{SessionID: "a", TxIndex: 0}, MadeAt: 10},
		{TxID: TxID{SessionID: "z", TxIndex: 0}, MadeAt: 5},
	}
	slices.SortFunc(txs, CompareTransactions)

	got := make([]string, len(txs))
	for i, tx := range txs {
		got[i] = tx.TxID.String()
	}
	assert.Equal(t, []string{"z:0", "a:0", "a:1", "b:0"}, got)
}

func TestTransactionCanonicalOmitsEmptyMeta(t *testing.T) {
	tx := Transaction{Privacy: PrivacyTrusting, MadeAt: 1, Changes: `[]`}
	assert.Equal(t, `{"changes":"[]","madeAt":1,"privacy":"trusting"}`, string(tx.Canonical()))
	assert.Equal(t, 2, tx.Size())
}
