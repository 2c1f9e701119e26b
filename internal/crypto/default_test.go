package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garden-co/cojson/internal/ir"
)

func TestSignAndVerify(t *testing.T) {
	p := NewDefault()

	secret, err := p.NewSignerSecret()
	require.NoError(t, err)
	id, err := p.SignerID(secret)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, ir.SignerIDPrefix))

	sig, err := p.Sign(secret, []byte("hello"))
	require.NoError(t, err)
	assert.True(t, p.Verify(id, []byte("hello"), sig))
	assert.False(t, p.Verify(id, []byte("hellO"), sig))

	again, err := p.Sign(secret, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, sig, again, "signatures are deterministic")

	other, err := p.NewSignerSecret()
	require.NoError(t, err)
	otherID, err := p.SignerID(other)
	require.NoError(t, err)
	assert.False(t, p.Verify(otherID, []byte("hello"), sig))
	assert.False(t, p.Verify(id, []byte("hello"), Signature("signature_zbogus")))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	p := NewDefault()
	_, key, err := p.NewKeySecret()
	require.NoError(t, err)

	material := NonceMaterial("co_zX", ir.TxID{SessionID: "s", TxIndex: 0})
	ct, err := p.Encrypt(key, []byte(`[{"op":"set"}]`), material)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ct, EncryptedPrefix))

	pt, err := p.Decrypt(key, ct, material)
	require.NoError(t, err)
	assert.Equal(t, `[{"op":"set"}]`, string(pt))

	_, wrong, err := p.NewKeySecret()
	require.NoError(t, err)
	_, err = p.Decrypt(wrong, ct, material)
	require.ErrorIs(t, err, ErrDecryptionFailed)

	moved := NonceMaterial("co_zX", ir.TxID{SessionID: "s", TxIndex: 1})
	_, err = p.Decrypt(key, ct, moved)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestKeyIDIsStable(t *testing.T) {
	p := NewDefault()
	id, secret, err := p.NewKeySecret()
	require.NoError(t, err)

	again, err := p.KeyID(secret)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.True(t, strings.HasPrefix(string(id), ir.KeyIDPrefix))
}

func TestSealUnseal(t *testing.T) {
	p := NewDefault()
	alice, err := p.NewSealerSecret()
	require.NoError(t, err)
	bob, err := p.NewSealerSecret()
	require.NoError(t, err)
	aliceID, err := p.SealerID(alice)
	require.NoError(t, err)
	bobID, err := p.SealerID(bob)
	require.NoError(t, err)

	material := ir.Object{"in": ir.String("co_zGroup")}
	sealed, err := p.Seal(alice, bobID, []byte("keySecret"), material)
	require.NoError(t, err)

	pt, err := p.Unseal(bob, aliceID, sealed, material)
	require.NoError(t, err)
	assert.Equal(t, "keySecret", string(pt))

	eve, err := p.NewSealerSecret()
	require.NoError(t, err)
	_, err = p.Unseal(eve, aliceID, sealed, material)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestAgentSecret(t *testing.T) {
	p := NewDefault()
	secret, err := NewAgentSecret(p)
	require.NoError(t, err)

	agent, err := AgentIDOf(p, secret)
	require.NoError(t, err)
	assert.True(t, agent.Valid())

	_, signer := secret.Parts()
	signerID, err := p.SignerID(signer)
	require.NoError(t, err)
	assert.Equal(t, signerID, agent.SignerID())
}

func TestHashes(t *testing.T) {
	p := NewDefault()
	assert.Equal(t, p.SecureHash([]byte("a")), p.SecureHash([]byte("a")))
	assert.NotEqual(t, p.SecureHash([]byte("a")), p.SecureHash([]byte("b")))

	h1, err := p.ShortHash(ir.Object{"b": ir.Int(1), "a": ir.Int(2)})
	require.NoError(t, err)
	h2, err := p.ShortHash(ir.Object{"a": ir.Int(2), "b": ir.Int(1)})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	assert.NotEqual(t, p.UniquenessSalt(), p.UniquenessSalt())
	assert.NotEqual(t, p.SessionSuffix(), p.SessionSuffix())
}

func TestDecodeRejectsBadPrefix(t *testing.T) {
	p := NewDefault()
	_, err := p.SignerID("nope")
	require.ErrorIs(t, err, ErrInvalidEncoding)
}
