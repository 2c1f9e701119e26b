package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/garden-co/cojson/internal/crypto"
	"github.com/garden-co/cojson/internal/ir"
)

func TestFixedSuffixGenerator_Sequence(t *testing.T) {
	gen := NewFixedSuffixGenerator("dev")
	assert.Equal(t, "dev1", gen.Generate())
	assert.Equal(t, "dev2", gen.Generate())

	assert.Equal(t, "s1", NewFixedSuffixGenerator("").Generate())
}

func TestNewIdentity_SessionBelongsToAgent(t *testing.T) {
	p := crypto.NewDefault()
	id := NewIdentity(t, p, "laptop")
	assert.True(t, id.Session.Agent().Valid())

	signerID, err := p.SignerID(id.Signer)
	assert.NoError(t, err)
	assert.Equal(t, signerID, id.Session.Agent().SignerID())
	assert.Equal(t, ir.TypeMap, Header(ir.TypeMap, "x").Type)
}
