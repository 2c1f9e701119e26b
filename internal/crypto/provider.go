// Package crypto defines the cryptographic capabilities the sync engine
// consumes and a default implementation.
//
// The engine never touches algorithms directly. Everything goes through
// Provider so that peers agree only on the text encodings of ids, keys and
// signatures, not on the code that produced them.
package crypto

import (
	"errors"
	"strings"

	"github.com/garden-co/cojson/internal/ir"
)

// ErrDecryptionFailed is returned when a ciphertext cannot be opened with
// the supplied key (wrong key, tampered data, or a different nonce).
var ErrDecryptionFailed = errors.New("decryption failed")

// ErrInvalidEncoding is returned when a key, id or signature string does not
// carry the expected prefix or payload.
var ErrInvalidEncoding = errors.New("invalid encoding")

// Text prefixes for secrets and signatures.
const (
	SignerSecretPrefix = "signerSecret_z"
	SealerSecretPrefix = "sealerSecret_z"
	KeySecretPrefix    = "keySecret_z"
	SignaturePrefix    = "signature_z"
	EncryptedPrefix    = "encrypted_U"
	SealedPrefix       = "sealed_U"
	HashPrefix         = "hash_z"
	shortHashPrefix    = "shortHash_z"
)

// SignerSecret is an encoded ed25519 seed.
type SignerSecret string

// SealerSecret is an encoded X25519 private key.
type SealerSecret string

// KeySecret is an encoded symmetric read key.
type KeySecret string

// Signature is an encoded signature over a session's chain head.
type Signature string

// AgentSecret is "sealerSecret_z<..>/signerSecret_z<..>".
type AgentSecret string

// Parts splits the agent secret into its sealer and signer halves.
func (a AgentSecret) Parts() (SealerSecret, SignerSecret) {
	sealer, signer, _ := strings.Cut(string(a), "/")
	return SealerSecret(sealer), SignerSecret(signer)
}

// Provider is the crypto capability consumed by sessions, cores and nodes.
// Implementations must produce signatures verifiable by any peer holding
// the signer id, and authenticated symmetric encryption.
type Provider interface {
	NewSignerSecret() (SignerSecret, error)
	SignerID(secret SignerSecret) (string, error)
	Sign(secret SignerSecret, message []byte) (Signature, error)
	Verify(signerID string, message []byte, sig Signature) bool

	NewSealerSecret() (SealerSecret, error)
	SealerID(secret SealerSecret) (string, error)
	// Seal encrypts message for the holder of to, authenticated by from.
	Seal(from SealerSecret, to string, message []byte, nonceMaterial ir.Value) (string, error)
	// Unseal opens a message sealed for to by the holder of from.
	Unseal(to SealerSecret, from string, sealed string, nonceMaterial ir.Value) ([]byte, error)

	NewKeySecret() (ir.KeyID, KeySecret, error)
	KeyID(secret KeySecret) (ir.KeyID, error)
	Encrypt(key KeySecret, plaintext []byte, nonceMaterial ir.Value) (string, error)
	Decrypt(key KeySecret, ciphertext string, nonceMaterial ir.Value) ([]byte, error)

	// SecureHash returns "hash_z<..>" over data.
	SecureHash(data []byte) string
	// ShortHash returns a shortened hash of the canonical form of v.
	ShortHash(v ir.Value) (string, error)
	// UniquenessSalt returns a fresh random salt for headers.
	UniquenessSalt() string
	// SessionSuffix returns a fresh random session suffix.
	SessionSuffix() string
}

// NewAgentSecret creates a fresh sealer/signer pair.
func NewAgentSecret(p Provider) (AgentSecret, error) {
	sealer, err := p.NewSealerSecret()
	if err != nil {
		return "", err
	}
	signer, err := p.NewSignerSecret()
	if err != nil {
		return "", err
	}
	return AgentSecret(string(sealer) + "/" + string(signer)), nil
}

// AgentIDOf derives the public agent id from its secret.
func AgentIDOf(p Provider, secret AgentSecret) (ir.AgentID, error) {
	sealerSecret, signerSecret := secret.Parts()
	sealerID, err := p.SealerID(sealerSecret)
	if err != nil {
		return "", err
	}
	signerID, err := p.SignerID(signerSecret)
	if err != nil {
		return "", err
	}
	return ir.NewAgentID(sealerID, signerID), nil
}

// NonceMaterial is the value a transaction's encryption nonce is derived
// from: {in: coID, tx: {sessionID, txIndex}}.
func NonceMaterial(id ir.RawCoID, tx ir.TxID) ir.Value {
	return ir.Object{
		"in": ir.String(id),
		"tx": ir.Object{
			"sessionID": ir.String(tx.SessionID),
			"txIndex":   ir.Int(tx.TxIndex),
		},
	}
}
