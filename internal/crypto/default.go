package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/garden-co/cojson/internal/ir"
)

const keySize = 32

var hkdfInfoSeal = []byte(ir.DomainSealer)

// Default implements Provider with ed25519 signatures, X25519 key
// agreement, XChaCha20-Poly1305 encryption and BLAKE3 hashing.
type Default struct {
	rand io.Reader
}

// NewDefault returns the default provider reading randomness from
// crypto/rand.
func NewDefault() *Default {
	return &Default{rand: rand.Reader}
}

// NewDefaultWithRand returns a provider reading randomness from r.
// Tests use it to make generated secrets reproducible.
func NewDefaultWithRand(r io.Reader) *Default {
	return &Default{rand: r}
}

var _ Provider = (*Default)(nil)

func (d *Default) randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(d.rand, b); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return b, nil
}

func decodePrefixed(s, prefix string, size int) ([]byte, error) {
	if !strings.HasPrefix(s, prefix) {
		return nil, fmt.Errorf("%w: expected prefix %q", ErrInvalidEncoding, prefix)
	}
	b, err := base58.Decode(s[len(prefix):])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if size > 0 && len(b) != size {
		return nil, fmt.Errorf("%w: %q payload is %d bytes, want %d", ErrInvalidEncoding, prefix, len(b), size)
	}
	return b, nil
}

// NewSignerSecret implements Provider.
func (d *Default) NewSignerSecret() (SignerSecret, error) {
	seed, err := d.randomBytes(ed25519.SeedSize)
	if err != nil {
		return "", err
	}
	return SignerSecret(SignerSecretPrefix + base58.Encode(seed)), nil
}

func signerKey(secret SignerSecret) (ed25519.PrivateKey, error) {
	seed, err := decodePrefixed(string(secret), SignerSecretPrefix, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// SignerID implements Provider.
func (d *Default) SignerID(secret SignerSecret) (string, error) {
	key, err := signerKey(secret)
	if err != nil {
		return "", err
	}
	pub := key.Public().(ed25519.PublicKey)
	return ir.SignerIDPrefix + base58.Encode(pub), nil
}

// Sign implements Provider.
func (d *Default) Sign(secret SignerSecret, message []byte) (Signature, error) {
	key, err := signerKey(secret)
	if err != nil {
		return "", err
	}
	return Signature(SignaturePrefix + base58.Encode(ed25519.Sign(key, message))), nil
}

// Verify implements Provider.
func (d *Default) Verify(signerID string, message []byte, sig Signature) bool {
	pub, err := decodePrefixed(signerID, ir.SignerIDPrefix, ed25519.PublicKeySize)
	if err != nil {
		return false
	}
	raw, err := decodePrefixed(string(sig), SignaturePrefix, ed25519.SignatureSize)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, raw)
}

// NewSealerSecret implements Provider.
func (d *Default) NewSealerSecret() (SealerSecret, error) {
	b, err := d.randomBytes(curve25519.ScalarSize)
	if err != nil {
		return "", err
	}
	return SealerSecret(SealerSecretPrefix + base58.Encode(b)), nil
}

// SealerID implements Provider.
func (d *Default) SealerID(secret SealerSecret) (string, error) {
	priv, err := decodePrefixed(string(secret), SealerSecretPrefix, curve25519.ScalarSize)
	if err != nil {
		return "", err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("derive sealer id: %w", err)
	}
	return ir.SealerIDPrefix + base58.Encode(pub), nil
}

func (d *Default) sharedKey(secret SealerSecret, peerID string) ([]byte, error) {
	priv, err := decodePrefixed(string(secret), SealerSecretPrefix, curve25519.ScalarSize)
	if err != nil {
		return nil, err
	}
	pub, err := decodePrefixed(peerID, ir.SealerIDPrefix, curve25519.PointSize)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, hkdfInfoSeal), key); err != nil {
		return nil, fmt.Errorf("derive sealing key: %w", err)
	}
	return key, nil
}

// Seal implements Provider.
func (d *Default) Seal(from SealerSecret, to string, message []byte, nonceMaterial ir.Value) (string, error) {
	key, err := d.sharedKey(from, to)
	if err != nil {
		return "", err
	}
	ct, err := seal(key, message, nonceMaterial)
	if err != nil {
		return "", err
	}
	return SealedPrefix + ct, nil
}

// Unseal implements Provider.
func (d *Default) Unseal(to SealerSecret, from string, sealed string, nonceMaterial ir.Value) ([]byte, error) {
	if !strings.HasPrefix(sealed, SealedPrefix) {
		return nil, fmt.Errorf("%w: expected prefix %q", ErrInvalidEncoding, SealedPrefix)
	}
	key, err := d.sharedKey(to, from)
	if err != nil {
		return nil, err
	}
	return open(key, sealed[len(SealedPrefix):], nonceMaterial)
}

// NewKeySecret implements Provider.
func (d *Default) NewKeySecret() (ir.KeyID, KeySecret, error) {
	b, err := d.randomBytes(keySize)
	if err != nil {
		return "", "", err
	}
	secret := KeySecret(KeySecretPrefix + base58.Encode(b))
	id, err := d.KeyID(secret)
	if err != nil {
		return "", "", err
	}
	return id, secret, nil
}

// KeyID implements Provider. The id is a short hash of the secret so any
// holder of the secret can name it.
func (d *Default) KeyID(secret KeySecret) (ir.KeyID, error) {
	raw, err := decodePrefixed(string(secret), KeySecretPrefix, keySize)
	if err != nil {
		return "", err
	}
	sum := ir.HashWithDomain("cojson/key/v1", raw)
	return ir.KeyID(ir.KeyIDPrefix + base58.Encode(sum[:12])), nil
}

// Encrypt implements Provider.
func (d *Default) Encrypt(key KeySecret, plaintext []byte, nonceMaterial ir.Value) (string, error) {
	raw, err := decodePrefixed(string(key), KeySecretPrefix, keySize)
	if err != nil {
		return "", err
	}
	ct, err := seal(raw, plaintext, nonceMaterial)
	if err != nil {
		return "", err
	}
	return EncryptedPrefix + ct, nil
}

// Decrypt implements Provider.
func (d *Default) Decrypt(key KeySecret, ciphertext string, nonceMaterial ir.Value) ([]byte, error) {
	if !strings.HasPrefix(ciphertext, EncryptedPrefix) {
		return nil, fmt.Errorf("%w: expected prefix %q", ErrInvalidEncoding, EncryptedPrefix)
	}
	raw, err := decodePrefixed(string(key), KeySecretPrefix, keySize)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return open(raw, ciphertext[len(EncryptedPrefix):], nonceMaterial)
}

// nonceFor derives the 24-byte XChaCha20 nonce from the canonical form of
// the nonce material. Distinct (coID, session, index) triples never share
// a nonce under one key.
func nonceFor(material ir.Value) ([]byte, error) {
	canonical, err := ir.MarshalCanonical(material)
	if err != nil {
		return nil, fmt.Errorf("nonce material: %w", err)
	}
	sum := ir.HashWithDomain(ir.DomainNonce, canonical)
	return sum[:chacha20poly1305.NonceSizeX], nil
}

func seal(key, plaintext []byte, material ir.Value) (string, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	nonce, err := nonceFor(material)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(aead.Seal(nil, nonce, plaintext, nil)), nil
}

func open(key []byte, encoded string, material ir.Value) ([]byte, error) {
	ct, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	nonce, err := nonceFor(material)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return pt, nil
}

// SecureHash implements Provider.
func (d *Default) SecureHash(data []byte) string {
	sum := ir.HashWithDomain(ir.DomainValue, data)
	return HashPrefix + base58.Encode(sum[:])
}

// ShortHash implements Provider.
func (d *Default) ShortHash(v ir.Value) (string, error) {
	canonical, err := ir.MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("short hash: %w", err)
	}
	sum := ir.HashWithDomain(ir.DomainValue, canonical)
	return shortHashPrefix + base58.Encode(sum[:ir.ShortHashLength]), nil
}

// UniquenessSalt implements Provider.
func (d *Default) UniquenessSalt() string {
	id := uuid.Must(uuid.NewV7())
	return base58.Encode(id[:])
}

// SessionSuffix implements Provider.
func (d *Default) SessionSuffix() string {
	id := uuid.New()
	return base58.Encode(id[:])
}
