package ir

import (
	"github.com/zeebo/blake3"
)

// Domain prefixes for content-addressed hashing.
// Version suffix enables future algorithm migration.
const (
	DomainHeader  = "cojson/header/v1"
	DomainSession = "cojson/session/v1"
	DomainNonce   = "cojson/nonce/v1"
	DomainSealer  = "cojson/seal/v1"
	DomainValue   = "cojson/value/v1"
)

// HashWithDomain computes a BLAKE3 hash with domain separation.
// Format: BLAKE3(domain + 0x00 + data)
// The null byte (0x00) separator prevents domain/data boundary ambiguity.
func HashWithDomain(domain string, data []byte) [32]byte {
	h := blake3.New()
	_, _ = h.Write([]byte(domain))
	_, _ = h.Write([]byte{0x00}) // Null separator - CRITICAL for security
	_, _ = h.Write(data)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ChainHash advances a session's running hash by one transaction:
// h(i+1) = BLAKE3(DomainSession, h(i) || canonical(tx i)).
// The zero array is the hash of an empty session.
func ChainHash(prev [32]byte, canonicalTx []byte) [32]byte {
	data := make([]byte, 0, len(prev)+len(canonicalTx))
	data = append(data, prev[:]...)
	data = append(data, canonicalTx...)
	return HashWithDomain(DomainSession, data)
}
