// Package cryptutil wraps the black-box crypto primitives spec.md §1
// declares out of scope for re-implementation (SHA1, AES, a CSPRNG) and
// builds the protocol-specific constructions spec.md §4.4/§4.5 define on
// top of them: the handshake's hash chain, AES-CBC with ciphertext
// stealing, and session-key derivation.
package cryptutil

import (
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // the wire protocol mandates SHA1; not our choice to make
	"fmt"
)

// DigestSize is the SHA1 output size in bytes, and also the nonce size
// used throughout the handshake (spec.md §4.4: "X,Y = 20-byte random
// nonces").
const DigestSize = sha1.Size

// H is the spec's H(x) = SHA1(x).
func H(data []byte) []byte {
	sum := sha1.Sum(data)
	return sum[:]
}

// RandomNonce returns a fresh DigestSize-byte random nonce (the X/Y of
// spec.md §4.4), read from the package CSPRNG.
func RandomNonce() ([]byte, error) {
	return RandomBytes(DigestSize)
}

// RandomBytes fills n bytes from the CSPRNG. It is the adapter spec.md §1
// names as a black-box collaborator ("CSPRNG fill").
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("cryptutil: read random bytes: %w", err)
	}
	return buf, nil
}

// XOR20 XORs two DigestSize-byte buffers, as used by the session-key
// derivation's s2 = H(X XOR Y).
func XOR20(a, b []byte) ([]byte, error) {
	if len(a) != DigestSize || len(b) != DigestSize {
		return nil, fmt.Errorf("cryptutil: xor20 expects %d-byte operands, got %d and %d", DigestSize, len(a), len(b))
	}
	out := make([]byte, DigestSize)
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out, nil
}
