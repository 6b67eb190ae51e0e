package cryptutil

import "fmt"

// DeriveSessionKey implements the session-key derivation of spec.md §4.4:
//
//	s1 = H(H(H(P)) ‖ X ‖ Y)
//	s2 = H(X XOR Y)
//
// AES-128 uses s1[0:16] verbatim. AES-192 and AES-256 start from s1 and
// then overwrite the FIRST few bytes of the key with s2 — not the bytes
// past position 20. This overlay looks like a bug in the original SDK; it
// is preserved verbatim because interoperability depends on it
// (spec.md §9 Open Question, Design Notes).
func DeriveSessionKey(password string, x, y []byte, keyLen int) ([]byte, error) {
	if len(x) != DigestSize || len(y) != DigestSize {
		return nil, fmt.Errorf("cryptutil: nonces must be %d bytes, got %d and %d", DigestSize, len(x), len(y))
	}

	hp := H([]byte(password))
	hhp := H(hp)

	s1in := make([]byte, 0, DigestSize+len(x)+len(y))
	s1in = append(s1in, hhp...)
	s1in = append(s1in, x...)
	s1in = append(s1in, y...)
	s1 := H(s1in)

	switch keyLen {
	case 16:
		key := make([]byte, 16)
		copy(key, s1[:16])
		return key, nil

	case 24:
		xorXY, err := XOR20(x, y)
		if err != nil {
			return nil, err
		}
		s2 := H(xorXY)
		key := make([]byte, 24)
		copy(key, s1[:20])
		copy(key[0:4], s2[0:4]) // overlays s1's first 4 bytes; do not "fix".
		return key, nil

	case 32:
		xorXY, err := XOR20(x, y)
		if err != nil {
			return nil, err
		}
		s2 := H(xorXY)
		key := make([]byte, 32)
		copy(key, s1[:20])
		copy(key[0:12], s2[0:12]) // overlays s1's first 12 bytes; do not "fix".
		return key, nil

	default:
		return nil, fmt.Errorf("cryptutil: unsupported session key length %d", keyLen)
	}
}

// PasswordProof computes H(H(P)), the key for the encrypted handshake's
// phase 1/1.5 nonce envelope (spec.md §4.4). Phase 2 itself sends the
// single hash H(P), computed separately by the caller.
func PasswordProof(password string) []byte {
	return H(H([]byte(password)))
}

// ChallengeResponse computes H(R ‖ H(H(P))), the cleartext handshake's
// phase 2 response to server challenge R.
func ChallengeResponse(challenge []byte, password string) []byte {
	buf := make([]byte, 0, len(challenge)+DigestSize)
	buf = append(buf, challenge...)
	buf = append(buf, PasswordProof(password)...)
	return H(buf)
}
