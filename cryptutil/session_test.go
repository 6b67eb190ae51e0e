package cryptutil_test

import (
	"bytes"
	"testing"

	"github.com/sqlabs/cubesql-go/cryptutil"
)

func fixedNonces(t *testing.T) (x, y []byte) {
	t.Helper()
	x = make([]byte, cryptutil.DigestSize)
	y = make([]byte, cryptutil.DigestSize)
	for i := range x {
		x[i] = byte(i)
		y[i] = byte(0x14 + i)
	}
	return x, y
}

func TestDeriveSessionKeyAES128(t *testing.T) {
	t.Parallel()
	x, y := fixedNonces(t)

	key, err := cryptutil.DeriveSessionKey("secret", x, y, 16)
	if err != nil {
		t.Fatalf("DeriveSessionKey: %v", err)
	}
	if len(key) != 16 {
		t.Fatalf("got key length %d, want 16", len(key))
	}

	hhp := cryptutil.H(cryptutil.H([]byte("secret")))
	s1in := append(append(append([]byte{}, hhp...), x...), y...)
	s1 := cryptutil.H(s1in)
	if !bytes.Equal(key, s1[:16]) {
		t.Fatal("AES-128 session key must equal s1[0:16] verbatim")
	}
}

func TestDeriveSessionKeyIsDeterministic(t *testing.T) {
	t.Parallel()
	x, y := fixedNonces(t)

	k1, err := cryptutil.DeriveSessionKey("secret", x, y, 32)
	if err != nil {
		t.Fatalf("DeriveSessionKey: %v", err)
	}
	k2, err := cryptutil.DeriveSessionKey("secret", x, y, 32)
	if err != nil {
		t.Fatalf("DeriveSessionKey: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatal("session key derivation must be a pure function of (password, X, Y, keyLen)")
	}
}

func TestDeriveSessionKeyOverlayAES192And256(t *testing.T) {
	t.Parallel()
	x, y := fixedNonces(t)

	hhp := cryptutil.H(cryptutil.H([]byte("secret")))
	s1in := append(append(append([]byte{}, hhp...), x...), y...)
	s1 := cryptutil.H(s1in)
	xorXY, err := cryptutil.XOR20(x, y)
	if err != nil {
		t.Fatalf("XOR20: %v", err)
	}
	s2 := cryptutil.H(xorXY)

	key192, err := cryptutil.DeriveSessionKey("secret", x, y, 24)
	if err != nil {
		t.Fatalf("DeriveSessionKey(192): %v", err)
	}
	if len(key192) != 24 {
		t.Fatalf("got key length %d, want 24", len(key192))
	}
	if !bytes.Equal(key192[4:20], s1[4:20]) {
		t.Fatal("AES-192 key bytes 4..19 must equal s1 verbatim")
	}
	if !bytes.Equal(key192[0:4], s2[0:4]) {
		t.Fatal("AES-192 key bytes 0..3 must be overlaid by s2, not left as s1 (spec.md §4.4 overlay, MUST preserve)")
	}

	key256, err := cryptutil.DeriveSessionKey("secret", x, y, 32)
	if err != nil {
		t.Fatalf("DeriveSessionKey(256): %v", err)
	}
	if len(key256) != 32 {
		t.Fatalf("got key length %d, want 32", len(key256))
	}
	if !bytes.Equal(key256[12:20], s1[12:20]) {
		t.Fatal("AES-256 key bytes 12..19 must equal s1 verbatim")
	}
	if !bytes.Equal(key256[0:12], s2[0:12]) {
		t.Fatal("AES-256 key bytes 0..11 must be overlaid by s2 (spec.md §4.4 overlay, MUST preserve)")
	}
}

func TestChallengeResponseIsDeterministicHash(t *testing.T) {
	t.Parallel()
	challenge := bytes.Repeat([]byte{0x07}, cryptutil.DigestSize)

	got := cryptutil.ChallengeResponse(challenge, "secret")
	want := cryptutil.H(append(append([]byte{}, challenge...), cryptutil.PasswordProof("secret")...))
	if !bytes.Equal(got, want) {
		t.Fatal("ChallengeResponse must equal H(challenge ‖ H(H(password)))")
	}
	if len(got) != cryptutil.DigestSize {
		t.Fatalf("got length %d, want %d", len(got), cryptutil.DigestSize)
	}
}
