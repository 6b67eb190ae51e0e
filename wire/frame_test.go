package wire_test

import (
	"bytes"
	"testing"

	"github.com/sqlabs/cubesql-go/wire"
)

func TestEncodeDecodeFieldsRoundTrip(t *testing.T) {
	t.Parallel()

	fields := [][]byte{[]byte("hello\x00"), {}, []byte{0xDE, 0xAD, 0xBE, 0xEF}}
	encoded := wire.EncodeFields(fields)

	decoded, err := wire.DecodeFields(encoded, len(fields))
	if err != nil {
		t.Fatalf("DecodeFields: %v", err)
	}
	if len(decoded) != len(fields) {
		t.Fatalf("got %d fields, want %d", len(decoded), len(fields))
	}
	for i := range fields {
		if !bytes.Equal(decoded[i], fields[i]) {
			t.Fatalf("field %d: got %v, want %v", i, decoded[i], fields[i])
		}
	}
}

func TestDecodeFieldsRejectsSizeMismatch(t *testing.T) {
	t.Parallel()
	encoded := wire.EncodeFields([][]byte{[]byte("abc")})
	if _, err := wire.DecodeFields(encoded[:len(encoded)-1], 1); err == nil {
		t.Fatal("expected an error when field sizes don't sum to the payload length")
	}
}

// stubCipher is a no-op wire.Cipher that tags its output so tests can
// confirm WriteRequest/ReadReply invoke it.
type stubCipher struct{ calledEncrypt, calledDecrypt bool }

func (s *stubCipher) Encrypt(p []byte) ([]byte, error) {
	s.calledEncrypt = true
	iv := bytes.Repeat([]byte{0xAA}, 16)
	return append(iv, p...), nil
}

func (s *stubCipher) Decrypt(ivAndCiphertext []byte) ([]byte, error) {
	s.calledDecrypt = true
	return ivAndCiphertext[16:], nil
}

func TestWriteRequestReadReplyRoundTrip(t *testing.T) {
	t.Parallel()

	payload := wire.EncodeFields([][]byte{[]byte("SELECT 1;\x00")})
	h := wire.Header{Command: wire.CommandExecute, NumFields: 1, EncryptedPacket: wire.EncryptionAES128}
	cipher := &stubCipher{}

	var buf bytes.Buffer
	if err := wire.WriteRequest(&buf, h, payload, cipher); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	if !cipher.calledEncrypt {
		t.Fatal("expected WriteRequest to encrypt when EncryptedPacket != NONE")
	}

	gotHeader, gotPayload, err := wire.ReadReply(&buf, cipher)
	if err != nil {
		t.Fatalf("ReadReply: %v", err)
	}
	if !cipher.calledDecrypt {
		t.Fatal("expected ReadReply to decrypt when EncryptedPacket != NONE")
	}
	if gotHeader.Command != wire.CommandExecute {
		t.Fatalf("got command %d, want %d", gotHeader.Command, wire.CommandExecute)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Fatalf("payload round trip mismatch: got %v, want %v", gotPayload, payload)
	}
}

func TestReadReplyUnencryptedNoPayload(t *testing.T) {
	t.Parallel()
	h := wire.Header{Command: wire.CommandClose}

	var buf bytes.Buffer
	if err := wire.WriteRequest(&buf, h, nil, nil); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	gotHeader, gotPayload, err := wire.ReadReply(&buf, nil)
	if err != nil {
		t.Fatalf("ReadReply: %v", err)
	}
	if gotHeader.PacketSize != 0 || len(gotPayload) != 0 {
		t.Fatalf("expected empty payload, got header=%+v payload=%v", gotHeader, gotPayload)
	}
}

func TestReadReplyRequiresCipherWhenEncrypted(t *testing.T) {
	t.Parallel()
	h := wire.Header{Command: wire.CommandExecute, EncryptedPacket: wire.EncryptionAES128}

	var buf bytes.Buffer
	if err := wire.WriteRequest(&buf, h, []byte("data"), &stubCipher{}); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	if _, _, err := wire.ReadReply(&buf, nil); err == nil {
		t.Fatal("expected an error reading an encrypted reply with no cipher")
	}
}

func TestDeflateInflateRoundTrip(t *testing.T) {
	t.Parallel()
	original := bytes.Repeat([]byte("cubesql payload "), 100)

	compressed, err := wire.Deflate(original)
	if err != nil {
		t.Fatalf("Deflate: %v", err)
	}
	if len(compressed) >= len(original) {
		t.Fatalf("expected compression to shrink a repetitive payload: got %d bytes from %d", len(compressed), len(original))
	}

	decompressed, err := wire.Inflate(compressed, len(original))
	if err != nil {
		t.Fatalf("Inflate: %v", err)
	}
	if !bytes.Equal(decompressed, original) {
		t.Fatal("decompressed payload does not match original")
	}
}
