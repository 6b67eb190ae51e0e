package wire_test

import (
	"testing"

	"github.com/sqlabs/cubesql-go/wire"
)

func TestHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		h    wire.Header
	}{
		{"connect", wire.Header{Command: wire.CommandConnect, Selector: wire.SelectorClearConnectPhase1, NumFields: 1}},
		{"execute", wire.Header{Command: wire.CommandExecute, Flag1: wire.FlagSupportCompression, NumFields: 1}},
		{"select-serverside", wire.Header{Command: wire.CommandSelect, Flag1: wire.FlagServerSide, NumFields: 1}},
		{"chunk-ok", wire.Header{Command: wire.CommandChunk, Selector: wire.SelectorChunkOK}},
		{"vmbind", wire.Header{Command: wire.CommandVMBind, Flag3: byte(wire.BindInt64), Reserved1: 3, NumFields: 1}},
		{"error-reply", wire.Header{Command: wire.CommandExecute, ErrorCode: 42, EncryptedPacket: wire.EncryptionAES256}},
		{"max-fields", wire.Header{PacketSize: 0xFFFFFFFF, NumFields: 0xFFFFFFFF, ExpandedSize: 0xFFFFFFFF, Timeout: 0xFFFFFFFF}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tc.h.Signature = wire.Signature
			buf := tc.h.Encode()
			if len(buf) != wire.HeaderSize {
				t.Fatalf("encoded header is %d bytes, want %d", len(buf), wire.HeaderSize)
			}
			got, err := wire.Decode(buf)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got != tc.h {
				t.Fatalf("round trip mismatch: got %+v, want %+v", got, tc.h)
			}
		})
	}
}

func TestDecodeRejectsWrongSignature(t *testing.T) {
	t.Parallel()
	h := wire.Header{Signature: 0xDEADBEEF}
	if _, err := wire.Decode(h.Encode()); err == nil {
		t.Fatal("expected an error for a wrong signature")
	}
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	t.Parallel()
	if _, err := wire.Decode(make([]byte, wire.HeaderSize-1)); err == nil {
		t.Fatal("expected an error for a short buffer")
	}
}

func TestIsEndChunkVsIsError(t *testing.T) {
	t.Parallel()

	end := wire.Header{ErrorCode: wire.ErrEndChunk}
	if !end.IsEndChunk() {
		t.Fatal("expected IsEndChunk for ErrEndChunk")
	}
	if end.IsError() {
		t.Fatal("end-chunk must not also report as a server error")
	}

	errH := wire.Header{ErrorCode: 7}
	if errH.IsEndChunk() {
		t.Fatal("real error code must not report as end-chunk")
	}
	if !errH.IsError() {
		t.Fatal("expected IsError for a non-zero, non-end-chunk error code")
	}

	ok := wire.Header{}
	if ok.IsError() || ok.IsEndChunk() {
		t.Fatal("zero error code must report neither")
	}
}

func TestParseEncryptionModeAcceptsLegacyIntegers(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   int
		want wire.EncryptionMode
	}{
		{0, wire.EncryptionNone},
		{128, wire.EncryptionAES128},
		{192, wire.EncryptionAES192},
		{256, wire.EncryptionAES256},
		{int(wire.EncryptionAES128), wire.EncryptionAES128},
		{int(wire.EncryptionSSLAES256), wire.EncryptionSSLAES256},
	}
	for _, tc := range cases {
		got, err := wire.ParseEncryptionMode(tc.in)
		if err != nil {
			t.Fatalf("ParseEncryptionMode(%d): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseEncryptionMode(%d) = %v, want %v", tc.in, got, tc.want)
		}
	}

	if _, err := wire.ParseEncryptionMode(999); err == nil {
		t.Fatal("expected an error for an invalid encryption mode")
	}
}

func TestEncryptionModeKeyLenAndSSL(t *testing.T) {
	t.Parallel()

	if wire.EncryptionAES128.KeyLen() != 16 || wire.EncryptionAES192.KeyLen() != 24 || wire.EncryptionAES256.KeyLen() != 32 {
		t.Fatal("unexpected AES key length mapping")
	}
	if wire.EncryptionNone.KeyLen() != 0 {
		t.Fatal("EncryptionNone must carry no key length")
	}
	if wire.EncryptionAES128.IsSSL() {
		t.Fatal("bare AES mode must not report as SSL")
	}
	if !wire.EncryptionSSLAES192.IsSSL() {
		t.Fatal("SSL-combined mode must report as SSL")
	}
	if wire.EncryptionSSLAES192.AESComponent() != wire.EncryptionAES192 {
		t.Fatalf("AESComponent() = %v, want %v", wire.EncryptionSSLAES192.AESComponent(), wire.EncryptionAES192)
	}
}
