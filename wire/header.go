// Package wire implements the CubeSQL fixed-header framed request/reply
// protocol: header encode/decode, the field-size prefix, zlib
// (de)compression and the encrypted-packet envelope.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Signature is the magic constant every frame, request or reply, carries
// in its first four bytes.
const Signature uint32 = 0xA0B0C0D0

// HeaderSize is the fixed on-wire size of Header, padding included.
const HeaderSize = 56

// Protocol version flags (spec.md GLOSSARY: "old protocol / new protocol").
// The GLOSSARY names the two variants after the year of the revision that
// introduced them ("2007" cleartext identifiers, "2011" hashed/hex-encoded
// identifiers); the on-wire protocolVersion byte itself only ever
// distinguishes the two, so it carries 0/1 rather than the literal year.
const (
	ProtocolOld byte = 0
	ProtocolNew byte = 1
)

// Command bytes (spec.md §4.7).
const (
	CommandConnect     byte = 0
	CommandClose       byte = 1
	CommandExecute     byte = 2
	CommandSelect      byte = 3
	CommandChunk       byte = 4
	CommandChunkBind   byte = 5
	CommandVMPrepare   byte = 6
	CommandVMBind      byte = 7
	CommandVMExecute   byte = 8
	CommandVMSelect    byte = 9
	CommandVMClose     byte = 10
	CommandCursorStep  byte = 11
	CommandCursorClose byte = 12
	CommandEndChunk    byte = 13
)

// Selectors (spec.md §4.7). SelectorNone is used by commands that carry no
// selector-specific sub-phase.
const (
	SelectorNone byte = 0

	SelectorClearConnectPhase1   byte = 1
	SelectorClearConnectPhase2   byte = 2
	SelectorEncryptConnectPhase1 byte = 3
	SelectorEncryptConnectPhase2 byte = 4
	SelectorClearTokenConnect1   byte = 5
	SelectorClearTokenConnect2   byte = 6
	SelectorEncryptTokenConnect1 byte = 7
	SelectorEncryptTokenConnect2 byte = 8

	SelectorChunkOK    byte = 9
	SelectorChunkAbort byte = 10

	SelectorBindStep     byte = 11
	SelectorBindFinalize byte = 12
	SelectorBindAbort    byte = 13
)

// flag1 bits. Request-side and reply-side flags share one bit space; each
// bit has a single meaning, and some are only used in one direction
// (spec.md §6.1).
const (
	FlagSupportCompression byte = 1 << 0
	FlagPartialPacket      byte = 1 << 1
	FlagCompressedPacket   byte = 1 << 2
	FlagServerSide         byte = 1 << 3
	FlagHasTableName       byte = 1 << 4
	FlagHasRowIDColumn     byte = 1 << 5
)

// Encryption modes, encoded in the header's encryptedPacket byte
// (spec.md §6.2). The SSL-combined variants are client-side only: the
// server only ever sees the AES component, TLS being signalled by the
// transport itself.
type EncryptionMode byte

const (
	EncryptionNone EncryptionMode = iota
	EncryptionAES128
	EncryptionAES192
	EncryptionAES256
	EncryptionSSL
	EncryptionSSLAES128
	EncryptionSSLAES192
	EncryptionSSLAES256
)

// ParseEncryptionMode accepts both the named enum and the legacy bare key
// lengths (128/192/256) the original SDK coerced in cubesql_connect_token.
func ParseEncryptionMode(v int) (EncryptionMode, error) {
	switch v {
	case int(EncryptionNone), int(EncryptionAES128), int(EncryptionAES192), int(EncryptionAES256),
		int(EncryptionSSL), int(EncryptionSSLAES128), int(EncryptionSSLAES192), int(EncryptionSSLAES256):
		return EncryptionMode(v), nil
	case 128:
		return EncryptionAES128, nil
	case 192:
		return EncryptionAES192, nil
	case 256:
		return EncryptionAES256, nil
	}
	return 0, fmt.Errorf("wire: invalid encryption mode %d", v)
}

// IsSSL reports whether mode wraps the session in an outer TLS tunnel.
func (m EncryptionMode) IsSSL() bool {
	return m >= EncryptionSSL
}

// AESComponent returns the AES-only mode the server actually sees on the
// wire: the SSL bit is a client-side transport signal, never transmitted.
func (m EncryptionMode) AESComponent() EncryptionMode {
	if m.IsSSL() {
		return m - EncryptionSSL + EncryptionNone
	}
	return m
}

// KeyLen returns the AES key length in bytes for the mode's AES component,
// or 0 when no AES layer is in effect.
func (m EncryptionMode) KeyLen() int {
	switch m.AESComponent() {
	case EncryptionAES128:
		return 16
	case EncryptionAES192:
		return 24
	case EncryptionAES256:
		return 32
	}
	return 0
}

// ErrEndChunk is the reserved errorCode value meaning "end of chunked
// stream", not a real protocol error (spec.md §6.3).
const ErrEndChunk uint16 = 0xFFFF

// BindType is the value VM_BIND carries in the header's flag3 byte
// (spec.md §4.7), recovered from the original SDK's CUBESQL_BIND_*
// constants (cubesql_vmbind_int/double/text/blob/null/int64/zeroblob).
type BindType byte

const (
	BindInteger BindType = iota
	BindDouble
	BindText
	BindBlob
	BindNull
	BindInt64
	BindZeroBlob
)

// Header is the fixed 56-byte frame header shared by requests and
// replies (spec.md §3, §6.1). Field meaning differs slightly by
// direction; see the per-field comments below (ErrorCode is reply-only).
type Header struct {
	Signature       uint32
	PacketSize      uint32 // payload bytes following the header, IV included when encrypted
	Command         byte
	Selector        byte
	Flag1           byte
	Flag2           byte
	Flag3           byte
	EncryptedPacket EncryptionMode
	NumFields       uint32
	ErrorCode       uint16 // reply only; requests set zero
	Reserved1       uint16 // per-command scratch (e.g. bind index)
	ExpandedSize    uint32 // uncompressed size, or zeroblob target length
	Timeout         uint32 // informational
	ProtocolVersion byte
}

// Encode writes h in its fixed wire layout.
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Signature)
	binary.BigEndian.PutUint32(buf[4:8], h.PacketSize)
	buf[8] = h.Command
	buf[9] = h.Selector
	buf[10] = h.Flag1
	buf[11] = h.Flag2
	buf[12] = h.Flag3
	buf[13] = byte(h.EncryptedPacket)
	binary.BigEndian.PutUint32(buf[14:18], h.NumFields)
	binary.BigEndian.PutUint16(buf[18:20], h.ErrorCode)
	binary.BigEndian.PutUint16(buf[20:22], h.Reserved1)
	binary.BigEndian.PutUint32(buf[22:26], h.ExpandedSize)
	binary.BigEndian.PutUint32(buf[26:30], h.Timeout)
	buf[30] = h.ProtocolVersion
	// buf[31:56] left zeroed: reserved padding.
	return buf
}

// Decode parses a HeaderSize-byte buffer into a Header.
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header: got %d bytes, want %d", len(buf), HeaderSize)
	}
	h := Header{
		Signature:       binary.BigEndian.Uint32(buf[0:4]),
		PacketSize:      binary.BigEndian.Uint32(buf[4:8]),
		Command:         buf[8],
		Selector:        buf[9],
		Flag1:           buf[10],
		Flag2:           buf[11],
		Flag3:           buf[12],
		EncryptedPacket: EncryptionMode(buf[13]),
		NumFields:       binary.BigEndian.Uint32(buf[14:18]),
		ErrorCode:       binary.BigEndian.Uint16(buf[18:20]),
		Reserved1:       binary.BigEndian.Uint16(buf[20:22]),
		ExpandedSize:    binary.BigEndian.Uint32(buf[22:26]),
		Timeout:         binary.BigEndian.Uint32(buf[26:30]),
		ProtocolVersion: buf[30],
	}
	if h.Signature != Signature {
		return Header{}, fmt.Errorf("wire: wrong signature: got %#x, want %#x", h.Signature, Signature)
	}
	return h, nil
}

// IsEndChunk reports whether a reply header signals end-of-chunked-stream
// rather than a real server error.
func (h *Header) IsEndChunk() bool {
	return h.ErrorCode == ErrEndChunk
}

// IsError reports whether a reply header signals a server-side error
// (spec.md §6.3): any non-zero errorCode other than the end-chunk marker.
func (h *Header) IsError() bool {
	return h.ErrorCode != 0 && !h.IsEndChunk()
}
