package wire

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
)

// Cipher is the subset of an AES-CBC-with-ciphertext-stealing session
// context the frame codec needs to encrypt outgoing payloads and decrypt
// incoming ones. cryptutil.Session implements it; wire never imports
// cryptutil so the two packages can be tested independently.
type Cipher interface {
	// Encrypt returns a 16-byte IV field followed by the ciphertext of p.
	Encrypt(p []byte) ([]byte, error)
	// Decrypt takes an IV-field-prefixed ciphertext and returns the plaintext.
	Decrypt(ivAndCiphertext []byte) ([]byte, error)
}

// EncodeFields packs fields into the numFields big-endian size-prefix
// layout spec.md §4.2 describes: one u32 length per field, then the
// concatenated field bytes.
func EncodeFields(fields [][]byte) []byte {
	out := make([]byte, 4*len(fields))
	for i, f := range fields {
		binary.BigEndian.PutUint32(out[4*i:4*i+4], uint32(len(f)))
	}
	for _, f := range fields {
		out = append(out, f...)
	}
	return out
}

// DecodeFields splits payload into numFields fields using the leading
// big-endian size-prefix array.
func DecodeFields(payload []byte, numFields int) ([][]byte, error) {
	prefixLen := 4 * numFields
	if len(payload) < prefixLen {
		return nil, fmt.Errorf("wire: field prefix truncated: have %d bytes, need %d", len(payload), prefixLen)
	}
	sizes := make([]int, numFields)
	total := prefixLen
	for i := 0; i < numFields; i++ {
		sizes[i] = int(binary.BigEndian.Uint32(payload[4*i : 4*i+4]))
		total += sizes[i]
	}
	if total != len(payload) {
		return nil, fmt.Errorf("wire: field sizes sum to %d, payload carries %d", total, len(payload))
	}
	fields := make([][]byte, numFields)
	off := prefixLen
	for i, sz := range sizes {
		fields[i] = payload[off : off+sz]
		off += sz
	}
	return fields, nil
}

// WriteRequest serializes h and payload and writes the frame to w. When
// cipher is non-nil and h.EncryptedPacket is not EncryptionNone the payload
// is encrypted first and h.PacketSize is adjusted to include the IV,
// matching the "inflates packetSize by the IV length" rule of spec.md §4.2.
// With either condition unmet the payload is written as is.
func WriteRequest(w io.Writer, h Header, payload []byte, cipher Cipher) error {
	wire := payload
	if cipher != nil && h.EncryptedPacket != EncryptionNone {
		enc, err := cipher.Encrypt(payload)
		if err != nil {
			return fmt.Errorf("wire: encrypt request payload: %w", err)
		}
		wire = enc
	}
	h.Signature = Signature
	h.PacketSize = uint32(len(wire))
	if _, err := w.Write(h.Encode()); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if len(wire) > 0 {
		if _, err := w.Write(wire); err != nil {
			return fmt.Errorf("wire: write payload: %w", err)
		}
	}
	return nil
}

// ReadHeaderAndPayload reads one frame's fixed header and its raw
// PacketSize payload bytes with no decryption or decompression applied.
// Most replies go through ReadReply instead; the connect handshake uses
// this directly because its phase replies carry a fixed, protocol-known
// layout rather than the generic field-size-prefixed shape (spec.md §4.4
// phase 1.5's raw IV‖ciphertext reply has no field table to strip).
func ReadHeaderAndPayload(r io.Reader) (Header, []byte, error) {
	hdrBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hdrBuf); err != nil {
		return Header{}, nil, fmt.Errorf("wire: read header: %w", err)
	}
	h, err := Decode(hdrBuf)
	if err != nil {
		return Header{}, nil, err
	}

	var payload []byte
	if h.PacketSize > 0 {
		payload = make([]byte, h.PacketSize)
		if _, err := io.ReadFull(r, payload); err != nil {
			return h, nil, fmt.Errorf("wire: read payload: %w", err)
		}
	}
	return h, payload, nil
}

// ReadReply reads one frame from r: the fixed header, then exactly
// PacketSize payload bytes, decrypting and decompressing in place
// per spec.md §4.2.
func ReadReply(r io.Reader, cipher Cipher) (Header, []byte, error) {
	h, payload, err := ReadHeaderAndPayload(r)
	if err != nil {
		return h, nil, err
	}

	if h.EncryptedPacket != EncryptionNone && len(payload) > 0 {
		if cipher == nil {
			return h, nil, fmt.Errorf("wire: reply is encrypted but no session cipher is active")
		}
		dec, err := cipher.Decrypt(payload)
		if err != nil {
			return h, nil, fmt.Errorf("wire: decrypt reply payload: %w", err)
		}
		payload = dec
	}

	if h.Flag1&FlagCompressedPacket != 0 && len(payload) > 0 {
		dec, err := inflate(payload, int(h.ExpandedSize))
		if err != nil {
			return h, nil, fmt.Errorf("wire: decompress reply payload: %w", err)
		}
		payload = dec
	}

	return h, payload, nil
}

// deflate zlib-compresses p; used when the sender opts into
// FlagCompressedPacket (spec.md §4.2, §4.7 CHUNK/CHUNK_BIND flags).
func deflate(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(p); err != nil {
		return nil, fmt.Errorf("wire: zlib write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("wire: zlib close: %w", err)
	}
	return buf.Bytes(), nil
}

// inflate zlib-decompresses p, which is expected to expand to exactly
// expandedSize bytes (the value carried in the header's ExpandedSize
// field). A mismatch is not treated as fatal; it only sizes the
// preallocated buffer.
func inflate(p []byte, expandedSize int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, fmt.Errorf("wire: zlib new reader: %w", err)
	}
	defer func() { _ = zr.Close() }()

	out := bytes.NewBuffer(make([]byte, 0, expandedSize))
	if _, err := io.Copy(out, zr); err != nil {
		return nil, fmt.Errorf("wire: zlib inflate: %w", err)
	}
	return out.Bytes(), nil
}

// Deflate and Inflate are the exported forms used by command builders that
// need to compress a bind parameter or chunk payload before framing it.
func Deflate(p []byte) ([]byte, error)         { return deflate(p) }
func Inflate(p []byte, size int) ([]byte, error) { return inflate(p, size) }
