// Package handshake implements the four CubeSQL authentication flows of
// spec.md §4.4 as explicit transitions rather than branches buried in one
// monolithic function (spec.md §9 Design Notes, "four handshake flows").
// TLS, when used, has already been established over the connection by the
// time Authenticate runs; this package only ever sees a plain
// io.ReadWriter.
package handshake

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/sqlabs/cubesql-go/cryptutil"
	"github.com/sqlabs/cubesql-go/wire"
)

// Options carries everything a flow needs to authenticate one connection.
type Options struct {
	Username    string
	Password    string
	Token       string // empty means no token
	Encryption  wire.EncryptionMode // AES component only; SSL bit is not meaningful here
	OldProtocol bool
}

// Result is what a successful handshake produces for the connection to
// keep using afterward.
type Result struct {
	// Session is nil for the cleartext flows: they prove password
	// knowledge but never establish a symmetric session key.
	Session *cryptutil.Session
}

// phase1KeyLen is the AES key length csql_connect_encrypted always uses
// for the phase 1/1.5 envelope, independent of the negotiated session
// encryption mode: the nonce exchange itself is always AES-128.
const phase1KeyLen = 16

// Authenticate runs the flow selected by opts.Encryption and opts.Token
// against rw and returns the established Result.
func Authenticate(rw io.ReadWriter, opts Options) (*Result, error) {
	if opts.Encryption == wire.EncryptionNone {
		return cleartextFlow(rw, opts)
	}
	return encryptedFlow(rw, opts)
}

func protocolVersion(opts Options) byte {
	if opts.OldProtocol {
		return wire.ProtocolOld
	}
	return wire.ProtocolNew
}

// cleartextFlow proves password knowledge without ever encrypting
// anything on the wire (spec.md §4.4 "Cleartext flow").
func cleartextFlow(rw io.ReadWriter, opts Options) (*Result, error) {
	selector1, selector2 := wire.SelectorClearConnectPhase1, wire.SelectorClearConnectPhase2
	if opts.Token != "" {
		selector1, selector2 = wire.SelectorClearTokenConnect1, wire.SelectorClearTokenConnect2
	}

	usernameField := usernameFieldCleartext(opts.Username, opts.OldProtocol)
	if err := sendFields(rw, opts, wire.CommandConnect, selector1, [][]byte{usernameField}, wire.EncryptionNone); err != nil {
		return nil, fmt.Errorf("handshake: cleartext phase 1: %w", err)
	}

	_, challenge, err := wire.ReadHeaderAndPayload(rw)
	if err != nil {
		return nil, fmt.Errorf("handshake: cleartext phase 1 reply: %w", err)
	}
	if len(challenge) != cryptutil.DigestSize {
		return nil, fmt.Errorf("handshake: cleartext challenge: got %d bytes, want %d", len(challenge), cryptutil.DigestSize)
	}

	response := cryptutil.ChallengeResponse(challenge, opts.Password)
	fields := [][]byte{response}
	if opts.Token != "" {
		fields = append(fields, tokenField(opts.Token))
	}
	if err := sendFields(rw, opts, wire.CommandConnect, selector2, fields, wire.EncryptionNone); err != nil {
		return nil, fmt.Errorf("handshake: cleartext phase 2: %w", err)
	}

	if err := readAck(rw); err != nil {
		return nil, fmt.Errorf("handshake: cleartext phase 2 reply: %w", err)
	}
	return &Result{}, nil
}

// encryptedFlow establishes a symmetric session key via a random-nonce
// exchange (spec.md §4.4 "Encrypted flow").
func encryptedFlow(rw io.ReadWriter, opts Options) (*Result, error) {
	selector1, selector2 := wire.SelectorEncryptConnectPhase1, wire.SelectorEncryptConnectPhase2
	if opts.Token != "" {
		selector1, selector2 = wire.SelectorEncryptTokenConnect1, wire.SelectorEncryptTokenConnect2
	}

	hhp := cryptutil.PasswordProof(opts.Password) // H(H(P))
	phase1Session, err := cryptutil.NewSession(hhp[:phase1KeyLen])
	if err != nil {
		return nil, fmt.Errorf("handshake: build phase 1 session: %w", err)
	}

	x, err := cryptutil.RandomNonce()
	if err != nil {
		return nil, fmt.Errorf("handshake: generate X: %w", err)
	}
	iv, err := cryptutil.RandomBytes(cryptutil.BlockLen)
	if err != nil {
		return nil, fmt.Errorf("handshake: generate phase 1 iv: %w", err)
	}
	hx := cryptutil.H(x)
	plain := append(append([]byte{}, x...), hx...)
	outIV, ciphertext, err := phase1Session.EncryptWithIV(plain, iv)
	if err != nil {
		return nil, fmt.Errorf("handshake: encrypt phase 1 nonce: %w", err)
	}
	encField := append(append([]byte{}, outIV...), ciphertext...)

	usernameField := usernameFieldEncrypted(opts.Username, iv, opts.OldProtocol)
	if err := sendFields(rw, opts, wire.CommandConnect, selector1, [][]byte{usernameField, encField}, opts.Encryption); err != nil {
		return nil, fmt.Errorf("handshake: encrypted phase 1: %w", err)
	}

	_, reply, err := wire.ReadHeaderAndPayload(rw)
	if err != nil {
		return nil, fmt.Errorf("handshake: encrypted phase 1.5 reply: %w", err)
	}
	decrypted, err := phase1Session.Decrypt(reply)
	if err != nil {
		return nil, fmt.Errorf("handshake: decrypt phase 1.5 reply: %w", err)
	}
	if len(decrypted) != 2*cryptutil.DigestSize {
		return nil, fmt.Errorf("handshake: phase 1.5 plaintext: got %d bytes, want %d", len(decrypted), 2*cryptutil.DigestSize)
	}
	y := decrypted[:cryptutil.DigestSize]
	hy := decrypted[cryptutil.DigestSize:]
	if string(cryptutil.H(y)) != string(hy) {
		return nil, fmt.Errorf("handshake: server nonce hash mismatch")
	}

	sessionKey, err := cryptutil.DeriveSessionKey(opts.Password, x, y, opts.Encryption.KeyLen())
	if err != nil {
		return nil, fmt.Errorf("handshake: derive session key: %w", err)
	}
	session, err := cryptutil.NewSession(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("handshake: build session: %w", err)
	}

	hp := cryptutil.H([]byte(opts.Password))
	fields := [][]byte{hp}
	if opts.Token != "" {
		fields = append(fields, tokenField(opts.Token))
	}
	encodedFields, err := encryptEach(session, fields)
	if err != nil {
		return nil, fmt.Errorf("handshake: encrypt phase 2 fields: %w", err)
	}
	if err := sendFields(rw, opts, wire.CommandConnect, selector2, encodedFields, opts.Encryption); err != nil {
		return nil, fmt.Errorf("handshake: encrypted phase 2: %w", err)
	}

	if err := readAck(rw); err != nil {
		return nil, fmt.Errorf("handshake: encrypted phase 2 reply: %w", err)
	}
	return &Result{Session: session}, nil
}

// encryptEach encrypts each field independently under session, each with
// its own random IV, matching how phase 2 sends the password proof and
// the (optional) token as two separately-encrypted fields.
func encryptEach(session *cryptutil.Session, fields [][]byte) ([][]byte, error) {
	out := make([][]byte, len(fields))
	for i, f := range fields {
		enc, err := session.Encrypt(f)
		if err != nil {
			return nil, err
		}
		out[i] = enc
	}
	return out, nil
}

// sendFields writes one CONNECT request whose payload is the size-prefixed
// concatenation of fields (spec.md §4.2); encMode only annotates the
// header's encryptedPacket byte; the fields have already been encrypted
// wherever the flow requires it, so the frame itself is written unencrypted.
func sendFields(w io.Writer, opts Options, command, selector byte, fields [][]byte, encMode wire.EncryptionMode) error {
	h := wire.Header{
		Command:         command,
		Selector:        selector,
		NumFields:       uint32(len(fields)),
		EncryptedPacket: encMode,
		ProtocolVersion: protocolVersion(opts),
	}
	return wire.WriteRequest(w, h, wire.EncodeFields(fields), nil)
}

// readAck reads a header-only reply (no payload) and fails on a
// server-reported error, as used by both flows' final phase 2 reply.
func readAck(r io.Reader) error {
	h, payload, err := wire.ReadHeaderAndPayload(r)
	if err != nil {
		return err
	}
	if h.IsError() {
		return fmt.Errorf("handshake: server rejected connect: %s", string(payload))
	}
	return nil
}

// usernameFieldCleartext builds the NUL-terminated username field of the
// cleartext flow: the raw username in old-protocol mode, or the hex-encoded
// H(username) in new-protocol mode (GLOSSARY "old protocol / new protocol").
func usernameFieldCleartext(username string, oldProtocol bool) []byte {
	if oldProtocol {
		return nulTerminated(username)
	}
	return nulTerminated(hex.EncodeToString(cryptutil.H([]byte(username))))
}

// usernameFieldEncrypted builds the encrypted flow's username field: the
// raw username in old-protocol mode, or the hex-encoded H(username ‖
// hex(iv)) in new-protocol mode, where iv is the phase-1 nonce-exchange IV.
func usernameFieldEncrypted(username string, iv []byte, oldProtocol bool) []byte {
	if oldProtocol {
		return nulTerminated(username)
	}
	ivHex := hex.EncodeToString(iv)
	sum := cryptutil.H([]byte(username + ivHex))
	return nulTerminated(hex.EncodeToString(sum))
}

func tokenField(token string) []byte {
	return nulTerminated(token)
}

func nulTerminated(s string) []byte {
	return append([]byte(s), 0)
}
