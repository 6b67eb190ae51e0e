// Package testccqlconn is test-only infrastructure: CubeSQL has no public
// container image to drive with testcontainers-go the way the teacher's
// own integration tests drive a real MySQL, so this package spins up a
// real loopback net.Listener and speaks just enough of the wire protocol
// to exercise this module's client code (spec.md §4, "real local TCP, no
// mocks", adapted to what's actually available — see DESIGN.md).
package testccqlconn

import (
	"bytes"
	"net"
	"testing"

	"github.com/sqlabs/cubesql-go/cryptutil"
	"github.com/sqlabs/cubesql-go/wire"
)

// Listen opens a loopback TCP listener and returns it along with the port
// to dial. Callers are responsible for Accept()ing and closing it.
func Listen(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("testccqlconn: listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln, ln.Addr().(*net.TCPAddr).Port
}

// ServeCleartextHandshake drives the server side of the cleartext, no-
// token authentication flow (spec.md §4.4) against one accepted
// connection, verifying the phase 2 response matches password.
func ServeCleartextHandshake(t *testing.T, conn net.Conn, password string) error {
	t.Helper()
	if _, _, err := wire.ReadHeaderAndPayload(conn); err != nil {
		return err
	}
	challenge := bytes.Repeat([]byte{0x0A}, cryptutil.DigestSize)
	if err := wire.WriteRequest(conn, wire.Header{Command: wire.CommandConnect}, challenge, nil); err != nil {
		return err
	}

	_, payload, err := wire.ReadHeaderAndPayload(conn)
	if err != nil {
		return err
	}
	fields, err := wire.DecodeFields(payload, 1)
	if err != nil {
		return err
	}
	want := cryptutil.ChallengeResponse(challenge, password)
	if !bytes.Equal(fields[0], want) {
		errHeader := wire.Header{Command: wire.CommandConnect, ErrorCode: 1}
		return wire.WriteRequest(conn, errHeader, []byte("bad password"), nil)
	}
	return wire.WriteRequest(conn, wire.Header{Command: wire.CommandConnect}, nil, nil)
}

// ServeAck reads one request and replies with a bare, non-error ack —
// the shape of an EXECUTE or CLOSE acknowledgement.
func ServeAck(conn net.Conn, command byte) error {
	if _, _, err := wire.ReadHeaderAndPayload(conn); err != nil {
		return err
	}
	return wire.WriteRequest(conn, wire.Header{Command: command}, nil, nil)
}

// ServeSingleRowTextCursor reads a SELECT request and replies with a
// single-row, single-column TEXT cursor frame carrying value (spec.md
// §4.6 payload layout: types, sizes, names, data).
func ServeSingleRowTextCursor(conn net.Conn, value string) error {
	if _, _, err := wire.ReadHeaderAndPayload(conn); err != nil {
		return err
	}
	payload := singleRowTextCursorPayload(value)
	h := wire.Header{Command: wire.CommandSelect, NumFields: 1, ExpandedSize: 1}
	return wire.WriteRequest(conn, h, payload, nil)
}

func singleRowTextCursorPayload(value string) []byte {
	var payload []byte
	payload = append(payload, putInt32(3)...) // ColumnTypeText
	payload = append(payload, putInt32(int32(len(value)))...)
	payload = append(payload, 'x', 0)
	payload = append(payload, []byte(value)...)
	return payload
}

func putInt32(v int32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
