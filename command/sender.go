// Package command builds and sends the per-command framed requests of
// spec.md §4.7: EXECUTE, SELECT, CHUNK (ack/compressed streaming),
// CHUNK_BIND (the bind-execute subprotocol), the VM_* prepared-statement
// commands, CURSOR_STEP/CURSOR_CLOSE, ENDCHUNK, and raw send/receive data
// (spec.md §4.8). Frame header/selector/flag constants live in package
// wire; this package is the thing that actually drives request/reply
// exchanges over a live connection.
package command

import (
	"fmt"
	"io"

	"github.com/sqlabs/cubesql-go/metrics"
	"github.com/sqlabs/cubesql-go/wire"
)

// Sender drives one connection's command traffic. It is not safe for
// concurrent use: spec.md §5 requires a connection to serialize its
// statements, and Sender mirrors that by being a thin, stateless-between-
// calls wrapper around the live socket.
type Sender struct {
	RW              io.ReadWriter
	Cipher          wire.Cipher // nil when the session runs unencrypted
	ProtocolVersion byte
	Metrics         *metrics.Metrics // nil disables byte-count instrumentation
}

// Reply is one decoded frame: header plus payload, already decrypted and
// decompressed by wire.ReadReply.
type Reply struct {
	Header  wire.Header
	Payload []byte
}

func (r Reply) errorIfAny() error {
	if r.Header.IsError() {
		return fmt.Errorf("command: server error %d: %s", r.Header.ErrorCode, string(r.Payload))
	}
	return nil
}

func (s *Sender) newHeader(cmd, selector byte) wire.Header {
	return wire.Header{
		Command:         cmd,
		Selector:        selector,
		Flag1:           wire.FlagSupportCompression,
		ProtocolVersion: s.ProtocolVersion,
	}
}

func (s *Sender) send(h wire.Header, payload []byte) error {
	s.Metrics.AddBytesSent(len(payload))
	return wire.WriteRequest(s.RW, h, payload, s.Cipher)
}

func (s *Sender) recv() (Reply, error) {
	h, payload, err := wire.ReadReply(s.RW, s.Cipher)
	if err != nil {
		return Reply{}, err
	}
	s.Metrics.AddBytesReceived(len(payload))
	return Reply{Header: h, Payload: payload}, nil
}

func (s *Sender) roundTrip(h wire.Header, payload []byte) (Reply, error) {
	if err := s.send(h, payload); err != nil {
		return Reply{}, err
	}
	reply, err := s.recv()
	if err != nil {
		return Reply{}, err
	}
	return reply, reply.errorIfAny()
}

func nulTerminated(s string) []byte {
	return append([]byte(s), 0)
}

// Execute sends an EXECUTE command and returns the server's reply.
func (s *Sender) Execute(sql string) (Reply, error) {
	payload := wire.EncodeFields([][]byte{nulTerminated(sql)})
	h := s.newHeader(wire.CommandExecute, wire.SelectorNone)
	h.NumFields = 1
	return s.roundTrip(h, payload)
}

// Select sends a SELECT command, requesting a server-side cursor when
// serverSide is true (spec.md §4.7 "SERVER_SIDE on SELECT if requested").
// The returned Reply is the first cursor frame; callers needing chunked
// continuations drive NextChunk/ChunkAck themselves (the cursor package
// owns that loop).
func (s *Sender) Select(sql string, serverSide bool) (Reply, error) {
	payload := wire.EncodeFields([][]byte{nulTerminated(sql)})
	h := s.newHeader(wire.CommandSelect, wire.SelectorNone)
	h.NumFields = 1
	if serverSide {
		h.Flag1 |= wire.FlagServerSide
	}
	return s.roundTrip(h, payload)
}

// NextChunk reads one more chunk frame of a partial cursor reply without
// sending anything first (the server streams unprompted between acks).
func (s *Sender) NextChunk() (Reply, error) {
	reply, err := s.recv()
	if err != nil {
		return Reply{}, err
	}
	if reply.Header.IsEndChunk() {
		return reply, nil
	}
	return reply, reply.errorIfAny()
}

// ChunkAck acknowledges a chunk frame so the server sends the next one
// (spec.md §4.7 CHUNK_OK/CHUNK_ABORT).
func (s *Sender) ChunkAck(ok bool) error {
	selector := wire.SelectorChunkOK
	if !ok {
		selector = wire.SelectorChunkAbort
	}
	h := s.newHeader(wire.CommandChunk, selector)
	return s.send(h, nil)
}

// CursorStep requests one more row of a server-side cursor
// (spec.md §4.6 "Seek ... triggers a CURSOR_STEP round trip").
func (s *Sender) CursorStep() (Reply, error) {
	h := s.newHeader(wire.CommandCursorStep, wire.SelectorNone)
	return s.roundTrip(h, nil)
}

// CursorClose tells the server to free a server-side cursor
// (spec.md §3 Cursor lifecycle).
func (s *Sender) CursorClose() error {
	h := s.newHeader(wire.CommandCursorClose, wire.SelectorNone)
	reply, err := s.roundTrip(h, nil)
	if err != nil {
		return err
	}
	return reply.errorIfAny()
}

// VMPrepare prepares sql on the server and returns the reply carrying the
// VM's parameter count / column metadata.
func (s *Sender) VMPrepare(sql string) (Reply, error) {
	payload := wire.EncodeFields([][]byte{nulTerminated(sql)})
	h := s.newHeader(wire.CommandVMPrepare, wire.SelectorNone)
	h.NumFields = 1
	return s.roundTrip(h, payload)
}

// VMBind binds one parameter, index 1-based, with bindtype carried in
// flag3 and index in reserved1 (spec.md §4.7; cubesql_vmbind_*).
// value is nil for BindNull and BindZeroBlob; zeroBlobLen is only
// meaningful for BindZeroBlob.
func (s *Sender) VMBind(index int, bindtype wire.BindType, value []byte, zeroBlobLen int) (Reply, error) {
	h := s.newHeader(wire.CommandVMBind, wire.SelectorNone)
	h.Flag3 = byte(bindtype)
	h.Reserved1 = uint16(index)

	var payload []byte
	switch bindtype {
	case wire.BindNull:
		// no payload
	case wire.BindZeroBlob:
		h.ExpandedSize = uint32(zeroBlobLen)
	default:
		h.NumFields = 1
		payload = wire.EncodeFields([][]byte{value})
	}
	return s.roundTrip(h, payload)
}

// VMExecute runs a prepared statement that doesn't produce a result set.
func (s *Sender) VMExecute() (Reply, error) {
	h := s.newHeader(wire.CommandVMExecute, wire.SelectorNone)
	return s.roundTrip(h, nil)
}

// VMSelect runs a prepared statement that produces a cursor, mirroring
// Select's server-side flag.
func (s *Sender) VMSelect(serverSide bool) (Reply, error) {
	h := s.newHeader(wire.CommandVMSelect, wire.SelectorNone)
	if serverSide {
		h.Flag1 |= wire.FlagServerSide
	}
	return s.roundTrip(h, nil)
}

// VMClose destroys the prepared statement.
func (s *Sender) VMClose() error {
	h := s.newHeader(wire.CommandVMClose, wire.SelectorNone)
	reply, err := s.roundTrip(h, nil)
	if err != nil {
		return err
	}
	return reply.errorIfAny()
}

// BindParam is one positional parameter of the bind-execute subprotocol
// (spec.md §4.1 `bind`).
type BindParam struct {
	Type        wire.BindType
	Value       []byte // text values include their NUL terminator; blob values don't
	ZeroBlobLen int    // only meaningful when Type == BindZeroBlob
}

// Bind runs the full CHUNK_BIND subprotocol (spec.md §4.7 "Bind-execute"):
// send sql, read an ack, send one BIND_STEP frame per parameter (each
// acked), then BIND_FINALIZE and read the final result. On any mid-flow
// error it sends BIND_ABORT before returning.
func (s *Sender) Bind(sql string, params []BindParam) (Reply, error) {
	payload := wire.EncodeFields([][]byte{nulTerminated(sql)})
	h := s.newHeader(wire.CommandChunkBind, wire.SelectorNone)
	h.NumFields = 1
	if _, err := s.roundTrip(h, payload); err != nil {
		return Reply{}, fmt.Errorf("command: bind sql: %w", err)
	}

	for i, p := range params {
		if err := s.bindStep(p); err != nil {
			s.bindAbort()
			return Reply{}, fmt.Errorf("command: bind param %d: %w", i, err)
		}
	}

	fh := s.newHeader(wire.CommandChunkBind, wire.SelectorBindFinalize)
	reply, err := s.roundTrip(fh, nil)
	if err != nil {
		return Reply{}, fmt.Errorf("command: bind finalize: %w", err)
	}
	return reply, nil
}

func (s *Sender) bindStep(p BindParam) error {
	h := s.newHeader(wire.CommandChunkBind, wire.SelectorBindStep)
	h.Flag3 = byte(p.Type)

	var payload []byte
	switch p.Type {
	case wire.BindNull:
	case wire.BindZeroBlob:
		h.ExpandedSize = uint32(p.ZeroBlobLen)
	default:
		h.NumFields = 1
		payload = wire.EncodeFields([][]byte{p.Value})
	}
	_, err := s.roundTrip(h, payload)
	return err
}

func (s *Sender) bindAbort() {
	h := s.newHeader(wire.CommandChunkBind, wire.SelectorBindAbort)
	_ = s.send(h, nil)
}

// SendData streams one chunk of a raw binary transfer (spec.md §4.8).
// compress zlib-compresses the chunk and sets COMPRESSED_PACKET.
func (s *Sender) SendData(data []byte, compress bool) (Reply, error) {
	h := s.newHeader(wire.CommandChunk, wire.SelectorNone)
	h.Flag1 |= wire.FlagPartialPacket

	wirePayload := data
	if compress {
		compressed, err := wire.Deflate(data)
		if err != nil {
			return Reply{}, fmt.Errorf("command: compress chunk: %w", err)
		}
		h.Flag1 |= wire.FlagCompressedPacket
		h.ExpandedSize = uint32(len(data))
		wirePayload = compressed
	}
	return s.roundTrip(h, wirePayload)
}

// SendEndData signals the end of a send_data stream (spec.md §4.8
// "send_enddata issues ENDCHUNK").
func (s *Sender) SendEndData() error {
	h := s.newHeader(wire.CommandEndChunk, wire.SelectorNone)
	reply, err := s.roundTrip(h, nil)
	if err != nil {
		return err
	}
	return reply.errorIfAny()
}

// ReceiveData reads chunks of a raw binary transfer until an END_CHUNK
// reply arrives, returning the concatenation of all chunk payloads.
func (s *Sender) ReceiveData() ([]byte, error) {
	var out []byte
	for {
		reply, err := s.recv()
		if err != nil {
			return nil, err
		}
		if reply.Header.IsEndChunk() {
			return out, nil
		}
		if err := reply.errorIfAny(); err != nil {
			return nil, err
		}
		// recv (wire.ReadReply) has already decompressed a compressed chunk.
		out = append(out, reply.Payload...)
	}
}

// Close sends CLOSE; gracefully matches spec.md §4.1 disconnect's
// "gracefully sends CLOSE then tears down" path.
func (s *Sender) Close() error {
	h := s.newHeader(wire.CommandClose, wire.SelectorNone)
	return s.send(h, nil)
}
