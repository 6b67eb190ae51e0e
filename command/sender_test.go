package command_test

import (
	"net"
	"testing"

	"github.com/sqlabs/cubesql-go/command"
	"github.com/sqlabs/cubesql-go/wire"
)

// fakeServer drains one request from conn per call to reply and writes
// back the given header/payload, letting tests script a scenario without
// a real CubeSQL server.
type fakeServer struct {
	t    *testing.T
	conn net.Conn
}

func (f *fakeServer) reply(h wire.Header, payload []byte) {
	f.t.Helper()
	if _, _, err := wire.ReadHeaderAndPayload(f.conn); err != nil {
		f.t.Errorf("server: read request: %v", err)
		return
	}
	if err := wire.WriteRequest(f.conn, h, payload, nil); err != nil {
		f.t.Errorf("server: write reply: %v", err)
	}
}

func (f *fakeServer) drain() (wire.Header, []byte) {
	f.t.Helper()
	h, payload, err := wire.ReadHeaderAndPayload(f.conn)
	if err != nil {
		f.t.Fatalf("server: read request: %v", err)
	}
	return h, payload
}

func newPipe(t *testing.T) (*command.Sender, *fakeServer) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	return &command.Sender{RW: client}, &fakeServer{t: t, conn: server}
}

func TestExecuteRoundTrip(t *testing.T) {
	t.Parallel()
	sender, server := newPipe(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		server.reply(wire.Header{Command: wire.CommandExecute}, nil)
	}()

	reply, err := sender.Execute("CREATE TABLE t (id INTEGER);")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if reply.Header.IsError() {
		t.Fatal("unexpected error reply")
	}
	<-done
}

func TestExecutePropagatesServerError(t *testing.T) {
	t.Parallel()
	sender, server := newPipe(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		errHeader := wire.Header{Command: wire.CommandExecute, ErrorCode: 1}
		server.reply(errHeader, []byte("syntax error"))
	}()

	if _, err := sender.Execute("NOT SQL;"); err == nil {
		t.Fatal("expected an error from a server error reply")
	}
	<-done
}

func TestChunkAckDoesNotExpectAReply(t *testing.T) {
	t.Parallel()
	sender, server := newPipe(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h, _ := server.drain()
		if h.Command != wire.CommandChunk || h.Selector != wire.SelectorChunkOK {
			t.Errorf("got command=%d selector=%d, want CHUNK/CHUNK_OK", h.Command, h.Selector)
		}
	}()

	if err := sender.ChunkAck(true); err != nil {
		t.Fatalf("ChunkAck: %v", err)
	}
	<-done
}

func TestBindSendsStepPerParamThenFinalize(t *testing.T) {
	t.Parallel()
	sender, server := newPipe(t)

	params := []command.BindParam{
		{Type: wire.BindInteger, Value: []byte("1")},
		{Type: wire.BindText, Value: []byte("alice\x00")},
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		// sql
		server.reply(wire.Header{Command: wire.CommandChunkBind}, nil)
		// one BIND_STEP ack per parameter
		for range params {
			h, _ := server.drain()
			if h.Selector != wire.SelectorBindStep {
				t.Errorf("got selector %d, want BIND_STEP", h.Selector)
			}
			if err := wire.WriteRequest(server.conn, wire.Header{Command: wire.CommandChunkBind}, nil, nil); err != nil {
				t.Errorf("write bind-step ack: %v", err)
			}
		}
		// finalize
		h, _ := server.drain()
		if h.Selector != wire.SelectorBindFinalize {
			t.Errorf("got selector %d, want BIND_FINALIZE", h.Selector)
		}
		if err := wire.WriteRequest(server.conn, wire.Header{Command: wire.CommandChunkBind}, nil, nil); err != nil {
			t.Errorf("write finalize reply: %v", err)
		}
	}()

	if _, err := sender.Bind("INSERT INTO t VALUES (?, ?);", params); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	<-done
}

func TestNextChunkStopsOnEndChunk(t *testing.T) {
	t.Parallel()
	sender, server := newPipe(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := wire.WriteRequest(server.conn, wire.Header{ErrorCode: wire.ErrEndChunk}, nil, nil); err != nil {
			t.Errorf("write end-chunk: %v", err)
		}
	}()

	reply, err := sender.NextChunk()
	if err != nil {
		t.Fatalf("NextChunk: %v", err)
	}
	if !reply.Header.IsEndChunk() {
		t.Fatal("expected an end-chunk reply")
	}
	<-done
}
