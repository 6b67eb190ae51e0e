// Package cubesql is a client for the CubeSQL proprietary wire protocol:
// a framed, optionally compressed and encrypted request/reply protocol
// fronted by a SHA1-derived authentication handshake (spec.md §2, §4).
package cubesql

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sqlabs/cubesql-go/command"
	"github.com/sqlabs/cubesql-go/cursor"
	"github.com/sqlabs/cubesql-go/handshake"
	"github.com/sqlabs/cubesql-go/metrics"
	"github.com/sqlabs/cubesql-go/netconn"
	"github.com/sqlabs/cubesql-go/wire"
)

// Options configures Connect (spec.md §4.1 "connect").
type Options struct {
	Host     string
	Port     int
	Username string
	Password string
	Token    string // empty means no token

	Timeout     time.Duration
	Encryption  wire.EncryptionMode
	OldProtocol bool
	TLS         *netconn.TLSConfig // non-nil only meaningful when Encryption.IsSSL()

	// Log receives dial-race diagnostics and the connect/disconnect
	// messages at Debug level; the handshake and individual frames are not
	// logged. Nil defaults to a discarding logger.
	Log *logrus.Entry
	// Metrics receives connect/handshake/byte-count observations. Nil is
	// safe; every Metrics method degrades to a no-op on a nil receiver.
	Metrics *metrics.Metrics
}

// Connection is a live, authenticated session with a CubeSQL server
// (spec.md §3 "Connection"). It is not safe for concurrent use by more
// than one goroutine at a time for protocol operations (spec.md §5); the
// one exception is Cancel, which is explicitly safe to call concurrently.
type Connection struct {
	SessionID uuid.UUID

	conn    net.Conn
	sender  *command.Sender
	log     *logrus.Entry
	metrics *metrics.Metrics
	timeout time.Duration

	mu           sync.Mutex
	lastErr      *Error
	activeCursor *cursor.Cursor
	activeVM     *VM
}

// Connect dials opts.Host:opts.Port, optionally upgrades to TLS, and runs
// the authentication handshake selected by opts.Encryption/opts.Token
// (spec.md §4.1, §4.3, §4.4).
func Connect(ctx context.Context, opts Options) (*Connection, error) {
	if opts.Host == "" {
		return nil, newError(CodeParameter, "host must not be empty", nil)
	}
	if _, err := wire.ParseEncryptionMode(int(opts.Encryption)); err != nil {
		return nil, newError(CodeParameter, "invalid encryption mode", err)
	}

	log := opts.Log
	if log == nil {
		discard := logrus.New()
		discard.SetOutput(nopWriter{})
		log = logrus.NewEntry(discard)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = netconn.DefaultTimeout
	}

	connectStart := time.Now()
	rawConn, err := netconn.Dial(ctx, opts.Host, opts.Port, timeout, log)
	if err != nil {
		return nil, newError(CodeSocket, "dial", err)
	}
	opts.Metrics.ObserveConnect(time.Since(connectStart).Seconds())

	if opts.Encryption.IsSSL() {
		tlsCfg := opts.TLS
		if tlsCfg == nil {
			tlsCfg = &netconn.TLSConfig{}
		}
		upgraded, err := netconn.UpgradeTLS(rawConn, tlsCfg)
		if err != nil {
			_ = rawConn.Close()
			return nil, newError(CodeCrypto, "tls handshake", err)
		}
		rawConn = upgraded
	}

	timeoutConn := &netconn.TimeoutConn{Conn: rawConn, Timeout: timeout}

	handshakeStart := time.Now()
	result, err := handshake.Authenticate(timeoutConn, handshake.Options{
		Username:    opts.Username,
		Password:    opts.Password,
		Token:       opts.Token,
		Encryption:  opts.Encryption.AESComponent(),
		OldProtocol: opts.OldProtocol,
	})
	if err != nil {
		_ = rawConn.Close()
		return nil, newError(CodeCrypto, "authenticate", err)
	}
	opts.Metrics.ObserveHandshake(time.Since(handshakeStart).Seconds())

	var cipher wire.Cipher
	if result.Session != nil {
		cipher = result.Session
	}

	protocolVersion := wire.ProtocolNew
	if opts.OldProtocol {
		protocolVersion = wire.ProtocolOld
	}

	sessionID := uuid.New()
	c := &Connection{
		SessionID: sessionID,
		conn:      rawConn,
		sender: &command.Sender{
			RW:              timeoutConn,
			Cipher:          cipher,
			ProtocolVersion: protocolVersion,
			Metrics:         opts.Metrics,
		},
		log:     log.WithField("session", sessionID.String()),
		metrics: opts.Metrics,
		timeout: timeout,
	}
	c.metrics.ConnOpened()
	c.log.Debug("cubesql: connected")
	return c, nil
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// clearLastError implements spec.md §7's "every public operation clears
// the connection's last error on entry".
func (c *Connection) clearLastError() {
	c.mu.Lock()
	c.lastErr = nil
	c.mu.Unlock()
}

func (c *Connection) fail(err *Error) *Error {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	return err
}

// LastError returns the error recorded by the most recent operation, or
// nil if that operation succeeded.
func (c *Connection) LastError() *Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Disconnect tears the connection down. When graceful is true it first
// sends a CLOSE frame and ignores its outcome (spec.md §4.1 "gracefully
// sends CLOSE then tears down"); either way the socket is then closed.
// Cleanup runs cursor -> VM -> socket, per spec.md §5's scoped-acquisition
// order.
func (c *Connection) Disconnect(graceful bool) error {
	c.mu.Lock()
	cur := c.activeCursor
	vm := c.activeVM
	c.activeCursor = nil
	c.activeVM = nil
	c.mu.Unlock()

	if cur != nil {
		_ = cur.Close()
	}
	if vm != nil {
		_ = vm.Close()
	}
	if graceful {
		_ = c.sender.Close()
	}
	c.metrics.ConnClosed()
	c.log.Debug("cubesql: disconnecting")
	return c.conn.Close()
}

// Cancel shuts the socket down from any goroutine (spec.md §5 "Cancel");
// an in-flight operation on this connection then fails with a socket
// error. The connection is unusable afterward; the caller must Disconnect.
func (c *Connection) Cancel() {
	_ = c.conn.Close()
}

// Execute runs sql and reports success or a server error (spec.md §4.1
// "execute").
func (c *Connection) Execute(sql string) error {
	c.clearLastError()
	if _, err := c.sender.Execute(sql); err != nil {
		return c.fail(newError(CodeServer, sql, err))
	}
	return nil
}

// Select runs sql and returns a materialized or server-side cursor
// (spec.md §4.1 "select", §4.6).
func (c *Connection) Select(sql string, serverSide bool) (*cursor.Cursor, error) {
	c.clearLastError()
	reply, err := c.sender.Select(sql, serverSide)
	if err != nil {
		return nil, c.fail(newError(CodeServer, sql, err))
	}

	stepper := &cursorStepper{conn: c, effectiveCols: int(reply.Header.NumFields)}
	cur, err := cursor.New(reply.Header, reply.Payload, stepper)
	if err != nil {
		return nil, c.fail(newError(CodeFraming, "parse cursor reply", err))
	}

	for reply.Header.Flag1&wire.FlagPartialPacket != 0 {
		chunkReply, err := c.sender.NextChunk()
		if err != nil {
			return nil, c.fail(newError(CodeSocket, "read cursor chunk", err))
		}
		if chunkReply.Header.IsEndChunk() {
			break
		}
		if err := cur.AddChunk(chunkReply.Header, chunkReply.Payload); err != nil {
			_ = c.sender.ChunkAck(false)
			return nil, c.fail(newError(CodeFraming, "append cursor chunk", err))
		}
		if err := c.sender.ChunkAck(true); err != nil {
			return nil, c.fail(newError(CodeSocket, "ack cursor chunk", err))
		}
		reply = chunkReply
	}
	cur.Finalize()

	c.mu.Lock()
	c.activeCursor = cur
	c.mu.Unlock()
	return cur, nil
}

// Bind runs the parameterized insert/update subprotocol of spec.md §4.1
// "bind" / §4.7 "Bind-execute".
func (c *Connection) Bind(sql string, params []command.BindParam) error {
	c.clearLastError()
	if _, err := c.sender.Bind(sql, params); err != nil {
		return c.fail(newError(CodeServer, sql, err))
	}
	return nil
}

// Commit issues the canonical COMMIT statement.
func (c *Connection) Commit() error { return c.Execute("COMMIT;") }

// Rollback issues the canonical ROLLBACK statement.
func (c *Connection) Rollback() error { return c.Execute("ROLLBACK;") }

// BeginTransaction issues the canonical BEGIN statement.
func (c *Connection) BeginTransaction() error { return c.Execute("BEGIN;") }

// Ping issues the canonical PING statement (spec.md §8 scenario S1).
func (c *Connection) Ping() error { return c.Execute("PING;") }

// Changes runs `SELECT changes();` and returns cursor_int64(1,1,0)
// (spec.md §8 scenario S3).
func (c *Connection) Changes() (int64, error) {
	return c.scalarInt64("SELECT changes();")
}

// AffectedRows runs `SHOW CHANGES;`, the original SDK's distinct
// statement for the rows touched by the most recent statement
// (SPEC_FULL.md supplemented feature: Changes and AffectedRows are not
// aliases of each other).
func (c *Connection) AffectedRows() (int64, error) {
	return c.scalarInt64("SHOW CHANGES;")
}

// LastInsertedRowID runs `SHOW LASTROWID;` (SPEC_FULL.md supplemented
// feature, cubesql_last_inserted_rowID).
func (c *Connection) LastInsertedRowID() (int64, error) {
	return c.scalarInt64("SHOW LASTROWID;")
}

func (c *Connection) scalarInt64(sql string) (int64, error) {
	cur, err := c.Select(sql, false)
	if err != nil {
		return 0, err
	}
	defer func() { _ = cur.Close() }()
	v, err := cur.Int64(1, 1, 0)
	if err != nil {
		return 0, c.fail(newError(CodeFraming, "read scalar result", err))
	}
	return v, nil
}

// SetDatabase switches the connection's current database, or unsets it
// when name is empty (SPEC_FULL.md supplemented feature,
// cubesql_set_database).
func (c *Connection) SetDatabase(name string) error {
	if name == "" {
		return c.Execute("UNSET CURRENT DATABASE;")
	}
	escaped := strings.ReplaceAll(name, "'", "''")
	return c.Execute(fmt.Sprintf("USE DATABASE '%s';", escaped))
}

// cursorStepper adapts Connection's command.Sender to cursor.Stepper,
// parsing one CURSOR_STEP reply's sizes+data for effectiveCols columns
// (spec.md §4.6 "Seek ... triggers a CURSOR_STEP round trip").
type cursorStepper struct {
	conn          *Connection
	effectiveCols int
}

func (s *cursorStepper) CursorStep() (sizes []int32, data []byte, eof bool, err error) {
	reply, err := s.conn.sender.CursorStep()
	if err != nil {
		return nil, nil, false, err
	}
	if reply.Header.IsEndChunk() {
		return nil, nil, true, nil
	}

	sizes = make([]int32, s.effectiveCols)
	off := 0
	for i := range sizes {
		if off+4 > len(reply.Payload) {
			return nil, nil, false, fmt.Errorf("cubesql: cursor step payload truncated")
		}
		sizes[i] = int32(binary.BigEndian.Uint32(reply.Payload[off : off+4]))
		off += 4
	}
	return sizes, reply.Payload[off:], false, nil
}

func (s *cursorStepper) CursorClose() error {
	return s.conn.sender.CursorClose()
}
