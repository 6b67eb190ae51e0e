package cubesql

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/sqlabs/cubesql-go/cursor"
	"github.com/sqlabs/cubesql-go/wire"
)

// VM is a prepared statement handle (spec.md §3 "Prepared statement
// (VM)"). Only one VM may be live per connection at a time; VMPrepare
// enforces that by attaching itself to the owning Connection.
type VM struct {
	id   uuid.UUID
	conn *Connection
}

// VMPrepare prepares sql on the server (spec.md §4.1 "vmprepare").
func (c *Connection) VMPrepare(sql string) (*VM, error) {
	c.clearLastError()

	c.mu.Lock()
	existing := c.activeVM
	c.mu.Unlock()
	if existing != nil {
		return nil, c.fail(newError(CodeParameter, "a prepared statement is already live on this connection", nil))
	}

	if _, err := c.sender.VMPrepare(sql); err != nil {
		return nil, c.fail(newError(CodeServer, sql, err))
	}

	vm := &VM{id: uuid.New(), conn: c}
	c.mu.Lock()
	c.activeVM = vm
	c.mu.Unlock()
	return vm, nil
}

// BindInteger binds a 32-bit integer parameter at the given 1-based index.
func (v *VM) BindInteger(index int, value int32) error {
	buf := []byte(fmt.Sprintf("%d", value))
	return v.bind(index, wire.BindInteger, buf, 0)
}

// BindInt64 binds a 64-bit integer parameter.
func (v *VM) BindInt64(index int, value int64) error {
	buf := []byte(fmt.Sprintf("%d", value))
	return v.bind(index, wire.BindInt64, buf, 0)
}

// BindDouble binds a floating-point parameter.
func (v *VM) BindDouble(index int, value float64) error {
	buf := []byte(fmt.Sprintf("%g", value))
	return v.bind(index, wire.BindDouble, buf, 0)
}

// BindText binds a text parameter; the trailing NUL terminator is added
// automatically, matching the original SDK's string bind convention.
func (v *VM) BindText(index int, value string) error {
	buf := append([]byte(value), 0)
	return v.bind(index, wire.BindText, buf, 0)
}

// BindBlob binds a raw binary parameter.
func (v *VM) BindBlob(index int, value []byte) error {
	return v.bind(index, wire.BindBlob, value, 0)
}

// BindNull binds an explicit SQL NULL.
func (v *VM) BindNull(index int) error {
	return v.bind(index, wire.BindNull, nil, 0)
}

// BindZeroBlob binds a zero-filled blob of the given length, allocated
// server-side without transferring any bytes.
func (v *VM) BindZeroBlob(index int, length int) error {
	return v.bind(index, wire.BindZeroBlob, nil, length)
}

func (v *VM) bind(index int, bindtype wire.BindType, value []byte, zeroBlobLen int) error {
	v.conn.clearLastError()
	if _, err := v.conn.sender.VMBind(index, bindtype, value, zeroBlobLen); err != nil {
		return v.conn.fail(newError(CodeServer, "vmbind", err))
	}
	return nil
}

// Execute runs the prepared statement when it produces no result set
// (spec.md §4.1 "vmexecute").
func (v *VM) Execute() error {
	v.conn.clearLastError()
	if _, err := v.conn.sender.VMExecute(); err != nil {
		return v.conn.fail(newError(CodeServer, "vmexecute", err))
	}
	return nil
}

// Select runs the prepared statement and returns its cursor (spec.md §4.1
// "vmselect").
func (v *VM) Select(serverSide bool) (*cursor.Cursor, error) {
	v.conn.clearLastError()
	reply, err := v.conn.sender.VMSelect(serverSide)
	if err != nil {
		return nil, v.conn.fail(newError(CodeServer, "vmselect", err))
	}

	stepper := &cursorStepper{conn: v.conn, effectiveCols: int(reply.Header.NumFields)}
	cur, err := cursor.New(reply.Header, reply.Payload, stepper)
	if err != nil {
		return nil, v.conn.fail(newError(CodeFraming, "parse vmselect cursor reply", err))
	}
	for reply.Header.Flag1&wire.FlagPartialPacket != 0 {
		chunkReply, err := v.conn.sender.NextChunk()
		if err != nil {
			return nil, v.conn.fail(newError(CodeSocket, "read vmselect chunk", err))
		}
		if chunkReply.Header.IsEndChunk() {
			break
		}
		if err := cur.AddChunk(chunkReply.Header, chunkReply.Payload); err != nil {
			_ = v.conn.sender.ChunkAck(false)
			return nil, v.conn.fail(newError(CodeFraming, "append vmselect chunk", err))
		}
		if err := v.conn.sender.ChunkAck(true); err != nil {
			return nil, v.conn.fail(newError(CodeSocket, "ack vmselect chunk", err))
		}
		reply = chunkReply
	}
	cur.Finalize()

	v.conn.mu.Lock()
	v.conn.activeCursor = cur
	v.conn.mu.Unlock()
	return cur, nil
}

// Close destroys the prepared statement, freeing the connection for a new
// VMPrepare (spec.md §4.1 "vmclose").
func (v *VM) Close() error {
	v.conn.mu.Lock()
	if v.conn.activeVM == v {
		v.conn.activeVM = nil
	}
	v.conn.mu.Unlock()

	if err := v.conn.sender.VMClose(); err != nil {
		return v.conn.fail(newError(CodeServer, "vmclose", err))
	}
	return nil
}
