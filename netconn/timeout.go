package netconn

import (
	"fmt"
	"net"
	"time"
)

// TimeoutConn wraps a net.Conn so every Read/Write call is individually
// bounded by timeout, the idiomatic Go equivalent of the reference SDK's
// per-iteration select() loop (spec.md §4.3): "both directions use select
// per iteration with the connection's timeout". A zero timeout disables
// the deadline.
type TimeoutConn struct {
	net.Conn
	Timeout time.Duration
}

func (c *TimeoutConn) Read(p []byte) (int, error) {
	if c.Timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.Timeout)); err != nil {
			return 0, fmt.Errorf("netconn: set read deadline: %w", err)
		}
	}
	n, err := c.Conn.Read(p)
	if err != nil && isTimeout(err) {
		return n, fmt.Errorf("netconn: read timeout: %w", err)
	}
	return n, err
}

func (c *TimeoutConn) Write(p []byte) (int, error) {
	if c.Timeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.Timeout)); err != nil {
			return 0, fmt.Errorf("netconn: set write deadline: %w", err)
		}
	}
	n, err := c.Conn.Write(p)
	if err != nil && isTimeout(err) {
		return n, fmt.Errorf("netconn: write timeout: %w", err)
	}
	return n, err
}
