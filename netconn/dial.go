// Package netconn implements dual-stack racing connect and
// timeout-bounded read/write for the CubeSQL client (spec.md §4.3). The
// original SDK races non-blocking sockets through select(); this module
// expresses the same race with goroutines and a context deadline, which
// is the idiomatic Go analogue.
package netconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// MaxCandidates caps how many resolved addresses are raced in parallel
// (spec.md §4.3: "Up to six candidate addresses are tried in parallel").
const MaxCandidates = 6

// DefaultTimeout is used when the caller passes a non-positive timeout.
const DefaultTimeout = 10 * time.Second

// Dial resolves host (numeric IPv4/IPv6 literal first, falling back to
// the system resolver) and races up to MaxCandidates TCP connects,
// returning the first one to succeed. Losers are closed. log may be nil.
func Dial(ctx context.Context, host string, port int, timeout time.Duration, log *logrus.Entry) (net.Conn, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	addrs, err := resolveCandidates(host)
	if err != nil {
		return nil, fmt.Errorf("netconn: resolve %s: %w", host, err)
	}
	if len(addrs) > MaxCandidates {
		addrs = addrs[:MaxCandidates]
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		conn net.Conn
		addr string
		err  error
	}
	results := make(chan result, len(addrs))
	var dialer net.Dialer
	for _, ip := range addrs {
		addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
		go func(addr string) {
			conn, err := dialer.DialContext(dialCtx, "tcp", addr)
			results <- result{conn: conn, addr: addr, err: err}
		}(addr)
	}

	var winner net.Conn
	var firstErr error
	for range addrs {
		r := <-results
		if r.err != nil {
			log.WithError(r.err).WithField("addr", r.addr).Debug("netconn: candidate failed")
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		if winner == nil {
			winner = r.conn
			log.WithField("addr", r.addr).Debug("netconn: candidate won the race")
		} else {
			_ = r.conn.Close()
		}
	}

	if winner == nil {
		if firstErr == nil {
			firstErr = dialCtx.Err()
		}
		return nil, fmt.Errorf("netconn: connect %s:%d: %w", host, port, firstErr)
	}
	return winner, nil
}

// resolveCandidates parses host as a numeric IPv4 or IPv6 literal first
// (spec.md §4.3: "numeric-first literal parsing (v4 then v6)"), falling
// back to the system resolver when host is a name.
func resolveCandidates(host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{ip.String()}, nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("netconn: no addresses found for %s", host)
	}
	return out, nil
}

// ReadFull reads exactly len(buf) bytes, enforcing the connection
// deadline before every attempt (spec.md §4.3: "select per iteration with
// the connection's timeout; partial operations retry until all bytes
// move").
func ReadFull(conn net.Conn, buf []byte, timeout time.Duration) (int, error) {
	if timeout > 0 {
		defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	}

	total := 0
	for total < len(buf) {
		if timeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
				return total, fmt.Errorf("netconn: set read deadline: %w", err)
			}
		}
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			if isTimeout(err) {
				return total, fmt.Errorf("netconn: read timeout after %d/%d bytes: %w", total, len(buf), err)
			}
			return total, fmt.Errorf("netconn: read: %w", err)
		}
	}
	return total, nil
}

// WriteFull writes all of buf, enforcing the connection deadline.
func WriteFull(conn net.Conn, buf []byte, timeout time.Duration) error {
	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("netconn: set write deadline: %w", err)
		}
		defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
	}

	total := 0
	for total < len(buf) {
		n, err := conn.Write(buf[total:])
		total += n
		if err != nil {
			if isTimeout(err) {
				return fmt.Errorf("netconn: write timeout after %d/%d bytes: %w", total, len(buf), err)
			}
			return fmt.Errorf("netconn: write: %w", err)
		}
	}
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
