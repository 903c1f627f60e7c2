// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package transport adapts network and file byte sources to connections.
// Every source ends up in a Receiver through a read pump; writes go back
// through an api.Transport.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/pool"
)

// Receiver consumes inbound buffers; *protocol.Connection implements it.
type Receiver interface {
	OnDataReceived(ctx context.Context, buf []byte, ts time.Time) error
	Close(cause error) error
}

// NetConn adapts a net.Conn to api.Transport.
type NetConn struct {
	conn net.Conn

	mu     sync.Mutex
	closed bool
}

var _ api.Transport = (*NetConn)(nil)

// NewNetConn wraps conn.
func NewNetConn(conn net.Conn) *NetConn {
	return &NetConn{conn: conn}
}

// Conn returns the wrapped connection.
func (n *NetConn) Conn() net.Conn { return n.conn }

// LocalAddr returns the local address string.
func (n *NetConn) LocalAddr() string { return n.conn.LocalAddr().String() }

// RemoteAddr returns the peer address string.
func (n *NetConn) RemoteAddr() string { return n.conn.RemoteAddr().String() }

func (n *NetConn) Write(buf []byte) (int, error) {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return 0, api.ErrTransportClosed
	}
	return n.conn.Write(buf)
}

// Close the connection. Repeated calls are no-ops.
func (n *NetConn) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()
	return n.conn.Close()
}

// Pump reads r until it fails or ctx ends and feeds every read to rcv in
// order. The read buffer is reused, so rcv must not retain it. On exit rcv
// is closed with the read error (nil for a clean EOF).
func Pump(ctx context.Context, r io.Reader, rcv Receiver, bp *pool.BytePool) error {
	if bp == nil {
		bp = pool.NewBytePool(0)
	}
	buf := bp.GetBuffer()
	defer bp.PutBuffer(buf)

	var cause error
	for {
		n, err := r.Read(*buf)
		if n > 0 {
			if derr := rcv.OnDataReceived(ctx, (*buf)[:n], time.Now()); derr != nil {
				cause = derr
				break
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				cause = err
			}
			break
		}
		if ctx.Err() != nil {
			cause = ctx.Err()
			break
		}
	}
	if errors.Is(cause, api.ErrConnectionClosing) || errors.Is(cause, net.ErrClosed) {
		cause = nil
	}
	return multierr.Append(cause, rcv.Close(cause))
}
