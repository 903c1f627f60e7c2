// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package websocket carries connection traffic over WebSocket messages. One
// inbound message is one buffer, so frames never straddle reads.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/transport"
)

// Conn adapts a gorilla connection to api.Transport.
type Conn struct {
	ws          *websocket.Conn
	messageType int

	mu     sync.Mutex
	closed bool
}

var _ api.Transport = (*Conn)(nil)

// NewConn wraps ws. Outgoing buffers are sent as binary messages unless
// text is set.
func NewConn(ws *websocket.Conn, text bool) *Conn {
	mt := websocket.BinaryMessage
	if text {
		mt = websocket.TextMessage
	}
	return &Conn{ws: ws, messageType: mt}
}

// LocalAddr returns the local address string.
func (c *Conn) LocalAddr() string { return c.ws.LocalAddr().String() }

// RemoteAddr returns the peer address string.
func (c *Conn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

// Write sends buf as a single message.
func (c *Conn) Write(buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, api.ErrTransportClosed
	}
	if err := c.ws.WriteMessage(c.messageType, buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// Close sends a close frame and closes the socket.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

// Pump reads messages into rcv until the peer goes away, then closes rcv.
func (c *Conn) Pump(ctx context.Context, rcv transport.Receiver) error {
	var cause error
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, net.ErrClosed) {
				cause = err
			}
			break
		}
		if err := rcv.OnDataReceived(ctx, msg, time.Now()); err != nil {
			if !errors.Is(err, api.ErrConnectionClosing) {
				cause = err
			}
			break
		}
	}
	if err := rcv.Close(cause); err != nil {
		return err
	}
	return cause
}

// ListenerConfig configures a WebSocket listener.
type ListenerConfig struct {
	Addr string
	Path string // defaults to "/"
	// Text selects text messages for outgoing buffers.
	Text   bool
	Logger *slog.Logger
}

// Listener serves WebSocket upgrades over HTTP.
type Listener struct {
	cfg      ListenerConfig
	ln       net.Listener
	upgrader websocket.Upgrader
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// Listen binds cfg.Addr.
func Listen(ctx context.Context, cfg ListenerConfig) (*Listener, error) {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	lc := transport.ListenConfig()
	ln, err := lc.Listen(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("websocket listen failed: %w", err)
	}
	return &Listener{
		cfg: cfg,
		ln:  ln,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: cfg.Logger.With("component", "websocket", "addr", ln.Addr().String()),
	}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts upgrades until ctx ends, passing each connection to handler
// on the request goroutine.
func (l *Listener) Serve(ctx context.Context, handler func(ctx context.Context, c *Conn)) error {
	mux := http.NewServeMux()
	mux.HandleFunc(l.cfg.Path, func(w http.ResponseWriter, r *http.Request) {
		ws, err := l.upgrader.Upgrade(w, r, nil)
		if err != nil {
			l.logger.Warn("upgrade failed", "peer", r.RemoteAddr, "error", err)
			return
		}
		l.wg.Add(1)
		defer l.wg.Done()
		handler(ctx, NewConn(ws, l.cfg.Text))
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	err := srv.Serve(l.ln)
	l.wg.Wait()
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Close stops accepting. Upgraded connections stay open.
func (l *Listener) Close() error { return l.ln.Close() }

// Dial opens a client connection to url.
func Dial(ctx context.Context, url string, text bool) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return NewConn(ws, text), nil
}
