// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/momentics/hioload-net/transport"
)

// ListenerConfig holds configuration for the TCP listener.
type ListenerConfig struct {
	Addr string // TCP address to bind (e.g., ":9001")
	// AcceptRate limits accepted connections per second; 0 means unlimited.
	AcceptRate float64
	Logger     *slog.Logger
}

// Listener accepts TCP connections.
type Listener struct {
	ln      net.Listener
	limiter *rate.Limiter
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// Listen binds cfg.Addr with address reuse enabled.
func Listen(ctx context.Context, cfg ListenerConfig) (*Listener, error) {
	lc := transport.ListenConfig()
	ln, err := lc.Listen(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("tcp listen failed: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &Listener{ln: ln, logger: logger.With("component", "tcp", "addr", ln.Addr().String())}
	if cfg.AcceptRate > 0 {
		burst := int(cfg.AcceptRate)
		if burst < 1 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst)
	}
	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve runs the accept loop until ctx ends or the listener is closed.
// Each accepted socket is passed to handler on its own goroutine; Serve
// waits for running handlers before returning.
func (l *Listener) Serve(ctx context.Context, handler func(ctx context.Context, nc *transport.NetConn)) error {
	stop := context.AfterFunc(ctx, func() { _ = l.ln.Close() })
	defer stop()
	defer l.wg.Wait()

	for {
		if l.limiter != nil {
			if err := l.limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				l.logger.Warn("accept error", "error", err)
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return fmt.Errorf("tcp accept: %w", err)
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error("panic in connection", "panic", r, "peer", conn.RemoteAddr().String())
					_ = conn.Close()
				}
			}()
			handler(ctx, transport.NewNetConn(conn))
		}()
	}
}

// Close stops accepting.
func (l *Listener) Close() error { return l.ln.Close() }

// Dial connects to addr.
func Dial(ctx context.Context, addr string) (*transport.NetConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s: %w", addr, err)
	}
	return transport.NewNetConn(conn), nil
}
