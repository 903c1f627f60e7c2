// File: server/listeners.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"context"

	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/transport"
	"github.com/momentics/hioload-net/transport/file"
	"github.com/momentics/hioload-net/transport/tcp"
	"github.com/momentics/hioload-net/transport/udp"
	"github.com/momentics/hioload-net/transport/websocket"
)

// bind opens the endpoint of l and prepares its serve loop.
func (s *Server) bind(ctx context.Context, l *listener) error {
	f := l.factory
	logger := s.logger.With("listener", f.Name())

	switch l.ep.Kind {
	case control.KindTCP:
		ln, err := tcp.Listen(ctx, tcp.ListenerConfig{Addr: l.ep.Addr, AcceptRate: l.ep.AcceptRate, Logger: s.logger})
		if err != nil {
			return err
		}
		l.addr = ln.Addr()
		l.close = ln.Close
		l.serve = func(ctx context.Context) error {
			return ln.Serve(ctx, func(ctx context.Context, nc *transport.NetConn) {
				c, err := f.Open(ctx, nc, nc.LocalAddr(), nc.RemoteAddr())
				if err != nil {
					logger.Debug("connection not opened", "peer", nc.RemoteAddr(), "error", err)
					return
				}
				if err := transport.Pump(ctx, nc.Conn(), c, s.pool); err != nil {
					logger.Debug("connection ended", "peer", nc.RemoteAddr(), "error", err)
				}
			})
		}

	case control.KindUDP:
		ln, err := udp.Listen(ctx, udp.Config{
			Addr: l.ep.Addr, IdleTimeout: l.ep.IdleTimeout, BufferPool: s.pool, Logger: s.logger,
		})
		if err != nil {
			return err
		}
		l.addr = ln.Addr()
		l.close = ln.Close
		l.serve = func(ctx context.Context) error {
			return ln.Serve(ctx, func(ctx context.Context, p *udp.Peer) (transport.Receiver, error) {
				return f.Open(ctx, p, p.LocalAddr(), p.RemoteAddr())
			})
		}

	case control.KindWebSocket:
		ln, err := websocket.Listen(ctx, websocket.ListenerConfig{
			Addr: l.ep.Addr, Path: l.ep.Path, Text: l.ep.Text, Logger: s.logger,
		})
		if err != nil {
			return err
		}
		l.addr = ln.Addr()
		l.close = ln.Close
		l.serve = func(ctx context.Context) error {
			return ln.Serve(ctx, func(ctx context.Context, wc *websocket.Conn) {
				c, err := f.Open(ctx, wc, wc.LocalAddr(), wc.RemoteAddr())
				if err != nil {
					logger.Debug("connection not opened", "peer", wc.RemoteAddr(), "error", err)
					return
				}
				if err := wc.Pump(ctx, c); err != nil {
					logger.Debug("connection ended", "peer", wc.RemoteAddr(), "error", err)
				}
			})
		}

	case control.KindFile:
		path := l.ep.Addr
		l.close = func() error { return nil }
		l.serve = func(ctx context.Context) error {
			_, err := file.Replay(ctx, path, func(ctx context.Context, p *file.Peer) (transport.Receiver, error) {
				return f.Open(ctx, p, p.LocalAddr(), p.RemoteAddr())
			}, s.logger)
			if err != nil {
				logger.Warn("replay failed", "path", path, "error", err)
			}
			return nil
		}
	}
	return nil
}
