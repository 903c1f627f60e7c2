// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package udp demultiplexes a datagram socket into one transport per peer
// address. Each datagram is one buffer; nothing is carried across datagrams.
//
// Every peer is served by its own goroutine with a bounded inbox, so opening
// a peer (authorization included) never holds up the read loop. A peer that
// stays silent for the idle timeout is closed and forgotten, which frees its
// slot in the listener.
package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/pool"
	"github.com/momentics/hioload-net/transport"
)

const (
	// DefaultIdleTimeout closes peers that sent nothing for a minute.
	DefaultIdleTimeout = time.Minute
	// DefaultQueueLen is the number of datagrams buffered per peer.
	DefaultQueueLen = 64
)

// OpenFunc attaches a receiver to a newly seen peer. Returning an error
// drops the datagrams queued for that peer; the next datagram tries again.
type OpenFunc func(ctx context.Context, p *Peer) (transport.Receiver, error)

// Config configures a Listener.
type Config struct {
	Addr        string
	IdleTimeout time.Duration
	QueueLen    int
	BufferPool  *pool.BytePool
	Logger      *slog.Logger
}

// Listener owns the socket and the peer table.
type Listener struct {
	pc     net.PacketConn
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	peers map[string]*Peer
	wg    sync.WaitGroup
}

type datagram struct {
	buf *[]byte
	n   int
	at  time.Time
}

// Peer is the api.Transport for one remote address.
type Peer struct {
	l     *Listener
	addr  net.Addr
	key   string
	inbox chan datagram

	closeOnce sync.Once
	done      chan struct{}
}

var _ api.Transport = (*Peer)(nil)

// Listen binds cfg.Addr.
func Listen(ctx context.Context, cfg Config) (*Listener, error) {
	lc := transport.ListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("udp listen failed: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.QueueLen <= 0 {
		cfg.QueueLen = DefaultQueueLen
	}
	if cfg.BufferPool == nil {
		cfg.BufferPool = pool.NewBytePool(0)
	}
	return &Listener{
		pc:     pc,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "udp", "addr", pc.LocalAddr().String()),
		peers:  make(map[string]*Peer),
	}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.pc.LocalAddr() }

// Peers returns the number of known peers.
func (l *Listener) Peers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}

// Serve reads datagrams until ctx ends or the socket is closed. On exit
// every peer receiver is closed and its goroutine has returned.
func (l *Listener) Serve(ctx context.Context, open OpenFunc) error {
	stop := context.AfterFunc(ctx, func() { _ = l.pc.Close() })
	defer stop()

	pctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		l.wg.Wait()
	}()

	bp := l.cfg.BufferPool
	for {
		buf := bp.GetBuffer()
		n, addr, err := l.pc.ReadFrom(*buf)
		if err != nil {
			bp.PutBuffer(buf)
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("udp read: %w", err)
		}
		if !l.deliver(pctx, addr, datagram{buf: buf, n: n, at: time.Now()}, open) {
			bp.PutBuffer(buf)
			l.logger.Warn("datagram dropped, peer queue full", "peer", addr.String())
		}
	}
}

// deliver queues d for the peer at addr, starting the peer first if it is
// unknown. Sends happen under l.mu so a peer removed from the table never
// receives again.
func (l *Listener) deliver(ctx context.Context, addr net.Addr, d datagram, open OpenFunc) bool {
	key := addr.String()
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.peers[key]
	if !ok {
		p = &Peer{
			l:     l,
			addr:  addr,
			key:   key,
			inbox: make(chan datagram, l.cfg.QueueLen),
			done:  make(chan struct{}),
		}
		l.peers[key] = p
		l.wg.Add(1)
		go l.run(ctx, p, open)
	}
	select {
	case p.inbox <- d:
		return true
	default:
		return false
	}
}

func (l *Listener) run(ctx context.Context, p *Peer, open OpenFunc) {
	defer l.wg.Done()
	logger := l.logger.With("peer", p.key)

	rcv, err := open(ctx, p)
	if err != nil {
		logger.Warn("peer not opened", "error", err)
		l.forget(p)
		l.drain(p)
		return
	}

	idle := time.NewTimer(l.cfg.IdleTimeout)
	defer idle.Stop()
	for {
		select {
		case d := <-p.inbox:
			err := rcv.OnDataReceived(ctx, (*d.buf)[:d.n], d.at)
			l.cfg.BufferPool.PutBuffer(d.buf)
			if errors.Is(err, api.ErrConnectionClosing) {
				l.forget(p)
				l.drain(p)
				return
			}
			if err != nil {
				logger.Warn("datagram not processed", "error", err)
			}
			idle.Reset(l.cfg.IdleTimeout)
		case <-idle.C:
			if !l.expire(p) {
				idle.Reset(l.cfg.IdleTimeout)
				continue
			}
			logger.Debug("peer idle, closing", "timeout", l.cfg.IdleTimeout)
			if err := rcv.Close(nil); err != nil {
				logger.Warn("peer close failed", "error", err)
			}
			return
		case <-p.done:
			// the connection closed its transport
			l.forget(p)
			l.drain(p)
			return
		case <-ctx.Done():
			l.forget(p)
			l.drain(p)
			if err := rcv.Close(nil); err != nil {
				logger.Warn("peer close failed", "error", err)
			}
			return
		}
	}
}

// expire removes p unless datagrams are waiting for it.
func (l *Listener) expire(p *Peer) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(p.inbox) > 0 {
		return false
	}
	if cur, ok := l.peers[p.key]; ok && cur == p {
		delete(l.peers, p.key)
	}
	return true
}

func (l *Listener) forget(p *Peer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.peers[p.key]; ok && cur == p {
		delete(l.peers, p.key)
	}
}

// drain releases datagrams still queued for a forgotten peer.
func (l *Listener) drain(p *Peer) {
	for {
		select {
		case d := <-p.inbox:
			l.cfg.BufferPool.PutBuffer(d.buf)
		default:
			return
		}
	}
}

// Close closes the socket.
func (l *Listener) Close() error { return l.pc.Close() }

// LocalAddr returns the listener address string.
func (p *Peer) LocalAddr() string { return p.l.pc.LocalAddr().String() }

// RemoteAddr returns the peer address string.
func (p *Peer) RemoteAddr() string { return p.key }

// Write sends buf as one datagram.
func (p *Peer) Write(buf []byte) (int, error) {
	select {
	case <-p.done:
		return 0, api.ErrTransportClosed
	default:
	}
	return p.l.pc.WriteTo(buf, p.addr)
}

// Close forgets the peer; the shared socket stays open.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	p.l.forget(p)
	return nil
}
