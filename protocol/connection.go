// File: protocol/connection.go
// Package protocol implements the per-connection state machine.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection consumes transport bytes, decodes them with its own codec,
// dispatches messages according to its role and writes responses back.

package protocol

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/codec"
	"github.com/momentics/hioload-net/internal/concurrency"
	"github.com/momentics/hioload-net/internal/registry"
)

// DefaultCloseTimeout bounds the drain performed by Close.
const DefaultCloseTimeout = 5 * time.Second

// Config holds everything a connection needs; it is usually filled in by a
// ProtocolFactory.
type Config struct {
	Listener   string
	Protocol   string
	Role       api.Role
	Codec      api.Codec
	Action     api.Action
	PreActions []api.PreAction
	Authorizer api.Authorizer
	Registry   *registry.Registry
	Stats      api.StatsObserver
	Logger     *slog.Logger

	// CloseTimeout bounds the drain of outstanding work on Close.
	CloseTimeout time.Duration
	// Streaming keeps an incomplete trailing frame for the next buffer.
	// Datagram and message transports leave it false.
	Streaming bool
}

// Connection is a single peer's state machine:
// Pending -> Initializing -> Active -> Closing -> Closed.
type Connection struct {
	cfg        Config
	transport  api.Transport
	id         string
	state      atomic.Int32
	cc         api.ConnContext
	sched      *concurrency.TaskScheduler
	logger     *slog.Logger
	dispatcher dispatcher
	registered bool

	readMu    sync.Mutex
	decode    func([]byte) iter.Seq2[api.Frame, error]
	remainder []byte

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// New creates a receiver or server connection over t. Client connections
// are created with NewClient.
func New(t api.Transport, cfg Config) (*Connection, error) {
	if cfg.Role == api.RoleClient {
		return nil, fmt.Errorf("%w: use NewClient for client connections", api.ErrRoleMismatch)
	}
	c, err := newConnection(t, cfg)
	if err != nil {
		return nil, err
	}
	switch cfg.Role {
	case api.RoleReceiver:
		c.dispatcher = &orderedDispatcher{c: c}
	case api.RoleServer:
		c.dispatcher = &parallelDispatcher{c: c}
	default:
		return nil, api.NewError(api.ErrCodeInvalidArgument, "unknown role").WithContext("role", int(cfg.Role))
	}
	return c, nil
}

func newConnection(t api.Transport, cfg Config) (*Connection, error) {
	if t == nil {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "nil transport")
	}
	if cfg.Codec == nil {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "connection requires a codec")
	}
	if cfg.Registry == nil {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "connection requires a registry")
	}
	if cfg.Action == nil {
		cfg.Action = api.BaseAction{}
	}
	if cfg.Stats == nil {
		cfg.Stats = api.NopStats{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}
	if cfg.Protocol == "" {
		cfg.Protocol = cfg.Codec.Name()
	}
	id := uuid.NewString()
	logger := cfg.Logger.With("component", "connection", "listener", cfg.Listener, "conn", id)
	c := &Connection{
		cfg:       cfg,
		transport: t,
		id:        id,
		logger:    logger,
		sched:     concurrency.NewScheduler(id, concurrency.WithLogger(logger)),
		closed:    make(chan struct{}),
		decode:    cfg.Codec.Decode,
	}
	if cfg.Streaming {
		c.decode = api.StreamDecode(cfg.Codec)
	}
	c.cc = api.ConnContext{ID: id, Listener: cfg.Listener, Protocol: cfg.Protocol}
	return c, nil
}

// ID returns the connection's unique id.
func (c *Connection) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Connection) State() api.ConnState { return api.ConnState(c.state.Load()) }

// Role returns the dispatch role selected at construction.
func (c *Connection) Role() api.Role { return c.cfg.Role }

// Context returns the connection context. Alias and addresses are set once
// Initialize succeeded.
func (c *Connection) Context() api.ConnContext { return c.cc }

// PeerAddr implements registry.Conn.
func (c *Connection) PeerAddr() string { return c.cc.PeerAddr }

// Listener implements registry.Conn.
func (c *Connection) Listener() string { return c.cfg.Listener }

// Done is closed when the connection reached Closed.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Outstanding returns the number of units the connection is still working on.
func (c *Connection) Outstanding() int { return c.sched.Outstanding() }

// Every registers periodic background work (e.g. keepalives) that stops
// when the connection closes.
func (c *Connection) Every(interval time.Duration, fn func(ctx context.Context)) error {
	return c.sched.Every(interval, fn)
}

// Initialize resolves the peer alias and registers the connection. An
// unauthorized peer closes the transport before any application data is
// exchanged and is never registered.
func (c *Connection) Initialize(ctx context.Context, localAddr, remoteAddr string) error {
	if !c.state.CompareAndSwap(int32(api.StatePending), int32(api.StateInitializing)) {
		return fmt.Errorf("%w: initialize in state %s", api.ErrInvalidArgument, c.State())
	}
	c.cc.PeerAddr = remoteAddr
	c.cc.LocalAddr = localAddr
	c.logger = c.logger.With("peer", remoteAddr)

	alias, err := c.resolveAlias(ctx, remoteAddr)
	if err != nil {
		c.abort(err)
		return err
	}
	c.cc.Alias = alias
	c.cc.ConnectedAt = time.Now()

	if err := c.cfg.Registry.AddConnection(c); err != nil {
		c.abort(err)
		return err
	}
	c.registered = true
	if !c.state.CompareAndSwap(int32(api.StateInitializing), int32(api.StateActive)) {
		// closed while initializing
		_ = c.cfg.Registry.RemoveConnection(c)
		c.registered = false
		return api.ErrConnectionClosing
	}
	c.cfg.Stats.OnConnect(c.cc)
	c.logger.Info("connection established", "alias", alias, "local", localAddr, "role", c.cfg.Role)
	return nil
}

// resolveAlias runs the authorizer on its own goroutine so a slow backend
// only blocks this connection's setup, bounded by ctx.
func (c *Connection) resolveAlias(ctx context.Context, remoteAddr string) (string, error) {
	if c.cfg.Authorizer == nil {
		return remoteAddr, nil
	}
	type result struct {
		alias string
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		alias, err := c.cfg.Authorizer.ResolveAlias(ctx, remoteAddr)
		ch <- result{alias, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			var ue *api.UnauthorizedSenderError
			if !errors.As(r.err, &ue) {
				r.err = &api.UnauthorizedSenderError{Peer: remoteAddr, Reason: r.err.Error()}
			}
			return "", r.err
		}
		return r.alias, nil
	case <-ctx.Done():
		return "", &api.UnauthorizedSenderError{Peer: remoteAddr, Reason: "alias resolution: " + ctx.Err().Error()}
	}
}

// abort terminates a connection that failed setup.
func (c *Connection) abort(cause error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(api.StateClosing))
		c.sched.Close(0)
		if err := c.transport.Close(); err != nil {
			c.logger.Debug("transport close failed", "error", err)
		}
		// never connected as far as observers are concerned
		cc := c.cc
		cc.ConnectedAt = time.Time{}
		c.cfg.Stats.OnDisconnect(cc, cause)
		c.state.Store(int32(api.StateClosed))
		close(c.closed)
	})
	c.logger.Warn("connection rejected", "error", cause)
}

// OnDataReceived feeds one transport buffer through the pre-actions and the
// codec and dispatches every decoded message. Buffers are processed strictly
// in arrival order. buf may be reused by the caller once this returns.
func (c *Connection) OnDataReceived(ctx context.Context, buf []byte, ts time.Time) error {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if st := c.State(); st != api.StateActive {
		if st == api.StateClosing || st == api.StateClosed {
			return api.ErrConnectionClosing
		}
		return api.ErrNotActive
	}
	c.cfg.Stats.OnBufferReceived(c.cc, len(buf))
	meta := api.Metadata{Alias: c.cc.Alias, PeerAddr: c.cc.PeerAddr, Timestamp: ts}

	for _, pa := range c.cfg.PreActions {
		if err := pa.Do(ctx, buf, meta); err != nil {
			c.logger.Warn("pre-action failed", "error", err)
		}
	}

	data := buf
	if len(c.remainder) > 0 {
		data = append(c.remainder, buf...)
		c.remainder = nil
	}

	for f, err := range c.decode(data) {
		if err != nil {
			var de *api.DecodeError
			if c.cfg.Streaming && errors.Is(err, api.ErrIncomplete) && errors.As(err, &de) {
				if len(de.Raw) <= codec.MaxFramePayload {
					c.remainder = append([]byte(nil), de.Raw...)
					break
				}
				err = fmt.Errorf("incomplete frame of %d bytes exceeds maximum allowed size: %w", len(de.Raw), err)
			}
			c.onDecodeError(ctx, data, err)
			break
		}
		msg := api.NewMessage(c.cfg.Codec, f, meta)
		if err := c.dispatcher.dispatch(ctx, msg); err != nil {
			if errors.Is(err, api.ErrSchedulerClosed) {
				return api.ErrConnectionClosing
			}
			return err
		}
	}
	return nil
}

func (c *Connection) onDecodeError(ctx context.Context, data []byte, err error) {
	raw := data
	var de *api.DecodeError
	if errors.As(err, &de) {
		raw = de.Raw
	} else {
		err = &api.DecodeError{Raw: data, Err: err}
	}
	c.logger.Warn("decode failed", "error", err, "bytes", len(raw))
	resp := c.cfg.Action.OnDecodeError(ctx, c.cc, raw, err)
	if resp != nil && c.cfg.Role == api.RoleServer {
		if err := c.Send(ctx, resp); err != nil {
			c.logger.Warn("sending decode error response failed", "error", err)
		}
	}
}

// Send encodes v with the connection's codec and writes it. Sends are
// allowed while Active and while Closing, so drained work can still reply.
func (c *Connection) Send(ctx context.Context, v any) error {
	switch c.State() {
	case api.StateActive, api.StateClosing:
	case api.StateClosed:
		return api.ErrConnectionClosing
	default:
		return api.ErrNotActive
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := c.cfg.Codec.Encode(v)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return c.write(raw)
}

func (c *Connection) write(raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.transport.Write(raw); err != nil {
		return err
	}
	c.cfg.Stats.OnMessageSent(c.cc, len(raw))
	return nil
}

// Close stops accepting new messages, drains outstanding work within the
// configured timeout, releases the transport and unregisters. A drain
// timeout still closes the connection and is reported as
// *api.DrainTimeoutError. cause is passed to the stats observer.
func (c *Connection) Close(cause error) error {
	c.closeOnce.Do(func() {
		prev := api.ConnState(c.state.Swap(int32(api.StateClosing)))
		if prev != api.StateActive {
			c.sched.Close(0)
			_ = c.transport.Close()
			c.state.Store(int32(api.StateClosed))
			close(c.closed)
			return
		}

		report := c.sched.Close(c.cfg.CloseTimeout)
		if err := c.transport.Close(); err != nil {
			c.logger.Debug("transport close failed", "error", err)
		}
		if c.registered {
			if err := c.cfg.Registry.RemoveConnection(c); err != nil {
				c.logger.Warn("unregister failed", "error", err)
			}
		}
		c.closeErr = report.Err()
		c.cfg.Stats.OnDisconnect(c.cc, cause)
		c.state.Store(int32(api.StateClosed))
		close(c.closed)

		attrs := []any{"completed", report.Completed, "pending", report.Pending}
		if cause != nil {
			attrs = append(attrs, "cause", cause)
		}
		c.logger.Info("connection closed", attrs...)
	})
	return c.closeErr
}
