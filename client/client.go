// File: client/client.go
// Package client dials a server and returns a client-role connection.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The dialed transport is pumped on its own goroutine. Calls wait on
// correlation futures, everything else the server sends lands in the
// connection's notification queue.

package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/codec"
	"github.com/momentics/hioload-net/internal/registry"
	"github.com/momentics/hioload-net/pool"
	"github.com/momentics/hioload-net/protocol"
	"github.com/momentics/hioload-net/transport"
	"github.com/momentics/hioload-net/transport/tcp"
	"github.com/momentics/hioload-net/transport/websocket"
)

// Supported dial kinds.
const (
	KindTCP       = "tcp"
	KindWebSocket = "websocket"
)

// ClientConfig holds all configurable parameters for a client connection.
type ClientConfig struct {
	Kind  string // "tcp" (default) or "websocket"
	Addr  string // host:port, or ws:// URL for websocket
	Codec string // codec name, json by default
	Name  string // listener name used for registry attribution
	// Text sends websocket text messages.
	Text         bool
	CloseTimeout time.Duration
	Action       api.Action // filter for notifications
	Stats        api.StatsObserver
	Logger       *slog.Logger
	// Registry is optional; a private one is used when nil.
	Registry *registry.Registry
}

// Client is a dialed client connection.
type Client struct {
	*protocol.ClientConnection
	pumpDone chan struct{}
	pumpErr  error
}

// Dial connects, initializes the connection and starts reading.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Kind == "" {
		cfg.Kind = KindTCP
	}
	if cfg.Name == "" {
		cfg.Name = "client"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New(cfg.Logger)
	}
	c, err := codec.New(cfg.Codec)
	if err != nil {
		return nil, err
	}

	var (
		t           api.Transport
		local, peer string
		pump        func(ctx context.Context, rcv transport.Receiver) error
		streaming   bool
	)
	switch cfg.Kind {
	case KindTCP:
		nc, err := tcp.Dial(ctx, cfg.Addr)
		if err != nil {
			return nil, err
		}
		t, local, peer, streaming = nc, nc.LocalAddr(), nc.RemoteAddr(), true
		pump = func(ctx context.Context, rcv transport.Receiver) error {
			return transport.Pump(ctx, nc.Conn(), rcv, pool.NewBytePool(0))
		}
	case KindWebSocket:
		wc, err := websocket.Dial(ctx, cfg.Addr, cfg.Text)
		if err != nil {
			return nil, err
		}
		t, local, peer = wc, wc.LocalAddr(), wc.RemoteAddr()
		pump = wc.Pump
	default:
		return nil, api.NewError(api.ErrCodeInvalidArgument, "unknown dial kind").WithContext("kind", cfg.Kind)
	}

	cc, err := protocol.NewClient(t, protocol.Config{
		Listener:     cfg.Name,
		Codec:        c,
		Action:       cfg.Action,
		Registry:     cfg.Registry,
		Stats:        cfg.Stats,
		Logger:       cfg.Logger,
		CloseTimeout: cfg.CloseTimeout,
		Streaming:    streaming,
	})
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	if err := cc.Initialize(ctx, local, peer); err != nil {
		return nil, fmt.Errorf("client initialize: %w", err)
	}

	cl := &Client{ClientConnection: cc, pumpDone: make(chan struct{})}
	go func() {
		defer close(cl.pumpDone)
		// the pump outlives the dial context
		cl.pumpErr = pump(context.Background(), cc)
	}()
	return cl, nil
}

// Close closes the connection and waits for the reader to stop.
func (c *Client) Close() error {
	err := c.ClientConnection.Close(nil)
	<-c.pumpDone
	return err
}

// ReadErr returns the error that ended the reader, once it stopped.
func (c *Client) ReadErr() error {
	select {
	case <-c.pumpDone:
		return c.pumpErr
	default:
		return nil
	}
}
