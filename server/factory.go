// File: server/factory.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ProtocolFactory holds the shared configuration of one listener and builds
// its connections, tagging them with the listener name so registry counters
// attribute correctly.

package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/auth"
	"github.com/momentics/hioload-net/internal/registry"
	"github.com/momentics/hioload-net/protocol"
)

// DefaultInitTimeout bounds alias resolution for a new connection.
const DefaultInitTimeout = 10 * time.Second

// FactoryConfig is the per-listener configuration shared by all of its
// connections.
type FactoryConfig struct {
	Name       string
	Role       api.Role
	Codec      func() api.Codec
	Action     api.Action
	PreActions []api.PreAction

	// Authorizer overrides the alias table built from Aliases.
	Authorizer   api.Authorizer
	Aliases      map[string]string
	AllowUnknown bool

	MaxConnections int
	CloseTimeout   time.Duration
	InitTimeout    time.Duration
	// Streaming is set for byte-stream transports (tcp).
	Streaming bool

	Stats  api.StatsObserver
	Logger *slog.Logger
}

// ProtocolFactory creates and tracks the connections of one listener.
type ProtocolFactory struct {
	cfg        FactoryConfig
	registry   *registry.Registry
	aliases    *auth.AliasTable
	authorizer api.Authorizer
	logger     *slog.Logger

	mu      sync.Mutex
	conns   map[string]*protocol.Connection
	started bool
	closed  bool
}

// NewProtocolFactory validates cfg and binds it to reg.
func NewProtocolFactory(reg *registry.Registry, cfg FactoryConfig) (*ProtocolFactory, error) {
	if reg == nil {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "factory requires a registry")
	}
	if cfg.Name == "" {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "factory requires a name")
	}
	if cfg.Codec == nil {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "factory requires a codec constructor").WithContext("factory", cfg.Name)
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
		cfg.CloseTimeout = protocol.DefaultCloseTimeout
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = DefaultInitTimeout
	}
	f := &ProtocolFactory{
		cfg:      cfg,
		registry: reg,
		logger:   cfg.Logger.With("component", "factory", "listener", cfg.Name),
		conns:    make(map[string]*protocol.Connection),
	}
	f.aliases = auth.NewAliasTable(cfg.Aliases, cfg.AllowUnknown || len(cfg.Aliases) == 0)
	f.authorizer = cfg.Authorizer
	if f.authorizer == nil {
		f.authorizer = f.aliases
	}
	reg.SetLimit(cfg.Name, cfg.MaxConnections)
	return f, nil
}

// Name returns the listener name the factory tags its connections with.
func (f *ProtocolFactory) Name() string { return f.cfg.Name }

// Role returns the role of connections built by this factory.
func (f *ProtocolFactory) Role() api.Role { return f.cfg.Role }

// Start starts the action. It must succeed before connections are built.
func (f *ProtocolFactory) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.started || f.closed {
		f.mu.Unlock()
		return nil
	}
	f.started = true
	f.mu.Unlock()
	if err := f.cfg.Action.Start(ctx); err != nil {
		return fmt.Errorf("start action for %s: %w", f.cfg.Name, err)
	}
	return nil
}

// SetAliases replaces the alias table used by new connections. Active
// connections keep the alias they resolved.
func (f *ProtocolFactory) SetAliases(aliases map[string]string, allowUnknown bool) {
	f.aliases.Replace(aliases, allowUnknown || len(aliases) == 0)
	f.logger.Info("alias table replaced", "entries", len(aliases), "allow_unknown", allowUnknown)
}

// SetMaxConnections changes the listener limit.
func (f *ProtocolFactory) SetMaxConnections(n int) {
	f.registry.SetLimit(f.cfg.Name, n)
}

func (f *ProtocolFactory) connConfig() protocol.Config {
	return protocol.Config{
		Listener:     f.cfg.Name,
		Role:         f.cfg.Role,
		Codec:        f.cfg.Codec(),
		Action:       f.cfg.Action,
		PreActions:   f.cfg.PreActions,
		Authorizer:   f.authorizer,
		Registry:     f.registry,
		Stats:        f.cfg.Stats,
		Logger:       f.cfg.Logger,
		CloseTimeout: f.cfg.CloseTimeout,
		Streaming:    f.cfg.Streaming,
	}
}

// NewConnection builds a receiver or server connection over t. The
// connection still needs Initialize.
func (f *ProtocolFactory) NewConnection(t api.Transport) (*protocol.Connection, error) {
	if f.cfg.Role == api.RoleClient {
		return nil, fmt.Errorf("%w: factory %s builds client connections", api.ErrRoleMismatch, f.cfg.Name)
	}
	c, err := protocol.New(t, f.connConfig())
	if err != nil {
		return nil, err
	}
	if err := f.track(c); err != nil {
		return nil, err
	}
	return c, nil
}

// NewClientConnection builds a client connection over t.
func (f *ProtocolFactory) NewClientConnection(t api.Transport) (*protocol.ClientConnection, error) {
	if f.cfg.Role != api.RoleClient {
		return nil, fmt.Errorf("%w: factory %s is not a client factory", api.ErrRoleMismatch, f.cfg.Name)
	}
	c, err := protocol.NewClient(t, f.connConfig())
	if err != nil {
		return nil, err
	}
	if err := f.track(c.Connection); err != nil {
		return nil, err
	}
	return c, nil
}

// Open builds and initializes a connection for an accepted transport.
func (f *ProtocolFactory) Open(ctx context.Context, t api.Transport, localAddr, remoteAddr string) (*protocol.Connection, error) {
	c, err := f.NewConnection(t)
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	ictx, cancel := context.WithTimeout(ctx, f.cfg.InitTimeout)
	defer cancel()
	if err := c.Initialize(ictx, localAddr, remoteAddr); err != nil {
		return nil, err
	}
	return c, nil
}

// track records c so Close reaches it. A closed factory refuses and
// closes c.
func (f *ProtocolFactory) track(c *protocol.Connection) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		_ = c.Close(api.ErrConnectionClosing)
		return api.ErrConnectionClosing
	}
	f.conns[c.ID()] = c
	f.mu.Unlock()
	go func() {
		<-c.Done()
		f.mu.Lock()
		delete(f.conns, c.ID())
		f.mu.Unlock()
	}()
	return nil
}

// Connections returns the connections built by this factory that have
// not reached Closed yet.
func (f *ProtocolFactory) Connections() []*protocol.Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*protocol.Connection, 0, len(f.conns))
	for _, c := range f.conns {
		out = append(out, c)
	}
	return out
}

// WaitNumConnected waits until at least n connections are active.
func (f *ProtocolFactory) WaitNumConnected(ctx context.Context, n int) error {
	return f.registry.WaitNumConnections(ctx, f.cfg.Name, n)
}

// WaitNumHasConnected waits until at least n connections were ever active.
func (f *ProtocolFactory) WaitNumHasConnected(ctx context.Context, n int) error {
	return f.registry.WaitTotalConnections(ctx, f.cfg.Name, n)
}

// WaitAllClosed waits until no connection of this listener is registered.
func (f *ProtocolFactory) WaitAllClosed(ctx context.Context) error {
	return f.registry.WaitAllClosed(ctx, f.cfg.Name)
}

// Close stops building connections, closes every tracked connection
// concurrently, each under its own bounded drain, and then shuts the
// action and pre-actions down within the same timeout. All errors are
// returned together.
func (f *ProtocolFactory) Close(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	var (
		mu   sync.Mutex
		errs error
	)
	collect := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		errs = multierr.Append(errs, err)
		mu.Unlock()
	}

	var g errgroup.Group
	for _, c := range f.Connections() {
		g.Go(func() error {
			collect(c.Close(nil))
			return nil
		})
	}
	_ = g.Wait()

	cctx, cancel := context.WithTimeout(ctx, f.cfg.CloseTimeout)
	defer cancel()
	var hg errgroup.Group
	hg.Go(func() error {
		if err := f.cfg.Action.Close(cctx); err != nil {
			collect(fmt.Errorf("close action: %w", err))
		}
		return nil
	})
	for _, pa := range f.cfg.PreActions {
		hg.Go(func() error {
			if err := pa.Close(cctx); err != nil {
				collect(fmt.Errorf("close pre-action: %w", err))
			}
			return nil
		})
	}
	_ = hg.Wait()

	if errs != nil {
		f.logger.Warn("factory closed with errors", "error", errs)
	} else {
		f.logger.Info("factory closed")
	}
	return errs
}
