// File: server/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server owns the connection registry and runs one accept loop per
// listener. The registry is created with the server and cleared by
// Shutdown; factories and connections only hold a reference to it.

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/capture"
	"github.com/momentics/hioload-net/codec"
	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/internal/concurrency"
	"github.com/momentics/hioload-net/internal/registry"
	"github.com/momentics/hioload-net/pool"
)

var ErrAlreadyRunning = errors.New("server already running")

// DefaultShutdownTimeout bounds Shutdown when the caller's context has no
// deadline.
const DefaultShutdownTimeout = 30 * time.Second

// Endpoint describes where a factory's connections come from.
type Endpoint struct {
	Kind       string // control.KindTCP, KindUDP, KindWebSocket or KindFile
	Addr       string // bind address, or capture path for KindFile
	Path       string // HTTP path for KindWebSocket
	AcceptRate float64
	Text       bool // websocket text messages
}

type listener struct {
	factory *ProtocolFactory
	ep      Endpoint
	addr    net.Addr
	serve   func(ctx context.Context) error
	close   func() error
}

// Server is the top-level object tying listeners, factories and the
// registry together.
type Server struct {
	registry        *registry.Registry
	logger          *slog.Logger
	stats           api.StatsObserver
	store           *control.ConfigStore
	pool            *pool.BytePool
	probes          *control.DebugProbes
	sched           *concurrency.TaskScheduler
	shutdownTimeout time.Duration
	probeInterval   time.Duration

	mu        sync.Mutex
	listeners []*listener
	byName    map[string]*listener
	bound     bool
	serving   bool
	shut      bool
	cancel    context.CancelFunc
	served    chan struct{}
}

// New builds an empty server.
func New(opts ...ServerOption) *Server {
	s := &Server{
		logger:          slog.Default(),
		stats:           api.NopStats{},
		probes:          control.NewDebugProbes(),
		shutdownTimeout: DefaultShutdownTimeout,
		byName:          make(map[string]*listener),
		served:          make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.store == nil {
		s.store = control.NewConfigStore(nil)
	}
	if s.pool == nil {
		s.pool = pool.NewBytePool(0)
	}
	s.logger = s.logger.With("component", "server")
	s.registry = registry.New(s.logger)
	s.sched = concurrency.NewScheduler("server", concurrency.WithLogger(s.logger))
	s.store.OnReload(s.applyReload)
	control.RegisterPlatformProbes(s.probes)
	s.probes.RegisterProbe("pool.read_buffers", func() any { return s.pool.Counters() })
	return s
}

// NewFromConfig builds a server with one listener per config entry.
// actionFor supplies the action of each listener.
func NewFromConfig(cfg *control.Config, actionFor func(control.ListenerConfig) (api.Action, error), opts ...ServerOption) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts = append([]ServerOption{WithConfigStore(control.NewConfigStore(cfg))}, opts...)
	s := New(opts...)
	for _, lc := range cfg.Listeners {
		action, err := actionFor(lc)
		if err != nil {
			return nil, fmt.Errorf("listener %s: %w", lc.Name, err)
		}
		if _, err := s.AddListener(lc, action); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Registry returns the server's connection registry.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Factory returns the factory of a listener.
func (s *Server) Factory(name string) (*ProtocolFactory, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.byName[name]
	if !ok {
		return nil, false
	}
	return l.factory, true
}

// AddListener builds a factory from a listener config and adds it.
func (s *Server) AddListener(lc control.ListenerConfig, action api.Action) (*ProtocolFactory, error) {
	role, err := api.ParseRole(lc.Role)
	if err != nil {
		return nil, err
	}
	codecName := lc.Codec
	if _, err := codec.New(codecName); err != nil {
		return nil, err
	}
	var pre []api.PreAction
	if lc.Capture != nil {
		rec, err := capture.Create(lc.Capture.Path,
			capture.WithCompression(lc.Capture.Compress), capture.WithLogger(s.logger))
		if err != nil {
			return nil, err
		}
		pre = append(pre, rec)
	}
	f, err := NewProtocolFactory(s.registry, FactoryConfig{
		Name:   lc.Name,
		Role:   role,
		Action: action,
		Codec: func() api.Codec {
			c, _ := codec.New(codecName)
			return c
		},
		PreActions:     pre,
		Aliases:        lc.Aliases,
		AllowUnknown:   lc.AllowUnknown,
		MaxConnections: lc.MaxConnections,
		CloseTimeout:   lc.CloseTimeout,
		Stats:          s.stats,
		Logger:         s.logger,
	})
	if err != nil {
		return nil, err
	}
	ep := Endpoint{Kind: lc.Kind, Addr: lc.Addr, Path: lc.Path, AcceptRate: lc.AcceptRate, Text: lc.Text}
	if err := s.AddFactory(f, ep); err != nil {
		return nil, err
	}
	return f, nil
}

// AddFactory attaches f to an endpoint. Stream endpoints switch the
// factory to streaming decode. Factories must be added before Listen.
func (s *Server) AddFactory(f *ProtocolFactory, ep Endpoint) error {
	if f.Role() == api.RoleClient {
		return fmt.Errorf("%w: listener %s cannot serve client connections", api.ErrRoleMismatch, f.Name())
	}
	switch ep.Kind {
	case control.KindTCP:
		f.cfg.Streaming = true
	case control.KindUDP, control.KindWebSocket, control.KindFile:
	default:
		return api.NewError(api.ErrCodeInvalidArgument, "unknown endpoint kind").WithContext("kind", ep.Kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound || s.shut {
		return ErrAlreadyRunning
	}
	if _, ok := s.byName[f.Name()]; ok {
		return api.NewError(api.ErrCodeAlreadyExists, "listener already added").WithContext("listener", f.Name())
	}
	l := &listener{factory: f, ep: ep}
	s.listeners = append(s.listeners, l)
	s.byName[f.Name()] = l
	s.registerProbe(l)
	return nil
}

func (s *Server) registerProbe(l *listener) {
	name := l.factory.Name()
	s.probes.RegisterProbe("listener."+name, func() any {
		return map[string]any{
			"kind":   l.ep.Kind,
			"active": s.registry.NumConnections(name),
			"total":  s.registry.TotalConnections(name),
			"max":    s.registry.Counter(name).Max(),
		}
	})
}

// Listen binds every endpoint. Serve calls it when needed; calling it
// first lets callers read bound addresses.
func (s *Server) Listen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shut {
		return api.ErrConnectionClosing
	}
	if s.bound {
		return nil
	}
	for i, l := range s.listeners {
		if err := s.bind(ctx, l); err != nil {
			for _, prev := range s.listeners[:i] {
				_ = prev.close()
			}
			return fmt.Errorf("listener %s: %w", l.factory.Name(), err)
		}
		s.logger.Info("listener bound", "listener", l.factory.Name(), "kind", l.ep.Kind, "addr", l.ep.Addr)
	}
	s.bound = true
	return nil
}

// Addr returns the bound address of a listener, nil before Listen or for
// file replay.
func (s *Server) Addr(name string) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.byName[name]; ok {
		return l.addr
	}
	return nil
}

// Serve starts every factory and runs the accept loops until ctx ends or
// Shutdown is called. It performs the shutdown itself on exit.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	if s.serving || s.shut {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.serving = true
	sctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	ls := append([]*listener(nil), s.listeners...)
	s.mu.Unlock()
	defer close(s.served)

	for _, l := range ls {
		if err := l.factory.Start(sctx); err != nil {
			cancel()
			return multierr.Append(err, s.shutdown(context.Background()))
		}
	}
	if s.probeInterval > 0 {
		if err := s.sched.Every(s.probeInterval, s.logProbes); err != nil {
			s.logger.Warn("probe not scheduled", "error", err)
		}
	}

	g, gctx := errgroup.WithContext(sctx)
	for _, l := range ls {
		g.Go(func() error {
			if err := l.serve(gctx); err != nil {
				return fmt.Errorf("listener %s: %w", l.factory.Name(), err)
			}
			return nil
		})
	}
	s.logger.Info("server running", "listeners", len(ls))

	<-gctx.Done()
	err := s.shutdown(context.Background())
	return multierr.Append(g.Wait(), err)
}

func (s *Server) logProbes(context.Context) {
	for name, v := range s.probes.DumpState() {
		s.logger.Debug("probe", "name", name, "value", v)
	}
}

// Shutdown stops accepting, closes every factory under its bounded drain,
// clears the registry and waits for Serve to return.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.shutdown(ctx)
	s.mu.Lock()
	serving := s.serving
	s.mu.Unlock()
	if serving {
		select {
		case <-s.served:
		case <-ctx.Done():
			return multierr.Append(err, fmt.Errorf("%w: serve loop still running", api.ErrWaitTimeout))
		}
	}
	return err
}

func (s *Server) shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shut {
		s.mu.Unlock()
		return nil
	}
	s.shut = true
	cancel := s.cancel
	ls := append([]*listener(nil), s.listeners...)
	bound := s.bound
	s.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var c context.CancelFunc
		ctx, c = context.WithTimeout(ctx, s.shutdownTimeout)
		defer c()
	}
	if cancel != nil {
		cancel()
	}

	var (
		mu   sync.Mutex
		errs error
	)
	var g errgroup.Group
	for _, l := range ls {
		if bound {
			if err := l.close(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("listener close", "listener", l.factory.Name(), "error", err)
			}
		}
		g.Go(func() error {
			if err := l.factory.Close(ctx); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("listener %s: %w", l.factory.Name(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	report := s.sched.Close(time.Second)
	if err := report.Err(); err != nil {
		errs = multierr.Append(errs, err)
	}
	s.registry.Clear()
	s.logger.Info("server stopped", "listeners", len(ls))
	return errs
}

// Stats returns a snapshot of every debug probe.
func (s *Server) Stats() map[string]any { return s.probes.DumpState() }

// Probes exposes the probe registry for application probes.
func (s *Server) Probes() *control.DebugProbes { return s.probes }

// Notify fans v out to every connection subscribed to topic.
func (s *Server) Notify(ctx context.Context, topic string, v any) (int, error) {
	return s.registry.Notify(ctx, topic, v)
}

// Reload validates and installs cfg. Alias tables and connection limits of
// existing listeners are updated in place; listeners that appear or vanish
// need a restart.
func (s *Server) Reload(cfg *control.Config) error {
	return s.store.SetConfig(cfg)
}

func (s *Server) applyReload(cfg *control.Config) {
	for _, lc := range cfg.Listeners {
		f, ok := s.Factory(lc.Name)
		if !ok {
			s.logger.Warn("reload: listener not running", "listener", lc.Name)
			continue
		}
		f.SetAliases(lc.Aliases, lc.AllowUnknown)
		f.SetMaxConnections(lc.MaxConnections)
	}
}
