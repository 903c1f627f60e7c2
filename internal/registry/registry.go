// File: internal/registry/registry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection registry: peer address -> live connection, one Counter per
// listener and a topic subscription table for fan-out. The registry holds
// non-owning references; connections add and remove themselves.

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/internal/concurrency"
)

// Conn is the registry's view of a connection.
type Conn interface {
	PeerAddr() string
	Listener() string
	Send(ctx context.Context, v any) error
}

// Registry is owned by the top-level server and shared by reference.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	conns    map[string]Conn
	counters map[string]*concurrency.Counter
	totals   map[string]int
	topics   map[string]map[string]struct{} // topic -> peers
	changed  chan struct{}                  // closed and replaced on every mutation
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger.With("component", "registry"),
		conns:    make(map[string]Conn),
		counters: make(map[string]*concurrency.Counter),
		totals:   make(map[string]int),
		topics:   make(map[string]map[string]struct{}),
		changed:  make(chan struct{}),
	}
}

// counterLocked returns the listener's counter, creating an unbounded one.
func (r *Registry) counterLocked(listener string) *concurrency.Counter {
	c, ok := r.counters[listener]
	if !ok {
		c = concurrency.NewCounter(listener, 0)
		r.counters[listener] = c
	}
	return c
}

func (r *Registry) broadcastLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// Counter exposes the listener's counter for level-triggered waits.
func (r *Registry) Counter(listener string) *concurrency.Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counterLocked(listener)
}

// SetLimit bounds the number of live connections of a listener; 0 removes the bound.
func (r *Registry) SetLimit(listener string, max int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counterLocked(listener).SetMax(max)
	r.broadcastLocked()
}

// AddConnection registers c under its peer address and counts it against
// its listener, atomically. A peer maps to at most one live connection.
func (r *Registry) AddConnection(c Conn) error {
	peer, listener := c.PeerAddr(), c.Listener()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[peer]; ok {
		return api.NewError(api.ErrCodeAlreadyExists, "peer already registered").WithContext("peer", peer)
	}
	if !r.counterLocked(listener).Increment() {
		return fmt.Errorf("%w: %s", api.ErrListenerFull, listener)
	}
	r.conns[peer] = c
	r.totals[listener]++
	r.broadcastLocked()
	r.logger.Debug("connection added", "peer", peer, "listener", listener)
	return nil
}

// RemoveConnection unregisters c, drops its subscriptions and decrements
// its listener's counter, atomically.
func (r *Registry) RemoveConnection(c Conn) error {
	peer := c.PeerAddr()
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.conns[peer]
	if !ok || cur != c {
		return api.NewError(api.ErrCodeNotFound, "connection not registered").WithContext("peer", peer)
	}
	r.removeLocked(peer, cur)
	r.broadcastLocked()
	r.logger.Debug("connection removed", "peer", peer, "listener", c.Listener())
	return nil
}

func (r *Registry) removeLocked(peer string, c Conn) {
	delete(r.conns, peer)
	for topic, peers := range r.topics {
		delete(peers, peer)
		if len(peers) == 0 {
			delete(r.topics, topic)
		}
	}
	r.counterLocked(c.Listener()).Decrement()
}

// Get fetches the live connection of a peer.
func (r *Registry) Get(peer string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[peer]
	return c, ok
}

// Range applies fn to a snapshot of all live connections.
func (r *Registry) Range(fn func(Conn)) {
	r.mu.RLock()
	snapshot := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()
	for _, c := range snapshot {
		fn(c)
	}
}

// NumConnections returns the live connections of a listener.
func (r *Registry) NumConnections(listener string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.counters[listener]; ok {
		return c.Count()
	}
	return 0
}

// TotalConnections returns how many connections a listener ever registered.
func (r *Registry) TotalConnections(listener string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totals[listener]
}

// Listeners returns the known listener identities, sorted.
func (r *Registry) Listeners() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.counters))
	for l := range r.counters {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// waitFor blocks until cond holds under the read lock or ctx ends.
func (r *Registry) waitFor(ctx context.Context, what string, cond func() bool) error {
	for {
		r.mu.RLock()
		ok := cond()
		ch := r.changed
		r.mu.RUnlock()
		if ok {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", api.ErrWaitTimeout, what, ctx.Err())
		}
	}
}

// WaitNumConnections waits until a listener has at least n live connections.
func (r *Registry) WaitNumConnections(ctx context.Context, listener string, n int) error {
	return r.waitFor(ctx, fmt.Sprintf("%d connections on %s", n, listener), func() bool {
		c, ok := r.counters[listener]
		return ok && c.Count() >= n || n <= 0
	})
}

// WaitTotalConnections waits until a listener has registered at least n
// connections over its lifetime.
func (r *Registry) WaitTotalConnections(ctx context.Context, listener string, n int) error {
	return r.waitFor(ctx, fmt.Sprintf("%d total connections on %s", n, listener), func() bool {
		return r.totals[listener] >= n
	})
}

// WaitAllClosed waits until a listener has no live connections. It returns
// immediately when none are registered.
func (r *Registry) WaitAllClosed(ctx context.Context, listener string) error {
	return r.Counter(listener).WaitZero(ctx)
}

// Subscribe adds a live peer to a topic.
func (r *Registry) Subscribe(peer, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[peer]; !ok {
		return api.NewError(api.ErrCodeNotFound, "cannot subscribe unknown peer").WithContext("peer", peer)
	}
	peers, ok := r.topics[topic]
	if !ok {
		peers = make(map[string]struct{})
		r.topics[topic] = peers
	}
	peers[peer] = struct{}{}
	return nil
}

// Unsubscribe removes a peer from a topic; unknown pairs are ignored.
func (r *Registry) Unsubscribe(peer, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if peers, ok := r.topics[topic]; ok {
		delete(peers, peer)
		if len(peers) == 0 {
			delete(r.topics, topic)
		}
	}
}

// Subscribers returns the peers subscribed to a topic, sorted.
func (r *Registry) Subscribers(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.topics[topic]))
	for p := range r.topics[topic] {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Notify encodes and sends v to every connection subscribed to topic and
// returns how many sends succeeded. Connections that disappear or close
// during the fan-out are skipped.
func (r *Registry) Notify(ctx context.Context, topic string, v any) (int, error) {
	delivered := 0
	for _, peer := range r.Subscribers(topic) {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		c, ok := r.Get(peer)
		if !ok {
			continue
		}
		if err := c.Send(ctx, v); err != nil {
			if errors.Is(err, api.ErrConnectionClosing) || errors.Is(err, api.ErrTransportClosed) ||
				errors.Is(err, api.ErrNotActive) {
				r.logger.Debug("skipping closed subscriber", "topic", topic, "peer", peer)
			} else {
				r.logger.Warn("notify failed", "topic", topic, "peer", peer, "error", err)
			}
			continue
		}
		delivered++
	}
	return delivered, nil
}

// Clear drops every connection and subscription, e.g. at server stop.
// Counters return to zero so waiters on WaitAllClosed are released.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for peer, c := range r.conns {
		r.removeLocked(peer, c)
	}
	r.topics = make(map[string]map[string]struct{})
	r.broadcastLocked()
}
