// File: protocol/client.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Client role: outgoing calls wait on correlation futures, everything the
// peer sends that matches no pending call is queued as a notification.

package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/eapache/queue"
	"github.com/google/uuid"

	"github.com/momentics/hioload-net/api"
)

// ClientConnection is a Connection in the client role.
type ClientConnection struct {
	*Connection

	notifMu       sync.Mutex
	notifications *queue.Queue
	signal        chan struct{}
}

// NewClient creates a client-role connection over t. cfg.Role is ignored.
func NewClient(t api.Transport, cfg Config) (*ClientConnection, error) {
	cfg.Role = api.RoleClient
	c, err := newConnection(t, cfg)
	if err != nil {
		return nil, err
	}
	cl := &ClientConnection{
		Connection:    c,
		notifications: queue.New(),
		signal:        make(chan struct{}),
	}
	c.dispatcher = cl
	return cl, nil
}

// NewCorrelationID returns a fresh id suitable for outgoing requests.
func NewCorrelationID() string { return uuid.NewString() }

// Call registers a future for id, sends req and waits for the matching
// response or ctx. req must carry id in the form the codec extracts it.
func (cl *ClientConnection) Call(ctx context.Context, id string, req any) (*api.Message, error) {
	if id == "" {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "call requires a correlation id")
	}
	f, err := cl.sched.CreateFuture(id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cl.sched.Complete(id) }()

	if err := cl.Send(ctx, req); err != nil {
		return nil, fmt.Errorf("call %s: %w", id, err)
	}
	v, err := f.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return v.(*api.Message), nil
}

// Notify sends v without waiting for any response.
func (cl *ClientConnection) Notify(ctx context.Context, v any) error {
	return cl.Send(ctx, v)
}

// NextNotification pops the oldest unsolicited message, waiting for one if
// the queue is empty.
func (cl *ClientConnection) NextNotification(ctx context.Context) (*api.Message, error) {
	for {
		cl.notifMu.Lock()
		if cl.notifications.Length() > 0 {
			m := cl.notifications.Remove().(*api.Message)
			cl.notifMu.Unlock()
			return m, nil
		}
		ch := cl.signal
		cl.notifMu.Unlock()

		select {
		case <-ch:
		case <-cl.Done():
			return nil, api.ErrConnectionClosing
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: notification: %w", api.ErrWaitTimeout, ctx.Err())
		}
	}
}

// PendingNotifications returns the number of queued notifications.
func (cl *ClientConnection) PendingNotifications() int {
	cl.notifMu.Lock()
	defer cl.notifMu.Unlock()
	return cl.notifications.Length()
}

func (cl *ClientConnection) enqueue(msg *api.Message) {
	cl.notifMu.Lock()
	cl.notifications.Add(msg)
	close(cl.signal)
	cl.signal = make(chan struct{})
	cl.notifMu.Unlock()
}

// dispatch resolves a pending call or queues msg as a notification.
func (cl *ClientConnection) dispatch(_ context.Context, msg *api.Message) error {
	cl.cfg.Stats.OnMessageProcessed(cl.cc, len(msg.Raw))
	if msg.HasCorrelationID() {
		err := cl.sched.Resolve(msg.CorrelationID, msg)
		if err == nil {
			return nil
		}
		var ce *api.CorrelationError
		if !errors.As(err, &ce) {
			return err
		}
		cl.logger.Debug("unmatched correlation id", "correlation_id", msg.CorrelationID, "kind", ce.Kind)
	}
	if !cl.cfg.Action.Filter(msg) {
		return nil
	}
	cl.enqueue(msg)
	return nil
}
