// File: protocol/dispatch.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"context"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/internal/concurrency"
)

// dispatcher routes one decoded message according to the connection role.
type dispatcher interface {
	dispatch(ctx context.Context, msg *api.Message) error
}

// process runs the action for msg and wraps failures so the exception hook
// always sees the offending message.
func (c *Connection) process(ctx context.Context, msg *api.Message) (any, error) {
	resp, err := c.cfg.Action.Process(ctx, c.cc, msg)
	if err != nil {
		return nil, &api.ActionProcessingError{Message: msg, Err: err}
	}
	return resp, nil
}

// onException reports a failed message and returns the action's reply.
func (c *Connection) onException(ctx context.Context, msg *api.Message, err error) any {
	c.logger.Warn("message processing failed", "error", err, "correlation_id", msg.CorrelationID)
	return c.cfg.Action.OnException(ctx, c.cc, msg, err)
}

// orderedDispatcher serves one-way receivers: each message is fully
// processed before the next one is looked at. Results are discarded.
type orderedDispatcher struct {
	c *Connection
}

func (d *orderedDispatcher) dispatch(ctx context.Context, msg *api.Message) error {
	c := d.c
	if !c.cfg.Action.Filter(msg) {
		return nil
	}
	finished := make(chan struct{})
	_, err := c.sched.CreateTask(
		func(tctx context.Context) (any, error) { return c.process(tctx, msg) },
		func(t *concurrency.Task) {
			defer close(finished)
			defer t.Finish()
			if _, err := t.Result(); err != nil {
				c.onException(ctx, msg, err)
			}
			c.cfg.Stats.OnMessageProcessed(c.cc, len(msg.Raw))
		})
	if err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// parallelDispatcher serves responding servers: every message gets its own
// task and the reply is written whenever that task completes, so responses
// may leave in a different order than requests arrived.
type parallelDispatcher struct {
	c *Connection
}

func (d *parallelDispatcher) dispatch(ctx context.Context, msg *api.Message) error {
	c := d.c
	if !c.cfg.Action.Filter(msg) {
		return nil
	}
	_, err := c.sched.CreateTask(
		func(tctx context.Context) (any, error) { return c.process(tctx, msg) },
		func(t *concurrency.Task) {
			defer t.Finish()
			resp, err := t.Result()
			if err != nil {
				resp = c.onException(context.Background(), msg, err)
			}
			c.cfg.Stats.OnMessageProcessed(c.cc, len(msg.Raw))
			if resp == nil {
				return
			}
			if err := c.Send(context.Background(), resp); err != nil {
				c.logger.Warn("sending response failed", "error", err, "correlation_id", msg.CorrelationID)
			}
		})
	return err
}
