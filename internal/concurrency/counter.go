// File: internal/concurrency/counter.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Counter is a bounded or unbounded non-negative integer with level-triggered
// zero and full signals. A signal is a channel that stays closed for as long
// as its level holds and is replaced when the level is left.

package concurrency

import (
	"context"
	"fmt"
	"sync"

	"github.com/momentics/hioload-net/api"
)

// Counter counts live units, e.g. connections of one listener.
type Counter struct {
	name string

	mu    sync.Mutex
	count int
	max   int // 0 = unbounded
	zero  chan struct{}
	full  chan struct{}
}

// NewCounter returns a counter at zero. max <= 0 means unbounded.
func NewCounter(name string, max int) *Counter {
	if max < 0 {
		max = 0
	}
	c := &Counter{
		name: name,
		max:  max,
		zero: make(chan struct{}),
		full: make(chan struct{}),
	}
	close(c.zero)
	return c
}

// Name returns the identity the counter was created with.
func (c *Counter) Name() string { return c.name }

// Increment adds one unless the counter is full. It reports whether the
// count changed.
func (c *Counter) Increment() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isFullLocked() {
		return false
	}
	if c.count == 0 {
		c.zero = make(chan struct{})
	}
	c.count++
	if c.isFullLocked() {
		close(c.full)
	}
	return true
}

// Decrement removes one. Decrementing at zero is a bookkeeping bug and
// panics with *api.InvariantViolation.
func (c *Counter) Decrement() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count == 0 {
		panic(&api.InvariantViolation{
			Component: "counter " + c.name,
			Detail:    "decrement below zero",
		})
	}
	wasFull := c.isFullLocked()
	c.count--
	if wasFull && !c.isFullLocked() {
		c.full = make(chan struct{})
	}
	if c.count == 0 {
		close(c.zero)
	}
}

// SetMax changes the bound. Lowering it below the current count marks the
// counter full without dropping anything.
func (c *Counter) SetMax(max int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if max < 0 {
		max = 0
	}
	wasFull := c.isFullLocked()
	c.max = max
	switch isFull := c.isFullLocked(); {
	case isFull && !wasFull:
		close(c.full)
	case !isFull && wasFull:
		c.full = make(chan struct{})
	}
}

func (c *Counter) isFullLocked() bool {
	return c.max > 0 && c.count >= c.max
}

// Count returns the current value.
func (c *Counter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Max returns the bound, 0 when unbounded.
func (c *Counter) Max() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.max
}

// IsZero reports the zero level.
func (c *Counter) IsZero() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count == 0
}

// IsFull reports the full level.
func (c *Counter) IsFull() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isFullLocked()
}

// WaitZero returns once the count is zero. It returns immediately when the
// count already is zero, and an error wrapping api.ErrWaitTimeout when ctx
// ends first.
func (c *Counter) WaitZero(ctx context.Context) error {
	for {
		c.mu.Lock()
		ch := c.zero
		c.mu.Unlock()
		select {
		case <-ch:
			// the level may have been left again between close and wake-up
			if c.IsZero() {
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("%w: counter %s waiting for zero (count=%d): %w",
				api.ErrWaitTimeout, c.name, c.Count(), ctx.Err())
		}
	}
}

// WaitFull returns once the counter is full. An unbounded counter is never
// full, so this only returns on ctx expiry.
func (c *Counter) WaitFull(ctx context.Context) error {
	for {
		c.mu.Lock()
		ch := c.full
		c.mu.Unlock()
		select {
		case <-ch:
			if c.IsFull() {
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("%w: counter %s waiting for full (count=%d): %w",
				api.ErrWaitTimeout, c.name, c.Count(), ctx.Err())
		}
	}
}
