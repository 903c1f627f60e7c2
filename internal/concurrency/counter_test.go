// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-net/api"
)

func TestCounterLevels(t *testing.T) {
	c := NewCounter("l", 2)
	assert.True(t, c.IsZero())
	assert.False(t, c.IsFull())

	assert.True(t, c.Increment())
	assert.False(t, c.IsZero())
	assert.True(t, c.Increment())
	assert.True(t, c.IsFull())

	// saturating
	assert.False(t, c.Increment())
	assert.Equal(t, 2, c.Count())

	c.Decrement()
	assert.False(t, c.IsFull())
	c.Decrement()
	assert.True(t, c.IsZero())
}

func TestCounterDecrementAtZeroPanics(t *testing.T) {
	c := NewCounter("l", 0)
	defer func() {
		r := recover()
		require.NotNil(t, r)
		v, ok := r.(*api.InvariantViolation)
		require.True(t, ok, "panic value %T", r)
		assert.Contains(t, v.Component, "l")
	}()
	c.Decrement()
}

func TestCounterNeverNegativeUnderConcurrency(t *testing.T) {
	c := NewCounter("l", 0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Increment()
				assert.GreaterOrEqual(t, c.Count(), 0)
				c.Decrement()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, c.Count())
	assert.True(t, c.IsZero())
}

func TestCounterWaitZeroImmediate(t *testing.T) {
	c := NewCounter("l", 0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, c.WaitZero(ctx))
}

func TestCounterWaitZeroLevelTriggered(t *testing.T) {
	c := NewCounter("l", 0)
	c.Increment()
	c.Increment()

	const waiters = 5
	done := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			done <- c.WaitZero(ctx)
		}()
	}

	c.Decrement()
	select {
	case <-done:
		t.Fatal("waiter returned while count was 1")
	case <-time.After(30 * time.Millisecond):
	}

	c.Decrement()
	for i := 0; i < waiters; i++ {
		require.NoError(t, <-done)
	}

	// the level still holds for late waiters
	assert.NoError(t, c.WaitZero(context.Background()))
}

func TestCounterWaitTimeout(t *testing.T) {
	c := NewCounter("l", 0)
	c.Increment()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.WaitZero(ctx)
	assert.ErrorIs(t, err, api.ErrWaitTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCounterWaitFull(t *testing.T) {
	c := NewCounter("l", 3)
	go func() {
		for i := 0; i < 3; i++ {
			c.Increment()
			time.Sleep(5 * time.Millisecond)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitFull(ctx))
	assert.True(t, c.IsFull())

	unbounded := NewCounter("u", 0)
	unbounded.Increment()
	short, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	assert.ErrorIs(t, unbounded.WaitFull(short), api.ErrWaitTimeout)
}

func TestCounterSetMax(t *testing.T) {
	c := NewCounter("l", 0)
	c.Increment()
	c.Increment()
	c.SetMax(2)
	assert.True(t, c.IsFull())
	assert.NoError(t, c.WaitFull(context.Background()))

	c.SetMax(5)
	assert.False(t, c.IsFull())
	assert.True(t, c.Increment())
	assert.Equal(t, 5, c.Max())
}
