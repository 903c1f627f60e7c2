// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake implementations for testing and development.
// Provides predictable, controllable behavior for the core interfaces.

package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/momentics/hioload-net/api"
)

// Transport is a fake implementation of api.Transport for testing.
type Transport struct {
	mu         sync.Mutex
	sendBuffer [][]byte
	closed     bool
	closeCalls int
	sendError  error
	closeError error
	signal     chan struct{}
}

var _ api.Transport = (*Transport)(nil)

// NewTransport creates a new fake transport with default settings.
func NewTransport() *Transport {
	return &Transport{
		sendBuffer: make([][]byte, 0),
		signal:     make(chan struct{}),
	}
}

// Write implements api.Transport.Write. Data is copied.
func (t *Transport) Write(buf []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, api.ErrTransportClosed
	}

	if t.sendError != nil {
		return 0, t.sendError
	}

	bufCopy := make([]byte, len(buf))
	copy(bufCopy, buf)
	t.sendBuffer = append(t.sendBuffer, bufCopy)
	close(t.signal)
	t.signal = make(chan struct{})
	return len(buf), nil
}

// Close implements api.Transport.Close.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closeCalls++
	if t.closeError != nil {
		return t.closeError
	}

	t.closed = true
	return nil
}

// Closed reports whether Close succeeded at least once.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// CloseCalls returns how many times Close was called.
func (t *Transport) CloseCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCalls
}

// SetSendError configures the transport to return an error on Write.
func (t *Transport) SetSendError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendError = err
}

// SetCloseError configures the transport to return an error on Close.
func (t *Transport) SetCloseError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeError = err
}

// GetSentData returns all data that has been written.
func (t *Transport) GetSentData() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	sent := make([][]byte, len(t.sendBuffer))
	copy(sent, t.sendBuffer)
	return sent
}

// ClearSentData clears the internal send buffer.
func (t *Transport) ClearSentData() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendBuffer = t.sendBuffer[:0]
}

// WaitSent blocks until at least n buffers were written.
func (t *Transport) WaitSent(ctx context.Context, n int) ([][]byte, error) {
	for {
		t.mu.Lock()
		if len(t.sendBuffer) >= n {
			sent := make([][]byte, len(t.sendBuffer))
			copy(sent, t.sendBuffer)
			t.mu.Unlock()
			return sent, nil
		}
		ch := t.signal
		have := len(t.sendBuffer)
		t.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %d of %d writes: %w", api.ErrWaitTimeout, have, n, ctx.Err())
		}
	}
}
