// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/pool"
)

type recordingReceiver struct {
	mu       sync.Mutex
	data     []byte
	failWith error
	closed   int
	cause    error
}

func (r *recordingReceiver) OnDataReceived(_ context.Context, buf []byte, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	r.data = append(r.data, buf...)
	return nil
}

func (r *recordingReceiver) Close(cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	r.cause = cause
	return nil
}

func TestPumpDeliversUntilEOF(t *testing.T) {
	server, peer := net.Pipe()
	rcv := &recordingReceiver{}
	done := make(chan error, 1)
	go func() { done <- Pump(context.Background(), server, rcv, pool.NewBytePool(4)) }()

	_, err := peer.Write([]byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, peer.Close())

	require.NoError(t, <-done)
	assert.Equal(t, "hello world", string(rcv.data))
	assert.Equal(t, 1, rcv.closed)
	assert.NoError(t, rcv.cause)
}

func TestPumpStopsOnReceiverError(t *testing.T) {
	server, peer := net.Pipe()
	defer peer.Close()
	boom := errors.New("decoder gone")
	rcv := &recordingReceiver{failWith: boom}
	done := make(chan error, 1)
	go func() { done <- Pump(context.Background(), server, rcv, nil) }()

	_, err := peer.Write([]byte("x"))
	require.NoError(t, err)
	assert.ErrorIs(t, <-done, boom)
	assert.ErrorIs(t, rcv.cause, boom)
}

func TestPumpTreatsClosingAsClean(t *testing.T) {
	server, peer := net.Pipe()
	defer peer.Close()
	rcv := &recordingReceiver{failWith: api.ErrConnectionClosing}
	done := make(chan error, 1)
	go func() { done <- Pump(context.Background(), server, rcv, nil) }()

	_, err := peer.Write([]byte("x"))
	require.NoError(t, err)
	assert.NoError(t, <-done)
	assert.NoError(t, rcv.cause)
}

func TestNetConnCloseIsIdempotent(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	nc := NewNetConn(a)
	assert.Equal(t, "pipe", nc.RemoteAddr())
	assert.Same(t, a, nc.Conn())

	require.NoError(t, nc.Close())
	require.NoError(t, nc.Close())
	_, err := nc.Write([]byte("x"))
	assert.ErrorIs(t, err, api.ErrTransportClosed)
}
