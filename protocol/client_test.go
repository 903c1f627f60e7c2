// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/codec"
	"github.com/momentics/hioload-net/fake"
	"github.com/momentics/hioload-net/internal/registry"
)

func newClient(t *testing.T) (*ClientConnection, *fake.Transport) {
	t.Helper()
	tr := fake.NewTransport()
	cl, err := NewClient(tr, Config{
		Listener: "client",
		Role:     api.RoleServer, // ignored
		Codec:    codec.JSONStream{},
		Registry: registry.New(nil),
	})
	require.NoError(t, err)
	require.Equal(t, api.RoleClient, cl.Role())
	require.NoError(t, cl.Initialize(context.Background(), "", "10.0.0.2:80"))
	t.Cleanup(func() { _ = cl.Close(nil) })
	return cl, tr
}

func receive(t *testing.T, cl *ClientConnection, raw string) {
	t.Helper()
	require.NoError(t, cl.OnDataReceived(context.Background(), []byte(raw), time.Now()))
}

func TestCallResolvesAndLateDuplicateBecomesNotification(t *testing.T) {
	cl, tr := newClient(t)

	type result struct {
		msg *api.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m, err := cl.Call(ctx, "7", map[string]any{"id": 7, "q": "ping"})
		done <- result{m, err}
	}()

	sent := waitSent(t, tr, 1)
	assert.JSONEq(t, `{"id":7,"q":"ping"}`, sent[0])

	receive(t, cl, `{"id":7,"r":"pong"}`)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "7", res.msg.CorrelationID)
	assert.JSONEq(t, `{"id":7,"r":"pong"}`, string(res.msg.Raw))
	assert.Zero(t, cl.PendingNotifications())

	receive(t, cl, `{"id":7,"r":"again"}{"event":"tick"}`)
	assert.Equal(t, 2, cl.PendingNotifications())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n1, err := cl.NextNotification(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":7,"r":"again"}`, string(n1.Value.(json.RawMessage)))
	n2, err := cl.NextNotification(ctx)
	require.NoError(t, err)
	assert.False(t, n2.HasCorrelationID())
}

func TestCallRejectsEmptyAndDuplicateIDs(t *testing.T) {
	cl, _ := newClient(t)
	_, err := cl.Call(context.Background(), "", "x")
	assert.ErrorIs(t, err, api.ErrInvalidArgument)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = cl.Call(ctx, "dup", map[string]string{"id": "dup"})
	}()
	<-started
	assert.Eventually(t, func() bool { return cl.sched.Pending("dup") }, time.Second, time.Millisecond)

	_, err = cl.Call(context.Background(), "dup", map[string]string{"id": "dup"})
	assert.ErrorIs(t, err, &api.CorrelationError{Kind: api.CorrelationDuplicate})
	cancel()
	assert.Eventually(t, func() bool { return cl.Outstanding() == 0 }, time.Second, time.Millisecond)
}

func TestCallTimesOut(t *testing.T) {
	cl, _ := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := cl.Call(ctx, NewCorrelationID(), map[string]int{"id": 1})
	assert.ErrorIs(t, err, api.ErrWaitTimeout)
	assert.Zero(t, cl.Outstanding())
}

func TestCallSendFailure(t *testing.T) {
	cl, tr := newClient(t)
	tr.SetSendError(api.ErrTransportClosed)
	_, err := cl.Call(context.Background(), "1", map[string]int{"id": 1})
	assert.ErrorIs(t, err, api.ErrTransportClosed)
	assert.False(t, cl.sched.Pending("1"))
}

func TestNextNotificationWaits(t *testing.T) {
	cl, _ := newClient(t)

	got := make(chan *api.Message, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m, err := cl.NextNotification(ctx)
		assert.NoError(t, err)
		got <- m
	}()
	time.Sleep(10 * time.Millisecond)
	receive(t, cl, `{"event":"late"}`)
	m := <-got
	require.NotNil(t, m)
	assert.JSONEq(t, `{"event":"late"}`, string(m.Raw))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := cl.NextNotification(ctx)
	assert.ErrorIs(t, err, api.ErrWaitTimeout)
}

func TestNextNotificationEndsOnClose(t *testing.T) {
	cl, _ := newClient(t)
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = cl.Close(nil)
	}()
	_, err := cl.NextNotification(context.Background())
	assert.ErrorIs(t, err, api.ErrConnectionClosing)
}

func TestNewCorrelationIDUnique(t *testing.T) {
	a, b := NewCorrelationID(), NewCorrelationID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
