// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/codec"
	"github.com/momentics/hioload-net/fake"
	"github.com/momentics/hioload-net/internal/registry"
)

const peer = "10.0.0.1:4000"

type harness struct {
	conn   *Connection
	tr     *fake.Transport
	action *fake.Action
	stats  *fake.Stats
	reg    *registry.Registry
}

func newHarness(t *testing.T, role api.Role, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		tr:     fake.NewTransport(),
		action: &fake.Action{},
		stats:  &fake.Stats{},
		reg:    registry.New(nil),
	}
	cfg := Config{
		Listener: "L",
		Role:     role,
		Codec:    codec.Line{},
		Action:   h.action,
		Registry: h.reg,
		Stats:    h.stats,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(h.tr, cfg)
	require.NoError(t, err)
	h.conn = c
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.conn.Initialize(context.Background(), "127.0.0.1:9000", peer))
	t.Cleanup(func() { _ = h.conn.Close(nil) })
}

func (h *harness) feed(t *testing.T, data string) {
	t.Helper()
	require.NoError(t, h.conn.OnDataReceived(context.Background(), []byte(data), time.Now()))
}

func waitSent(t *testing.T, tr *fake.Transport, n int) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sent, err := tr.WaitSent(ctx, n)
	require.NoError(t, err)
	out := make([]string, len(sent))
	for i, b := range sent {
		out[i] = string(b)
	}
	return out
}

func values(msgs []*api.Message) []any {
	out := make([]any, len(msgs))
	for i, m := range msgs {
		out[i] = m.Value
	}
	return out
}

func TestNewRejectsClientRole(t *testing.T) {
	_, err := New(fake.NewTransport(), Config{Role: api.RoleClient, Codec: codec.Line{}, Registry: registry.New(nil)})
	assert.ErrorIs(t, err, api.ErrRoleMismatch)

	_, err = New(fake.NewTransport(), Config{Role: api.RoleServer, Registry: registry.New(nil)})
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestInitializeRegisters(t *testing.T) {
	h := newHarness(t, api.RoleServer, func(c *Config) {
		c.Authorizer = &fake.Authorizer{Aliases: map[string]string{peer: "gateway"}}
	})
	h.start(t)

	assert.Equal(t, api.StateActive, h.conn.State())
	assert.Equal(t, "gateway", h.conn.Context().Alias)
	assert.False(t, h.conn.Context().ConnectedAt.IsZero())
	got, ok := h.reg.Get(peer)
	require.True(t, ok)
	assert.Same(t, h.conn, got)
	assert.Equal(t, 1, h.stats.Snapshot().Connects)

	err := h.conn.Initialize(context.Background(), "", peer)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestUnauthorizedPeerIsRejected(t *testing.T) {
	h := newHarness(t, api.RoleServer, func(c *Config) {
		c.Authorizer = &fake.Authorizer{Aliases: map[string]string{"10.9.9.9:1": "other"}}
	})
	err := h.conn.Initialize(context.Background(), "127.0.0.1:9000", peer)

	var ue *api.UnauthorizedSenderError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, peer, ue.Peer)
	assert.True(t, h.tr.Closed())
	assert.Equal(t, api.StateClosed, h.conn.State())
	_, ok := h.reg.Get(peer)
	assert.False(t, ok)
	assert.Zero(t, h.reg.TotalConnections("L"))

	snap := h.stats.Snapshot()
	assert.Zero(t, snap.Connects)
	require.Len(t, snap.Disconnects, 1)
	assert.ErrorAs(t, snap.Disconnects[0], &ue)

	assert.ErrorIs(t, h.conn.OnDataReceived(context.Background(), []byte("x\n"), time.Now()), api.ErrConnectionClosing)
	assert.Empty(t, h.action.Processed())
}

func TestAuthorizerTimeout(t *testing.T) {
	h := newHarness(t, api.RoleServer, func(c *Config) {
		c.Authorizer = &fake.Authorizer{Aliases: map[string]string{peer: "a"}, Delay: time.Second}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.conn.Initialize(ctx, "", peer)
	var ue *api.UnauthorizedSenderError
	assert.ErrorAs(t, err, &ue)
	assert.True(t, h.tr.Closed())
}

func TestAuthorizerPlainErrorIsWrapped(t *testing.T) {
	h := newHarness(t, api.RoleServer, func(c *Config) {
		c.Authorizer = api.AuthorizerFunc(func(context.Context, string) (string, error) {
			return "", errors.New("directory down")
		})
	})
	err := h.conn.Initialize(context.Background(), "", peer)
	var ue *api.UnauthorizedSenderError
	require.ErrorAs(t, err, &ue)
	assert.Contains(t, ue.Reason, "directory down")
}

func TestDuplicatePeerRejected(t *testing.T) {
	first := newHarness(t, api.RoleServer, nil)
	first.start(t)

	tr := fake.NewTransport()
	second, err := New(tr, Config{Listener: "L", Role: api.RoleServer, Codec: codec.Line{}, Registry: first.reg})
	require.NoError(t, err)
	err = second.Initialize(context.Background(), "", peer)
	assert.ErrorIs(t, err, api.ErrAlreadyExists)
	assert.True(t, tr.Closed())

	got, _ := first.reg.Get(peer)
	assert.Same(t, first.conn, got)
}

func TestListenerFullRejects(t *testing.T) {
	reg := registry.New(nil)
	reg.SetLimit("L", 1)
	stats := &fake.Stats{}
	mk := func() *Connection {
		c, err := New(fake.NewTransport(), Config{Listener: "L", Role: api.RoleServer, Codec: codec.Line{}, Registry: reg, Stats: stats})
		require.NoError(t, err)
		return c
	}
	a := mk()
	require.NoError(t, a.Initialize(context.Background(), "", "p1"))
	defer a.Close(nil)

	b := mk()
	assert.ErrorIs(t, b.Initialize(context.Background(), "", "p2"), api.ErrListenerFull)
	assert.Equal(t, 1, reg.NumConnections("L"))
	assert.Equal(t, 1, stats.Snapshot().Connects)
}

func TestReceiverProcessesInOrderWithoutReplies(t *testing.T) {
	delays := map[string]time.Duration{"a": 30 * time.Millisecond, "b": 10 * time.Millisecond, "c": 0}
	h := newHarness(t, api.RoleReceiver, nil)
	h.action.ProcessFunc = func(_ context.Context, _ api.ConnContext, msg *api.Message) (any, error) {
		time.Sleep(delays[msg.Value.(string)])
		return msg.Value, nil
	}
	h.start(t)

	h.feed(t, "a\nb\n")
	h.feed(t, "c\n")

	assert.Equal(t, []any{"a", "b", "c"}, values(h.action.Processed()))
	assert.Empty(t, h.tr.GetSentData())
	assert.Equal(t, 3, h.stats.Snapshot().Processed)
}

func TestServerRepliesAsTasksComplete(t *testing.T) {
	h := newHarness(t, api.RoleServer, nil)
	h.action.ProcessFunc = func(_ context.Context, _ api.ConnContext, msg *api.Message) (any, error) {
		if msg.Value == "slow" {
			time.Sleep(80 * time.Millisecond)
		}
		return "re " + msg.Value.(string), nil
	}
	h.start(t)

	h.feed(t, "slow\nfast\n")
	assert.Equal(t, []string{"re fast\n", "re slow\n"}, waitSent(t, h.tr, 2))
	assert.Eventually(t, func() bool { return h.stats.Snapshot().Sent == 2 }, time.Second, time.Millisecond)
}

func TestServerNilResponseSendsNothing(t *testing.T) {
	h := newHarness(t, api.RoleServer, nil)
	h.action.ProcessFunc = func(context.Context, api.ConnContext, *api.Message) (any, error) { return nil, nil }
	h.start(t)

	h.feed(t, "x\n")
	require.NoError(t, h.conn.Close(nil))
	assert.Empty(t, h.tr.GetSentData())
	assert.Len(t, h.action.Processed(), 1)
}

func TestFilterDropsMessages(t *testing.T) {
	h := newHarness(t, api.RoleServer, nil)
	h.action.FilterFunc = func(m *api.Message) bool { return m.Value != "skip" }
	h.start(t)

	h.feed(t, "skip\nkeep\n")
	assert.Equal(t, []string{"keep\n"}, waitSent(t, h.tr, 1))
	require.NoError(t, h.conn.Close(nil))
	assert.Equal(t, []any{"keep"}, values(h.action.Processed()))
}

func TestDecodeErrorKeepsConnectionOpen(t *testing.T) {
	h := newHarness(t, api.RoleServer, func(c *Config) { c.Codec = codec.JSONStream{} })
	h.action.DecodeErrorFunc = func(raw []byte, err error) any {
		return map[string]string{"error": "bad frame"}
	}
	h.start(t)

	h.feed(t, `{"a":1}xyz`)
	sent := waitSent(t, h.tr, 2)
	assert.ElementsMatch(t, []string{`{"a":1}`, `{"error":"bad frame"}`}, sent)

	errs := h.action.DecodeErrors()
	require.Len(t, errs, 1)
	var de *api.DecodeError
	require.ErrorAs(t, errs[0], &de)
	assert.Equal(t, []byte("xyz"), de.Raw)
	assert.Equal(t, api.StateActive, h.conn.State())

	h.feed(t, `{"b":2}`)
	waitSent(t, h.tr, 3)
}

func TestReceiverDecodeErrorIsNotAnswered(t *testing.T) {
	h := newHarness(t, api.RoleReceiver, nil)
	h.action.DecodeErrorFunc = func([]byte, error) any { return "nope" }
	h.start(t)

	h.feed(t, "ok\nno newline")
	assert.Len(t, h.action.DecodeErrors(), 1)
	assert.Empty(t, h.tr.GetSentData())
}

func TestExceptionResponse(t *testing.T) {
	boom := errors.New("boom")
	h := newHarness(t, api.RoleServer, nil)
	h.action.ProcessFunc = func(context.Context, api.ConnContext, *api.Message) (any, error) { return nil, boom }
	h.action.ExceptionFunc = func(msg *api.Message, err error) any {
		return fmt.Sprintf("error %v: %v", msg.Value, errors.Unwrap(err))
	}
	h.start(t)

	h.feed(t, "req\n")
	assert.Equal(t, []string{"error req: boom\n"}, waitSent(t, h.tr, 1))

	excs := h.action.Exceptions()
	require.Len(t, excs, 1)
	var ape *api.ActionProcessingError
	require.ErrorAs(t, excs[0], &ape)
	assert.Equal(t, "req", ape.Message.Value)
	assert.ErrorIs(t, excs[0], boom)
	assert.Equal(t, api.StateActive, h.conn.State())
}

func TestStreamingRemainder(t *testing.T) {
	h := newHarness(t, api.RoleReceiver, func(c *Config) { c.Streaming = true })
	h.start(t)

	h.feed(t, "he")
	h.feed(t, "llo\nwor")
	h.feed(t, "ld\n")
	assert.Equal(t, []any{"hello", "world"}, values(h.action.Processed()))
	assert.Empty(t, h.action.DecodeErrors())
}

func TestNonStreamingDropsPartialFrame(t *testing.T) {
	h := newHarness(t, api.RoleReceiver, nil)
	h.start(t)

	h.feed(t, "he")
	h.feed(t, "llo\n")
	assert.Equal(t, []any{"llo"}, values(h.action.Processed()))
	assert.Len(t, h.action.DecodeErrors(), 1)
}

type recordingPreAction struct {
	mu    sync.Mutex
	metas []api.Metadata
	bufs  []string
}

func (p *recordingPreAction) Do(_ context.Context, buf []byte, meta api.Metadata) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bufs = append(p.bufs, string(buf))
	p.metas = append(p.metas, meta)
	return errors.New("ignored")
}

func (p *recordingPreAction) Close(context.Context) error { return nil }

func TestPreActionsSeeRawBuffers(t *testing.T) {
	pa := &recordingPreAction{}
	h := newHarness(t, api.RoleReceiver, func(c *Config) {
		c.PreActions = []api.PreAction{pa}
		c.Authorizer = &fake.Authorizer{Aliases: map[string]string{peer: "gw"}}
	})
	h.start(t)

	ts := time.Unix(100, 0)
	require.NoError(t, h.conn.OnDataReceived(context.Background(), []byte("x\n"), ts))

	assert.Equal(t, []string{"x\n"}, pa.bufs)
	assert.Equal(t, api.Metadata{Alias: "gw", PeerAddr: peer, Timestamp: ts}, pa.metas[0])
	msgs := h.action.Processed()
	require.Len(t, msgs, 1)
	assert.Equal(t, "gw", msgs[0].Sender.Alias)
	assert.Equal(t, ts, msgs[0].ReceivedAt)
}

func TestCloseDrainTimeout(t *testing.T) {
	h := newHarness(t, api.RoleServer, func(c *Config) { c.CloseTimeout = 50 * time.Millisecond })
	release := make(chan struct{})
	h.action.ProcessFunc = func(context.Context, api.ConnContext, *api.Message) (any, error) {
		<-release
		return "late", nil
	}
	h.start(t)
	defer close(release)

	h.feed(t, "x\n")
	err := h.conn.Close(errors.New("peer gone"))

	var dte *api.DrainTimeoutError
	require.ErrorAs(t, err, &dte)
	assert.Equal(t, 1, dte.Pending)
	assert.Equal(t, api.StateClosed, h.conn.State())
	assert.True(t, h.tr.Closed())
	assert.Zero(t, h.reg.NumConnections("L"))
	assert.EqualError(t, h.stats.Snapshot().Disconnects[0], "peer gone")

	// idempotent
	assert.Equal(t, err, h.conn.Close(nil))
	assert.Equal(t, 1, h.tr.CloseCalls())
}

func TestCloseDrainsAndReplies(t *testing.T) {
	h := newHarness(t, api.RoleServer, nil)
	h.action.ProcessFunc = func(_ context.Context, _ api.ConnContext, msg *api.Message) (any, error) {
		time.Sleep(30 * time.Millisecond)
		return msg.Value, nil
	}
	h.start(t)

	h.feed(t, "a\nb\n")
	require.NoError(t, h.conn.Close(nil))
	assert.Len(t, h.tr.GetSentData(), 2)
	assert.Zero(t, h.conn.Outstanding())
	select {
	case <-h.conn.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestSendAndReceiveAfterClose(t *testing.T) {
	h := newHarness(t, api.RoleServer, nil)
	assert.ErrorIs(t, h.conn.Send(context.Background(), "x"), api.ErrNotActive)
	assert.ErrorIs(t, h.conn.OnDataReceived(context.Background(), []byte("x\n"), time.Now()), api.ErrNotActive)

	h.start(t)
	require.NoError(t, h.conn.Send(context.Background(), "hi"))
	require.NoError(t, h.conn.Close(nil))

	assert.ErrorIs(t, h.conn.Send(context.Background(), "x"), api.ErrConnectionClosing)
	assert.ErrorIs(t, h.conn.OnDataReceived(context.Background(), []byte("x\n"), time.Now()), api.ErrConnectionClosing)
	assert.Equal(t, []string{"hi\n"}, waitSent(t, h.tr, 1))
}

func TestSendEncodeFailure(t *testing.T) {
	h := newHarness(t, api.RoleServer, nil)
	h.start(t)
	assert.Error(t, h.conn.Send(context.Background(), 42))
	assert.Empty(t, h.tr.GetSentData())
}

func TestCloseBeforeInitialize(t *testing.T) {
	h := newHarness(t, api.RoleServer, nil)
	require.NoError(t, h.conn.Close(nil))
	assert.Equal(t, api.StateClosed, h.conn.State())
	assert.True(t, h.tr.Closed())
	assert.Empty(t, h.stats.Snapshot().Disconnects)
}

func TestPeriodicStopsOnClose(t *testing.T) {
	h := newHarness(t, api.RoleServer, nil)
	h.start(t)
	ticks := make(chan struct{}, 16)
	require.NoError(t, h.conn.Every(5*time.Millisecond, func(context.Context) {
		select {
		case ticks <- struct{}{}:
		default:
		}
	}))
	<-ticks
	require.NoError(t, h.conn.Close(nil))
	assert.Error(t, h.conn.Every(time.Millisecond, func(context.Context) {}))
}

func TestCloseToleratesTransportCloseError(t *testing.T) {
	second := &fake.Stats{}
	h := newHarness(t, api.RoleServer, func(c *Config) {
		c.Stats = api.MultiStats{c.Stats, second}
	})
	h.start(t)

	require.NoError(t, h.conn.Send(context.Background(), "hello"))
	waitSent(t, h.tr, 1)
	h.tr.ClearSentData()
	assert.Empty(t, h.tr.GetSentData())

	h.tr.SetCloseError(errors.New("socket already gone"))
	require.NoError(t, h.conn.Close(nil))
	assert.Equal(t, api.StateClosed, h.conn.State())
	assert.False(t, h.tr.Closed())
	assert.Zero(t, h.reg.NumConnections("L"))

	for _, st := range []*fake.Stats{h.stats, second} {
		snap := st.Snapshot()
		assert.Equal(t, 1, snap.Connects)
		assert.Equal(t, 1, snap.Sent)
		assert.Len(t, snap.Disconnects, 1)
	}
}

func TestCloseDuringFailingInitializeStaysClosed(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, api.RoleServer, func(c *Config) {
		c.Authorizer = api.AuthorizerFunc(func(context.Context, string) (string, error) {
			close(entered)
			<-release
			return "", errors.New("directory unavailable")
		})
	})

	initErr := make(chan error, 1)
	go func() { initErr <- h.conn.Initialize(context.Background(), "127.0.0.1:9000", peer) }()
	<-entered
	require.NoError(t, h.conn.Close(nil))
	assert.Equal(t, api.StateClosed, h.conn.State())

	close(release)
	var ue *api.UnauthorizedSenderError
	assert.ErrorAs(t, <-initErr, &ue)
	assert.Equal(t, api.StateClosed, h.conn.State())
	assert.Zero(t, h.reg.NumConnections("L"))
	assert.Empty(t, h.stats.Snapshot().Disconnects)
}

func TestStreamingNumberSplitAcrossReads(t *testing.T) {
	h := newHarness(t, api.RoleReceiver, func(c *Config) {
		c.Codec = codec.JSONStream{}
		c.Streaming = true
	})
	h.start(t)

	h.feed(t, "12")
	h.feed(t, "3 ")
	h.feed(t, `{"id":4}`)
	require.NoError(t, h.conn.Close(nil))

	var got []string
	for _, m := range h.action.Processed() {
		got = append(got, string(m.Raw))
	}
	assert.Equal(t, []string{"123 ", `{"id":4}`}, got)
	assert.Empty(t, h.action.DecodeErrors())
}

func TestStreamingRemainderIsBounded(t *testing.T) {
	h := newHarness(t, api.RoleReceiver, func(c *Config) {
		c.Codec = codec.JSONStream{}
		c.Streaming = true
	})
	h.start(t)

	h.feed(t, "[")
	chunk := strings.Repeat("1,", 32<<10)
	for range 20 {
		h.feed(t, chunk)
		assert.LessOrEqual(t, len(h.conn.remainder), codec.MaxFramePayload)
	}

	errs := h.action.DecodeErrors()
	require.NotEmpty(t, errs)
	assert.ErrorContains(t, errs[0], "maximum allowed size")
	assert.Equal(t, api.StateActive, h.conn.State())
}

// openEnded never completes a frame.
type openEnded struct{ codec.Line }

func (openEnded) Decode(buf []byte) iter.Seq2[api.Frame, error] {
	return func(yield func(api.Frame, error) bool) {
		yield(api.Frame{}, &api.DecodeError{Raw: buf, Err: api.ErrIncomplete})
	}
}

func TestStreamingRemainderBoundedForAnyCodec(t *testing.T) {
	h := newHarness(t, api.RoleReceiver, func(c *Config) {
		c.Codec = openEnded{}
		c.Streaming = true
	})
	h.start(t)

	half := make([]byte, codec.MaxFramePayload/2+1)
	require.NoError(t, h.conn.OnDataReceived(context.Background(), half, time.Now()))
	assert.Len(t, h.conn.remainder, len(half))
	require.NoError(t, h.conn.OnDataReceived(context.Background(), half, time.Now()))
	assert.Empty(t, h.conn.remainder)

	errs := h.action.DecodeErrors()
	require.Len(t, errs, 1)
	assert.ErrorContains(t, errs[0], "exceeds maximum allowed size")
}
