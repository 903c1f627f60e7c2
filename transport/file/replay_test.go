// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package file

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/capture"
	"github.com/momentics/hioload-net/transport"
)

// echoReceiver writes every buffer back to its peer.
type echoReceiver struct {
	peer *Peer

	mu     sync.Mutex
	stamps []time.Time
	closed bool
}

func (r *echoReceiver) OnDataReceived(_ context.Context, buf []byte, ts time.Time) error {
	r.mu.Lock()
	r.stamps = append(r.stamps, ts)
	r.mu.Unlock()
	_, err := r.peer.Write(buf)
	return err
}

func (r *echoReceiver) Close(error) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.peer.Close()
}

func writeCapture(t *testing.T, chunks ...[2]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "peers.cap")
	rec, err := capture.Create(path)
	require.NoError(t, err)
	base := time.Unix(1_700_000_000, 0)
	for i, c := range chunks {
		require.NoError(t, rec.Do(context.Background(), []byte(c[1]), api.Metadata{
			PeerAddr: c[0], Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, rec.Close(context.Background()))
	return path
}

func TestReplayPerPeer(t *testing.T) {
	path := writeCapture(t,
		[2]string{"10.0.0.1:1", "abc"},
		[2]string{"10.0.0.2:1", "de"},
		[2]string{"10.0.0.1:1", "fghi"},
		[2]string{"10.0.0.9:1", "zz"},
	)

	receivers := map[string]*echoReceiver{}
	open := func(_ context.Context, p *Peer) (transport.Receiver, error) {
		if p.RemoteAddr() == "10.0.0.9:1" {
			return nil, &api.UnauthorizedSenderError{Peer: p.RemoteAddr()}
		}
		assert.Equal(t, path, p.LocalAddr())
		r := &echoReceiver{peer: p}
		receivers[p.RemoteAddr()] = r
		return r, nil
	}

	st, err := Replay(context.Background(), path, open, nil)
	require.NoError(t, err)
	assert.Equal(t, Stats{Records: 3, Peers: 2, Skipped: 1}, st)

	first := receivers["10.0.0.1:1"]
	require.NotNil(t, first)
	assert.EqualValues(t, 7, first.peer.Written())
	assert.EqualValues(t, 2, receivers["10.0.0.2:1"].peer.Written())
	assert.True(t, first.closed)
	require.Len(t, first.stamps, 2)
	assert.Equal(t, 2*time.Second, first.stamps[1].Sub(first.stamps[0]))

	_, err = first.peer.Write([]byte("x"))
	assert.ErrorIs(t, err, api.ErrTransportClosed)
}

func TestReplayMissingFile(t *testing.T) {
	_, err := Replay(context.Background(), filepath.Join(t.TempDir(), "nope.cap"), nil, nil)
	assert.Error(t, err)
}

func TestReplayStopsOnCanceledContext(t *testing.T) {
	path := writeCapture(t, [2]string{"10.0.0.1:1", "abc"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st, err := Replay(ctx, path, func(context.Context, *Peer) (transport.Receiver, error) {
		return nil, errors.New("not reached")
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, st.Records)
}
