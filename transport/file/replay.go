// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package file replays capture files through live connections. Each
// recorded peer gets its own connection, and every record is delivered
// with the timestamp it was captured at.
package file

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/capture"
	"github.com/momentics/hioload-net/transport"
)

// OpenFunc attaches a receiver for a recorded peer.
type OpenFunc func(ctx context.Context, p *Peer) (transport.Receiver, error)

// Peer is the transport of one replayed peer. Responses are counted and
// discarded.
type Peer struct {
	addr    string
	path    string
	written atomic.Int64

	mu     sync.Mutex
	closed bool
}

var _ api.Transport = (*Peer)(nil)

// LocalAddr returns the capture file path.
func (p *Peer) LocalAddr() string { return p.path }

// RemoteAddr returns the recorded peer address.
func (p *Peer) RemoteAddr() string { return p.addr }

// Written returns the number of bytes written back to this peer.
func (p *Peer) Written() int64 { return p.written.Load() }

func (p *Peer) Write(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, api.ErrTransportClosed
	}
	p.written.Add(int64(len(buf)))
	return len(buf), nil
}

func (p *Peer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Stats summarizes a replay.
type Stats struct {
	Records int
	Peers   int
	Skipped int
}

// Replay feeds every record of the capture at path to the receiver of its
// peer. Receivers are closed when the file is exhausted or ctx ends.
func Replay(ctx context.Context, path string, open OpenFunc, logger *slog.Logger) (Stats, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "replay", "path", path)
	rd, err := capture.Open(path)
	if err != nil {
		return Stats{}, err
	}
	defer rd.Close()

	var st Stats
	receivers := make(map[string]transport.Receiver)
	rejected := make(map[string]bool)
	var errs error
	for rec, err := range rd.Records() {
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("replay %s: %w", path, err))
			break
		}
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
		peer := rec.Meta.PeerAddr
		if rejected[peer] {
			st.Skipped++
			continue
		}
		rcv, ok := receivers[peer]
		if !ok {
			rcv, err = open(ctx, &Peer{addr: peer, path: path})
			if err != nil {
				logger.Warn("replay peer rejected", "peer", peer, "error", err)
				rejected[peer] = true
				st.Skipped++
				continue
			}
			receivers[peer] = rcv
			st.Peers++
		}
		if err := rcv.OnDataReceived(ctx, rec.Data, rec.Meta.Timestamp); err != nil {
			logger.Warn("replay record not processed", "peer", peer, "error", err)
			st.Skipped++
			continue
		}
		st.Records++
	}
	for _, rcv := range receivers {
		errs = multierr.Append(errs, rcv.Close(nil))
	}
	logger.Info("replay finished", "records", st.Records, "peers", st.Peers, "skipped", st.Skipped)
	return st, errs
}
