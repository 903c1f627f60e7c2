// File: capture/capture.go
// Package capture records received buffers to a file and replays them.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A capture file starts with a four byte magic followed by records:
//
//	uvarint unix-nanos | uvarint len + alias | uvarint len + peer | uvarint len + payload
//
// The whole stream may be zstd compressed; Open detects this on its own.

package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/multiformats/go-varint"
	"go.uber.org/multierr"

	"github.com/momentics/hioload-net/api"
)

var (
	magic     = []byte("HNC1")
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// ErrBadMagic is returned by Open for files that are not captures.
var ErrBadMagic = errors.New("capture: not a capture file")

// maxField bounds any single length-prefixed field read back from disk.
const maxField = 16 << 20

// Record is one recorded buffer with the metadata it arrived with.
type Record struct {
	Meta api.Metadata
	Data []byte
}

// Recorder is a PreAction appending every received buffer to a file.
type Recorder struct {
	mu     sync.Mutex
	file   *os.File
	zw     *zstd.Encoder
	w      *bufio.Writer
	closed bool
	logger *slog.Logger
}

var _ api.PreAction = (*Recorder)(nil)

// RecorderOption customizes a Recorder.
type RecorderOption func(*recorderOptions)

type recorderOptions struct {
	compress bool
	logger   *slog.Logger
}

// WithCompression enables zstd compression of the capture stream.
func WithCompression(on bool) RecorderOption {
	return func(o *recorderOptions) { o.compress = on }
}

// WithLogger sets the recorder logger.
func WithLogger(l *slog.Logger) RecorderOption {
	return func(o *recorderOptions) { o.logger = l }
}

// Create truncates path and returns a Recorder writing to it.
func Create(path string, opts ...RecorderOption) (*Recorder, error) {
	o := recorderOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("capture: create %s: %w", path, err)
	}
	r := &Recorder{file: f, logger: o.logger.With("component", "capture", "path", path)}
	var sink io.Writer = f
	if o.compress {
		zw, err := zstd.NewWriter(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("capture: zstd writer: %w", err)
		}
		r.zw = zw
		sink = zw
	}
	r.w = bufio.NewWriter(sink)
	if _, err := r.w.Write(magic); err != nil {
		_ = r.Close(context.Background())
		return nil, err
	}
	return r, nil
}

// Do appends one record.
func (r *Recorder) Do(_ context.Context, buf []byte, meta api.Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return api.ErrTransportClosed
	}
	ts := meta.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	r.w.Write(varint.ToUvarint(uint64(ts.UnixNano())))
	writeField(r.w, []byte(meta.Alias))
	writeField(r.w, []byte(meta.PeerAddr))
	writeField(r.w, buf)
	// bufio keeps the first write error sticky; Flush reports it.
	return r.w.Flush()
}

func writeField(w *bufio.Writer, b []byte) {
	w.Write(varint.ToUvarint(uint64(len(b))))
	w.Write(b)
}

// Close flushes and closes the file. Safe to call twice.
func (r *Recorder) Close(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.w.Flush()
	if r.zw != nil {
		err = multierr.Append(err, r.zw.Close())
	}
	err = multierr.Append(err, r.file.Close())
	if err != nil {
		r.logger.Warn("capture close failed", "error", err)
	}
	return err
}

// Reader iterates the records of a capture file.
type Reader struct {
	file *os.File
	zr   *zstd.Decoder
	br   *bufio.Reader
}

// Open opens a capture file, compressed or not.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("capture: open %s: %w", path, err)
	}
	rd := &Reader{file: f}
	br := bufio.NewReader(f)
	head, err := br.Peek(4)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %w", ErrBadMagic, err)
	}
	if bytes.Equal(head, zstdMagic) {
		zr, err := zstd.NewReader(br)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("capture: zstd reader: %w", err)
		}
		rd.zr = zr
		br = bufio.NewReader(zr)
	}
	got := make([]byte, len(magic))
	if _, err := io.ReadFull(br, got); err != nil || !bytes.Equal(got, magic) {
		rd.Close()
		return nil, ErrBadMagic
	}
	rd.br = br
	return rd, nil
}

// Records yields records in file order. A truncated trailing record is
// reported as io.ErrUnexpectedEOF.
func (rd *Reader) Records() iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for {
			rec, err := rd.next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(rec, err) || err != nil {
				return
			}
		}
	}
}

func (rd *Reader) next() (Record, error) {
	ts, err := varint.ReadUvarint(rd.br)
	if err != nil {
		return Record{}, err
	}
	alias, err := rd.field()
	if err != nil {
		return Record{}, err
	}
	peer, err := rd.field()
	if err != nil {
		return Record{}, err
	}
	data, err := rd.field()
	if err != nil {
		return Record{}, err
	}
	return Record{
		Meta: api.Metadata{Alias: string(alias), PeerAddr: string(peer), Timestamp: time.Unix(0, int64(ts))},
		Data: data,
	}, nil
}

func (rd *Reader) field() ([]byte, error) {
	n, err := varint.ReadUvarint(rd.br)
	if err != nil {
		return nil, unexpected(err)
	}
	if n > maxField {
		return nil, fmt.Errorf("capture: field of %d bytes exceeds limit", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(rd.br, b); err != nil {
		return nil, unexpected(err)
	}
	return b, nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Close releases the file.
func (rd *Reader) Close() error {
	if rd.zr != nil {
		rd.zr.Close()
	}
	return rd.file.Close()
}
