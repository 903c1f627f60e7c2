// File: api/codec.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Framing contract shared by live transports and capture replay.

package api

import (
	"iter"
	"time"
)

// Frame is one cleanly decoded unit: the exact bytes it consumed and the
// value those bytes decode to.
type Frame struct {
	Raw   []byte
	Value any
}

// Codec turns buffers into frames and values back into bytes.
//
// Decode advances a cursor over buf and yields every cleanly decoded frame
// with a nil error. If a frame cannot be decoded, Decode yields a single
// *DecodeError carrying the undecoded remainder and stops. Raw slices alias
// buf; callers that retain them must copy.
//
// Encode must satisfy: Encode(f.Value) == f.Raw for every frame produced by
// Decode of the same codec.
type Codec interface {
	Name() string
	Decode(buf []byte) iter.Seq2[Frame, error]
	Encode(v any) ([]byte, error)
}

// StreamDecoder is implemented by codecs whose last frame in a buffer can
// look complete and still grow when the next read arrives, such as a bare
// JSON number. DecodeStream reports such a frame as ErrIncomplete so a
// stream reader keeps it for the next buffer. Whole-message sources keep
// using Decode.
type StreamDecoder interface {
	DecodeStream(buf []byte) iter.Seq2[Frame, error]
}

// StreamDecode returns the decoder to run over a chunk of a byte stream.
func StreamDecode(c Codec) func([]byte) iter.Seq2[Frame, error] {
	if sd, ok := c.(StreamDecoder); ok {
		return sd.DecodeStream
	}
	return c.Decode
}

// Correlator is implemented by codecs whose values may carry a request id.
type Correlator interface {
	CorrelationID(v any) (string, bool)
}

// Metadata is the contextual information attached to a buffer or message.
// It travels with encoded bytes so capture files can replay faithfully.
type Metadata struct {
	Alias     string
	PeerAddr  string
	Timestamp time.Time
}

// Message is an immutable decoded unit owned by whichever task processes it.
type Message struct {
	Raw           []byte
	Value         any
	CorrelationID string
	ReceivedAt    time.Time
	Sender        Metadata
}

// HasCorrelationID reports whether the message carries a request id.
func (m *Message) HasCorrelationID() bool {
	return m.CorrelationID != ""
}

// NewMessage builds a Message from a frame, copying Raw so the message does
// not alias a reusable read buffer.
func NewMessage(c Codec, f Frame, meta Metadata) *Message {
	raw := make([]byte, len(f.Raw))
	copy(raw, f.Raw)
	m := &Message{
		Raw:        raw,
		Value:      f.Value,
		ReceivedAt: meta.Timestamp,
		Sender:     meta,
	}
	if cr, ok := c.(Correlator); ok {
		if id, ok := cr.CorrelationID(f.Value); ok {
			m.CorrelationID = id
		}
	}
	return m
}
