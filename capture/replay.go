// File: capture/replay.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package capture

import (
	"errors"
	"iter"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/codec"
)

// Decode replays the records of rd through c and yields one message per
// decoded frame, with the sender metadata of the record it came from.
// Frames split across records of the same peer are reassembled, and what a
// peer left pending when the file ends is decoded as a final buffer. Decode
// errors are yielded in place and decoding continues with the next record.
func Decode(rd *Reader, c api.Codec) iter.Seq2[*api.Message, error] {
	return func(yield func(*api.Message, error) bool) {
		type tail struct {
			data []byte
			meta api.Metadata
		}
		pending := make(map[string]tail)
		var order []string
		decodeStream := api.StreamDecode(c)

		// emit yields the frames of data; it returns the incomplete rest and
		// false once the consumer stopped.
		emit := func(decode func([]byte) iter.Seq2[api.Frame, error], data []byte, meta api.Metadata) ([]byte, bool) {
			for f, err := range decode(data) {
				if err != nil {
					var de *api.DecodeError
					if errors.Is(err, api.ErrIncomplete) && errors.As(err, &de) && len(de.Raw) <= codec.MaxFramePayload {
						return append([]byte(nil), de.Raw...), true
					}
					return nil, yield(nil, err)
				}
				if !yield(api.NewMessage(c, f, meta), nil) {
					return nil, false
				}
			}
			return nil, true
		}

		for rec, err := range rd.Records() {
			if err != nil {
				yield(nil, err)
				return
			}
			peer := rec.Meta.PeerAddr
			data := rec.Data
			if t, ok := pending[peer]; ok {
				data = append(t.data, data...)
				delete(pending, peer)
			}
			rest, more := emit(decodeStream, data, rec.Meta)
			if !more {
				return
			}
			if len(rest) > 0 {
				if _, seen := pending[peer]; !seen {
					order = append(order, peer)
				}
				pending[peer] = tail{data: rest, meta: rec.Meta}
			}
		}
		for _, peer := range order {
			t, ok := pending[peer]
			if !ok {
				continue
			}
			delete(pending, peer)
			rest, more := emit(c.Decode, t.data, t.meta)
			if !more {
				return
			}
			if len(rest) > 0 {
				if !yield(nil, &api.DecodeError{Raw: rest, Err: api.ErrIncomplete}) {
					return
				}
			}
		}
	}
}
