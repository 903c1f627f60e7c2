// File: codec/varint.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package codec

import (
	"errors"
	"fmt"
	"iter"

	"github.com/multiformats/go-varint"

	"github.com/momentics/hioload-net/api"
)

// Varint frames opaque payloads with an unsigned varint length prefix.
// Decoded values are []byte copies of the payload.
type Varint struct{}

var _ api.Codec = Varint{}

func (Varint) Name() string { return "varint" }

func (Varint) Decode(buf []byte) iter.Seq2[api.Frame, error] {
	return func(yield func(api.Frame, error) bool) {
		off := 0
		for off < len(buf) {
			length, n, err := varint.FromUvarint(buf[off:])
			if err != nil {
				if errors.Is(err, varint.ErrUnderflow) {
					err = fmt.Errorf("%w: length prefix: %w", api.ErrIncomplete, err)
				}
				yield(api.Frame{}, decodeError(off, buf, err))
				return
			}
			if length > MaxFramePayload {
				yield(api.Frame{}, decodeError(off, buf,
					fmt.Errorf("frame payload of %d bytes exceeds maximum allowed size", length)))
				return
			}
			end := off + n + int(length)
			if end > len(buf) {
				yield(api.Frame{}, decodeError(off, buf,
					fmt.Errorf("%w: need %d bytes, have %d", api.ErrIncomplete, end-off, len(buf)-off)))
				return
			}
			payload := make([]byte, length)
			copy(payload, buf[off+n:end])
			if !yield(api.Frame{Raw: buf[off:end], Value: payload}, nil) {
				return
			}
			off = end
		}
	}
}

// Encode accepts []byte or string payloads.
func (Varint) Encode(v any) ([]byte, error) {
	var payload []byte
	switch x := v.(type) {
	case []byte:
		payload = x
	case string:
		payload = []byte(x)
	default:
		return nil, fmt.Errorf("varint codec cannot encode %T", v)
	}
	if len(payload) > MaxFramePayload {
		return nil, errors.New("frame payload exceeds maximum allowed size")
	}
	out := make([]byte, 0, varint.UvarintSize(uint64(len(payload)))+len(payload))
	out = append(out, varint.ToUvarint(uint64(len(payload)))...)
	return append(out, payload...), nil
}
