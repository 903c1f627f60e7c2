// File: codec/codec.go
// Package codec implements the framing contract for self-delimiting wire formats.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Every codec decodes a buffer message by message, yields each clean frame
// and surfaces a decode error only at the point it occurs. The same Decode
// path serves live transport buffers and capture file replay.

package codec

import (
	"fmt"

	"github.com/momentics/hioload-net/api"
)

// MaxFramePayload bounds a single frame to protect against resource exhaustion.
const MaxFramePayload = 1 << 20 // 1 MiB

// New returns a fresh codec instance by configuration name.
func New(name string) (api.Codec, error) {
	switch name {
	case "json", "":
		return JSONStream{}, nil
	case "varint":
		return Varint{}, nil
	case "line":
		return Line{}, nil
	}
	return nil, api.NewError(api.ErrCodeInvalidArgument, "unknown codec").WithContext("codec", name)
}

// Names lists the codecs accepted by New.
func Names() []string { return []string{"json", "varint", "line"} }

// DecodeAll drains c.Decode(buf). It returns the clean frames and, if one
// occurred, the decode error that stopped the cursor.
func DecodeAll(c api.Codec, buf []byte) ([]api.Frame, error) {
	var frames []api.Frame
	for f, err := range c.Decode(buf) {
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// EncodeMessage encodes v and returns it as a message carrying meta, so
// callers that persist outgoing traffic keep alias and timestamp.
func EncodeMessage(c api.Codec, v any, meta api.Metadata) (*api.Message, error) {
	raw, err := c.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("%s encode: %w", c.Name(), err)
	}
	return api.NewMessage(c, api.Frame{Raw: raw, Value: v}, meta), nil
}

func decodeError(offset int, buf []byte, err error) *api.DecodeError {
	return &api.DecodeError{Offset: offset, Raw: buf[offset:], Err: err}
}
