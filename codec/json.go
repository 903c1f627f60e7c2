// File: codec/json.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"

	"github.com/momentics/hioload-net/api"
)

// JSONStream decodes concatenated JSON documents. Values are
// json.RawMessage holding the exact bytes of their frame. A frame runs from
// the end of the previous one through the whitespace following its
// document, so the frames of a buffer cover it completely and re-encoding a
// decoded value reproduces the consumed slice.
type JSONStream struct{}

var (
	_ api.Codec         = JSONStream{}
	_ api.StreamDecoder = JSONStream{}
	_ api.Correlator    = JSONStream{}
)

func (JSONStream) Name() string { return "json" }

// Decode treats the end of buf as the end of the last document.
func (JSONStream) Decode(buf []byte) iter.Seq2[api.Frame, error] {
	return decodeJSON(buf, false)
}

// DecodeStream is Decode for a chunk of a byte stream: a top-level number
// running up to the end of buf may continue in the next chunk and is
// reported as incomplete.
func (JSONStream) DecodeStream(buf []byte) iter.Seq2[api.Frame, error] {
	return decodeJSON(buf, true)
}

var errJSONTooLarge = errors.New("frame payload exceeds maximum allowed size")

func decodeJSON(buf []byte, stream bool) iter.Seq2[api.Frame, error] {
	return func(yield func(api.Frame, error) bool) {
		dec := json.NewDecoder(bytes.NewReader(buf))
		start := 0
		for start < len(buf) {
			var raw json.RawMessage
			err := dec.Decode(&raw)
			if errors.Is(err, io.EOF) {
				// only whitespace left
				return
			}
			if err != nil {
				if errors.Is(err, io.ErrUnexpectedEOF) {
					if len(buf)-start > MaxFramePayload {
						err = errJSONTooLarge
					} else {
						err = fmt.Errorf("%w: %w", api.ErrIncomplete, err)
					}
				}
				yield(api.Frame{}, decodeError(start, buf, err))
				return
			}
			end := int(dec.InputOffset())
			if end-start > MaxFramePayload {
				yield(api.Frame{}, decodeError(start, buf, errJSONTooLarge))
				return
			}
			if stream && end == len(buf) && isJSONNumber(raw) {
				yield(api.Frame{}, decodeError(start, buf,
					fmt.Errorf("%w: number at end of stream chunk", api.ErrIncomplete)))
				return
			}
			for end < len(buf) && isJSONSpace(buf[end]) {
				end++
			}
			frame := buf[start:end:end]
			if !yield(api.Frame{Raw: frame, Value: json.RawMessage(frame)}, nil) {
				return
			}
			start = end
		}
	}
}

func isJSONNumber(raw []byte) bool {
	raw = bytes.TrimLeft(raw, " \t\r\n")
	return len(raw) > 0 && (raw[0] == '-' || (raw[0] >= '0' && raw[0] <= '9'))
}

func isJSONSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}

// Encode passes raw JSON through unchanged and marshals anything else.
func (JSONStream) Encode(v any) ([]byte, error) {
	switch x := v.(type) {
	case json.RawMessage:
		if !json.Valid(x) {
			return nil, errors.New("invalid raw JSON")
		}
		return []byte(x), nil
	case []byte:
		if !json.Valid(x) {
			return nil, errors.New("invalid raw JSON")
		}
		return x, nil
	}
	return json.Marshal(v)
}

// CorrelationID extracts a top-level "id" member. String ids are unquoted,
// numeric ids keep their textual form.
func (JSONStream) CorrelationID(v any) (string, bool) {
	var raw []byte
	switch x := v.(type) {
	case json.RawMessage:
		raw = x
	case []byte:
		raw = x
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		raw = b
	}
	var env struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &env); err != nil || len(env.ID) == 0 || string(env.ID) == "null" {
		return "", false
	}
	if env.ID[0] == '"' {
		s, err := strconv.Unquote(string(env.ID))
		if err != nil || s == "" {
			return "", false
		}
		return s, true
	}
	return string(env.ID), true
}
