// File: codec/line.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package codec

import (
	"bytes"
	"fmt"
	"iter"
	"strings"

	"github.com/momentics/hioload-net/api"
)

// Line decodes newline-terminated text records. Values are strings without
// the terminator. A record of the form "<id> <text>" whose first token is a
// "#"-prefixed word carries that word (minus "#") as its correlation id.
type Line struct{}

var (
	_ api.Codec      = Line{}
	_ api.Correlator = Line{}
)

func (Line) Name() string { return "line" }

func (Line) Decode(buf []byte) iter.Seq2[api.Frame, error] {
	return func(yield func(api.Frame, error) bool) {
		off := 0
		for off < len(buf) {
			i := bytes.IndexByte(buf[off:], '\n')
			if i < 0 {
				if len(buf)-off > MaxFramePayload {
					yield(api.Frame{}, decodeError(off, buf, fmt.Errorf("line exceeds maximum allowed size")))
					return
				}
				yield(api.Frame{}, decodeError(off, buf, fmt.Errorf("%w: missing newline", api.ErrIncomplete)))
				return
			}
			end := off + i + 1
			if !yield(api.Frame{Raw: buf[off:end], Value: string(buf[off : end-1])}, nil) {
				return
			}
			off = end
		}
	}
}

func (Line) Encode(v any) ([]byte, error) {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case []byte:
		s = string(x)
	case fmt.Stringer:
		s = x.String()
	default:
		return nil, fmt.Errorf("line codec cannot encode %T", v)
	}
	if strings.ContainsRune(s, '\n') {
		return nil, fmt.Errorf("line codec value contains a newline")
	}
	return append([]byte(s), '\n'), nil
}

func (Line) CorrelationID(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, "#") {
		return "", false
	}
	id, _, _ := strings.Cut(s[1:], " ")
	return id, id != ""
}
