// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fake

import (
	"context"
	"sync"

	"github.com/momentics/hioload-net/api"
)

// Action is a recording api.Action. Behavior is programmed through the
// exported funcs; nil funcs fall back to echoing the message value.
type Action struct {
	ProcessFunc     func(ctx context.Context, cc api.ConnContext, msg *api.Message) (any, error)
	FilterFunc      func(msg *api.Message) bool
	DecodeErrorFunc func(raw []byte, err error) any
	ExceptionFunc   func(msg *api.Message, err error) any
	StartErr        error
	CloseErr        error

	mu           sync.Mutex
	processed    []*api.Message
	decodeErrors []error
	exceptions   []error
	started      int
	closed       int
}

var _ api.Action = (*Action)(nil)

func (a *Action) Start(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started++
	return a.StartErr
}

func (a *Action) Close(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed++
	return a.CloseErr
}

func (a *Action) Filter(msg *api.Message) bool {
	if a.FilterFunc != nil {
		return a.FilterFunc(msg)
	}
	return true
}

func (a *Action) Process(ctx context.Context, cc api.ConnContext, msg *api.Message) (any, error) {
	var (
		resp any
		err  error
	)
	if a.ProcessFunc != nil {
		resp, err = a.ProcessFunc(ctx, cc, msg)
	} else {
		resp = msg.Value
	}
	a.mu.Lock()
	a.processed = append(a.processed, msg)
	a.mu.Unlock()
	return resp, err
}

func (a *Action) OnDecodeError(_ context.Context, _ api.ConnContext, raw []byte, err error) any {
	a.mu.Lock()
	a.decodeErrors = append(a.decodeErrors, err)
	a.mu.Unlock()
	if a.DecodeErrorFunc != nil {
		return a.DecodeErrorFunc(raw, err)
	}
	return nil
}

func (a *Action) OnException(_ context.Context, _ api.ConnContext, msg *api.Message, err error) any {
	a.mu.Lock()
	a.exceptions = append(a.exceptions, err)
	a.mu.Unlock()
	if a.ExceptionFunc != nil {
		return a.ExceptionFunc(msg, err)
	}
	return nil
}

// Processed returns the messages passed to Process, in call order.
func (a *Action) Processed() []*api.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*api.Message(nil), a.processed...)
}

// DecodeErrors returns the errors passed to OnDecodeError.
func (a *Action) DecodeErrors() []error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]error(nil), a.decodeErrors...)
}

// Exceptions returns the errors passed to OnException.
func (a *Action) Exceptions() []error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]error(nil), a.exceptions...)
}

// Lifecycle returns how often Start and Close were called.
func (a *Action) Lifecycle() (started, closed int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started, a.closed
}
