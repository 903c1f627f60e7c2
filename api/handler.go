// File: api/handler.go
// Package api defines the pluggable processing contracts.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "context"

// Action is the processing logic attached to a listener. The connection
// calls its methods per the dispatch rules of its role; a nil response
// means nothing is sent back.
type Action interface {
	Start(ctx context.Context) error
	Close(ctx context.Context) error

	// Filter returns false to drop a message before processing.
	Filter(msg *Message) bool
	Process(ctx context.Context, cc ConnContext, msg *Message) (any, error)
	OnDecodeError(ctx context.Context, cc ConnContext, raw []byte, err error) any
	OnException(ctx context.Context, cc ConnContext, msg *Message, err error) any
}

// PreAction observes every raw buffer before it is decoded, e.g. to record it.
type PreAction interface {
	Do(ctx context.Context, buf []byte, meta Metadata) error
	Close(ctx context.Context) error
}

// Authorizer resolves the alias of a remote address or returns an
// *UnauthorizedSenderError. Implementations may block.
type Authorizer interface {
	ResolveAlias(ctx context.Context, remoteAddr string) (string, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, remoteAddr string) (string, error)

func (f AuthorizerFunc) ResolveAlias(ctx context.Context, remoteAddr string) (string, error) {
	return f(ctx, remoteAddr)
}

// BaseAction provides no-op hooks; embed it and override Process.
type BaseAction struct{}

func (BaseAction) Start(context.Context) error { return nil }
func (BaseAction) Close(context.Context) error { return nil }
func (BaseAction) Filter(*Message) bool        { return true }

func (BaseAction) Process(context.Context, ConnContext, *Message) (any, error) { return nil, nil }

func (BaseAction) OnDecodeError(context.Context, ConnContext, []byte, error) any { return nil }

func (BaseAction) OnException(context.Context, ConnContext, *Message, error) any { return nil }
