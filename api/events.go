// File: api/events.go
// Package api defines the observational event contract.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// StatsObserver receives connection events. It is purely observational:
// implementations must not block and their behavior never gates control flow.
type StatsObserver interface {
	OnConnect(cc ConnContext)
	OnBufferReceived(cc ConnContext, n int)
	OnMessageProcessed(cc ConnContext, n int)
	OnMessageSent(cc ConnContext, n int)
	OnDisconnect(cc ConnContext, cause error)
}

// NopStats discards all events.
type NopStats struct{}

func (NopStats) OnConnect(ConnContext)               {}
func (NopStats) OnBufferReceived(ConnContext, int)   {}
func (NopStats) OnMessageProcessed(ConnContext, int) {}
func (NopStats) OnMessageSent(ConnContext, int)      {}
func (NopStats) OnDisconnect(ConnContext, error)     {}

// MultiStats fans events out to several observers.
type MultiStats []StatsObserver

func (m MultiStats) OnConnect(cc ConnContext) {
	for _, o := range m {
		o.OnConnect(cc)
	}
}

func (m MultiStats) OnBufferReceived(cc ConnContext, n int) {
	for _, o := range m {
		o.OnBufferReceived(cc, n)
	}
}

func (m MultiStats) OnMessageProcessed(cc ConnContext, n int) {
	for _, o := range m {
		o.OnMessageProcessed(cc, n)
	}
}

func (m MultiStats) OnMessageSent(cc ConnContext, n int) {
	for _, o := range m {
		o.OnMessageSent(cc, n)
	}
}

func (m MultiStats) OnDisconnect(cc ConnContext, cause error) {
	for _, o := range m {
		o.OnDisconnect(cc, cause)
	}
}
