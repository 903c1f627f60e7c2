// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fake

import (
	"sync"

	"github.com/momentics/hioload-net/api"
)

// Stats records every observer callback.
type Stats struct {
	mu          sync.Mutex
	Connects    int
	Disconnects []error
	Received    int
	Processed   int
	Sent        int
}

var _ api.StatsObserver = (*Stats)(nil)

func (s *Stats) OnConnect(api.ConnContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Connects++
}

func (s *Stats) OnBufferReceived(_ api.ConnContext, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Received += n
}

func (s *Stats) OnMessageProcessed(api.ConnContext, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Processed++
}

func (s *Stats) OnMessageSent(api.ConnContext, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Sent++
}

func (s *Stats) OnDisconnect(_ api.ConnContext, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Disconnects = append(s.Disconnects, cause)
}

// Snapshot returns a copy safe to inspect.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Connects:    s.Connects,
		Disconnects: append([]error(nil), s.Disconnects...),
		Received:    s.Received,
		Processed:   s.Processed,
		Sent:        s.Sent,
	}
}
