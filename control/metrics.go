// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus-backed stats observer. Every series is labelled by listener.

package control

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/momentics/hioload-net/api"
)

// Stats implements api.StatsObserver on Prometheus collectors.
type Stats struct {
	connects          *prometheus.CounterVec
	disconnects       *prometheus.CounterVec
	active            *prometheus.GaugeVec
	buffersReceived   *prometheus.CounterVec
	bytesReceived     *prometheus.CounterVec
	messagesProcessed *prometheus.CounterVec
	bytesProcessed    *prometheus.CounterVec
	messagesSent      *prometheus.CounterVec
	bytesSent         *prometheus.CounterVec
}

var _ api.StatsObserver = (*Stats)(nil)

// NewStats creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is handy in tests.
func NewStats(reg prometheus.Registerer) (*Stats, error) {
	labels := []string{"listener"}
	counter := func(name, help string, extra ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hioload",
			Subsystem: "conn",
			Name:      name,
			Help:      help,
		}, append(labels, extra...))
	}
	s := &Stats{
		connects:    counter("connects_total", "Connections that completed initialization"),
		disconnects: counter("disconnects_total", "Connections closed, by outcome", "outcome"),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hioload",
			Subsystem: "conn",
			Name:      "active",
			Help:      "Currently active connections",
		}, labels),
		buffersReceived:   counter("buffers_received_total", "Transport buffers received"),
		bytesReceived:     counter("bytes_received_total", "Bytes received from transports"),
		messagesProcessed: counter("messages_processed_total", "Decoded messages handled"),
		bytesProcessed:    counter("bytes_processed_total", "Encoded size of handled messages"),
		messagesSent:      counter("messages_sent_total", "Messages written to transports"),
		bytesSent:         counter("bytes_sent_total", "Bytes written to transports"),
	}
	if reg == nil {
		return s, nil
	}
	for _, c := range s.collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				return nil, api.NewError(api.ErrCodeAlreadyExists, "stats already registered")
			}
			return nil, err
		}
	}
	return s, nil
}

func (s *Stats) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		s.connects, s.disconnects, s.active,
		s.buffersReceived, s.bytesReceived,
		s.messagesProcessed, s.bytesProcessed,
		s.messagesSent, s.bytesSent,
	}
}

func (s *Stats) OnConnect(cc api.ConnContext) {
	s.connects.WithLabelValues(cc.Listener).Inc()
	s.active.WithLabelValues(cc.Listener).Inc()
}

func (s *Stats) OnBufferReceived(cc api.ConnContext, n int) {
	s.buffersReceived.WithLabelValues(cc.Listener).Inc()
	s.bytesReceived.WithLabelValues(cc.Listener).Add(float64(n))
}

func (s *Stats) OnMessageProcessed(cc api.ConnContext, n int) {
	s.messagesProcessed.WithLabelValues(cc.Listener).Inc()
	s.bytesProcessed.WithLabelValues(cc.Listener).Add(float64(n))
}

func (s *Stats) OnMessageSent(cc api.ConnContext, n int) {
	s.messagesSent.WithLabelValues(cc.Listener).Inc()
	s.bytesSent.WithLabelValues(cc.Listener).Add(float64(n))
}

// OnDisconnect is also called for connections rejected during setup. Those
// carry a zero ConnectedAt and never counted as active.
func (s *Stats) OnDisconnect(cc api.ConnContext, cause error) {
	outcome := "ok"
	if cause != nil {
		outcome = "error"
	}
	s.disconnects.WithLabelValues(cc.Listener, outcome).Inc()
	if !cc.ConnectedAt.IsZero() {
		s.active.WithLabelValues(cc.Listener).Dec()
	}
}
