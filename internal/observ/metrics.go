package observ

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the counters and gauges the chat core reports.
//
// Everything is registered on the Registerer passed to NewMetrics rather
// than the global default, so tests can build as many instances as they like.
type Metrics struct {
	// MatchesCreated counts pairings. Labels: backend (durable|ephemeral)
	MatchesCreated *prometheus.CounterVec

	// MessagesSent counts send attempts. Labels: status (ok|error)
	MessagesSent *prometheus.CounterVec

	// QueueSize is the number of participants currently waiting to be matched.
	QueueSize prometheus.Gauge

	// LiveSessions is the number of open room websocket sessions.
	LiveSessions prometheus.Gauge

	// TransportEvents counts events delivered by the realtime transport.
	// Labels: kind (broadcast|presence|change)
	TransportEvents *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MatchesCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yapstream_matches_created_total",
				Help: "Total number of matches created by backing store",
			},
			[]string{"backend"},
		),
		MessagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yapstream_messages_sent_total",
				Help: "Total number of message sends by outcome",
			},
			[]string{"status"},
		),
		QueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "yapstream_match_queue_size",
			Help: "Participants currently waiting in the match queue",
		}),
		LiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "yapstream_live_sessions",
			Help: "Open room websocket sessions",
		}),
		TransportEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yapstream_transport_events_total",
				Help: "Realtime events delivered to subscribers by kind",
			},
			[]string{"kind"},
		),
	}
}

// NopMetrics returns metrics registered on a throwaway registry.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
