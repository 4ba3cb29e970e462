package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the client.
type Metrics struct {
	ConnectionUp      prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	UtterancesSent    prometheus.Counter
	PlaybackOutcomes  *prometheus.CounterVec
	Interruptions     prometheus.Counter
	UtteranceDuration prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ConnectionUp: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_up",
			Help:      "1 while the duplex voice channel is active.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		UtterancesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_sent_total",
			Help:      "Sealed utterances transmitted to the server.",
		}),
		PlaybackOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_outcomes_total",
			Help:      "Bot audio item outcomes.",
		}, []string{"outcome"}),
		Interruptions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Times user speech cut off bot audio.",
		}),
		UtteranceDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "utterance_duration_ms",
			Help:      "Captured utterance length in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 15000, 30000},
		}),
	}
}

func (m *Metrics) ObserveUtteranceDuration(d time.Duration) {
	m.UtteranceDuration.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
