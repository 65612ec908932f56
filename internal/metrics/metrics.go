package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Session outcomes.
const (
	OutcomeDone        = "done"
	OutcomeError       = "error"
	OutcomeNoAPIKey    = "no_api_key"
	OutcomeCancelled   = "cancelled"
	OutcomeRateLimited = "rate_limited"
)

type Metrics struct {
	Sessions        *prometheus.CounterVec
	ActiveSessions  prometheus.Gauge
	SessionDuration prometheus.Histogram
	Chunks          prometheus.Counter
	DecodeSkips     prometheus.Counter
	UpstreamErrors  *prometheus.CounterVec
	BreakerState    *prometheus.GaugeVec
	UpdatesTotal    prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			Sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rafined",
				Name:      "sessions_total",
				Help:      "Enhancement sessions by terminal outcome",
			}, []string{"outcome"}),
			ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "rafined",
				Name:      "sessions_active",
				Help:      "Upstream calls currently in flight",
			}),
			SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "rafined",
				Name:      "session_duration_seconds",
				Help:      "Time from request to terminal outcome",
				Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
			}),
			Chunks: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "rafined",
				Name:      "stream_chunks_total",
				Help:      "Text deltas relayed to requesters",
			}),
			DecodeSkips: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "rafined",
				Name:      "stream_decode_skips_total",
				Help:      "Upstream events skipped because their payload did not decode",
			}),
			UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rafined",
				Name:      "upstream_errors_total",
				Help:      "Upstream failures by reason",
			}, []string{"reason"}),
			BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "rafined",
				Name:      "upstream_breaker_state",
				Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open",
			}, []string{"breaker"}),
			UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "rafined",
				Name:      "telegram_updates_total",
				Help:      "Total telegram updates received",
			}),
		}
		prometheus.MustRegister(
			global.Sessions,
			global.ActiveSessions,
			global.SessionDuration,
			global.Chunks,
			global.DecodeSkips,
			global.UpstreamErrors,
			global.BreakerState,
			global.UpdatesTotal,
		)
	})
	return global
}
