package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Resolve outcomes.
const (
	outcomeHit       = "hit"
	outcomeMiss      = "miss"
	outcomeShared    = "shared"
	outcomeError     = "error"
	outcomeMalformed = "malformed"
	outcomeCanceled  = "canceled"
)

type metrics struct {
	resolves      *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	storeErrors   *prometheus.CounterVec
}

// newMetrics creates the gateway collectors on reg. A nil reg leaves them
// unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		resolves: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fishtank",
				Subsystem: "gateway",
				Name:      "resolves_total",
				Help:      "Resolve calls by request kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		fetches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fishtank",
				Subsystem: "gateway",
				Name:      "fetches_total",
				Help:      "Outbound network calls by request kind and result",
			},
			[]string{"kind", "result"},
		),
		fetchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fishtank",
				Subsystem: "gateway",
				Name:      "fetch_duration_seconds",
				Help:      "Duration of outbound network calls including retries",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"kind"},
		),
		storeErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fishtank",
				Subsystem: "gateway",
				Name:      "store_errors_total",
				Help:      "Cache store faults absorbed by the gateway",
			},
			[]string{"op"},
		),
	}
}
