// Package telemetry exposes Prometheus metrics for the bot fleet:
//   - spreadbot_tick_duration_seconds          – histogram of engine tick wall time
//   - spreadbot_opens_total                    – spread pairs opened (entry or scale-in)
//   - spreadbot_closes_total{reason}           – cycles closed, by take_profit|stop_loss|user_requested
//   - spreadbot_exchange_retries_total{op}     – transient exchange errors that triggered a retry
//   - spreadbot_reconcile_corrections_total    – rows the boot reconciler or data reconciler rewrote
//   - spreadbot_engines_running                – engines currently registered with the manager
//
// Registered in init() and served by the handler Serve starts at /metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spreadbot_tick_duration_seconds",
			Help:    "Wall time of one full engine tick",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	OpensTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spreadbot_opens_total",
			Help: "Spread pairs opened (first entry or scale-in)",
		},
	)

	ClosesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spreadbot_closes_total",
			Help: "Cycles closed, split by reason",
		},
		[]string{"reason"}, // take_profit | stop_loss | user_requested
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spreadbot_exchange_retries_total",
			Help: "Transient exchange errors that triggered a retry",
		},
		[]string{"op"},
	)

	ReconcileCorrections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spreadbot_reconcile_corrections_total",
			Help: "Position/order rows rewritten to match exchange reality",
		},
	)

	EnginesRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spreadbot_engines_running",
			Help: "Engines currently registered with the bot manager",
		},
	)
)

func init() {
	prometheus.MustRegister(TickDuration, OpensTotal, ClosesTotal)
	prometheus.MustRegister(RetriesTotal, ReconcileCorrections, EnginesRunning)
}

// Serve starts the /metrics endpoint on addr. Blocks; run in its own
// goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
