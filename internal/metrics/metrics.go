// Package metrics exposes Prometheus collectors for the cycle pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CyclesTotal counts finalized cycles by terminal phase and trigger.
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atp_cycles_total",
		Help: "Finalized test cycles by terminal phase and trigger",
	}, []string{"phase", "trigger"})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "atp_cycle_duration_seconds",
		Help:    "Wall time from cycle start to finalization",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4m
	})

	// StepFailures counts pipeline step errors. fatal is "true" or "false".
	StepFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atp_step_failures_total",
		Help: "Pipeline step failures by step and fatality",
	}, []string{"step", "fatal"})

	RejectedStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atp_rejected_starts_total",
		Help: "Cycle start requests that were rejected, by reason",
	}, []string{"reason"})

	SubscriberPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atp_subscriber_panics_total",
		Help: "Snapshot subscribers that panicked",
	})

	CoverageDelta = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atp_coverage_delta_pct",
		Help: "Total coverage delta of the most recent cycle that measured one",
	})

	ActiveCycles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atp_active_cycles",
		Help: "1 while a cycle is in flight",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
