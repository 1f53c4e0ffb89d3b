// Package metrics exposes Prometheus instrumentation for the import
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts import runs by trigger and terminal status.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "raceday",
		Name:      "import_runs_total",
		Help:      "Import runs by trigger and outcome",
	}, []string{"trigger", "status"})

	// RunDuration observes end-to-end run duration.
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "raceday",
		Name:      "import_run_duration_seconds",
		Help:      "End-to-end import run duration",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"trigger"})

	// RecordsTotal counts meeting records by reconciliation outcome.
	RecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "raceday",
		Name:      "import_records_total",
		Help:      "Meeting records by reconciliation outcome",
	}, []string{"outcome"})

	// FetchAttempts counts source fetch attempts by result.
	FetchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "raceday",
		Name:      "source_fetch_attempts_total",
		Help:      "Source fetch attempts by result",
	}, []string{"result"})

	// FetchDuration observes source fetch latency.
	FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "raceday",
		Name:      "source_fetch_duration_seconds",
		Help:      "Source fetch latency",
		Buckets:   prometheus.DefBuckets,
	})
)
