// Package metrics exposes Prometheus metrics for the observer. Metrics are
// registered on the default registry; embedders decide how to expose it.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repowatch_sync_count_total",
			Help: "Total number of synchronization attempts",
		},
		[]string{"target"},
	)

	syncFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repowatch_sync_failed_total",
			Help: "Total number of failed synchronization attempts",
		},
		[]string{"target", "stage"},
	)

	changesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repowatch_changes_detected_total",
			Help: "Total number of detected head commit changes",
		},
		[]string{"target"},
	)

	syncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repowatch_sync_duration_seconds",
			Help:    "Synchronization duration in seconds",
			Buckets: []float64{0.1, 0.2, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"target"},
	)

	lastSyncStart = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "repowatch_last_sync_start_timestamp",
			Help: "Unix timestamp of when the last synchronization started",
		},
		[]string{"target"},
	)

	lastSyncEnd = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "repowatch_last_sync_end_timestamp",
			Help: "Unix timestamp of when the last synchronization ended",
		},
		[]string{"target"},
	)
)

// SyncStarted records the beginning of one synchronization attempt.
func SyncStarted(target string) {
	syncCount.WithLabelValues(target).Inc()
	lastSyncStart.WithLabelValues(target).SetToCurrentTime()
}

// SyncSucceeded records a completed attempt and its duration.
func SyncSucceeded(target string, start time.Time) {
	syncDuration.WithLabelValues(target).Observe(time.Since(start).Seconds())
	lastSyncEnd.WithLabelValues(target).SetToCurrentTime()
}

// SyncFailed records an attempt aborted at the named stage.
func SyncFailed(target, stage string) {
	syncFailed.WithLabelValues(target, stage).Inc()
	lastSyncEnd.WithLabelValues(target).SetToCurrentTime()
}

// ChangeDetected records one detected head movement.
func ChangeDetected(target string) {
	changesDetected.WithLabelValues(target).Inc()
}
