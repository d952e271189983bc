// Package metrics provides Prometheus metrics for the memfs engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Filesystem operation metrics
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memfs_operations_total",
			Help: "Total filesystem operations by result",
		},
		[]string{"op", "result"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memfs_operation_duration_seconds",
			Help:    "Filesystem operation duration in seconds",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
		},
		[]string{"op"},
	)

	// Store metrics
	entriesGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "memfs_entries",
			Help: "Number of entries in the store",
		},
	)

	capacityGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "memfs_capacity",
			Help: "Maximum number of entries in the store",
		},
	)

	contentBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "memfs_content_bytes",
			Help: "Total bytes of file content held in memory",
		},
	)

	// Snapshot metrics
	snapshotDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memfs_snapshot_duration_seconds",
			Help:    "Snapshot load/save duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	snapshotOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memfs_snapshot_operations_total",
			Help: "Total snapshot loads and saves",
		},
		[]string{"op", "status"},
	)

	snapshotBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "memfs_snapshot_bytes",
			Help: "Encoded size of the last snapshot loaded or saved",
		},
	)

	// Storage backend metrics
	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memfs_storage_operation_duration_seconds",
			Help:    "Snapshot storage backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memfs_storage_operations_total",
			Help: "Total snapshot storage backend operations",
		},
		[]string{"backend", "op", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordOperation records a filesystem operation and its outcome. result is
// "ok" or the name of the error kind.
func RecordOperation(op, result string, duration time.Duration) {
	operationsTotal.WithLabelValues(op, result).Inc()
	operationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// SetStoreUsage publishes the current entry count, capacity and content size.
func SetStoreUsage(entries, capacity int, bytes int64) {
	entriesGauge.Set(float64(entries))
	capacityGauge.Set(float64(capacity))
	contentBytes.Set(float64(bytes))
}

// RecordSnapshot records a snapshot load or save.
func RecordSnapshot(op string, size int64, duration time.Duration, success bool) {
	snapshotDuration.WithLabelValues(op).Observe(duration.Seconds())
	snapshotOperationsTotal.WithLabelValues(op, status(success)).Inc()
	if success {
		snapshotBytes.Set(float64(size))
	}
}

// RecordStorageOperation records a storage backend call.
func RecordStorageOperation(backend, op string, duration time.Duration, success bool) {
	storageOperationDuration.WithLabelValues(backend, op).Observe(duration.Seconds())
	storageOperationsTotal.WithLabelValues(backend, op, status(success)).Inc()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
