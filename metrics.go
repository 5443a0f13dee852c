package pinning

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "pin"

// Metrics holds the Prometheus collectors updated by the engine.
type Metrics struct {
	UploadsStarted   prometheus.Counter
	UploadsSucceeded prometheus.Counter
	UploadsFailed    *prometheus.CounterVec
	UploadsExpired   prometheus.Counter

	StepDuration *prometheus.HistogramVec

	IndexProbes     *prometheus.CounterVec
	HistoryRecords  prometheus.Counter
	HistoryFailures prometheus.Counter
}

// NewMetrics registers the engine's collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		UploadsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "uploads_started_total",
			Help:      "Total number of upload attempts started",
		}),
		UploadsSucceeded: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "uploads_succeeded_total",
			Help:      "Total number of uploads handed off to history",
		}),
		UploadsFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "uploads_failed_total",
				Help:      "Total number of uploads that ended in a terminal error",
			},
			[]string{"step"},
		),
		UploadsExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "uploads_expired_total",
			Help:      "Failed uploads cleared from the active slot after the grace period",
		}),
		StepDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "step_duration_seconds",
				Help:      "Time spent in each driver step",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
			},
			[]string{"step"},
		),
		IndexProbes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "index_probes_total",
				Help:      "Discovery index probes by result",
			},
			[]string{"result"},
		),
		HistoryRecords: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "history_records_total",
			Help:      "History records created",
		}),
		HistoryFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "history_store_failures_total",
			Help:      "Failed history writes, each retried later",
		}),
	}
}
