// Package metrics exposes Prometheus counters and histograms for the
// executor: one execution is one observation, regardless of outcome.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the runtime registers.
type Metrics struct {
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	APICallsTotal     *prometheus.CounterVec
	QuotaRejections   *prometheus.CounterVec
	FilesTouchedTotal *prometheus.CounterVec
}

var (
	once   sync.Once
	shared *Metrics
)

// New creates and registers the runtime's collectors. Repeated calls
// return the same instance: Prometheus panics on duplicate registration,
// and one process only ever needs one metrics surface.
func New() *Metrics {
	once.Do(func() {
		shared = &Metrics{
			ExecutionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "apiscript_executions_total",
					Help: "Total number of script executions, by outcome.",
				},
				[]string{"outcome"}, // "success", "error", "timeout", "memory_limit", "quota_rejected"
			),
			ExecutionDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "apiscript_execution_duration_seconds",
					Help:    "Wall-clock duration of a script execution.",
					Buckets: prometheus.DefBuckets,
				},
			),
			APICallsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "apiscript_api_calls_total",
					Help: "Total number of outbound SDK-function HTTP calls, by api and function.",
				},
				[]string{"api", "function"},
			),
			QuotaRejections: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "apiscript_quota_rejections_total",
					Help: "Total number of calls rejected by a quota, by kind.",
				},
				[]string{"kind"}, // "api_calls", "bytes", "handles", "timeout"
			),
			FilesTouchedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "apiscript_files_touched_total",
					Help: "Total number of files touched through the sandboxed filesystem surface, by operation.",
				},
				[]string{"op"}, // "write", "remove"
			),
		}
	})
	return shared
}

// RecordExecution records one completed execution's outcome and duration.
func (m *Metrics) RecordExecution(outcome string, durationSeconds float64) {
	m.ExecutionsTotal.WithLabelValues(outcome).Inc()
	m.ExecutionDuration.Observe(durationSeconds)
}

// RecordAPICall records one outbound SDK-function call.
func (m *Metrics) RecordAPICall(api, function string) {
	m.APICallsTotal.WithLabelValues(api, function).Inc()
}

// RecordQuotaRejection records one call rejected by a quota.
func (m *Metrics) RecordQuotaRejection(kind string) {
	m.QuotaRejections.WithLabelValues(kind).Inc()
}

// RecordFileTouched records one file-ledger entry.
func (m *Metrics) RecordFileTouched(op string) {
	m.FilesTouchedTotal.WithLabelValues(op).Inc()
}
