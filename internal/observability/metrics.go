package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// promMetrics implements Metrics on a prometheus registry. Metric names
// are prefixed with the component name.
type promMetrics struct {
	processedTotal  *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec
	durationSeconds *prometheus.HistogramVec
	sizeBytes       *prometheus.HistogramVec
	inProgress      *prometheus.GaugeVec
}

func newPromMetrics(reg *prometheus.Registry, component string) *promMetrics {
	m := &promMetrics{
		processedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: component + "_processed_total",
				Help: "Total processed operations by " + component,
			},
			[]string{"status", "operation"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: component + "_errors_total",
				Help: "Total errors in " + component,
			},
			[]string{"operation", "error_type"},
		),
		durationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    component + "_duration_seconds",
				Help:    "Operation duration in " + component,
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		sizeBytes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: component + "_size_bytes",
				Help: "Artifact sizes handled by " + component,
				// 1KB up to 2GB, the large channel ceiling.
				Buckets: []float64{
					1 << 10, 1 << 14, 1 << 17, 1 << 20,
					10 << 20, 45 << 20, 100 << 20, 500 << 20, 2 << 30,
				},
			},
			[]string{"operation"},
		),
		inProgress: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: component + "_in_progress",
				Help: "Operations in progress in " + component,
			},
			[]string{"operation"},
		),
	}

	reg.MustRegister(m.processedTotal, m.errorsTotal, m.durationSeconds, m.sizeBytes, m.inProgress)
	return m
}

func (m *promMetrics) RecordSuccess(operation string) {
	m.processedTotal.WithLabelValues("success", operation).Inc()
}

func (m *promMetrics) RecordError(operation, errorType string) {
	m.processedTotal.WithLabelValues("error", operation).Inc()
	m.errorsTotal.WithLabelValues(operation, errorType).Inc()
}

func (m *promMetrics) RecordDuration(operation string, seconds float64) {
	m.durationSeconds.WithLabelValues(operation).Observe(seconds)
}

func (m *promMetrics) RecordBytes(operation string, bytes int64) {
	m.sizeBytes.WithLabelValues(operation).Observe(float64(bytes))
}

func (m *promMetrics) StartOperation(operation string) {
	m.inProgress.WithLabelValues(operation).Inc()
}

func (m *promMetrics) EndOperation(operation string) {
	m.inProgress.WithLabelValues(operation).Dec()
}
