// Package metrics is the ambient Prometheus instrumentation SPEC_FULL.md
// carries even though spec.md's Non-goals exclude a full observability
// layer: "a spec that excludes 'metrics' still gets structured logging the
// way the teacher does it", and the teacher corpus (internal/http/services/
// prometheus, pkg/metrics throughout cs3org-reva) always exposes a
// process-wide registry of counters/gauges alongside its core logic. PIFS
// exposes a small, explicitly-injected set rather than package-level
// global vars, per the Design Note against process-wide mutable state.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the full set of counters/gauges PIFS registers.
type Metrics struct {
	UploadsStarted   prometheus.Counter
	UploadsPublished prometheus.Counter
	UploadsFailed    prometheus.Counter
	QueueDepth       *prometheus.GaugeVec
}

// New builds and registers every PIFS metric against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		UploadsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pifs",
			Subsystem: "upload",
			Name:      "started_total",
			Help:      "Total number of received uploads handed by the HTTP API to the upload queue.",
		}),
		UploadsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pifs",
			Subsystem: "upload",
			Name:      "published_total",
			Help:      "Total number of uploads that published successfully.",
		}),
		UploadsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pifs",
			Subsystem: "upload",
			Name:      "failed_total",
			Help:      "Total number of uploads that ended in a Failed transition.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pifs",
			Subsystem: "taskqueue",
			Name:      "depth",
			Help:      "Number of jobs waiting on a named queue.",
		}, []string{"queue"}),
	}

	reg.MustRegister(m.UploadsStarted, m.UploadsPublished, m.UploadsFailed, m.QueueDepth)
	return m
}
