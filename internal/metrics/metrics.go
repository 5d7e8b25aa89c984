// Package metrics defines the agent's own Prometheus collectors. They describe
// the local pipeline (enqueue, persistence, uploads) and are never sent to
// the collector.
//
// Collectors are per instance rather than package globals so that several
// agents, and tests, can coexist in one process.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dynoscale"

// Publish attempt outcomes used as the "result" label.
const (
	ResultSuccess   = "success"
	ResultRejected  = "rejected"
	ResultTransport = "transport_error"
	ResultSkipped   = "skipped"
)

// Metrics groups the collectors reported by one agent.
type Metrics struct {
	registry   prometheus.Registerer
	registered []prometheus.Collector

	RecordsEnqueued  prometheus.Counter
	RecordsDropped   prometheus.Counter
	RecordsPersisted prometheus.Counter
	RecordsPruned    prometheus.Counter
	RecordsUploaded  prometheus.Counter
	PublishAttempts  *prometheus.CounterVec
	PublishDuration  prometheus.Histogram
	HookFailures     prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg gets a
// private registry. When any collector is rejected, for instance because
// another agent already registered the same names with reg, nothing stays
// registered and the error is returned.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: reg,
		RecordsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_enqueued_total",
			Help:      "Queue-time records accepted onto the in-memory queue.",
		}),
		RecordsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_dropped_total",
			Help:      "Queue-time records dropped because the in-memory queue was full.",
		}),
		RecordsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_persisted_total",
			Help:      "Records written to the local repository.",
		}),
		RecordsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_pruned_total",
			Help:      "Records discarded for exceeding the maximum age.",
		}),
		RecordsUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_uploaded_total",
			Help:      "Records acknowledged by the collector and deleted locally.",
		}),
		PublishAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_attempts_total",
			Help:      "Upload attempts by outcome.",
		}, []string{"result"}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Time spent in the collector POST.",
			Buckets:   prometheus.DefBuckets,
		}),
		HookFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pre_publish_hook_failures_total",
			Help:      "Pre-publish hook runs that returned an error or panicked.",
		}),
	}

	err := m.register(
		m.RecordsEnqueued,
		m.RecordsDropped,
		m.RecordsPersisted,
		m.RecordsPruned,
		m.RecordsUploaded,
		m.PublishAttempts,
		m.PublishDuration,
		m.HookFailures,
	)
	if err != nil {
		m.Unregister()
		return nil, err
	}
	return m, nil
}

// RegisterQueueLength exposes the current in-memory queue length as a gauge.
func (m *Metrics) RegisterQueueLength(length func() int) error {
	return m.register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_length",
		Help:      "Records waiting on the in-memory queue.",
	}, func() float64 { return float64(length()) }))
}

// Unregister removes every collector this instance registered, so the same
// registerer can host a new instance.
func (m *Metrics) Unregister() {
	for _, c := range m.registered {
		m.registry.Unregister(c)
	}
	m.registered = nil
}

func (m *Metrics) register(cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := m.registry.Register(c); err != nil {
			return fmt.Errorf("metrics: register collector: %w", err)
		}
		m.registered = append(m.registered, c)
	}
	return nil
}
