package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	delivered *prometheus.CounterVec
	failures  *prometheus.CounterVec
	dropped   *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking lifecycle notification delivery.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ramp",
				Subsystem: "events",
				Name:      "delivered_total",
				Help:      "Count of lifecycle notifications delivered segmented by sink and status.",
			}, []string{"sink", "status"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ramp",
				Subsystem: "events",
				Name:      "delivery_failures_total",
				Help:      "Number of failed notification deliveries by sink.",
			}, []string{"sink"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ramp",
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Number of notifications dropped because a subscriber was not keeping up.",
			}, []string{"sink"}),
		}
		prometheus.MustRegister(eventRegistry.delivered, eventRegistry.failures, eventRegistry.dropped)
	})
	return eventRegistry
}

// RecordDelivered increments the delivery counter for the supplied sink.
func (m *eventMetrics) RecordDelivered(sink, status string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(normalizeLabel(sink), normalizeLabel(status)).Inc()
}

// RecordFailure increments the failure counter for the supplied sink.
func (m *eventMetrics) RecordFailure(sink string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(normalizeLabel(sink)).Inc()
}

// RecordDropped increments the drop counter for the supplied sink.
func (m *eventMetrics) RecordDropped(sink string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(normalizeLabel(sink)).Inc()
}
