package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	rampdMetricsOnce sync.Once
	rampdRegistry    *RampdMetrics
)

// RampdMetrics wraps collectors tracking the transaction lifecycle engine and
// its watchers.
type RampdMetrics struct {
	transitions       *prometheus.CounterVec
	created           *prometheus.CounterVec
	gatewayErrors     *prometheus.CounterVec
	activeWatchers    *prometheus.GaugeVec
	polls             *prometheus.CounterVec
	settlementLatency *prometheus.HistogramVec
}

// Rampd exposes the metrics registry for rampd.
func Rampd() *RampdMetrics {
	rampdMetricsOnce.Do(func() {
		rampdRegistry = &RampdMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ramp",
				Subsystem: "rampd",
				Name:      "transitions_total",
				Help:      "Count of transaction status transitions segmented by kind and target status.",
			}, []string{"kind", "from", "to"}),
			created: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ramp",
				Subsystem: "rampd",
				Name:      "transactions_created_total",
				Help:      "Count of transactions created segmented by kind and asset.",
			}, []string{"kind", "asset"}),
			gatewayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ramp",
				Subsystem: "rampd",
				Name:      "gateway_errors_total",
				Help:      "Count of chain and settlement gateway failures segmented by gateway and operation.",
			}, []string{"gateway", "operation"}),
			activeWatchers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "ramp",
				Subsystem: "rampd",
				Name:      "active_watchers",
				Help:      "Number of running watcher goroutines segmented by watcher type.",
			}, []string{"type"}),
			polls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ramp",
				Subsystem: "rampd",
				Name:      "watcher_polls_total",
				Help:      "Count of watcher poll attempts segmented by watcher type and outcome.",
			}, []string{"type", "outcome"}),
			settlementLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "ramp",
				Subsystem: "rampd",
				Name:      "settlement_latency_seconds",
				Help:      "Time from transaction creation to a terminal status.",
				Buckets:   []float64{30, 60, 120, 300, 600, 900, 1200, 1800, 3600},
			}, []string{"kind", "status"}),
		}
		prometheus.MustRegister(
			rampdRegistry.transitions,
			rampdRegistry.created,
			rampdRegistry.gatewayErrors,
			rampdRegistry.activeWatchers,
			rampdRegistry.polls,
			rampdRegistry.settlementLatency,
		)
	})
	return rampdRegistry
}

// RecordTransition counts a status change.
func (m *RampdMetrics) RecordTransition(kind, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(kind), normalizeLabel(from), normalizeLabel(to)).Inc()
}

// RecordCreated counts a newly persisted transaction.
func (m *RampdMetrics) RecordCreated(kind, asset string) {
	if m == nil {
		return
	}
	m.created.WithLabelValues(normalizeLabel(kind), normalizeLabel(asset)).Inc()
}

// RecordGatewayError increments the failure counter for a gateway call.
func (m *RampdMetrics) RecordGatewayError(gateway, operation string) {
	if m == nil {
		return
	}
	m.gatewayErrors.WithLabelValues(normalizeLabel(gateway), normalizeLabel(operation)).Inc()
}

// WatcherStarted bumps the active watcher gauge.
func (m *RampdMetrics) WatcherStarted(kind string) {
	if m == nil {
		return
	}
	m.activeWatchers.WithLabelValues(normalizeLabel(kind)).Inc()
}

// WatcherStopped decrements the active watcher gauge.
func (m *RampdMetrics) WatcherStopped(kind string) {
	if m == nil {
		return
	}
	m.activeWatchers.WithLabelValues(normalizeLabel(kind)).Dec()
}

// RecordPoll counts a watcher poll. Outcomes should be stable strings such as
// "pending", "done" or "error".
func (m *RampdMetrics) RecordPoll(kind, outcome string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(normalizeLabel(kind), normalizeLabel(outcome)).Inc()
}

// ObserveSettlement records how long a transaction took to reach a terminal status.
func (m *RampdMetrics) ObserveSettlement(kind, status string, d time.Duration) {
	if m == nil {
		return
	}
	if d < 0 {
		d = 0
	}
	m.settlementLatency.WithLabelValues(normalizeLabel(kind), normalizeLabel(status)).Observe(d.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
