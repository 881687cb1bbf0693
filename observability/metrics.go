package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	bidMetricsOnce sync.Once
	bidRegistry    *BidMetrics

	settlementMetricsOnce sync.Once
	settlementRegistry    *SettlementMetrics

	gatewayMetricsOnce sync.Once
	gatewayRegistry    *GatewayMetrics

	posMetricsOnce sync.Once
	posRegistry    *PosMetrics
)

// BidMetrics bundles collectors tracking bid acceptance activity.
type BidMetrics struct {
	accepted   prometheus.Counter
	rejections *prometheus.CounterVec
}

// Bids returns the lazily-initialised bid metrics registry.
func Bids() *BidMetrics {
	bidMetricsOnce.Do(func() {
		bidRegistry = &BidMetrics{
			accepted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "auctiond",
				Subsystem: "bids",
				Name:      "accepted_total",
				Help:      "Count of bids accepted into the append-only bid log.",
			}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "auctiond",
				Subsystem: "bids",
				Name:      "rejected_total",
				Help:      "Count of rejected bids segmented by reason code.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(bidRegistry.accepted, bidRegistry.rejections)
	})
	return bidRegistry
}

// RecordAccepted increments the accepted bid counter.
func (m *BidMetrics) RecordAccepted() {
	if m == nil {
		return
	}
	m.accepted.Inc()
}

// RecordRejection increments the rejection counter for the supplied reason
// code. Reasons should be the stable wire-level codes so dashboards stay
// consistent.
func (m *BidMetrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.rejections.WithLabelValues(reason).Inc()
}

// SettlementMetrics wraps collectors tracking the settlement pipeline.
type SettlementMetrics struct {
	initiated     prometheus.Counter
	completed     prometheus.Counter
	failed        prometheus.Counter
	expired       prometheus.Counter
	captures      prometheus.Counter
	refunds       prometheus.Counter
	itemFailures  *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	adminRetries  prometheus.Counter
	reconFailures prometheus.Counter
	lockFailures  prometheus.Counter
	backlog       prometheus.Gauge
	tickDuration  prometheus.Histogram
}

// Settlement returns the settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementMetricsOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			initiated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "auctiond",
				Subsystem: "settlement",
				Name:      "initiated_total",
				Help:      "Count of settlement manifests created.",
			}),
			completed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "auctiond",
				Subsystem: "settlement",
				Name:      "completed_total",
				Help:      "Count of manifests that reached COMPLETED.",
			}),
			failed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "auctiond",
				Subsystem: "settlement",
				Name:      "failed_total",
				Help:      "Count of manifests escalated after repeated item failures.",
			}),
			expired: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "auctiond",
				Subsystem: "settlement",
				Name:      "expired_total",
				Help:      "Count of manifests that passed their expiry deadline unfinished.",
			}),
			captures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "auctiond",
				Subsystem: "settlement",
				Name:      "captures_total",
				Help:      "Count of deposit captures acknowledged against the POS provider.",
			}),
			refunds: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "auctiond",
				Subsystem: "settlement",
				Name:      "refunds_total",
				Help:      "Count of deposit refunds acknowledged against the POS provider.",
			}),
			itemFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "auctiond",
				Subsystem: "settlement",
				Name:      "item_failures_total",
				Help:      "Count of manifest item failures segmented by action.",
			}, []string{"action"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "auctiond",
				Subsystem: "settlement",
				Name:      "state_transitions_total",
				Help:      "Count of auction lifecycle transitions segmented by source and target state.",
			}, []string{"from", "to"}),
			adminRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "auctiond",
				Subsystem: "settlement",
				Name:      "admin_retries_total",
				Help:      "Count of escalated manifests re-activated by an operator.",
			}),
			reconFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "auctiond",
				Subsystem: "settlement",
				Name:      "reconciliation_failures_total",
				Help:      "Count of reconciliation checks that failed.",
			}),
			lockFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "auctiond",
				Subsystem: "settlement",
				Name:      "lock_failures_total",
				Help:      "Count of distributed lock acquisitions lost to contention.",
			}),
			backlog: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "auctiond",
				Subsystem: "settlement",
				Name:      "backlog",
				Help:      "Number of manifests currently in ACTIVE state.",
			}),
			tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "auctiond",
				Subsystem: "settlement",
				Name:      "tick_duration_seconds",
				Help:      "Latency distribution of settlement worker ticks.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			settlementRegistry.initiated,
			settlementRegistry.completed,
			settlementRegistry.failed,
			settlementRegistry.expired,
			settlementRegistry.captures,
			settlementRegistry.refunds,
			settlementRegistry.itemFailures,
			settlementRegistry.transitions,
			settlementRegistry.adminRetries,
			settlementRegistry.reconFailures,
			settlementRegistry.lockFailures,
			settlementRegistry.backlog,
			settlementRegistry.tickDuration,
		)
	})
	return settlementRegistry
}

// RecordInitiated increments the manifest creation counter.
func (m *SettlementMetrics) RecordInitiated() {
	if m == nil {
		return
	}
	m.initiated.Inc()
}

// RecordCompleted increments the completed manifest counter.
func (m *SettlementMetrics) RecordCompleted() {
	if m == nil {
		return
	}
	m.completed.Inc()
}

// RecordFailed increments the escalated manifest counter.
func (m *SettlementMetrics) RecordFailed() {
	if m == nil {
		return
	}
	m.failed.Inc()
}

// RecordExpired increments the expired manifest counter.
func (m *SettlementMetrics) RecordExpired() {
	if m == nil {
		return
	}
	m.expired.Inc()
}

// RecordCapture increments the acknowledged capture counter.
func (m *SettlementMetrics) RecordCapture() {
	if m == nil {
		return
	}
	m.captures.Inc()
}

// RecordRefund increments the acknowledged refund counter.
func (m *SettlementMetrics) RecordRefund() {
	if m == nil {
		return
	}
	m.refunds.Inc()
}

// RecordItemFailure increments the item failure counter for a capture or
// refund action.
func (m *SettlementMetrics) RecordItemFailure(action string) {
	if m == nil {
		return
	}
	if action = strings.TrimSpace(action); action == "" {
		action = "unknown"
	}
	m.itemFailures.WithLabelValues(action).Inc()
}

// RecordTransition counts an auction lifecycle transition.
func (m *SettlementMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(labelState(from), labelState(to)).Inc()
}

// RecordAdminRetry increments the operator retry counter.
func (m *SettlementMetrics) RecordAdminRetry() {
	if m == nil {
		return
	}
	m.adminRetries.Inc()
}

// RecordReconFailure increments the reconciliation failure counter.
func (m *SettlementMetrics) RecordReconFailure() {
	if m == nil {
		return
	}
	m.reconFailures.Inc()
}

// RecordLockFailure increments the lock contention counter.
func (m *SettlementMetrics) RecordLockFailure() {
	if m == nil {
		return
	}
	m.lockFailures.Inc()
}

// SetBacklog updates the ACTIVE manifest backlog gauge.
func (m *SettlementMetrics) SetBacklog(count int) {
	if m == nil {
		return
	}
	m.backlog.Set(float64(count))
}

// ObserveTick records the duration of a settlement worker tick.
func (m *SettlementMetrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
}

// GatewayMetrics tracks websocket gateway health.
type GatewayMetrics struct {
	connections prometheus.Gauge
	kvHealth    prometheus.Gauge
}

// Gateway returns the gateway metrics registry.
func Gateway() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			connections: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "auctiond",
				Subsystem: "gateway",
				Name:      "active_connections",
				Help:      "Number of live websocket connections.",
			}),
			kvHealth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "auctiond",
				Subsystem: "gateway",
				Name:      "kv_healthy",
				Help:      "Whether the KV connection is healthy (1) or not (0).",
			}),
		}
		prometheus.MustRegister(gatewayRegistry.connections, gatewayRegistry.kvHealth)
	})
	return gatewayRegistry
}

// ConnectionOpened increments the live connection gauge.
func (m *GatewayMetrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

// ConnectionClosed decrements the live connection gauge.
func (m *GatewayMetrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// SetKVHealth toggles the KV health gauge.
func (m *GatewayMetrics) SetKVHealth(healthy bool) {
	if m == nil {
		return
	}
	if healthy {
		m.kvHealth.Set(1)
		return
	}
	m.kvHealth.Set(0)
}

// PosMetrics tracks POS adapter and circuit breaker behaviour.
type PosMetrics struct {
	timeouts     prometheus.Counter
	circuitTrips prometheus.Counter
	circuitState prometheus.Gauge
}

// Pos returns the POS metrics registry.
func Pos() *PosMetrics {
	posMetricsOnce.Do(func() {
		posRegistry = &PosMetrics{
			timeouts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "auctiond",
				Subsystem: "pos",
				Name:      "timeouts_total",
				Help:      "Count of POS calls aborted by the hard call timeout.",
			}),
			circuitTrips: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "auctiond",
				Subsystem: "pos",
				Name:      "circuit_trips_total",
				Help:      "Count of transitions into the OPEN breaker state.",
			}),
			circuitState: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "auctiond",
				Subsystem: "pos",
				Name:      "circuit_state",
				Help:      "Current circuit breaker state: 0 closed, 1 half-open, 2 open.",
			}),
		}
		prometheus.MustRegister(posRegistry.timeouts, posRegistry.circuitTrips, posRegistry.circuitState)
	})
	return posRegistry
}

// RecordTimeout increments the POS timeout counter.
func (m *PosMetrics) RecordTimeout() {
	if m == nil {
		return
	}
	m.timeouts.Inc()
}

// RecordTrip counts a breaker trip into OPEN.
func (m *PosMetrics) RecordTrip() {
	if m == nil {
		return
	}
	m.circuitTrips.Inc()
}

// SetCircuitState publishes the numeric breaker state.
func (m *PosMetrics) SetCircuitState(state int) {
	if m == nil {
		return
	}
	m.circuitState.Set(float64(state))
}

func labelState(state string) string {
	trimmed := strings.TrimSpace(state)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}
