package metrics

import (
	"math/big"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ReliefMetrics tracks token movement, policy outcomes, risk escalations, and
// governance results for the Prometheus endpoint.
type ReliefMetrics struct {
	payments        *prometheus.CounterVec
	tokenVolume     *prometheus.CounterVec
	riskFlags       *prometheus.CounterVec
	proposals       *prometheus.CounterVec
	entityBusy      prometheus.Counter
	auditEntries    prometheus.Counter
	requestLatency  *prometheus.HistogramVec
	requestOutcomes *prometheus.CounterVec
}

var (
	reliefOnce     sync.Once
	reliefRegistry *ReliefMetrics
)

// Relief returns the lazily-initialised metrics registry.
func Relief() *ReliefMetrics {
	reliefOnce.Do(func() {
		reliefRegistry = &ReliefMetrics{
			payments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "relief",
				Subsystem: "policy",
				Name:      "payments_total",
				Help:      "Count of pay operations segmented by outcome.",
			}, []string{"outcome"}),
			tokenVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "relief",
				Subsystem: "ledger",
				Name:      "token_volume",
				Help:      "Token volume moved per operation kind, in smallest units.",
			}, []string{"kind"}),
			riskFlags: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "relief",
				Subsystem: "risk",
				Name:      "flags_total",
				Help:      "Merchant risk escalations segmented by level.",
			}, []string{"level"}),
			proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "relief",
				Subsystem: "governance",
				Name:      "proposals_finalized_total",
				Help:      "Finalized proposals segmented by outcome.",
			}, []string{"outcome"}),
			entityBusy: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "relief",
				Subsystem: "policy",
				Name:      "entity_busy_total",
				Help:      "Operations rejected because an entity lock stayed contended.",
			}),
			auditEntries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "relief",
				Subsystem: "audit",
				Name:      "entries_total",
				Help:      "Audit log entries appended.",
			}),
			requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "relief",
				Subsystem: "rpc",
				Name:      "request_seconds",
				Help:      "API request latency by route.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			requestOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "relief",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "API requests segmented by route and status class.",
			}, []string{"route", "status"}),
		}
		prometheus.MustRegister(
			reliefRegistry.payments,
			reliefRegistry.tokenVolume,
			reliefRegistry.riskFlags,
			reliefRegistry.proposals,
			reliefRegistry.entityBusy,
			reliefRegistry.auditEntries,
			reliefRegistry.requestLatency,
			reliefRegistry.requestOutcomes,
		)
	})
	return reliefRegistry
}

// ObservePayment records one pay attempt outcome ("confirmed", "rejected",
// "busy").
func (m *ReliefMetrics) ObservePayment(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.payments.WithLabelValues(outcome).Inc()
}

// ObserveTokenVolume adds the moved amount under the operation kind.
func (m *ReliefMetrics) ObserveTokenVolume(kind string, amount *big.Int) {
	if m == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	value, _ := new(big.Float).SetInt(amount).Float64()
	m.tokenVolume.WithLabelValues(strings.TrimSpace(kind)).Add(value)
}

// ObserveRiskFlag records one merchant escalation at the given level.
func (m *ReliefMetrics) ObserveRiskFlag(level string) {
	if m == nil {
		return
	}
	m.riskFlags.WithLabelValues(strings.ToLower(strings.TrimSpace(level))).Inc()
}

// ObserveProposalFinalized records one tallied proposal outcome.
func (m *ReliefMetrics) ObserveProposalFinalized(outcome string) {
	if m == nil {
		return
	}
	m.proposals.WithLabelValues(strings.ToLower(strings.TrimSpace(outcome))).Inc()
}

// ObserveEntityBusy counts a lock-contention rejection.
func (m *ReliefMetrics) ObserveEntityBusy() {
	if m == nil {
		return
	}
	m.entityBusy.Inc()
}

// ObserveAuditEntry counts one appended audit record.
func (m *ReliefMetrics) ObserveAuditEntry() {
	if m == nil {
		return
	}
	m.auditEntries.Inc()
}

// ObserveRequest records one completed API request.
func (m *ReliefMetrics) ObserveRequest(route, statusClass string, seconds float64) {
	if m == nil {
		return
	}
	m.requestLatency.WithLabelValues(route).Observe(seconds)
	m.requestOutcomes.WithLabelValues(route, statusClass).Inc()
}
