package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Commit outcomes used as the "outcome" label.
const (
	OutcomeOK        = "ok"
	OutcomeConflict  = "conflict"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeError     = "error"
)

// LedgerMetrics groups the collectors of the batch ledger and the cutting
// optimizer. A nil *LedgerMetrics records nothing.
type LedgerMetrics struct {
	commits      *prometheus.CounterVec
	quantity     *prometheus.CounterVec
	optimize     *prometheus.HistogramVec
	scrap        prometheus.Histogram
	utilization  prometheus.Histogram
	cacheLookups *prometheus.CounterVec
}

// NewLedgerMetrics registers the ledger collectors on registerer.
func NewLedgerMetrics(registerer prometheus.Registerer) *LedgerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &LedgerMetrics{
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockledger_commits_total",
			Help: "Ledger mutations by kind and outcome.",
		}, []string{"kind", "outcome"}),
		quantity: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockledger_quantity_moved_total",
			Help: "Absolute quantity moved through the ledger by transaction type.",
		}, []string{"type"}),
		optimize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stockledger_optimize_duration_seconds",
			Help:    "Cutting-stock optimizer run time.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"policy"}),
		scrap: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stockledger_cutting_scrap_length",
			Help:    "Total scrap length of committed cutting plans.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		utilization: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stockledger_cutting_utilization_percent",
			Help:    "Stock utilisation of committed cutting plans.",
			Buckets: prometheus.LinearBuckets(50, 5, 11),
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockledger_summary_cache_lookups_total",
			Help: "Summary cache lookups by result.",
		}, []string{"result"}),
	}
	registerer.MustRegister(m.commits, m.quantity, m.optimize, m.scrap, m.utilization, m.cacheLookups)
	return m
}

// CommitRecorded counts one mutation attempt.
func (m *LedgerMetrics) CommitRecorded(kind, outcome string) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(kind, outcome).Inc()
}

// QuantityMoved adds the absolute quantity of a transaction.
func (m *LedgerMetrics) QuantityMoved(txType string, qty float64) {
	if m == nil {
		return
	}
	if qty < 0 {
		qty = -qty
	}
	m.quantity.WithLabelValues(txType).Add(qty)
}

// OptimizeObserved records one optimizer run.
func (m *LedgerMetrics) OptimizeObserved(policy string, d time.Duration) {
	if m == nil {
		return
	}
	m.optimize.WithLabelValues(policy).Observe(d.Seconds())
}

// CuttingCommitted records scrap and utilisation of a committed plan.
func (m *LedgerMetrics) CuttingCommitted(scrap, utilization float64) {
	if m == nil {
		return
	}
	m.scrap.Observe(scrap)
	m.utilization.Observe(utilization)
}

// CacheLookup counts a summary cache hit or miss.
func (m *LedgerMetrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}
