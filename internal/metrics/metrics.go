// Package metrics exposes Prometheus collectors for shard routing.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "shardfed"

// Metrics holds all collectors.
type Metrics struct {
	fanOutDuration  *prometheus.HistogramVec
	shardErrors     *prometheus.CounterVec
	shardSizeBytes  *prometheus.GaugeVec
	shardUtil       *prometheus.GaugeVec
	shardRecords    *prometheus.GaugeVec
	shardActive     *prometheus.GaugeVec
	idsGenerated    prometheus.Counter
	writesRouted    *prometheus.CounterVec
	fallbackServed  *prometheus.CounterVec
	uniqueConflicts *prometheus.CounterVec
	txOutcomes      *prometheus.CounterVec
	auditChecks     *prometheus.CounterVec
}

// New creates and registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		fanOutDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fanout_duration_seconds",
			Help:      "Wall time of one fan-out across all shards.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		shardErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shard_errors_total",
			Help:      "Per-shard failures observed during fan-out.",
		}, []string{"shard", "op"}),
		shardSizeBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shard_size_bytes",
			Help:      "Last refreshed size of each shard.",
		}, []string{"shard"}),
		shardUtil: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shard_utilization_ratio",
			Help:      "Size divided by capacity for each shard.",
		}, []string{"shard"}),
		shardRecords: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shard_records",
			Help:      "Application row count of each shard.",
		}, []string{"shard"}),
		shardActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shard_active",
			Help:      "1 while the shard accepts writes.",
		}, []string{"shard"}),
		idsGenerated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ids_generated_total",
			Help:      "Universal ids minted by this process.",
		}),
		writesRouted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_routed_total",
			Help:      "Inserts routed to each shard.",
		}, []string{"shard"}),
		fallbackServed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_served_total",
			Help:      "Degraded responses served by the fallback guard.",
		}, []string{"table", "source"}),
		uniqueConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unique_conflicts_total",
			Help:      "Writes rejected by global uniqueness checks.",
		}, []string{"table"}),
		txOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "distributed_tx_total",
			Help:      "Distributed transaction outcomes.",
		}, []string{"outcome"}),
		auditChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_checks_total",
			Help:      "Consistency check results by status.",
		}, []string{"check", "status"}),
	}
}

// ObserveFanOut records the duration of a fan-out operation.
func (m *Metrics) ObserveFanOut(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.fanOutDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ShardError counts one per-shard failure.
func (m *Metrics) ShardError(shardID, op string) {
	if m == nil {
		return
	}
	m.shardErrors.WithLabelValues(shardID, op).Inc()
}

// ShardStats publishes refreshed shard metadata.
func (m *Metrics) ShardStats(shardID string, size, max, records int64, active bool) {
	if m == nil {
		return
	}
	m.shardSizeBytes.WithLabelValues(shardID).Set(float64(size))
	if max > 0 {
		m.shardUtil.WithLabelValues(shardID).Set(float64(size) / float64(max))
	}
	m.shardRecords.WithLabelValues(shardID).Set(float64(records))
	v := 0.0
	if active {
		v = 1
	}
	m.shardActive.WithLabelValues(shardID).Set(v)
}

// IDGenerated counts a minted id.
func (m *Metrics) IDGenerated() {
	if m == nil {
		return
	}
	m.idsGenerated.Inc()
}

// WriteRouted counts an insert placed on shardID.
func (m *Metrics) WriteRouted(shardID string) {
	if m == nil {
		return
	}
	m.writesRouted.WithLabelValues(shardID).Inc()
}

// FallbackServed counts a degraded read.
func (m *Metrics) FallbackServed(table, source string) {
	if m == nil {
		return
	}
	m.fallbackServed.WithLabelValues(table, source).Inc()
}

// UniqueConflict counts a rejected write.
func (m *Metrics) UniqueConflict(table string) {
	if m == nil {
		return
	}
	m.uniqueConflicts.WithLabelValues(table).Inc()
}

// TxOutcome counts a distributed transaction result.
func (m *Metrics) TxOutcome(outcome string) {
	if m == nil {
		return
	}
	m.txOutcomes.WithLabelValues(outcome).Inc()
}

// AuditCheck counts one consistency check result.
func (m *Metrics) AuditCheck(check, status string) {
	if m == nil {
		return
	}
	m.auditChecks.WithLabelValues(check, status).Inc()
}
