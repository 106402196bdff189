package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetrics_NoPanic(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveFanOut("read", time.Second)
		m.ShardError("shard-1", "read")
		m.ShardStats("shard-1", 1, 2, 3, true)
		m.IDGenerated()
		m.WriteRouted("shard-1")
		m.FallbackServed("users", "cache")
		m.UniqueConflict("users")
		m.TxOutcome("committed")
		m.AuditCheck("id_format", "passed")
	})
}

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ShardStats("shard-1", 45, 100, 7, true)
	assert.Equal(t, 45.0, testutil.ToFloat64(m.shardSizeBytes.WithLabelValues("shard-1")))
	assert.Equal(t, 0.45, testutil.ToFloat64(m.shardUtil.WithLabelValues("shard-1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.shardActive.WithLabelValues("shard-1")))

	m.ShardStats("shard-1", 95, 100, 7, false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.shardActive.WithLabelValues("shard-1")))

	m.IDGenerated()
	m.IDGenerated()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.idsGenerated))

	m.FallbackServed("users", "cache")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fallbackServed.WithLabelValues("users", "cache")))

	m.ObserveFanOut("read", 10*time.Millisecond)
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
