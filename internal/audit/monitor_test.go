package audit

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shardfed/internal/registry"
)

func TestMonitor_MarksUnhealthyAfterMaxFailures(t *testing.T) {
	h := newHarness(t, 2)
	unhealthy := make(chan string, 1)
	m := NewMonitor(h.reg, WithMaxFailures(2), WithOnUnhealthy(func(id string) { unhealthy <- id }))
	ctx := context.Background()

	m.CheckNow(ctx)
	hl, ok := m.Health("shard-2")
	require.True(t, ok)
	assert.Equal(t, HealthHealthy, hl.Status)
	assert.True(t, m.Healthy())

	h.set.Conn("shard-2").Fail(errors.New("disk gone"))
	m.CheckNow(ctx)
	hl, _ = m.Health("shard-2")
	assert.Equal(t, HealthHealthy, hl.Status, "one failure is tolerated")
	assert.Equal(t, 1, hl.ConsecutiveFails)

	m.CheckNow(ctx)
	hl, _ = m.Health("shard-2")
	assert.Equal(t, HealthUnhealthy, hl.Status)
	assert.Contains(t, hl.LastError, "disk gone")
	assert.False(t, m.Healthy())
	select {
	case id := <-unhealthy:
		assert.Equal(t, "shard-2", id)
	case <-time.After(time.Second):
		t.Fatal("unhealthy callback not called")
	}

	h.set.Conn("shard-2").Heal()
	m.CheckNow(ctx)
	hl, _ = m.Health("shard-2")
	assert.Equal(t, HealthHealthy, hl.Status)
	assert.Zero(t, hl.ConsecutiveFails)

	_, ok = m.Health("shard-9")
	assert.False(t, ok)
}

func TestMonitor_StartStop(t *testing.T) {
	h := newHarness(t, 1)
	var probes atomic.Int32
	m := NewMonitor(h.reg,
		WithInterval(5*time.Millisecond),
		WithProbe(func(ctx context.Context, reg *registry.Registry, id string) error {
			probes.Add(1)
			return nil
		}))

	m.Start(context.Background())
	m.Start(context.Background())
	require.Eventually(t, func() bool { return probes.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	m.Stop()

	after := probes.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, probes.Load(), "no probes after Stop")
	assert.Len(t, m.All(), 1)
	m.Stop()
}
