package audit

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/roach88/shardfed/internal/clock"
	"github.com/roach88/shardfed/internal/registry"
)

// Health statuses.
const (
	HealthUnknown   = "unknown"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// ShardHealth is the monitor's view of one shard.
type ShardHealth struct {
	ShardID          string    `json:"shard_id"`
	Status           string    `json:"status"`
	LastCheck        time.Time `json:"last_check"`
	LastHealthy      time.Time `json:"last_healthy"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	LastError        string    `json:"last_error,omitempty"`
}

// ProbeFunc checks one shard.
type ProbeFunc func(ctx context.Context, reg *registry.Registry, shardID string) error

// RefreshProbe pings the shard and refreshes its metadata.
func RefreshProbe(ctx context.Context, reg *registry.Registry, shardID string) error {
	e, err := reg.Entry(shardID)
	if err != nil {
		return err
	}
	if err := e.Conn.Ping(ctx); err != nil {
		return err
	}
	_, err = reg.Refresh(ctx, shardID)
	return err
}

// Monitor probes every shard on an interval and marks a shard unhealthy
// after MaxFailures consecutive failures.
//
// Thread-safety: all methods are safe for concurrent use.
type Monitor struct {
	reg         *registry.Registry
	interval    time.Duration
	timeout     time.Duration
	maxFailures int
	probe       ProbeFunc
	onUnhealthy func(shardID string)
	clock       clock.Clock
	logger      *slog.Logger

	mu     sync.RWMutex
	health map[string]*ShardHealth

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithInterval sets the probe interval.
func WithInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithMaxFailures sets the consecutive failures before a shard is unhealthy.
func WithMaxFailures(n int) MonitorOption {
	return func(m *Monitor) {
		if n > 0 {
			m.maxFailures = n
		}
	}
}

// WithProbe replaces RefreshProbe.
func WithProbe(p ProbeFunc) MonitorOption {
	return func(m *Monitor) { m.probe = p }
}

// WithOnUnhealthy registers a callback run once each time a shard becomes
// unhealthy.
func WithOnUnhealthy(fn func(shardID string)) MonitorOption {
	return func(m *Monitor) { m.onUnhealthy = fn }
}

// WithMonitorClock sets the clock used for health timestamps.
func WithMonitorClock(c clock.Clock) MonitorOption {
	return func(m *Monitor) { m.clock = clock.OrReal(c) }
}

// WithMonitorLogger sets the logger.
func WithMonitorLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = l }
}

// NewMonitor creates a stopped Monitor.
func NewMonitor(reg *registry.Registry, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		reg:         reg,
		interval:    30 * time.Second,
		timeout:     5 * time.Second,
		maxFailures: 3,
		probe:       RefreshProbe,
		clock:       clock.Real{},
		logger:      slog.Default(),
		health:      make(map[string]*ShardHealth),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start probes once immediately and then on every tick until ctx is done
// or Stop is called. Starting a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.logger.Info("shard health monitor started", "interval", m.interval)
		m.CheckNow(ctx)
		for {
			select {
			case <-ticker.C:
				m.CheckNow(ctx)
			case <-ctx.Done():
				m.logger.Info("shard health monitor stopped")
				return
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight round to finish.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// CheckNow probes every shard once. Shards no longer in the registry are
// forgotten.
func (m *Monitor) CheckNow(ctx context.Context) {
	current := make(map[string]bool)
	for _, md := range m.reg.Shards() {
		current[md.ID] = true
		m.checkShard(ctx, md.ID)
	}
	m.mu.Lock()
	for id := range m.health {
		if !current[id] {
			delete(m.health, id)
		}
	}
	m.mu.Unlock()
}

func (m *Monitor) checkShard(ctx context.Context, shardID string) {
	m.mu.Lock()
	h, ok := m.health[shardID]
	if !ok {
		h = &ShardHealth{ShardID: shardID, Status: HealthUnknown}
		m.health[shardID] = h
	}
	m.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.probe(pctx, m.reg, shardID)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	h.LastCheck = now
	if err == nil {
		if h.Status == HealthUnhealthy {
			m.logger.Info("shard recovered", "shard", shardID)
		}
		h.Status = HealthHealthy
		h.ConsecutiveFails = 0
		h.LastHealthy = now
		h.LastError = ""
		return
	}

	h.ConsecutiveFails++
	h.LastError = err.Error()
	m.logger.Warn("shard health check failed",
		"shard", shardID, "attempt", h.ConsecutiveFails, "max", m.maxFailures, "error", err)
	if h.ConsecutiveFails >= m.maxFailures && h.Status != HealthUnhealthy {
		h.Status = HealthUnhealthy
		m.logger.Error("shard marked unhealthy", "shard", shardID, "failures", h.ConsecutiveFails)
		if m.onUnhealthy != nil {
			go m.onUnhealthy(shardID)
		}
	}
}

// Health returns a copy of the shard's health.
func (m *Monitor) Health(shardID string) (ShardHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.health[shardID]
	if !ok {
		return ShardHealth{}, false
	}
	return *h, true
}

// All returns a copy of every shard's health.
func (m *Monitor) All() map[string]ShardHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ShardHealth, len(m.health))
	for id, h := range m.health {
		out[id] = *h
	}
	return out
}

// Healthy reports whether every known shard is healthy.
func (m *Monitor) Healthy() bool {
	all := m.All()
	for h := range maps.Values(all) {
		if h.Status != HealthHealthy {
			return false
		}
	}
	return len(all) > 0
}
