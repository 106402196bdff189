// Package audit checks the shard set for cross-shard consistency problems,
// repairs the mechanical ones, reports capacity, and monitors shard health.
//
// Findings are data: a failed check is a Report entry, never a Go error.
// Errors are returned only when the audit itself cannot run.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/ksuid"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/shardfed/internal/clock"
	"github.com/roach88/shardfed/internal/dedup"
	"github.com/roach88/shardfed/internal/metrics"
	"github.com/roach88/shardfed/internal/refs"
	"github.com/roach88/shardfed/internal/registry"
	"github.com/roach88/shardfed/internal/router"
)

// Status grades a check or a whole report.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusWarning Status = "warning"
	StatusFailed  Status = "failed"
)

func (s Status) rank() int {
	switch s {
	case StatusFailed:
		return 2
	case StatusWarning:
		return 1
	default:
		return 0
	}
}

func worst(a, b Status) Status {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Issue is one finding.
type Issue struct {
	ShardID string `json:"shard_id,omitempty"`
	Table   string `json:"table,omitempty"`
	ID      string `json:"id,omitempty"`
	Detail  string `json:"detail"`
}

// Check is the outcome of one consistency check.
type Check struct {
	Name    string  `json:"name"`
	Status  Status  `json:"status"`
	Message string  `json:"message"`
	Issues  []Issue `json:"issues,omitempty"`
	// Error is set when the check could not run; Status is then failed.
	Error string `json:"error,omitempty"`
}

func (c *Check) add(status Status, issue Issue) {
	c.Status = worst(c.Status, status)
	c.Issues = append(c.Issues, issue)
}

// Report is the result of RunConsistencyChecks.
type Report struct {
	ID        string        `json:"id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Status    Status        `json:"status"`
	Checks    []Check       `json:"checks"`
}

// Check returns the named check.
func (r Report) Check(name string) (Check, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return Check{}, false
}

// Check names.
const (
	CheckForeignKeys  = "foreign_keys"
	CheckUniqueness   = "uniqueness"
	CheckOrphans      = "orphaned_join_rows"
	CheckShardBalance = "shard_balance"
	CheckTimestamps   = "timestamps"
	CheckIDFormat     = "id_format"
)

// Defaults for Auditor thresholds.
const (
	DefaultImbalanceWarn = 0.2
	DefaultImbalanceFail = 0.5
	DefaultClockSkew     = 5 * time.Minute
)

// Auditor runs consistency checks across all shards.
//
// Thread-safety: all methods are safe for concurrent use.
type Auditor struct {
	router        *router.Router
	guard         *dedup.Guard
	tracker       *refs.Tracker
	imbalanceWarn float64
	imbalanceFail float64
	clockSkew     time.Duration
	clock         clock.Clock
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// Option configures an Auditor.
type Option func(*Auditor)

// WithGuard enables the uniqueness check.
func WithGuard(g *dedup.Guard) Option {
	return func(a *Auditor) { a.guard = g }
}

// WithImbalance sets the shard size deviation thresholds, as fractions of
// the mean.
func WithImbalance(warn, fail float64) Option {
	return func(a *Auditor) { a.imbalanceWarn, a.imbalanceFail = warn, fail }
}

// WithClockSkew sets how far in the future a timestamp may be.
func WithClockSkew(d time.Duration) Option {
	return func(a *Auditor) { a.clockSkew = d }
}

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(a *Auditor) { a.clock = clock.OrReal(c) }
}

// WithMetrics records check outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Auditor) { a.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Auditor) { a.logger = l }
}

// New creates an Auditor. The tracker supplies the relationship table and
// recorded edges.
func New(r *router.Router, tracker *refs.Tracker, opts ...Option) *Auditor {
	a := &Auditor{
		router:        r,
		tracker:       tracker,
		imbalanceWarn: DefaultImbalanceWarn,
		imbalanceFail: DefaultImbalanceFail,
		clockSkew:     DefaultClockSkew,
		clock:         clock.Real{},
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Auditor) registry() *registry.Registry { return a.router.Registry() }

type checkFunc func(ctx context.Context) (Check, error)

// RunConsistencyChecks runs every check concurrently. A check that cannot
// run is reported as failed with its error; the call itself fails only
// when ctx is done.
func (a *Auditor) RunConsistencyChecks(ctx context.Context) (Report, error) {
	started := a.clock.Now()
	checks := []struct {
		name string
		fn   checkFunc
	}{
		{CheckForeignKeys, a.checkForeignKeys},
		{CheckUniqueness, a.checkUniqueness},
		{CheckOrphans, a.checkOrphans},
		{CheckShardBalance, a.checkShardBalance},
		{CheckTimestamps, a.checkTimestamps},
		{CheckIDFormat, a.checkIDFormat},
	}

	results := make([]Check, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range checks {
		g.Go(func() error {
			res, err := c.fn(gctx)
			if err != nil {
				a.logger.Error("audit check could not run", "check", c.name, "error", err)
				res = Check{Name: c.name, Status: StatusFailed, Message: "check could not run", Error: err.Error()}
			}
			res.Name = c.name
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Report{}, fmt.Errorf("consistency checks: %w", err)
	}

	report := Report{
		ID:        ksuid.New().String(),
		StartedAt: started,
		Duration:  a.clock.Now().Sub(started),
		Status:    StatusPassed,
		Checks:    results,
	}
	for _, c := range results {
		report.Status = worst(report.Status, c.Status)
		a.metrics.AuditCheck(c.Name, string(c.Status))
	}
	a.logger.Info("consistency checks finished", "report", report.ID, "status", report.Status)
	return report, nil
}
