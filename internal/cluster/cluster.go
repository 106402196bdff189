// Package cluster wires every shardfed component from one Config.
//
// A Cluster is an explicit, injectable context: nothing in shardfed holds
// package-level state, so tests and the CLI each build their own with Open
// and release it with Close.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/shardfed/internal/audit"
	"github.com/roach88/shardfed/internal/clock"
	"github.com/roach88/shardfed/internal/config"
	"github.com/roach88/shardfed/internal/dedup"
	"github.com/roach88/shardfed/internal/fallback"
	"github.com/roach88/shardfed/internal/federation"
	"github.com/roach88/shardfed/internal/idcodec"
	"github.com/roach88/shardfed/internal/metrics"
	"github.com/roach88/shardfed/internal/record"
	"github.com/roach88/shardfed/internal/refs"
	"github.com/roach88/shardfed/internal/registry"
	"github.com/roach88/shardfed/internal/retry"
	"github.com/roach88/shardfed/internal/router"
	"github.com/roach88/shardfed/internal/shard"
)

// Cluster holds the constructed components.
type Cluster struct {
	Config   *config.Config
	Registry *registry.Registry
	Codec    *idcodec.Codec
	Router   *router.Router
	Dedup    *dedup.Guard
	Store    *record.Store
	Refs     *refs.Tracker
	Engine   *federation.Engine
	Fallback *fallback.Guard
	Auditor  *audit.Auditor
	Metrics  *metrics.Metrics

	logger *slog.Logger
	clock  clock.Clock
}

type options struct {
	env        shard.Environment
	opener     registry.Opener
	registerer prometheus.Registerer
	clock      clock.Clock
	logger     *slog.Logger
}

// Option configures Open.
type Option func(*options)

// WithEnvironment replaces the process environment as the binding source.
func WithEnvironment(env shard.Environment) Option {
	return func(o *options) { o.env = env }
}

// WithOpener replaces registry.OpenSQLite.
func WithOpener(op registry.Opener) Option {
	return func(o *options) { o.opener = op }
}

// WithRegisterer registers metrics on reg. Without it metrics are not
// registered anywhere.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithClock sets the clock shared by every component.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = clock.OrReal(c) }
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Open discovers the shards and builds every component. A nil cfg means
// config.Default().
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Cluster, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("open cluster: %w", err)
	}
	o := options{clock: clock.Real{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.env == nil {
		o.env = shard.FromOS()
	}

	c := &Cluster{Config: cfg, logger: o.logger, clock: o.clock}
	c.Metrics = metrics.New(o.registerer)

	regOpts := []registry.Option{
		registry.WithMaxSize(cfg.Shards.MaxSizeFor),
		registry.WithThreshold(cfg.Shards.WriteThreshold),
		registry.WithClock(o.clock),
		registry.WithMetrics(c.Metrics),
		registry.WithLogger(o.logger),
	}
	if o.opener != nil {
		regOpts = append(regOpts, registry.WithOpener(o.opener))
	}
	reg, err := registry.Discover(ctx, o.env, cfg.Shards.Prefix, regOpts...)
	if err != nil {
		return nil, fmt.Errorf("open cluster: %w", err)
	}
	c.Registry = reg

	if err := c.build(ctx); err != nil {
		reg.Close()
		return nil, fmt.Errorf("open cluster: %w", err)
	}
	o.logger.Info("cluster ready", "shards", reg.Len(), "prefix", cfg.Shards.Prefix)
	return c, nil
}

func (c *Cluster) build(ctx context.Context) error {
	cfg := c.Config

	codecOpts := []idcodec.Option{
		idcodec.WithClock(c.clock),
		idcodec.WithMetrics(c.Metrics),
		idcodec.WithLogger(c.logger),
	}
	if cfg.IDCodec.CacheSize > 0 {
		codecOpts = append(codecOpts, idcodec.WithCacheSize(cfg.IDCodec.CacheSize))
	}
	if cfg.IDCodec.PersistMappings {
		if catalog, ok := c.Registry.Catalog(); ok {
			codecOpts = append(codecOpts, idcodec.WithMappingStore(shard.NewSQLMappingStore(catalog.Conn)))
		}
	}
	c.Codec = idcodec.New(codecOpts...)
	for _, md := range c.Registry.Shards() {
		if err := c.Codec.Learn(ctx, idcodec.KindShard, md.ID); err != nil {
			return err
		}
	}
	for _, table := range cfg.Shards.Tables {
		if err := c.Codec.Learn(ctx, idcodec.KindType, table); err != nil {
			return err
		}
	}

	c.Router = router.New(c.Registry, c.Codec,
		router.WithConcurrency(cfg.FanOut.Concurrency),
		router.WithTimeout(cfg.FanOut.Timeout),
		router.WithMetrics(c.Metrics),
		router.WithLogger(c.logger))

	c.Dedup = dedup.New(c.Router,
		dedup.WithUniqueIndex(cfg.Dedup.UniqueIndex),
		dedup.WithClock(c.clock),
		dedup.WithMetrics(c.Metrics),
		dedup.WithLogger(c.logger))
	for _, con := range cfg.Dedup.Constraints {
		if err := c.Dedup.Register(dedup.Constraint{Name: con.Name, Table: con.Table, Columns: con.Columns}); err != nil {
			return err
		}
	}

	rels := make([]refs.Relationship, 0, len(cfg.References.Relationships))
	for _, r := range cfg.References.Relationships {
		rels = append(rels, refs.Relationship{
			SourceTable:  r.SourceTable,
			SourceColumn: r.SourceColumn,
			TargetTable:  r.TargetTable,
			Kind:         refs.Kind(r.Kind),
		})
	}
	c.Refs = refs.New(c.Router,
		refs.WithRelationships(rels),
		refs.WithCacheTTL(cfg.References.CacheTTL),
		refs.WithMaxDepth(cfg.References.MaxDepth),
		refs.WithClock(c.clock),
		refs.WithLogger(c.logger))

	c.Store = record.New(c.Router,
		record.WithGuard(c.Dedup),
		record.WithHooks(c.Refs),
		record.WithClock(c.clock),
		record.WithLogger(c.logger))

	c.Engine = federation.New(c.Store,
		federation.WithMetrics(c.Metrics),
		federation.WithLogger(c.logger))

	fb, err := fallback.New(c.Store, FallbackPolicy(cfg.Fallback),
		fallback.WithTracker(c.Refs),
		fallback.WithClock(c.clock),
		fallback.WithMetrics(c.Metrics),
		fallback.WithLogger(c.logger))
	if err != nil {
		return err
	}
	c.Fallback = fb

	c.Auditor = audit.New(c.Router, c.Refs,
		audit.WithGuard(c.Dedup),
		audit.WithImbalance(cfg.Audit.ImbalanceWarn, cfg.Audit.ImbalanceFail),
		audit.WithClockSkew(cfg.Audit.ClockSkew),
		audit.WithClock(c.clock),
		audit.WithMetrics(c.Metrics),
		audit.WithLogger(c.logger))
	return nil
}

// FallbackPolicy converts the fallback section of the configuration.
func FallbackPolicy(f config.Fallback) fallback.Policy {
	p := fallback.Policy{
		Strategy: fallback.Strategy(f.Strategy),
		CacheTTL: f.CacheTTL,
		Retry: retry.Config{
			MaxAttempts:  f.Retry.MaxAttempts,
			InitialDelay: f.Retry.InitialDelay,
			MaxDelay:     f.Retry.MaxDelay,
			Multiplier:   f.Retry.Multiplier,
			Jitter:       f.Retry.Jitter,
		},
	}
	if len(f.Defaults) > 0 {
		p.Defaults = make(map[string]shard.Row, len(f.Defaults))
		for table, row := range f.Defaults {
			p.Defaults[table] = shard.Row(row)
		}
	}
	return p
}

// Monitor builds a health monitor from the audit configuration. A shard
// that becomes unhealthy stops taking writes.
func (c *Cluster) Monitor(opts ...audit.MonitorOption) *audit.Monitor {
	base := []audit.MonitorOption{
		audit.WithInterval(c.Config.Audit.MonitorInterval),
		audit.WithMaxFailures(c.Config.Audit.MaxFailures),
		audit.WithMonitorClock(c.clock),
		audit.WithMonitorLogger(c.logger),
		audit.WithOnUnhealthy(func(shardID string) {
			if err := c.Registry.Disable(shardID); err != nil {
				c.logger.Warn("could not disable unhealthy shard", "shard", shardID, "error", err)
			}
		}),
	}
	return audit.NewMonitor(c.Registry, append(base, opts...)...)
}

// Migrate applies the configured schema to every shard. It is a no-op when
// no schema is configured.
func (c *Cluster) Migrate(ctx context.Context) error {
	if c.Config.Shards.Schema == "" {
		return nil
	}
	return c.Registry.Migrate(ctx, c.Config.Shards.Schema)
}

// Close stops background fallback work and closes every shard.
func (c *Cluster) Close() error {
	var errs []error
	if c.Fallback != nil {
		c.Fallback.Close()
	}
	if c.Registry != nil {
		errs = append(errs, c.Registry.Close())
	}
	return errors.Join(errs...)
}
