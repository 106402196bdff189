// Package router places writes on a shard with free capacity and routes
// reads to the shard encoded in an id, or to every shard at once.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/shardfed/internal/fault"
	"github.com/roach88/shardfed/internal/idcodec"
	"github.com/roach88/shardfed/internal/metrics"
	"github.com/roach88/shardfed/internal/registry"
)

// DefaultConcurrency bounds in-flight shard calls per fan-out.
const DefaultConcurrency = 16

// Router routes reads and writes to shards.
//
// Thread-safety: all methods are safe for concurrent use.
type Router struct {
	reg         *registry.Registry
	codec       *idcodec.Codec
	concurrency int
	timeout     time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithConcurrency bounds concurrent shard calls in one fan-out. Zero or
// negative means unbounded.
func WithConcurrency(n int) Option {
	return func(r *Router) { r.concurrency = n }
}

// WithTimeout bounds each per-shard call in a fan-out.
func WithTimeout(d time.Duration) Option {
	return func(r *Router) { r.timeout = d }
}

// WithMetrics records fan-out latency and failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New creates a Router over reg, decoding ids with codec.
func New(reg *registry.Registry, codec *idcodec.Codec, opts ...Option) *Router {
	r := &Router{
		reg:         reg,
		codec:       codec,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the underlying registry.
func (r *Router) Registry() *registry.Registry { return r.reg }

// Codec returns the id codec.
func (r *Router) Codec() *idcodec.Codec { return r.codec }

// SelectForWrite returns a shard eligible for new writes.
//
// The current active shard is refreshed first and kept if still eligible.
// Otherwise every remaining active shard is refreshed newest-index-first and
// the first eligible one becomes the new active shard. Shards whose refresh
// fails are skipped. With no eligible shard the error is fault.CodeNoCapacity.
func (r *Router) SelectForWrite(ctx context.Context) (registry.Entry, error) {
	threshold := r.reg.Threshold()

	var checked string
	if cur, ok := r.reg.Active(); ok {
		checked = cur.ID
		meta, err := r.reg.Refresh(ctx, cur.ID)
		switch {
		case err != nil:
			r.logger.Warn("active shard refresh failed", "shard", cur.ID, "error", err)
		case meta.Eligible(threshold):
			return r.pick(cur.ID)
		}
	}

	entries := r.reg.Entries()
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.ID() == checked || !e.Meta.Active {
			continue
		}
		meta, err := r.reg.Refresh(ctx, e.ID())
		if err != nil {
			r.logger.Warn("candidate shard refresh failed", "shard", e.ID(), "error", err)
			continue
		}
		if !meta.Eligible(threshold) {
			continue
		}
		if err := r.reg.SetActive(e.ID()); err != nil {
			return registry.Entry{}, err
		}
		return r.pick(e.ID())
	}

	return registry.Entry{}, fault.NoCapacity(len(entries))
}

func (r *Router) pick(shardID string) (registry.Entry, error) {
	e, err := r.reg.Entry(shardID)
	if err != nil {
		return registry.Entry{}, err
	}
	r.metrics.WriteRouted(shardID)
	return e, nil
}

// Resolve returns the shard that owns id.
func (r *Router) Resolve(ctx context.Context, id string) (registry.Entry, error) {
	dec, err := r.codec.Decode(ctx, id)
	if err != nil {
		return registry.Entry{}, err
	}
	return r.reg.Entry(dec.ShardID)
}

// Failure is one shard's error in a fan-out.
type Failure struct {
	ShardID string   `json:"shard_id"`
	IDs     []string `json:"ids,omitempty"` // ids routed to the shard, for by-id fan-outs
	Err     error    `json:"-"`
}

// Error implements error.
func (f Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.ShardID, f.Err)
}

// Unwrap returns the shard error.
func (f Failure) Unwrap() error { return f.Err }

// JoinFailures folds failures into one error, or nil.
func JoinFailures(failures []Failure) error {
	if len(failures) == 0 {
		return nil
	}
	errs := make([]error, len(failures))
	for i, f := range failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}
