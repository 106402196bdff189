// Package registry discovers shards and tracks their capacity.
//
// A Registry is process-local state: size and record counts are only as
// fresh as the last Refresh in this process. It is constructed once, shared
// by every component, and torn down with Close.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/shardfed/internal/clock"
	"github.com/roach88/shardfed/internal/fault"
	"github.com/roach88/shardfed/internal/idcodec"
	"github.com/roach88/shardfed/internal/metrics"
	"github.com/roach88/shardfed/internal/querysql"
	"github.com/roach88/shardfed/internal/shard"
)

// DefaultMaxSizeBytes is the capacity assumed when none is configured.
const DefaultMaxSizeBytes int64 = 10 << 30

// DefaultWriteThreshold is the utilization at which a shard stops taking writes.
const DefaultWriteThreshold = 0.9

// Metadata describes one shard.
type Metadata struct {
	ID           string           `json:"id"`
	Binding      string           `json:"binding"`
	Index        int              `json:"index"`
	SizeBytes    int64            `json:"size_bytes"`
	MaxSizeBytes int64            `json:"max_size_bytes"`
	RecordCount  int64            `json:"record_count"`
	Tables       map[string]int64 `json:"tables,omitempty"`
	Active       bool             `json:"active"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Utilization returns SizeBytes / MaxSizeBytes.
func (m Metadata) Utilization() float64 {
	if m.MaxSizeBytes <= 0 {
		return 1
	}
	return float64(m.SizeBytes) / float64(m.MaxSizeBytes)
}

// Eligible reports whether the shard may take new writes at threshold.
func (m Metadata) Eligible(threshold float64) bool {
	return m.Active && float64(m.SizeBytes) < threshold*float64(m.MaxSizeBytes)
}

func (m Metadata) clone() Metadata {
	out := m
	if m.Tables != nil {
		out.Tables = make(map[string]int64, len(m.Tables))
		for k, v := range m.Tables {
			out.Tables[k] = v
		}
	}
	return out
}

// Entry pairs a shard's metadata snapshot with its connection.
type Entry struct {
	Meta Metadata
	Conn shard.Conn
}

// ID returns the shard id.
func (e Entry) ID() string { return e.Meta.ID }

// Opener opens the connection for a binding.
type Opener func(b shard.Binding) (shard.Conn, error)

// OpenSQLite is the default Opener.
func OpenSQLite(b shard.Binding) (shard.Conn, error) {
	return shard.OpenSQLite(b.DSN)
}

type entry struct {
	meta Metadata
	conn shard.Conn
}

// Registry holds every known shard.
//
// Thread-safety: all methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string // shard ids by ascending index
	active  string

	opener    Opener
	maxSize   func(binding string) int64
	threshold float64
	codec     *idcodec.Codec
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    *slog.Logger

	refreshes singleflight.Group
}

// Option configures a Registry.
type Option func(*Registry)

// WithOpener replaces OpenSQLite.
func WithOpener(o Opener) Option {
	return func(r *Registry) { r.opener = o }
}

// WithMaxSize sets a per-binding capacity function.
func WithMaxSize(fn func(binding string) int64) Option {
	return func(r *Registry) { r.maxSize = fn }
}

// WithThreshold sets the write-eligibility threshold.
func WithThreshold(t float64) Option {
	return func(r *Registry) {
		if t > 0 && t <= 1 {
			r.threshold = t
		}
	}
}

// WithCodec teaches codec every discovered shard id.
func WithCodec(c *idcodec.Codec) Option {
	return func(r *Registry) { r.codec = c }
}

// WithClock sets the clock used for metadata timestamps.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = clock.OrReal(c) }
}

// WithMetrics publishes shard gauges.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func newRegistry(opts []Option) *Registry {
	r := &Registry{
		entries:   make(map[string]*entry),
		opener:    OpenSQLite,
		maxSize:   func(string) int64 { return DefaultMaxSizeBytes },
		threshold: DefaultWriteThreshold,
		clock:     clock.Real{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Discover opens every binding in env matching prefix. Every shard starts
// active; the highest-index one becomes the write target. Zero bindings
// yields an empty registry.
func Discover(ctx context.Context, env shard.Environment, prefix string, opts ...Option) (*Registry, error) {
	r := newRegistry(opts)

	bindings, err := env.Bindings(prefix)
	if err != nil {
		return nil, fmt.Errorf("discover shards: %w", err)
	}

	for _, b := range bindings {
		conn, err := r.opener(b)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("discover shards: open %s: %w", b.Name, err)
		}
		if err := r.add(ctx, b, conn); err != nil {
			conn.Close()
			r.Close()
			return nil, fmt.Errorf("discover shards: %w", err)
		}
	}

	if n := len(r.order); n > 0 {
		r.active = r.order[n-1]
	}
	r.logger.Info("shards discovered", "count", len(r.order), "active", r.active)
	return r, nil
}

func (r *Registry) add(ctx context.Context, b shard.Binding, conn shard.Conn) error {
	id := b.ShardID()
	if r.codec != nil {
		if err := r.codec.Learn(ctx, idcodec.KindShard, id); err != nil {
			return err
		}
	}
	max := r.maxSize(b.Name)
	if max <= 0 {
		max = DefaultMaxSizeBytes
	}
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = &entry{
		meta: Metadata{
			ID:           id,
			Binding:      b.Name,
			Index:        b.Index,
			MaxSizeBytes: max,
			Active:       true,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		conn: conn,
	}
	r.order = append(r.order, id)
	sort.Slice(r.order, func(i, j int) bool {
		return r.entries[r.order[i]].meta.Index < r.entries[r.order[j]].meta.Index
	})
	return nil
}

// Threshold returns the write-eligibility threshold.
func (r *Registry) Threshold() float64 {
	return r.threshold
}

// Len returns the number of shards.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Shards returns metadata snapshots sorted by index.
func (r *Registry) Shards() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].meta.clone())
	}
	return out
}

// Entries returns every shard with its connection, sorted by index.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		e := r.entries[id]
		out = append(out, Entry{Meta: e.meta.clone(), Conn: e.conn})
	}
	return out
}

// Get returns the metadata of shardID.
func (r *Registry) Get(shardID string) (Metadata, error) {
	e, err := r.Entry(shardID)
	if err != nil {
		return Metadata{}, err
	}
	return e.Meta, nil
}

// Entry returns shardID with its connection.
func (r *Registry) Entry(shardID string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[shardID]
	if !ok {
		return Entry{}, fault.UnknownShard(shardID)
	}
	return Entry{Meta: e.meta.clone(), Conn: e.conn}, nil
}

// Catalog returns the lowest-index shard, which holds process-wide
// bookkeeping such as durable id mappings.
func (r *Registry) Catalog() (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return Entry{}, false
	}
	e := r.entries[r.order[0]]
	return Entry{Meta: e.meta.clone(), Conn: e.conn}, true
}

// Active returns the current write target, if any.
func (r *Registry) Active() (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == "" {
		return Metadata{}, false
	}
	return r.entries[r.active].meta.clone(), true
}

// SetActive makes shardID the write target and marks it active.
func (r *Registry) SetActive(shardID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[shardID]
	if !ok {
		return fault.UnknownShard(shardID)
	}
	e.meta.Active = true
	if r.active != shardID {
		r.logger.Info("active shard changed", "from", r.active, "to", shardID)
	}
	r.active = shardID
	return nil
}

// Disable stops shardID from taking writes. Reads are unaffected.
func (r *Registry) Disable(shardID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[shardID]
	if !ok {
		return fault.UnknownShard(shardID)
	}
	e.meta.Active = false
	if r.active == shardID {
		r.active = ""
	}
	return nil
}

// Refresh re-reads size and row counts for shardID. A shard at or above
// the write threshold is marked inactive; Refresh never re-activates one.
// Concurrent refreshes of the same shard share one round trip.
func (r *Registry) Refresh(ctx context.Context, shardID string) (Metadata, error) {
	v, err, _ := r.refreshes.Do(shardID, func() (any, error) {
		return r.refresh(ctx, shardID)
	})
	if err != nil {
		return Metadata{}, err
	}
	return v.(Metadata), nil
}

func (r *Registry) refresh(ctx context.Context, shardID string) (Metadata, error) {
	e, err := r.Entry(shardID)
	if err != nil {
		return Metadata{}, err
	}

	pages, pageSize, err := e.Conn.PageStats(ctx)
	if err != nil {
		return Metadata{}, fmt.Errorf("refresh %s: %w", shardID, err)
	}
	tables, err := e.Conn.Tables(ctx)
	if err != nil {
		return Metadata{}, fmt.Errorf("refresh %s: %w", shardID, err)
	}
	counts := make(map[string]int64, len(tables))
	var total int64
	for _, t := range tables {
		query, args, err := querysql.CompileCount(t, nil)
		if err != nil {
			// Tables with names we refuse to interpolate are not counted.
			r.logger.Debug("skipping table", "shard", shardID, "table", t)
			continue
		}
		row, err := e.Conn.Prepare(query).Bind(args...).First(ctx)
		if err != nil {
			return Metadata{}, fmt.Errorf("refresh %s: count %s: %w", shardID, t, err)
		}
		n, _ := row.Int("count")
		counts[t] = n
		total += n
	}

	r.mu.Lock()
	cur, ok := r.entries[shardID]
	if !ok {
		r.mu.Unlock()
		return Metadata{}, fault.UnknownShard(shardID)
	}
	cur.meta.SizeBytes = pages * pageSize
	cur.meta.Tables = counts
	cur.meta.RecordCount = total
	cur.meta.UpdatedAt = r.clock.Now()
	if cur.meta.Active && float64(cur.meta.SizeBytes) >= r.threshold*float64(cur.meta.MaxSizeBytes) {
		cur.meta.Active = false
		if r.active == shardID {
			r.active = ""
		}
		r.logger.Warn("shard reached capacity threshold",
			"shard", shardID, "size", cur.meta.SizeBytes, "max", cur.meta.MaxSizeBytes)
	}
	meta := cur.meta.clone()
	r.mu.Unlock()

	r.metrics.ShardStats(meta.ID, meta.SizeBytes, meta.MaxSizeBytes, meta.RecordCount, meta.Active)
	return meta, nil
}

// RefreshAll refreshes every shard. Shards that fail keep their previous
// metadata; their errors are joined into the returned error.
func (r *Registry) RefreshAll(ctx context.Context) ([]Metadata, error) {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, e := range r.Entries() {
		id := e.ID()
		g.Go(func() error {
			if _, err := r.Refresh(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return r.Shards(), errors.Join(errs...)
}

// Migrate applies application DDL to every shard.
func (r *Registry) Migrate(ctx context.Context, ddl string) error {
	for _, e := range r.Entries() {
		if _, err := e.Conn.Prepare(ddl).Run(ctx); err != nil {
			return fmt.Errorf("migrate %s: %w", e.ID(), err)
		}
	}
	return nil
}

// Close closes every shard connection.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, id := range r.order {
		if err := r.entries[id].conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	r.entries = make(map[string]*entry)
	r.order = nil
	r.active = ""
	return errors.Join(errs...)
}
