// Package refs records and inspects relationships between records that may
// live on different shards.
//
// Edges are stored in the _shard_references table of the shard that holds
// the source record. Nothing here enforces referential integrity: deleting a
// target leaves inbound edges in place, and ValidateReferences or the
// auditor reports them.
package refs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/shardfed/internal/cache"
	"github.com/roach88/shardfed/internal/clock"
	"github.com/roach88/shardfed/internal/fault"
	"github.com/roach88/shardfed/internal/registry"
	"github.com/roach88/shardfed/internal/router"
	"github.com/roach88/shardfed/internal/shard"
)

// Kind classifies an edge.
type Kind string

const (
	KindForeignKey Kind = "foreign_key"
	KindManyToMany Kind = "many_to_many"
	KindSoft       Kind = "soft"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindForeignKey || k == KindManyToMany || k == KindSoft
}

// Relationship declares that SourceTable.SourceColumn holds ids of
// TargetTable records.
type Relationship struct {
	SourceTable  string `json:"source_table"`
	SourceColumn string `json:"source_column"`
	TargetTable  string `json:"target_table"`
	Kind         Kind   `json:"kind"`
}

// DefaultRelationships is the relationship table of the reference schema.
func DefaultRelationships() []Relationship {
	return []Relationship{
		{SourceTable: "posts", SourceColumn: "user_id", TargetTable: "users", Kind: KindForeignKey},
		{SourceTable: "comments", SourceColumn: "post_id", TargetTable: "posts", Kind: KindForeignKey},
		{SourceTable: "comments", SourceColumn: "user_id", TargetTable: "users", Kind: KindForeignKey},
		{SourceTable: "post_tags", SourceColumn: "post_id", TargetTable: "posts", Kind: KindManyToMany},
		{SourceTable: "post_tags", SourceColumn: "tag_id", TargetTable: "tags", Kind: KindManyToMany},
	}
}

// Reference is one recorded edge.
type Reference struct {
	SourceTable string `json:"source_table"`
	SourceID    string `json:"source_id"`
	SourceShard string `json:"source_shard"`
	TargetTable string `json:"target_table"`
	TargetID    string `json:"target_id"`
	TargetShard string `json:"target_shard"`
	Kind        Kind   `json:"kind"`
	CreatedAt   int64  `json:"created_at"`
}

func fromRow(r shard.Row) Reference {
	created, _ := r.Int("created_at")
	return Reference{
		SourceTable: r.String("source_table"),
		SourceID:    r.String("source_id"),
		SourceShard: r.String("source_shard"),
		TargetTable: r.String("target_table"),
		TargetID:    r.String("target_id"),
		TargetShard: r.String("target_shard"),
		Kind:        Kind(r.String("kind")),
		CreatedAt:   created,
	}
}

const (
	// DefaultCacheTTL bounds how stale GetReferences may be.
	DefaultCacheTTL = time.Minute
	// DefaultMaxDepth is the BuildReferenceMap depth when none is given.
	DefaultMaxDepth = 3
)

// Tracker records and queries cross-shard references.
//
// Thread-safety: all methods are safe for concurrent use.
type Tracker struct {
	router   *router.Router
	rels     []Relationship
	cache    *cache.TTL[string, []Reference]
	cacheTTL time.Duration
	maxDepth int
	clock    clock.Clock
	logger   *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithRelationships replaces the default relationship table.
func WithRelationships(rels []Relationship) Option {
	return func(t *Tracker) { t.rels = append([]Relationship(nil), rels...) }
}

// WithCacheTTL sets how long outbound reference lists are cached.
func WithCacheTTL(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.cacheTTL = d
		}
	}
}

// WithMaxDepth sets the default BuildReferenceMap depth.
func WithMaxDepth(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxDepth = n
		}
	}
}

// WithClock sets the clock for edge timestamps and cache expiry.
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) { t.clock = clock.OrReal(c) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// New creates a Tracker.
func New(r *router.Router, opts ...Option) *Tracker {
	t := &Tracker{
		router:   r,
		rels:     DefaultRelationships(),
		cacheTTL: DefaultCacheTTL,
		maxDepth: DefaultMaxDepth,
		clock:    clock.Real{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.cache = cache.NewTTL[string, []Reference](t.cacheTTL, t.clock)
	return t
}

// Relationships returns a copy of the relationship table.
func (t *Tracker) Relationships() []Relationship {
	return append([]Relationship(nil), t.rels...)
}

func cacheKey(table, id string) string { return table + "\x00" + id }

// TrackReference stores ref on the source record's shard. SourceShard is
// always taken from SourceID; an empty TargetShard is filled in by decoding
// TargetID, and a zero CreatedAt is set to now. Tracking the same edge again
// replaces it.
func (t *Tracker) TrackReference(ctx context.Context, ref Reference) error {
	if ref.SourceTable == "" || ref.SourceID == "" || ref.TargetTable == "" || ref.TargetID == "" {
		return fault.InvalidArgument("track reference: source and target are required")
	}
	if ref.Kind == "" {
		ref.Kind = KindForeignKey
	}
	if !ref.Kind.Valid() {
		return fault.InvalidArgument("track reference: unknown kind %q", ref.Kind)
	}

	src, err := t.router.Resolve(ctx, ref.SourceID)
	if err != nil {
		return fmt.Errorf("track reference: %w", err)
	}
	ref.SourceShard = src.ID()
	if ref.TargetShard == "" {
		dst, err := t.router.Resolve(ctx, ref.TargetID)
		if err != nil {
			return fmt.Errorf("track reference: target: %w", err)
		}
		ref.TargetShard = dst.ID()
	}
	if ref.CreatedAt == 0 {
		ref.CreatedAt = t.clock.Now().UnixMilli()
	}

	_, err = src.Conn.Prepare(`
		INSERT INTO _shard_references
			(source_table, source_id, source_shard, target_table, target_id, target_shard, kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_table, source_id, target_table, target_id) DO UPDATE SET
			source_shard = excluded.source_shard,
			target_shard = excluded.target_shard,
			kind = excluded.kind,
			created_at = excluded.created_at
	`).Bind(ref.SourceTable, ref.SourceID, ref.SourceShard, ref.TargetTable, ref.TargetID,
		ref.TargetShard, string(ref.Kind), ref.CreatedAt).Run(ctx)
	if err != nil {
		return fmt.Errorf("track reference on %s: %w", src.ID(), err)
	}
	t.cache.Delete(cacheKey(ref.SourceTable, ref.SourceID))
	return nil
}

// TrackRecord records an edge for every known relationship whose source is
// table and whose column is set in row. Targets that cannot be routed are
// logged and skipped.
func (t *Tracker) TrackRecord(ctx context.Context, table string, row shard.Row) ([]Reference, error) {
	id := row.String("id")
	if id == "" {
		return nil, fault.InvalidArgument("track record: %s row has no id", table)
	}
	var tracked []Reference
	for _, rel := range t.rels {
		if rel.SourceTable != table {
			continue
		}
		target := row.String(rel.SourceColumn)
		if target == "" {
			continue
		}
		ref := Reference{
			SourceTable: table,
			SourceID:    id,
			TargetTable: rel.TargetTable,
			TargetID:    target,
			Kind:        rel.Kind,
		}
		if err := t.TrackReference(ctx, ref); err != nil {
			if fault.IsInvalidID(err) || fault.IsUnresolvedMapping(err) || fault.IsUnknownShard(err) {
				t.logger.Warn("skipping unroutable reference",
					"source", table, "id", id, "column", rel.SourceColumn, "target", target, "error", err)
				continue
			}
			return tracked, err
		}
		tracked = append(tracked, ref)
	}
	return tracked, nil
}

// GetReferences returns the outbound edges of a record, served from cache
// when fresh.
func (t *Tracker) GetReferences(ctx context.Context, table, id string) ([]Reference, error) {
	key := cacheKey(table, id)
	if refs, ok := t.cache.Get(key); ok {
		return refs, nil
	}
	e, err := t.router.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	rows, err := e.Conn.Prepare(`
		SELECT * FROM _shard_references
		WHERE source_table = ? AND source_id = ?
		ORDER BY target_table COLLATE BINARY, target_id COLLATE BINARY
	`).Bind(table, id).All(ctx)
	if err != nil {
		return nil, fmt.Errorf("get references %s %s: %w", table, id, err)
	}
	refs := make([]Reference, 0, len(rows))
	for _, r := range rows {
		refs = append(refs, fromRow(r))
	}
	t.cache.Set(key, refs)
	return refs, nil
}

// RemoveReferences deletes the outbound edges of a record and returns how
// many were removed.
func (t *Tracker) RemoveReferences(ctx context.Context, table, id string) (int64, error) {
	e, err := t.router.Resolve(ctx, id)
	if err != nil {
		return 0, err
	}
	res, err := e.Conn.Prepare(`
		DELETE FROM _shard_references WHERE source_table = ? AND source_id = ?
	`).Bind(table, id).Run(ctx)
	if err != nil {
		return 0, fmt.Errorf("remove references %s %s: %w", table, id, err)
	}
	t.cache.Delete(cacheKey(table, id))
	return res.RowsAffected, nil
}

// ListAll returns every recorded edge across all shards, ordered by source
// shard then source key. Any shard failure fails the call.
func (t *Tracker) ListAll(ctx context.Context) ([]Reference, error) {
	res := t.router.FanOutRead(ctx, "refs.list", func(ctx context.Context, e registry.Entry) ([]shard.Row, error) {
		return e.Conn.Prepare(`
			SELECT * FROM _shard_references
			ORDER BY source_table COLLATE BINARY, source_id COLLATE BINARY,
				target_table COLLATE BINARY, target_id COLLATE BINARY
		`).All(ctx)
	})
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("list references: %w", err)
	}
	refs := make([]Reference, 0, len(res.Rows))
	for _, r := range res.Rows {
		refs = append(refs, fromRow(r))
	}
	return refs, nil
}
