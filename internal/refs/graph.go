package refs

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/roach88/shardfed/internal/querysql"
	"github.com/roach88/shardfed/internal/registry"
	"github.com/roach88/shardfed/internal/shard"
)

// ReferenceMap groups record ids by shard, then table.
type ReferenceMap map[string]map[string][]string

func (m ReferenceMap) add(shardID, table, id string) {
	tables, ok := m[shardID]
	if !ok {
		tables = make(map[string][]string)
		m[shardID] = tables
	}
	tables[table] = append(tables[table], id)
}

// Len returns the number of records in the map.
func (m ReferenceMap) Len() int {
	n := 0
	for _, tables := range m {
		for _, ids := range tables {
			n += len(ids)
		}
	}
	return n
}

// BuildReferenceMap walks outbound edges breadth-first from (table, id) up
// to depth hops and returns every record reached, the root included. Each
// record is visited once, so cycles terminate. A depth of zero or less uses
// the tracker's default.
func (t *Tracker) BuildReferenceMap(ctx context.Context, table, id string, depth int) (ReferenceMap, error) {
	if depth <= 0 {
		depth = t.maxDepth
	}
	root, err := t.router.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	type node struct{ table, id, shard string }
	out := make(ReferenceMap)
	seen := map[string]bool{cacheKey(table, id): true}
	out.add(root.ID(), table, id)
	frontier := []node{{table, id, root.ID()}}

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []node
		for _, n := range frontier {
			refs, err := t.GetReferences(ctx, n.table, n.id)
			if err != nil {
				return nil, fmt.Errorf("reference map at %s %s: %w", n.table, n.id, err)
			}
			for _, ref := range refs {
				key := cacheKey(ref.TargetTable, ref.TargetID)
				if seen[key] {
					continue
				}
				seen[key] = true
				out.add(ref.TargetShard, ref.TargetTable, ref.TargetID)
				next = append(next, node{ref.TargetTable, ref.TargetID, ref.TargetShard})
			}
		}
		frontier = next
	}

	for _, tables := range out {
		for _, ids := range tables {
			slices.Sort(ids)
		}
	}
	return out, nil
}

// FindInboundReferences returns the records that point at (table, id):
// recorded edges plus rows found by scanning every relationship whose
// target is table. Each source appears once. Any shard failure fails the
// call.
func (t *Tracker) FindInboundReferences(ctx context.Context, table, id string) ([]Reference, error) {
	recorded := t.router.FanOutRead(ctx, "refs.inbound", func(ctx context.Context, e registry.Entry) ([]shard.Row, error) {
		return e.Conn.Prepare(`
			SELECT * FROM _shard_references WHERE target_table = ? AND target_id = ?
		`).Bind(table, id).All(ctx)
	})
	if err := recorded.Err(); err != nil {
		return nil, fmt.Errorf("inbound references: %w", err)
	}

	seen := make(map[string]bool)
	var out []Reference
	add := func(ref Reference) {
		key := ref.SourceTable + "\x00" + ref.SourceID + "\x00" + ref.TargetTable
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, ref)
	}
	for _, r := range recorded.Rows {
		add(fromRow(r))
	}

	target := ""
	if e, err := t.router.Resolve(ctx, id); err == nil {
		target = e.ID()
	}
	for _, rel := range t.rels {
		if rel.TargetTable != table {
			continue
		}
		query, args, err := querysql.CompileSelect(querysql.Select{
			Table:   rel.SourceTable,
			Columns: []string{"id", "created_at"},
			Where:   querysql.Equals{Column: rel.SourceColumn, Value: id},
		})
		if err != nil {
			return nil, err
		}
		scanned := t.router.FanOutRead(ctx, "refs.inbound_scan", func(ctx context.Context, e registry.Entry) ([]shard.Row, error) {
			rows, err := e.Conn.Prepare(query).Bind(args...).All(ctx)
			if shard.IsNoSuchTable(err) {
				return nil, nil
			}
			for _, r := range rows {
				r["_shard"] = e.ID()
			}
			return rows, err
		})
		if err := scanned.Err(); err != nil {
			return nil, fmt.Errorf("inbound references via %s.%s: %w", rel.SourceTable, rel.SourceColumn, err)
		}
		for _, r := range scanned.Rows {
			created, _ := r.Int("created_at")
			add(Reference{
				SourceTable: rel.SourceTable,
				SourceID:    r.String("id"),
				SourceShard: r.String("_shard"),
				TargetTable: table,
				TargetID:    id,
				TargetShard: target,
				Kind:        rel.Kind,
				CreatedAt:   created,
			})
		}
	}

	slices.SortFunc(out, func(a, b Reference) int {
		return cmp.Or(cmp.Compare(a.SourceTable, b.SourceTable), cmp.Compare(a.SourceID, b.SourceID))
	})
	return out, nil
}

// ValidationReport lists the outbound edges of a record whose target no
// longer exists.
type ValidationReport struct {
	Table   string      `json:"table"`
	ID      string      `json:"id"`
	Valid   bool        `json:"valid"`
	Checked int         `json:"checked"`
	Missing []Reference `json:"missing,omitempty"`
}

// ValidateReferences checks that every outbound edge of (table, id) points
// at an existing record. It never repairs anything.
func (t *Tracker) ValidateReferences(ctx context.Context, table, id string) (ValidationReport, error) {
	refs, err := t.GetReferences(ctx, table, id)
	if err != nil {
		return ValidationReport{}, err
	}
	report := ValidationReport{Table: table, ID: id, Valid: true, Checked: len(refs)}
	for _, ref := range refs {
		ok, err := t.targetExists(ctx, ref)
		if err != nil {
			return ValidationReport{}, fmt.Errorf("validate references %s %s: %w", table, id, err)
		}
		if !ok {
			report.Valid = false
			report.Missing = append(report.Missing, ref)
		}
	}
	return report, nil
}

// PruneDangling finds edges whose target no longer exists and, unless
// dryRun, deletes them. It returns the dangling edges either way.
func (t *Tracker) PruneDangling(ctx context.Context, dryRun bool) ([]Reference, error) {
	all, err := t.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	var dangling []Reference
	for _, ref := range all {
		ok, err := t.targetExists(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("prune dangling: %w", err)
		}
		if !ok {
			dangling = append(dangling, ref)
		}
	}
	if dryRun {
		return dangling, nil
	}
	for _, ref := range dangling {
		e, err := t.router.Registry().Entry(ref.SourceShard)
		if err != nil {
			return dangling, fmt.Errorf("prune dangling: %w", err)
		}
		_, err = e.Conn.Prepare(`
			DELETE FROM _shard_references
			WHERE source_table = ? AND source_id = ? AND target_table = ? AND target_id = ?
		`).Bind(ref.SourceTable, ref.SourceID, ref.TargetTable, ref.TargetID).Run(ctx)
		if err != nil {
			return dangling, fmt.Errorf("prune dangling on %s: %w", e.ID(), err)
		}
		t.cache.Delete(cacheKey(ref.SourceTable, ref.SourceID))
	}
	if len(dangling) > 0 {
		t.logger.Info("pruned dangling references", "count", len(dangling))
	}
	return dangling, nil
}

// targetExists looks the target up on its recorded shard. An unknown shard
// or missing table counts as missing.
func (t *Tracker) targetExists(ctx context.Context, ref Reference) (bool, error) {
	e, err := t.router.Registry().Entry(ref.TargetShard)
	if err != nil {
		return false, nil
	}
	query, args, err := querysql.CompileSelect(querysql.Select{
		Table:   ref.TargetTable,
		Columns: []string{"id"},
		Where:   querysql.Equals{Column: "id", Value: ref.TargetID},
		Limit:   1,
	})
	if err != nil {
		return false, err
	}
	row, err := e.Conn.Prepare(query).Bind(args...).First(ctx)
	if shard.IsNoSuchTable(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return row != nil, nil
}
