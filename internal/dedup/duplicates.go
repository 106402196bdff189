package dedup

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/roach88/shardfed/internal/fault"
	"github.com/roach88/shardfed/internal/querysql"
	"github.com/roach88/shardfed/internal/registry"
	"github.com/roach88/shardfed/internal/router"
	"github.com/roach88/shardfed/internal/shard"
)

// Keep selects which record of a duplicate group survives.
type Keep string

const (
	KeepFirst Keep = "first" // earliest created_at
	KeepLast  Keep = "last"  // latest created_at
)

// RecordRef locates one record.
type RecordRef struct {
	ID        string `json:"id"`
	ShardID   string `json:"shard_id"`
	CreatedAt int64  `json:"created_at"`
}

// DuplicateGroup is a set of records sharing a value across shards.
// Records are ordered by created_at, then id.
type DuplicateGroup struct {
	Values  map[string]string `json:"values"`
	Records []RecordRef       `json:"records"`
}

// FindDuplicates scans table on every shard and returns the groups of two
// or more records sharing the same values in columns. Values are compared
// after NFC normalisation. Groups are ordered by their key.
func (g *Guard) FindDuplicates(ctx context.Context, table string, columns []string) ([]DuplicateGroup, error) {
	if len(columns) == 0 {
		return nil, fault.InvalidArgument("find duplicates on %s: no columns", table)
	}
	preds := make([]querysql.Predicate, len(columns))
	for i, c := range columns {
		preds[i] = querysql.NotNull{Column: c}
	}
	query, args, err := querysql.CompileSelect(querysql.Select{
		Table:   table,
		Columns: append([]string{"id", "created_at"}, columns...),
		Where:   querysql.And{Predicates: preds},
	})
	if err != nil {
		return nil, err
	}

	res := g.router.FanOutRead(ctx, "dedup.scan", func(ctx context.Context, e registry.Entry) ([]shard.Row, error) {
		rows, err := e.Conn.Prepare(query).Bind(args...).All(ctx)
		if shard.IsNoSuchTable(err) {
			return nil, nil
		}
		return rows, err
	})
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("find duplicates on %s: %w", table, err)
	}

	c := Constraint{Table: table, Columns: columns}
	groups := make(map[string]*DuplicateGroup)
	var keys []string
	for _, sr := range res.PerShard {
		for _, row := range sr.Rows {
			key := ValueKey(c, row)
			grp, ok := groups[key]
			if !ok {
				match, _ := project(c, row)
				grp = &DuplicateGroup{Values: stringify(match)}
				groups[key] = grp
				keys = append(keys, key)
			}
			created, _ := row.Int("created_at")
			grp.Records = append(grp.Records, RecordRef{ID: row.String("id"), ShardID: sr.ShardID, CreatedAt: created})
		}
	}

	slices.Sort(keys)
	out := []DuplicateGroup{}
	for _, k := range keys {
		grp := groups[k]
		if len(grp.Records) < 2 {
			continue
		}
		slices.SortFunc(grp.Records, func(a, b RecordRef) int {
			if c := cmp.Compare(a.CreatedAt, b.CreatedAt); c != 0 {
				return c
			}
			return cmp.Compare(a.ID, b.ID)
		})
		out = append(out, *grp)
	}
	return out, nil
}

// DedupReport describes a DeduplicateTable run.
type DedupReport struct {
	Table    string           `json:"table"`
	Columns  []string         `json:"columns"`
	DryRun   bool             `json:"dry_run"`
	Groups   int              `json:"groups"`
	Kept     []RecordRef      `json:"kept"`
	Deleted  []RecordRef      `json:"deleted"`
	Failures []router.Failure `json:"failures,omitempty"`
}

// DeduplicateTable keeps one record per duplicate group and deletes the
// rest. With dryRun nothing is deleted and Deleted lists what would be.
// Shards that fail to delete are reported in Failures and their records
// are left out of Deleted.
func (g *Guard) DeduplicateTable(ctx context.Context, table string, columns []string, keep Keep, dryRun bool) (DedupReport, error) {
	if keep != KeepFirst && keep != KeepLast {
		return DedupReport{}, fault.InvalidArgument("keep must be %q or %q, got %q", KeepFirst, KeepLast, keep)
	}
	groups, err := g.FindDuplicates(ctx, table, columns)
	if err != nil {
		return DedupReport{}, err
	}

	report := DedupReport{Table: table, Columns: columns, DryRun: dryRun, Groups: len(groups),
		Kept: []RecordRef{}, Deleted: []RecordRef{}}
	byShard := make(map[string][]any)
	for _, grp := range groups {
		k := 0
		if keep == KeepLast {
			k = len(grp.Records) - 1
		}
		for i, r := range grp.Records {
			if i == k {
				report.Kept = append(report.Kept, r)
				continue
			}
			report.Deleted = append(report.Deleted, r)
			byShard[r.ShardID] = append(byShard[r.ShardID], r.ID)
		}
	}
	if dryRun || len(byShard) == 0 {
		return report, nil
	}

	var targets []registry.Entry
	for _, e := range g.router.Registry().Entries() {
		if _, ok := byShard[e.ID()]; ok {
			targets = append(targets, e)
		}
	}
	outcomes := router.FanOutTo(ctx, g.router, "dedup.delete", targets, func(ctx context.Context, e registry.Entry) (int64, error) {
		query, args, err := querysql.CompileDelete(table, querysql.In{Column: "id", Values: byShard[e.ID()]})
		if err != nil {
			return 0, err
		}
		res, err := e.Conn.Prepare(query).Bind(args...).Run(ctx)
		return res.RowsAffected, err
	})
	report.Failures = router.Failures(outcomes)
	if len(report.Failures) > 0 {
		failed := make(map[string]bool, len(report.Failures))
		for _, f := range report.Failures {
			failed[f.ShardID] = true
		}
		deleted := report.Deleted[:0]
		for _, r := range report.Deleted {
			if !failed[r.ShardID] {
				deleted = append(deleted, r)
			}
		}
		report.Deleted = deleted
	}

	if g.uniqueIndex {
		for _, r := range report.Deleted {
			if err := g.releaseRecord(ctx, table, r.ID); err != nil {
				g.logger.Warn("failed to release claims of deleted duplicate", "id", r.ID, "error", err)
			}
		}
	}
	g.logger.Info("deduplicated table", "table", table, "groups", report.Groups, "deleted", len(report.Deleted))
	return report, nil
}
