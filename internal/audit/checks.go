package audit

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/roach88/shardfed/internal/idcodec"
	"github.com/roach88/shardfed/internal/querysql"
	"github.com/roach88/shardfed/internal/refs"
	"github.com/roach88/shardfed/internal/registry"
	"github.com/roach88/shardfed/internal/router"
	"github.com/roach88/shardfed/internal/shard"
)

// shardColumn annotates scanned rows with the shard they came from.
const shardColumn = "_shard"

// scan reads sel from every shard. Any shard failure fails the scan.
func (a *Auditor) scan(ctx context.Context, op string, sel querysql.Select) ([]shard.Row, error) {
	query, args, err := querysql.CompileSelect(sel)
	if err != nil {
		return nil, err
	}
	res := a.router.FanOutRead(ctx, op, func(ctx context.Context, e registry.Entry) ([]shard.Row, error) {
		rows, err := e.Conn.Prepare(query).Bind(args...).All(ctx)
		if shard.IsNoSuchTable(err) {
			return nil, nil
		}
		for _, r := range rows {
			r[shardColumn] = e.ID()
		}
		return rows, err
	})
	if err := res.Err(); err != nil {
		return nil, err
	}
	return res.Rows, nil
}

// shardTables lists application tables per shard.
func (a *Auditor) shardTables(ctx context.Context) (map[string][]string, error) {
	outcomes := router.FanOut(ctx, a.router, "audit.tables", func(ctx context.Context, e registry.Entry) ([]string, error) {
		return e.Conn.Tables(ctx)
	})
	if err := router.JoinFailures(router.Failures(outcomes)); err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(outcomes))
	for _, o := range outcomes {
		out[o.ShardID] = o.Value
	}
	return out, nil
}

// broken is a row whose relationship column points at a missing record.
type broken struct {
	shardID string
	rel     refs.Relationship
	id      string
	target  string
}

func (b broken) issue() Issue {
	return Issue{
		ShardID: b.shardID,
		Table:   b.rel.SourceTable,
		ID:      b.id,
		Detail:  fmt.Sprintf("%s references missing %s record %s", b.rel.SourceColumn, b.rel.TargetTable, b.target),
	}
}

// findBroken scans every relationship of the given kinds for rows whose
// target does not exist or cannot be routed.
func (a *Auditor) findBroken(ctx context.Context, kinds ...refs.Kind) ([]broken, error) {
	var out []broken
	for _, rel := range a.tracker.Relationships() {
		if !slices.Contains(kinds, rel.Kind) {
			continue
		}
		rows, err := a.scan(ctx, "audit.relationship_scan", querysql.Select{
			Table:   rel.SourceTable,
			Columns: []string{"id", rel.SourceColumn},
			Where:   querysql.NotNull{Column: rel.SourceColumn},
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s.%s: %w", rel.SourceTable, rel.SourceColumn, err)
		}
		if len(rows) == 0 {
			continue
		}

		targets := make([]string, 0, len(rows))
		for _, r := range rows {
			targets = append(targets, r.String(rel.SourceColumn))
		}
		found, err := a.existing(ctx, rel.TargetTable, targets)
		if err != nil {
			return nil, fmt.Errorf("look up %s: %w", rel.TargetTable, err)
		}
		for _, r := range rows {
			if target := r.String(rel.SourceColumn); !found[target] {
				out = append(out, broken{shardID: r.String(shardColumn), rel: rel, id: r.String("id"), target: target})
			}
		}
	}
	return out, nil
}

// existing returns the subset of ids present in table. Unroutable ids are
// absent.
func (a *Auditor) existing(ctx context.Context, table string, ids []string) (map[string]bool, error) {
	res := a.router.FanOutByIDs(ctx, "audit.exists", ids, func(ctx context.Context, e registry.Entry, sub []string) ([]shard.Row, error) {
		vals := make([]any, len(sub))
		for i, id := range sub {
			vals[i] = id
		}
		query, args, err := querysql.CompileSelect(querysql.Select{
			Table:   table,
			Columns: []string{"id"},
			Where:   querysql.In{Column: "id", Values: vals},
		})
		if err != nil {
			return nil, err
		}
		rows, err := e.Conn.Prepare(query).Bind(args...).All(ctx)
		if shard.IsNoSuchTable(err) {
			return nil, nil
		}
		return rows, err
	})
	if err := res.Err(); err != nil {
		return nil, err
	}
	found := make(map[string]bool, len(res.Rows))
	for _, r := range res.Rows {
		found[r.String("id")] = true
	}
	return found, nil
}

func (a *Auditor) checkForeignKeys(ctx context.Context) (Check, error) {
	c := Check{Status: StatusPassed}
	rows, err := a.findBroken(ctx, refs.KindForeignKey)
	if err != nil {
		return c, err
	}
	for _, b := range rows {
		c.add(StatusFailed, b.issue())
	}
	c.Message = summary(len(rows), "broken foreign key")
	return c, nil
}

func (a *Auditor) checkUniqueness(ctx context.Context) (Check, error) {
	c := Check{Status: StatusPassed}
	if a.guard == nil {
		c.Message = "no uniqueness constraints configured"
		return c, nil
	}
	groups := 0
	for _, table := range a.guard.Tables() {
		for _, con := range a.guard.Constraints(table) {
			dups, err := a.guard.FindDuplicates(ctx, table, con.Columns)
			if err != nil {
				return c, fmt.Errorf("constraint %s: %w", con.Name, err)
			}
			for _, g := range dups {
				groups++
				ids := make([]string, len(g.Records))
				for i, r := range g.Records {
					ids[i] = r.ShardID + "/" + r.ID
				}
				c.add(StatusFailed, Issue{
					Table:  table,
					Detail: fmt.Sprintf("%s shared by %s", formatValues(g.Values), strings.Join(ids, ", ")),
				})
			}
		}
	}
	c.Message = summary(groups, "duplicate group")
	return c, nil
}

func formatValues(values map[string]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%q", k, values[k])
	}
	return strings.Join(parts, " ")
}

func (a *Auditor) checkOrphans(ctx context.Context) (Check, error) {
	c := Check{Status: StatusPassed}
	rows, err := a.findBroken(ctx, refs.KindManyToMany)
	if err != nil {
		return c, err
	}
	for _, b := range rows {
		c.add(StatusWarning, b.issue())
	}
	dangling, err := a.tracker.PruneDangling(ctx, true)
	if err != nil {
		return c, err
	}
	for _, ref := range dangling {
		c.add(StatusWarning, Issue{
			ShardID: ref.SourceShard,
			Table:   ref.SourceTable,
			ID:      ref.SourceID,
			Detail:  fmt.Sprintf("recorded %s reference to missing %s record %s", ref.Kind, ref.TargetTable, ref.TargetID),
		})
	}
	c.Message = fmt.Sprintf("%s, %s", summary(len(rows), "orphaned join row"), summary(len(dangling), "dangling reference"))
	return c, nil
}

func (a *Auditor) checkShardBalance(ctx context.Context) (Check, error) {
	c := Check{Status: StatusPassed}
	metas, err := a.registry().RefreshAll(ctx)
	if err != nil {
		return c, err
	}
	if len(metas) < 2 {
		c.Message = "fewer than two shards"
		return c, nil
	}
	var total int64
	for _, m := range metas {
		total += m.SizeBytes
	}
	mean := float64(total) / float64(len(metas))
	if mean == 0 {
		c.Message = "all shards empty"
		return c, nil
	}

	var maxDev float64
	var largest registry.Metadata
	for _, m := range metas {
		dev := math.Abs(float64(m.SizeBytes)-mean) / mean
		if dev > maxDev {
			maxDev = dev
		}
		if m.SizeBytes > largest.SizeBytes {
			largest = m
		}
		switch {
		case dev > a.imbalanceFail:
			c.add(StatusFailed, Issue{ShardID: m.ID, Detail: deviation(m, dev)})
		case dev > a.imbalanceWarn:
			c.add(StatusWarning, Issue{ShardID: m.ID, Detail: deviation(m, dev)})
		}
	}
	c.Message = fmt.Sprintf("max deviation %.1f%% from mean size %d bytes", maxDev*100, int64(mean))
	if c.Status != StatusPassed {
		c.Message += fmt.Sprintf("; recommendation: stop routing writes to %s and provision or activate a less loaded shard", largest.ID)
	}
	return c, nil
}

func deviation(m registry.Metadata, dev float64) string {
	return fmt.Sprintf("size %d bytes deviates %.1f%% from the mean", m.SizeBytes, dev*100)
}

func (a *Auditor) checkTimestamps(ctx context.Context) (Check, error) {
	c := Check{Status: StatusPassed}
	tables, err := a.shardTables(ctx)
	if err != nil {
		return c, err
	}
	rows, err := a.timestampProblems(ctx, tables)
	if err != nil {
		return c, err
	}
	for _, p := range rows {
		c.add(StatusWarning, p.issue())
	}
	c.Message = summary(len(rows), "timestamp problem")
	return c, nil
}

// timestampProblem is a row with a future timestamp or updated_at before
// created_at.
type timestampProblem struct {
	shardID string
	table   string
	id      string
	created int64
	updated int64
	future  bool
}

func (p timestampProblem) issue() Issue {
	detail := fmt.Sprintf("updated_at %d precedes created_at %d", p.updated, p.created)
	if p.future {
		detail = fmt.Sprintf("timestamp in the future (created_at %d, updated_at %d)", p.created, p.updated)
	}
	return Issue{ShardID: p.shardID, Table: p.table, ID: p.id, Detail: detail}
}

func (a *Auditor) timestampProblems(ctx context.Context, tables map[string][]string) ([]timestampProblem, error) {
	limit := a.clock.Now().Add(a.clockSkew).UnixMilli()
	var out []timestampProblem
	for _, e := range a.registry().Entries() {
		for _, table := range tables[e.ID()] {
			if !shard.ValidIdent(table) {
				continue
			}
			rows, err := e.Conn.Prepare(fmt.Sprintf(`
				SELECT id, created_at, updated_at FROM %s
				WHERE created_at > ? OR updated_at > ? OR updated_at < created_at
				ORDER BY id COLLATE BINARY
			`, table)).Bind(limit, limit).All(ctx)
			if shard.IsNoSuchColumn(err) || shard.IsNoSuchTable(err) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("timestamps in %s on %s: %w", table, e.ID(), err)
			}
			for _, r := range rows {
				created, _ := r.Int("created_at")
				updated, _ := r.Int("updated_at")
				out = append(out, timestampProblem{
					shardID: e.ID(),
					table:   table,
					id:      r.String("id"),
					created: created,
					updated: updated,
					future:  created > limit || updated > limit,
				})
			}
		}
	}
	return out, nil
}

func (a *Auditor) checkIDFormat(ctx context.Context) (Check, error) {
	c := Check{Status: StatusPassed}
	tables, err := a.shardTables(ctx)
	if err != nil {
		return c, err
	}
	checked := 0
	for _, e := range a.registry().Entries() {
		want := idcodec.ShardHash(e.ID())
		for _, table := range tables[e.ID()] {
			if !shard.ValidIdent(table) {
				continue
			}
			rows, err := e.Conn.Prepare(fmt.Sprintf("SELECT id FROM %s", table)).All(ctx)
			if shard.IsNoSuchColumn(err) || shard.IsNoSuchTable(err) {
				continue
			}
			if err != nil {
				return c, fmt.Errorf("ids in %s on %s: %w", table, e.ID(), err)
			}
			for _, r := range rows {
				checked++
				id := r.String("id")
				switch {
				case !idcodec.Valid(id):
					c.add(StatusFailed, Issue{ShardID: e.ID(), Table: table, ID: id, Detail: "malformed universal id"})
				case id[idcodec.TimestampWidth:idcodec.TimestampWidth+idcodec.ShardWidth] != want:
					c.add(StatusFailed, Issue{ShardID: e.ID(), Table: table, ID: id, Detail: "id encodes a different shard"})
				}
			}
		}
	}
	c.Message = fmt.Sprintf("%d ids checked, %s", checked, summary(len(c.Issues), "invalid id"))
	return c, nil
}

func summary(n int, noun string) string {
	switch n {
	case 0:
		return "no " + noun + "s"
	case 1:
		return "1 " + noun
	default:
		return fmt.Sprintf("%d %ss", n, noun)
	}
}
