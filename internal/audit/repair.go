package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/roach88/shardfed/internal/querysql"
	"github.com/roach88/shardfed/internal/refs"
)

// Repair action kinds.
const (
	ActionDeleteOrphan   = "delete_orphan_join_row"
	ActionPruneReference = "prune_dangling_reference"
	ActionFixTimestamps  = "normalize_timestamps"
)

// Action is one repair step.
type Action struct {
	Kind    string `json:"kind"`
	ShardID string `json:"shard_id"`
	Table   string `json:"table"`
	ID      string `json:"id"`
	Detail  string `json:"detail"`
	Applied bool   `json:"applied"`
	Error   string `json:"error,omitempty"`
}

// RepairReport lists what Repair did, or would do in a dry run.
type RepairReport struct {
	ID        string    `json:"id"`
	DryRun    bool      `json:"dry_run"`
	StartedAt time.Time `json:"started_at"`
	Actions   []Action  `json:"actions"`
}

// Applied counts the actions that took effect.
func (r RepairReport) Applied() int {
	n := 0
	for _, a := range r.Actions {
		if a.Applied {
			n++
		}
	}
	return n
}

// Repair fixes the mechanical findings: it deletes join rows pointing at
// missing records, prunes dangling recorded references, and clamps bad
// timestamps. Broken foreign keys and duplicates need a human and are left
// alone. With dryRun nothing is written.
func (a *Auditor) Repair(ctx context.Context, dryRun bool) (RepairReport, error) {
	report := RepairReport{
		ID:        ksuid.New().String(),
		DryRun:    dryRun,
		StartedAt: a.clock.Now(),
		Actions:   []Action{},
	}

	orphans, err := a.findBroken(ctx, refs.KindManyToMany)
	if err != nil {
		return report, fmt.Errorf("repair: %w", err)
	}
	seen := make(map[string]bool)
	for _, b := range orphans {
		key := b.rel.SourceTable + "\x00" + b.id
		if seen[key] {
			continue
		}
		seen[key] = true
		act := Action{Kind: ActionDeleteOrphan, ShardID: b.shardID, Table: b.rel.SourceTable, ID: b.id, Detail: b.issue().Detail}
		if !dryRun {
			a.apply(&act, func() error { return a.deleteRow(ctx, b.shardID, b.rel.SourceTable, b.id) })
		}
		report.Actions = append(report.Actions, act)
	}

	dangling, err := a.tracker.PruneDangling(ctx, dryRun)
	if err != nil {
		return report, fmt.Errorf("repair: %w", err)
	}
	for _, ref := range dangling {
		report.Actions = append(report.Actions, Action{
			Kind:    ActionPruneReference,
			ShardID: ref.SourceShard,
			Table:   ref.SourceTable,
			ID:      ref.SourceID,
			Detail:  fmt.Sprintf("%s reference to %s %s", ref.Kind, ref.TargetTable, ref.TargetID),
			Applied: !dryRun,
		})
	}

	tables, err := a.shardTables(ctx)
	if err != nil {
		return report, fmt.Errorf("repair: %w", err)
	}
	problems, err := a.timestampProblems(ctx, tables)
	if err != nil {
		return report, fmt.Errorf("repair: %w", err)
	}
	now := a.clock.Now().UnixMilli()
	for _, p := range problems {
		created, updated := min(p.created, now), min(p.updated, now)
		updated = max(updated, created)
		act := Action{
			Kind:    ActionFixTimestamps,
			ShardID: p.shardID,
			Table:   p.table,
			ID:      p.id,
			Detail:  fmt.Sprintf("created_at %d->%d, updated_at %d->%d", p.created, created, p.updated, updated),
		}
		if !dryRun {
			a.apply(&act, func() error {
				return a.updateRow(ctx, p.shardID, p.table, p.id, map[string]any{"created_at": created, "updated_at": updated})
			})
		}
		report.Actions = append(report.Actions, act)
	}

	a.logger.Info("repair finished", "report", report.ID, "dry_run", dryRun,
		"actions", len(report.Actions), "applied", report.Applied())
	return report, nil
}

func (a *Auditor) apply(act *Action, fn func() error) {
	if err := fn(); err != nil {
		act.Error = err.Error()
		a.logger.Warn("repair action failed", "kind", act.Kind, "shard", act.ShardID, "id", act.ID, "error", err)
		return
	}
	act.Applied = true
}

func (a *Auditor) deleteRow(ctx context.Context, shardID, table, id string) error {
	e, err := a.registry().Entry(shardID)
	if err != nil {
		return err
	}
	query, args, err := querysql.CompileDelete(table, querysql.Equals{Column: "id", Value: id})
	if err != nil {
		return err
	}
	if _, err := e.Conn.Prepare(query).Bind(args...).Run(ctx); err != nil {
		return err
	}
	if _, err := a.tracker.RemoveReferences(ctx, table, id); err != nil {
		a.logger.Warn("orphan deleted but its references remain", "table", table, "id", id, "error", err)
	}
	return nil
}

func (a *Auditor) updateRow(ctx context.Context, shardID, table, id string, patch map[string]any) error {
	e, err := a.registry().Entry(shardID)
	if err != nil {
		return err
	}
	query, args, err := querysql.CompileUpdate(table, patch, querysql.Equals{Column: "id", Value: id})
	if err != nil {
		return err
	}
	_, err = e.Conn.Prepare(query).Bind(args...).Run(ctx)
	return err
}
