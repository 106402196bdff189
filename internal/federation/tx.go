package federation

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/shardfed/internal/fault"
	"github.com/roach88/shardfed/internal/querysql"
	"github.com/roach88/shardfed/internal/record"
	"github.com/roach88/shardfed/internal/registry"
	"github.com/roach88/shardfed/internal/router"
	"github.com/roach88/shardfed/internal/shard"
)

// OpKind is a distributed transaction operation type.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Operation is one write in a distributed transaction. ID is required for
// update and delete and forbidden for insert.
type Operation struct {
	Kind  OpKind
	Table string
	ID    string
	Data  map[string]any
}

// TxResult reports how each shard fared.
type TxResult struct {
	TxID        string   `json:"tx_id"`
	Success     bool     `json:"success"`
	Committed   []string `json:"committed"`
	Failed      []string `json:"failed"`
	Compensated []string `json:"compensated,omitempty"`
	// CompensationErrors maps a shard to the error that left it committed
	// after another shard failed.
	CompensationErrors map[string]string `json:"compensation_errors,omitempty"`
	// InsertedIDs lists minted ids in operation order.
	InsertedIDs []string         `json:"inserted_ids,omitempty"`
	Failures    []router.Failure `json:"-"`
}

// shardPlan is everything one shard executes, plus the statements that undo it.
type shardPlan struct {
	entry   registry.Entry
	stmts   []shard.Statement
	undo    [][]shard.Statement // one group per operation
	created []tableRow
	updated []rowChange
	deleted []tableRow
}

type tableRow struct {
	table string
	row   shard.Row
}

type rowChange struct {
	table         string
	before, after shard.Row
}

// ExecuteDistributedTransaction groups ops by shard and runs each group
// atomically on its shard. Shards commit independently: Success is true only
// if every shard committed. When compensation is enabled and any shard
// fails, committed shards are rolled back to the images captured before
// execution. Uniqueness claims are not taken for transactional inserts.
//
// Planning errors (unknown ids, missing records, invalid operations, the
// same record targeted twice) abort before any shard is written and are
// returned as the error.
func (e *Engine) ExecuteDistributedTransaction(ctx context.Context, ops []Operation) (TxResult, error) {
	txID, err := uuid.NewV7()
	if err != nil {
		return TxResult{}, fmt.Errorf("transaction: %w", err)
	}
	res := TxResult{TxID: txID.String(), Committed: []string{}, Failed: []string{}}
	if len(ops) == 0 {
		res.Success = true
		return res, nil
	}

	plans, inserted, err := e.plan(ctx, ops)
	if err != nil {
		return res, fmt.Errorf("transaction %s: %w", res.TxID, err)
	}
	res.InsertedIDs = inserted

	entries := make([]registry.Entry, 0, len(plans))
	for _, p := range plans {
		entries = append(entries, p.entry)
	}
	slices.SortFunc(entries, func(a, b registry.Entry) int { return a.Meta.Index - b.Meta.Index })

	outcomes := router.FanOutTo(ctx, e.router, "federation.tx", entries, func(ctx context.Context, en registry.Entry) (struct{}, error) {
		_, err := en.Conn.Batch(ctx, plans[en.ID()].stmts)
		return struct{}{}, err
	})
	for _, o := range outcomes {
		if o.Err != nil {
			res.Failed = append(res.Failed, o.ShardID)
			continue
		}
		res.Committed = append(res.Committed, o.ShardID)
	}
	res.Failures = router.Failures(outcomes)
	res.Success = len(res.Failed) == 0

	undone := make(map[string]bool)
	if !res.Success && e.compensate {
		for _, shardID := range res.Committed {
			p := plans[shardID]
			if _, err := p.entry.Conn.Batch(ctx, p.compensation()); err != nil {
				if res.CompensationErrors == nil {
					res.CompensationErrors = make(map[string]string)
				}
				res.CompensationErrors[shardID] = err.Error()
				e.logger.Error("compensation failed", "tx", res.TxID, "shard", shardID, "error", err)
				continue
			}
			undone[shardID] = true
			res.Compensated = append(res.Compensated, shardID)
		}
	}

	// Shards whose writes remain in place notify hooks.
	for _, shardID := range res.Committed {
		if undone[shardID] {
			continue
		}
		p := plans[shardID]
		for _, c := range p.created {
			e.store.NotifyCreated(ctx, c.table, c.row)
		}
		for _, u := range p.updated {
			e.store.NotifyUpdated(ctx, u.table, u.before, u.after)
		}
		for _, d := range p.deleted {
			e.store.NotifyDeleted(ctx, d.table, d.row)
		}
	}

	switch {
	case res.Success:
		e.metrics.TxOutcome("committed")
	case len(res.Compensated) > 0 && len(res.CompensationErrors) == 0:
		e.metrics.TxOutcome("compensated")
	default:
		e.metrics.TxOutcome("failed")
	}
	e.logger.Info("distributed transaction finished",
		"tx", res.TxID, "success", res.Success,
		"committed", len(res.Committed), "failed", len(res.Failed), "compensated", len(res.Compensated))
	return res, nil
}

func (e *Engine) plan(ctx context.Context, ops []Operation) (map[string]*shardPlan, []string, error) {
	plans := make(map[string]*shardPlan)
	get := func(en registry.Entry) *shardPlan {
		p, ok := plans[en.ID()]
		if !ok {
			p = &shardPlan{entry: en}
			plans[en.ID()] = p
		}
		return p
	}

	var (
		writeTarget *registry.Entry
		inserted    []string
		targeted    = make(map[string]int)
	)
	now := e.store.Now()

	for i, op := range ops {
		if !shard.ValidIdent(op.Table) {
			return nil, nil, fault.InvalidArgument("operation %d: invalid table %q", i, op.Table)
		}
		switch op.Kind {
		case OpInsert:
			if op.ID != "" {
				return nil, nil, fault.InvalidArgument("operation %d: insert cannot carry an id", i)
			}
			if writeTarget == nil {
				en, err := e.router.SelectForWrite(ctx)
				if err != nil {
					return nil, nil, fmt.Errorf("operation %d: %w", i, err)
				}
				writeTarget = &en
			}
			id, err := e.router.Codec().Generate(ctx, writeTarget.ID(), op.Table, time.UnixMilli(now))
			if err != nil {
				return nil, nil, fmt.Errorf("operation %d: %w", i, err)
			}
			row := shard.Row(op.Data).Clone()
			if row == nil {
				row = shard.Row{}
			}
			row[record.ColumnID] = id
			if _, ok := row[record.ColumnCreatedAt]; !ok {
				row[record.ColumnCreatedAt] = now
			}
			if _, ok := row[record.ColumnUpdatedAt]; !ok {
				row[record.ColumnUpdatedAt] = now
			}
			ins, err := insertStmt(writeTarget.Conn, op.Table, row)
			if err != nil {
				return nil, nil, fmt.Errorf("operation %d: %w", i, err)
			}
			del, err := deleteStmt(writeTarget.Conn, op.Table, id)
			if err != nil {
				return nil, nil, fmt.Errorf("operation %d: %w", i, err)
			}
			p := get(*writeTarget)
			p.stmts = append(p.stmts, ins)
			p.undo = append(p.undo, []shard.Statement{del})
			p.created = append(p.created, tableRow{op.Table, row})
			inserted = append(inserted, id)

		case OpUpdate, OpDelete:
			if op.ID == "" {
				return nil, nil, fault.InvalidArgument("operation %d: %s requires an id", i, op.Kind)
			}
			key := op.Table + "\x00" + op.ID
			if prev, ok := targeted[key]; ok {
				return nil, nil, fault.InvalidArgument("operation %d: %s %s is already targeted by operation %d", i, op.Table, op.ID, prev)
			}
			targeted[key] = i
			en, err := e.router.Resolve(ctx, op.ID)
			if err != nil {
				return nil, nil, fmt.Errorf("operation %d: %w", i, err)
			}
			before, err := e.priorImage(ctx, en, op.Table, op.ID)
			if err != nil {
				return nil, nil, fmt.Errorf("operation %d: %w", i, err)
			}
			p := get(en)

			if op.Kind == OpDelete {
				restore, err := insertStmt(en.Conn, op.Table, before)
				if err != nil {
					return nil, nil, fmt.Errorf("operation %d: %w", i, err)
				}
				del, err := deleteStmt(en.Conn, op.Table, op.ID)
				if err != nil {
					return nil, nil, fmt.Errorf("operation %d: %w", i, err)
				}
				p.stmts = append(p.stmts, del)
				p.undo = append(p.undo, []shard.Statement{restore})
				p.deleted = append(p.deleted, tableRow{op.Table, before})
				continue
			}

			if _, ok := op.Data[record.ColumnID]; ok {
				return nil, nil, fault.InvalidArgument("operation %d: id cannot be updated", i)
			}
			patch := shard.Row(op.Data).Clone()
			if patch == nil {
				patch = shard.Row{}
			}
			patch[record.ColumnUpdatedAt] = now
			query, args, err := querysql.CompileUpdate(op.Table, patch, querysql.Equals{Column: record.ColumnID, Value: op.ID})
			if err != nil {
				return nil, nil, fmt.Errorf("operation %d: %w", i, err)
			}
			revert, err := revertStmt(en.Conn, op.Table, op.ID, before)
			if err != nil {
				return nil, nil, fmt.Errorf("operation %d: %w", i, err)
			}
			after := before.Clone()
			for k, v := range patch {
				after[k] = v
			}
			p.stmts = append(p.stmts, en.Conn.Prepare(query).Bind(args...))
			p.undo = append(p.undo, []shard.Statement{revert})
			p.updated = append(p.updated, rowChange{table: op.Table, before: before, after: after})

		default:
			return nil, nil, fault.InvalidArgument("operation %d: unknown kind %q", i, op.Kind)
		}
	}

	return plans, inserted, nil
}

// compensation returns the undo statements newest operation first.
func (p *shardPlan) compensation() []shard.Statement {
	var out []shard.Statement
	for i := len(p.undo) - 1; i >= 0; i-- {
		out = append(out, p.undo[i]...)
	}
	return out
}

func (e *Engine) priorImage(ctx context.Context, en registry.Entry, table, id string) (shard.Row, error) {
	query, args, err := querysql.CompileSelect(querysql.Select{
		Table: table,
		Where: querysql.Equals{Column: record.ColumnID, Value: id},
	})
	if err != nil {
		return nil, err
	}
	row, err := en.Conn.Prepare(query).Bind(args...).First(ctx)
	if err != nil && !shard.IsNoSuchTable(err) {
		return nil, err
	}
	if row == nil {
		return nil, fault.NotFound(table, id)
	}
	return row, nil
}

func insertStmt(c shard.Conn, table string, row shard.Row) (shard.Statement, error) {
	query, args, err := querysql.CompileInsert(table, row)
	if err != nil {
		return nil, err
	}
	return c.Prepare(query).Bind(args...), nil
}

// revertStmt writes the prior image back over the row in place, so rows
// referencing it through ON DELETE actions are untouched.
func revertStmt(c shard.Conn, table, id string, before shard.Row) (shard.Statement, error) {
	image := before.Clone()
	delete(image, record.ColumnID)
	query, args, err := querysql.CompileUpdate(table, image, querysql.Equals{Column: record.ColumnID, Value: id})
	if err != nil {
		return nil, err
	}
	return c.Prepare(query).Bind(args...), nil
}

func deleteStmt(c shard.Conn, table, id string) (shard.Statement, error) {
	query, args, err := querysql.CompileDelete(table, querysql.Equals{Column: record.ColumnID, Value: id})
	if err != nil {
		return nil, err
	}
	return c.Prepare(query).Bind(args...), nil
}
