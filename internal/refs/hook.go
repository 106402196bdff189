package refs

import (
	"context"

	"github.com/roach88/shardfed/internal/record"
	"github.com/roach88/shardfed/internal/shard"
)

var _ record.Hook = (*Tracker)(nil)

// AfterCreate tracks the new record's outbound edges.
func (t *Tracker) AfterCreate(ctx context.Context, table string, row shard.Row) error {
	_, err := t.TrackRecord(ctx, table, row)
	return err
}

// AfterUpdate re-derives outbound edges when a relationship column changed.
func (t *Tracker) AfterUpdate(ctx context.Context, table string, before, after shard.Row) error {
	changed := false
	for _, rel := range t.rels {
		if rel.SourceTable == table && before.String(rel.SourceColumn) != after.String(rel.SourceColumn) {
			changed = true
			break
		}
	}
	if !changed {
		return nil
	}
	if _, err := t.RemoveReferences(ctx, table, after.String("id")); err != nil {
		return err
	}
	_, err := t.TrackRecord(ctx, table, after)
	return err
}

// AfterDelete removes the deleted record's outbound edges. Edges pointing
// at it are kept so validation can report them.
func (t *Tracker) AfterDelete(ctx context.Context, table string, row shard.Row) error {
	_, err := t.RemoveReferences(ctx, table, row.String("id"))
	return err
}
