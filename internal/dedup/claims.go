package dedup

import (
	"context"
	"fmt"
	"hash/crc32"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/shardfed/internal/fault"
	"github.com/roach88/shardfed/internal/registry"
	"github.com/roach88/shardfed/internal/shard"
)

// ValueKey returns the canonical key of match under c: values in column
// order, NFC-normalised, joined by the unit separator.
func ValueKey(c Constraint, match map[string]any) string {
	parts := make([]string, len(c.Columns))
	for i, col := range c.Columns {
		parts[i] = norm.NFC.String(fmt.Sprint(match[col]))
	}
	return strings.Join(parts, "\x1f")
}

// UniqueIndexEnabled reports whether Claim writes to the unique index.
func (g *Guard) UniqueIndexEnabled() bool {
	return g.uniqueIndex
}

// owner picks the shard that serializes writes for key. The mapping is a
// CRC-32 over the index-sorted shard list and assumes the shard set does
// not change.
func (g *Guard) owner(constraint, key string) (registry.Entry, error) {
	entries := g.router.Registry().Entries()
	if len(entries) == 0 {
		return registry.Entry{}, fault.NoCapacity(0)
	}
	sum := crc32.ChecksumIEEE([]byte(constraint + "\x00" + key))
	return entries[int(sum%uint32(len(entries)))], nil
}

type claim struct {
	constraint Constraint
	key        string
	owner      registry.Entry
}

// claims resolves the owner shard of every constraint key present in row.
func (g *Guard) claims(table string, row map[string]any) ([]claim, error) {
	var out []claim
	for _, c := range g.Constraints(table) {
		match, ok := project(c, row)
		if !ok {
			continue
		}
		key := ValueKey(c, match)
		owner, err := g.owner(c.Name, key)
		if err != nil {
			return nil, err
		}
		out = append(out, claim{constraint: c, key: key, owner: owner})
	}
	return out, nil
}

// Claim reserves every constraint key of row for recordID. Re-claiming a
// key already held by recordID succeeds. If any key is held by another
// record, keys claimed by this call are released and the error is
// fault.CodeUniqueViolation. Claim is a no-op while the unique index is
// disabled.
func (g *Guard) Claim(ctx context.Context, table string, row map[string]any, recordID string) error {
	if !g.uniqueIndex {
		return nil
	}
	claims, err := g.claims(table, row)
	if err != nil {
		return fmt.Errorf("claim %s: %w", table, err)
	}

	var taken []claim
	for _, c := range claims {
		took, holder, err := g.insertClaim(ctx, c, table, recordID)
		if err != nil {
			g.undo(ctx, taken, recordID)
			return fmt.Errorf("claim %s on %s: %w", c.constraint.Name, c.owner.ID(), err)
		}
		if took {
			taken = append(taken, c)
			continue
		}
		if holder == recordID {
			continue
		}
		g.undo(ctx, taken, recordID)
		g.metrics.UniqueConflict(table)
		match, _ := project(c.constraint, row)
		return Violation{Constraint: c.constraint.Name, Table: table, Values: stringify(match)}.Err()
	}
	return nil
}

// insertClaim writes c for recordID. When the key is already held it
// returns the holder. A holder released between the insert and the read
// gets one more insert attempt.
func (g *Guard) insertClaim(ctx context.Context, c claim, table, recordID string) (bool, string, error) {
	for attempt := 0; ; attempt++ {
		res, err := c.owner.Conn.Prepare(`
			INSERT INTO _unique_index (constraint_name, value_key, table_name, record_id, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(constraint_name, value_key) DO NOTHING
		`).Bind(c.constraint.Name, c.key, table, recordID, g.clock.Now().UnixMilli()).Run(ctx)
		if err != nil {
			return false, "", err
		}
		if res.RowsAffected == 1 {
			return true, "", nil
		}
		holder, err := g.holder(ctx, c)
		if err != nil {
			return false, "", err
		}
		if holder != "" || attempt > 0 {
			return false, holder, nil
		}
	}
}

func (g *Guard) holder(ctx context.Context, c claim) (string, error) {
	row, err := c.owner.Conn.Prepare(`
		SELECT record_id FROM _unique_index WHERE constraint_name = ? AND value_key = ?
	`).Bind(c.constraint.Name, c.key).First(ctx)
	if err != nil {
		return "", err
	}
	return row.String("record_id"), nil
}

func (g *Guard) undo(ctx context.Context, taken []claim, recordID string) {
	for _, c := range taken {
		if err := g.release(ctx, c, recordID); err != nil {
			g.logger.Warn("failed to roll back unique claim",
				"constraint", c.constraint.Name, "shard", c.owner.ID(), "error", err)
		}
	}
}

func (g *Guard) release(ctx context.Context, c claim, recordID string) error {
	_, err := c.owner.Conn.Prepare(`
		DELETE FROM _unique_index
		WHERE constraint_name = ? AND value_key = ? AND record_id = ?
	`).Bind(c.constraint.Name, c.key, recordID).Run(ctx)
	return err
}

// Release frees the keys of row held by recordID.
func (g *Guard) Release(ctx context.Context, table string, row map[string]any, recordID string) error {
	if !g.uniqueIndex {
		return nil
	}
	claims, err := g.claims(table, row)
	if err != nil {
		return fmt.Errorf("release %s: %w", table, err)
	}
	for _, c := range claims {
		if err := g.release(ctx, c, recordID); err != nil {
			return fmt.Errorf("release %s on %s: %w", c.constraint.Name, c.owner.ID(), err)
		}
	}
	return nil
}

// Reclaim moves recordID's claims from before to after: keys of after are
// claimed first, then keys only before held are released.
func (g *Guard) Reclaim(ctx context.Context, table string, before, after map[string]any, recordID string) error {
	if !g.uniqueIndex {
		return nil
	}
	if err := g.Claim(ctx, table, after, recordID); err != nil {
		return err
	}
	old, err := g.claims(table, before)
	if err != nil {
		return fmt.Errorf("reclaim %s: %w", table, err)
	}
	kept, err := g.claims(table, after)
	if err != nil {
		return fmt.Errorf("reclaim %s: %w", table, err)
	}
	still := make(map[string]bool, len(kept))
	for _, c := range kept {
		still[c.constraint.Name+"\x00"+c.key] = true
	}
	for _, c := range old {
		if still[c.constraint.Name+"\x00"+c.key] {
			continue
		}
		if err := g.release(ctx, c, recordID); err != nil {
			return fmt.Errorf("reclaim %s: release %s: %w", table, c.constraint.Name, err)
		}
	}
	return nil
}

// releaseRecord drops every claim recordID holds on any shard.
func (g *Guard) releaseRecord(ctx context.Context, table, recordID string) error {
	res := g.router.FanOutRead(ctx, "dedup.release", func(ctx context.Context, e registry.Entry) ([]shard.Row, error) {
		_, err := e.Conn.Prepare(`
			DELETE FROM _unique_index WHERE table_name = ? AND record_id = ?
		`).Bind(table, recordID).Run(ctx)
		return nil, err
	})
	return res.Err()
}
