package dedup

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shardfed/internal/fault"
	"github.com/roach88/shardfed/internal/shard"
)

func TestClaim_DisabledIsNoop(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	require.NoError(t, h.guard.Claim(ctx, "users", map[string]any{"email": "a@x.com"}, "u1"))
	require.NoError(t, h.guard.Claim(ctx, "users", map[string]any{"email": "a@x.com"}, "u2"))
}

func TestClaim_FirstWriterWins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3, WithUniqueIndex(true))

	require.NoError(t, h.guard.Claim(ctx, "users", map[string]any{"email": "a@x.com"}, "u1"))
	require.NoError(t, h.guard.Claim(ctx, "users", map[string]any{"email": "a@x.com"}, "u1"), "re-claim is idempotent")

	err := h.guard.Claim(ctx, "users", map[string]any{"email": "a@x.com"}, "u2")
	assert.True(t, fault.IsUniqueViolation(err))

	// Canonically equivalent spellings collide.
	require.NoError(t, h.guard.Claim(ctx, "users", map[string]any{"email": "jos\u00e9@x.com"}, "u3"))
	err = h.guard.Claim(ctx, "users", map[string]any{"email": "jose\u0301@x.com"}, "u4")
	assert.True(t, fault.IsUniqueViolation(err))

	require.NoError(t, h.guard.Release(ctx, "users", map[string]any{"email": "a@x.com"}, "u1"))
	require.NoError(t, h.guard.Claim(ctx, "users", map[string]any{"email": "a@x.com"}, "u2"))
}

func TestClaim_RollsBackOnConflict(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2, WithUniqueIndex(true))
	require.NoError(t, h.guard.Register(Constraint{Name: "unique_username", Table: "users", Columns: []string{"username"}}))

	require.NoError(t, h.guard.Claim(ctx, "users", map[string]any{"username": "ann"}, "u1"))

	err := h.guard.Claim(ctx, "users", map[string]any{"email": "b@x.com", "username": "ann"}, "u2")
	require.True(t, fault.IsUniqueViolation(err))

	// The email claim made before the conflict was released.
	require.NoError(t, h.guard.Claim(ctx, "users", map[string]any{"email": "b@x.com"}, "u3"))
}

func TestReclaim_MovesKeys(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2, WithUniqueIndex(true))

	before := map[string]any{"email": "old@x.com"}
	after := map[string]any{"email": "new@x.com"}
	require.NoError(t, h.guard.Claim(ctx, "users", before, "u1"))
	require.NoError(t, h.guard.Reclaim(ctx, "users", before, after, "u1"))

	require.NoError(t, h.guard.Claim(ctx, "users", before, "u2"), "old key is free")
	assert.True(t, fault.IsUniqueViolation(h.guard.Claim(ctx, "users", after, "u3")))
}

func TestClaim_OwnerIsDeterministic(t *testing.T) {
	h := newHarness(t, 4, WithUniqueIndex(true))
	a, err := h.guard.owner("unique_email", "a@x.com")
	require.NoError(t, err)
	b, err := h.guard.owner("unique_email", "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, a.ID(), b.ID())
}

func TestClaim_NoShards(t *testing.T) {
	h := newHarness(t, 0, WithUniqueIndex(true))
	err := h.guard.Claim(context.Background(), "users", map[string]any{"email": "a@x.com"}, "u1")
	assert.True(t, fault.IsNoCapacity(err))
}

func TestValueKey(t *testing.T) {
	c := Constraint{Columns: []string{"b", "a"}}
	assert.Equal(t, "2\x1f1", ValueKey(c, map[string]any{"a": 1, "b": 2}))
}

// releasingConn frees every claim right before the first holder lookup,
// as a concurrent Release landing between insert and read would.
type releasingConn struct {
	shard.Conn
	fired bool
}

func (c *releasingConn) Prepare(query string) shard.Statement {
	if !c.fired && strings.Contains(query, "SELECT record_id FROM _unique_index") {
		c.fired = true
		if _, err := c.Conn.Prepare(`DELETE FROM _unique_index`).Run(context.Background()); err != nil {
			panic(err)
		}
	}
	return c.Conn.Prepare(query)
}

func TestClaim_RetriesWhenHolderReleased(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2, WithUniqueIndex(true))
	row := map[string]any{"email": "a@x.com"}
	require.NoError(t, h.guard.Claim(ctx, "users", row, "u1"))

	claims, err := h.guard.claims("users", row)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	c := claims[0]
	c.owner.Conn = &releasingConn{Conn: c.owner.Conn}

	took, holder, err := h.guard.insertClaim(ctx, c, "users", "u2")
	require.NoError(t, err)
	assert.True(t, took, "the key freed mid-claim is taken on the second attempt")
	assert.Empty(t, holder)

	err = h.guard.Claim(ctx, "users", row, "u3")
	assert.True(t, fault.IsUniqueViolation(err), "u2 now holds the key")
}
