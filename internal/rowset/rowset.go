// Package rowset orders and pages rows gathered from many shards.
package rowset

import (
	"bytes"
	"cmp"
	"container/heap"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/shardfed/internal/shard"
)

// Compare orders two column values. NULL sorts first, numbers compare
// numerically across integer and float types, and values of unrelated
// types fall back to comparing their printed form.
func Compare(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			return cmp.Compare(x, y)
		}
	}
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return cmp.Compare(x, y)
		}
	case []byte:
		if y, ok := b.([]byte); ok {
			return bytes.Compare(x, y)
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			default:
				return 1
			}
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	}
	return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Less returns a comparator over column, descending when desc.
func Less(column string, desc bool) func(a, b shard.Row) int {
	return func(a, b shard.Row) int {
		c := Compare(a[column], b[column])
		if desc {
			return -c
		}
		return c
	}
}

// SortStable sorts rows in place by column. Rows with equal values keep
// their relative order.
func SortStable(rows []shard.Row, column string, desc bool) {
	if column == "" {
		return
	}
	slices.SortStableFunc(rows, Less(column, desc))
}

// Page returns rows[offset : offset+limit]. A limit of zero or less means
// no limit. Out-of-range offsets yield an empty, non-nil slice.
func Page(rows []shard.Row, limit, offset int) []shard.Row {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(rows) {
		return []shard.Row{}
	}
	end := len(rows)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return rows[offset:end]
}

// MergeSorted merges lists that are each already sorted by column into one
// sorted sequence, stopping after limit rows when limit > 0. Ties are broken
// by list position, then position within the list, so the result equals
// SortStable over the concatenated lists.
func MergeSorted(lists [][]shard.Row, column string, desc bool, limit int) []shard.Row {
	h := &cursorHeap{less: Less(column, desc)}
	total := 0
	for i, l := range lists {
		total += len(l)
		if len(l) > 0 {
			h.items = append(h.items, cursor{list: i, rows: l})
		}
	}
	heap.Init(h)

	if limit <= 0 || limit > total {
		limit = total
	}
	out := make([]shard.Row, 0, limit)
	for h.Len() > 0 && len(out) < limit {
		top := &h.items[0]
		out = append(out, top.rows[top.pos])
		top.pos++
		if top.pos == len(top.rows) {
			heap.Pop(h)
		} else {
			heap.Fix(h, 0)
		}
	}
	return out
}

type cursor struct {
	list int
	pos  int
	rows []shard.Row
}

type cursorHeap struct {
	items []cursor
	less  func(a, b shard.Row) int
}

func (h *cursorHeap) Len() int { return len(h.items) }

func (h *cursorHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if c := h.less(a.rows[a.pos], b.rows[b.pos]); c != 0 {
		return c < 0
	}
	return a.list < b.list
}

func (h *cursorHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *cursorHeap) Push(x any) { h.items = append(h.items, x.(cursor)) }

func (h *cursorHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	h.items = old[:n-1]
	return it
}
