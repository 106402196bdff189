package rowset

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/shardfed/internal/shard"
)

func ages(rows []shard.Row) []int64 {
	out := make([]int64, len(rows))
	for i, r := range rows {
		out[i], _ = r.Int("age")
	}
	return out
}

func rowsOf(tag string, ages ...int64) []shard.Row {
	out := make([]shard.Row, len(ages))
	for i, a := range ages {
		out[i] = shard.Row{"age": a, "src": tag}
	}
	return out
}

func TestGlobalSortThenPage(t *testing.T) {
	all := append(rowsOf("a", 10, 30), rowsOf("b", 20, 40)...)
	SortStable(all, "age", false)
	assert.Equal(t, []int64{20, 30}, ages(Page(all, 2, 1)))
}

func TestSortStable_KeepsTieOrder(t *testing.T) {
	all := append(rowsOf("a", 5, 1), rowsOf("b", 5, 1)...)
	SortStable(all, "age", true)
	assert.Equal(t, []int64{5, 5, 1, 1}, ages(all))
	assert.Equal(t, "a", all[0]["src"])
	assert.Equal(t, "b", all[1]["src"])
	assert.Equal(t, "a", all[2]["src"])
}

func TestMergeSorted_MatchesStableSort(t *testing.T) {
	lists := [][]shard.Row{rowsOf("a", 1, 3, 3, 9), rowsOf("b"), rowsOf("c", 2, 3, 10)}

	var concat []shard.Row
	for _, l := range lists {
		concat = append(concat, l...)
	}
	SortStable(concat, "age", false)

	merged := MergeSorted(lists, "age", false, 0)
	assert.Equal(t, concat, merged)

	assert.Equal(t, []int64{1, 2, 3}, ages(MergeSorted(lists, "age", false, 3)))
}

func TestMergeSorted_Desc(t *testing.T) {
	lists := [][]shard.Row{rowsOf("a", 30, 10), rowsOf("b", 40, 20)}
	assert.Equal(t, []int64{40, 30, 20, 10}, ages(MergeSorted(lists, "age", true, 0)))
}

func TestPage_Bounds(t *testing.T) {
	rows := rowsOf("a", 1, 2, 3)
	assert.Equal(t, []int64{1, 2, 3}, ages(Page(rows, 0, 0)))
	assert.Equal(t, []int64{3}, ages(Page(rows, 10, 2)))
	assert.NotNil(t, Page(rows, 1, 5))
	assert.Empty(t, Page(rows, 1, 5))
}

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b any
		want int
	}{
		{nil, nil, 0},
		{nil, int64(1), -1},
		{"x", nil, 1},
		{int64(2), 1.5, 1},
		{int64(2), int64(2), 0},
		{"a", "b", -1},
		{false, true, -1},
		{[]byte("b"), []byte("a"), 1},
		{"10", int64(9), -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Compare(tt.a, tt.b), "%v vs %v", tt.a, tt.b)
	}
}
