package cli

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/shardfed/internal/federation"
	"github.com/roach88/shardfed/internal/querysql"
	"github.com/roach88/shardfed/internal/router"
	"github.com/roach88/shardfed/internal/shard"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Params  []string
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
	Merge   bool
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "query <sql>",
		Short: "Run a read query on every shard and sort the union",
		Long: `Run a SELECT on every shard, then sort and page the combined rows.

Rows with equal sort keys keep shard order. --merge pushes ORDER BY and
LIMIT down to each shard and merges the sorted streams instead of sorting
everything in memory; the result is the same but the total is unknown.`,
		Example: `  shardfed query "SELECT * FROM users WHERE age > ?" --param 30 --order-by age --limit 10`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, cmd, args[0])
		},
	}
	cmd.Flags().StringArrayVarP(&opts.Params, "param", "p", nil, "positional query parameter (repeatable)")
	cmd.Flags().StringVar(&opts.OrderBy, "order-by", "", "column to sort the combined rows by")
	cmd.Flags().BoolVar(&opts.Desc, "desc", false, "sort descending")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum rows to return (0 = all)")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "rows to skip after sorting")
	cmd.Flags().BoolVar(&opts.Merge, "merge", false, "sort on each shard and merge")
	return cmd
}

func runQuery(opts *QueryOptions, cmd *cobra.Command, query string) error {
	f := opts.formatter(cmd)
	s, err := opts.open(cmd, f)
	if err != nil {
		return err
	}
	defer s.close()

	params := make([]any, len(opts.Params))
	for i, p := range opts.Params {
		params[i] = parseValue(p)
	}
	page, err := s.Engine.QueryWithGlobalSort(commandContext(cmd), query, params, federation.SortOptions{
		OrderBy: opts.OrderBy,
		Desc:    opts.Desc,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		Merge:   opts.Merge,
	})
	if err != nil {
		return f.Fail(ExitCommandError, "query failed", err)
	}
	if err := f.Render(page, func(w io.Writer) { writePage(w, page) }); err != nil {
		return err
	}
	return failuresExit(page.Failures)
}

func writePage(w io.Writer, p federation.Page) {
	writeRows(w, p.Rows)
	if p.Total >= 0 {
		fmt.Fprintf(w, "(%d of %d rows)\n", len(p.Rows), p.Total)
	} else {
		fmt.Fprintf(w, "(%d rows)\n", len(p.Rows))
	}
	writeFailures(w, p.Failures)
}

func writeRows(w io.Writer, rows []shard.Row) {
	for _, r := range rows {
		cols := make([]string, 0, len(r))
		for c := range r {
			cols = append(cols, c)
		}
		slices.Sort(cols)
		parts := make([]string, len(cols))
		for i, c := range cols {
			parts[i] = fmt.Sprintf("%s=%v", c, formatValue(r[c]))
		}
		fmt.Fprintln(w, strings.Join(parts, "  "))
	}
}

func writeFailures(w io.Writer, failures []router.Failure) {
	for _, fl := range failures {
		fmt.Fprintf(w, "warning: %s unavailable: %v\n", fl.ShardID, fl.Err)
	}
}

// failuresExit turns partial results into exit code 1 after they are printed.
func failuresExit(failures []router.Failure) error {
	if len(failures) == 0 {
		return nil
	}
	return WrapExitError(ExitFailure, "partial results", router.JoinFailures(failures))
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// parseValue reads a command-line value as an integer, a float, NULL, or
// a string, in that order.
func parseValue(s string) any {
	if strings.EqualFold(s, "null") {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if x, err := strconv.ParseFloat(s, 64); err == nil {
		return x
	}
	return s
}

// AggregateOptions holds flags for the aggregate command.
type AggregateOptions struct {
	*RootOptions
	Count   bool
	Sum     []string
	Avg     []string
	Min     []string
	Max     []string
	GroupBy string
	Where   map[string]string
}

// NewAggregateCommand creates the aggregate command.
func NewAggregateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AggregateOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "aggregate <table>",
		Short: "Compute count, sum, avg, min, and max across every shard",
		Long: `Aggregate a table across every shard.

Counts and sums add up; min and max reduce. avg is the mean of the
per-shard averages, not weighted by shard row counts.`,
		Example: `  shardfed aggregate posts --count --sum score --group-by user_id`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAggregate(opts, cmd, args[0])
		},
	}
	cmd.Flags().BoolVar(&opts.Count, "count", false, "count rows")
	cmd.Flags().StringSliceVar(&opts.Sum, "sum", nil, "columns to sum")
	cmd.Flags().StringSliceVar(&opts.Avg, "avg", nil, "columns to average")
	cmd.Flags().StringSliceVar(&opts.Min, "min", nil, "columns to take the minimum of")
	cmd.Flags().StringSliceVar(&opts.Max, "max", nil, "columns to take the maximum of")
	cmd.Flags().StringVar(&opts.GroupBy, "group-by", "", "column to group by")
	cmd.Flags().StringToStringVar(&opts.Where, "where", nil, "equality filter column=value (repeatable)")
	return cmd
}

func runAggregate(opts *AggregateOptions, cmd *cobra.Command, table string) error {
	f := opts.formatter(cmd)
	s, err := opts.open(cmd, f)
	if err != nil {
		return err
	}
	defer s.close()

	var where querysql.Predicate
	if len(opts.Where) > 0 {
		filter := make(map[string]any, len(opts.Where))
		for k, v := range opts.Where {
			filter[k] = parseValue(v)
		}
		where = querysql.Where(filter)
	}
	res, err := s.Engine.Aggregate(commandContext(cmd), table, federation.AggregateSpec{
		Count:   opts.Count,
		Sum:     opts.Sum,
		Avg:     opts.Avg,
		Min:     opts.Min,
		Max:     opts.Max,
		GroupBy: opts.GroupBy,
		Where:   where,
	})
	if err != nil {
		return f.Fail(ExitCommandError, "aggregate failed", err)
	}
	if err := f.Render(res, func(w io.Writer) { writeAggregate(w, opts.GroupBy, res) }); err != nil {
		return err
	}
	return failuresExit(res.Failures)
}

func writeAggregate(w io.Writer, groupBy string, r federation.AggregateResult) {
	if groupBy == "" {
		writeRows(w, []shard.Row{r.Values})
	}
	for _, g := range r.Groups {
		row := shard.Row{groupBy: g.Key}
		for k, v := range g.Values {
			row[k] = v
		}
		writeRows(w, []shard.Row{row})
	}
	writeFailures(w, r.Failures)
}
