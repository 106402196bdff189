package cli

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/shardfed/internal/dedup"
)

// NewDedupCommand creates the dedup command group.
func NewDedupCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dedup",
		Short: "Find and remove records that break global uniqueness",
	}
	cmd.AddCommand(newDedupFindCommand(rootOpts))
	cmd.AddCommand(newDedupFixCommand(rootOpts))
	return cmd
}

// DedupOptions holds flags shared by the dedup subcommands.
type DedupOptions struct {
	*RootOptions
	Columns []string
	Keep    string
	Apply   bool
}

// columnSets returns the explicit columns, or the columns of every
// constraint configured for table.
func (o *DedupOptions) columnSets(s *session, table string) [][]string {
	if len(o.Columns) > 0 {
		return [][]string{o.Columns}
	}
	var out [][]string
	for _, c := range s.Dedup.Constraints(table) {
		out = append(out, c.Columns)
	}
	return out
}

func newDedupFindCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DedupOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "find <table>",
		Short: "List groups of records sharing unique values",
		Long: `List groups of records on any shards that share the same values.

Without --columns every uniqueness constraint configured for the table is
checked. Exits 1 when duplicates exist.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDedupFind(opts, cmd, args[0])
		},
	}
	cmd.Flags().StringSliceVar(&opts.Columns, "columns", nil, "columns that must be unique together")
	return cmd
}

func runDedupFind(opts *DedupOptions, cmd *cobra.Command, table string) error {
	f := opts.formatter(cmd)
	s, err := opts.open(cmd, f)
	if err != nil {
		return err
	}
	defer s.close()

	sets := opts.columnSets(s, table)
	if len(sets) == 0 {
		_ = f.Error(ErrCodeInvalidArgument, fmt.Sprintf("no constraints configured for %s; pass --columns", table), nil)
		return NewExitError(ExitCommandError, "no columns to check")
	}
	var groups []dedup.DuplicateGroup
	for _, cols := range sets {
		found, err := s.Dedup.FindDuplicates(commandContext(cmd), table, cols)
		if err != nil {
			return f.Fail(ExitCommandError, "duplicate scan failed", err)
		}
		groups = append(groups, found...)
	}
	if err := f.Render(groups, func(w io.Writer) { writeDuplicateGroups(w, groups) }); err != nil {
		return err
	}
	if len(groups) > 0 {
		return NewExitError(ExitFailure, "duplicates found")
	}
	return nil
}

func writeDuplicateGroups(w io.Writer, groups []dedup.DuplicateGroup) {
	if len(groups) == 0 {
		fmt.Fprintln(w, "no duplicates")
		return
	}
	for _, g := range groups {
		pairs := make([]string, 0, len(g.Values))
		for k, v := range g.Values {
			pairs = append(pairs, fmt.Sprintf("%s=%q", k, v))
		}
		slices.Sort(pairs)
		fmt.Fprintln(w, strings.Join(pairs, " "))
		for _, r := range g.Records {
			fmt.Fprintf(w, "  %s %s created_at=%d\n", r.ShardID, r.ID, r.CreatedAt)
		}
	}
}

func newDedupFixCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DedupOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "fix <table>",
		Short: "Keep one record per duplicate group and delete the rest",
		Long: `Keep one record per duplicate group and delete the others.

--keep first keeps the earliest created record, --keep last the latest.
Without --apply nothing is deleted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDedupFix(opts, cmd, args[0])
		},
	}
	cmd.Flags().StringSliceVar(&opts.Columns, "columns", nil, "columns that must be unique together")
	cmd.Flags().StringVar(&opts.Keep, "keep", string(dedup.KeepFirst), "which record survives (first|last)")
	cmd.Flags().BoolVar(&opts.Apply, "apply", false, "delete instead of listing")
	return cmd
}

func runDedupFix(opts *DedupOptions, cmd *cobra.Command, table string) error {
	f := opts.formatter(cmd)
	s, err := opts.open(cmd, f)
	if err != nil {
		return err
	}
	defer s.close()

	sets := opts.columnSets(s, table)
	if len(sets) == 0 {
		_ = f.Error(ErrCodeInvalidArgument, fmt.Sprintf("no constraints configured for %s; pass --columns", table), nil)
		return NewExitError(ExitCommandError, "no columns to check")
	}
	var reports []dedup.DedupReport
	failed := false
	for _, cols := range sets {
		rep, err := s.Store.DeduplicateTable(commandContext(cmd), table, cols, dedup.Keep(opts.Keep), !opts.Apply)
		if err != nil {
			return f.Fail(ExitCommandError, "deduplication failed", err)
		}
		failed = failed || len(rep.Failures) > 0
		reports = append(reports, rep)
	}
	if err := f.Render(reports, func(w io.Writer) { writeDedupReports(w, reports) }); err != nil {
		return err
	}
	if failed {
		return NewExitError(ExitFailure, "some shards could not be deduplicated")
	}
	return nil
}

func writeDedupReports(w io.Writer, reports []dedup.DedupReport) {
	for _, r := range reports {
		verb := "deleted"
		if r.DryRun {
			verb = "would delete"
		}
		fmt.Fprintf(w, "%s (%s): %d groups, %s %d records\n",
			r.Table, strings.Join(r.Columns, ", "), r.Groups, verb, len(r.Deleted))
		for _, d := range r.Deleted {
			fmt.Fprintf(w, "  - %s %s\n", d.ShardID, d.ID)
		}
		for _, fl := range r.Failures {
			fmt.Fprintf(w, "  ! %s: %v\n", fl.ShardID, fl.Err)
		}
	}
}
