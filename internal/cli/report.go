package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/shardfed/internal/audit"
)

// NewReportCommand creates the report command.
func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Show shard capacity and allocation",
		Long: `Refresh every shard and report its size, utilization, and write status.

A shard is healthy below 75% of capacity, warning below 90%, and critical
above that. Critical shards no longer receive writes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(rootOpts, cmd)
		},
	}
}

func runReport(opts *RootOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	s, err := opts.open(cmd, f)
	if err != nil {
		return err
	}
	defer s.close()

	alloc, err := s.Auditor.AllocationReport(commandContext(cmd))
	if err != nil {
		return f.Fail(ExitCommandError, "allocation report failed", err)
	}
	return f.Render(alloc, func(w io.Writer) { writeAllocation(w, alloc) })
}

func writeAllocation(w io.Writer, a audit.Allocation) {
	fmt.Fprintf(w, "%-10s %5s %14s %14s %7s %9s %-8s  %s\n",
		"SHARD", "INDEX", "SIZE", "CAPACITY", "UTIL", "RECORDS", "STATUS", "WRITES")
	for _, s := range a.Shards {
		writes := "no"
		if s.Eligible {
			writes = "yes"
		}
		fmt.Fprintf(w, "%-10s %5d %14d %14d %6.1f%% %9d %-8s  %s\n",
			s.ID, s.Index, s.SizeBytes, s.MaxSizeBytes, s.Utilization*100, s.RecordCount, s.Status, writes)
	}
	fmt.Fprintln(w)

	active := a.ActiveShard
	if active == "" {
		active = "(none)"
	}
	fmt.Fprintf(w, "active shard:      %s\n", active)
	fmt.Fprintf(w, "total:             %d of %d bytes (%.1f%%), %d records\n",
		a.TotalSizeBytes, a.TotalCapacity, a.Utilization*100, a.TotalRecords)
	fmt.Fprintf(w, "next shard needed: %s\n", yesNo(a.NextShardNeeded))
	if len(a.Recommendations) > 0 {
		fmt.Fprintln(w, "recommendations:")
		for _, r := range a.Recommendations {
			fmt.Fprintf(w, "  - %s\n", r)
		}
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
