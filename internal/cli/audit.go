package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/shardfed/internal/audit"
)

// NewAuditCommand creates the audit command.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Run cross-shard consistency checks",
		Long: `Check foreign keys, global uniqueness, orphaned join rows and dangling
references, shard balance, timestamps, and id format across every shard.

Exits 1 when any check fails. Warnings do not change the exit code.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(rootOpts, cmd)
		},
	}
}

func runAudit(opts *RootOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	s, err := opts.open(cmd, f)
	if err != nil {
		return err
	}
	defer s.close()

	report, err := s.Auditor.RunConsistencyChecks(commandContext(cmd))
	if err != nil {
		return f.Fail(ExitCommandError, "consistency checks did not run", err)
	}
	if err := f.Render(report, func(w io.Writer) { writeAuditReport(w, report, opts.Verbose) }); err != nil {
		return err
	}
	if report.Status == audit.StatusFailed {
		return NewExitError(ExitFailure, "consistency checks failed")
	}
	return nil
}

func writeAuditReport(w io.Writer, r audit.Report, verbose bool) {
	for _, c := range r.Checks {
		fmt.Fprintf(w, "[%-7s] %-18s %s\n", c.Status, c.Name, c.Message)
		if c.Error != "" {
			fmt.Fprintf(w, "          error: %s\n", c.Error)
		}
		shown := c.Issues
		if !verbose && len(shown) > 10 {
			shown = shown[:10]
		}
		for _, is := range shown {
			fmt.Fprintf(w, "          %s\n", formatIssue(is))
		}
		if len(shown) < len(c.Issues) {
			fmt.Fprintf(w, "          ... %d more (use --verbose)\n", len(c.Issues)-len(shown))
		}
	}
	fmt.Fprintf(w, "\noverall: %s in %s (report %s)\n", r.Status, r.Duration.Round(time.Millisecond), r.ID)
}

func formatIssue(is audit.Issue) string {
	loc := is.ShardID
	if is.Table != "" {
		loc += " " + is.Table
	}
	if is.ID != "" {
		loc += " " + is.ID
	}
	if loc == "" {
		return is.Detail
	}
	return fmt.Sprintf("%s: %s", loc, is.Detail)
}

// NewRepairCommand creates the repair command.
func NewRepairCommand(rootOpts *RootOptions) *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Fix orphaned join rows, dangling references, and bad timestamps",
		Long: `Plan, and with --apply perform, the mechanical repairs for audit findings.

Broken foreign keys and duplicate values are reported by audit but never
repaired automatically. Without --apply nothing is written.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepair(rootOpts, cmd, apply)
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "perform the repairs instead of listing them")
	return cmd
}

func runRepair(opts *RootOptions, cmd *cobra.Command, apply bool) error {
	f := opts.formatter(cmd)
	s, err := opts.open(cmd, f)
	if err != nil {
		return err
	}
	defer s.close()

	report, err := s.Auditor.Repair(commandContext(cmd), !apply)
	if err != nil {
		return f.Fail(ExitCommandError, "repair failed", err)
	}
	if err := f.Render(report, func(w io.Writer) { writeRepairReport(w, report) }); err != nil {
		return err
	}
	if apply && report.Applied() < len(report.Actions) {
		return NewExitError(ExitFailure, "some repairs failed")
	}
	return nil
}

func writeRepairReport(w io.Writer, r audit.RepairReport) {
	if len(r.Actions) == 0 {
		fmt.Fprintln(w, "nothing to repair")
		return
	}
	for _, a := range r.Actions {
		state := "planned"
		switch {
		case a.Applied:
			state = "applied"
		case a.Error != "":
			state = "failed"
		}
		fmt.Fprintf(w, "[%-7s] %-24s %s %s %s: %s\n", state, a.Kind, a.ShardID, a.Table, a.ID, a.Detail)
		if a.Error != "" {
			fmt.Fprintf(w, "          error: %s\n", a.Error)
		}
	}
	if r.DryRun {
		fmt.Fprintf(w, "\n%d repairs planned; rerun with --apply to perform them\n", len(r.Actions))
		return
	}
	fmt.Fprintf(w, "\n%d of %d repairs applied\n", r.Applied(), len(r.Actions))
}
