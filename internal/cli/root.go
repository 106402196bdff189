package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/shardfed/internal/cluster"
	"github.com/roach88/shardfed/internal/config"
	"github.com/roach88/shardfed/internal/registry"
	"github.com/roach88/shardfed/internal/shard"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	// Env and Opener override shard discovery (for testing). Nil means the
	// process environment and SQLite files.
	Env    shard.Environment
	Opener registry.Opener
	// ClusterOptions are appended when a command opens the cluster.
	ClusterOptions []cluster.Option
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the shardfed CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shardfed",
		Short: "shardfed - federated queries over capacity-bounded SQLite shards",
		Long: `Operate a set of SQLite shards as one logical database.

Shards are discovered from environment variables named <prefix>_<index>_<hash>
(SHARDFED_DB by default) whose values are database paths. Records carry
universal ids that encode the shard holding them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Validate format flag
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to shardfed YAML config")

	// Add subcommands
	cmd.AddCommand(NewReportCommand(opts))
	cmd.AddCommand(NewAuditCommand(opts))
	cmd.AddCommand(NewRepairCommand(opts))
	cmd.AddCommand(NewIDCommand(opts))
	cmd.AddCommand(NewDedupCommand(opts))
	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewAggregateCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewMonitorCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   o.Verbose,
	}
}

// session is an opened cluster plus the metrics registry it reports to.
type session struct {
	*cluster.Cluster
	metrics *prometheus.Registry
}

// open loads the configuration, installs the logger, and opens the cluster.
func (o *RootOptions) open(cmd *cobra.Command, f *OutputFormatter) (*session, error) {
	cfg := config.Default()
	if o.ConfigPath != "" {
		loaded, err := config.Load(o.ConfigPath)
		if err != nil {
			_ = f.Error(ErrCodeConfig, err.Error(), nil)
			return nil, WrapExitError(ExitCommandError, "failed to load config", err)
		}
		cfg = loaded
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.Logging.Level, o.Verbose)
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	opts := []cluster.Option{cluster.WithLogger(logger), cluster.WithRegisterer(reg)}
	if o.Env != nil {
		opts = append(opts, cluster.WithEnvironment(o.Env))
	}
	if o.Opener != nil {
		opts = append(opts, cluster.WithOpener(o.Opener))
	}
	opts = append(opts, o.ClusterOptions...)

	c, err := cluster.Open(commandContext(cmd), cfg, opts...)
	if err != nil {
		return nil, f.Fail(ExitCommandError, "failed to open shards", err)
	}
	if c.Registry.Len() == 0 {
		c.Close()
		err := fmt.Errorf("no environment variables match %s_<index>_<hash>", cfg.Shards.Prefix)
		_ = f.Error(ErrCodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "no shards discovered", err)
	}
	return &session{Cluster: c, metrics: reg}, nil
}

func (s *session) close() {
	if err := s.Close(); err != nil {
		slog.Error("error closing shards", "error", err)
	}
}

// commandContext returns the command's context, or Background when the
// command was executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func newLogger(w io.Writer, level string, verbose bool) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}
