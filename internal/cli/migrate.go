package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply application DDL to every shard",
		Long: `Apply DDL to every shard in index order.

The DDL comes from --file, or from shards.schema in the config. Statements
should be idempotent (CREATE TABLE IF NOT EXISTS ...) since a failure part
way leaves earlier shards migrated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(rootOpts, cmd, file)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "path to a SQL file")
	return cmd
}

func runMigrate(opts *RootOptions, cmd *cobra.Command, file string) error {
	f := opts.formatter(cmd)
	s, err := opts.open(cmd, f)
	if err != nil {
		return err
	}
	defer s.close()

	ddl := s.Config.Shards.Schema
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			_ = f.Error(ErrCodeConfig, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to read schema file", err)
		}
		ddl = string(data)
	}
	if ddl == "" {
		_ = f.Error(ErrCodeConfig, "no schema: pass --file or set shards.schema", nil)
		return NewExitError(ExitCommandError, "no schema")
	}

	if err := s.Registry.Migrate(commandContext(cmd), ddl); err != nil {
		return f.Fail(ExitCommandError, "migration failed", err)
	}
	n := s.Registry.Len()
	return f.Render(map[string]int{"shards": n}, func(w io.Writer) {
		fmt.Fprintf(w, "schema applied to %d shards\n", n)
	})
}
