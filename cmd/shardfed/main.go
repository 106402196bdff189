// Command shardfed operates a set of SQLite shards as one logical database.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/roach88/shardfed/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		// Exit errors have already been written by the command's formatter.
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, "shardfed:", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
