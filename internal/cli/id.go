package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/shardfed/internal/idcodec"
)

// NewIDCommand creates the id command group.
func NewIDCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "id",
		Short: "Generate and decode universal ids",
	}
	cmd.AddCommand(newIDGenerateCommand(rootOpts))
	cmd.AddCommand(newIDDecodeCommand(rootOpts))
	return cmd
}

func newIDGenerateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "generate <shard-id> <record-type>",
		Short:   "Mint an id bound to a shard and record type",
		Example: `  shardfed id generate shard-3 users`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			s, err := rootOpts.open(cmd, f)
			if err != nil {
				return err
			}
			defer s.close()

			ctx := commandContext(cmd)
			if _, err := s.Registry.Get(args[0]); err != nil {
				return f.Fail(ExitCommandError, "cannot generate id", err)
			}
			id, err := s.Codec.Generate(ctx, args[0], args[1], time.Time{})
			if err != nil {
				return f.Fail(ExitCommandError, "cannot generate id", err)
			}
			return f.Render(map[string]string{"id": id}, func(w io.Writer) { fmt.Fprintln(w, id) })
		},
	}
}

// decodedID is the printable form of idcodec.Decoded.
type decodedID struct {
	ID         string `json:"id"`
	Timestamp  string `json:"timestamp"`
	ShardID    string `json:"shard_id"`
	RecordType string `json:"record_type"`
	Random     string `json:"random"`
}

func newIDDecodeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "decode <id>",
		Short: "Show the timestamp, shard, and record type inside an id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			if !idcodec.Valid(args[0]) {
				_ = f.Error(ErrCodeInvalidID, fmt.Sprintf("%q is not a universal id", args[0]), nil)
				return NewExitError(ExitCommandError, "invalid id")
			}
			s, err := rootOpts.open(cmd, f)
			if err != nil {
				return err
			}
			defer s.close()

			d, err := s.Codec.Decode(commandContext(cmd), args[0])
			if err != nil {
				return f.Fail(ExitCommandError, "cannot decode id", err)
			}
			out := decodedID{
				ID:         args[0],
				Timestamp:  d.Timestamp.Format(time.RFC3339Nano),
				ShardID:    d.ShardID,
				RecordType: d.RecordType,
				Random:     d.Random,
			}
			return f.Render(out, func(w io.Writer) {
				fmt.Fprintf(w, "id:          %s\n", out.ID)
				fmt.Fprintf(w, "timestamp:   %s\n", out.Timestamp)
				fmt.Fprintf(w, "shard:       %s\n", out.ShardID)
				fmt.Fprintf(w, "record type: %s\n", out.RecordType)
				fmt.Fprintf(w, "random:      %s\n", out.Random)
			})
		},
	}
}
