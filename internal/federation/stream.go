package federation

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"

	"github.com/roach88/shardfed/internal/fault"
	"github.com/roach88/shardfed/internal/querysql"
	"github.com/roach88/shardfed/internal/router"
	"github.com/roach88/shardfed/internal/shard"
)

// DefaultBatchSize is the stream page size when none is given.
const DefaultBatchSize = 100

// ErrStreamConsumed is yielded when a Stream is iterated a second time.
var ErrStreamConsumed = errors.New("stream already consumed")

// StreamOptions configures StreamFromAllShards.
type StreamOptions struct {
	BatchSize int
	Where     querysql.Predicate
	OrderBy   string
}

// Stream yields a table's rows shard by shard in offset-paged batches.
// It can be iterated once.
type Stream struct {
	engine *Engine
	table  string
	opts   StreamOptions
	used   atomic.Bool
}

// StreamFromAllShards prepares a lazy stream over table. No shard is read
// until the stream is iterated.
func (e *Engine) StreamFromAllShards(table string, opts StreamOptions) (*Stream, error) {
	if !shard.ValidIdent(table) {
		return nil, fault.InvalidArgument("stream: invalid table %q", table)
	}
	if opts.OrderBy != "" && !shard.ValidIdent(opts.OrderBy) {
		return nil, fault.InvalidArgument("stream: invalid order column %q", opts.OrderBy)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Stream{engine: e, table: table, opts: opts}, nil
}

// All yields batches in shard index order. A shard error is yielded as a
// router.Failure and iteration moves on to the next shard. Breaking out of
// the loop stops all reads.
func (s *Stream) All(ctx context.Context) iter.Seq2[[]shard.Row, error] {
	return func(yield func([]shard.Row, error) bool) {
		if !s.used.CompareAndSwap(false, true) {
			yield(nil, ErrStreamConsumed)
			return
		}
		for _, en := range s.engine.router.Registry().Entries() {
			offset := 0
			for {
				if err := ctx.Err(); err != nil {
					yield(nil, err)
					return
				}
				query, args, err := querysql.CompileSelect(querysql.Select{
					Table:   s.table,
					Where:   s.opts.Where,
					OrderBy: s.opts.OrderBy,
					Limit:   s.opts.BatchSize,
					Offset:  offset,
				})
				if err != nil {
					yield(nil, err)
					return
				}
				rows, err := en.Conn.Prepare(query).Bind(args...).All(ctx)
				if shard.IsNoSuchTable(err) {
					break
				}
				if err != nil {
					if !yield(nil, router.Failure{ShardID: en.ID(), Err: err}) {
						return
					}
					break
				}
				if len(rows) == 0 {
					break
				}
				if !yield(rows, nil) {
					return
				}
				if len(rows) < s.opts.BatchSize {
					break
				}
				offset += len(rows)
			}
		}
	}
}
