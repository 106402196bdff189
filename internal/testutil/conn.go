package testutil

import (
	"context"
	"sync"

	"github.com/roach88/shardfed/internal/shard"
)

// Conn wraps a shard.Conn with a controllable size and failure mode.
//
// Thread-safety: all methods are safe for concurrent use.
type Conn struct {
	shard.Conn

	mu       sync.RWMutex
	size     int64 // < 0 passes PageStats through
	failErr  error
	writeErr error
	calls    int
}

// Wrap returns a passthrough wrapper around c.
func Wrap(c shard.Conn) *Conn {
	return &Conn{Conn: c, size: -1}
}

// SetSize makes PageStats report size bytes.
func (c *Conn) SetSize(size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.size = size
}

// Fail makes every subsequent operation return err.
func (c *Conn) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failErr = err
}

// FailWrites makes every subsequent Run and Batch return err while reads
// keep working.
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// Heal clears failures set by Fail and FailWrites.
func (c *Conn) Heal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failErr = nil
	c.writeErr = nil
}

// Calls returns the number of statements executed through this wrapper.
func (c *Conn) Calls() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.calls
}

func (c *Conn) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.failErr
}

func (c *Conn) writeFailure() error {
	if err := c.failure(); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.writeErr
}

// Prepare returns a statement that honours the failure mode.
func (c *Conn) Prepare(query string) shard.Statement {
	return &stmt{Statement: c.Conn.Prepare(query), conn: c}
}

// Batch executes stmts unless the wrapper is failing.
func (c *Conn) Batch(ctx context.Context, stmts []shard.Statement) ([]shard.Result, error) {
	if err := c.writeFailure(); err != nil {
		return nil, err
	}
	inner := make([]shard.Statement, len(stmts))
	for i, st := range stmts {
		if w, ok := st.(*stmt); ok {
			inner[i] = w.Statement
			continue
		}
		inner[i] = st
	}
	return c.Conn.Batch(ctx, inner)
}

// PageStats reports the configured size as pageCount × 1 byte pages.
func (c *Conn) PageStats(ctx context.Context) (int64, int64, error) {
	if err := c.failure(); err != nil {
		return 0, 0, err
	}
	c.mu.RLock()
	size := c.size
	c.mu.RUnlock()
	if size >= 0 {
		return size, 1, nil
	}
	return c.Conn.PageStats(ctx)
}

// Tables lists tables unless the wrapper is failing.
func (c *Conn) Tables(ctx context.Context) ([]string, error) {
	if err := c.failure(); err != nil {
		return nil, err
	}
	return c.Conn.Tables(ctx)
}

// Ping fails while the wrapper is failing.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.failure(); err != nil {
		return err
	}
	return c.Conn.Ping(ctx)
}

type stmt struct {
	shard.Statement
	conn *Conn
}

func (s *stmt) Bind(args ...any) shard.Statement {
	return &stmt{Statement: s.Statement.Bind(args...), conn: s.conn}
}

func (s *stmt) First(ctx context.Context) (shard.Row, error) {
	if err := s.conn.failure(); err != nil {
		return nil, err
	}
	return s.Statement.First(ctx)
}

func (s *stmt) All(ctx context.Context) ([]shard.Row, error) {
	if err := s.conn.failure(); err != nil {
		return nil, err
	}
	return s.Statement.All(ctx)
}

func (s *stmt) Run(ctx context.Context) (shard.Result, error) {
	if err := s.conn.writeFailure(); err != nil {
		return shard.Result{}, err
	}
	return s.Statement.Run(ctx)
}
