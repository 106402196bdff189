// Package cache provides small generic, thread-safe caches used for
// process-local state:
//   - FIFO: bounded size, evicts the oldest-inserted entry first
//   - TTL: bounded LRU whose entries expire a fixed duration after they were written
//
// Both are instance-level caches. Nothing here is shared across processes.
package cache
