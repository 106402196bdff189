// Package shard defines the per-shard storage engine contract consumed by
// the routing layer, and its SQLite implementation.
//
// The contract is deliberately small:
//
//	conn.Prepare(sql).Bind(args...).First(ctx) // one row or nil
//	conn.Prepare(sql).Bind(args...).All(ctx)   // every row
//	conn.Prepare(sql).Bind(args...).Run(ctx)   // exec
//	conn.Batch(ctx, stmts)                     // atomic within this shard only
//	conn.PageStats(ctx) / conn.Tables(ctx)     // introspection
//
// Shards are discovered from an Environment: keys shaped like
// <PREFIX>_<index>_<hash> become Bindings whose value is the database path.
//
// # Internal tables
//
// Every shard carries three bookkeeping tables, created on open:
//   - _shard_references: cross-shard reference edges whose source lives here
//   - _id_mappings: durable hash→plaintext mappings for id decoding
//   - _unique_index: global uniqueness claims owned by this shard
//
// Names starting with an underscore are never reported as application tables.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity inside one shard
package shard
