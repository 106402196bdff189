// Package testutil provides shard fixtures for tests.
//
// Shards builds a set of SQLite shards in a temp directory, exposes them as
// an Environment plus an Opener, and wraps every connection in a Conn whose
// reported size and failure mode can be controlled by the test:
//
//	set := testutil.NewShards(t, 3)
//	reg, _ := registry.Discover(ctx, set.Env, testutil.Prefix, registry.WithOpener(set.Open))
//	set.Conn("shard-1").SetSize(95)
//	set.Conn("shard-2").Fail(errors.New("unreachable"))
package testutil
