// Package chunkstream binds realtime channels to generation jobs and accumulates
// the streamed text fragments of each job into a cache.
//
// Ownership model:
//   - A Manager owns the binding registry. It is created once per application
//     session and passed to whoever needs to bind; there is no package-level state.
//   - An Accumulator owns the append path into a Cache. Only fragment handlers
//     installed by the Manager append to a job's entry.
//
// Typical setup:
//   - Build a Cache (MemoryCache, SQLiteCache or RedisCache) and an Accumulator on top.
//   - Build a ChannelProvider (see pkg/streamtransport) and a Manager.
//   - Call EnsureBinding (or Acquire) from every code path that needs a job's stream;
//     repeated calls are cheap no-ops.
package chunkstream
