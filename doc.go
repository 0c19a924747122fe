// Package wbcache puts a best-effort distributed cache with write-behind in
// front of an authoritative store.
//
// Components:
//   - kv.KV: atomic byte cache with TTL (memory, Redis, Ristretto, BigCache).
//   - store.Store[V]: the source of truth (memory, bbolt, SQLite).
//   - taskqueue.Queue: at-least-once delayed delivery (in-process, Redis).
//   - codec.Codec[V]: (de)serializes V <-> []byte.
//
// Reads consult the cache first; a miss reads the Store and repopulates the
// cache without overwriting anything newer. A cache miss never means "does
// not exist".
//
// Writes go to the cache (strictly: errors are not swallowed) and then, in
// WriteBehind mode with a live watchdog, enqueue a flush task naming the keys.
// The flush re-reads the cache and writes the current values to the Store,
// so redelivery is harmless. Anything that prevents a safe deferred write
// (WriteThrough, dead watchdog, cache failure, enqueue failure) turns the
// Put into a synchronous Store write.
//
// Deletes are always synchronous: Store first, then cache.
//
// Watchdog:
//
//	wbcache:<ns>:watchdog = token   (TTL 2 × WatchdogInterval)
//
// A chain of self-rescheduling tick tasks renews the token. A tick continues
// the chain only when the cached token is absent or equals the token it was
// handed, so duplicate chains die out. The token's presence is the liveness
// signal for write-behind; when ticks stop, it expires and Puts go
// synchronous.
//
// Deliver queue tasks to CachingStore.HandleTask. Locks for serializing
// read-modify-write sequences live in package lock.
package wbcache
