// Package lock provides distributed locks built only from kv.KV atomics.
//
// Exclusive is a reentrant mutex stored as one key created with
// kv.SetIfAbsent and holding the owner ID. Shared is a reader count kept by
// kv.KV.Increment. RW composes the two into a many-readers-or-one-writer lock.
//
// Each handle represents one owner. Reentrancy is local to the handle: a
// second handle, even in the same process, is a different owner unless it is
// created WithOwner the same ID. Handles are safe for concurrent use, but
// concurrent goroutines sharing a handle share its ownership.
//
// Lock keys expire after Options.Expiration. A holder that outlives the
// expiration, or whose key is evicted, silently loses the lock. Size the
// expiration to the longest unit of work performed under the lock.
package lock
