// Package kv defines the atomic key-value cache wbcache and its locks are
// built on, plus an in-process implementation.
//
// A KV is best-effort storage: any key may vanish at any time (eviction,
// restart, TTL). Callers must treat a miss as "unknown", never as "does not
// exist". What a KV must guarantee is per-key atomicity of Put with
// SetIfAbsent and of Increment; locks depend on nothing else.
//
// Values are opaque bytes, returned byte-for-byte as stored. Counters touched
// by Increment are stored as decimal ASCII so every backend (redis INCRBY
// included) agrees on their representation.
package kv

import (
	"context"
	"errors"
	"time"
)

// Policy selects how Put treats an existing key.
type Policy int

const (
	// SetAlways overwrites any existing value.
	SetAlways Policy = iota
	// SetIfAbsent stores only when the key is missing (or expired).
	SetIfAbsent
)

func (p Policy) String() string {
	switch p {
	case SetAlways:
		return "always"
	case SetIfAbsent:
		return "if_absent"
	default:
		return "unknown"
	}
}

var (
	// ErrNotInteger is returned by Increment when the stored value is not a
	// non-negative decimal integer.
	ErrNotInteger = errors.New("kv: value is not an integer")
	// ErrClosed is returned by operations on a closed KV.
	ErrClosed = errors.New("kv: closed")
)

// CompareDeleter is implemented by KVs that can remove a key only while it
// still holds an expected value, in one atomic step. Locks use it to release
// a key without racing a new owner.
type CompareDeleter interface {
	// DeleteIfEqual removes key when its current value equals value and
	// reports whether it did.
	DeleteIfEqual(ctx context.Context, key string, value []byte) (bool, error)
}

// KV is the atomic cache contract. Implementations must be safe for
// concurrent use. ttl <= 0 means no expiry.
type KV interface {
	// Get returns (value, true, nil) on hit and (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// GetMulti returns the hits among keys. Misses are simply absent.
	GetMulti(ctx context.Context, keys []string) (map[string][]byte, error)

	// Put stores value under key. stored is false when the policy prevented
	// the write (SetIfAbsent on a present key) or the backend refused it.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration, p Policy) (stored bool, err error)

	// PutMulti stores all items and returns the keys that were not stored.
	PutMulti(ctx context.Context, items map[string][]byte, ttl time.Duration, p Policy) (rejected []string, err error)

	// Delete removes key and reports whether it was present.
	Delete(ctx context.Context, key string) (bool, error)

	// DeleteMulti removes keys. Missing keys are not an error.
	DeleteMulti(ctx context.Context, keys []string) error

	// Increment atomically adds delta to the counter under key and returns
	// the new value. A missing key starts at initial. The result never drops
	// below zero. The key's TTL, if any, is left unchanged.
	Increment(ctx context.Context, key string, delta int64, initial uint64) (uint64, error)

	// Contains reports whether key is currently present.
	Contains(ctx context.Context, key string) (bool, error)

	// Close releases resources.
	Close(ctx context.Context) error
}
