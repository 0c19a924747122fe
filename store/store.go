// Package store defines the authoritative persistent store wbcache sits in
// front of, and an in-memory implementation for tests and local runs.
//
// Any Store operation may fail with ErrTimeout. A timeout means the outcome is
// unknown but the operation is safe to retry exactly once.
package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("store: no such entity")
	// ErrTimeout is a transient failure that may be retried once.
	ErrTimeout = errors.New("store: timeout")
	// ErrConflict reports a concurrent modification (optimistic check lost).
	ErrConflict = errors.New("store: concurrent modification")
)

// Entity is a record bound to its key.
type Entity[V any] struct {
	Key   Key
	Value V
}

// IDRange is a block of allocated IDs, [Start, End] inclusive.
type IDRange struct {
	Start int64
	End   int64
}

func (r IDRange) Len() int { return int(r.End - r.Start + 1) }

// Store is the authoritative record store. Implementations must be safe for
// concurrent use.
type Store[V any] interface {
	// Get returns ErrNotFound when k does not exist.
	Get(ctx context.Context, k Key) (V, error)
	// GetMulti returns the entities that exist; missing keys are absent.
	GetMulti(ctx context.Context, ks []Key) (map[Key]V, error)
	// Put writes e, allocating an ID when e.Key is incomplete.
	Put(ctx context.Context, e Entity[V]) (Key, error)
	// PutMulti returns the keys actually written. Fewer keys than entities
	// with a nil error is a partial write.
	PutMulti(ctx context.Context, es []Entity[V]) ([]Key, error)
	Delete(ctx context.Context, k Key) error
	DeleteMulti(ctx context.Context, ks []Key) error
	// AllocateIDs reserves n fresh IDs for kind under parent ("" = root).
	AllocateIDs(ctx context.Context, parent, kind string, n int) (IDRange, error)
	Close(ctx context.Context) error
}
