package wbcache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/wbcache/codec"
	"github.com/unkn0wn-root/wbcache/kv"
	"github.com/unkn0wn-root/wbcache/store"
	"github.com/unkn0wn-root/wbcache/taskqueue"
)

// Strategy selects when Puts reach the Store.
type Strategy int

const (
	// WriteBehind defers Store writes to flush tasks while the watchdog is alive.
	WriteBehind Strategy = iota
	// WriteThrough writes the Store before Put returns.
	WriteThrough
)

func (s Strategy) String() string {
	switch s {
	case WriteBehind:
		return "write_behind"
	case WriteThrough:
		return "write_through"
	default:
		return "unknown"
	}
}

// CachingStore is a read-through, write-behind cache over a store.Store.
// V is the record type; the Codec turns it into cache bytes.
type CachingStore[V any] interface {
	Enabled() bool
	Close(context.Context) error

	// Single
	Get(ctx context.Context, k store.Key) (V, error)
	Put(ctx context.Context, e store.Entity[V]) (store.Key, error)
	Delete(ctx context.Context, k store.Key) error

	// Batch. GetMulti omits keys that do not exist; PutMulti returns keys in
	// input order.
	GetMulti(ctx context.Context, ks []store.Key) (map[store.Key]V, error)
	PutMulti(ctx context.Context, es []store.Entity[V]) ([]store.Key, error)
	DeleteMulti(ctx context.Context, ks []store.Key) error

	// Watchdog
	StartWatchdog(ctx context.Context) error
	WatchdogAlive(ctx context.Context) bool

	// HandleTask is the delivery endpoint for every task this store enqueues.
	HandleTask(ctx context.Context, t taskqueue.Task) taskqueue.Status
}

// Options tune a CachingStore.
// Namespace, KV, Store and Codec are required; others have sensible defaults.
type Options[V any] struct {
	// Required
	Namespace string // separates cache keys and task names; e.g. "app:prod:user"
	KV        kv.KV
	Store     store.Store[V]
	Codec     codec.Codec[V]

	Queue            taskqueue.Queue // nil => every Put writes the Store synchronously
	Logger           Logger          // if nil, NopLogger is used
	Hooks            Hooks           // if nil, NopHooks is used
	Strategy         Strategy        // default WriteBehind
	TTL              time.Duration   // cache entry TTL; 0 => none
	WatchdogInterval time.Duration   // 0 => 30s
	EnqueueAttempts  int             // 0 => 3
	EnqueueBackoff   time.Duration   // backoff unit between attempts; 0 => 10ms
	Disabled         bool            // bypass the cache; every call goes to the Store
	CloseBackends    bool            // Close also closes KV and Store
}

const (
	defaultWatchdogInterval = 30 * time.Second
	defaultEnqueueAttempts  = 3
	defaultEnqueueBackoff   = 10 * time.Millisecond
)

func New[V any](opts Options[V]) (CachingStore[V], error) {
	return newCachingStore[V](opts)
}

func newCachingStore[V any](opts Options[V]) (*cachingStore[V], error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("wbcache: store is required")
	}
	if opts.KV == nil && !opts.Disabled {
		return nil, fmt.Errorf("wbcache: kv is required")
	}
	if opts.Codec == nil && !opts.Disabled {
		return nil, fmt.Errorf("wbcache: codec is required")
	}
	if opts.Namespace == "" {
		return nil, fmt.Errorf("wbcache: namespace is required")
	}

	c := &cachingStore[V]{
		ns:            opts.Namespace,
		kv:            opts.KV,
		store:         opts.Store,
		queue:         opts.Queue,
		codec:         opts.Codec,
		strategy:      opts.Strategy,
		ttl:           opts.TTL,
		enabled:       !opts.Disabled,
		closeBackends: opts.CloseBackends,
		newToken:      uuid.NewString,
	}

	// defaults
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	c.interval = coalesce[time.Duration](opts.WatchdogInterval, defaultWatchdogInterval)
	c.enqueueAttempts = coalesce[int](opts.EnqueueAttempts, defaultEnqueueAttempts)
	c.enqueueBackoff = coalesce[time.Duration](opts.EnqueueBackoff, defaultEnqueueBackoff)

	if c.kv != nil {
		c.lenient = kv.WithErrorMode(c.kv, kv.Lenient, c.log)
	}
	return c, nil
}

func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
