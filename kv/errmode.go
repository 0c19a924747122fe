package kv

import (
	"context"
	"time"

	"github.com/unkn0wn-root/wbcache/log"
)

// ErrorMode decides what a KV does with backend errors.
type ErrorMode int

const (
	// Strict surfaces every backend error to the caller.
	Strict ErrorMode = iota
	// Lenient logs backend errors and reports misses instead: Get misses,
	// Put is not stored, Contains is false. Increment errors are still
	// returned since no counter value can stand in for a failure.
	Lenient
)

// WithErrorMode wraps k for the given mode. Strict returns k unchanged.
func WithErrorMode(k KV, mode ErrorMode, l log.Logger) KV {
	if mode == Strict {
		return k
	}
	return &lenient{inner: k, log: log.OrNop(l)}
}

type lenient struct {
	inner KV
	log   log.Logger
}

func (l *lenient) swallow(op, key string, err error) {
	l.log.Warn("kv error ignored", log.Fields{"op": op, "key": key, "err": err})
}

func (l *lenient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok, err := l.inner.Get(ctx, key)
	if err != nil {
		l.swallow("get", key, err)
		return nil, false, nil
	}
	return v, ok, nil
}

func (l *lenient) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	m, err := l.inner.GetMulti(ctx, keys)
	if err != nil {
		l.log.Warn("kv error ignored", log.Fields{"op": "get_multi", "count": len(keys), "err": err})
		return map[string][]byte{}, nil
	}
	return m, nil
}

func (l *lenient) Put(ctx context.Context, key string, value []byte, ttl time.Duration, p Policy) (bool, error) {
	ok, err := l.inner.Put(ctx, key, value, ttl, p)
	if err != nil {
		l.swallow("put", key, err)
		return false, nil
	}
	return ok, nil
}

func (l *lenient) PutMulti(ctx context.Context, items map[string][]byte, ttl time.Duration, p Policy) ([]string, error) {
	rejected, err := l.inner.PutMulti(ctx, items, ttl, p)
	if err != nil {
		l.log.Warn("kv error ignored", log.Fields{"op": "put_multi", "count": len(items), "err": err})
		all := make([]string, 0, len(items))
		for k := range items {
			all = append(all, k)
		}
		return all, nil
	}
	return rejected, nil
}

func (l *lenient) Delete(ctx context.Context, key string) (bool, error) {
	ok, err := l.inner.Delete(ctx, key)
	if err != nil {
		l.swallow("delete", key, err)
		return false, nil
	}
	return ok, nil
}

func (l *lenient) DeleteMulti(ctx context.Context, keys []string) error {
	if err := l.inner.DeleteMulti(ctx, keys); err != nil {
		l.log.Warn("kv error ignored", log.Fields{"op": "delete_multi", "count": len(keys), "err": err})
	}
	return nil
}

func (l *lenient) Increment(ctx context.Context, key string, delta int64, initial uint64) (uint64, error) {
	return l.inner.Increment(ctx, key, delta, initial)
}

func (l *lenient) Contains(ctx context.Context, key string) (bool, error) {
	ok, err := l.inner.Contains(ctx, key)
	if err != nil {
		l.swallow("contains", key, err)
		return false, nil
	}
	return ok, nil
}

func (l *lenient) Close(ctx context.Context) error { return l.inner.Close(ctx) }
