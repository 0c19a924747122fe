package kv

import (
	"bytes"
	"context"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type memEntry struct {
	v   []byte
	exp time.Time // zero => no TTL
}

func (e memEntry) expired(now time.Time) bool {
	return !e.exp.IsZero() && !now.Before(e.exp)
}

// Memory is an in-process KV. Per-key atomicity comes from xsync.MapOf.Compute,
// which runs the update function under the key's bucket lock.
type Memory struct {
	m      *xsync.MapOf[string, memEntry]
	now    func() time.Time
	closed atomic.Bool
}

var (
	_ KV             = (*Memory)(nil)
	_ CompareDeleter = (*Memory)(nil)
)

type MemoryOption func(*Memory)

// WithClock replaces time.Now, letting tests move TTLs forward.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		m:   xsync.NewMapOf[string, memEntry](),
		now: time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	if m.closed.Load() {
		return nil, false, ErrClosed
	}
	e, ok := m.m.Load(key)
	if !ok {
		return nil, false, nil
	}
	if e.expired(m.now()) {
		m.dropExpired(key)
		return nil, false, nil
	}
	return e.v, true, nil
}

func (m *Memory) dropExpired(key string) {
	now := m.now()
	m.m.Compute(key, func(old memEntry, loaded bool) (memEntry, bool) {
		return old, !loaded || old.expired(now)
	})
}

func (m *Memory) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, ok, err := m.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte, ttl time.Duration, p Policy) (bool, error) {
	if m.closed.Load() {
		return false, ErrClosed
	}
	now := m.now()
	next := memEntry{v: append([]byte(nil), value...), exp: m.expiry(ttl)}
	stored := false
	m.m.Compute(key, func(old memEntry, loaded bool) (memEntry, bool) {
		if p == SetIfAbsent && loaded && !old.expired(now) {
			return old, false
		}
		stored = true
		return next, false
	})
	return stored, nil
}

func (m *Memory) PutMulti(ctx context.Context, items map[string][]byte, ttl time.Duration, p Policy) ([]string, error) {
	var rejected []string
	for k, v := range items {
		ok, err := m.Put(ctx, k, v, ttl, p)
		if err != nil {
			return nil, err
		}
		if !ok {
			rejected = append(rejected, k)
		}
	}
	return rejected, nil
}

func (m *Memory) Delete(_ context.Context, key string) (bool, error) {
	if m.closed.Load() {
		return false, ErrClosed
	}
	e, ok := m.m.LoadAndDelete(key)
	return ok && !e.expired(m.now()), nil
}

func (m *Memory) DeleteIfEqual(_ context.Context, key string, value []byte) (bool, error) {
	if m.closed.Load() {
		return false, ErrClosed
	}
	now := m.now()
	deleted := false
	m.m.Compute(key, func(old memEntry, loaded bool) (memEntry, bool) {
		if !loaded || old.expired(now) {
			return old, true
		}
		deleted = bytes.Equal(old.v, value)
		return old, deleted
	})
	return deleted, nil
}

func (m *Memory) DeleteMulti(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if _, err := m.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Increment(_ context.Context, key string, delta int64, initial uint64) (uint64, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	now := m.now()
	var (
		result uint64
		err    error
	)
	m.m.Compute(key, func(old memEntry, loaded bool) (memEntry, bool) {
		cur := initial
		exp := time.Time{}
		if loaded && !old.expired(now) {
			n, perr := ParseCounter(old.v)
			if perr != nil {
				err = perr
				return old, false
			}
			cur = n
			exp = old.exp
		}
		result = AddDelta(cur, delta)
		return memEntry{v: FormatCounter(result), exp: exp}, false
	})
	return result, err
}

func (m *Memory) Contains(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.Get(ctx, key)
	return ok, err
}

// Evict drops key as if the cache had chosen to evict it.
func (m *Memory) Evict(key string) { m.m.Delete(key) }

// Flush drops every key.
func (m *Memory) Flush() { m.m.Clear() }

func (m *Memory) Close(context.Context) error {
	m.closed.Store(true)
	return nil
}
