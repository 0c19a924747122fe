package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var errInvalidCount = errors.New("store: id count must be positive")

// Memory is a map-backed Store. Counters are exposed so tests can assert how
// often the authoritative store was hit.
type Memory[V any] struct {
	mu     sync.RWMutex
	data   map[Key]V
	nextID map[string]int64

	Gets    atomic.Int64 // keys read through Get/GetMulti
	Puts    atomic.Int64 // entities written
	Deletes atomic.Int64
}

var _ Store[struct{}] = (*Memory[struct{}])(nil)

func NewMemory[V any]() *Memory[V] {
	return &Memory[V]{data: make(map[Key]V), nextID: make(map[string]int64)}
}

func (m *Memory[V]) Get(_ context.Context, k Key) (V, error) {
	m.Gets.Add(1)
	m.mu.RLock()
	v, ok := m.data[k]
	m.mu.RUnlock()
	if !ok {
		var zero V
		return zero, ErrNotFound
	}
	return v, nil
}

func (m *Memory[V]) GetMulti(_ context.Context, ks []Key) (map[Key]V, error) {
	m.Gets.Add(int64(len(ks)))
	out := make(map[Key]V, len(ks))
	m.mu.RLock()
	for _, k := range ks {
		if v, ok := m.data[k]; ok {
			out[k] = v
		}
	}
	m.mu.RUnlock()
	return out, nil
}

func (m *Memory[V]) Put(ctx context.Context, e Entity[V]) (Key, error) {
	ks, err := m.PutMulti(ctx, []Entity[V]{e})
	if err != nil {
		return Key{}, err
	}
	return ks[0], nil
}

func (m *Memory[V]) PutMulti(ctx context.Context, es []Entity[V]) ([]Key, error) {
	keys := make([]Key, len(es))
	for i, e := range es {
		k := e.Key
		if k.Incomplete() {
			r, err := m.AllocateIDs(ctx, k.Parent, k.Kind, 1)
			if err != nil {
				return nil, err
			}
			k.ID = r.Start
		}
		keys[i] = k
	}
	m.mu.Lock()
	for i, e := range es {
		m.data[keys[i]] = e.Value
	}
	m.mu.Unlock()
	m.Puts.Add(int64(len(es)))
	return keys, nil
}

func (m *Memory[V]) Delete(ctx context.Context, k Key) error {
	return m.DeleteMulti(ctx, []Key{k})
}

func (m *Memory[V]) DeleteMulti(_ context.Context, ks []Key) error {
	m.mu.Lock()
	for _, k := range ks {
		delete(m.data, k)
	}
	m.mu.Unlock()
	m.Deletes.Add(int64(len(ks)))
	return nil
}

func (m *Memory[V]) AllocateIDs(_ context.Context, parent, kind string, n int) (IDRange, error) {
	if n <= 0 {
		return IDRange{}, errInvalidCount
	}
	scope := parent + "\x00" + kind
	m.mu.Lock()
	start := m.nextID[scope] + 1
	m.nextID[scope] = start + int64(n) - 1
	m.mu.Unlock()
	return IDRange{Start: start, End: start + int64(n) - 1}, nil
}

// Len reports how many entities are stored.
func (m *Memory[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *Memory[V]) Close(context.Context) error { return nil }
