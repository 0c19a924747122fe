// Package keylock provides striped per-key mutexes for kv backends whose
// native API has no atomic read-modify-write.
package keylock

import (
	"hash/maphash"
	"sync"
)

const stripes = 256

type Locks struct {
	seed maphash.Seed
	mu   [stripes]sync.Mutex
}

func New() *Locks {
	return &Locks{seed: maphash.MakeSeed()}
}

// Lock locks the stripe owning key and returns its unlock func.
func (l *Locks) Lock(key string) func() {
	m := &l.mu[maphash.String(l.seed, key)%stripes]
	m.Lock()
	return m.Unlock
}
