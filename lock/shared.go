package lock

import (
	"context"
	"errors"
	"fmt"

	"github.com/unkn0wn-root/wbcache/kv"
	"github.com/unkn0wn-root/wbcache/log"
)

// Shared is a distributed reader count. Acquisition never waits.
type Shared struct {
	kv   kv.KV
	name string
	log  log.Logger
}

func NewShared(k kv.KV, name string, opts ...Option) *Shared {
	o := buildOptions(opts)
	return &Shared{kv: k, name: name, log: o.Logger}
}

func (s *Shared) Name() string { return s.name }

// TryLock increments the count. It reports false only when the counter is
// malformed or unreachable.
func (s *Shared) TryLock(ctx context.Context) bool {
	if _, err := s.kv.Increment(ctx, s.name, 1, 0); err != nil {
		if errors.Is(err, kv.ErrNotInteger) {
			s.log.Error("shared lock counter malformed", log.Fields{"lock": s.name, "err": err})
		} else {
			s.log.Warn("shared lock acquire failed", log.Fields{"lock": s.name, "err": err})
		}
		return false
	}
	return true
}

// add publishes n holds at once.
func (s *Shared) add(ctx context.Context, n int) error {
	if _, err := s.kv.Increment(ctx, s.name, int64(n), 0); err != nil {
		return fmt.Errorf("lock %s: acquire shared: %w", s.name, err)
	}
	return nil
}

// Unlock decrements the count; it never drops below zero.
func (s *Shared) Unlock(ctx context.Context) error {
	if _, err := s.kv.Increment(ctx, s.name, -1, 0); err != nil {
		return fmt.Errorf("lock %s: release shared: %w", s.name, err)
	}
	return nil
}

// Locked reports whether the count is above zero. Any failure reads as false.
func (s *Shared) Locked(ctx context.Context) bool {
	n, err := s.Count(ctx)
	if err != nil {
		s.log.Warn("shared lock check failed", log.Fields{"lock": s.name, "err": err})
		return false
	}
	return n > 0
}

// Count returns the raw counter; a missing key counts as zero.
func (s *Shared) Count(ctx context.Context) (uint64, error) {
	v, hit, err := s.kv.Get(ctx, s.name)
	if err != nil {
		return 0, err
	}
	if !hit {
		return 0, nil
	}
	return kv.ParseCounter(v)
}
