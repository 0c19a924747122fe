// Package bigcache implements kv.KV over allegro/bigcache.
//
// BigCache has a single global LifeWindow and no per-entry TTL, so each value
// is stored behind an 8-byte big-endian expiry (unix nanos, 0 = none) that is
// checked on read. Read-modify-write operations are serialized per key with
// striped mutexes (atomic within this process only).
package bigcache

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"time"

	bc "github.com/allegro/bigcache/v3"

	"github.com/unkn0wn-root/wbcache/kv"
	"github.com/unkn0wn-root/wbcache/kv/internal/keylock"
)

const hdrLen = 8

type Provider struct {
	c     *bc.BigCache
	locks *keylock.Locks
	now   func() time.Time
}

var (
	_ kv.KV             = (*Provider)(nil)
	_ kv.CompareDeleter = (*Provider)(nil)
)

type Config struct {
	LifeWindow         time.Duration // upper bound on any entry's life
	CleanWindow        time.Duration
	MaxEntriesInWindow int
	MaxEntrySize       int
	HardMaxCacheSizeMB int // ~ memory limit; 0 = unlimited
}

func New(ctx context.Context, cfg Config) (*Provider, error) {
	conf := bc.DefaultConfig(cfg.LifeWindow)
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	if cfg.MaxEntriesInWindow > 0 {
		conf.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	c, err := bc.New(ctx, conf)
	if err != nil {
		return nil, err
	}
	return &Provider{c: c, locks: keylock.New(), now: time.Now}, nil
}

func (p *Provider) encode(value []byte, ttl time.Duration) []byte {
	out := make([]byte, hdrLen+len(value))
	if ttl > 0 {
		binary.BigEndian.PutUint64(out[:hdrLen], uint64(p.now().Add(ttl).UnixNano()))
	}
	copy(out[hdrLen:], value)
	return out
}

// peek decodes the stored entry without side effects. stale reports an entry
// that is present but expired or not in this package's format.
func (p *Provider) peek(key string) (v []byte, exp time.Time, ok, stale bool, err error) {
	b, err := p.c.Get(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil, time.Time{}, false, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, false, err
	}
	if len(b) < hdrLen {
		return nil, time.Time{}, false, true, nil
	}
	if ns := binary.BigEndian.Uint64(b[:hdrLen]); ns != 0 {
		exp = time.Unix(0, int64(ns))
		if !p.now().Before(exp) {
			return nil, time.Time{}, false, true, nil
		}
	}
	return b[hdrLen:], exp, true, false, nil
}

// get returns the value and its absolute expiry (zero = none), dropping a
// stale entry. Callers hold the key's stripe lock.
func (p *Provider) get(key string) ([]byte, time.Time, bool, error) {
	v, exp, ok, stale, err := p.peek(key)
	if stale {
		_ = p.c.Delete(key)
	}
	return v, exp, ok, err
}

// read is get for callers without the stripe lock. A stale entry is dropped
// under the lock and only if it is still stale, so a concurrent Put is kept.
func (p *Provider) read(key string) ([]byte, bool, error) {
	v, _, ok, stale, err := p.peek(key)
	if stale {
		unlock := p.locks.Lock(key)
		if _, _, _, still, _ := p.peek(key); still {
			_ = p.c.Delete(key)
		}
		unlock()
	}
	return v, ok, err
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	return p.read(key)
}

func (p *Provider) GetMulti(_ context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, ok, err := p.read(k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

func (p *Provider) Put(_ context.Context, key string, value []byte, ttl time.Duration, pol kv.Policy) (bool, error) {
	unlock := p.locks.Lock(key)
	defer unlock()
	if pol == kv.SetIfAbsent {
		_, _, ok, err := p.get(key)
		if err != nil {
			return false, err
		}
		if ok {
			return false, nil
		}
	}
	if err := p.c.Set(key, p.encode(value, ttl)); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Provider) PutMulti(ctx context.Context, items map[string][]byte, ttl time.Duration, pol kv.Policy) ([]string, error) {
	var rejected []string
	for k, v := range items {
		ok, err := p.Put(ctx, k, v, ttl, pol)
		if err != nil {
			return nil, err
		}
		if !ok {
			rejected = append(rejected, k)
		}
	}
	return rejected, nil
}

func (p *Provider) Delete(_ context.Context, key string) (bool, error) {
	unlock := p.locks.Lock(key)
	defer unlock()
	_, _, ok, err := p.get(key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := p.c.Delete(key); err != nil && !errors.Is(err, bc.ErrEntryNotFound) {
		return false, err
	}
	return true, nil
}

func (p *Provider) DeleteIfEqual(_ context.Context, key string, value []byte) (bool, error) {
	unlock := p.locks.Lock(key)
	defer unlock()
	b, _, ok, err := p.get(key)
	if err != nil || !ok || !bytes.Equal(b, value) {
		return false, err
	}
	if err := p.c.Delete(key); err != nil && !errors.Is(err, bc.ErrEntryNotFound) {
		return false, err
	}
	return true, nil
}

func (p *Provider) DeleteMulti(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if _, err := p.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) Increment(_ context.Context, key string, delta int64, initial uint64) (uint64, error) {
	unlock := p.locks.Lock(key)
	defer unlock()

	cur := initial
	var ttl time.Duration
	b, exp, ok, err := p.get(key)
	if err != nil {
		return 0, err
	}
	if ok {
		n, err := kv.ParseCounter(b)
		if err != nil {
			return 0, err
		}
		cur = n
		if !exp.IsZero() {
			ttl = exp.Sub(p.now())
		}
	}
	n := kv.AddDelta(cur, delta)
	if err := p.c.Set(key, p.encode(kv.FormatCounter(n), ttl)); err != nil {
		return 0, err
	}
	return n, nil
}

func (p *Provider) Contains(_ context.Context, key string) (bool, error) {
	_, ok, err := p.read(key)
	return ok, err
}

func (p *Provider) Close(_ context.Context) error {
	return p.c.Close()
}
