// Package ristretto implements kv.KV over an in-process Ristretto cache.
//
// Ristretto's admission policy may refuse or later drop any write, which is
// within the kv contract (keys may vanish at any time). Read-modify-write
// operations are serialized per key with striped mutexes, so SetIfAbsent and
// Increment are atomic within this process only.
package ristretto

import (
	"bytes"
	"context"
	"errors"
	"time"

	rc "github.com/dgraph-io/ristretto"

	"github.com/unkn0wn-root/wbcache/kv"
	"github.com/unkn0wn-root/wbcache/kv/internal/keylock"
)

type Provider struct {
	c     *rc.Cache
	locks *keylock.Locks
}

var (
	_ kv.KV             = (*Provider)(nil)
	_ kv.CompareDeleter = (*Provider)(nil)
)

type Config struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	Metrics     bool
}

func New(cfg Config) (*Provider, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, errors.New("ristretto: invalid config")
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Provider{c: c, locks: keylock.New()}, nil
}

func (p *Provider) get(key string) ([]byte, bool) {
	v, ok := p.c.Get(key)
	if !ok {
		return nil, false
	}
	b, _ := v.([]byte)
	if b == nil {
		// self-heal: drop unexpected entry shape
		p.c.Del(key)
		return nil, false
	}
	return b, true
}

// set writes and waits for the buffered write to be applied, so a following
// Get in this process observes it (unless admission rejected it).
func (p *Provider) set(key string, value []byte, ttl time.Duration) bool {
	if ttl < 0 {
		ttl = 0
	}
	ok := p.c.SetWithTTL(key, append([]byte(nil), value...), int64(len(value))+1, ttl)
	p.c.Wait()
	return ok
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, ok := p.get(key)
	return b, ok, nil
}

func (p *Provider) GetMulti(_ context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if b, ok := p.get(k); ok {
			out[k] = b
		}
	}
	return out, nil
}

func (p *Provider) Put(_ context.Context, key string, value []byte, ttl time.Duration, pol kv.Policy) (bool, error) {
	unlock := p.locks.Lock(key)
	defer unlock()
	if pol == kv.SetIfAbsent {
		if _, ok := p.get(key); ok {
			return false, nil
		}
	}
	return p.set(key, value, ttl), nil
}

func (p *Provider) PutMulti(ctx context.Context, items map[string][]byte, ttl time.Duration, pol kv.Policy) ([]string, error) {
	var rejected []string
	for k, v := range items {
		if ok, _ := p.Put(ctx, k, v, ttl, pol); !ok {
			rejected = append(rejected, k)
		}
	}
	return rejected, nil
}

func (p *Provider) Delete(_ context.Context, key string) (bool, error) {
	unlock := p.locks.Lock(key)
	defer unlock()
	_, ok := p.get(key)
	p.c.Del(key)
	p.c.Wait()
	return ok, nil
}

func (p *Provider) DeleteIfEqual(_ context.Context, key string, value []byte) (bool, error) {
	unlock := p.locks.Lock(key)
	defer unlock()
	b, ok := p.get(key)
	if !ok || !bytes.Equal(b, value) {
		return false, nil
	}
	p.c.Del(key)
	p.c.Wait()
	return true, nil
}

func (p *Provider) DeleteMulti(ctx context.Context, keys []string) error {
	for _, k := range keys {
		_, _ = p.Delete(ctx, k)
	}
	return nil
}

func (p *Provider) Increment(_ context.Context, key string, delta int64, initial uint64) (uint64, error) {
	unlock := p.locks.Lock(key)
	defer unlock()

	cur := initial
	var ttl time.Duration
	if b, ok := p.get(key); ok {
		n, err := kv.ParseCounter(b)
		if err != nil {
			return 0, err
		}
		cur = n
		if left, ok := p.c.GetTTL(key); ok && left > 0 {
			ttl = left
		}
	}
	n := kv.AddDelta(cur, delta)
	if !p.set(key, kv.FormatCounter(n), ttl) {
		return 0, errors.New("ristretto: counter write rejected")
	}
	return n, nil
}

func (p *Provider) Contains(_ context.Context, key string) (bool, error) {
	_, ok := p.get(key)
	return ok, nil
}

func (p *Provider) Close(_ context.Context) error {
	p.c.Wait()
	p.c.Close()
	return nil
}

// Metrics exposes Ristretto's own counters (nil unless Config.Metrics).
func (p *Provider) Metrics() *rc.Metrics { return p.c.Metrics }
