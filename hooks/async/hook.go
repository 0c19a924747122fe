// usage:
//
// import (
//
//	"log/slog"
//
//	"github.com/unkn0wn-root/wbcache"
//	"github.com/unkn0wn-root/wbcache/codec"
//	"github.com/unkn0wn-root/wbcache/hooks/async"
//	"github.com/unkn0wn-root/wbcache/hooks/slog"
//
// )
//
//	raw := sloghook.New(slog.Default(), sloghook.Options{
//	    CacheReadErrorEvery: 10, // sample logs: ~every 10th cache read error
//	    FlushRetryEvery:     1,  // log every flush retry
//	})
//
// hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
// defer hooks.Close()
//
//	users, _ := wbcache.New[User](wbcache.Options[User]{
//	    Namespace: "app:prod:user",
//	    KV:        cacheKV,
//	    Store:     db,
//	    Queue:     queue,
//	    Codec:     codec.JSON[User]{},
//	    Hooks:     hooks, // or `raw` if you don’t want async
//	})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/wbcache"
)

// Hooks fans events out to inner on worker goroutines. Events that do not fit
// the queue are dropped and counted.
type Hooks struct {
	inner   wbcache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ wbcache.Hooks = (*Hooks)(nil)

func New(inner wbcache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Later events are dropped.
func (h *Hooks) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.q)
	h.mu.Unlock()
	h.wg.Wait()
}

// Dropped reports how many events were discarded.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default: // drop
		h.dropped.Add(1)
	}
}

func (h *Hooks) CacheReadError(k string, err error) { h.try(func() { h.inner.CacheReadError(k, err) }) }
func (h *Hooks) CacheWriteFailed(n int, err error) {
	h.try(func() { h.inner.CacheWriteFailed(n, err) })
}
func (h *Hooks) SyncFallback(n int, r string)   { h.try(func() { h.inner.SyncFallback(n, r) }) }
func (h *Hooks) EnqueueFailed(n int, err error) { h.try(func() { h.inner.EnqueueFailed(n, err) }) }
func (h *Hooks) FlushRetry(n int, r string)     { h.try(func() { h.inner.FlushRetry(n, r) }) }
func (h *Hooks) FlushFailed(n int, err error)   { h.try(func() { h.inner.FlushFailed(n, err) }) }
func (h *Hooks) WatchdogRenewed(ns string)      { h.try(func() { h.inner.WatchdogRenewed(ns) }) }
func (h *Hooks) WatchdogStale(ns string)        { h.try(func() { h.inner.WatchdogStale(ns) }) }
