// Package metricshooks counts wbcache events as VictoriaMetrics counters.
//
//	set := metrics.NewSet()
//	hooks := metricshooks.New(set, "app:prod:user")
//	...
//	set.WritePrometheus(w) // from your /metrics handler
package metricshooks

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"

	"github.com/unkn0wn-root/wbcache"
)

type Hooks struct {
	set *metrics.Set
	ns  string

	cacheReadErrors  *metrics.Counter
	cacheWriteFailed *metrics.Counter
	enqueueFailed    *metrics.Counter
	flushFailed      *metrics.Counter
	watchdogRenewed  *metrics.Counter
	watchdogStale    *metrics.Counter
}

var _ wbcache.Hooks = (*Hooks)(nil)

// New registers counters for namespace ns in set (a fresh Set when nil).
func New(set *metrics.Set, ns string) *Hooks {
	if set == nil {
		set = metrics.NewSet()
	}
	h := &Hooks{set: set, ns: ns}
	h.cacheReadErrors = set.GetOrCreateCounter(h.name("wbcache_cache_read_errors_total", ""))
	h.cacheWriteFailed = set.GetOrCreateCounter(h.name("wbcache_cache_write_failed_total", ""))
	h.enqueueFailed = set.GetOrCreateCounter(h.name("wbcache_enqueue_failed_total", ""))
	h.flushFailed = set.GetOrCreateCounter(h.name("wbcache_flush_failed_total", ""))
	h.watchdogRenewed = set.GetOrCreateCounter(h.name("wbcache_watchdog_renewed_total", ""))
	h.watchdogStale = set.GetOrCreateCounter(h.name("wbcache_watchdog_stale_total", ""))
	return h
}

// Set returns the metrics set the counters live in.
func (h *Hooks) Set() *metrics.Set { return h.set }

func (h *Hooks) name(metric, reason string) string {
	if reason == "" {
		return fmt.Sprintf(`%s{ns=%q}`, metric, h.ns)
	}
	return fmt.Sprintf(`%s{ns=%q,reason=%q}`, metric, h.ns, reason)
}

func (h *Hooks) CacheReadError(string, error)    { h.cacheReadErrors.Inc() }
func (h *Hooks) CacheWriteFailed(n int, _ error) { h.cacheWriteFailed.Add(n) }
func (h *Hooks) EnqueueFailed(n int, _ error)    { h.enqueueFailed.Add(n) }
func (h *Hooks) FlushFailed(n int, _ error)      { h.flushFailed.Add(n) }
func (h *Hooks) WatchdogRenewed(string)          { h.watchdogRenewed.Inc() }
func (h *Hooks) WatchdogStale(string)            { h.watchdogStale.Inc() }

// reasons are a small closed set, so per-reason series stay bounded.
func (h *Hooks) SyncFallback(n int, reason string) {
	h.set.GetOrCreateCounter(h.name("wbcache_sync_fallback_total", reason)).Add(n)
}

func (h *Hooks) FlushRetry(n int, reason string) {
	h.set.GetOrCreateCounter(h.name("wbcache_flush_retry_total", reason)).Add(n)
}
