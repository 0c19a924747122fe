package sloghooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/wbcache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	CacheReadErrorEvery  uint64
	FlushRetryEvery      uint64
	WatchdogRenewedEvery uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	readErrCtr    atomic.Uint64
	flushRetryCtr atomic.Uint64
	renewedCtr    atomic.Uint64
}

var _ wbcache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) CacheReadError(cacheKey string, err error) {
	if h.l == nil || !sample(h.opts.CacheReadErrorEvery, &h.readErrCtr) {
		return
	}
	h.l.Debug("wbcache.cache_read_error",
		"key", h.redact(cacheKey),
		"err", err)
}

func (h *Hooks) CacheWriteFailed(count int, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("wbcache.cache_write_failed",
		"count", count,
		"err", err)
}

func (h *Hooks) SyncFallback(count int, reason string) {
	if h.l == nil {
		return
	}
	lvl := slog.LevelInfo
	if reason == "write_through" || reason == "no_queue" {
		lvl = slog.LevelDebug // configured behavior, not a degradation
	}
	h.l.Log(context.Background(), lvl, "wbcache.sync_fallback",
		"count", count,
		"reason", reason)
}

func (h *Hooks) EnqueueFailed(count int, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("wbcache.enqueue_failed",
		"count", count,
		"err", err)
}

func (h *Hooks) FlushRetry(count int, reason string) {
	if h.l == nil || !sample(h.opts.FlushRetryEvery, &h.flushRetryCtr) {
		return
	}
	h.l.Info("wbcache.flush_retry",
		"count", count,
		"reason", reason)
}

func (h *Hooks) FlushFailed(count int, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("wbcache.flush_failed",
		"count", count,
		"err", err)
}

func (h *Hooks) WatchdogRenewed(ns string) {
	if h.l == nil || !sample(h.opts.WatchdogRenewedEvery, &h.renewedCtr) {
		return
	}
	h.l.Debug("wbcache.watchdog_renewed", "ns", ns)
}

func (h *Hooks) WatchdogStale(ns string) {
	if h.l == nil {
		return
	}
	h.l.Info("wbcache.watchdog_stale",
		"ns", ns,
		"msg", "duplicate watchdog chain stopped")
}
