package wbcache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The store calls them on hot paths.
type Hooks interface {
	// A cache read failed or held an unusable entry; the Store was read instead.
	CacheReadError(cacheKey string, err error)

	// The strict cache write of a Put failed (count entities).
	CacheWriteFailed(count int, err error)

	// A Put was written to the Store synchronously.
	// reason ∈ {"write_through", "no_queue", "watchdog_dead", "cache_write_failed", "enqueue_failed"}
	SyncFallback(count int, reason string)

	// Enqueueing a flush task failed after all attempts.
	EnqueueFailed(count int, err error)

	// A flush asked for redelivery.
	// reason ∈ {"partial", "timeout", "conflict", "cache_read"}
	FlushRetry(count int, reason string)

	// A flush failed permanently; its values live only in the cache.
	FlushFailed(count int, err error)

	// A watchdog tick renewed the token.
	WatchdogRenewed(namespace string)

	// A watchdog tick found another chain's token and stopped.
	WatchdogStale(namespace string)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) CacheReadError(string, error) {}
func (NopHooks) CacheWriteFailed(int, error)  {}
func (NopHooks) SyncFallback(int, string)     {}
func (NopHooks) EnqueueFailed(int, error)     {}
func (NopHooks) FlushRetry(int, string)       {}
func (NopHooks) FlushFailed(int, error)       {}
func (NopHooks) WatchdogRenewed(string)       {}
func (NopHooks) WatchdogStale(string)         {}
