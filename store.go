package wbcache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/unkn0wn-root/wbcache/codec"
	"github.com/unkn0wn-root/wbcache/internal/util"
	"github.com/unkn0wn-root/wbcache/internal/wire"
	"github.com/unkn0wn-root/wbcache/kv"
	"github.com/unkn0wn-root/wbcache/store"
	"github.com/unkn0wn-root/wbcache/taskqueue"
)

type cachingStore[V any] struct {
	ns              string
	kv              kv.KV // strict: write path, watchdog
	lenient         kv.KV // best-effort: repopulation, cleanup
	store           store.Store[V]
	queue           taskqueue.Queue
	codec           codec.Codec[V]
	log             Logger
	hooks           Hooks
	strategy        Strategy
	ttl             time.Duration
	interval        time.Duration
	enqueueAttempts int
	enqueueBackoff  time.Duration
	enabled         bool
	closeBackends   bool
	newToken        func() string
}

func (c *cachingStore[V]) Enabled() bool { return c.enabled }

func (c *cachingStore[V]) Close(ctx context.Context) error {
	if !c.closeBackends {
		return nil
	}
	var errs []error
	if c.kv != nil {
		errs = append(errs, c.kv.Close(ctx))
	}
	errs = append(errs, c.store.Close(ctx))
	return errors.Join(errs...)
}

func (c *cachingStore[V]) entryKey(k store.Key) string {
	return util.EntryKey(c.ns, k.Encode())
}

// ------------------------------
// Read path
// ------------------------------

func (c *cachingStore[V]) Get(ctx context.Context, k store.Key) (V, error) {
	var zero V
	if k.Incomplete() {
		return zero, ErrIncompleteKey
	}
	if c.enabled {
		if v, ok := c.readCache(ctx, k); ok {
			return v, nil
		}
	}
	v, err := retryOnce(ctx, func(ctx context.Context) (V, error) {
		return c.store.Get(ctx, k)
	})
	if err != nil {
		return zero, err
	}
	c.populate(ctx, map[store.Key]V{k: v})
	return v, nil
}

// readCache never fails: errors and unusable entries read as a miss.
func (c *cachingStore[V]) readCache(ctx context.Context, k store.Key) (V, bool) {
	var zero V
	ck := c.entryKey(k)
	raw, ok, err := c.kv.Get(ctx, ck)
	if err != nil {
		c.log.Debug("cache read failed; reading store", Fields{"key": k.Encode(), "err": err})
		c.hooks.CacheReadError(ck, err)
		return zero, false
	}
	if !ok {
		return zero, false
	}
	return c.decodeEntry(ctx, k, ck, raw)
}

func (c *cachingStore[V]) decodeEntry(ctx context.Context, k store.Key, ck string, raw []byte) (V, bool) {
	var zero V
	ek, payload, err := wire.DecodeEntry(raw)
	if err == nil && ek != k.Encode() {
		err = fmt.Errorf("%w: entry holds key %q", wire.ErrCorrupt, ek)
	}
	var v V
	if err == nil {
		v, err = c.codec.Decode(payload)
	}
	if err != nil {
		_, _ = c.lenient.Delete(ctx, ck) // self-heal
		c.log.Warn("unusable cache entry removed", Fields{"key": k.Encode(), "err": err})
		c.hooks.CacheReadError(ck, err)
		return zero, false
	}
	return v, true
}

func (c *cachingStore[V]) GetMulti(ctx context.Context, ks []store.Key) (map[store.Key]V, error) {
	out := make(map[store.Key]V, len(ks))
	if len(ks) == 0 {
		return out, nil
	}
	uniq := make([]store.Key, 0, len(ks))
	seen := make(map[store.Key]struct{}, len(ks))
	for _, k := range ks {
		if k.Incomplete() {
			return nil, ErrIncompleteKey
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		uniq = append(uniq, k)
	}

	missing := uniq
	if c.enabled {
		missing = c.readCacheMulti(ctx, uniq, out)
	}
	if len(missing) == 0 {
		return out, nil
	}

	found, err := retryOnce(ctx, func(ctx context.Context) (map[store.Key]V, error) {
		return c.store.GetMulti(ctx, missing)
	})
	if err != nil {
		return nil, err
	}
	for k, v := range found {
		out[k] = v
	}
	c.populate(ctx, found)
	return out, nil
}

// readCacheMulti fills out with cache hits and returns the keys still missing.
func (c *cachingStore[V]) readCacheMulti(ctx context.Context, ks []store.Key, out map[store.Key]V) []store.Key {
	cks := make([]string, len(ks))
	for i, k := range ks {
		cks[i] = c.entryKey(k)
	}
	raws, err := c.kv.GetMulti(ctx, cks)
	if err != nil {
		c.log.Debug("cache bulk read failed; reading store", Fields{"count": len(ks), "err": err})
		c.hooks.CacheReadError(c.ns, err)
		return ks
	}
	var missing []store.Key
	for i, k := range ks {
		raw, ok := raws[cks[i]]
		if !ok {
			missing = append(missing, k)
			continue
		}
		v, ok := c.decodeEntry(ctx, k, cks[i], raw)
		if !ok {
			missing = append(missing, k)
			continue
		}
		out[k] = v
	}
	return missing
}

// populate writes Store results back into the cache. It only fills absent
// entries, so a write-behind value that landed meanwhile is never replaced by
// the older Store copy. Best-effort.
func (c *cachingStore[V]) populate(ctx context.Context, m map[store.Key]V) {
	if !c.enabled || len(m) == 0 {
		return
	}
	items := make(map[string][]byte, len(m))
	for k, v := range m {
		b, err := c.encodeEntry(k, v)
		if err != nil {
			c.log.Debug("cache populate skipped (encode)", Fields{"key": k.Encode(), "err": err})
			continue
		}
		items[c.entryKey(k)] = b
	}
	if len(items) == 0 {
		return
	}
	if _, err := c.lenient.PutMulti(ctx, items, c.ttl, kv.SetIfAbsent); err != nil {
		c.log.Debug("cache populate failed", Fields{"count": len(items), "err": err})
	}
}

func (c *cachingStore[V]) encodeEntry(k store.Key, v V) ([]byte, error) {
	payload, err := c.codec.Encode(v)
	if err != nil {
		return nil, err
	}
	return wire.EncodeEntry(k.Encode(), payload)
}

// ------------------------------
// Write path
// ------------------------------

func (c *cachingStore[V]) Put(ctx context.Context, e store.Entity[V]) (store.Key, error) {
	ks, err := c.PutMulti(ctx, []store.Entity[V]{e})
	if len(ks) == 1 {
		return ks[0], err
	}
	return store.Key{}, err
}

func (c *cachingStore[V]) PutMulti(ctx context.Context, es []store.Entity[V]) ([]store.Key, error) {
	if len(es) == 0 {
		return nil, nil
	}
	// flush tasks carry encoded keys; one that cannot be parsed back would
	// never reach the Store
	for _, e := range es {
		if err := e.Key.Check(); err != nil {
			return nil, fmt.Errorf("wbcache: %w", err)
		}
	}
	es, err := c.completeKeys(ctx, es)
	if err != nil {
		return nil, err
	}
	keys := slices.Collect(KeysOfSlice(es).All())
	if !c.enabled {
		return c.storeWrite(ctx, es, keys, "", nil, false)
	}

	cacheErr := c.writeCache(ctx, es)

	var reason string
	switch {
	case cacheErr != nil:
		reason = "cache_write_failed"
		c.log.Warn("cache write failed; writing store synchronously", Fields{"count": len(es), "err": cacheErr})
		c.hooks.CacheWriteFailed(len(es), cacheErr)
	case c.strategy == WriteThrough:
		reason = "write_through"
	case c.queue == nil:
		reason = "no_queue"
	case !c.WatchdogAlive(ctx):
		reason = "watchdog_dead"
	}
	if reason == "" {
		err := c.enqueueFlush(ctx, keys)
		if err == nil {
			return keys, nil
		}
		reason = "enqueue_failed"
		c.log.Warn("flush enqueue failed; writing store synchronously", Fields{"count": len(es), "err": err})
		c.hooks.EnqueueFailed(len(es), err)
		return c.storeWrite(ctx, es, keys, reason, err, true)
	}
	return c.storeWrite(ctx, es, keys, reason, cacheErr, cacheErr == nil)
}

// writeCache stores every entity in the cache or reports why not.
func (c *cachingStore[V]) writeCache(ctx context.Context, es []store.Entity[V]) error {
	items := make(map[string][]byte, len(es))
	for _, e := range es {
		b, err := c.encodeEntry(e.Key, e.Value)
		if err != nil {
			return fmt.Errorf("encode %s: %w", e.Key.Encode(), err)
		}
		items[c.entryKey(e.Key)] = b
	}
	rejected, err := c.kv.PutMulti(ctx, items, c.ttl, kv.SetAlways)
	if err != nil {
		return err
	}
	if len(rejected) > 0 {
		return fmt.Errorf("%w: %d of %d entries", ErrCacheRejected, len(rejected), len(items))
	}
	return nil
}

// storeWrite is the synchronous path. When it fails after the cache was
// written, the cached entries are dropped so a value the Store never saw is
// not served.
func (c *cachingStore[V]) storeWrite(ctx context.Context, es []store.Entity[V], keys []store.Key, reason string, cause error, cached bool) ([]store.Key, error) {
	if reason != "" {
		c.hooks.SyncFallback(len(es), reason)
	}
	written, err := retryOnce(ctx, func(ctx context.Context) ([]store.Key, error) {
		return c.store.PutMulti(ctx, es)
	})
	if err == nil && len(written) < len(es) {
		err = fmt.Errorf("%w: %d of %d", ErrPartialWrite, len(written), len(es))
	}
	if err == nil {
		return keys, nil
	}
	if cached {
		c.dropCached(ctx, keys, written)
	}
	if reason == "" {
		return written, err
	}
	return written, &FallbackError{Reason: reason, Count: len(es), Cause: cause, StoreErr: err}
}

func (c *cachingStore[V]) dropCached(ctx context.Context, keys, written []store.Key) {
	ok := make(map[store.Key]struct{}, len(written))
	for _, k := range written {
		ok[k] = struct{}{}
	}
	var drop []string
	for _, k := range keys {
		if _, w := ok[k]; !w {
			drop = append(drop, c.entryKey(k))
		}
	}
	if len(drop) > 0 {
		_ = c.lenient.DeleteMulti(context.WithoutCancel(ctx), drop)
	}
}

// completeKeys returns a copy of es in which every incomplete key is bound to
// a freshly allocated ID. One allocation is made per (Parent, Kind) group.
func (c *cachingStore[V]) completeKeys(ctx context.Context, es []store.Entity[V]) ([]store.Entity[V], error) {
	type scope struct{ parent, kind string }
	groups := make(map[scope][]int)
	var order []scope
	for i, e := range es {
		if !e.Key.Incomplete() {
			continue
		}
		s := scope{e.Key.Parent, e.Key.Kind}
		if _, ok := groups[s]; !ok {
			order = append(order, s)
		}
		groups[s] = append(groups[s], i)
	}
	if len(order) == 0 {
		return es, nil
	}

	out := slices.Clone(es)
	for _, s := range order {
		idx := groups[s]
		r, err := retryOnce(ctx, func(ctx context.Context) (store.IDRange, error) {
			return c.store.AllocateIDs(ctx, s.parent, s.kind, len(idx))
		})
		if err != nil {
			return nil, fmt.Errorf("wbcache: allocate %d ids for %s: %w", len(idx), s.kind, err)
		}
		if r.Len() < len(idx) {
			return nil, fmt.Errorf("wbcache: allocated %d ids for %s, need %d", r.Len(), s.kind, len(idx))
		}
		for j, i := range idx {
			out[i].Key.ID = r.Start + int64(j)
		}
	}
	return out, nil
}

// enqueueFlush schedules a flush of keys.
func (c *cachingStore[V]) enqueueFlush(ctx context.Context, keys []store.Key) error {
	enc := make([]string, len(keys))
	for i, k := range keys {
		enc[i] = k.Encode()
	}
	payload, err := wire.EncodeKeys(enc)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, taskqueue.Task{Method: "POST", Payload: payload})
}

// ------------------------------
// Delete path
// ------------------------------

func (c *cachingStore[V]) Delete(ctx context.Context, k store.Key) error {
	if k.Incomplete() {
		return ErrIncompleteKey
	}
	if err := retryOnceErr(ctx, func(ctx context.Context) error {
		return c.store.Delete(ctx, k)
	}); err != nil {
		return err
	}
	if !c.enabled {
		return nil
	}
	if _, err := c.kv.Delete(ctx, c.entryKey(k)); err != nil {
		return fmt.Errorf("wbcache: delete %s: store done, cache failed: %w", k.Encode(), err)
	}
	return nil
}

func (c *cachingStore[V]) DeleteMulti(ctx context.Context, ks []store.Key) error {
	if len(ks) == 0 {
		return nil
	}
	for _, k := range ks {
		if k.Incomplete() {
			return ErrIncompleteKey
		}
	}
	if err := retryOnceErr(ctx, func(ctx context.Context) error {
		return c.store.DeleteMulti(ctx, ks)
	}); err != nil {
		return err
	}
	if !c.enabled {
		return nil
	}
	cks := make([]string, len(ks))
	for i, k := range ks {
		cks[i] = c.entryKey(k)
	}
	if err := c.kv.DeleteMulti(ctx, cks); err != nil {
		return fmt.Errorf("wbcache: delete %d keys: store done, cache failed: %w", len(ks), err)
	}
	return nil
}
