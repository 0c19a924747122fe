package wbcache

import (
	"context"
	"fmt"

	"github.com/unkn0wn-root/wbcache/internal/wire"
	"github.com/unkn0wn-root/wbcache/store"
	"github.com/unkn0wn-root/wbcache/taskqueue"
)

// HandleTask dispatches a delivered task: a task carrying a watchdog token is
// a tick, anything else is a flush.
func (c *cachingStore[V]) HandleTask(ctx context.Context, t taskqueue.Task) taskqueue.Status {
	if tok := t.Params.Get(paramToken); tok != "" {
		return c.tick(ctx, tok)
	}
	return c.flush(ctx, t.Payload)
}

// flush copies the current cached values of the payload's keys to the Store.
// Values are re-read on every delivery, which makes redelivery idempotent.
func (c *cachingStore[V]) flush(ctx context.Context, payload []byte) taskqueue.Status {
	enc, err := wire.DecodeKeys(payload)
	if err != nil {
		c.flushFailed(nil, fmt.Errorf("payload: %w", err))
		return taskqueue.Done
	}
	keys := make([]store.Key, 0, len(enc))
	good := make([]string, 0, len(enc))
	for _, s := range enc {
		k, err := store.ParseKey(s)
		if err != nil {
			c.flushFailed([]string{s}, err)
			continue
		}
		keys = append(keys, k)
		good = append(good, s)
	}
	enc = good
	if len(keys) == 0 || c.kv == nil {
		return taskqueue.Done
	}

	cks := make([]string, len(keys))
	for i, k := range keys {
		cks[i] = c.entryKey(k)
	}
	raws, err := c.kv.GetMulti(ctx, cks)
	if err != nil {
		// the values exist only in the cache; try again later
		c.log.Warn("flush cache read failed; retrying", Fields{"count": len(keys), "err": err})
		c.hooks.FlushRetry(len(keys), "cache_read")
		return taskqueue.Retry
	}

	es := make([]store.Entity[V], 0, len(keys))
	for i, k := range keys {
		raw, ok := raws[cks[i]]
		if !ok {
			c.log.Warn("flush: entry no longer cached; value lost", Fields{"key": enc[i]})
			continue
		}
		v, ok := c.decodeEntry(ctx, k, cks[i], raw)
		if !ok {
			continue
		}
		es = append(es, store.Entity[V]{Key: k, Value: v})
	}
	if len(es) == 0 {
		return taskqueue.Done
	}

	written, err := c.store.PutMulti(ctx, es)
	switch o, reason := classifyFlush(err); {
	case o == outcomeRetryable:
		c.log.Info("flush store write failed; retrying", Fields{"count": len(es), "err": err})
		c.hooks.FlushRetry(len(es), reason)
		return taskqueue.Retry
	case o == outcomePermanent:
		c.flushFailed(enc, err)
		return taskqueue.Done
	case len(written) < len(es):
		c.log.Info("flush wrote partially; retrying", Fields{"written": len(written), "want": len(es)})
		c.hooks.FlushRetry(len(es), "partial")
		return taskqueue.Retry
	}
	c.log.Debug("flushed", Fields{"count": len(es)})
	return taskqueue.Done
}

func (c *cachingStore[V]) flushFailed(keys []string, err error) {
	fe := &FlushError{Keys: keys, Err: err}
	c.log.Error("flush failed permanently", Fields{"count": len(keys), "err": fe})
	c.hooks.FlushFailed(len(keys), fe)
}
