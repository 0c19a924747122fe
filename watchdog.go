package wbcache

import (
	"context"
	"errors"
	"net/url"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/wbcache/internal/util"
	"github.com/unkn0wn-root/wbcache/kv"
	"github.com/unkn0wn-root/wbcache/taskqueue"
)

// paramToken carries the watchdog token of a tick task. Its presence is what
// distinguishes ticks from flushes in HandleTask.
const paramToken = "watchdog_token"

// StartWatchdog schedules an immediate tick with a fresh token. Calling it
// from several processes is fine: surplus chains detect each other and stop.
func (c *cachingStore[V]) StartWatchdog(ctx context.Context) error {
	if c.queue == nil {
		return ErrNoQueue
	}
	tok := c.newToken()
	err := c.enqueue(ctx, taskqueue.Task{
		Method: "POST",
		Params: url.Values{paramToken: {tok}},
	})
	if err != nil {
		return err
	}
	c.log.Info("watchdog started", Fields{"ns": c.ns})
	return nil
}

// WatchdogAlive reports whether the token is present. Errors read as false:
// a false negative only costs a synchronous write.
func (c *cachingStore[V]) WatchdogAlive(ctx context.Context) bool {
	if c.kv == nil {
		return false
	}
	ok, err := c.kv.Contains(ctx, util.WatchdogKey(c.ns))
	if err != nil {
		c.log.Debug("watchdog check failed", Fields{"ns": c.ns, "err": err})
		return false
	}
	return ok
}

// successor derives the token handed to the next tick. It is a pure function
// of the current token so a redelivered tick renews to the same value its
// first delivery already scheduled.
func successor(ns, tok string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(ns+"\x00"+tok)).String()
}

// tick runs one step of the watchdog chain.
func (c *cachingStore[V]) tick(ctx context.Context, tok string) taskqueue.Status {
	if c.kv == nil || c.queue == nil {
		return taskqueue.Done
	}
	wk := util.WatchdogKey(c.ns)

	cur, ok, err := c.kv.Get(ctx, wk)
	if err != nil {
		c.log.Warn("watchdog token read failed", Fields{"ns": c.ns, "err": err})
		return taskqueue.Retry
	}
	if ok && string(cur) != tok {
		c.log.Debug("watchdog tick stale; chain owned elsewhere", Fields{"ns": c.ns})
		c.hooks.WatchdogStale(c.ns)
		return taskqueue.Done
	}

	next := successor(c.ns, tok)
	err = c.enqueue(ctx, taskqueue.Task{
		Name:   util.WatchdogTaskName(c.ns, tok),
		Delay:  c.interval,
		Method: "POST",
		Params: url.Values{paramToken: {next}},
	})
	switch {
	case err == nil:
	case errors.Is(err, taskqueue.ErrTaskExists):
		// redelivery: the successor is already scheduled
	default:
		c.log.Warn("watchdog reschedule failed", Fields{"ns": c.ns, "err": err})
		return taskqueue.Retry
	}

	if _, err := c.kv.Delete(ctx, wk); err != nil {
		c.log.Warn("watchdog token delete failed", Fields{"ns": c.ns, "err": err})
	}
	if _, err := c.kv.Put(ctx, wk, []byte(next), 2*c.interval, kv.SetAlways); err != nil {
		// the chain goes on; the next tick finds the key absent and re-writes it
		c.log.Warn("watchdog token write failed", Fields{"ns": c.ns, "err": err})
		return taskqueue.Done
	}
	c.hooks.WatchdogRenewed(c.ns)
	return taskqueue.Done
}
