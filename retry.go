package wbcache

import (
	"context"
	"errors"
	"time"

	"github.com/unkn0wn-root/wbcache/lock"
	"github.com/unkn0wn-root/wbcache/store"
	"github.com/unkn0wn-root/wbcache/taskqueue"
)

// outcome classifies an error for retry decisions.
type outcome int

const (
	outcomeOK outcome = iota
	outcomeRetryable
	outcomePermanent
)

// classify maps Store errors: only a timeout is worth repeating.
func classify(err error) outcome {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, store.ErrTimeout):
		return outcomeRetryable
	default:
		return outcomePermanent
	}
}

// classifyFlush extends classify for flushes, where a lost optimistic check
// is also worth another delivery. reason names the retryable cause.
func classifyFlush(err error) (o outcome, reason string) {
	switch {
	case errors.Is(err, store.ErrConflict):
		return outcomeRetryable, "conflict"
	case classify(err) == outcomeRetryable:
		return outcomeRetryable, "timeout"
	default:
		return classify(err), ""
	}
}

// retryOnce runs op and repeats it exactly once on a retryable outcome.
func retryOnce[T any](ctx context.Context, op func(context.Context) (T, error)) (T, error) {
	v, err := op(ctx)
	if classify(err) != outcomeRetryable || ctx.Err() != nil {
		return v, err
	}
	return op(ctx)
}

// retryOnceErr is retryOnce for operations without a result.
func retryOnceErr(ctx context.Context, op func(context.Context) error) error {
	_, err := retryOnce(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// enqueue hands t to the queue, retrying transient failures up to
// enqueueAttempts times with lock backoff between attempts.
func (c *cachingStore[V]) enqueue(ctx context.Context, t taskqueue.Task) error {
	b := lock.NewBackoff(c.enqueueBackoff)
	var err error
	for attempt := 1; attempt <= c.enqueueAttempts; attempt++ {
		err = c.queue.Enqueue(ctx, t)
		if err == nil || !errors.Is(err, taskqueue.ErrTransient) {
			return err
		}
		if attempt == c.enqueueAttempts {
			break
		}
		c.log.Debug("enqueue failed; retrying", Fields{"attempt": attempt, "err": err})
		if werr := sleepCtx(ctx, b.Next()); werr != nil {
			return errors.Join(err, werr)
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
