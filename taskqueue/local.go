package taskqueue

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/unkn0wn-root/wbcache/log"
)

// LocalOptions tune the in-process runner. Zero values pick defaults.
type LocalOptions struct {
	Retention       time.Duration // name de-dup window; 0 => 1h
	CleanupInterval time.Duration // name sweep period; 0 => 1m
	RetryDelay      time.Duration // first redelivery delay; 0 => 100ms
	MaxRetryDelay   time.Duration // redelivery delay cap; 0 => 10s
	Logger          log.Logger
}

// Local runs tasks in-process on timers. It is not durable: tasks pending
// when the process exits are lost. Tasks enqueued before Start are held
// until a handler is installed.
type Local struct {
	opts LocalOptions
	log  log.Logger

	names *xsync.MapOf[string, time.Time] // name -> de-dup expiry

	mu      sync.Mutex
	handler Handler
	baseCtx context.Context
	cancel  context.CancelFunc
	timers  map[uint64]*time.Timer
	parked  []Task
	nextID  uint64
	closed  bool

	inflight sync.WaitGroup
	ticker   *time.Ticker
	stopCh   chan struct{}
	sweepWg  sync.WaitGroup
}

var _ Queue = (*Local)(nil)

func NewLocal(opts LocalOptions) *Local {
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Minute
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 100 * time.Millisecond
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = 10 * time.Second
	}
	q := &Local{
		opts:   opts,
		log:    log.OrNop(opts.Logger),
		names:  xsync.NewMapOf[string, time.Time](),
		timers: make(map[uint64]*time.Timer),
		ticker: time.NewTicker(opts.CleanupInterval),
		stopCh: make(chan struct{}),
	}
	q.sweepWg.Add(1)
	go func() {
		defer q.sweepWg.Done()
		for {
			select {
			case <-q.ticker.C:
				q.Cleanup(time.Now())
			case <-q.stopCh:
				return
			}
		}
	}()
	return q
}

// Start installs h and releases parked tasks. Deliveries run with a context
// derived from ctx that is canceled by Close.
func (q *Local) Start(ctx context.Context, h Handler) {
	q.mu.Lock()
	q.baseCtx, q.cancel = context.WithCancel(ctx)
	q.handler = h
	parked := q.parked
	q.parked = nil
	q.mu.Unlock()
	for _, t := range parked {
		q.schedule(t, 0)
	}
}

func (q *Local) Enqueue(_ context.Context, t Task) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if t.Name != "" {
		if !ValidName(t.Name) {
			return ErrBadName
		}
		if !q.claimName(t.Name, time.Now()) {
			return ErrTaskExists
		}
	}
	t.Attempt = 0
	q.schedule(t, t.Delay)
	return nil
}

func (q *Local) claimName(name string, now time.Time) bool {
	claimed := false
	q.names.Compute(name, func(exp time.Time, loaded bool) (time.Time, bool) {
		if loaded && now.Before(exp) {
			return exp, false
		}
		claimed = true
		return now.Add(q.opts.Retention), false
	})
	return claimed
}

// Cleanup forgets task names whose retention window ended before now.
func (q *Local) Cleanup(now time.Time) {
	q.names.Range(func(name string, exp time.Time) bool {
		if !now.Before(exp) {
			q.names.Compute(name, func(cur time.Time, loaded bool) (time.Time, bool) {
				return cur, !loaded || !now.Before(cur)
			})
		}
		return true
	})
}

func (q *Local) schedule(t Task, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if q.handler == nil {
		q.parked = append(q.parked, t)
		return
	}
	id := q.nextID
	q.nextID++
	q.inflight.Add(1)
	q.timers[id] = time.AfterFunc(delay, func() {
		defer q.inflight.Done()
		q.mu.Lock()
		delete(q.timers, id)
		h, ctx := q.handler, q.baseCtx
		q.mu.Unlock()
		q.deliver(ctx, h, t)
	})
}

func (q *Local) deliver(ctx context.Context, h Handler, t Task) {
	if ctx.Err() != nil {
		return
	}
	t.Attempt++
	if h(ctx, t) == Done {
		return
	}
	delay := q.opts.RetryDelay << min(t.Attempt-1, 16)
	if delay <= 0 || delay > q.opts.MaxRetryDelay {
		delay = q.opts.MaxRetryDelay
	}
	q.log.Debug("task redelivery scheduled", log.Fields{"name": t.Name, "attempt": t.Attempt, "delay": delay})
	q.schedule(t, delay)
}

// Close stops accepting tasks, cancels pending timers and waits for running
// deliveries (or ctx).
func (q *Local) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for id, tm := range q.timers {
		if tm.Stop() {
			q.inflight.Done()
		}
		delete(q.timers, id)
	}
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Unlock()

	close(q.stopCh)
	q.ticker.Stop()
	q.sweepWg.Wait()

	done := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
