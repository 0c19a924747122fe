package redisq

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/wbcache/taskqueue"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setupQueue(t *testing.T) (*miniredis.Miniredis, *Queue, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	q, err := New(Config{
		Client:      client,
		CloseClient: true,
		Lease:       time.Minute,
		RetryDelay:  time.Second,
		Now:         c.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close(context.Background()) })
	return mr, q, c
}

type recorder struct {
	mu    sync.Mutex
	tasks []taskqueue.Task
	reply func(taskqueue.Task) taskqueue.Status
}

func (r *recorder) handle(_ context.Context, t taskqueue.Task) taskqueue.Status {
	r.mu.Lock()
	r.tasks = append(r.tasks, t)
	r.mu.Unlock()
	if r.reply != nil {
		return r.reply(t)
	}
	return taskqueue.Done
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNilClient)
}

func TestEnqueueAndDeliver(t *testing.T) {
	ctx := context.Background()
	_, q, _ := setupQueue(t)

	params := url.Values{"token": {"abc"}}
	require.NoError(t, q.Enqueue(ctx, taskqueue.Task{Method: "POST", Params: params, Payload: []byte("keys")}))

	rec := &recorder{}
	n, err := q.Poll(ctx, rec.handle)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, rec.tasks, 1)
	got := rec.tasks[0]
	assert.Equal(t, "POST", got.Method)
	assert.Equal(t, "abc", got.Params.Get("token"))
	assert.Equal(t, []byte("keys"), got.Payload)
	assert.Equal(t, 1, got.Attempt)

	due, inflight, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, due)
	assert.Zero(t, inflight)
}

func TestDelayedTaskWaitsUntilDue(t *testing.T) {
	ctx := context.Background()
	_, q, c := setupQueue(t)

	require.NoError(t, q.Enqueue(ctx, taskqueue.Task{Delay: 30 * time.Second}))

	rec := &recorder{}
	n, err := q.Poll(ctx, rec.handle)
	require.NoError(t, err)
	assert.Zero(t, n)

	c.Advance(31 * time.Second)
	n, err = q.Poll(ctx, rec.handle)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNameDedupWithinRetention(t *testing.T) {
	ctx := context.Background()
	mr, q, _ := setupQueue(t)

	require.NoError(t, q.Enqueue(ctx, taskqueue.Task{Name: "tick-a"}))
	err := q.Enqueue(ctx, taskqueue.Task{Name: "tick-a"})
	assert.ErrorIs(t, err, taskqueue.ErrTaskExists)

	mr.FastForward(25 * time.Hour)
	assert.NoError(t, q.Enqueue(ctx, taskqueue.Task{Name: "tick-a"}))

	assert.ErrorIs(t, q.Enqueue(ctx, taskqueue.Task{Name: "no/slash"}), taskqueue.ErrBadName)
}

func TestRetryRedeliversWithBackoff(t *testing.T) {
	ctx := context.Background()
	_, q, c := setupQueue(t)

	require.NoError(t, q.Enqueue(ctx, taskqueue.Task{Payload: []byte("p")}))
	rec := &recorder{reply: func(t taskqueue.Task) taskqueue.Status {
		if t.Attempt < 2 {
			return taskqueue.Retry
		}
		return taskqueue.Done
	}}

	n, err := q.Poll(ctx, rec.handle)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// not due again until the retry delay passes
	n, err = q.Poll(ctx, rec.handle)
	require.NoError(t, err)
	assert.Zero(t, n)

	c.Advance(2 * time.Second)
	n, err = q.Poll(ctx, rec.handle)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, rec.tasks, 2)
	assert.Equal(t, 2, rec.tasks[1].Attempt)
	assert.Equal(t, []byte("p"), rec.tasks[1].Payload)

	due, inflight, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, due+inflight)
}

func TestLapsedLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	_, q, c := setupQueue(t)

	require.NoError(t, q.Enqueue(ctx, taskqueue.Task{}))

	// claim without delivering, as a worker that died right after claiming
	ids, err := claimScript.Run(ctx, q.rdb, []string{q.dueKey(), q.inflightKey()},
		ms(c.Now()), 16, ms(c.Now().Add(q.cfg.Lease))).StringSlice()
	require.NoError(t, err)
	require.Len(t, ids, 1)

	rec := &recorder{}
	n, err := q.Poll(ctx, rec.handle)
	require.NoError(t, err)
	assert.Zero(t, n, "lease still valid")

	c.Advance(2 * time.Minute)
	n, err = q.Poll(ctx, rec.handle)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEnqueueOnDeadServerIsTransient(t *testing.T) {
	ctx := context.Background()
	mr, q, _ := setupQueue(t)
	mr.Close()

	err := q.Enqueue(ctx, taskqueue.Task{Name: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, taskqueue.ErrTransient), "err=%v", err)
}

func TestRunStopsOnCancel(t *testing.T) {
	_, q, _ := setupQueue(t)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, q.Enqueue(ctx, taskqueue.Task{}))
	delivered := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- q.Run(ctx, func(context.Context, taskqueue.Task) taskqueue.Status {
			delivered <- struct{}{}
			return taskqueue.Done
		})
	}()

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("task not delivered")
	}
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
