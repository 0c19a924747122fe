package wbcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unkn0wn-root/wbcache/codec"
	"github.com/unkn0wn-root/wbcache/kv"
	"github.com/unkn0wn-root/wbcache/store"
	"github.com/unkn0wn-root/wbcache/taskqueue"
)

type user struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

var errKV = errors.New("kv unavailable")

// flakyKV is a kv.Memory with switchable failures.
type flakyKV struct {
	*kv.Memory
	failGet    atomic.Bool
	failPut    atomic.Bool
	rejectPut  atomic.Bool
	failDelete atomic.Bool
}

func (f *flakyKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if f.failGet.Load() {
		return nil, false, errKV
	}
	return f.Memory.Get(ctx, key)
}

func (f *flakyKV) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	if f.failGet.Load() {
		return nil, errKV
	}
	return f.Memory.GetMulti(ctx, keys)
}

func (f *flakyKV) Contains(ctx context.Context, key string) (bool, error) {
	if f.failGet.Load() {
		return false, errKV
	}
	return f.Memory.Contains(ctx, key)
}

func (f *flakyKV) Put(ctx context.Context, key string, v []byte, ttl time.Duration, p kv.Policy) (bool, error) {
	if f.failPut.Load() {
		return false, errKV
	}
	return f.Memory.Put(ctx, key, v, ttl, p)
}

func (f *flakyKV) PutMulti(ctx context.Context, items map[string][]byte, ttl time.Duration, p kv.Policy) ([]string, error) {
	if f.failPut.Load() {
		return nil, errKV
	}
	if f.rejectPut.Load() {
		rejected := make([]string, 0, len(items))
		for k := range items {
			rejected = append(rejected, k)
		}
		return rejected, nil
	}
	return f.Memory.PutMulti(ctx, items, ttl, p)
}

func (f *flakyKV) Delete(ctx context.Context, key string) (bool, error) {
	if f.failDelete.Load() {
		return false, errKV
	}
	return f.Memory.Delete(ctx, key)
}

func (f *flakyKV) DeleteMulti(ctx context.Context, keys []string) error {
	if f.failDelete.Load() {
		return errKV
	}
	return f.Memory.DeleteMulti(ctx, keys)
}

// flakyStore is a store.Memory with injectable timeouts and failures.
type flakyStore struct {
	*store.Memory[user]

	mu          sync.Mutex
	getTimeouts int
	putTimeouts int
	putErr      error
	partial     int // >0: PutMulti writes only the first partial entities
	putCalls    int
	allocCalls  int
}

func newFlakyStore() *flakyStore { return &flakyStore{Memory: store.NewMemory[user]()} }

func (s *flakyStore) takeGetTimeout() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getTimeouts > 0 {
		s.getTimeouts--
		return true
	}
	return false
}

func (s *flakyStore) Get(ctx context.Context, k store.Key) (user, error) {
	if s.takeGetTimeout() {
		return user{}, store.ErrTimeout
	}
	return s.Memory.Get(ctx, k)
}

func (s *flakyStore) GetMulti(ctx context.Context, ks []store.Key) (map[store.Key]user, error) {
	if s.takeGetTimeout() {
		return nil, store.ErrTimeout
	}
	return s.Memory.GetMulti(ctx, ks)
}

func (s *flakyStore) PutMulti(ctx context.Context, es []store.Entity[user]) ([]store.Key, error) {
	s.mu.Lock()
	s.putCalls++
	if s.putTimeouts > 0 {
		s.putTimeouts--
		s.mu.Unlock()
		return nil, store.ErrTimeout
	}
	err, partial := s.putErr, s.partial
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if partial > 0 && partial < len(es) {
		es = es[:partial]
	}
	return s.Memory.PutMulti(ctx, es)
}

func (s *flakyStore) AllocateIDs(ctx context.Context, parent, kind string, n int) (store.IDRange, error) {
	s.mu.Lock()
	s.allocCalls++
	s.mu.Unlock()
	return s.Memory.AllocateIDs(ctx, parent, kind, n)
}

func (s *flakyStore) set(f func(s *flakyStore)) {
	s.mu.Lock()
	f(s)
	s.mu.Unlock()
}

// memQueue records tasks instead of delivering them; tests deliver by hand.
type memQueue struct {
	mu    sync.Mutex
	tasks []taskqueue.Task
	names map[string]bool
	calls int
	failN int
	err   error
}

func newMemQueue() *memQueue { return &memQueue{names: make(map[string]bool)} }

func (q *memQueue) Enqueue(_ context.Context, t taskqueue.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if q.failN > 0 {
		q.failN--
		return q.err
	}
	if t.Name != "" {
		if !taskqueue.ValidName(t.Name) {
			return taskqueue.ErrBadName
		}
		if q.names[t.Name] {
			return taskqueue.ErrTaskExists
		}
		q.names[t.Name] = true
	}
	q.tasks = append(q.tasks, t)
	return nil
}

// take drains the recorded tasks.
func (q *memQueue) take() []taskqueue.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	ts := q.tasks
	q.tasks = nil
	return ts
}

func (q *memQueue) failNext(n int, err error) {
	q.mu.Lock()
	q.failN, q.err = n, err
	q.mu.Unlock()
}

func (q *memQueue) callCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls
}

// recHooks counts events.
type recHooks struct {
	mu      sync.Mutex
	counts  map[string]int
	reasons []string
}

func newRecHooks() *recHooks { return &recHooks{counts: make(map[string]int)} }

func (h *recHooks) add(ev, reason string) {
	h.mu.Lock()
	h.counts[ev]++
	if reason != "" {
		h.reasons = append(h.reasons, ev+":"+reason)
	}
	h.mu.Unlock()
}

func (h *recHooks) count(ev string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[ev]
}

func (h *recHooks) has(ev, reason string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.reasons {
		if r == ev+":"+reason {
			return true
		}
	}
	return false
}

func (h *recHooks) CacheReadError(string, error) { h.add("CacheReadError", "") }
func (h *recHooks) CacheWriteFailed(int, error)  { h.add("CacheWriteFailed", "") }
func (h *recHooks) SyncFallback(_ int, r string) { h.add("SyncFallback", r) }
func (h *recHooks) EnqueueFailed(int, error)     { h.add("EnqueueFailed", "") }
func (h *recHooks) FlushRetry(_ int, r string)   { h.add("FlushRetry", r) }
func (h *recHooks) FlushFailed(int, error)       { h.add("FlushFailed", "") }
func (h *recHooks) WatchdogRenewed(string)       { h.add("WatchdogRenewed", "") }
func (h *recHooks) WatchdogStale(string)         { h.add("WatchdogStale", "") }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: time.Unix(1_700_000_000, 0)} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	c     *cachingStore[user]
	kv    *flakyKV
	st    *flakyStore
	q     *memQueue
	hooks *recHooks
	clock *testClock
}

func newFixture(t *testing.T, mutate func(*Options[user])) *fixture {
	t.Helper()
	f := &fixture{
		st:    newFlakyStore(),
		q:     newMemQueue(),
		hooks: newRecHooks(),
		clock: newTestClock(),
	}
	f.kv = &flakyKV{Memory: kv.NewMemory(kv.WithClock(f.clock.Now))}
	opts := Options[user]{
		Namespace:        "test",
		KV:               f.kv,
		Store:            f.st,
		Queue:            f.q,
		Codec:            codec.JSON[user]{},
		Hooks:            f.hooks,
		WatchdogInterval: 10 * time.Second,
		EnqueueBackoff:   time.Microsecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := newCachingStore[user](opts)
	if err != nil {
		t.Fatalf("newCachingStore: %v", err)
	}
	f.c = c
	return f
}

// startWatchdog runs the initial tick so write-behind is enabled.
func (f *fixture) startWatchdog(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if err := f.c.StartWatchdog(ctx); err != nil {
		t.Fatalf("StartWatchdog: %v", err)
	}
	f.deliver(t, isTick)
	if !f.c.WatchdogAlive(ctx) {
		t.Fatal("watchdog not alive after first tick")
	}
}

func isTick(t taskqueue.Task) bool  { return t.Params.Get(paramToken) != "" }
func isFlush(t taskqueue.Task) bool { return !isTick(t) }

// deliver hands every pending task matching keep to HandleTask once and
// re-queues the rest. It returns the statuses in delivery order.
func (f *fixture) deliver(t *testing.T, keep func(taskqueue.Task) bool) []taskqueue.Status {
	t.Helper()
	var out []taskqueue.Status
	for _, task := range f.q.take() {
		if !keep(task) {
			f.q.mu.Lock()
			f.q.tasks = append(f.q.tasks, task)
			f.q.mu.Unlock()
			continue
		}
		out = append(out, f.c.HandleTask(context.Background(), task))
	}
	return out
}

func (f *fixture) pending(keep func(taskqueue.Task) bool) []taskqueue.Task {
	f.q.mu.Lock()
	defer f.q.mu.Unlock()
	var out []taskqueue.Task
	for _, t := range f.q.tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}
