package kv

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryPutIfAbsent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ok, err := m.Put(ctx, "k", []byte("a"), 0, SetIfAbsent)
	if err != nil || !ok {
		t.Fatalf("first put: ok=%v err=%v", ok, err)
	}
	ok, _ = m.Put(ctx, "k", []byte("b"), 0, SetIfAbsent)
	if ok {
		t.Fatalf("second SetIfAbsent must not store")
	}
	v, _, _ := m.Get(ctx, "k")
	if string(v) != "a" {
		t.Fatalf("got %q", v)
	}
	ok, _ = m.Put(ctx, "k", []byte("c"), 0, SetAlways)
	if !ok {
		t.Fatalf("SetAlways must store")
	}
	v, _, _ = m.Get(ctx, "k")
	if string(v) != "c" {
		t.Fatalf("got %q", v)
	}
}

func TestMemoryConcurrentSetIfAbsentSingleWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	const n = 64
	var wg sync.WaitGroup
	wins := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if ok, _ := m.Put(ctx, "lock", []byte{byte(i)}, time.Minute, SetIfAbsent); ok {
				wins <- i
			}
		}(i)
	}
	wg.Wait()
	close(wins)
	if got := len(wins); got != 1 {
		t.Fatalf("winners=%d want 1", got)
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{now: time.Unix(1000, 0)}
	m := NewMemory(WithClock(clk.Now))

	_, _ = m.Put(ctx, "k", []byte("v"), time.Second, SetAlways)
	if ok, _ := m.Contains(ctx, "k"); !ok {
		t.Fatalf("expected present")
	}
	clk.Advance(time.Second)
	if ok, _ := m.Contains(ctx, "k"); ok {
		t.Fatalf("expected expired")
	}
	// expired key counts as absent for SetIfAbsent
	if ok, _ := m.Put(ctx, "k", []byte("w"), 0, SetIfAbsent); !ok {
		t.Fatalf("SetIfAbsent over expired key must store")
	}
}

func TestMemoryIncrementFloorAndInitial(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	n, err := m.Increment(ctx, "c", 1, 0)
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	n, _ = m.Increment(ctx, "c", -5, 0)
	if n != 0 {
		t.Fatalf("floor: n=%d", n)
	}
	n, _ = m.Increment(ctx, "fresh", 2, 10)
	if n != 12 {
		t.Fatalf("initial: n=%d", n)
	}
	_, _ = m.Put(ctx, "bad", []byte("nope"), 0, SetAlways)
	if _, err := m.Increment(ctx, "bad", 1, 0); !errors.Is(err, ErrNotInteger) {
		t.Fatalf("expected ErrNotInteger, got %v", err)
	}
}

func TestMemoryIncrementConcurrentNeverNegative(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); _, _ = m.Increment(ctx, "c", 1, 0) }()
		go func() { defer wg.Done(); _, _ = m.Increment(ctx, "c", -2, 0) }()
	}
	wg.Wait()
	v, _, _ := m.Get(ctx, "c")
	if _, err := ParseCounter(v); err != nil {
		t.Fatalf("counter unreadable: %q", v)
	}
}

func TestAddDelta(t *testing.T) {
	cases := []struct {
		cur   uint64
		delta int64
		want  uint64
	}{
		{0, 1, 1},
		{5, -2, 3},
		{1, -2, 0},
		{0, math.MinInt64, 0},
		{math.MaxUint64 - 1, 5, math.MaxUint64},
	}
	for _, tc := range cases {
		if got := AddDelta(tc.cur, tc.delta); got != tc.want {
			t.Fatalf("AddDelta(%d,%d)=%d want %d", tc.cur, tc.delta, got, tc.want)
		}
	}
}

type failingKV struct{ *Memory }

func (f *failingKV) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("down")
}
func (f *failingKV) Put(context.Context, string, []byte, time.Duration, Policy) (bool, error) {
	return false, errors.New("down")
}

func TestLenientSwallowsErrors(t *testing.T) {
	ctx := context.Background()
	f := &failingKV{Memory: NewMemory()}
	l := WithErrorMode(f, Lenient, nil)

	if _, ok, err := l.Get(ctx, "k"); err != nil || ok {
		t.Fatalf("lenient get: ok=%v err=%v", ok, err)
	}
	if ok, err := l.Put(ctx, "k", nil, 0, SetAlways); err != nil || ok {
		t.Fatalf("lenient put: ok=%v err=%v", ok, err)
	}
	if s := WithErrorMode(f, Strict, nil); s != KV(f) {
		t.Fatalf("strict must return the KV unchanged")
	}
}

func TestMemoryDeleteIfEqual(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, _ = m.Put(ctx, "lock", []byte("me"), 0, SetAlways)

	if ok, err := m.DeleteIfEqual(ctx, "lock", []byte("other")); ok || err != nil {
		t.Fatalf("deleted on mismatch: ok=%v err=%v", ok, err)
	}
	if ok, _ := m.Contains(ctx, "lock"); !ok {
		t.Fatal("mismatched delete removed the key")
	}
	if ok, err := m.DeleteIfEqual(ctx, "lock", []byte("me")); !ok || err != nil {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if ok, _ := m.DeleteIfEqual(ctx, "lock", []byte("me")); ok {
		t.Fatal("deleted a missing key")
	}
}
