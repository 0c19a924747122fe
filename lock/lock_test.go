package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unkn0wn-root/wbcache/kv"
)

var errDown = errors.New("kv down")

// downKV fails every read and counter op.
type downKV struct{ *kv.Memory }

func (downKV) Get(context.Context, string) ([]byte, bool, error) { return nil, false, errDown }
func (downKV) Increment(context.Context, string, int64, uint64) (uint64, error) {
	return 0, errDown
}

func fast() Option { return WithBackoffUnit(50 * time.Microsecond) }

func TestBackoffSchedule(t *testing.T) {
	b := NewBackoff(time.Millisecond)
	want := []time.Duration{1, 2, 4, 8, 16, 32, 64, 128, 128, 128}
	for i, w := range want {
		if got := b.Next(); got != w*time.Millisecond {
			t.Fatalf("step %d: got %v want %v", i, got, w*time.Millisecond)
		}
	}
	b.Reset()
	if got := b.Next(); got != time.Millisecond {
		t.Fatalf("after reset: got %v want 1ms", got)
	}
}

func TestExclusiveReentrancy(t *testing.T) {
	ctx := context.Background()
	m := kv.NewMemory()
	l := NewExclusive(m, "R")

	const n = 4
	for i := 0; i < n; i++ {
		ok, err := l.TryLock(ctx)
		if err != nil || !ok {
			t.Fatalf("TryLock #%d: ok=%v err=%v", i+1, ok, err)
		}
	}
	if l.HoldCount() != n {
		t.Fatalf("holds=%d want %d", l.HoldCount(), n)
	}
	for i := 0; i < n; i++ {
		if ok, _ := m.Contains(ctx, "R"); !ok {
			t.Fatalf("key released early before unlock #%d", i+1)
		}
		if err := l.Unlock(ctx); err != nil {
			t.Fatalf("Unlock #%d: %v", i+1, err)
		}
	}
	if ok, _ := m.Contains(ctx, "R"); ok {
		t.Fatal("key still present after final unlock")
	}
	if err := l.Unlock(ctx); !errors.Is(err, ErrIllegalUnlock) {
		t.Fatalf("extra unlock err=%v want ErrIllegalUnlock", err)
	}
	if l.HeldByCurrentOwner() {
		t.Fatal("still held")
	}
}

func TestExclusiveMutualExclusion(t *testing.T) {
	ctx := context.Background()
	m := kv.NewMemory()

	const workers = 16
	var wins atomic.Int32
	var winner atomic.Pointer[Exclusive]
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		l := NewExclusive(m, "R")
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if ok, _ := l.TryLock(ctx); ok {
				wins.Add(1)
				winner.Store(l)
			}
		}()
	}
	close(start)
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("winners=%d want 1", wins.Load())
	}

	w := winner.Load()
	if ok, _ := w.TryLock(ctx); !ok || w.HoldCount() != 2 {
		t.Fatalf("reentrant TryLock ok=%v holds=%d", ok, w.HoldCount())
	}
	other := NewExclusive(m, "R")
	if ok, _ := other.TryLock(ctx); ok {
		t.Fatal("second owner acquired a held lock")
	}
	_ = w.Unlock(ctx)
	_ = w.Unlock(ctx)
	if ok, _ := other.TryLock(ctx); !ok {
		t.Fatal("lock not free after winner fully released")
	}
}

func TestExclusiveSameOwnerAcrossHandles(t *testing.T) {
	ctx := context.Background()
	m := kv.NewMemory()
	a := NewExclusive(m, "R", WithOwner("node-1"))
	b := NewExclusive(m, "R", WithOwner("node-1"))

	if ok, _ := a.TryLock(ctx); !ok {
		t.Fatal("a failed")
	}
	// reentrancy is per handle; b is a separate holder of the same identity
	if ok, _ := b.TryLock(ctx); ok {
		t.Fatal("b acquired a key it never created")
	}
	if b.Owner() != "node-1" {
		t.Fatalf("owner=%q", b.Owner())
	}
}

func TestExclusiveRefreshRecreatesEvictedKey(t *testing.T) {
	ctx := context.Background()
	m := kv.NewMemory()
	l := NewExclusive(m, "R")

	if ok, _ := l.TryLock(ctx); !ok {
		t.Fatal("lock failed")
	}
	m.Evict("R")
	if ok, _ := l.TryLock(ctx); !ok {
		t.Fatal("reentrant TryLock failed after eviction")
	}
	v, hit, _ := m.Get(ctx, "R")
	if !hit || string(v) != l.Owner() {
		t.Fatalf("key not re-created: hit=%v v=%q", hit, v)
	}
}

func TestExclusiveRefreshExtendsTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(0, 0)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	advance := func(d time.Duration) { mu.Lock(); now = now.Add(d); mu.Unlock() }

	m := kv.NewMemory(kv.WithClock(clock))
	l := NewExclusive(m, "R", WithExpiration(10*time.Second))
	if ok, _ := l.TryLock(ctx); !ok {
		t.Fatal("lock failed")
	}
	advance(8 * time.Second)
	if ok, _ := l.TryLock(ctx); !ok {
		t.Fatal("reentrant lock failed")
	}
	advance(8 * time.Second)
	if ok, _ := m.Contains(ctx, "R"); !ok {
		t.Fatal("refresh did not extend expiry")
	}
}

func TestExclusiveUnlockLeavesForeignKey(t *testing.T) {
	ctx := context.Background()
	m := kv.NewMemory()
	l := NewExclusive(m, "R")

	if ok, _ := l.TryLock(ctx); !ok {
		t.Fatal("lock failed")
	}
	// key expired and was taken by someone else while we still held it locally
	m.Evict("R")
	if _, err := m.Put(ctx, "R", []byte("intruder"), 0, kv.SetIfAbsent); err != nil {
		t.Fatal(err)
	}
	if err := l.Unlock(ctx); err != nil {
		t.Fatalf("unlock err=%v", err)
	}
	v, hit, _ := m.Get(ctx, "R")
	if !hit || string(v) != "intruder" {
		t.Fatalf("foreign key touched: hit=%v v=%q", hit, v)
	}
}

// plainKV hides kv.CompareDeleter.
type plainKV struct{ kv.KV }

// countingKV counts plain deletes.
type countingKV struct {
	*kv.Memory
	deletes atomic.Int32
}

func (c *countingKV) Delete(ctx context.Context, key string) (bool, error) {
	c.deletes.Add(1)
	return c.Memory.Delete(ctx, key)
}

func TestExclusiveUnlockUsesCompareDelete(t *testing.T) {
	ctx := context.Background()
	m := &countingKV{Memory: kv.NewMemory()}
	l := NewExclusive(m, "R")

	if ok, _ := l.TryLock(ctx); !ok {
		t.Fatal("lock failed")
	}
	if err := l.Unlock(ctx); err != nil {
		t.Fatal(err)
	}
	if ok, _ := m.Contains(ctx, "R"); ok {
		t.Fatal("key left after release")
	}
	if n := m.deletes.Load(); n != 0 {
		t.Fatalf("plain deletes=%d want 0", n)
	}
}

func TestExclusiveUnlockWithoutCompareDelete(t *testing.T) {
	ctx := context.Background()
	m := kv.NewMemory()
	l := NewExclusive(plainKV{m}, "R")

	if ok, _ := l.TryLock(ctx); !ok {
		t.Fatal("lock failed")
	}
	if err := l.Unlock(ctx); err != nil {
		t.Fatal(err)
	}
	if ok, _ := m.Contains(ctx, "R"); ok {
		t.Fatal("key left after release")
	}

	if ok, _ := l.TryLock(ctx); !ok {
		t.Fatal("relock failed")
	}
	m.Evict("R")
	_, _ = m.Put(ctx, "R", []byte("intruder"), 0, kv.SetIfAbsent)
	if err := l.Unlock(ctx); err != nil {
		t.Fatal(err)
	}
	if v, hit, _ := m.Get(ctx, "R"); !hit || string(v) != "intruder" {
		t.Fatalf("foreign key touched: hit=%v v=%q", hit, v)
	}
}

func TestExclusiveLockWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	m := kv.NewMemory()
	holder := NewExclusive(m, "R")
	waiter := NewExclusive(m, "R", fast())

	if ok, _ := holder.TryLock(ctx); !ok {
		t.Fatal("holder failed")
	}
	got := make(chan struct{})
	go func() {
		waiter.Lock(ctx)
		close(got)
	}()
	select {
	case <-got:
		t.Fatal("acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	_ = holder.Unlock(ctx)
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("Lock did not return after release")
	}
	if !waiter.HeldByCurrentOwner() {
		t.Fatal("waiter not holding")
	}
}

func TestExclusiveLockIgnoresCancellation(t *testing.T) {
	m := kv.NewMemory()
	holder := NewExclusive(m, "R")
	waiter := NewExclusive(m, "R", fast())
	bg := context.Background()
	if ok, _ := holder.TryLock(bg); !ok {
		t.Fatal("holder failed")
	}

	ctx, cancel := context.WithCancel(bg)
	cancel()
	got := make(chan struct{})
	go func() {
		waiter.Lock(ctx)
		close(got)
	}()
	time.Sleep(10 * time.Millisecond)
	_ = holder.Unlock(bg)
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("Lock gave up on canceled ctx")
	}
}

func TestExclusiveLockInterruptibly(t *testing.T) {
	bg := context.Background()
	m := kv.NewMemory()
	holder := NewExclusive(m, "R")
	if ok, _ := holder.TryLock(bg); !ok {
		t.Fatal("holder failed")
	}

	ctx, cancel := context.WithTimeout(bg, 20*time.Millisecond)
	defer cancel()
	err := NewExclusive(m, "R", fast()).LockInterruptibly(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want DeadlineExceeded", err)
	}
}

func TestExclusiveTryLockTimeout(t *testing.T) {
	ctx := context.Background()
	m := kv.NewMemory()
	holder := NewExclusive(m, "R")
	if ok, _ := holder.TryLock(ctx); !ok {
		t.Fatal("holder failed")
	}
	l := NewExclusive(m, "R", fast())

	ok, err := l.TryLockTimeout(ctx, 15*time.Millisecond)
	if ok || err != nil {
		t.Fatalf("held lock: ok=%v err=%v want false,nil", ok, err)
	}
	_ = holder.Unlock(ctx)
	ok, err = l.TryLockTimeout(ctx, time.Second)
	if !ok || err != nil {
		t.Fatalf("free lock: ok=%v err=%v", ok, err)
	}
}

func TestSharedNeverNegative(t *testing.T) {
	ctx := context.Background()
	m := kv.NewMemory()
	s := NewShared(m, "S")

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); s.TryLock(ctx) }()
		go func() { defer wg.Done(); _ = s.Unlock(ctx); _ = s.Unlock(ctx) }()
	}
	wg.Wait()
	if _, err := s.Count(ctx); err != nil {
		t.Fatalf("count unreadable: %v", err)
	}

	for i := 0; i < 40; i++ {
		_ = s.Unlock(ctx)
	}
	if n, _ := s.Count(ctx); n != 0 {
		t.Fatalf("count=%d want 0", n)
	}
	if s.Locked(ctx) {
		t.Fatal("locked at zero")
	}
	if !s.TryLock(ctx) || !s.Locked(ctx) {
		t.Fatal("increment from zero failed")
	}
}

func TestSharedMalformedCounter(t *testing.T) {
	ctx := context.Background()
	m := kv.NewMemory()
	if _, err := m.Put(ctx, "S", []byte("garbage"), 0, kv.SetAlways); err != nil {
		t.Fatal(err)
	}
	s := NewShared(m, "S")
	if s.TryLock(ctx) {
		t.Fatal("acquired on malformed counter")
	}
	if s.Locked(ctx) {
		t.Fatal("Locked true on malformed counter")
	}
	if _, err := s.Count(ctx); !errors.Is(err, kv.ErrNotInteger) {
		t.Fatalf("Count err=%v want ErrNotInteger", err)
	}
}

func TestSharedLockedNeverFails(t *testing.T) {
	ctx := context.Background()
	s := NewShared(downKV{kv.NewMemory()}, "S")
	if s.Locked(ctx) {
		t.Fatal("Locked true with unreachable kv")
	}
	if s.TryLock(ctx) {
		t.Fatal("TryLock true with unreachable kv")
	}
	if err := s.Unlock(ctx); !errors.Is(err, errDown) {
		t.Fatalf("Unlock err=%v want errDown", err)
	}
}
