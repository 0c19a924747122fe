package lock

import (
	"context"
	"sync"
	"time"

	"github.com/unkn0wn-root/wbcache/kv"
	"github.com/unkn0wn-root/wbcache/log"
)

// RW is a distributed many-readers-or-one-writer lock. The writer half is an
// Exclusive on "<name>:w" that also serves as the mutex readers take while
// publishing themselves in the Shared count on "<name>:r".
//
// A handle holding the write lock is granted read locks without touching the
// count, so a writer may also read. Releasing the writer while such reads are
// held downgrades them to counted reads.
type RW struct {
	name   string
	w      *Exclusive
	r      *Shared
	unit   time.Duration
	log    log.Logger
	writer WriteLock
	reader ReadLock

	mu         sync.Mutex
	selfGrants int // read holds granted while the write lock was held
	counted    int // read holds published in the count
}

func NewRW(k kv.KV, name string, opts ...Option) *RW {
	o := buildOptions(opts)
	l := &RW{
		name: name,
		w:    newExclusive(k, name+":w", o),
		r:    &Shared{kv: k, name: name + ":r", log: o.Logger},
		unit: o.BackoffUnit,
		log:  o.Logger,
	}
	l.writer = WriteLock{l}
	l.reader = ReadLock{l}
	return l
}

func (l *RW) Name() string  { return l.name }
func (l *RW) Owner() string { return l.w.Owner() }

func (l *RW) Writer() *WriteLock { return &l.writer }
func (l *RW) Reader() *ReadLock  { return &l.reader }

// WriteLock is the exclusive half of an RW.
type WriteLock struct{ l *RW }

// TryLock takes the writer key and keeps it only if no reader is active.
func (w *WriteLock) TryLock(ctx context.Context) (bool, error) {
	ok, err := w.l.w.TryLock(ctx)
	if !ok {
		return false, err
	}
	if w.l.r.Locked(ctx) {
		w.l.releaseWriter(ctx)
		return false, nil
	}
	return true, nil
}

// Lock blocks, ignoring cancellation, until the writer key is held and the
// readers have drained.
func (w *WriteLock) Lock(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	w.l.w.Lock(ctx)
	_ = w.l.drainReaders(ctx)
}

func (w *WriteLock) LockInterruptibly(ctx context.Context) error {
	if err := w.l.w.LockInterruptibly(ctx); err != nil {
		return err
	}
	if err := w.l.drainReaders(ctx); err != nil {
		w.l.releaseWriter(ctx)
		return err
	}
	return nil
}

// TryLockTimeout has the same result contract as Exclusive.TryLockTimeout.
// d covers both taking the writer key and waiting for readers.
func (w *WriteLock) TryLockTimeout(ctx context.Context, d time.Duration) (bool, error) {
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	if err := w.LockInterruptibly(tctx); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}
	return true, nil
}

// Unlock releases one write hold. On the final release, read holds granted
// while writing are published in the count before the writer key goes, so
// the handle downgrades to a reader without a window for other writers. If
// publishing fails the write lock stays held.
func (w *WriteLock) Unlock(ctx context.Context) error {
	l := w.l
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.w.HoldCount() == 1 && l.selfGrants > 0 {
		if err := l.r.add(ctx, l.selfGrants); err != nil {
			return err
		}
		l.counted += l.selfGrants
		l.selfGrants = 0
	}
	return l.w.Unlock(ctx)
}

func (w *WriteLock) HeldByCurrentOwner() bool { return w.l.w.HeldByCurrentOwner() }
func (w *WriteLock) HoldCount() int           { return w.l.w.HoldCount() }

// drainReaders polls the count until zero. Called with the writer key held.
func (l *RW) drainReaders(ctx context.Context) error {
	b := NewBackoff(l.unit)
	for l.r.Locked(ctx) {
		if err := sleep(ctx, b.Next()); err != nil {
			return err
		}
	}
	return nil
}

func (l *RW) releaseWriter(ctx context.Context) {
	if err := l.w.Unlock(context.WithoutCancel(ctx)); err != nil {
		l.log.Error("writer key release failed", log.Fields{"lock": l.name, "err": err})
	}
}

// ReadLock is the shared half of an RW.
type ReadLock struct{ l *RW }

// TryLock registers a reader unless a writer (other than this handle) is
// active.
func (r *ReadLock) TryLock(ctx context.Context) (bool, error) {
	l := r.l
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.w.HeldByCurrentOwner() {
		l.selfGrants++
		return true, nil
	}

	ok, err := l.w.TryLock(ctx)
	if !ok {
		return false, err
	}
	counted := l.r.TryLock(ctx)
	l.releaseWriter(ctx)
	if !counted {
		return false, nil
	}
	l.counted++
	return true, nil
}

func (r *ReadLock) Lock(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	b := NewBackoff(r.l.unit)
	for {
		ok, err := r.TryLock(ctx)
		if ok {
			return
		}
		if err != nil {
			r.l.log.Debug("read lock attempt failed", log.Fields{"lock": r.l.name, "err": err})
		}
		_ = sleep(ctx, b.Next())
	}
}

func (r *ReadLock) LockInterruptibly(ctx context.Context) error {
	b := NewBackoff(r.l.unit)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := r.TryLock(ctx)
		if ok {
			return nil
		}
		if err != nil {
			r.l.log.Debug("read lock attempt failed", log.Fields{"lock": r.l.name, "err": err})
		}
		if err := sleep(ctx, b.Next()); err != nil {
			return err
		}
	}
}

func (r *ReadLock) TryLockTimeout(ctx context.Context, d time.Duration) (bool, error) {
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	if err := r.LockInterruptibly(tctx); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}
	return true, nil
}

// Unlock releases one read hold. Self-granted holds are released first and
// never touch the count.
func (r *ReadLock) Unlock(ctx context.Context) error {
	l := r.l
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.selfGrants > 0:
		l.selfGrants--
		return nil
	case l.counted > 0:
		l.counted--
		return l.r.Unlock(ctx)
	default:
		return ErrIllegalUnlock
	}
}

func (r *ReadLock) HeldByCurrentOwner() bool { return r.HoldCount() > 0 }

func (r *ReadLock) HoldCount() int {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	return r.l.selfGrants + r.l.counted
}
