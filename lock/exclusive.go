package lock

import (
	"context"
	"sync"
	"time"

	"github.com/unkn0wn-root/wbcache/kv"
	"github.com/unkn0wn-root/wbcache/log"
)

// Exclusive is a reentrant distributed mutex on a single key.
type Exclusive struct {
	kv    kv.KV
	name  string
	owner string
	exp   time.Duration
	unit  time.Duration
	log   log.Logger

	mu    sync.Mutex
	holds int
}

func NewExclusive(k kv.KV, name string, opts ...Option) *Exclusive {
	return newExclusive(k, name, buildOptions(opts))
}

func newExclusive(k kv.KV, name string, o Options) *Exclusive {
	return &Exclusive{
		kv:    k,
		name:  name,
		owner: o.Owner,
		exp:   o.Expiration,
		unit:  o.BackoffUnit,
		log:   o.Logger,
	}
}

func (e *Exclusive) Name() string  { return e.name }
func (e *Exclusive) Owner() string { return e.owner }

func (e *Exclusive) HoldCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.holds
}

func (e *Exclusive) HeldByCurrentOwner() bool { return e.HoldCount() > 0 }

// TryLock acquires the lock without waiting. A handle that already holds it
// refreshes the key and always succeeds.
func (e *Exclusive) TryLock(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.holds > 0 {
		e.refresh(ctx)
		e.holds++
		return true, nil
	}

	ok, err := e.kv.Put(ctx, e.name, []byte(e.owner), e.exp, kv.SetIfAbsent)
	if err != nil {
		return false, err
	}
	if ok {
		e.holds = 1
	}
	return ok, nil
}

// refresh re-creates an evicted key or extends our own. Failures are logged;
// the local hold stands regardless.
func (e *Exclusive) refresh(ctx context.Context) {
	v, hit, err := e.kv.Get(ctx, e.name)
	if err != nil {
		e.log.Warn("lock refresh read failed", log.Fields{"lock": e.name, "err": err})
		return
	}
	switch {
	case !hit:
		ok, err := e.kv.Put(ctx, e.name, []byte(e.owner), e.exp, kv.SetIfAbsent)
		if err != nil || !ok {
			e.log.Warn("lock key lost and not re-created", log.Fields{"lock": e.name, "err": err})
		}
	case string(v) == e.owner:
		if _, err := e.kv.Put(ctx, e.name, []byte(e.owner), e.exp, kv.SetAlways); err != nil {
			e.log.Warn("lock expiry not extended", log.Fields{"lock": e.name, "err": err})
		}
	default:
		e.log.Warn("lock held locally but owned by another owner", log.Fields{"lock": e.name, "holder": string(v)})
	}
}

// Lock blocks until the lock is acquired. It ignores cancellation of ctx and
// never gives up; call it only inside a bounded unit of work.
func (e *Exclusive) Lock(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	b := NewBackoff(e.unit)
	for {
		ok, err := e.TryLock(ctx)
		if ok {
			return
		}
		if err != nil {
			e.log.Debug("lock attempt failed", log.Fields{"lock": e.name, "err": err})
		}
		_ = sleep(ctx, b.Next())
	}
}

// LockInterruptibly is Lock that returns ctx.Err() once ctx is done.
func (e *Exclusive) LockInterruptibly(ctx context.Context) error {
	b := NewBackoff(e.unit)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := e.TryLock(ctx)
		if ok {
			return nil
		}
		if err != nil {
			e.log.Debug("lock attempt failed", log.Fields{"lock": e.name, "err": err})
		}
		if err := sleep(ctx, b.Next()); err != nil {
			return err
		}
	}
}

// TryLockTimeout polls for up to d. It returns (false, nil) when d elapses
// and (false, ctx.Err()) when ctx ends first.
func (e *Exclusive) TryLockTimeout(ctx context.Context, d time.Duration) (bool, error) {
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	err := e.LockInterruptibly(tctx)
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return false, nil
}

// Unlock releases one hold. The key is removed when the last hold goes; a key
// that already expired or now names another owner is left alone. The owner
// check and delete are atomic when the KV is a kv.CompareDeleter.
func (e *Exclusive) Unlock(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.holds == 0 {
		return ErrIllegalUnlock
	}
	e.holds--
	if e.holds > 0 {
		return nil
	}

	if cd, ok := e.kv.(kv.CompareDeleter); ok {
		deleted, err := cd.DeleteIfEqual(ctx, e.name, []byte(e.owner))
		switch {
		case err != nil:
			e.log.Warn("lock key delete failed", log.Fields{"lock": e.name, "err": err})
		case !deleted:
			e.log.Debug("lock key gone or owned by another owner on release", log.Fields{"lock": e.name})
		}
		return nil
	}

	// no atomic compare-and-delete: a key retaken between Get and Delete
	// can still be removed
	v, hit, err := e.kv.Get(ctx, e.name)
	switch {
	case err != nil:
		e.log.Warn("lock release read failed", log.Fields{"lock": e.name, "err": err})
	case !hit:
		e.log.Debug("lock key already gone on release", log.Fields{"lock": e.name})
		return nil
	case string(v) != e.owner:
		e.log.Warn("lock key owned by another owner on release", log.Fields{"lock": e.name, "holder": string(v)})
		return nil
	}
	if _, err := e.kv.Delete(ctx, e.name); err != nil {
		e.log.Warn("lock key delete failed", log.Fields{"lock": e.name, "err": err})
	}
	return nil
}
