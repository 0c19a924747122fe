package wbcache

import (
	"errors"
	"fmt"
)

var (
	// ErrNoQueue is returned by StartWatchdog when no Queue is configured.
	ErrNoQueue = errors.New("wbcache: no task queue configured")
	// ErrIncompleteKey is returned by reads and deletes given an unallocated key.
	ErrIncompleteKey = errors.New("wbcache: incomplete key")
	// ErrPartialWrite means the Store wrote fewer entities than requested.
	ErrPartialWrite = errors.New("wbcache: partial store write")
	// ErrCacheRejected means the cache refused to store some entries.
	ErrCacheRejected = errors.New("wbcache: cache rejected write")
)

// FallbackError reports a Put whose synchronous Store write failed. Reason
// says why the write went synchronous; Cause is the cache or queue error that
// forced it, if any.
type FallbackError struct {
	Reason   string
	Count    int
	Cause    error
	StoreErr error
}

func (e *FallbackError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("wbcache: sync write of %d entities (%s: %v) failed: %v",
			e.Count, e.Reason, e.Cause, e.StoreErr)
	}
	return fmt.Sprintf("wbcache: sync write of %d entities (%s) failed: %v", e.Count, e.Reason, e.StoreErr)
}

func (e *FallbackError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.StoreErr != nil {
		errs = append(errs, e.StoreErr)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// FlushError reports a write-behind flush that failed permanently.
type FlushError struct {
	Keys []string
	Err  error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("wbcache: flush of %d keys failed: %v", len(e.Keys), e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }
