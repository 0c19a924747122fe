// Package taskqueue is the asynchronous task dispatch wbcache hands
// write-behind flushes and watchdog ticks to.
//
// Delivery is at-least-once: a handler returning Retry (or a worker dying
// mid-delivery, for durable queues) gets the task delivered again, so
// handlers must be idempotent. A named task is accepted at most once per
// retention window; a second Enqueue with the same name fails with
// ErrTaskExists.
package taskqueue

import (
	"context"
	"errors"
	"net/url"
	"time"
)

var (
	// ErrTaskExists means a task with the same name was already enqueued
	// within the retention window.
	ErrTaskExists = errors.New("taskqueue: task name already used")
	// ErrTransient marks enqueue failures worth retrying.
	ErrTransient = errors.New("taskqueue: transient failure")
	ErrClosed    = errors.New("taskqueue: closed")
	ErrBadName   = errors.New("taskqueue: invalid task name")
)

// Status is a handler's verdict on one delivery.
type Status int

const (
	// Done acknowledges the task; it will not be delivered again.
	Done Status = iota
	// Retry asks for redelivery later.
	Retry
)

func (s Status) String() string {
	if s == Retry {
		return "retry"
	}
	return "done"
}

// Task is one unit of deferred work.
type Task struct {
	// Name de-duplicates enqueues; empty means unnamed.
	Name  string
	Delay time.Duration
	// Method and Params mirror an HTTP-style delivery contract.
	Method  string
	Params  url.Values
	Payload []byte

	// Attempt is the 1-based delivery count, set by the runner.
	Attempt int
}

// Handler processes a delivered task.
type Handler func(ctx context.Context, t Task) Status

// Queue accepts tasks for later delivery.
type Queue interface {
	Enqueue(ctx context.Context, t Task) error
}

// ValidName reports whether name is usable as a task name: 1-500 chars of
// [A-Za-z0-9_-].
func ValidName(name string) bool {
	if len(name) == 0 || len(name) > 500 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
