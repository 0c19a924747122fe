package lock

import (
	"context"
	"time"
)

const maxBackoffUnits = 128

// Backoff yields 1, 2, 4 ... 128 units, then stays at 128. It never sleeps.
type Backoff struct {
	unit time.Duration
	n    int64
}

func NewBackoff(unit time.Duration) *Backoff {
	if unit <= 0 {
		unit = time.Millisecond
	}
	return &Backoff{unit: unit}
}

// Next returns the delay to wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	switch {
	case b.n == 0:
		b.n = 1
	case b.n < maxBackoffUnits:
		b.n *= 2
	}
	return time.Duration(b.n) * b.unit
}

func (b *Backoff) Reset() { b.n = 0 }

// sleep waits d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
