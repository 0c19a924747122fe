package wbcache

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/unkn0wn-root/wbcache/store"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want outcome
	}{
		{nil, outcomeOK},
		{store.ErrTimeout, outcomeRetryable},
		{fmt.Errorf("bolt: %w", store.ErrTimeout), outcomeRetryable},
		{store.ErrConflict, outcomePermanent},
		{store.ErrNotFound, outcomePermanent},
		{errors.New("boom"), outcomePermanent},
	}
	for _, tc := range cases {
		if got := classify(tc.err); got != tc.want {
			t.Fatalf("classify(%v)=%v want %v", tc.err, got, tc.want)
		}
	}
	if o, r := classifyFlush(store.ErrConflict); o != outcomeRetryable || r != "conflict" {
		t.Fatalf("flush conflict: %v %q", o, r)
	}
}

func TestRetryOnce(t *testing.T) {
	ctx := context.Background()
	calls := 0
	op := func(fail int) func(context.Context) (int, error) {
		calls = 0
		return func(context.Context) (int, error) {
			calls++
			if calls <= fail {
				return 0, store.ErrTimeout
			}
			return 42, nil
		}
	}

	if v, err := retryOnce(ctx, op(1)); err != nil || v != 42 || calls != 2 {
		t.Fatalf("one timeout: v=%d err=%v calls=%d", v, err, calls)
	}
	if _, err := retryOnce(ctx, op(2)); !errors.Is(err, store.ErrTimeout) || calls != 2 {
		t.Fatalf("two timeouts: err=%v calls=%d", err, calls)
	}

	calls = 0
	perm := errors.New("perm")
	_, err := retryOnce(ctx, func(context.Context) (int, error) { calls++; return 0, perm })
	if !errors.Is(err, perm) || calls != 1 {
		t.Fatalf("permanent: err=%v calls=%d", err, calls)
	}
}
