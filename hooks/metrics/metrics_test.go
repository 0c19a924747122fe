package metricshooks

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/VictoriaMetrics/metrics"
)

func TestCountersExported(t *testing.T) {
	set := metrics.NewSet()
	h := New(set, "users")

	h.SyncFallback(3, "watchdog_dead")
	h.SyncFallback(1, "watchdog_dead")
	h.FlushRetry(2, "partial")
	h.FlushFailed(5, errors.New("x"))
	h.WatchdogRenewed("users")
	h.WatchdogRenewed("users")

	var buf bytes.Buffer
	set.WritePrometheus(&buf)
	out := buf.String()

	for _, want := range []string{
		`wbcache_sync_fallback_total{ns="users",reason="watchdog_dead"} 4`,
		`wbcache_flush_retry_total{ns="users",reason="partial"} 2`,
		`wbcache_flush_failed_total{ns="users"} 5`,
		`wbcache_watchdog_renewed_total{ns="users"} 2`,
		`wbcache_watchdog_stale_total{ns="users"} 0`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestNilSetCreatesOne(t *testing.T) {
	h := New(nil, "n")
	if h.Set() == nil {
		t.Fatal("nil set")
	}
	h.CacheReadError("k", nil)
}
