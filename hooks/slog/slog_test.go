package sloghooks

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func records(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("bad log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestSyncFallbackLevels(t *testing.T) {
	var buf bytes.Buffer
	h := New(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})), Options{})

	h.SyncFallback(1, "write_through") // debug, filtered
	h.SyncFallback(2, "watchdog_dead")

	rs := records(t, &buf)
	if len(rs) != 1 {
		t.Fatalf("got %d records, want 1", len(rs))
	}
	if rs[0]["msg"] != "wbcache.sync_fallback" || rs[0]["reason"] != "watchdog_dead" {
		t.Fatalf("unexpected record %v", rs[0])
	}
}

func TestSamplingAndRedaction(t *testing.T) {
	var buf bytes.Buffer
	h := New(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), Options{
		CacheReadErrorEvery: 3,
		Redact:              func(string) string { return "xxx" },
	})
	for i := 0; i < 9; i++ {
		h.CacheReadError("user:secret", nil)
	}
	rs := records(t, &buf)
	if len(rs) != 3 {
		t.Fatalf("got %d records, want 3", len(rs))
	}
	if strings.Contains(buf.String(), "secret") || rs[0]["key"] != "xxx" {
		t.Fatalf("key not redacted: %s", buf.String())
	}
}

func TestNilLoggerIsNoop(t *testing.T) {
	h := New(nil, Options{})
	h.FlushFailed(1, nil)
	h.WatchdogStale("ns")
}
