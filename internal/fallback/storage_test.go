package fallback

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"dineinsight/internal/analytics"
	"dineinsight/internal/metrics"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "fallback"))
	s.emergencyDir = filepath.Join(t.TempDir(), "emergency")
	s.Initialize()
	return s
}

// blockedPath returns a path under a regular file, so directories can never
// be created there.
func blockedPath(t *testing.T) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	return filepath.Join(file, "fallback")
}

func sampleEvent(id string) analytics.RawEvent {
	ev := analytics.RawEvent{
		EntityType: analytics.EntityOutlet,
		EntityID:   id,
		EventType:  analytics.EventProfileView,
		SessionID:  "sess-" + id,
		DeviceType: analytics.DeviceMobile,
		Timestamp:  time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC),
	}
	ev, _ = ev.WithHash()
	return ev
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	names, err := listQueueFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	return len(names)
}

func TestInitialize_Idempotent(t *testing.T) {
	s := newTestStorage(t)
	s.Initialize()
	s.Initialize()
	for _, st := range states {
		if info, err := os.Stat(filepath.Join(s.Dir(), string(st))); err != nil || !info.IsDir() {
			t.Errorf("%s directory missing: %v", st, err)
		}
	}

	// Must not panic or fail loudly on an unusable root.
	New(blockedPath(t)).Initialize()
}

func TestWriteEvent_Pending(t *testing.T) {
	s := newTestStorage(t)
	ev := sampleEvent("o-1")

	res := s.WriteEvent(ev, "store unavailable")
	if !res.OK || res.Emergency || res.Err != nil {
		t.Fatalf("WriteEvent() = %+v", res)
	}
	if filepath.Dir(res.Path) != filepath.Join(s.Dir(), "pending") {
		t.Errorf("file written to %s", res.Path)
	}
	if base := filepath.Base(res.Path); !strings.HasPrefix(base, "pending_") || !strings.HasSuffix(base, ".ndjson") {
		t.Errorf("unexpected file name %s", base)
	}

	data, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(string(data), "\n") || strings.Count(string(data), "\n") != 1 {
		t.Errorf("want exactly one NDJSON line, got %q", data)
	}
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"event", "fallback_reason", "fallback_timestamp", "retry_count"} {
		if _, ok := rec[k]; !ok {
			t.Errorf("record missing %q: %s", k, data)
		}
	}
}

func TestWriteEvent_UniqueNames(t *testing.T) {
	s := newTestStorage(t)
	fixed := time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		res := s.WriteEvent(sampleEvent("o"), "down")
		if !res.OK {
			t.Fatalf("write %d failed: %v", i, res.Err)
		}
		if seen[res.Path] {
			t.Fatalf("file name collision: %s", res.Path)
		}
		seen[res.Path] = true
	}
	if n := countFiles(t, filepath.Join(s.Dir(), "pending")); n != 50 {
		t.Errorf("pending files = %d, want 50", n)
	}
}

func TestWriteEvent_EmergencyFallback(t *testing.T) {
	s := newTestStorage(t)
	s.dir = blockedPath(t)
	before := testutil.ToFloat64(metrics.FallbackWrites.WithLabelValues("emergency"))

	res := s.WriteEvent(sampleEvent("o-1"), "down")
	if !res.OK || !res.Emergency {
		t.Fatalf("WriteEvent() = %+v, want emergency write", res)
	}
	if got := testutil.ToFloat64(metrics.FallbackWrites.WithLabelValues("emergency")) - before; got != 1 {
		t.Errorf("emergency writes metric delta = %v, want 1", got)
	}
	if !strings.HasPrefix(res.Path, s.emergencyDir) {
		t.Errorf("path %s not under emergency dir", res.Path)
	}

	pending, err := s.PendingEvents(10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("PendingEvents() = %v, %v; emergency files must be drained too", pending, err)
	}
}

func TestWriteEvent_AllLocationsFail(t *testing.T) {
	s := newTestStorage(t)
	s.dir = blockedPath(t)
	s.emergencyDir = blockedPath(t)
	before := testutil.ToFloat64(metrics.FallbackWrites.WithLabelValues("lost"))

	res := s.WriteEvent(sampleEvent("o-1"), "down")
	if res.OK || res.Err == nil {
		t.Fatalf("WriteEvent() = %+v, want failure with error detail", res)
	}
	if got := testutil.ToFloat64(metrics.FallbackWrites.WithLabelValues("lost")) - before; got != 1 {
		t.Errorf("lost writes metric delta = %v, want 1", got)
	}
}

func TestWriteBatch_PartialCount(t *testing.T) {
	s := newTestStorage(t)
	events := []analytics.RawEvent{sampleEvent("a"), sampleEvent("b"), sampleEvent("c")}
	if n := s.WriteBatch(events, "down"); n != 3 {
		t.Errorf("WriteBatch() = %d, want 3", n)
	}

	s.dir = blockedPath(t)
	s.emergencyDir = blockedPath(t)
	if n := s.WriteBatch(events, "down"); n != 0 {
		t.Errorf("WriteBatch() = %d, want 0", n)
	}
}

func TestPendingEvents_LimitAndOrder(t *testing.T) {
	s := newTestStorage(t)
	base := time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"first", "second", "third"} {
		at := base.Add(time.Duration(i) * time.Second)
		s.now = func() time.Time { return at }
		s.WriteEvent(sampleEvent(id), "down")
	}

	got, err := s.PendingEvents(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("PendingEvents(2) returned %d", len(got))
	}
	if got[0].Event.EntityID != "first" || got[1].Event.EntityID != "second" {
		t.Errorf("order = %s, %s", got[0].Event.EntityID, got[1].Event.EntityID)
	}
	if got[0].Reason != "down" || got[0].RetryCount != 0 {
		t.Errorf("record = %+v", got[0])
	}
}

func TestPendingEvents_SkipsCorruptFiles(t *testing.T) {
	s := newTestStorage(t)
	s.WriteEvent(sampleEvent("good"), "down")
	corrupt := filepath.Join(s.Dir(), "pending", "pending_00000000000000000001_deadbeef.ndjson")
	if err := os.WriteFile(corrupt, []byte("{not json\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Hidden in-progress files are ignored.
	if err := os.WriteFile(filepath.Join(s.Dir(), "pending", ".pending_partial.ndjson"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := s.PendingEvents(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Event.EntityID != "good" {
		t.Fatalf("PendingEvents() = %+v", got)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "failed", filepath.Base(corrupt))); err != nil {
		t.Errorf("corrupt file should be quarantined in failed: %v", err)
	}
}

func TestPendingEvents_MultiRecordFile(t *testing.T) {
	s := newTestStorage(t)
	path := filepath.Join(s.Dir(), "pending", "pending_00000000000000000001_multi000.ndjson")
	var lines []string
	for _, id := range []string{"a", "b"} {
		b, _ := json.Marshal(Record{Event: sampleEvent(id), FallbackReason: "legacy", RetryCount: 2})
		lines = append(lines, string(b))
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := s.PendingEvents(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Path != path || got[1].Path != path || got[1].RetryCount != 2 {
		t.Fatalf("PendingEvents() = %+v", got)
	}
}

func TestMarkProcessedAndFailed(t *testing.T) {
	s := newTestStorage(t)
	a := s.WriteEvent(sampleEvent("a"), "down").Path
	b := s.WriteEvent(sampleEvent("b"), "down").Path

	if err := s.MarkProcessed(a); err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}
	if err := s.MarkFailed(b); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	if _, err := os.Stat(a); !os.IsNotExist(err) {
		t.Error("processed file still in pending")
	}

	st := s.Stats()
	if st != (Stats{Pending: 0, Failed: 1, Processed: 1}) {
		t.Errorf("Stats() = %+v", st)
	}

	// Only pending files can transition.
	if err := s.MarkFailed(filepath.Join(s.Dir(), "processed", filepath.Base(a))); err == nil {
		t.Error("moving a processed file must fail")
	}
}

func TestIncrementRetry(t *testing.T) {
	s := newTestStorage(t)
	path := s.WriteEvent(sampleEvent("a"), "down").Path

	for i := 0; i < 3; i++ {
		if err := s.IncrementRetry(path); err != nil {
			t.Fatalf("IncrementRetry() error = %v", err)
		}
	}
	got, err := s.PendingEvents(10)
	if err != nil || len(got) != 1 {
		t.Fatalf("PendingEvents() = %v, %v", got, err)
	}
	if got[0].RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", got[0].RetryCount)
	}
	if got[0].Event.EventHash != sampleEvent("a").EventHash {
		t.Error("rewrite must preserve the event")
	}
	if n := countFiles(t, filepath.Join(s.Dir(), "pending")); n != 1 {
		t.Errorf("pending files = %d after rewrite, want 1", n)
	}
}

func TestCleanup_OnlyOldProcessed(t *testing.T) {
	s := newTestStorage(t)
	now := time.Now()

	oldPath := s.WriteEvent(sampleEvent("old"), "down").Path
	youngPath := s.WriteEvent(sampleEvent("young"), "down").Path
	stalePending := s.WriteEvent(sampleEvent("pending"), "down").Path
	failedPath := s.WriteEvent(sampleEvent("failed"), "down").Path

	s.now = func() time.Time { return now.AddDate(0, 0, -10) }
	if err := s.MarkProcessed(oldPath); err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return now.AddDate(0, 0, -6) }
	if err := s.MarkProcessed(youngPath); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkFailed(failedPath); err != nil {
		t.Fatal(err)
	}
	ancient := now.AddDate(0, 0, -30)
	for _, p := range []string{stalePending, siblingPath(failedPath, StateFailed)} {
		if err := os.Chtimes(p, ancient, ancient); err != nil {
			t.Fatal(err)
		}
	}

	s.now = func() time.Time { return now }
	for i := 0; i < 3; i++ {
		n, err := s.Cleanup(7)
		if err != nil {
			t.Fatalf("Cleanup() error = %v", err)
		}
		if i == 0 && n != 1 {
			t.Errorf("first Cleanup() removed %d, want 1", n)
		}
		if i > 0 && n != 0 {
			t.Errorf("repeated Cleanup() removed %d, want 0", n)
		}
	}

	if _, err := os.Stat(siblingPath(youngPath, StateProcessed)); err != nil {
		t.Errorf("young processed file deleted: %v", err)
	}
	if _, err := os.Stat(stalePending); err != nil {
		t.Errorf("pending file deleted: %v", err)
	}
	if _, err := os.Stat(siblingPath(failedPath, StateFailed)); err != nil {
		t.Errorf("failed file deleted: %v", err)
	}
	if _, err := s.Cleanup(0); err == nil {
		t.Error("Cleanup(0) should be rejected")
	}
}
