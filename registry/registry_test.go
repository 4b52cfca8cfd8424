package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	return Open(filepath.Join(dir, "history.json"), filepath.Join(dir, "history.lock"))
}

func TestRecordAndRecent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	ev := Event{PID: 42, Name: "libfoo.so", BuildID: "abc123", Level: 3, At: time.Unix(1000, 0).UTC()}
	if err := r.Record(ctx, ev); err != nil {
		t.Fatalf("Record: %v", err)
	}

	events, err := r.Recent(ctx)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 1 || events[0] != ev {
		t.Fatalf("events = %+v, want [%+v]", events, ev)
	}
}

func TestRecentOnEmptyRegistry(t *testing.T) {
	r := newTestRegistry(t)
	events, err := r.Recent(context.Background())
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("events = %+v, want empty", events)
	}
}

func TestRecordTrimsOldestPastMaxEvents(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for i := 0; i < maxEvents+5; i++ {
		if err := r.Record(ctx, Event{PID: i}); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}

	events, err := r.Recent(ctx)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != maxEvents {
		t.Fatalf("len(events) = %d, want %d", len(events), maxEvents)
	}
	if events[0].PID != 5 {
		t.Fatalf("oldest surviving event PID = %d, want 5 (first 5 trimmed)", events[0].PID)
	}
	if events[len(events)-1].PID != maxEvents+4 {
		t.Fatalf("newest event PID = %d, want %d", events[len(events)-1].PID, maxEvents+4)
	}
}
