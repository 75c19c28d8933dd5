package taskmetrics

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCollector(t *testing.T, historyMax int) *Collector {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewCollector(client, 24*time.Hour, historyMax)
}

func TestRecordLifecycle(t *testing.T) {
	c := newTestCollector(t, 10)
	ctx := context.Background()

	if err := c.RecordStart(ctx, "job-1", "export_report", "exports"); err != nil {
		t.Fatalf("record start: %v", err)
	}
	rec, err := c.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != StatusStarted || rec.EndTime != nil {
		t.Fatalf("unexpected record after start: %+v", rec)
	}

	time.Sleep(5 * time.Millisecond)
	if err := c.RecordCompletion(ctx, "job-1", true, ""); err != nil {
		t.Fatalf("record completion: %v", err)
	}
	rec, _ = c.Get(ctx, "job-1")
	if rec.Status != StatusSuccess {
		t.Fatalf("status = %s, want %s", rec.Status, StatusSuccess)
	}
	if rec.Duration <= 0 {
		t.Fatalf("duration = %f, want > 0", rec.Duration)
	}
	if rec.EndTime == nil {
		t.Fatal("end time not set")
	}
}

func TestRecordFailureKeepsError(t *testing.T) {
	c := newTestCollector(t, 10)
	ctx := context.Background()

	_ = c.RecordStart(ctx, "job-2", "generate_report", "reports")
	if err := c.RecordCompletion(ctx, "job-2", false, "renderer exploded"); err != nil {
		t.Fatalf("record completion: %v", err)
	}
	rec, _ := c.Get(ctx, "job-2")
	if rec.Status != StatusFailure || rec.Error != "renderer exploded" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestCompletionWithoutStart(t *testing.T) {
	c := newTestCollector(t, 10)
	ctx := context.Background()

	if err := c.RecordCompletion(ctx, "job-3", false, "lost start"); err != nil {
		t.Fatalf("completion without start should still record: %v", err)
	}
	rec, _ := c.Get(ctx, "job-3")
	if rec == nil || rec.Status != StatusFailure {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestSnapshotHistoryBounded(t *testing.T) {
	c := newTestCollector(t, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		snap := Snapshot{
			Timestamp:    time.Now().UTC(),
			QueueLengths: map[string]int64{"exports": int64(i)},
		}
		if err := c.PublishSnapshot(ctx, snap); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	history, err := c.History(ctx, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	// Newest first.
	if history[0].QueueLengths["exports"] != 4 {
		t.Fatalf("latest history entry = %+v", history[0])
	}

	latest, err := c.Latest(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil || latest.QueueLengths["exports"] != 4 {
		t.Fatalf("latest = %+v", latest)
	}
}
