package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, visibility time.Duration) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisQueue(client, []string{"exports", "default"}, visibility)
}

func TestEnqueueDequeue(t *testing.T) {
	q := newTestQueue(t, 30*time.Second)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "job-1", "exports", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	id, err := q.DequeueWithLease(ctx, "exports")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if id != "job-1" {
		t.Fatalf("dequeued %q, want job-1", id)
	}
	// Queue is empty now; dequeue reports no job rather than an error.
	id, err = q.DequeueWithLease(ctx, "exports")
	if err != nil || id != "" {
		t.Fatalf("expected empty dequeue, got %q err=%v", id, err)
	}
}

func TestScheduledJobsPromote(t *testing.T) {
	q := newTestQueue(t, 30*time.Second)
	ctx := context.Background()

	runAt := time.Now().Add(50 * time.Millisecond)
	if err := q.Enqueue(ctx, "job-2", "exports", runAt); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Not due yet.
	if n, _ := q.PromoteScheduled(ctx, time.Now(), 10); n != 0 {
		t.Fatalf("promoted %d early", n)
	}
	if id, _ := q.DequeueWithLease(ctx, "exports"); id != "" {
		t.Fatalf("scheduled job leaked into ready queue: %q", id)
	}

	n, err := q.PromoteScheduled(ctx, runAt.Add(time.Millisecond), 10)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 1 {
		t.Fatalf("promoted %d, want 1", n)
	}
	if id, _ := q.DequeueWithLease(ctx, "exports"); id != "job-2" {
		t.Fatalf("dequeued %q after promotion", id)
	}
}

func TestExpiredLeaseRequeues(t *testing.T) {
	q := newTestQueue(t, 10*time.Millisecond)
	ctx := context.Background()

	_ = q.Enqueue(ctx, "job-3", "exports", time.Now())
	if id, _ := q.DequeueWithLease(ctx, "exports"); id != "job-3" {
		t.Fatal("expected to lease job-3")
	}

	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(ids) != 1 || ids[0] != "job-3" {
		t.Fatalf("reclaimed %v, want [job-3]", ids)
	}
	if id, _ := q.DequeueWithLease(ctx, "exports"); id != "job-3" {
		t.Fatal("reclaimed job should be leaseable again")
	}
}

func TestAckClearsLease(t *testing.T) {
	q := newTestQueue(t, 10*time.Millisecond)
	ctx := context.Background()

	_ = q.Enqueue(ctx, "job-4", "exports", time.Now())
	_, _ = q.DequeueWithLease(ctx, "exports")
	if err := q.Ack(ctx, "job-4"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	ids, _ := q.RequeueExpired(ctx, time.Now().Add(time.Second), 10)
	if len(ids) != 0 {
		t.Fatalf("acked job was reclaimed: %v", ids)
	}
}

func TestCancelRemovesEverywhere(t *testing.T) {
	q := newTestQueue(t, 30*time.Second)
	ctx := context.Background()

	_ = q.Enqueue(ctx, "ready-job", "exports", time.Now())
	_ = q.Schedule(ctx, "sched-job", "exports", time.Now().Add(time.Hour))

	if err := q.Cancel(ctx, "ready-job"); err != nil {
		t.Fatalf("cancel ready: %v", err)
	}
	if err := q.Cancel(ctx, "sched-job"); err != nil {
		t.Fatalf("cancel scheduled: %v", err)
	}
	if id, _ := q.DequeueWithLease(ctx, "exports"); id != "" {
		t.Fatalf("cancelled job still dequeued: %q", id)
	}
	if n, _ := q.PromoteScheduled(ctx, time.Now().Add(2*time.Hour), 10); n != 0 {
		t.Fatalf("cancelled scheduled job promoted: %d", n)
	}
}

func TestDepths(t *testing.T) {
	q := newTestQueue(t, 30*time.Second)
	ctx := context.Background()

	_ = q.Enqueue(ctx, "a", "exports", time.Now())
	_ = q.Enqueue(ctx, "b", "exports", time.Now())
	_ = q.Enqueue(ctx, "c", "default", time.Now())

	depths, err := q.Depths(ctx)
	if err != nil {
		t.Fatalf("depths: %v", err)
	}
	if depths["exports"] != 2 || depths["default"] != 1 {
		t.Fatalf("depths = %v", depths)
	}
}
