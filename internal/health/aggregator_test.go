package health

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"report-job-engine/internal/breaker"
	"report-job-engine/internal/queue"
)

type fakeDB struct{ err error }

func (f fakeDB) Ping(context.Context) error { return f.err }

type rig struct {
	agg   *Aggregator
	mr    *miniredis.Miniredis
	reg   *queue.Registry
	queue *queue.RedisQueue
	brk   *breaker.Breaker
}

func newRig(t *testing.T, db DBPinger) *rig {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	reg := queue.NewRegistry(client, time.Minute)
	q := queue.NewRedisQueue(client, []string{"exports"}, 30*time.Second)
	brk := breaker.New(2, time.Minute)
	return &rig{
		agg:   NewAggregator(client, db, reg, q, brk),
		mr:    mr,
		reg:   reg,
		queue: q,
		brk:   brk,
	}
}

func TestHealthyWithLiveWorker(t *testing.T) {
	r := newRig(t, fakeDB{})
	ctx := context.Background()
	_ = r.reg.Register(ctx, "w1", []string{"export_report"})

	report := r.agg.Check(ctx)
	if report.Status != StatusHealthy {
		t.Fatalf("status = %s, want healthy (%+v)", report.Status, report.Components)
	}
	for _, component := range []string{"redis", "database", "workers", "renderer"} {
		if report.Components[component] != StatusHealthy {
			t.Fatalf("component %s = %s", component, report.Components[component])
		}
	}
}

func TestNoWorkersDegrades(t *testing.T) {
	r := newRig(t, fakeDB{})
	report := r.agg.Check(context.Background())
	if report.Status != StatusDegraded {
		t.Fatalf("status = %s, want degraded with no workers", report.Status)
	}
}

func TestDatabaseDownIsUnhealthy(t *testing.T) {
	r := newRig(t, fakeDB{err: errors.New("connection refused")})
	ctx := context.Background()
	_ = r.reg.Register(ctx, "w1", nil)

	report := r.agg.Check(ctx)
	if report.Status != StatusUnhealthy {
		t.Fatalf("status = %s, want unhealthy", report.Status)
	}
	if report.Components["database"] != StatusUnhealthy {
		t.Fatalf("database component = %s", report.Components["database"])
	}
}

func TestRedisDownIsUnhealthy(t *testing.T) {
	r := newRig(t, fakeDB{})
	r.mr.Close()
	report := r.agg.Check(context.Background())
	if report.Status != StatusUnhealthy {
		t.Fatalf("status = %s, want unhealthy", report.Status)
	}
	if report.Components["redis"] != StatusUnhealthy {
		t.Fatalf("redis component = %s", report.Components["redis"])
	}
}

func TestOpenBreakerDegrades(t *testing.T) {
	r := newRig(t, fakeDB{})
	ctx := context.Background()
	_ = r.reg.Register(ctx, "w1", nil)

	fail := func(context.Context) error { return errors.New("renderer 500") }
	_ = r.brk.Execute(ctx, fail)
	_ = r.brk.Execute(ctx, fail)
	if r.brk.State() != breaker.Open {
		t.Fatal("breaker should be open after hitting the threshold")
	}

	report := r.agg.Check(ctx)
	if report.Status != StatusDegraded {
		t.Fatalf("status = %s, want degraded with open breaker", report.Status)
	}
	if report.Components["renderer"] != StatusDegraded {
		t.Fatalf("renderer component = %s", report.Components["renderer"])
	}
}

func TestNilBreakerOmitsRendererComponent(t *testing.T) {
	r := newRig(t, fakeDB{})
	ctx := context.Background()
	_ = r.reg.Register(ctx, "w1", nil)

	agg := NewAggregator(r.agg.redis, fakeDB{}, r.reg, r.queue, nil)
	report := agg.Check(ctx)
	if _, ok := report.Components["renderer"]; ok {
		t.Fatalf("renderer component should be absent without a breaker: %+v", report.Components)
	}
	if report.Status != StatusHealthy {
		t.Fatalf("status = %s, want healthy", report.Status)
	}
}

func TestQueueStatusThresholds(t *testing.T) {
	r := newRig(t, fakeDB{})
	ctx := context.Background()

	for i := 0; i < 120; i++ {
		_ = r.queue.Enqueue(ctx, fmt.Sprintf("job-%d", i), "exports", time.Now())
	}

	status, err := r.agg.QueueStatus(ctx)
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	if status["exports"].Length != 120 {
		t.Fatalf("length = %d, want 120", status["exports"].Length)
	}
	if status["exports"].Status != "warning" {
		t.Fatalf("status = %s, want warning", status["exports"].Status)
	}
}

func TestWorkerReport(t *testing.T) {
	r := newRig(t, fakeDB{})
	ctx := context.Background()

	_ = r.reg.Register(ctx, "w1", []string{"export_report"})
	_ = r.reg.TaskStarted(ctx, "w1", queue.ActiveTask{JobID: "job-1", Name: "export_report", Queue: "exports"})

	report, err := r.agg.WorkerReport(ctx)
	if err != nil {
		t.Fatalf("worker report: %v", err)
	}
	w, ok := report["w1"]
	if !ok {
		t.Fatalf("missing worker: %+v", report)
	}
	if w.Status != "online" || w.ActiveTasks != 1 {
		t.Fatalf("unexpected worker view: %+v", w)
	}
}
