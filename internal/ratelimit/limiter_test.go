package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewLimiter(client), mr
}

func TestRegisterValidation(t *testing.T) {
	l, _ := newTestLimiter(t)
	if err := l.Register(Rule{Name: "bad", Requests: 0, Window: time.Second}); err == nil {
		t.Fatal("expected error for zero requests")
	}
	if err := l.Register(Rule{Name: "bad", Requests: 5, Window: 0}); err == nil {
		t.Fatal("expected error for zero window")
	}
	if err := l.Register(Rule{Name: "bad", Requests: 5, Window: time.Second, Strategy: "leaky_cauldron"}); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestUnknownRuleAdmits(t *testing.T) {
	l, _ := newTestLimiter(t)
	d, err := l.Check(context.Background(), "nonexistent", "u1")
	if err != nil || !d.Allowed {
		t.Fatalf("unknown rule should admit: %+v err=%v", d, err)
	}
}

func TestSlidingWindowDeniesSixth(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	if err := l.Register(Rule{
		Name: "sl", Requests: 5, Window: time.Minute, Strategy: SlidingWindow, Scope: ScopeUser,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	denied := 0
	for i := 0; i < 6; i++ {
		d, err := l.Check(ctx, "sl", "user-a")
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !d.Allowed {
			denied++
			if d.RetryAfter <= 0 {
				t.Fatalf("denial must carry retry_after, got %s", d.RetryAfter)
			}
		}
	}
	if denied != 1 {
		t.Fatalf("denied = %d, want exactly 1 (the sixth)", denied)
	}

	// A different identifier has its own budget.
	d, _ := l.Check(ctx, "sl", "user-b")
	if !d.Allowed {
		t.Fatal("other identifier should be admitted")
	}
}

func TestSlidingWindowAdmitsAfterWindow(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	// Timestamps come from Go's clock, so a short real window is the only
	// way to cross it in a test.
	_ = l.Register(Rule{Name: "slw", Requests: 2, Window: 100 * time.Millisecond, Strategy: SlidingWindow})

	_, _ = l.Check(ctx, "slw", "u")
	_, _ = l.Check(ctx, "slw", "u")
	if d, _ := l.Check(ctx, "slw", "u"); d.Allowed {
		t.Fatal("third call inside the window should be denied")
	}
	time.Sleep(150 * time.Millisecond)
	if d, _ := l.Check(ctx, "slw", "u"); !d.Allowed {
		t.Fatal("call after the window should be admitted")
	}
}

func TestFixedWindowCounts(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	_ = l.Register(Rule{Name: "fx", Requests: 3, Window: time.Minute, Strategy: FixedWindow})

	for i := 0; i < 3; i++ {
		if d, err := l.Check(ctx, "fx", "u"); err != nil || !d.Allowed {
			t.Fatalf("call %d should be admitted: %+v err=%v", i, d, err)
		}
	}
	d, _ := l.Check(ctx, "fx", "u")
	if d.Allowed {
		t.Fatal("fourth call in the window should be denied")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Fatalf("retry_after = %s, want within the window", d.RetryAfter)
	}
}

func TestTokenBucketCapacity(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	_ = l.Register(Rule{Name: "tb", Requests: 2, Window: time.Minute, Strategy: TokenBucket})

	if d, _ := l.Check(ctx, "tb", "u"); !d.Allowed {
		t.Fatal("first token should be granted")
	}
	if d, _ := l.Check(ctx, "tb", "u"); !d.Allowed {
		t.Fatal("second token should be granted")
	}
	d, _ := l.Check(ctx, "tb", "u")
	if d.Allowed {
		t.Fatal("bucket should be empty")
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("denial must carry retry_after, got %s", d.RetryAfter)
	}
}

func TestAdaptiveTightensUnderPressure(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	_ = l.Register(Rule{Name: "ad", Requests: 4, Window: time.Minute, Strategy: Adaptive})

	allowed := 0
	for i := 0; i < 12; i++ {
		if d, _ := l.Check(ctx, "ad", "u"); d.Allowed {
			allowed++
		}
	}
	if allowed == 0 || allowed == 12 {
		t.Fatalf("allowed = %d, want partial admission under pressure", allowed)
	}
}

func TestBurstCapApplies(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	_ = l.Register(Rule{
		Name: "bu", Requests: 100, Window: time.Minute, Strategy: FixedWindow,
		BurstRequests: 2, BurstWindow: time.Second,
	})

	_, _ = l.Check(ctx, "bu", "u")
	_, _ = l.Check(ctx, "bu", "u")
	d, _ := l.Check(ctx, "bu", "u")
	if d.Allowed {
		t.Fatal("burst cap should deny the third call despite main budget")
	}
}

func TestFailsOpenWhenStoreDown(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()
	_ = l.Register(Rule{Name: "fo", Requests: 1, Window: time.Minute, Strategy: SlidingWindow})

	mr.Close()
	d, err := l.Check(ctx, "fo", "u")
	if err == nil {
		t.Fatal("expected store error to surface")
	}
	if !d.Allowed {
		t.Fatal("limiter must fail open when the store is unreachable")
	}
}

func TestDeferredMarkers(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	if err := l.MarkDeferred(ctx, "job_submission", "job-9"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	ok, err := l.IsDeferred(ctx, "job_submission", "job-9")
	if err != nil || !ok {
		t.Fatalf("marker missing: ok=%v err=%v", ok, err)
	}
	if err := l.ClearDeferred(ctx, "job_submission", "job-9"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	ok, _ = l.IsDeferred(ctx, "job_submission", "job-9")
	if ok {
		t.Fatal("marker should be gone after clear")
	}
}
