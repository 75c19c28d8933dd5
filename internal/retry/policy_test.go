package retry

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDelayBounds(t *testing.T) {
	p := Policy{BaseCountdown: time.Second}
	for attempt := 0; attempt < 5; attempt++ {
		d := p.Delay(attempt)
		lower := time.Duration(float64(time.Second) * float64(int(1)<<attempt))
		upper := time.Duration(float64(lower) * 1.3)
		if d < lower || d > upper {
			t.Errorf("attempt %d: delay %s outside [%s, %s]", attempt, d, lower, upper)
		}
	}
}

func TestDelayStrictlyIncreasing(t *testing.T) {
	p := Policy{BaseCountdown: 2 * time.Second}
	prev := time.Duration(0)
	for attempt := 0; attempt < 6; attempt++ {
		d := p.Delay(attempt)
		if d <= prev {
			t.Fatalf("attempt %d: delay %s not greater than previous %s", attempt, d, prev)
		}
		prev = d
	}
}

func TestDelayNeverBelowBase(t *testing.T) {
	p := Policy{BaseCountdown: time.Second}
	if d := p.Delay(-3); d < time.Second {
		t.Fatalf("delay %s below base", d)
	}
}

func TestFatalMarker(t *testing.T) {
	base := errors.New("bad payload")
	err := Fatal(base)
	if !IsFatal(err) {
		t.Fatal("expected fatal marker")
	}
	if !errors.Is(err, base) {
		t.Fatal("fatal should unwrap to the original error")
	}
	wrapped := fmt.Errorf("handler: %w", err)
	if !IsFatal(wrapped) {
		t.Fatal("fatal marker should survive wrapping")
	}
	if IsFatal(base) {
		t.Fatal("plain error must not be fatal")
	}
	if Fatal(nil) != nil {
		t.Fatal("Fatal(nil) should be nil")
	}
}
