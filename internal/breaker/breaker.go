package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned when a call is rejected because the breaker is open.
// It is distinct from any error the wrapped call may return, so callers can
// tell "the dependency is being avoided" apart from "the call failed".
var ErrOpen = errors.New("breaker: circuit open")

// State of the circuit.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Breaker guards a single external dependency. It is safe for concurrent
// use; a mutex keeps every transition single-writer so no two calls are
// evaluated in contradictory states.
type Breaker struct {
	threshold int
	recovery  time.Duration
	now       func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	trialling   bool
}

// New builds a closed breaker that opens after threshold consecutive
// failures and probes again once recovery has elapsed.
func New(threshold int, recovery time.Duration) *Breaker {
	return &Breaker{
		threshold: threshold,
		recovery:  recovery,
		now:       time.Now,
		state:     Closed,
	}
}

// State returns the current state without mutating it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn under the breaker's admission rules. While open it fails
// fast with ErrOpen until the recovery timeout elapses, then admits exactly
// one trial call; the trial's outcome decides between closed and open.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err == nil)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.now().Sub(b.lastFailure) > b.recovery {
			b.state = HalfOpen
			b.trialling = true
			return nil
		}
		return ErrOpen
	case HalfOpen:
		// One trial call at a time.
		if b.trialling {
			return ErrOpen
		}
		b.trialling = true
		return nil
	}
	return ErrOpen
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		b.state = Closed
		b.failures = 0
		b.trialling = false
		return
	}
	b.lastFailure = b.now()
	if b.state == HalfOpen {
		b.state = Open
		b.trialling = false
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.state = Open
	}
}
