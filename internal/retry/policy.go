package retry

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy computes backoff delays for failed job attempts. Attempt numbers
// start at zero. How many retries a job gets is the job's own max_retries;
// the policy only decides how long to wait between them.
type Policy struct {
	BaseCountdown time.Duration
}

// Delay returns the backoff before re-running the given attempt:
// base * 2^attempt, stretched by a jitter factor drawn uniformly from
// [1.1, 1.3] so synchronized retry storms spread out. The result is always
// at least BaseCountdown and strictly increasing across attempts.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	exp := float64(p.BaseCountdown) * math.Pow(2, float64(attempt))
	jitter := 1.1 + rand.Float64()*0.2
	d := time.Duration(exp * jitter)
	if d < p.BaseCountdown {
		d = p.BaseCountdown
	}
	return d
}

// fatalError marks an error that must skip the retry budget and go straight
// to the dead-letter path.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal wraps err so the engine treats it as non-retryable. Job bodies use
// this to reject inputs that can never succeed, for example a malformed
// payload or a revoked upstream resource.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err carries the non-retryable marker.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
