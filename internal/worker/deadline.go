package worker

import (
	"context"
	"time"
)

type softDeadlineKey struct{}

// withSoftDeadline attaches the cooperative wind-down deadline to the job
// context. The hard limit is enforced by context.WithTimeout; the soft
// limit is advisory and only observed at safe points the handler chooses.
func withSoftDeadline(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, softDeadlineKey{}, t)
}

// SoftDeadline returns the cooperative deadline for the running job, if one
// was set.
func SoftDeadline(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(softDeadlineKey{}).(time.Time)
	return t, ok
}

// SoftExpired reports whether the job should start winding down. Handlers
// check it between units of work and return early with a partial result or
// an error.
func SoftExpired(ctx context.Context) bool {
	t, ok := SoftDeadline(ctx)
	return ok && time.Now().After(t)
}
