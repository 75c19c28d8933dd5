package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deferred-request markers. When a caller answers a deny by enqueueing the
// request as a delayed job instead of returning 429, it records a marker
// keyed by the new job id so the pipeline can tell a deferred request from
// a fresh submission.

const deferTTL = time.Hour

func deferKey(service, jobID string) string {
	return fmt.Sprintf("queue:%s:%s", service, jobID)
}

// MarkDeferred records that jobID was queued on behalf of a rate-limited
// request to the named service.
func (l *Limiter) MarkDeferred(ctx context.Context, service, jobID string) error {
	return l.client.Set(ctx, deferKey(service, jobID), "queued", deferTTL).Err()
}

// IsDeferred reports whether jobID carries a deferred-request marker.
func (l *Limiter) IsDeferred(ctx context.Context, service, jobID string) (bool, error) {
	err := l.client.Get(ctx, deferKey(service, jobID)).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read deferred marker: %w", err)
	}
	return true, nil
}

// ClearDeferred removes the marker once the deferred job has run.
func (l *Limiter) ClearDeferred(ctx context.Context, service, jobID string) error {
	return l.client.Del(ctx, deferKey(service, jobID)).Err()
}
