package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Sentinel progress values. Once written they latch: a later in-progress
// percentage for the same job must not overwrite them.
const (
	SentinelFailed    = -1
	SentinelCancelled = -2
)

const keyPrefix = "task_progress:"

// Record is the live progress of a single job.
type Record struct {
	TaskID    string         `json:"task_id"`
	Progress  int            `json:"progress"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Tracker stores per-job progress records in Redis with a refresh-on-write
// TTL.
type Tracker struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewTracker builds a tracker. ttl bounds how long a record outlives its
// last update (typically one hour).
func NewTracker(client redis.UniversalClient, ttl time.Duration) *Tracker {
	return &Tracker{client: client, ttl: ttl}
}

func key(jobID string) string {
	return keyPrefix + jobID
}

// Update writes the progress record for jobID. The terminal-sentinel latch
// is enforced in a Lua script so the check and the write are atomic even
// when a late worker races a cancellation.
func (t *Tracker) Update(ctx context.Context, jobID string, pct int, message string, metadata map[string]any) error {
	rec := Record{
		TaskID:    jobID,
		Progress:  pct,
		Message:   message,
		Metadata:  metadata,
		UpdatedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	return updateScript.Run(ctx, t.client,
		[]string{key(jobID)},
		raw, pct, t.ttl.Milliseconds(),
	).Err()
}

// Get returns the record for jobID, or nil when none exists.
func (t *Tracker) Get(ctx context.Context, jobID string) (*Record, error) {
	raw, err := t.client.Get(ctx, key(jobID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get progress: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal progress: %w", err)
	}
	return &rec, nil
}

// Clear removes the record. Calling it for a missing record is a no-op.
func (t *Tracker) Clear(ctx context.Context, jobID string) error {
	return t.client.Del(ctx, key(jobID)).Err()
}

// updateScript refuses to overwrite a latched sentinel (-1 or -2) with an
// in-progress percentage. Sentinels may overwrite anything.
var updateScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
local incoming = tonumber(ARGV[2])
if existing and incoming >= 0 then
  local prev = cjson.decode(existing)
  if prev['progress'] and tonumber(prev['progress']) < 0 then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', tonumber(ARGV[3]))
return 1
`)
