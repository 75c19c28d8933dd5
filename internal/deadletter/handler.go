package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const queueKey = "dead_letter_queue"

// Entry records one job that exhausted its retry budget. Entries carry
// enough context (name, payload, error, timestamp) for manual replay.
type Entry struct {
	JobID    string         `json:"job_id"`
	Name     string         `json:"name"`
	Queue    string         `json:"queue"`
	Payload  map[string]any `json:"payload"`
	Error    string         `json:"error"`
	FailedAt time.Time      `json:"failed_at"`
}

// Handler appends exhausted jobs to a persistent Redis list. Duplicate
// entries for the same job id are acceptable; dropped entries are not, so
// Handle never swallows a failed append.
type Handler struct {
	client redis.UniversalClient
}

func NewHandler(client redis.UniversalClient) *Handler {
	return &Handler{client: client}
}

// Handle appends an entry and emits an error-severity log record with the
// same payload.
func (h *Handler) Handle(ctx context.Context, entry Entry) error {
	if entry.FailedAt.IsZero() {
		entry.FailedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead-letter entry: %w", err)
	}
	if err := h.client.RPush(ctx, queueKey, raw).Err(); err != nil {
		return fmt.Errorf("append dead-letter entry: %w", err)
	}
	log.Printf("[ERROR] dead-letter job=%s name=%s queue=%s error=%q", entry.JobID, entry.Name, entry.Queue, entry.Error)
	return nil
}

// Peek returns up to count oldest entries without removing them.
func (h *Handler) Peek(ctx context.Context, count int64) ([]Entry, error) {
	raws, err := h.client.LRange(ctx, queueKey, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead-letter queue: %w", err)
	}
	out := make([]Entry, 0, len(raws))
	for _, raw := range raws {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Len returns the number of entries currently queued.
func (h *Handler) Len(ctx context.Context) (int64, error) {
	return h.client.LLen(ctx, queueKey).Result()
}

// Take removes and returns the entry for jobID, if present. Operator
// tooling uses it to replay a dead-lettered job after fixing the cause.
func (h *Handler) Take(ctx context.Context, jobID string) (*Entry, error) {
	raws, err := h.client.LRange(ctx, queueKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead-letter queue: %w", err)
	}
	for _, raw := range raws {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		if e.JobID == jobID {
			if err := h.client.LRem(ctx, queueKey, 1, raw).Err(); err != nil {
				return nil, fmt.Errorf("remove dead-letter entry: %w", err)
			}
			return &e, nil
		}
	}
	return nil, nil
}
