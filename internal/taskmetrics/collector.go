package taskmetrics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Per-job record statuses.
const (
	StatusStarted = "STARTED"
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
)

const (
	recordPrefix = "task_metrics:"
	latestKey    = "celery_metrics:latest"
	historyKey   = "celery_metrics:history"
)

// Record captures timing and outcome for one job execution.
type Record struct {
	TaskID    string     `json:"task_id"`
	Name      string     `json:"name"`
	Queue     string     `json:"queue"`
	Status    string     `json:"status"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Duration  float64    `json:"duration,omitempty"` // seconds
	Error     string     `json:"error,omitempty"`
}

// WorkerSample is one worker's contribution to a snapshot.
type WorkerSample struct {
	WorkerID       string `json:"worker_id"`
	ActiveTasks    int    `json:"active_tasks"`
	TotalProcessed int64  `json:"total_processed"`
}

// Snapshot is one periodic aggregation of queue and worker state.
type Snapshot struct {
	Timestamp    time.Time        `json:"timestamp"`
	QueueLengths map[string]int64 `json:"queue_lengths"`
	Workers      []WorkerSample   `json:"workers"`
}

// Collector stores per-job metrics records and the rolling snapshot history
// in Redis.
type Collector struct {
	client     redis.UniversalClient
	ttl        time.Duration
	historyMax int64
}

// NewCollector builds a collector. ttl bounds record lifetime (typically 24
// hours); historyMax bounds the snapshot history (typically 288 samples,
// one day at five-minute intervals).
func NewCollector(client redis.UniversalClient, ttl time.Duration, historyMax int) *Collector {
	if historyMax <= 0 {
		historyMax = 288
	}
	return &Collector{client: client, ttl: ttl, historyMax: int64(historyMax)}
}

func recordKey(jobID string) string {
	return recordPrefix + jobID
}

// RecordStart writes a STARTED record for the job.
func (c *Collector) RecordStart(ctx context.Context, jobID, name, queue string) error {
	rec := Record{
		TaskID:    jobID,
		Name:      name,
		Queue:     queue,
		Status:    StatusStarted,
		StartTime: time.Now().UTC(),
	}
	return c.write(ctx, rec)
}

// RecordCompletion finalizes the record: it computes duration from the
// stored start time and rewrites the record as SUCCESS or FAILURE. A
// completion without a prior start is recorded with zero duration rather
// than dropped.
func (c *Collector) RecordCompletion(ctx context.Context, jobID string, success bool, jobErr string) error {
	rec, err := c.Get(ctx, jobID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if rec == nil {
		rec = &Record{TaskID: jobID, StartTime: now}
	}
	rec.EndTime = &now
	rec.Duration = now.Sub(rec.StartTime).Seconds()
	if success {
		rec.Status = StatusSuccess
	} else {
		rec.Status = StatusFailure
		rec.Error = jobErr
	}
	return c.write(ctx, *rec)
}

// Get returns the record for jobID, or nil when none exists.
func (c *Collector) Get(ctx context.Context, jobID string) (*Record, error) {
	raw, err := c.client.Get(ctx, recordKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task metrics: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal task metrics: %w", err)
	}
	return &rec, nil
}

func (c *Collector) write(ctx context.Context, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal task metrics: %w", err)
	}
	return c.client.Set(ctx, recordKey(rec.TaskID), raw, c.ttl).Err()
}

// PublishSnapshot appends a snapshot to the bounded history and replaces the
// latest marker. Trimming happens in the same pipeline so the history never
// grows past its horizon.
func (c *Collector) PublishSnapshot(ctx context.Context, snap Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, latestKey, raw, 0)
	pipe.LPush(ctx, historyKey, raw)
	pipe.LTrim(ctx, historyKey, 0, c.historyMax-1)
	_, err = pipe.Exec(ctx)
	return err
}

// RunSnapshotLoop publishes a snapshot from source every interval until the
// context is cancelled. Collection failures are logged by the caller via
// the returned error from source; a failed sample is skipped, not retried.
func (c *Collector) RunSnapshotLoop(ctx context.Context, interval time.Duration, source func(context.Context) (Snapshot, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		snap, err := source(ctx)
		if err != nil {
			continue
		}
		snap.Timestamp = time.Now().UTC()
		_ = c.PublishSnapshot(ctx, snap)
	}
}

// Latest returns the most recent snapshot, or nil when none was published.
func (c *Collector) Latest(ctx context.Context) (*Snapshot, error) {
	raw, err := c.client.Get(ctx, latestKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// History returns up to n recent snapshots, newest first.
func (c *Collector) History(ctx context.Context, n int64) ([]Snapshot, error) {
	if n <= 0 || n > c.historyMax {
		n = c.historyMax
	}
	raws, err := c.client.LRange(ctx, historyKey, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read snapshot history: %w", err)
	}
	out := make([]Snapshot, 0, len(raws))
	for _, raw := range raws {
		var snap Snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}
