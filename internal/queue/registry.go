package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Worker registry. Workers announce themselves in a heartbeat sorted set
// and keep per-worker hashes with active-task details so any process can
// answer "who is alive and what are they doing" without broker
// introspection.

const (
	heartbeatKey   = "workers:heartbeats"
	workerPrefix   = "worker:"
	activeSuffix   = ":active"
	registrySuffix = ":info"
)

// ActiveTask describes one in-flight job on a worker.
type ActiveTask struct {
	JobID     string    `json:"job_id"`
	Name      string    `json:"name"`
	Queue     string    `json:"queue"`
	StartedAt time.Time `json:"started_at"`
}

// WorkerInfo is the registry view of one worker.
type WorkerInfo struct {
	WorkerID        string       `json:"worker_id"`
	LastHeartbeat   time.Time    `json:"last_heartbeat"`
	TotalProcessed  int64        `json:"total_processed"`
	RegisteredTasks []string     `json:"registered_tasks"`
	ActiveTasks     []ActiveTask `json:"active_tasks"`
}

// Registry tracks live workers in Redis.
type Registry struct {
	client    redis.UniversalClient
	staleness time.Duration
}

// NewRegistry builds a registry. Workers older than staleness are reported
// as inactive.
func NewRegistry(client redis.UniversalClient, staleness time.Duration) *Registry {
	if staleness == 0 {
		staleness = time.Minute
	}
	return &Registry{client: client, staleness: staleness}
}

// Register announces a worker and the job names it can run.
func (r *Registry) Register(ctx context.Context, workerID string, taskNames []string) error {
	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, heartbeatKey, redis.Z{Score: float64(time.Now().UnixMilli()), Member: workerID})
	pipe.HSet(ctx, workerPrefix+workerID+registrySuffix, "registered_tasks", strings.Join(taskNames, ","))
	_, err := pipe.Exec(ctx)
	return err
}

// Heartbeat refreshes the worker's liveness timestamp.
func (r *Registry) Heartbeat(ctx context.Context, workerID string) error {
	return r.client.ZAdd(ctx, heartbeatKey, redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: workerID,
	}).Err()
}

// TaskStarted records an active task on the worker.
func (r *Registry) TaskStarted(ctx context.Context, workerID string, task ActiveTask) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal active task: %w", err)
	}
	return r.client.HSet(ctx, workerPrefix+workerID+activeSuffix, task.JobID, raw).Err()
}

// TaskFinished clears the active-task record and bumps the processed
// counter atomically.
func (r *Registry) TaskFinished(ctx context.Context, workerID, jobID string) error {
	pipe := r.client.TxPipeline()
	pipe.HDel(ctx, workerPrefix+workerID+activeSuffix, jobID)
	pipe.HIncrBy(ctx, workerPrefix+workerID+registrySuffix, "total_processed", 1)
	_, err := pipe.Exec(ctx)
	return err
}

// Workers returns the registry view of every known worker.
func (r *Registry) Workers(ctx context.Context) ([]WorkerInfo, error) {
	members, err := r.client.ZRangeWithScores(ctx, heartbeatKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read worker heartbeats: %w", err)
	}
	out := make([]WorkerInfo, 0, len(members))
	for _, m := range members {
		workerID, _ := m.Member.(string)
		info := WorkerInfo{
			WorkerID:      workerID,
			LastHeartbeat: time.UnixMilli(int64(m.Score)),
		}
		fields, err := r.client.HGetAll(ctx, workerPrefix+workerID+registrySuffix).Result()
		if err == nil {
			if v := fields["registered_tasks"]; v != "" {
				info.RegisteredTasks = strings.Split(v, ",")
			}
			fmt.Sscanf(fields["total_processed"], "%d", &info.TotalProcessed)
		}
		active, err := r.client.HGetAll(ctx, workerPrefix+workerID+activeSuffix).Result()
		if err == nil {
			for _, raw := range active {
				var task ActiveTask
				if json.Unmarshal([]byte(raw), &task) == nil {
					info.ActiveTasks = append(info.ActiveTasks, task)
				}
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// Alive reports whether a worker heartbeat is fresh.
func (r *Registry) Alive(info WorkerInfo) bool {
	return time.Since(info.LastHeartbeat) < r.staleness
}
