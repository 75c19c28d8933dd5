package health

import (
	"context"

	"github.com/redis/go-redis/v9"

	"report-job-engine/internal/breaker"
	"report-job-engine/internal/queue"
)

// Component and overall statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Queue backlog thresholds.
const (
	queueWarnAt     = 100
	queueCriticalAt = 500
)

// Report is the merged health view consumed by operational endpoints.
type Report struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// QueueHealth is the per-queue backlog view.
type QueueHealth struct {
	Length int64  `json:"length"`
	Status string `json:"status"`
}

// WorkerStatus is the per-worker operational view.
type WorkerStatus struct {
	Status            string             `json:"status"`
	TotalProcessed    int64              `json:"total_processed"`
	ActiveTasks       int                `json:"active_tasks"`
	RegisteredTasks   []string           `json:"registered_tasks"`
	ActiveTaskDetails []queue.ActiveTask `json:"active_task_details"`
}

// DBPinger is the slice of the job store the aggregator needs.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// Aggregator polls the store, the broker, the worker registry, and guarded
// integrations to produce a unified health snapshot.
type Aggregator struct {
	redis         redis.UniversalClient
	db            DBPinger
	registry      *queue.Registry
	queues        *queue.RedisQueue
	renderBreaker *breaker.Breaker
}

// NewAggregator builds the aggregator. renderBreaker may be nil for
// processes that never call the renderer; the renderer component is then
// omitted from the report rather than shown as permanently healthy.
func NewAggregator(rdb redis.UniversalClient, db DBPinger, reg *queue.Registry, q *queue.RedisQueue, renderBreaker *breaker.Breaker) *Aggregator {
	return &Aggregator{redis: rdb, db: db, registry: reg, queues: q, renderBreaker: renderBreaker}
}

// Check combines component states into one status. Redis or database
// unreachable means unhealthy: the job pipeline cannot accept work. A
// missing worker or an open renderer breaker degrades but does not take
// the pipeline down.
func (a *Aggregator) Check(ctx context.Context) Report {
	components := make(map[string]string)
	unhealthy := false
	degraded := false

	if err := a.redis.Ping(ctx).Err(); err != nil {
		components["redis"] = StatusUnhealthy
		unhealthy = true
	} else {
		components["redis"] = StatusHealthy
	}

	if a.db != nil {
		if err := a.db.Ping(ctx); err != nil {
			components["database"] = StatusUnhealthy
			unhealthy = true
		} else {
			components["database"] = StatusHealthy
		}
	}

	components["workers"] = a.workerComponent(ctx)
	if components["workers"] != StatusHealthy {
		degraded = true
	}

	if a.renderBreaker != nil {
		if a.renderBreaker.State() == breaker.Open {
			components["renderer"] = StatusDegraded
			degraded = true
		} else {
			components["renderer"] = StatusHealthy
		}
	}

	status := StatusHealthy
	if degraded {
		status = StatusDegraded
	}
	if unhealthy {
		status = StatusUnhealthy
	}
	return Report{Status: status, Components: components}
}

func (a *Aggregator) workerComponent(ctx context.Context) string {
	workers, err := a.registry.Workers(ctx)
	if err != nil || len(workers) == 0 {
		return StatusUnhealthy
	}
	for _, w := range workers {
		if a.registry.Alive(w) {
			return StatusHealthy
		}
	}
	return StatusDegraded
}

// QueueStatus maps queue names to backlog length and a threshold status.
func (a *Aggregator) QueueStatus(ctx context.Context) (map[string]QueueHealth, error) {
	depths, err := a.queues.Depths(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]QueueHealth, len(depths))
	for name, depth := range depths {
		status := StatusHealthy
		switch {
		case depth >= queueCriticalAt:
			status = "critical"
		case depth >= queueWarnAt:
			status = "warning"
		}
		out[name] = QueueHealth{Length: depth, Status: status}
	}
	return out, nil
}

// WorkerReport maps worker ids to their operational view.
func (a *Aggregator) WorkerReport(ctx context.Context) (map[string]WorkerStatus, error) {
	workers, err := a.registry.Workers(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]WorkerStatus, len(workers))
	for _, w := range workers {
		status := "online"
		if !a.registry.Alive(w) {
			status = "offline"
		}
		out[w.WorkerID] = WorkerStatus{
			Status:            status,
			TotalProcessed:    w.TotalProcessed,
			ActiveTasks:       len(w.ActiveTasks),
			RegisteredTasks:   w.RegisteredTasks,
			ActiveTaskDetails: w.ActiveTasks,
		}
	}
	return out, nil
}
