package worker

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"report-job-engine/internal/deadletter"
	"report-job-engine/internal/models"
	"report-job-engine/internal/progress"
	"report-job-engine/internal/queue"
	"report-job-engine/internal/retry"
	"report-job-engine/internal/router"
	"report-job-engine/internal/taskmetrics"
	"report-job-engine/internal/telemetry"
)

// Handler executes a job body and returns an optional result reference.
type Handler func(ctx context.Context, job models.Job) (string, error)

// JobStore is the slice of the durable store the processor needs. Tests
// substitute an in-memory implementation.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkStarted(ctx context.Context, id, workerID string) error
	MarkSuccess(ctx context.Context, id, result string) error
	MarkFailure(ctx context.Context, id, lastError string) error
	ScheduleRetry(ctx context.Context, id string, retryCount int, nextRun time.Time, lastErr string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Processor drives the worker execution loops, one per queue, honoring each
// queue's prefetch and time limits.
type Processor struct {
	table        *router.Table
	queue        *queue.RedisQueue
	store        JobStore
	tracker      *progress.Tracker
	collector    *taskmetrics.Collector
	deadLetters  *deadletter.Handler
	registry     *queue.Registry
	policy       retry.Policy
	workerID     string
	pollInterval time.Duration
	heartbeat    time.Duration
	batchSize    int64

	handlers map[string]Handler
}

// Params collects the processor's collaborators.
type Params struct {
	Table        *router.Table
	Queue        *queue.RedisQueue
	Store        JobStore
	Tracker      *progress.Tracker
	Collector    *taskmetrics.Collector
	DeadLetters  *deadletter.Handler
	Registry     *queue.Registry
	Policy       retry.Policy
	WorkerID     string
	PollInterval time.Duration
	Heartbeat    time.Duration
	BatchSize    int64
}

func NewProcessor(p Params) *Processor {
	if p.PollInterval == 0 {
		p.PollInterval = time.Second
	}
	if p.Heartbeat == 0 {
		p.Heartbeat = 10 * time.Second
	}
	if p.BatchSize == 0 {
		p.BatchSize = 100
	}
	return &Processor{
		table:        p.Table,
		queue:        p.Queue,
		store:        p.Store,
		tracker:      p.Tracker,
		collector:    p.Collector,
		deadLetters:  p.DeadLetters,
		registry:     p.Registry,
		policy:       p.Policy,
		workerID:     p.WorkerID,
		pollInterval: p.PollInterval,
		heartbeat:    p.Heartbeat,
		batchSize:    p.BatchSize,
		handlers:     make(map[string]Handler),
	}
}

// RegisterHandler binds a handler to a job name.
func (p *Processor) RegisterHandler(jobName string, handler Handler) {
	if jobName == "" || handler == nil {
		return
	}
	p.handlers[jobName] = handler
}

// Run starts the worker loops until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	names := make([]string, 0, len(p.handlers))
	for name := range p.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	if err := p.registry.Register(ctx, p.workerID, names); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.heartbeatLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		p.janitorLoop(ctx)
	}()

	for _, name := range p.table.Names() {
		q := p.table.Queue(name)
		wg.Add(1)
		go func(q router.Queue) {
			defer wg.Done()
			p.queueLoop(ctx, q)
		}(q)
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (p *Processor) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.registry.Heartbeat(ctx, p.workerID); err != nil {
				log.Printf("worker %s: heartbeat: %v", p.workerID, err)
			}
		}
	}
}

// janitorLoop promotes due scheduled jobs, reclaims expired leases, and
// refreshes queue depth gauges.
func (p *Processor) janitorLoop(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := p.queue.PromoteScheduled(ctx, time.Now(), p.batchSize); err != nil && ctx.Err() == nil {
			log.Printf("worker %s: promote scheduled: %v", p.workerID, err)
		}
		if reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), p.batchSize); len(reclaimed) > 0 {
			log.Printf("worker %s: reclaimed %d expired leases", p.workerID, len(reclaimed))
		}
		if depths, err := p.queue.Depths(ctx); err == nil {
			for name, depth := range depths {
				telemetry.QueueDepthGauge.WithLabelValues(name).Set(float64(depth))
			}
		}
	}
}

// queueLoop pulls from one queue. A buffered channel caps the number of
// unacked jobs this worker holds at the queue's prefetch limit.
func (p *Processor) queueLoop(ctx context.Context, q router.Queue) {
	slots := make(chan struct{}, q.Prefetch)
	for {
		select {
		case <-ctx.Done():
			return
		case slots <- struct{}{}:
		}

		jobID, err := p.queue.DequeueWithLease(ctx, q.Name)
		if err != nil || jobID == "" {
			<-slots
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollInterval):
			}
			continue
		}

		go func(jobID string) {
			defer func() { <-slots }()
			p.execute(ctx, q, jobID)
		}(jobID)
	}
}

// execute runs one leased job through its full lifecycle.
func (p *Processor) execute(ctx context.Context, q router.Queue, jobID string) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		// No durable record; nothing to run or retry.
		log.Printf("worker %s: job %s: %v", p.workerID, jobID, err)
		_ = p.queue.Ack(ctx, jobID)
		return
	}
	if job.State == models.StateRevoked {
		p.finishRevoked(ctx, job)
		return
	}

	_ = p.store.MarkStarted(ctx, job.ID, p.workerID)
	_ = p.registry.TaskStarted(ctx, p.workerID, queue.ActiveTask{
		JobID: job.ID, Name: job.Name, Queue: job.Queue, StartedAt: time.Now().UTC(),
	})
	_ = p.collector.RecordStart(ctx, job.ID, job.Name, job.Queue)
	_ = p.tracker.Update(ctx, job.ID, 0, "started", nil)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	result, err := p.runBody(ctx, q, job)

	// A revocation that landed mid-flight wins over whatever the body
	// returned; it must not feed the retry path.
	if fresh, ferr := p.store.GetJob(ctx, job.ID); ferr == nil && fresh.State == models.StateRevoked {
		p.finishRevoked(ctx, job)
		return
	}

	if err == nil {
		_ = p.queue.Ack(ctx, job.ID)
		_ = p.store.MarkSuccess(ctx, job.ID, result)
		_ = p.collector.RecordCompletion(ctx, job.ID, true, "")
		_ = p.tracker.Update(ctx, job.ID, 100, "completed", nil)
		_ = p.store.AppendAudit(ctx, job.ID, "succeeded", "worker completed job")
		_ = p.registry.TaskFinished(ctx, p.workerID, job.ID)
		telemetry.JobSuccess.Inc()
		return
	}

	p.handleFailure(ctx, job, err)
	_ = p.registry.TaskFinished(ctx, p.workerID, job.ID)
}

func (p *Processor) runBody(ctx context.Context, q router.Queue, job models.Job) (string, error) {
	handler, ok := p.handlers[job.Name]
	if !ok {
		return "", retry.Fatal(fmt.Errorf("no handler registered for job %q", job.Name))
	}

	jobCtx := ctx
	var cancel context.CancelFunc
	if q.HardTimeLimit > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, q.HardTimeLimit)
		defer cancel()
	}
	if q.SoftTimeLimit > 0 {
		jobCtx = withSoftDeadline(jobCtx, time.Now().Add(q.SoftTimeLimit))
	}
	return handler(jobCtx, job)
}

// handleFailure reschedules with backoff while the job's own retry budget
// remains, dead-letters and marks terminal failure once exhausted or when
// the error is fatal. The budget is the job's max_retries alone; the policy
// only shapes the delays.
func (p *Processor) handleFailure(ctx context.Context, job models.Job, jobErr error) {
	if !retry.IsFatal(jobErr) && job.RetryCount < job.MaxRetries {
		nextRun := time.Now().Add(p.policy.Delay(job.RetryCount))
		_ = p.queue.Ack(ctx, job.ID)
		_ = p.store.ScheduleRetry(ctx, job.ID, job.RetryCount+1, nextRun, jobErr.Error())
		if err := p.queue.Schedule(ctx, job.ID, job.Queue, nextRun); err != nil {
			log.Printf("worker %s: schedule retry for %s: %v", p.workerID, job.ID, err)
		}
		_ = p.store.AppendAudit(ctx, job.ID, "retry_scheduled",
			fmt.Sprintf("next_run=%s retry_count=%d", nextRun.UTC().Format(time.RFC3339), job.RetryCount+1))
		telemetry.JobRetries.Inc()
		return
	}

	entry := deadletter.Entry{
		JobID:   job.ID,
		Name:    job.Name,
		Queue:   job.Queue,
		Payload: job.Payload,
		Error:   jobErr.Error(),
	}
	if err := p.deadLetters.Handle(ctx, entry); err != nil {
		log.Printf("worker %s: dead-letter %s: %v", p.workerID, job.ID, err)
	}
	_ = p.queue.Ack(ctx, job.ID)
	_ = p.store.MarkFailure(ctx, job.ID, jobErr.Error())
	_ = p.collector.RecordCompletion(ctx, job.ID, false, jobErr.Error())
	_ = p.tracker.Update(ctx, job.ID, progress.SentinelFailed, "failed: "+jobErr.Error(), nil)
	_ = p.store.AppendAudit(ctx, job.ID, "dead_letter", jobErr.Error())
	telemetry.JobDeadLetter.Inc()
}

func (p *Processor) finishRevoked(ctx context.Context, job models.Job) {
	_ = p.queue.Ack(ctx, job.ID)
	_ = p.tracker.Update(ctx, job.ID, progress.SentinelCancelled, "revoked", nil)
	_ = p.collector.RecordCompletion(ctx, job.ID, false, "revoked")
	_ = p.store.AppendAudit(ctx, job.ID, "revoked", "job revoked before or during execution")
	telemetry.JobRevoked.Inc()
}

// ExecuteOnce runs a single already-leased job to completion. It exists for
// deterministic tests and replay tooling; Run uses the same path.
func (p *Processor) ExecuteOnce(ctx context.Context, jobID string) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		_ = p.queue.Ack(ctx, jobID)
		return
	}
	p.execute(ctx, p.table.Queue(job.Queue), jobID)
}
