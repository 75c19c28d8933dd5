package api

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"report-job-engine/internal/deadletter"
	"report-job-engine/internal/health"
	"report-job-engine/internal/models"
	"report-job-engine/internal/progress"
	"report-job-engine/internal/queue"
	"report-job-engine/internal/ratelimit"
	"report-job-engine/internal/router"
	"report-job-engine/internal/store"
	"report-job-engine/internal/taskmetrics"
	"report-job-engine/internal/telemetry"
)

// SubmitRule is the rate-limit rule name guarding job submission.
const SubmitRule = "job_submission"

// Server wires the operational HTTP surface: job submission, progress and
// status polling, cancellation, queue/worker/dead-letter inspection, and
// health.
type Server struct {
	store       *store.Store
	queue       *queue.RedisQueue
	table       *router.Table
	tracker     *progress.Tracker
	collector   *taskmetrics.Collector
	deadLetters *deadletter.Handler
	limiter     *ratelimit.Limiter
	healthAgg   *health.Aggregator
	maxRetries  int
	idemTTL     time.Duration
}

// Params collects the server's collaborators.
type Params struct {
	Store       *store.Store
	Queue       *queue.RedisQueue
	Table       *router.Table
	Tracker     *progress.Tracker
	Collector   *taskmetrics.Collector
	DeadLetters *deadletter.Handler
	Limiter     *ratelimit.Limiter
	Health      *health.Aggregator
	MaxRetries  int
	IdemTTL     time.Duration
}

// New constructs the API server.
func New(p Params) *Server {
	return &Server{
		store:       p.Store,
		queue:       p.Queue,
		table:       p.Table,
		tracker:     p.Tracker,
		collector:   p.Collector,
		deadLetters: p.DeadLetters,
		limiter:     p.Limiter,
		healthAgg:   p.Health,
		maxRetries:  p.MaxRetries,
		idemTTL:     p.IdemTTL,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs/{id}", s.handleStatus)
	r.Get("/progress/{id}", s.handleProgress)
	r.Post("/jobs/{id}/cancel", s.handleCancel)

	r.Get("/queues/status", s.handleQueueStatus)
	r.Get("/workers/status", s.handleWorkerStatus)
	r.Get("/metrics/latest", s.handleLatestSnapshot)

	r.Get("/dlq", s.handleDLQ)
	r.Post("/dlq/{id}/replay", s.handleDLQReplay)

	r.Get("/ws", s.handleWS)
	return r
}

type submitRequest struct {
	Name           string         `json:"name"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key"`
	DelaySeconds   int            `json:"delay_seconds"`
	MaxRetries     *int           `json:"max_retries"`
	DeferOnLimit   bool           `json:"defer_on_limit"`
}

type submitResponse struct {
	Job        models.Job `json:"job"`
	Idempotent bool       `json:"idempotent"`
	Deferred   bool       `json:"deferred,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	if err := validatePayload(req.Name, req.Payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	maxRetries := s.maxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	identifier := identifierFromRequest(r)
	decision, err := s.limiter.Check(r.Context(), SubmitRule, identifier)
	if err != nil {
		// Fail-open: the decision already admits; just record the outage.
		log.Printf("rate limiter unavailable, admitting: %v", err)
	}

	runAt := time.Now()
	if req.DelaySeconds > 0 {
		runAt = runAt.Add(time.Duration(req.DelaySeconds) * time.Second)
	}
	deferred := false
	if !decision.Allowed {
		if !req.DeferOnLimit {
			telemetry.RateLimitRejects.Inc()
			retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":       "rate limited",
				"retry_after": retryAfter,
			})
			return
		}
		// Deferral: accept the job but schedule it past the window.
		runAt = time.Now().Add(decision.RetryAfter)
		deferred = true
	}

	queueName := s.table.Resolve(req.Name)
	job, idempotent, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		Name:           req.Name,
		Queue:          queueName,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		RunAt:          runAt,
		MaxRetries:     maxRetries,
		IdempotencyTTL: s.idemTTL,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if !idempotent {
		if err := s.queue.Enqueue(r.Context(), job.ID, job.Queue, job.NextRunAt); err != nil {
			_ = s.store.MarkFailure(r.Context(), job.ID, err.Error())
			http.Error(w, "enqueue failed", http.StatusInternalServerError)
			return
		}
		if deferred {
			if err := s.limiter.MarkDeferred(r.Context(), SubmitRule, job.ID); err != nil {
				log.Printf("mark deferred %s: %v", job.ID, err)
			}
			telemetry.RateLimitDefers.Inc()
		}
		_ = s.store.AppendAudit(r.Context(), job.ID, "submitted",
			fmt.Sprintf("queue=%s identifier=%s deferred=%t", job.Queue, identifier, deferred))
		telemetry.SubmitCounter.Inc()
	}

	writeJSON(w, http.StatusAccepted, submitResponse{Job: job, Idempotent: idempotent, Deferred: deferred})
}

type statusResponse struct {
	TaskID     string  `json:"task_id"`
	State      string  `json:"state"`
	Successful bool    `json:"successful"`
	Failed     bool    `json:"failed"`
	Ready      bool    `json:"ready"`
	Result     *string `json:"result"`
	Progress   *int    `json:"progress,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	resp := statusResponse{
		TaskID:     job.ID,
		State:      job.State,
		Successful: job.State == models.StateSuccess,
		Failed:     job.State == models.StateFailure,
		Ready:      models.Terminal(job.State),
		Result:     job.Result,
	}
	if rec, err := s.tracker.Get(r.Context(), id); err == nil && rec != nil {
		resp.Progress = &rec.Progress
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.tracker.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to read progress", http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "no progress recorded", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if models.Terminal(job.State) {
		writeJSON(w, http.StatusOK, map[string]string{"status": job.State})
		return
	}
	if err := s.queue.Cancel(r.Context(), id); err != nil {
		http.Error(w, "failed to cancel queue item", http.StatusInternalServerError)
		return
	}
	if err := s.store.MarkRevoked(r.Context(), id); err != nil {
		http.Error(w, "failed to revoke job", http.StatusInternalServerError)
		return
	}
	// The cancelled sentinel latches so a still-running worker cannot
	// overwrite it with a late percentage.
	_ = s.tracker.Update(r.Context(), id, progress.SentinelCancelled, "revoked", nil)
	_ = s.store.AppendAudit(r.Context(), id, "revoked", "cancel requested via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": models.StateRevoked})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.healthAgg.QueueStatus(r.Context())
	if err != nil {
		http.Error(w, "failed to read queues", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.healthAgg.WorkerReport(r.Context())
	if err != nil {
		http.Error(w, "failed to read workers", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.collector.Latest(r.Context())
	if err != nil {
		http.Error(w, "failed to read snapshot", http.StatusInternalServerError)
		return
	}
	if snap == nil {
		http.Error(w, "no snapshot published", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.healthAgg.Check(r.Context())
	code := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deadLetters.Peek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dead-letter queue", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleDLQReplay resets a dead-lettered job's retry budget and re-enqueues
// it.
func (s *Server) handleDLQReplay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := s.deadLetters.Take(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to read dead-letter queue", http.StatusInternalServerError)
		return
	}
	if entry == nil {
		http.Error(w, "no dead-letter entry for job", http.StatusNotFound)
		return
	}
	now := time.Now()
	if err := s.store.ResetForReplay(r.Context(), id, now); err != nil {
		http.Error(w, "failed to reset job", http.StatusInternalServerError)
		return
	}
	if err := s.queue.Enqueue(r.Context(), id, entry.Queue, now); err != nil {
		http.Error(w, "failed to re-enqueue job", http.StatusInternalServerError)
		return
	}
	_ = s.store.AppendAudit(r.Context(), id, "replayed", "dead-letter replay via API")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "replayed"})
}

func identifierFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-API-Key"); v != "" {
		return v
	}
	if v := r.Header.Get("X-User-ID"); v != "" {
		return v
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
