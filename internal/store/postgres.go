package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"report-job-engine/internal/models"
)

// ErrJobNotFound is returned when a job id has no row.
var ErrJobNotFound = errors.New("store: job not found")

// Store wraps pgxpool for Postgres persistence of job records.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Name           string
	Queue          string
	Payload        map[string]any
	IdempotencyKey string
	RunAt          time.Time
	MaxRetries     int
	IdempotencyTTL time.Duration
}

// CreateJob inserts a job row, honoring idempotency if provided.
// It returns the job, and a boolean indicating if an existing job was reused via idempotency.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	// If an idempotency key already exists, short-circuit before creating anything.
	if p.IdempotencyKey != "" {
		if existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.Job{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, name, queue, payload, state, retry_count, max_retries, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $8)
	`, id, p.Name, p.Queue, payloadJSON, models.StatePending, p.MaxRetries, p.RunAt, now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	if p.IdempotencyKey != "" {
		expires := now.Add(p.IdempotencyTTL)
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, job_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO NOTHING
		`, p.IdempotencyKey, id, expires)
		if err != nil {
			return models.Job{}, false, fmt.Errorf("insert idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Someone else claimed the key after our initial check; return existing job.
			if err := tx.Rollback(ctx); err != nil {
				return models.Job{}, false, fmt.Errorf("rollback after idempotency conflict: %w", err)
			}
			existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey)
			if err != nil {
				return models.Job{}, false, err
			}
			if !found {
				return models.Job{}, false, errors.New("idempotency conflict but no existing job found")
			}
			return existing, true, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ID:             id,
		Name:           p.Name,
		Queue:          p.Queue,
		Payload:        p.Payload,
		State:          models.StatePending,
		RetryCount:     0,
		MaxRetries:     p.MaxRetries,
		NextRunAt:      p.RunAt,
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, false, nil
}

// FindByIdempotencyKey returns the job mapped to the key if present and unexpired.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id FROM idempotency_keys WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, queue, payload, state, retry_count, max_retries, next_run_at, result, last_error, idempotency_key, worker_id, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var payloadJSON []byte
	var result, lastErr, idem, workerID pgtype.Text

	if err := row.Scan(&job.ID, &job.Name, &job.Queue, &payloadJSON, &job.State, &job.RetryCount, &job.MaxRetries, &job.NextRunAt, &result, &lastErr, &idem, &workerID, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrJobNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.Result = textPtr(result)
	job.LastError = textPtr(lastErr)
	job.IdempotencyKey = textPtr(idem)
	job.WorkerID = textPtr(workerID)
	return job, nil
}

// Terminal states are monotonic: once success, failure, or revoked lands,
// no transition may leave it. Every UPDATE below carries the guard so a
// revocation racing a worker cannot be flipped back to started or success;
// the worker detects the lost write by re-reading the row.
const notTerminal = `state NOT IN ('success', 'failure', 'revoked')`

// MarkStarted transitions a job to started and records the executing worker.
// A no-op when the job already reached a terminal state.
func (s *Store) MarkStarted(ctx context.Context, id, workerID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, worker_id = $3, updated_at = NOW()
		WHERE id = $1 AND `+notTerminal,
		id, models.StateStarted, workerID)
	return err
}

// MarkSuccess transitions a job to success with an optional result.
func (s *Store) MarkSuccess(ctx context.Context, id string, result string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, result = $3, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND `+notTerminal,
		id, models.StateSuccess, emptyToNil(result))
	return err
}

// MarkFailure transitions a job to terminal failure.
func (s *Store) MarkFailure(ctx context.Context, id string, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND `+notTerminal,
		id, models.StateFailure, lastError)
	return err
}

// MarkRevoked sets state revoked unless the job already reached a terminal state.
func (s *Store) MarkRevoked(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, updated_at = NOW()
		WHERE id = $1 AND `+notTerminal,
		id, models.StateRevoked)
	return err
}

// ScheduleRetry moves a job back to pending with a bumped retry count and
// the next scheduled run.
func (s *Store) ScheduleRetry(ctx context.Context, id string, retryCount int, nextRun time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET state = $2, retry_count = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1 AND `+notTerminal,
		id, models.StatePending, retryCount, nextRun, lastErr)
	return err
}

// ResetForReplay returns a dead-lettered job to pending with a fresh retry
// budget. This is the one deliberate exit from a terminal state, reachable
// only through the dead-letter replay path.
func (s *Store) ResetForReplay(ctx context.Context, id string, runAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET state = $2, retry_count = 0, next_run_at = $3, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND state = $4
	`, id, models.StatePending, runAt, models.StateFailure)
	return err
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
