package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/jobgate/pkg/models"
)

// PostgresStore implements JobStore using pgx/v5. Expired rows are invisible
// to reads and are removed by Purge.
type PostgresStore struct {
	pool *pgxpool.Pool
	ttl  time.Duration
	now  func() time.Time
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, ttl time.Duration) *PostgresStore {
	return &PostgresStore{pool: pool, ttl: ttl, now: time.Now}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Put(ctx context.Context, job *models.Job) error {
	now := s.now()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, status, message, request_payload, result_payload, error_message, created_at, completed_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   message = EXCLUDED.message,
		   request_payload = EXCLUDED.request_payload,
		   result_payload = EXCLUDED.result_payload,
		   error_message = EXCLUDED.error_message,
		   completed_at = EXCLUDED.completed_at,
		   expires_at = EXCLUDED.expires_at`,
		job.ID, job.Status.String(), job.Message, jsonParam(job.RequestPayload), jsonParam(job.ResultPayload),
		job.ErrorMessage, job.CreatedAt, job.CompletedAt, now.Add(s.ttl))
	if err != nil {
		return fmt.Errorf("put job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var (
		job             models.Job
		status          string
		request, result []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, status, message, request_payload, result_payload, error_message, created_at, completed_at
		 FROM jobs WHERE id = $1 AND expires_at > $2`, id, s.now(),
	).Scan(&job.ID, &status, &job.Message, &request, &result, &job.ErrorMessage, &job.CreatedAt, &job.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	job.Status, err = models.ParseJobStatus(status)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if len(request) > 0 {
		job.RequestPayload = json.RawMessage(request)
	}
	if len(result) > 0 {
		job.ResultPayload = json.RawMessage(result)
	}
	return &job, nil
}

// SetTerminal relies on a conditional UPDATE: only a row that is still
// Pending and unexpired matches, so concurrent callers cannot both apply.
func (s *PostgresStore) SetTerminal(ctx context.Context, result *models.CompletionResult) (bool, error) {
	if err := checkTerminal(result); err != nil {
		return false, err
	}

	now := s.now()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, message = $3, result_payload = $4, error_message = $5,
		   completed_at = $6, expires_at = $7
		 WHERE id = $1 AND status = $8 AND expires_at > $6`,
		result.JobID, result.Status.String(), result.Message, jsonParam(result.Payload),
		result.ErrorMessage, now.UTC(), now.Add(s.ttl), models.JobStatusPending.String())
	if err != nil {
		return false, fmt.Errorf("set terminal: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Purge deletes expired rows and returns how many were removed.
func (s *PostgresStore) Purge(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE expires_at <= $1`, s.now())
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// jsonParam maps an empty payload to SQL NULL.
func jsonParam(v json.RawMessage) []byte {
	if len(v) == 0 {
		return nil
	}
	return []byte(v)
}

var _ JobStore = (*PostgresStore)(nil)
