package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/jobgate/pkg/models"
	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic-lock retries in SetTerminal.
const maxTxRetries = 10

// RedisStore implements JobStore with one JSON string per job and a key TTL
// as the retention window.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore creates a RedisStore. The caller owns the client lifecycle.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, now: time.Now}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Put(ctx context.Context, job *models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := s.client.Set(ctx, JobKey(job.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("put job: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	data, err := s.client.Get(ctx, JobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

// SetTerminal uses WATCH/MULTI so that two processes racing to terminate the
// same job cannot both apply.
func (s *RedisStore) SetTerminal(ctx context.Context, result *models.CompletionResult) (bool, error) {
	if err := checkTerminal(result); err != nil {
		return false, err
	}

	key := JobKey(result.JobID)
	var applied bool

	txf := func(tx *redis.Tx) error {
		applied = false

		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}

		var job models.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("decode job: %w", err)
		}
		if job.Status.IsTerminal() {
			return nil
		}

		job.ApplyTerminal(result, s.now())
		updated, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("encode job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		applied = true
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("set terminal: %w", err)
		}
		return applied, nil
	}
	return false, fmt.Errorf("set terminal %s: %w", result.JobID, ErrConflict)
}

// Compile-time check that RedisStore implements JobStore.
var _ JobStore = (*RedisStore)(nil)
