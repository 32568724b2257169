package store_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/jobgate/internal/store"
	"github.com/kiranshivaraju/jobgate/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func completed(id uuid.UUID, payload string) *models.CompletionResult {
	return &models.CompletionResult{
		JobID:   id,
		Status:  models.JobStatusCompleted,
		Message: "done",
		Payload: json.RawMessage(payload),
	}
}

// storeContract runs the behaviour every JobStore backend must share.
func storeContract(t *testing.T, s store.JobStore) {
	ctx := context.Background()

	t.Run("PutGet", func(t *testing.T) {
		job := models.NewPendingJob(json.RawMessage(`{"data":"x"}`))
		require.NoError(t, s.Put(ctx, job))

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, models.JobStatusPending, got.Status)
		assert.JSONEq(t, `{"data":"x"}`, string(got.RequestPayload))
		assert.Nil(t, got.CompletedAt)
	})

	t.Run("GetUnknown", func(t *testing.T) {
		_, err := s.Get(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("SetTerminalAppliesOnce", func(t *testing.T) {
		job := models.NewPendingJob(nil)
		require.NoError(t, s.Put(ctx, job))

		applied, err := s.SetTerminal(ctx, completed(job.ID, `{"v":1}`))
		require.NoError(t, err)
		assert.True(t, applied)

		applied, err = s.SetTerminal(ctx, models.TerminalResult(job.ID, models.JobStatusTimeout, models.ReasonWaitTimeout, ""))
		require.NoError(t, err)
		assert.False(t, applied)

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCompleted, got.Status)
		assert.Equal(t, "done", got.Message)
		assert.JSONEq(t, `{"v":1}`, string(got.ResultPayload))
		assert.Nil(t, got.ErrorMessage)
		require.NotNil(t, got.CompletedAt)
	})

	t.Run("SetTerminalUnknown", func(t *testing.T) {
		applied, err := s.SetTerminal(ctx, completed(uuid.New(), `{}`))
		require.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("SetTerminalRejectsPending", func(t *testing.T) {
		job := models.NewPendingJob(nil)
		require.NoError(t, s.Put(ctx, job))

		_, err := s.SetTerminal(ctx, &models.CompletionResult{JobID: job.ID, Status: models.JobStatusPending})
		assert.ErrorIs(t, err, store.ErrInvalidTransition)
	})

	t.Run("ConcurrentSetTerminal", func(t *testing.T) {
		job := models.NewPendingJob(nil)
		require.NoError(t, s.Put(ctx, job))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				status := models.JobStatusCompleted
				if i%2 == 1 {
					status = models.JobStatusFailed
				}
				applied, err := s.SetTerminal(ctx, &models.CompletionResult{JobID: job.ID, Status: status})
				assert.NoError(t, err)
				if applied {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}

// --- Memory ---

func TestMemoryStore_Contract(t *testing.T) {
	storeContract(t, store.NewMemoryStore(time.Hour))
}

func TestMemoryStore_Expiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := store.NewMemoryStore(24*time.Hour, store.WithClock(clock.Now))
	ctx := context.Background()

	job := models.NewPendingJob(nil)
	require.NoError(t, s.Put(ctx, job))

	clock.Advance(23 * time.Hour)
	_, err := s.Get(ctx, job.ID)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	_, err = s.Get(ctx, job.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	applied, err := s.SetTerminal(ctx, completed(job.ID, `{}`))
	require.NoError(t, err)
	assert.False(t, applied, "expired job behaves as unknown")
}

func TestMemoryStore_TerminalRefreshesRetention(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := store.NewMemoryStore(time.Hour, store.WithClock(clock.Now))
	ctx := context.Background()

	job := models.NewPendingJob(nil)
	require.NoError(t, s.Put(ctx, job))

	clock.Advance(50 * time.Minute)
	applied, err := s.SetTerminal(ctx, completed(job.ID, `{}`))
	require.NoError(t, err)
	require.True(t, applied)

	clock.Advance(50 * time.Minute)
	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := store.NewMemoryStore(time.Hour)
	ctx := context.Background()

	job := models.NewPendingJob(nil)
	require.NoError(t, s.Put(ctx, job))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	got.Status = models.JobStatusFailed

	again, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, again.Status)
}

func TestJobKey(t *testing.T) {
	id := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	assert.Equal(t, "jobgate:job:11111111-1111-1111-1111-111111111111", store.JobKey(id))
}
