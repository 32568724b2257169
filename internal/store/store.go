package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/jobgate/pkg/models"
)

var ErrNotFound = errors.New("job not found")
var ErrInvalidTransition = errors.New("invalid job status transition")
var ErrConflict = errors.New("concurrent job update conflict")

// JobStore is the durable record of job identity, status and result.
// Every write refreshes the record's retention TTL. An expired record is
// indistinguishable from one that never existed: both yield ErrNotFound.
// Implementations must be safe for concurrent use across processes.
type JobStore interface {
	Ping(ctx context.Context) error

	// Put creates or overwrites a job record.
	Put(ctx context.Context, job *models.Job) error

	// Get returns the job or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)

	// SetTerminal performs the single terminal transition of a Pending job.
	// It reports applied=false, with no error and no mutation, when the
	// job is already terminal or absent. result.Status must be terminal.
	SetTerminal(ctx context.Context, result *models.CompletionResult) (applied bool, err error)
}

func checkTerminal(result *models.CompletionResult) error {
	if result == nil || !result.Status.IsTerminal() {
		status := "nil"
		if result != nil {
			status = result.Status.String()
		}
		return fmt.Errorf("%w: Pending -> %s", ErrInvalidTransition, status)
	}
	return nil
}
