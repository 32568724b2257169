package correlator

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/jobgate/pkg/models"
)

// Sentinel errors surfaced to the submitter.
var (
	ErrCancelled           = errors.New("job cancelled by caller")
	ErrWaitTimeout         = errors.New("job wait deadline exceeded")
	ErrDispatchUnavailable = errors.New("executor unavailable")
	ErrInternal            = errors.New("internal error")
	ErrShuttingDown        = errors.New("correlator shutting down")
)

// JobError reports a submission that ended without an executor outcome.
// It unwraps to one of the package sentinels.
type JobError struct {
	JobID  uuid.UUID
	Status models.JobStatus
	Reason string
	Err    error
}

func (e *JobError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("job %s: %v", e.JobID, e.Err)
	}
	return fmt.Sprintf("job %s %s (%s): %v", e.JobID, e.Status, e.Reason, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }
