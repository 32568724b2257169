// Package notify carries completion notifications between processes on a
// per-job topic. Notifications are wake-up signals only; the job store stays
// the source of truth.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrBusClosed is returned by Subscribe after the bus has been closed.
var ErrBusClosed = errors.New("notify: bus closed")

// Handler receives the raw payload of a notification. Handlers run on the
// bus delivery path and must not block.
type Handler func(payload []byte)

// Subscription is a live registration on one job topic. Close is idempotent.
// A delivery already in progress may still complete after Close returns.
type Subscription interface {
	Close() error
}

// Bus is a publish/subscribe transport keyed by job id.
// Implementations must be safe for concurrent use.
type Bus interface {
	Subscribe(ctx context.Context, jobID uuid.UUID, h Handler) (Subscription, error)
	// Publish is fire-and-forget: delivering to zero subscribers is not an error.
	Publish(ctx context.Context, jobID uuid.UUID, payload []byte) error
	Ping(ctx context.Context) error
}

// TopicName returns the notification channel for a job.
func TopicName(jobID uuid.UUID) string {
	return fmt.Sprintf("jobgate:job:%s:done", jobID)
}
