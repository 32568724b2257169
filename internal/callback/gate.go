// Package callback authenticates executor completion callbacks and applies
// them to the job store exactly once.
package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	jlog "github.com/kiranshivaraju/jobgate/internal/log"
	"github.com/kiranshivaraju/jobgate/internal/metrics"
	"github.com/kiranshivaraju/jobgate/internal/notify"
	"github.com/kiranshivaraju/jobgate/internal/store"
	"github.com/kiranshivaraju/jobgate/pkg/models"
)

// Sentinel errors for rejected callbacks.
var (
	ErrUnauthenticated = errors.New("callback signature missing or invalid")
	ErrMalformed       = errors.New("malformed callback")
)

// Outcome is the result of an accepted callback.
type Outcome int

const (
	// OutcomeApplied means this callback performed the terminal transition.
	OutcomeApplied Outcome = iota
	// OutcomeDuplicate means the job was already terminal; nothing changed.
	OutcomeDuplicate
	// OutcomeNotFound means the id is malformed, unknown or expired.
	OutcomeNotFound
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeNotFound:
		return "not_found"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Gate is the authenticated ingestion point for executor callbacks.
type Gate struct {
	store   store.JobStore
	bus     notify.Bus
	secret  []byte
	metrics *metrics.Collector
}

func NewGate(st store.JobStore, bus notify.Bus, secret []byte, m *metrics.Collector) *Gate {
	return &Gate{store: st, bus: bus, secret: secret, metrics: m}
}

// Receive authenticates body against signature, then applies the carried
// result to the job named by rawJobID and publishes it on the job's topic.
// The signature is checked before anything else is looked at.
func (g *Gate) Receive(ctx context.Context, rawJobID, signature string, body []byte) (Outcome, error) {
	ctx = jlog.ContextAttrs(ctx, slog.String("job_id", rawJobID))

	if !Verify(g.secret, body, signature) {
		slog.WarnContext(ctx, "callback rejected", "event", "callback_auth_failed")
		g.metrics.RecordCallback("unauthenticated")
		return 0, ErrUnauthenticated
	}

	jobID, err := uuid.Parse(rawJobID)
	if err != nil {
		return g.notFound(ctx, "malformed job id")
	}

	result, err := decodeResult(jobID, body)
	if err != nil {
		g.metrics.RecordCallback("malformed")
		return 0, err
	}

	if _, err := g.store.Get(ctx, jobID); errors.Is(err, store.ErrNotFound) {
		return g.notFound(ctx, "job unknown or expired")
	} else if err != nil {
		return 0, fmt.Errorf("load job: %w", err)
	}

	applied, err := g.store.SetTerminal(ctx, result)
	if err != nil {
		return 0, fmt.Errorf("apply callback: %w", err)
	}

	if applied {
		g.publish(ctx, result)
		slog.InfoContext(ctx, "callback applied", "status", result.Status.String())
		g.metrics.RecordCallback(OutcomeApplied.String())
		return OutcomeApplied, nil
	}

	// Already terminal. Re-publish the stored outcome so an owner that
	// missed the first notification still wakes with the authoritative result.
	job, err := g.store.Get(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return g.notFound(ctx, "job expired during callback")
	}
	if err != nil {
		return 0, fmt.Errorf("reload job: %w", err)
	}
	g.publish(ctx, job.Result())
	slog.InfoContext(ctx, "duplicate callback ignored",
		"status", result.Status.String(), "stored_status", job.Status.String())
	g.metrics.RecordCallback(OutcomeDuplicate.String())
	return OutcomeDuplicate, nil
}

func (g *Gate) notFound(ctx context.Context, detail string) (Outcome, error) {
	slog.WarnContext(ctx, "callback for unknown job dropped", "event", "callback_unknown_job", "detail", detail)
	g.metrics.RecordCallback(OutcomeNotFound.String())
	return OutcomeNotFound, nil
}

// publish is fire-and-forget: the store already holds the outcome.
func (g *Gate) publish(ctx context.Context, result *models.CompletionResult) {
	data, err := json.Marshal(result)
	if err == nil {
		err = g.bus.Publish(ctx, result.JobID, data)
	}
	if err != nil {
		slog.ErrorContext(ctx, "publish completion failed", "error", err)
	}
}

func decodeResult(jobID uuid.UUID, body []byte) (*models.CompletionResult, error) {
	var result models.CompletionResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if result.JobID == uuid.Nil {
		result.JobID = jobID
	}
	if result.JobID != jobID {
		return nil, fmt.Errorf("%w: body jobId %s does not match path", ErrMalformed, result.JobID)
	}
	switch result.Status {
	case models.JobStatusCompleted, models.JobStatusFailed:
	default:
		return nil, fmt.Errorf("%w: status must be Completed or Failed, got %s", ErrMalformed, result.Status)
	}
	return &result, nil
}
