// Package dispatch starts work on the external executor through a resilient
// outbound call: a per-attempt timeout, bounded retries with exponential
// backoff, and a circuit breaker shared across calls.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

// Kind classifies a failed dispatch.
type Kind int

const (
	// KindFailed covers exhausted retries, non-retryable responses and an open breaker.
	KindFailed Kind = iota
	// KindCancelled means the context was done before the executor accepted the job.
	KindCancelled
	// KindUnexpected covers panics and local errors building the request.
	KindUnexpected
)

func (k Kind) String() string {
	switch k {
	case KindFailed:
		return "failed"
	case KindCancelled:
		return "cancelled"
	case KindUnexpected:
		return "unexpected"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is returned by Dispatch on failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dispatch %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config holds the pipeline's policy parameters.
type Config struct {
	AttemptTimeout   time.Duration
	MaxRetries       int
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	BackoffJitter    float64
	BreakerThreshold int
	BreakerCooldown  time.Duration
	// OnBreakerChange observes circuit breaker transitions.
	OnBreakerChange func(from, to gobreaker.State)
}

// Pipeline dispatches jobs to an Executor.
type Pipeline struct {
	exec    Executor
	breaker *gobreaker.CircuitBreaker
	timeout Policy
	cfg     Config
}

// New creates a Pipeline. The circuit breaker lives as long as the Pipeline.
func New(exec Executor, cfg Config) *Pipeline {
	return &Pipeline{
		exec: exec,
		breaker: NewBreaker(BreakerConfig{
			Name:          "executor",
			Threshold:     uint32(cfg.BreakerThreshold),
			Cooldown:      cfg.BreakerCooldown,
			OnStateChange: cfg.OnBreakerChange,
		}),
		timeout: Timeout(cfg.AttemptTimeout),
		cfg:     cfg,
	}
}

// BreakerState reports the current circuit breaker state.
func (p *Pipeline) BreakerState() gobreaker.State {
	return p.breaker.State()
}

// Dispatch asks the executor to start jobID, reporting completion to
// callbackURL. A nil return means the executor accepted the job; any failure
// is an *Error.
func (p *Pipeline) Dispatch(ctx context.Context, jobID uuid.UUID, payload json.RawMessage, callbackURL string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic in dispatch", "error", r)
			err = &Error{Kind: KindUnexpected, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	req := StartRequest{JobID: jobID, Payload: payload, CallbackURL: callbackURL}
	attempt := func(ctx context.Context) error {
		return p.exec.Start(ctx, req)
	}

	retry := Retry(RetryConfig{
		MaxRetries: p.cfg.MaxRetries,
		Initial:    p.cfg.BackoffInitial,
		Max:        p.cfg.BackoffMax,
		Jitter:     p.cfg.BackoffJitter,
		OnRetry: func(err error, wait time.Duration) {
			slog.WarnContext(ctx, "dispatch attempt failed, retrying", "error", err, "backoff", wait)
		},
	})

	err = Chain(attempt, retry, Breaker(p.breaker), p.timeout)(ctx)
	if err == nil {
		return nil
	}

	switch {
	case ctx.Err() != nil:
		return &Error{Kind: KindCancelled, Err: err}
	case errors.Is(err, ErrInvalidRequest):
		return &Error{Kind: KindUnexpected, Err: err}
	default:
		return &Error{Kind: KindFailed, Err: err}
	}
}
