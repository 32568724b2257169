package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned without a network attempt while the breaker is
// open, or while its single half-open trial is in flight.
var ErrCircuitOpen = errors.New("executor circuit open")

// Attempt is one try of an outbound call.
type Attempt func(ctx context.Context) error

// Policy decorates an Attempt.
type Policy func(next Attempt) Attempt

// Chain wraps a with policies. The first policy is outermost, so
// Chain(a, Retry, Breaker, Timeout) is Retry(Breaker(Timeout(a))).
func Chain(a Attempt, policies ...Policy) Attempt {
	for i := len(policies) - 1; i >= 0; i-- {
		a = policies[i](a)
	}
	return a
}

// Timeout bounds every attempt by d, independently of retry timers.
func Timeout(d time.Duration) Policy {
	return func(next Attempt) Attempt {
		return func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx)
		}
	}
}

// RetryConfig controls the retry policy.
type RetryConfig struct {
	MaxRetries int
	Initial    time.Duration
	Max        time.Duration
	// Jitter is the backoff randomization factor in [0, 1).
	Jitter float64
	// Retryable decides whether an error is worth another attempt.
	// Defaults to the package Retryable.
	Retryable func(error) bool
	// OnRetry is called before each backoff sleep.
	OnRetry func(err error, wait time.Duration)
}

func (c RetryConfig) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.Initial
	b.Multiplier = 2
	b.RandomizationFactor = c.Jitter
	if c.Max > 0 {
		b.MaxInterval = c.Max
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Retry re-runs failed attempts that match RetryConfig.Retryable, up to
// MaxRetries additional times, with exponential backoff.
func Retry(cfg RetryConfig) Policy {
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = Retryable
	}
	return func(next Attempt) Attempt {
		return func(ctx context.Context) error {
			op := func() error {
				err := next(ctx)
				if err == nil {
					return nil
				}
				if ctx.Err() != nil || !retryable(err) {
					return backoff.Permanent(err)
				}
				return err
			}
			b := backoff.WithContext(backoff.WithMaxRetries(cfg.backOff(), uint64(cfg.MaxRetries)), ctx)
			return backoff.RetryNotify(op, b, cfg.OnRetry)
		}
	}
}

// BreakerConfig controls the circuit breaker.
type BreakerConfig struct {
	Name      string
	Threshold uint32
	Cooldown  time.Duration
	// OnStateChange observes every transition.
	OnStateChange func(from, to gobreaker.State)
}

// NewBreaker builds the circuit breaker shared by every dispatch. Only
// retryable failures count against it; a rejected request or a cancelled
// caller says nothing about executor health.
func NewBreaker(cfg BreakerConfig) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.Threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || !Retryable(err)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(from, to)
			}
		},
	})
}

// Breaker runs each attempt through cb. Open-state rejections surface as
// ErrCircuitOpen, which is not retryable.
func Breaker(cb *gobreaker.CircuitBreaker) Policy {
	return func(next Attempt) Attempt {
		return func(ctx context.Context) error {
			_, err := cb.Execute(func() (interface{}, error) {
				return nil, next(ctx)
			})
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
			}
			return err
		}
	}
}
