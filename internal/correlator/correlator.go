// Package correlator suspends a submitter until its job reaches a terminal
// state. Completion may be reported on any process: the owning process holds
// a process-local pending wait and is woken through a per-job notification
// topic, while the job store stays the source of truth.
package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/jobgate/internal/dispatch"
	jlog "github.com/kiranshivaraju/jobgate/internal/log"
	"github.com/kiranshivaraju/jobgate/internal/metrics"
	"github.com/kiranshivaraju/jobgate/internal/notify"
	"github.com/kiranshivaraju/jobgate/internal/store"
	"github.com/kiranshivaraju/jobgate/pkg/models"
)

// storeTimeout bounds terminal writes made after the caller's context is done.
const storeTimeout = 5 * time.Second

// reasonExecutorFailed labels executor-reported failures in metrics.
const reasonExecutorFailed = "executor_failed"

// Dispatcher starts work on the external executor.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID uuid.UUID, payload json.RawMessage, callbackURL string) error
}

type Config struct {
	// WaitTimeout bounds how long Submit waits for an outcome after dispatch.
	WaitTimeout time.Duration
	// PublicBaseURL is where executors reach this fleet's callback endpoint.
	PublicBaseURL string
}

// CallbackURL is the address an executor posts a job's completion to.
func CallbackURL(publicBaseURL string, jobID uuid.UUID) string {
	return fmt.Sprintf("%s/api/v1/callbacks/%s", publicBaseURL, jobID)
}

// pendingWait is a one-shot future. Only the goroutine that removes it from
// the table may settle it.
type pendingWait struct {
	done   chan struct{}
	result *models.CompletionResult
	err    error
}

func (w *pendingWait) settle(r *models.CompletionResult, err error) {
	w.result, w.err = r, err
	close(w.done)
}

// Correlator registers jobs, dispatches them and waits for their outcome.
type Correlator struct {
	store      store.JobStore
	bus        notify.Bus
	dispatcher Dispatcher
	metrics    *metrics.Collector
	cfg        Config

	// waits maps job id to *pendingWait for jobs owned by this process.
	waits sync.Map

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup

	lifetime context.Context
	stop     context.CancelFunc
}

func New(st store.JobStore, bus notify.Bus, d Dispatcher, m *metrics.Collector, cfg Config) *Correlator {
	lifetime, stop := context.WithCancel(context.Background())
	return &Correlator{
		store:      st,
		bus:        bus,
		dispatcher: d,
		metrics:    m,
		cfg:        cfg,
		lifetime:   lifetime,
		stop:       stop,
	}
}

// Submit registers a Pending job for payload, dispatches it and blocks until
// a terminal outcome, the wait deadline, or cancellation of ctx. Executor
// outcomes (Completed or Failed) are returned as a result; every other exit
// is a *JobError.
func (c *Correlator) Submit(ctx context.Context, payload json.RawMessage) (*models.CompletionResult, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, ErrShuttingDown
	}
	c.inflight.Add(1)
	c.mu.RUnlock()
	defer c.inflight.Done()

	job := models.NewPendingJob(payload)
	ctx = jlog.ContextAttrs(ctx, slog.String("job_id", job.ID.String()))

	if err := c.store.Put(ctx, job); err != nil {
		slog.ErrorContext(ctx, "register job failed", "error", err)
		return nil, &JobError{JobID: job.ID, Err: fmt.Errorf("%w: %v", ErrInternal, err)}
	}
	c.metrics.RecordRegistered()

	w := &pendingWait{done: make(chan struct{})}
	c.waits.Store(job.ID, w)
	c.metrics.WaitStarted()
	defer c.metrics.WaitEnded()
	defer c.waits.Delete(job.ID)

	res, err := c.run(ctx, job, w)
	c.record(job, res, err)
	return res, err
}

// run covers everything between registration and resolution. A panic here
// is converted to a Failed job so the wait is never left dangling.
func (c *Correlator) run(ctx context.Context, job *models.Job, w *pendingWait) (res *models.CompletionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic in job registration", "error", r)
			res, err = c.finalize(ctx, job.ID, w,
				models.TerminalResult(job.ID, models.JobStatusFailed, models.ReasonInternal, fmt.Sprint(r)), ErrInternal)
		}
	}()

	sub, err := c.bus.Subscribe(ctx, job.ID, func(p []byte) { c.onNotification(ctx, job.ID, p) })
	if err != nil {
		if ctx.Err() != nil {
			return c.finalize(ctx, job.ID, w,
				models.TerminalResult(job.ID, models.JobStatusCancelled, models.ReasonClientCancelled, "caller cancelled"),
				ErrCancelled)
		}
		slog.ErrorContext(ctx, "subscribe to job topic failed", "error", err)
		return c.finalize(ctx, job.ID, w,
			models.TerminalResult(job.ID, models.JobStatusFailed, models.ReasonInternal, err.Error()), ErrInternal)
	}
	defer func() {
		if cerr := sub.Close(); cerr != nil {
			slog.WarnContext(ctx, "close job subscription failed", "error", cerr)
		}
	}()

	if err := c.dispatch(ctx, job); err != nil {
		return c.dispatchFailed(ctx, job.ID, w, err)
	}

	timer := time.NewTimer(c.cfg.WaitTimeout)
	defer timer.Stop()

	select {
	case <-w.done:
		return c.outcome(job.ID, w.result, w.err)
	case <-timer.C:
		return c.finalize(ctx, job.ID, w,
			models.TerminalResult(job.ID, models.JobStatusTimeout, models.ReasonWaitTimeout, "no completion before wait deadline"),
			ErrWaitTimeout)
	case <-ctx.Done():
		return c.finalize(ctx, job.ID, w,
			models.TerminalResult(job.ID, models.JobStatusCancelled, models.ReasonClientCancelled, "caller cancelled"),
			ErrCancelled)
	case <-c.lifetime.Done():
		c.fault(job.ID, ErrShuttingDown)
		<-w.done
		return c.outcome(job.ID, w.result, w.err)
	}
}

// dispatch runs the pipeline under a context that ends with either the
// caller or the correlator.
func (c *Correlator) dispatch(ctx context.Context, job *models.Job) error {
	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.lifetime, cancel)
	defer stop()

	return c.dispatcher.Dispatch(dctx, job.ID, job.RequestPayload, CallbackURL(c.cfg.PublicBaseURL, job.ID))
}

func (c *Correlator) dispatchFailed(ctx context.Context, id uuid.UUID, w *pendingWait, err error) (*models.CompletionResult, error) {
	slog.WarnContext(ctx, "dispatch failed", "error", err)

	if ctx.Err() == nil && c.lifetime.Err() != nil {
		return c.abandon(ctx, id, w, err)
	}

	status, reason, sentinel := models.JobStatusFailed, models.ReasonDispatchFailed, ErrDispatchUnavailable
	var de *dispatch.Error
	switch {
	case ctx.Err() != nil:
		status, reason, sentinel = models.JobStatusCancelled, models.ReasonClientCancelled, ErrCancelled
	case errors.As(err, &de) && de.Kind == dispatch.KindFailed:
	case errors.As(err, &de) && de.Kind == dispatch.KindCancelled:
		reason = models.ReasonDispatchCancelled
	default:
		reason, sentinel = models.ReasonDispatchUnexpected, ErrInternal
	}

	return c.finalize(ctx, id, w, models.TerminalResult(id, status, reason, err.Error()), sentinel)
}

// abandon handles a dispatch cut short by Shutdown. The executor never
// accepted the job, so it is recorded as Failed even if Shutdown has already
// faulted the wait.
func (c *Correlator) abandon(ctx context.Context, id uuid.UUID, w *pendingWait, err error) (*models.CompletionResult, error) {
	terminal := models.TerminalResult(id, models.JobStatusFailed, models.ReasonDispatchCancelled, err.Error())

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if _, serr := c.store.SetTerminal(sctx, terminal); serr != nil {
		slog.ErrorContext(ctx, "record terminal status failed", "status", terminal.Status.String(), "error", serr)
	}

	c.fault(id, ErrShuttingDown)
	<-w.done
	if w.err != nil {
		return nil, &JobError{JobID: id, Status: terminal.Status, Reason: models.ReasonDispatchCancelled, Err: ErrShuttingDown}
	}
	return c.outcome(id, w.result, nil)
}

// finalize resolves w locally with a system-originated terminal outcome. If a
// notification already claimed w, its result wins. If the store shows another
// writer got there first, the stored outcome wins.
func (c *Correlator) finalize(ctx context.Context, id uuid.UUID, w *pendingWait, terminal *models.CompletionResult, sentinel error) (*models.CompletionResult, error) {
	if _, ok := c.waits.LoadAndDelete(id); !ok {
		<-w.done
		return c.outcome(id, w.result, w.err)
	}

	jobErr := &JobError{JobID: id, Status: terminal.Status, Reason: *terminal.ErrorMessage, Err: sentinel}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	applied, err := c.store.SetTerminal(sctx, terminal)
	switch {
	case err != nil:
		slog.ErrorContext(ctx, "record terminal status failed", "status", terminal.Status.String(), "error", err)
	case !applied:
		if job, gerr := c.store.Get(sctx, id); gerr == nil && job.Status.IsTerminal() {
			slog.InfoContext(ctx, "terminal status already recorded", "status", job.Status.String())
			res, rerr := c.outcome(id, job.Result(), nil)
			w.settle(res, rerr)
			return res, rerr
		}
	}

	w.settle(nil, jobErr)
	return nil, jobErr
}

// fault settles the wait for id with err if nobody has claimed it yet.
func (c *Correlator) fault(id uuid.UUID, err error) {
	if v, ok := c.waits.LoadAndDelete(id); ok {
		v.(*pendingWait).settle(nil, &JobError{JobID: id, Err: err})
	}
}

func (c *Correlator) onNotification(ctx context.Context, id uuid.UUID, payload []byte) {
	var result models.CompletionResult
	if err := json.Unmarshal(payload, &result); err != nil {
		slog.WarnContext(ctx, "discarding undecodable notification", "error", err)
		return
	}
	if result.JobID != id || !result.Status.IsTerminal() {
		slog.WarnContext(ctx, "discarding notification for wrong job or state",
			"notified_job_id", result.JobID.String(), "status", result.Status.String())
		return
	}
	if v, ok := c.waits.LoadAndDelete(id); ok {
		v.(*pendingWait).settle(&result, nil)
	}
}

// outcome maps a settled result onto Submit's return values.
func (c *Correlator) outcome(id uuid.UUID, r *models.CompletionResult, err error) (*models.CompletionResult, error) {
	if err != nil {
		return nil, err
	}
	reason := ""
	if r.ErrorMessage != nil {
		reason = *r.ErrorMessage
	}
	switch r.Status {
	case models.JobStatusTimeout:
		return nil, &JobError{JobID: id, Status: r.Status, Reason: reason, Err: ErrWaitTimeout}
	case models.JobStatusCancelled:
		return nil, &JobError{JobID: id, Status: r.Status, Reason: reason, Err: ErrCancelled}
	}
	return r, nil
}

func (c *Correlator) record(job *models.Job, res *models.CompletionResult, err error) {
	latency := time.Since(job.CreatedAt).Seconds()
	if res != nil {
		reason := ""
		if res.Status != models.JobStatusCompleted {
			reason = reasonExecutorFailed
		}
		c.metrics.RecordResolved(res.Status.String(), reason, latency)
		return
	}
	var je *JobError
	if errors.As(err, &je) && je.Reason != "" {
		c.metrics.RecordResolved(je.Status.String(), je.Reason, latency)
	}
}

// Waiting reports how many jobs this process is currently waiting on.
func (c *Correlator) Waiting() int {
	n := 0
	c.waits.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Shutdown stops accepting submissions, abandons in-flight dispatches and
// faults every outstanding wait with ErrShuttingDown, then waits for all
// Submit calls to return or ctx to end. Job records are left as they are.
func (c *Correlator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.stop()
	c.waits.Range(func(k, _ any) bool {
		c.fault(k.(uuid.UUID), ErrShuttingDown)
		return true
	})

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
