package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/jobgate/internal/api/response"
	"github.com/kiranshivaraju/jobgate/internal/correlator"
	"github.com/kiranshivaraju/jobgate/internal/store"
	"github.com/kiranshivaraju/jobgate/pkg/models"
)

// MaxPayloadBytes bounds submission and callback bodies.
const MaxPayloadBytes = 1 << 20

// StatusClientClosedRequest is nginx's non-standard code for a caller that
// disconnected before the job resolved.
const StatusClientClosedRequest = 499

// Submitter runs a job to completion.
type Submitter interface {
	Submit(ctx context.Context, payload json.RawMessage) (*models.CompletionResult, error)
}

// JobGetter reads the stored job record.
type JobGetter interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

// NewSubmitJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
// The request blocks until the executor reports back or the wait ends.
func NewSubmitJobHandler(svc Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxPayloadBytes))
		if err != nil {
			response.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Request body too large", nil)
			return
		}
		if len(body) == 0 || !json.Valid(body) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Body must be a JSON payload", nil)
			return
		}

		result, err := svc.Submit(r.Context(), json.RawMessage(body))
		if err != nil {
			writeSubmitError(r.Context(), w, err)
			return
		}

		response.JSON(w, result)
	}
}

func writeSubmitError(ctx context.Context, w http.ResponseWriter, err error) {
	var details map[string]string
	var jobErr *correlator.JobError
	if errors.As(err, &jobErr) {
		details = map[string]string{"job_id": jobErr.JobID.String()}
	}

	switch {
	case errors.Is(err, correlator.ErrCancelled):
		response.Error(w, StatusClientClosedRequest, "CLIENT_CLOSED_REQUEST",
			"The request was cancelled before the job completed", details)
	case errors.Is(err, correlator.ErrWaitTimeout):
		response.Error(w, http.StatusGatewayTimeout, "JOB_TIMEOUT",
			"The job did not complete within the wait deadline", details)
	case errors.Is(err, correlator.ErrDispatchUnavailable):
		response.Error(w, http.StatusServiceUnavailable, "DISPATCH_UNAVAILABLE",
			"The executor could not be reached", details)
	case errors.Is(err, correlator.ErrShuttingDown):
		response.Error(w, http.StatusServiceUnavailable, "SHUTTING_DOWN",
			"The server is shutting down", details)
	default:
		slog.ErrorContext(ctx, "job submission failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", details)
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(jobs JobGetter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
			return
		}

		job, err := jobs.Get(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found or expired", nil)
			return
		}
		if err != nil {
			slog.ErrorContext(r.Context(), "get job failed", "job_id", id.String(), "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.JSON(w, job)
	}
}
