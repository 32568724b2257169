package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/jobgate/internal/api/response"
	"github.com/kiranshivaraju/jobgate/internal/callback"
)

// Receiver applies an authenticated executor callback.
type Receiver interface {
	Receive(ctx context.Context, rawJobID, signature string, body []byte) (callback.Outcome, error)
}

type callbackResponse struct {
	JobID   string `json:"job_id"`
	Outcome string `json:"outcome"`
}

// NewCallbackHandler returns an http.HandlerFunc for POST /api/v1/callbacks/{jobID}.
// Duplicates are acknowledged with 200 so the executor stops retrying.
func NewCallbackHandler(gate Receiver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxPayloadBytes))
		if err != nil {
			response.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Request body too large", nil)
			return
		}

		jobID := chi.URLParam(r, "jobID")
		outcome, err := gate.Receive(r.Context(), jobID, r.Header.Get(callback.SignatureHeader), body)
		switch {
		case errors.Is(err, callback.ErrUnauthenticated):
			response.Error(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "Callback signature missing or invalid", nil)
			return
		case errors.Is(err, callback.ErrMalformed):
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		case err != nil:
			slog.ErrorContext(r.Context(), "callback failed", "job_id", jobID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		if outcome == callback.OutcomeNotFound {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found or expired", nil)
			return
		}

		response.JSON(w, callbackResponse{JobID: jobID, Outcome: outcome.String()})
	}
}
