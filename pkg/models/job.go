// Package models contains shared data models used across the jobgate codebase.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a Job. Pending is the only
// non-terminal state; no transition out of a terminal state exists.
type JobStatus uint8

const (
	JobStatusPending JobStatus = iota
	JobStatusCompleted
	JobStatusFailed
	JobStatusCancelled
	JobStatusTimeout
)

var jobStatusNames = [...]string{
	JobStatusPending:   "Pending",
	JobStatusCompleted: "Completed",
	JobStatusFailed:    "Failed",
	JobStatusCancelled: "Cancelled",
	JobStatusTimeout:   "Timeout",
}

func (s JobStatus) String() string {
	if int(s) < len(jobStatusNames) {
		return jobStatusNames[s]
	}
	return fmt.Sprintf("JobStatus(%d)", uint8(s))
}

// IsTerminal reports whether s is one of Completed, Failed, Cancelled or Timeout.
func (s JobStatus) IsTerminal() bool {
	return s >= JobStatusCompleted && s <= JobStatusTimeout
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	return int(s) < len(jobStatusNames)
}

// ParseJobStatus parses the canonical status name.
func ParseJobStatus(v string) (JobStatus, error) {
	for i, name := range jobStatusNames {
		if name == v {
			return JobStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown job status %q", v)
}

func (s JobStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid job status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *JobStatus) UnmarshalText(b []byte) error {
	parsed, err := ParseJobStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Failure reason tags recorded in ErrorMessage when the system itself
// terminates a job.
const (
	ReasonDispatchFailed     = "dispatch_failed"
	ReasonDispatchCancelled  = "dispatch_cancelled"
	ReasonDispatchUnexpected = "dispatch_unexpected"
	ReasonWaitTimeout        = "wait_timeout"
	ReasonClientCancelled    = "client_cancelled"
	ReasonInternal           = "internal"
)

// Job is the durable record of one unit of externally executed work.
// The ID doubles as store key, notification topic and callback address.
type Job struct {
	ID             uuid.UUID       `json:"id"`
	Status         JobStatus       `json:"status"`
	Message        string          `json:"message,omitempty"`
	RequestPayload json.RawMessage `json:"request_payload,omitempty"`
	ResultPayload  json.RawMessage `json:"result_payload,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// NewPendingJob returns a freshly identified job in the Pending state.
func NewPendingJob(payload json.RawMessage) *Job {
	return &Job{
		ID:             uuid.New(),
		Status:         JobStatusPending,
		RequestPayload: payload,
		CreatedAt:      time.Now().UTC(),
	}
}

// Result projects the job record onto the completion wire shape.
func (j *Job) Result() *CompletionResult {
	r := &CompletionResult{
		JobID:   j.ID,
		Status:  j.Status,
		Message: j.Message,
		Payload: j.ResultPayload,
	}
	if j.ErrorMessage != nil {
		msg := *j.ErrorMessage
		r.ErrorMessage = &msg
	}
	return r
}

// ApplyTerminal copies a terminal outcome onto the job. The caller is
// responsible for checking that the job is still Pending.
func (j *Job) ApplyTerminal(r *CompletionResult, at time.Time) {
	j.Status = r.Status
	j.Message = r.Message
	j.ResultPayload = r.Payload
	j.ErrorMessage = nil
	if r.ErrorMessage != nil {
		msg := *r.ErrorMessage
		j.ErrorMessage = &msg
	}
	completed := at.UTC()
	j.CompletedAt = &completed
}

// CompletionResult is the outcome of a job as carried by the executor
// callback, the notification bus and the submission response.
type CompletionResult struct {
	JobID        uuid.UUID       `json:"jobId"`
	Status       JobStatus       `json:"status"`
	Message      string          `json:"message"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
}

// TerminalResult builds a system-originated terminal outcome tagged with reason.
func TerminalResult(id uuid.UUID, status JobStatus, reason, message string) *CompletionResult {
	return &CompletionResult{
		JobID:        id,
		Status:       status,
		Message:      message,
		ErrorMessage: &reason,
	}
}
