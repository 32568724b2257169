package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/jobgate/internal/callback"
)

// Sentinel errors for executor call failures.
var (
	ErrExecutorUnreachable = errors.New("executor unreachable")
	ErrExecutorTimeout     = errors.New("executor timeout")
	ErrInvalidRequest      = errors.New("invalid executor request")
)

// StatusError is a non-2xx response from the executor.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("executor returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("executor returned status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt:
// any 5xx, 408 or 429.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests
}

// Retryable classifies an attempt error. Transport failures and per-attempt
// timeouts are retryable; other 4xx responses and local errors are not.
func Retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return errors.Is(err, ErrExecutorUnreachable) || errors.Is(err, ErrExecutorTimeout)
}

// StartRequest is the body sent to the executor to start work.
type StartRequest struct {
	JobID       uuid.UUID       `json:"jobId"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CallbackURL string          `json:"callbackUrl"`
}

// Executor starts work on the external executor.
type Executor interface {
	Start(ctx context.Context, req StartRequest) error
}

// HTTPClient implements Executor over HTTP. It sets no client-level timeout;
// attempts are bounded by the context the pipeline passes in.
type HTTPClient struct {
	url    string
	apiKey string
	secret []byte
	client *http.Client
}

// NewHTTPClient creates a new executor client posting to baseURL+startPath.
func NewHTTPClient(baseURL, startPath, apiKey string, secret []byte) *HTTPClient {
	return &HTTPClient{
		url:    baseURL + startPath,
		apiKey: apiKey,
		secret: secret,
		client: &http.Client{},
	}
}

func (c *HTTPClient) Start(ctx context.Context, req StartRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(callback.SignatureHeader, callback.Sign(c.secret, body))
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// classifyError maps transport-level errors to sentinel errors. Caller
// cancellation is passed through unchanged so it is never retried.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrExecutorTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrExecutorTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrExecutorUnreachable, err)
}

// Compile-time check that HTTPClient implements Executor.
var _ Executor = (*HTTPClient)(nil)
