package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/jobgate/internal/callback"
	"github.com/kiranshivaraju/jobgate/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── mock pinger ────────────────────────────────────────────────────────────

type testPinger struct {
	pingErr error
}

func (p *testPinger) Ping(_ context.Context) error { return p.pingErr }

// ─── health handler tests ───────────────────────────────────────────────────

func TestHealthHandler_AllOK(t *testing.T) {
	h := healthHandler(&testPinger{}, &testPinger{})

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data := body["data"].(map[string]any)
	assert.Equal(t, "ok", data["status"])
	services := data["services"].(map[string]any)
	assert.Equal(t, "ok", services["store"])
	assert.Equal(t, "ok", services["bus"])
}

func TestHealthHandler_StoreDegraded(t *testing.T) {
	h := healthHandler(&testPinger{pingErr: errors.New("connection refused")}, &testPinger{})

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "DEGRADED", errObj["code"])
	details := errObj["details"].(map[string]any)
	assert.Equal(t, "degraded", details["store"])
	assert.Equal(t, "ok", details["bus"])
}

func TestHealthHandler_BusDegraded(t *testing.T) {
	h := healthHandler(&testPinger{}, &testPinger{pingErr: errors.New("redis down")})

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// ─── purge loop tests ───────────────────────────────────────────────────────

type countingPurger struct {
	calls atomic.Int32
	err   error
}

func (p *countingPurger) Purge(_ context.Context) (int64, error) {
	p.calls.Add(1)
	return 3, p.err
}

func TestPurgeLoop_RunsUntilCancelled(t *testing.T) {
	p := &countingPurger{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		purgeLoop(ctx, p, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return p.calls.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("purge loop did not stop")
	}
}

func TestPurgeLoop_SurvivesErrors(t *testing.T) {
	p := &countingPurger{err: errors.New("db down")}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go purgeLoop(ctx, p, 5*time.Millisecond)

	assert.Eventually(t, func() bool { return p.calls.Load() >= 3 }, time.Second, time.Millisecond)
}

// ─── write timeout ──────────────────────────────────────────────────────────

func TestWriteTimeout_CoversDispatchAndWait(t *testing.T) {
	cfg := config.Default()
	// 4 attempts of 10s, 3 backoffs of at most 30s, 60s wait, 15s slack
	assert.Equal(t, 40*time.Second+90*time.Second+60*time.Second+15*time.Second, writeTimeout(cfg))
}

func TestShutdownTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, shutdownTimeout)
}

// ─── commands ───────────────────────────────────────────────────────────────

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSignCommand_Stdin(t *testing.T) {
	body := `{"jobId":"22222222-2222-2222-2222-222222222222","status":"Completed","message":"ok"}`

	out, err := execute(t, body, "sign", "--secret", "s3cret")
	require.NoError(t, err)

	sig := strings.TrimSpace(out)
	assert.True(t, strings.HasPrefix(sig, "sha256="))
	assert.True(t, callback.Verify([]byte("s3cret"), []byte(body), sig))
}

func TestSignCommand_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "body.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"v":1}`), 0o600))

	out, err := execute(t, "", "sign", "--secret", "s3cret", "-f", path)
	require.NoError(t, err)
	assert.Equal(t, callback.Sign([]byte("s3cret"), []byte(`{"v":1}`)), strings.TrimSpace(out))
}

func TestSignCommand_RequiresSecret(t *testing.T) {
	t.Setenv("CALLBACK_SIGNING_SECRET", "")

	_, err := execute(t, "{}", "sign")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret")
}

func TestMigrateCommand_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := execute(t, "", "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestServe_FailsOnMissingConfig(t *testing.T) {
	for _, key := range []string{
		"REDIS_URL", "EXECUTOR_BASE_URL", "PUBLIC_BASE_URL", "CALLBACK_SIGNING_SECRET", "JOBGATE_CONFIG_FILE",
	} {
		t.Setenv(key, "")
	}

	_, err := execute(t, "", "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestRun_FailsOnUnreachableRedis(t *testing.T) {
	cfg := config.Default()
	cfg.Redis.URL = "redis://127.0.0.1:1"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
}
