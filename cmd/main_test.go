package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cexll/inspector/internal/batch"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SSH_HOST_ANOMALY_DETECTION", "gpu-1")
	t.Setenv("SSH_USERNAME_ANOMALY_DETECTION", "infer")
	t.Setenv("SSH_PASSWORD_ANOMALY_DETECTION", "secret")
	t.Setenv("SSH_REMOTE_BASE_PATH_ANOMALY_DETECTION", "/srv/ad")
	t.Setenv("CONDA_ENV_NAME_ANOMALY_DETECTION", "ad")
	t.Setenv("SSH_HOST_TREND_ANALYSIS", "")
	t.Setenv("INSPECTOR_CONFIG", "")
	t.Setenv("API_JWT_SECRET", "")
	t.Setenv("ONLINE_PROCESSING_AD_DIR", "")
	t.Setenv("BATCH_AUTOSTART", "")
	t.Setenv("ALERT_GITHUB_REPO", "")
	t.Setenv("HISTORY_DB", filepath.Join(dir, "history.db"))
	t.Setenv("CHECKPOINT_DIR", filepath.Join(dir, "checkpoints"))
	t.Setenv("DOWNLOAD_DIR", filepath.Join(dir, "downloads"))
	t.Setenv("ANOMALY_RECORD_DIR", filepath.Join(dir, "streaks"))
	t.Setenv("DISPATCHER_WORKERS", "1")
	t.Setenv("DISPATCHER_QUEUE_SIZE", "1")
	t.Setenv("LOG_LEVEL", "error")

	prev := loadDotEnv
	loadDotEnv = func(...string) error { return nil }
	t.Cleanup(func() { loadDotEnv = prev })
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRun_StartsServerWithValidConfig(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "4321")

	var served *http.Server
	err := run(context.Background(), func(_ context.Context, srv *http.Server) error {
		served = srv
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, served)
	assert.Equal(t, ":4321", served.Addr)

	assert.Equal(t, http.StatusOK, get(served.Handler, "/health").Code)

	rec := get(served.Handler, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	var info map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "inspector", info["service"])

	// Batch routes answer 503 without a watch directory.
	assert.Equal(t, http.StatusServiceUnavailable, get(served.Handler, "/batch/status").Code)
}

func TestRun_ReturnsErrorWhenServeFails(t *testing.T) {
	setRequiredEnv(t)

	expected := errors.New("listen failed")
	err := run(context.Background(), func(context.Context, *http.Server) error {
		return expected
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, expected)
}

func TestRun_InvalidConfig(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SSH_HOST_ANOMALY_DETECTION", "")

	called := false
	err := run(context.Background(), func(context.Context, *http.Server) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load configuration")
	assert.False(t, called, "serve should not be called when configuration fails")
}

func TestRun_RequiresTokenWhenSecretSet(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("API_JWT_SECRET", "s3cret")

	err := run(context.Background(), func(_ context.Context, srv *http.Server) error {
		assert.Equal(t, http.StatusOK, get(srv.Handler, "/health").Code)
		assert.Equal(t, http.StatusUnauthorized, get(srv.Handler, "/jobs").Code)
		return nil
	})
	require.NoError(t, err)
}

func TestRun_AutoStartsBatch(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ONLINE_PROCESSING_AD_DIR", t.TempDir())
	t.Setenv("BATCH_AUTOSTART", "true")
	t.Setenv("BATCH_CHECKPOINT", "new")
	t.Setenv("BATCH_WATCH", "false")

	err := run(context.Background(), func(_ context.Context, srv *http.Server) error {
		rec := get(srv.Handler, "/batch/status")
		require.Equal(t, http.StatusOK, rec.Code)
		var st struct {
			Running        bool   `json:"running"`
			CheckpointPath string `json:"checkpoint_path"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
		assert.True(t, st.Running)
		assert.NotEmpty(t, st.CheckpointPath)
		return nil
	})
	require.NoError(t, err)
}

func TestServeHTTP_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}

	done := make(chan error, 1)
	go func() { done <- serveHTTP(ctx, srv) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serveHTTP did not return after cancellation")
	}
}

type slowBatch struct {
	stopErr error
	release chan struct{}
}

func (b *slowBatch) Stop() error { return b.stopErr }
func (b *slowBatch) Wait()       { <-b.release }

func TestStopBatch_WaitsForRunAfterStopTimeout(t *testing.T) {
	b := &slowBatch{stopErr: batch.ErrStopTimeout, release: make(chan struct{})}

	done := make(chan struct{})
	go func() {
		stopBatch(b, zap.NewNop(), time.Minute)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("stopBatch returned while the run was still active")
	case <-time.After(50 * time.Millisecond):
	}

	close(b.release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stopBatch did not return after the run exited")
	}
}

func TestStopBatch_BoundedWait(t *testing.T) {
	b := &slowBatch{stopErr: batch.ErrStopTimeout, release: make(chan struct{})}
	defer close(b.release)

	start := time.Now()
	stopBatch(b, zap.NewNop(), 20*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
}

func TestStopBatch_NotRunningSkipsWait(t *testing.T) {
	b := &slowBatch{stopErr: batch.ErrNotRunning, release: make(chan struct{})}
	defer close(b.release)

	stopBatch(b, zap.NewNop(), time.Minute)
}
