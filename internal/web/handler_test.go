package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cexll/inspector/internal/batch"
	"github.com/cexll/inspector/internal/checkpoint"
	"github.com/cexll/inspector/internal/dispatcher"
	"github.com/cexll/inspector/internal/history"
	"github.com/cexll/inspector/internal/metrics"
	"github.com/cexll/inspector/internal/taskstore"
)

type fakeQueue struct {
	jobs []taskstore.Job
	err  error
}

func (q *fakeQueue) Enqueue(job taskstore.Job) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type fakeBatch struct {
	running    bool
	started    string
	startErr   error
	stopErr    error
	startCtxOK bool
}

func (b *fakeBatch) Start(ctx context.Context, path string) error {
	if b.startErr != nil {
		return b.startErr
	}
	if b.running {
		return batch.ErrAlreadyRunning
	}
	b.startCtxOK = ctx.Done() == nil
	b.running = true
	b.started = path
	return nil
}

func (b *fakeBatch) Stop() error {
	if b.stopErr != nil {
		return b.stopErr
	}
	if !b.running {
		return batch.ErrNotRunning
	}
	b.running = false
	return nil
}

func (b *fakeBatch) Status() batch.Status {
	return batch.Status{Running: b.running, CheckpointPath: b.started, WatchDir: "/watch"}
}

type testServer struct {
	handler *Handler
	router  http.Handler
	jobs    *taskstore.Store
	queue   *fakeQueue
	batch   *fakeBatch
	results *history.Store
	cpDir   string
}

func newTestServer(t *testing.T, auth *Authenticator) *testServer {
	t.Helper()
	results, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { results.Close() })

	ts := &testServer{
		jobs:    taskstore.NewStore(),
		queue:   &fakeQueue{},
		batch:   &fakeBatch{},
		results: results,
		cpDir:   t.TempDir(),
	}
	ts.handler = NewHandler(Options{
		Jobs:          ts.jobs,
		Queue:         ts.queue,
		Batch:         ts.batch,
		Results:       results,
		Metrics:       metrics.New(),
		Auth:          auth,
		CheckpointDir: ts.cpDir,
	})
	ts.handler.now = func() time.Time { return time.Date(2025, 7, 1, 12, 0, 0, 0, time.Local) }
	ts.router = ts.handler.Router()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthAndInfo(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())

	w = ts.do(t, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, w.Code)
	info := decode[map[string]any](t, w)
	assert.Equal(t, "inspector", info["service"])
	assert.Equal(t, false, info["batch_running"])
}

func TestInfoCountsRecentAnomalies(t *testing.T) {
	ts := newTestServer(t, nil)
	now := ts.handler.now()
	ctx := context.Background()
	require.NoError(t, ts.results.Save(ctx, history.Record{ProcessID: "p1", Anomalous: true, CreatedAt: now.Add(-time.Hour)}))
	require.NoError(t, ts.results.Save(ctx, history.Record{ProcessID: "p2", Anomalous: true, CreatedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, ts.results.Save(ctx, history.Record{ProcessID: "p3", CreatedAt: now.Add(-time.Minute)}))

	w := ts.do(t, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, w.Code)
	info := decode[map[string]any](t, w)
	assert.Equal(t, float64(1), info["anomalous_last_24h"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "inspector_batch_running")
}

func TestSubmitAndGetJob(t *testing.T) {
	ts := newTestServer(t, nil)
	img := filepath.Join(t.TempDir(), "frame.png")
	require.NoError(t, os.WriteFile(img, []byte("x"), 0o644))

	w := ts.do(t, http.MethodPost, "/jobs", `{"kind":"anomaly","path":"`+img+`"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	job := decode[taskstore.Job](t, w)
	assert.Equal(t, "anomaly_detection", job.Kind)
	require.Len(t, ts.queue.jobs, 1)

	w = ts.do(t, http.MethodGet, "/jobs/"+job.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, job.ID, decode[taskstore.Job](t, w).ID)

	w = ts.do(t, http.MethodGet, "/jobs", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]taskstore.Job](t, w), 1)

	w = ts.do(t, http.MethodGet, "/jobs/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmitJobErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	dir := t.TempDir()

	w := ts.do(t, http.MethodPost, "/jobs", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/jobs", `{"kind":"segment","path":"`+dir+`"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode[map[string]string](t, w)["error"], "unknown job kind")

	ts.queue.err = dispatcher.ErrQueueFull
	w = ts.do(t, http.MethodPost, "/jobs", `{"kind":"trend","path":"`+dir+`"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	ts.queue.err = dispatcher.ErrQueueClosed
	w = ts.do(t, http.MethodPost, "/jobs", `{"kind":"trend","path":"`+dir+`"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestBatchLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/batch/start", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	status := decode[batch.Status](t, w)
	assert.True(t, status.Running)
	assert.Equal(t, filepath.Join(ts.cpDir, "20250701_120000.json"), ts.batch.started)
	assert.True(t, ts.batch.startCtxOK, "batch run must not inherit request cancellation")

	w = ts.do(t, http.MethodPost, "/batch/start", `{"checkpoint":"latest"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodGet, "/batch/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[batch.Status](t, w).Running)

	w = ts.do(t, http.MethodPost, "/batch/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[batch.Status](t, w).Running)

	w = ts.do(t, http.MethodPost, "/batch/stop", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestBatchStartResumesLatestCheckpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	cp := checkpoint.New(filepath.Join(ts.cpDir, "20250630_080000.json"))
	cp.Record(checkpoint.NewEntry("/watch/a.png", "p1", time.Now()))
	require.NoError(t, cp.Save())

	w := ts.do(t, http.MethodPost, "/batch/start", `{"checkpoint":"latest"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, cp.Path(), ts.batch.started)
}

func TestBatchStartCheckpointPathConfined(t *testing.T) {
	ts := newTestServer(t, nil)
	settings := filepath.Join(t.TempDir(), "settings.json")

	w := ts.do(t, http.MethodPost, "/batch/start", `{"checkpoint":"`+settings+`"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode[map[string]string](t, w)["error"], "outside checkpoint directory")

	w = ts.do(t, http.MethodPost, "/batch/start", `{"checkpoint":"../settings.json"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, ts.batch.started)

	w = ts.do(t, http.MethodPost, "/batch/start", `{"checkpoint":"20250630_080000.json"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, filepath.Join(ts.cpDir, "20250630_080000.json"), ts.batch.started)
}

func TestBatchStartInvalidBodyAndErrors(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/batch/start", `{"checkpoint":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	ts.batch.startErr = assert.AnError
	w = ts.do(t, http.MethodPost, "/batch/start", `{"checkpoint":"none"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	ts.batch.startErr = nil
	ts.batch.running = true
	ts.batch.stopErr = batch.ErrStopTimeout
	w = ts.do(t, http.MethodPost, "/batch/stop", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "stopping", decode[map[string]string](t, w)["status"])
}

func TestBatchNotConfigured(t *testing.T) {
	h := NewHandler(Options{Jobs: taskstore.NewStore(), Queue: &fakeQueue{}})
	router := h.Router()
	for _, path := range []string{"/batch/status"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/results", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCheckpointsListing(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodGet, "/checkpoints", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]\n", w.Body.String())

	cp := checkpoint.New(filepath.Join(ts.cpDir, "20250630_080000.json"))
	cp.Record(checkpoint.NewEntry("/watch/a.png", "p1", time.Now()))
	require.NoError(t, cp.Save())

	w = ts.do(t, http.MethodGet, "/checkpoints", "")
	infos := decode[[]checkpoint.Info](t, w)
	require.Len(t, infos, 1)
	assert.Equal(t, 1, infos[0].ProcessedCount)
}

func TestResults(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	base := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	for i, pid := range []string{"p1", "p2", "p3"} {
		require.NoError(t, ts.results.Save(ctx, history.Record{
			ProcessID: pid,
			Pipeline:  "anomaly_detection",
			Source:    "batch",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	w := ts.do(t, http.MethodGet, "/results?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	records := decode[[]history.Record](t, w)
	require.Len(t, records, 2)
	assert.Equal(t, "p3", records[0].ProcessID)

	w = ts.do(t, http.MethodGet, "/results?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/results/p2", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "p2", decode[history.Record](t, w).ProcessID)

	w = ts.do(t, http.MethodGet, "/results/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthMiddleware(t *testing.T) {
	auth := NewAuthenticator("s3cret")
	ts := newTestServer(t, auth)

	w := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code, "health stays public")

	w = ts.do(t, http.MethodGet, "/jobs", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))

	w = ts.do(t, http.MethodGet, "/jobs", "", "Authorization", "Basic abc")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := auth.IssueToken("operator", time.Hour)
	require.NoError(t, err)
	w = ts.do(t, http.MethodGet, "/jobs", "", "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, w.Code)

	other, err := NewAuthenticator("different").IssueToken("operator", time.Hour)
	require.NoError(t, err)
	w = ts.do(t, http.MethodGet, "/jobs", "", "Authorization", "Bearer "+other)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthenticator_Verify(t *testing.T) {
	auth := NewAuthenticator("s3cret")
	issued := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	auth.now = func() time.Time { return issued }

	token, err := auth.IssueToken("cli", time.Minute)
	require.NoError(t, err)

	claims, err := auth.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "cli", claims.Subject)
	assert.Equal(t, "inspector", claims.Issuer)

	auth.now = func() time.Time { return issued.Add(2 * time.Minute) }
	_, err = auth.Verify(token)
	assert.Error(t, err, "expired tokens are rejected")

	assert.Nil(t, NewAuthenticator(""))
}
