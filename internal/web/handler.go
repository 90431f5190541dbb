// Package web exposes the inspector engine over a small JSON API.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cexll/inspector/internal/batch"
	"github.com/cexll/inspector/internal/checkpoint"
	"github.com/cexll/inspector/internal/dispatcher"
	"github.com/cexll/inspector/internal/executor"
	"github.com/cexll/inspector/internal/history"
	"github.com/cexll/inspector/internal/metrics"
	"github.com/cexll/inspector/internal/taskstore"
)

// BatchController is the part of batch.Manager the API drives.
type BatchController interface {
	Start(ctx context.Context, checkpointPath string) error
	Stop() error
	Status() batch.Status
}

// ResultStore is the part of history.Store the API reads.
type ResultStore interface {
	Recent(ctx context.Context, limit int) ([]history.Record, error)
	ByProcessID(ctx context.Context, processID string) (history.Record, error)
	CountAnomalous(ctx context.Context, since time.Time) (int, error)
}

// Handler serves the control API.
type Handler struct {
	jobs          *taskstore.Store
	queue         executor.Enqueuer
	batch         BatchController
	results       ResultStore
	metrics       *metrics.Metrics
	auth          *Authenticator
	checkpointDir string
	logger        *zap.Logger
	now           func() time.Time
}

// Options wires the handler. Batch, Results, Metrics and Auth may be nil.
type Options struct {
	Jobs          *taskstore.Store
	Queue         executor.Enqueuer
	Batch         BatchController
	Results       ResultStore
	Metrics       *metrics.Metrics
	Auth          *Authenticator
	CheckpointDir string
	Logger        *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		jobs:          opts.Jobs,
		queue:         opts.Queue,
		batch:         opts.Batch,
		results:       opts.Results,
		metrics:       opts.Metrics,
		auth:          opts.Auth,
		checkpointDir: opts.CheckpointDir,
		logger:        logger.Named("web"),
		now:           time.Now,
	}
}

// Router returns a router with every route registered. Only /health is
// reachable without a token when auth is enabled.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(h.auth.Middleware)
	h.RegisterRoutes(api)
	return r
}

// RegisterRoutes registers the authenticated API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/", h.handleInfo).Methods(http.MethodGet)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
	}

	r.HandleFunc("/jobs", h.handleSubmitJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs", h.handleListJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", h.handleGetJob).Methods(http.MethodGet)

	r.HandleFunc("/batch/start", h.handleBatchStart).Methods(http.MethodPost)
	r.HandleFunc("/batch/stop", h.handleBatchStop).Methods(http.MethodPost)
	r.HandleFunc("/batch/status", h.handleBatchStatus).Methods(http.MethodGet)
	r.HandleFunc("/checkpoints", h.handleCheckpoints).Methods(http.MethodGet)

	r.HandleFunc("/results", h.handleListResults).Methods(http.MethodGet)
	r.HandleFunc("/results/{pid}", h.handleGetResult).Methods(http.MethodGet)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"service": "inspector",
		"status":  "running",
	}
	if h.batch != nil {
		info["batch_running"] = h.batch.Status().Running
	}
	if h.results != nil {
		n, err := h.results.CountAnomalous(r.Context(), h.now().Add(-24*time.Hour))
		if err != nil {
			h.logger.Warn("failed to count anomalous results", zap.Error(err))
		} else {
			info["anomalous_last_24h"] = n
		}
	}
	writeJSON(w, http.StatusOK, info)
}

type submitRequest struct {
	Kind string `json:"kind"`
	Path string `json:"path"`
}

func (h *Handler) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	job, err := executor.Submit(h.jobs, h.queue, req.Kind, req.Path)
	if err != nil {
		h.logger.Warn("job rejected", zap.String("kind", req.Kind), zap.String("path", req.Path), zap.Error(err))
		switch {
		case errors.Is(err, dispatcher.ErrQueueFull):
			writeError(w, http.StatusServiceUnavailable, "job queue is busy, try again later")
		case errors.Is(err, dispatcher.ErrQueueClosed):
			writeError(w, http.StatusServiceUnavailable, "job queue unavailable")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	h.logger.Info("job queued", zap.String("job_id", job.ID), zap.String("kind", job.Kind), zap.String("path", job.InputPath))
	writeJSON(w, http.StatusAccepted, job)
}

func (h *Handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.jobs.List())
}

func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.jobs.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type batchStartRequest struct {
	Checkpoint string `json:"checkpoint"`
}

func (h *Handler) handleBatchStart(w http.ResponseWriter, r *http.Request) {
	if h.batch == nil {
		writeError(w, http.StatusServiceUnavailable, "batch processing is not configured")
		return
	}

	var req batchStartRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
	}

	path, err := batch.ResolveCheckpoint(h.checkpointDir, req.Checkpoint, h.now())
	if errors.Is(err, batch.ErrCheckpointOutsideDir) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// The run outlives this request.
	if err := h.batch.Start(context.WithoutCancel(r.Context()), path); err != nil {
		if errors.Is(err, batch.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, h.batch.Status())
}

func (h *Handler) handleBatchStop(w http.ResponseWriter, r *http.Request) {
	if h.batch == nil {
		writeError(w, http.StatusServiceUnavailable, "batch processing is not configured")
		return
	}
	switch err := h.batch.Stop(); {
	case err == nil:
		writeJSON(w, http.StatusOK, h.batch.Status())
	case errors.Is(err, batch.ErrNotRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, batch.ErrStopTimeout):
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping", "error": err.Error()})
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	if h.batch == nil {
		writeError(w, http.StatusServiceUnavailable, "batch processing is not configured")
		return
	}
	writeJSON(w, http.StatusOK, h.batch.Status())
}

func (h *Handler) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	infos, err := checkpoint.List(h.checkpointDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if infos == nil {
		infos = []checkpoint.Info{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (h *Handler) handleListResults(w http.ResponseWriter, r *http.Request) {
	if h.results == nil {
		writeError(w, http.StatusServiceUnavailable, "result history is not configured")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	records, err := h.results.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) handleGetResult(w http.ResponseWriter, r *http.Request) {
	if h.results == nil {
		writeError(w, http.StatusServiceUnavailable, "result history is not configured")
		return
	}
	rec, err := h.results.ByProcessID(r.Context(), mux.Vars(r)["pid"])
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
