package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hyperengineering/fieldsync/internal/backup"
	"github.com/hyperengineering/fieldsync/internal/connectivity"
	"github.com/hyperengineering/fieldsync/internal/gateway"
	"github.com/hyperengineering/fieldsync/internal/types"
	"github.com/hyperengineering/fieldsync/internal/validation"
)

// maxSubmitBody caps the size of a form submission.
const maxSubmitBody = 1 << 20

// Queue is the mutation queue as seen by the API.
// Implemented by queue.Manager.
type Queue interface {
	Flush(ctx context.Context) (*types.FlushResult, error)
	List(ctx context.Context, statuses ...types.MutationStatus) ([]types.QueuedMutation, error)
	Count(ctx context.Context, statuses ...types.MutationStatus) (int, error)
	Delete(ctx context.Context, id string) error
	Requeue(ctx context.Context, id string) error
	Subscribe(buffer int) (<-chan types.Resolution, func())
}

// Submitter dispatches form submissions. Implemented by gateway.Gateway.
type Submitter interface {
	Submit(ctx context.Context, s gateway.Submission) (*gateway.Result, error)
}

// Connectivity exposes and overrides the connectivity state.
// Implemented by connectivity.Monitor.
type Connectivity interface {
	IsOnline() bool
	SetOnline(online bool)
	State() connectivity.State
	LastFlush() (*types.FlushResult, time.Time)
}

// Cache manages the reference-data caches. Implemented by cache.Manager.
type Cache interface {
	Retention() time.Duration
	Stats(ctx context.Context) (*types.StoreStats, error)
	Preload(ctx context.Context, expedienteID string) (*types.PreloadResult, error)
	EvictExpired(ctx context.Context, maxAge time.Duration) (int64, error)
	ClearAll(ctx context.Context) (int64, error)
	Expedientes(ctx context.Context) ([]types.Expediente, error)
	Assignments(ctx context.Context, expedienteID string) ([]types.Assignment, error)
	Points(ctx context.Context, expedienteID string) ([]types.Point, error)
}

// Exporter writes queue exports. Implemented by backup.Exporter.
type Exporter interface {
	Write(ctx context.Context) (*backup.Export, error)
	Upload(ctx context.Context) error
	DownloadURL(ctx context.Context) (string, time.Time, error)
	Path() string
}

// Handler implements the API handlers
type Handler struct {
	queue     Queue
	gateway   Submitter
	conn      Connectivity
	cache     Cache
	exporter  Exporter
	apiKey    string
	version   string
	heartbeat time.Duration

	streamsDone chan struct{}
	closeOnce   sync.Once
}

// NewHandler creates a new Handler.
func NewHandler(q Queue, g Submitter, c Connectivity, cm Cache, apiKey, version string) *Handler {
	return &Handler{
		queue:     q,
		gateway:   g,
		conn:      c,
		cache:     cm,
		apiKey:    apiKey,
		version:   version,
		heartbeat: 15 * time.Second,

		streamsDone: make(chan struct{}),
	}
}

// CloseStreams ends every open event stream and refuses new ones. Register
// it with http.Server.RegisterOnShutdown so Shutdown does not wait on
// long-lived streams.
func (h *Handler) CloseStreams() {
	h.closeOnce.Do(func() { close(h.streamsDone) })
}

// WithExporter enables the export endpoints.
func (h *Handler) WithExporter(e Exporter) *Handler {
	h.exporter = e
	return h
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}

// Health handles GET /api/v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	pending, err := h.queue.Count(r.Context(), types.StatusPending, types.StatusProcessing)
	if err != nil {
		MapError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Online:  h.conn.IsOnline(),
		Pending: pending,
	})
}

// Submit handles POST /api/v1/submit?endpoint=<path>[&description=...]
//
// The body is the URL-encoded form exactly as the field UI would post it.
// Responds 200 when sent, 202 when queued offline, 422 when the submission
// fails validation, 502 when the upstream rejects an online submission and
// 503 when it is unreachable.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		WriteProblem(w, r, http.StatusBadRequest, "Query parameter 'endpoint' is required")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSubmitBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteProblem(w, r, http.StatusRequestEntityTooLarge, "Submission body too large")
			return
		}
		WriteProblem(w, r, http.StatusBadRequest, "Could not read submission body")
		return
	}
	fields, err := types.ParseFormBody(string(body))
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Invalid form body: "+err.Error())
		return
	}

	description := r.URL.Query().Get("description")
	if errs := validation.ValidateSubmission(endpoint, fields, description); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Submission failed validation", errs)
		return
	}

	result, err := h.gateway.Submit(r.Context(), gateway.Submission{
		Endpoint:    endpoint,
		Fields:      fields,
		Description: description,
	})
	if err != nil {
		MapError(w, r, err)
		return
	}

	status := http.StatusOK
	if result.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}
