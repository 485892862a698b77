package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/fieldsync/internal/connectivity"
	"github.com/hyperengineering/fieldsync/internal/types"
)

// eventBuffer is the per-subscriber buffer of the events stream.
const eventBuffer = 64

// MutationListResponse is the body of GET /api/v1/mutations.
type MutationListResponse struct {
	Mutations []types.QueuedMutation `json:"mutations"`
	Count     int                    `json:"count"`
}

// CountResponse is the body of GET /api/v1/mutations/count.
type CountResponse struct {
	Count int `json:"count"`
}

// ConnectivityResponse is the body of GET and PUT /api/v1/connectivity.
type ConnectivityResponse struct {
	Online      bool               `json:"online"`
	State       connectivity.State `json:"state"`
	LastFlush   *types.FlushResult `json:"last_flush,omitempty"`
	LastFlushAt *time.Time         `json:"last_flush_at,omitempty"`
}

// ConnectivityRequest is the body of PUT /api/v1/connectivity.
type ConnectivityRequest struct {
	Online *bool `json:"online"`
}

// parseStatuses reads the status query parameter. Repeated parameters and
// comma-separated values are both accepted.
func parseStatuses(r *http.Request) ([]types.MutationStatus, error) {
	var statuses []types.MutationStatus
	for _, raw := range r.URL.Query()["status"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.ToUpper(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			s := types.MutationStatus(part)
			if !s.Valid() {
				return nil, fmt.Errorf("unknown status %q", part)
			}
			statuses = append(statuses, s)
		}
	}
	return statuses, nil
}

// ListMutations handles GET /api/v1/mutations[?status=DEAD]
func (h *Handler) ListMutations(w http.ResponseWriter, r *http.Request) {
	statuses, err := parseStatuses(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	mutations, err := h.queue.List(r.Context(), statuses...)
	if err != nil {
		MapError(w, r, err)
		return
	}
	if mutations == nil {
		mutations = []types.QueuedMutation{}
	}
	writeJSON(w, http.StatusOK, MutationListResponse{Mutations: mutations, Count: len(mutations)})
}

// CountMutations handles GET /api/v1/mutations/count[?status=PENDING]
func (h *Handler) CountMutations(w http.ResponseWriter, r *http.Request) {
	statuses, err := parseStatuses(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	n, err := h.queue.Count(r.Context(), statuses...)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

// DeleteMutation handles DELETE /api/v1/mutations/{id}
func (h *Handler) DeleteMutation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.queue.Delete(r.Context(), id); err != nil {
		MapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RequeueMutation handles POST /api/v1/mutations/{id}/requeue
func (h *Handler) RequeueMutation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.queue.Requeue(r.Context(), id); err != nil {
		MapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Flush handles POST /api/v1/flush. A flush already in progress is joined
// rather than started again.
func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	result, err := h.queue.Flush(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetConnectivity handles GET /api/v1/connectivity
func (h *Handler) GetConnectivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.connectivityView())
}

// SetConnectivity handles PUT /api/v1/connectivity. It feeds the same
// signal path as the prober, so an offline-to-online change triggers a flush.
func (h *Handler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var req ConnectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if req.Online == nil {
		WriteProblem(w, r, http.StatusBadRequest, "Field 'online' is required")
		return
	}

	h.conn.SetOnline(*req.Online)
	slog.Info("connectivity set via API",
		"component", "api",
		"online", *req.Online,
	)
	writeJSON(w, http.StatusOK, h.connectivityView())
}

func (h *Handler) connectivityView() ConnectivityResponse {
	resp := ConnectivityResponse{
		Online: h.conn.IsOnline(),
		State:  h.conn.State(),
	}
	if last, at := h.conn.LastFlush(); last != nil {
		resp.LastFlush = last
		resp.LastFlushAt = &at
	}
	return resp
}

// Events handles GET /api/v1/events, a server-sent event stream of queued
// mutations leaving the retry cycle. Each event is named "resolution" and
// carries a types.Resolution as JSON.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteProblem(w, r, http.StatusInternalServerError, "Streaming unsupported")
		return
	}
	// The stream outlives the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	select {
	case <-h.streamsDone:
		WriteProblem(w, r, http.StatusServiceUnavailable, "Server is shutting down")
		return
	default:
	}

	events, cancel := h.queue.Subscribe(eventBuffer)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.streamsDone:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Error("failed to encode event", "component", "api", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: resolution\nid: %s\ndata: %s\n\n", ev.MutationID, data)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
