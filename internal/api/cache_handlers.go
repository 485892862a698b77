package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hyperengineering/fieldsync/internal/cache"
	"github.com/hyperengineering/fieldsync/internal/types"
)

// CacheStatsResponse is the body of GET /api/v1/cache/stats.
type CacheStatsResponse struct {
	types.StoreStats
	RetentionSeconds int64 `json:"retention_seconds"`
}

// PreloadRequest is the body of POST /api/v1/cache/preload.
type PreloadRequest struct {
	ExpedienteID string `json:"expediente_id"`
}

// EvictResponse is the body of POST /api/v1/cache/evict.
type EvictResponse struct {
	Evicted int64 `json:"evicted"`
}

// ClearResponse is the body of DELETE /api/v1/cache.
type ClearResponse struct {
	Removed int64 `json:"removed"`
}

// ExportResponse is the body of POST /api/v1/export.
type ExportResponse struct {
	Path       string    `json:"path"`
	DeviceID   string    `json:"device_id"`
	ExportedAt time.Time `json:"exported_at"`
	Mutations  int       `json:"mutations"`
	Uploaded   bool      `json:"uploaded"`
}

// ExportURLResponse is the body of GET /api/v1/export/url.
type ExportURLResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CacheStats handles GET /api/v1/cache/stats
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.cache.Stats(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CacheStatsResponse{
		StoreStats:       *stats,
		RetentionSeconds: int64(h.cache.Retention().Seconds()),
	})
}

// Preload handles POST /api/v1/cache/preload
func (h *Handler) Preload(w http.ResponseWriter, r *http.Request) {
	var req PreloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if req.ExpedienteID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "Field 'expediente_id' is required")
		return
	}

	result, err := h.cache.Preload(r.Context(), req.ExpedienteID)
	if err != nil {
		if errors.Is(err, cache.ErrNoSource) {
			MapError(w, r, err)
			return
		}
		slog.Warn("preload failed",
			"component", "api",
			"expediente_id", req.ExpedienteID,
			"error", err,
		)
		WriteProblem(w, r, http.StatusBadGateway, "Reference data could not be fetched; cache left unchanged")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Evict handles POST /api/v1/cache/evict[?max_age=6h]. Without max_age the
// configured retention applies.
func (h *Handler) Evict(w http.ResponseWriter, r *http.Request) {
	var maxAge time.Duration
	if raw := r.URL.Query().Get("max_age"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			WriteProblem(w, r, http.StatusBadRequest, "Query parameter 'max_age' must be a positive duration")
			return
		}
		maxAge = d
	}

	n, err := h.cache.EvictExpired(r.Context(), maxAge)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, EvictResponse{Evicted: n})
}

// ClearCache handles DELETE /api/v1/cache. Queued mutations are untouched.
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	n, err := h.cache.ClearAll(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ClearResponse{Removed: n})
}

// Expedientes handles GET /api/v1/cache/expedientes
func (h *Handler) Expedientes(w http.ResponseWriter, r *http.Request) {
	list, err := h.cache.Expedientes(r.Context())
	if err != nil {
		if errors.Is(err, cache.ErrNoSource) {
			MapError(w, r, err)
			return
		}
		WriteProblem(w, r, http.StatusBadGateway, "Expedientes could not be fetched")
		return
	}
	if list == nil {
		list = []types.Expediente{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Assignments handles GET /api/v1/cache/assignments[?expediente_id=]
func (h *Handler) Assignments(w http.ResponseWriter, r *http.Request) {
	list, err := h.cache.Assignments(r.Context(), r.URL.Query().Get("expediente_id"))
	if err != nil {
		MapError(w, r, err)
		return
	}
	if list == nil {
		list = []types.Assignment{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Points handles GET /api/v1/cache/points[?expediente_id=]
func (h *Handler) Points(w http.ResponseWriter, r *http.Request) {
	list, err := h.cache.Points(r.Context(), r.URL.Query().Get("expediente_id"))
	if err != nil {
		MapError(w, r, err)
		return
	}
	if list == nil {
		list = []types.Point{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Export handles POST /api/v1/export[?upload=true]
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	if h.exporter == nil {
		WriteProblem(w, r, http.StatusServiceUnavailable, "Queue export not configured")
		return
	}
	upload, _ := strconv.ParseBool(r.URL.Query().Get("upload"))

	export, err := h.exporter.Write(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	if upload {
		if err := h.exporter.Upload(r.Context()); err != nil {
			slog.Warn("export upload failed", "component", "api", "error", err)
			WriteProblem(w, r, http.StatusBadGateway, "Export written locally but upload failed")
			return
		}
	}

	writeJSON(w, http.StatusOK, ExportResponse{
		Path:       h.exporter.Path(),
		DeviceID:   export.DeviceID,
		ExportedAt: export.ExportedAt,
		Mutations:  len(export.Mutations),
		Uploaded:   upload,
	})
}

// ExportURL handles GET /api/v1/export/url
func (h *Handler) ExportURL(w http.ResponseWriter, r *http.Request) {
	if h.exporter == nil {
		WriteProblem(w, r, http.StatusServiceUnavailable, "Queue export not configured")
		return
	}
	url, expiry, err := h.exporter.DownloadURL(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ExportURLResponse{URL: url, ExpiresAt: expiry})
}
