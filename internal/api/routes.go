package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hyperengineering/fieldsync/internal/metrics"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health", h.Health)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))

			r.Post("/submit", h.Submit)

			r.Get("/mutations", h.ListMutations)
			r.Get("/mutations/count", h.CountMutations)
			r.Delete("/mutations/{id}", h.DeleteMutation)
			r.Post("/mutations/{id}/requeue", h.RequeueMutation)
			r.Post("/flush", h.Flush)
			r.Get("/events", h.Events)

			r.Get("/connectivity", h.GetConnectivity)
			r.Put("/connectivity", h.SetConnectivity)

			r.Get("/cache/stats", h.CacheStats)
			r.Get("/cache/expedientes", h.Expedientes)
			r.Get("/cache/assignments", h.Assignments)
			r.Get("/cache/points", h.Points)
			r.Post("/cache/preload", h.Preload)
			r.Post("/cache/evict", h.Evict)
			r.Delete("/cache", h.ClearCache)

			r.Post("/export", h.Export)
			r.Get("/export/url", h.ExportURL)
		})
	})

	return r
}
