package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates the local facade router. The facade binds to
// loopback for the UI collaborator, so there is no auth layer.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/lists", func(r chi.Router) {
			r.Get("/", h.ListLists)
			r.Post("/", h.StoreList)
			r.Get("/{id}", h.GetList)
			r.Put("/{id}", h.UpdateList)
			r.Delete("/{id}", h.DeleteList)
			r.Patch("/{id}/items/{itemId}/check", h.CheckItem)
		})

		r.Get("/session", h.SessionStats)
		r.Get("/sync/status", h.SyncStatus)
		r.Post("/sync", h.TriggerSync)
		r.Get("/devices/status", h.DeviceStatus)
		r.Get("/conflicts", h.ListConflicts)
		r.Delete("/conflicts/{id}", h.AcknowledgeConflict)
	})

	return r
}
