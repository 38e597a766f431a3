package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/adapters", func(r chi.Router) {
			r.Get("/", s.handleListAdapters)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetAdapter)
				r.Get("/devices", s.handleListDevices)
				r.Get("/discovery", s.handleGetDiscovery)
				r.Post("/discovery", s.handleStartDiscovery)
			})
		})

		r.Get("/audit", s.handleListAuditLogs)
	})

	return r
}
