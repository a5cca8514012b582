package web

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kozaktomas/face-engine/internal/web/handlers"
	"github.com/kozaktomas/face-engine/internal/web/middleware"
)

func (s *Server) setupRoutes() {
	health := handlers.NewHealthHandler(s.deps.Checks, s.logger)

	s.router.Get("/healthz", health.Check)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireToken(s.config.Token))

		if s.deps.Jobs != nil {
			jobsHandler := handlers.NewJobsHandler(s.deps.Jobs, s.logger)
			// streaming, not bound by the request timeout
			r.Get("/jobs/{id}/events", jobsHandler.Events)

			r.Group(func(r chi.Router) {
				r.Use(requestTimeout())
				r.Post("/jobs", jobsHandler.Create)
				r.Get("/jobs", jobsHandler.List)
				r.Get("/jobs/{id}", jobsHandler.Get)
				r.Delete("/jobs/{id}", jobsHandler.Cancel)
			})
		}

		if s.deps.Reviewer != nil && s.deps.Suggestions != nil {
			suggestionsHandler := handlers.NewSuggestionsHandler(s.deps.Reviewer, s.deps.Suggestions, s.logger)
			r.Group(func(r chi.Router) {
				r.Use(requestTimeout())
				r.Get("/suggestions", suggestionsHandler.List)
				r.Post("/suggestions/bulk", suggestionsHandler.Bulk)
				r.Post("/suggestions/{id}/accept", suggestionsHandler.Accept)
				r.Post("/suggestions/{id}/reject", suggestionsHandler.Reject)
			})
		}
	})
}
