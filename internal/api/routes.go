package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-User-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(requireUser)

		r.Post("/scan/start", s.handleScanStart)
		r.Get("/scan/status/{sessionID}", s.handleScanStatus)
		r.Post("/scan/{sessionID}/cancel", s.handleScanCancel)

		r.Get("/subscriptions", s.handleListSubscriptions)
		r.Post("/subscriptions/{id}/cancel", s.handleRequestCancellation)
		r.Get("/cancellations/{actionID}", s.handleCancellationStatus)

		r.Get("/activity", s.handleListActivity)
	})

	return r
}
