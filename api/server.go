/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the back-office frontend

ROUTE GROUPS:
  /api/night-audit/*    Runs, validation, scheduler status
  /api/invoices         Issued invoices
  /api/sequences        Invoice number sequences
  /api/configuration    Hotel policy (taxes, seasons, numbering)
  /api/scenarios/*      Demo hotels
  /api/reset            Database reset (dev only)
  /healthz              Liveness check

SECURITY NOTE:
  No authentication middleware. The actor on a run is whatever the caller
  sends as started_by; put the service behind the PMS gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/night-audit", func(r chi.Router) {
			r.Post("/runs", h.RunAudit)
			r.Get("/runs", h.ListAudits)
			r.Get("/runs/{id}", h.GetAudit)
			r.Get("/validate", h.ValidateAudit)
			r.Get("/scheduler", h.GetSchedulerStatus)
		})

		r.Get("/invoices", h.ListInvoices)
		r.Get("/sequences", h.ListSequences)

		r.Get("/configuration", h.GetConfiguration)
		r.Put("/configuration", h.PutConfiguration)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})

		r.Post("/reset", h.ResetDatabase)
	})

	return r
}
