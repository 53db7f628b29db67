package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	// API v1 routes (read-only)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		// Endpoint IDs contain a slash ("PJSIP/100"), so routes take
		// the technology and name as separate segments.
		r.Route("/endpoints", func(r chi.Router) {
			r.Get("/", s.handleListEndpoints)
			r.Get("/{tech}/{name}", s.handleGetEndpoint)
			r.Get("/{tech}/{name}/history", s.handleGetEndpointHistory)
		})
	})

	return r
}

// handleHealth returns the bridge health snapshot.
//
// When the health reporter is wired this mirrors the retained MQTT
// health message. Otherwise it degrades to a basic liveness response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.health != nil {
		writeJSON(w, http.StatusOK, s.health.Snapshot())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   s.version,
		"timestamp": time.Now().UTC(),
	})
}
