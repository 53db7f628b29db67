package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-asterisk/internal/endpoint"
)

// listEndpointsResponse wraps the registry snapshot with a count so
// clients can distinguish an empty registry from a missing one.
type listEndpointsResponse struct {
	Endpoints []endpoint.Endpoint `json:"endpoints"`
	Count     int                 `json:"count"`
}

// handleListEndpoints returns a snapshot of every tracked endpoint.
func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints := s.registry.List()
	writeJSON(w, http.StatusOK, listEndpointsResponse{
		Endpoints: endpoints,
		Count:     len(endpoints),
	})
}

// endpointID reassembles the registry key from the route segments.
// Endpoint IDs contain a slash ("PJSIP/100"), which cannot appear in
// a single path parameter.
func endpointID(r *http.Request) string {
	return chi.URLParam(r, "tech") + "/" + chi.URLParam(r, "name")
}

// handleGetEndpoint returns a single endpoint by technology and name.
func (s *Server) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	id := endpointID(r)

	ep, err := s.registry.Get(id)
	if err != nil {
		if errors.Is(err, endpoint.ErrNotFound) {
			writeNotFound(w, "endpoint not found: "+id)
			return
		}
		s.logger.Error("failed to get endpoint", "endpoint_id", id, "error", err)
		writeInternalError(w, "failed to get endpoint")
		return
	}

	writeJSON(w, http.StatusOK, ep)
}

// defaultHistoryLimit bounds history responses when the client does
// not supply a limit.
const defaultHistoryLimit = 50

// handleGetEndpointHistory returns recent transitions for an endpoint,
// newest first. The optional limit query parameter caps the result.
func (s *Server) handleGetEndpointHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "history persistence is disabled")
		return
	}

	id := endpointID(r)

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	entries, err := s.history.GetHistory(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("failed to get endpoint history", "endpoint_id", id, "error", err)
		writeInternalError(w, "failed to get endpoint history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"endpoint_id": id,
		"entries":     entries,
		"count":       len(entries),
	})
}
