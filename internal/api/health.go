package api

import (
	"context"
	"net/http"
	"time"
)

const healthCheckTimeout = 2 * time.Second

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// handleHealthz reports ok while the execution store answers.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Error("health check failed", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Error: "store unreachable"})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
