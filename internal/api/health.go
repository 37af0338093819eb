package api

import (
	"context"
	"net/http"
	"time"
)

const healthCheckTimeout = 2 * time.Second

type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Error("store health check", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Store: "unreachable"})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Store: "ok"})
}
