package api

import (
	"context"
	"net/http"
	"time"

	"github.com/emberchat/ember/internal/gemini"
)

// Pinger reports backend connectivity. *store.Store satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CacheStatser exposes response cache counters. *gemini.Cache satisfies it.
type CacheStatser interface {
	Stats() gemini.CacheStats
}

type healthResponse struct {
	Status string `json:"status"`
}

type readyResponse struct {
	Status   string            `json:"status"`
	Database string            `json:"database"`
	Cache    gemini.CacheStats `json:"cache"`
	Sessions int               `json:"sessions"`
}

// handleHealth reports process liveness.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// handleReady reports readiness: database reachability plus cache and
// session gauges for operators.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := readyResponse{
		Status:   "ready",
		Database: "ok",
		Cache:    s.cache.Stats(),
		Sessions: s.hub.Len(),
	}
	status := http.StatusOK
	if err := s.db.Ping(ctx); err != nil {
		s.logger.Warn("readiness: database unreachable", "error", err)
		resp.Status = "degraded"
		resp.Database = "unreachable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
