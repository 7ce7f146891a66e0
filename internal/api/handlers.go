package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"geotrack/internal/engine"
)

const stopWait = time.Minute

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// ReadyHandler reports ready once the store answers.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.Engine.Store().Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Store unavailable", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "polling": s.Engine.Status(r.Context()).IsRunning})
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Engine.Status(r.Context()))
}

func (s *Server) GetConfigHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Engine.Config())
}

// UpdateConfigHandler applies a partial config. Nothing changes unless every field is valid.
func (s *Server) UpdateConfigHandler(w http.ResponseWriter, r *http.Request) {
	var p engine.ConfigPatch
	if err := decodeJSON(w, r, &p); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	cfg, err := s.Engine.UpdateConfig(p)
	if err != nil {
		s.writeError(w, r, "Update config failed", err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) StartHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.Start(r.Context()); err != nil {
		s.writeError(w, r, "Start failed", err)
		return
	}
	writeJSON(w, http.StatusOK, s.Engine.Status(r.Context()))
}

// StopHandler returns once in-flight batches have finished.
func (s *Server) StopHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), stopWait)
	defer cancel()
	if err := s.Engine.Stop(ctx); err != nil {
		s.writeError(w, r, "Stop failed", err)
		return
	}
	writeJSON(w, http.StatusOK, s.Engine.Status(r.Context()))
}

func (s *Server) RunCycleHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.Engine.RunCycle(r.Context())
	if err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Polling cycle failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) RunEnrichmentHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.Engine.RunEnrichment(r.Context())
	if err != nil {
		s.writeError(w, r, "Enrichment run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type backfillRequest struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (s *Server) BackfillHandler(w http.ResponseWriter, r *http.Request) {
	var req backfillRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if req.From.IsZero() || req.To.IsZero() {
		writeProblem(w, http.StatusBadRequest, "Invalid backfill request", "from and to are required", r.URL.Path)
		return
	}
	res, err := s.Engine.Backfill(r.Context(), req.From, req.To)
	if err != nil {
		s.writeError(w, r, "Backfill failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) BatchHandler(w http.ResponseWriter, r *http.Request) {
	b, err := s.Engine.Batch(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		s.writeError(w, r, "Get batch failed", err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}
