package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"geotrack/internal/model"
)

// reportRequest accepts either a single sample or {"samples": [...]}.
type reportRequest struct {
	model.LocationSample
	Samples []model.LocationSample `json:"samples"`
}

// ReportLocationsHandler handles POST /v1/devices/locations. Samples land in the ingestion
// feed and are picked up by the next poll of their worker.
func (s *Server) ReportLocationsHandler(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	samples := req.Samples
	if len(samples) == 0 {
		samples = []model.LocationSample{req.LocationSample}
	}
	for i, smp := range samples {
		if err := validateReport(smp); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid location report", err.Error(), r.URL.Path)
			return
		}
		samples[i].CapturedAt = smp.CapturedAt.UTC()
	}
	for _, smp := range samples {
		if err := s.Engine.Report(r.Context(), smp); err != nil {
			s.writeError(w, r, "Report location failed", err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": len(samples)})
}

func (s *Server) UpsertWorkerHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Active *bool `json:"active"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	wk := model.Worker{ID: chi.URLParam(r, "workerID"), Active: true}
	if body.Active != nil {
		wk.Active = *body.Active
	}
	if err := s.Engine.Store().UpsertWorker(r.Context(), wk); err != nil {
		s.writeError(w, r, "Upsert worker failed", err)
		return
	}
	writeJSON(w, http.StatusOK, wk)
}

// workerRange runs a range query for the worker in the URL and writes {"items": ...}.
func workerRange[T any](s *Server, w http.ResponseWriter, r *http.Request, title string,
	list func(r *http.Request, workerID string, from, to time.Time) ([]T, error)) {
	from, to, err := parseRange(r.URL.Query(), time.Now())
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid range", err.Error(), r.URL.Path)
		return
	}
	items, err := list(r, chi.URLParam(r, "workerID"), from, to)
	if err != nil {
		s.writeError(w, r, title, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "from": from, "to": to})
}

func (s *Server) WorkerLocationsHandler(w http.ResponseWriter, r *http.Request) {
	workerRange(s, w, r, "List locations failed", func(r *http.Request, id string, from, to time.Time) ([]model.ProcessedLocation, error) {
		return s.Engine.Store().ListProcessedLocations(r.Context(), id, from, to)
	})
}

func (s *Server) WorkerValidationsHandler(w http.ResponseWriter, r *http.Request) {
	workerRange(s, w, r, "List validations failed", func(r *http.Request, id string, from, to time.Time) ([]model.ValidationLogEntry, error) {
		return s.Engine.Store().ListValidationLogEntries(r.Context(), id, from, to)
	})
}

func (s *Server) WorkerSamplesHandler(w http.ResponseWriter, r *http.Request) {
	workerRange(s, w, r, "List samples failed", func(r *http.Request, id string, from, to time.Time) ([]model.LocationSample, error) {
		return s.Engine.Store().ListRawSamples(r.Context(), id, from, to)
	})
}
