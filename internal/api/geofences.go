package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"geotrack/internal/model"
)

func (s *Server) ListZonesHandler(w http.ResponseWriter, r *http.Request) {
	zones, err := s.Engine.Zones(r.Context())
	if err != nil {
		s.writeError(w, r, "List geofences failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": zones})
}

func (s *Server) CreateZoneHandler(w http.ResponseWriter, r *http.Request) {
	var z model.GeofenceZone
	if err := decodeJSON(w, r, &z); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	out, err := s.Engine.UpsertZone(r.Context(), z)
	if err != nil {
		s.writeError(w, r, "Create geofence failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) UpdateZoneHandler(w http.ResponseWriter, r *http.Request) {
	var z model.GeofenceZone
	if err := decodeJSON(w, r, &z); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	z.ID = chi.URLParam(r, "zoneID")
	out, err := s.Engine.UpsertZone(r.Context(), z)
	if err != nil {
		s.writeError(w, r, "Update geofence failed", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) DeleteZoneHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.DeleteZone(r.Context(), chi.URLParam(r, "zoneID")); err != nil {
		s.writeError(w, r, "Delete geofence failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
