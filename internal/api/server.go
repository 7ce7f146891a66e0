// Package api exposes the engine over HTTP: device ingestion, downstream queries, geofence
// management, operational controls and a live signal stream.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"geotrack/internal/engine"
	"geotrack/internal/logger"
	"geotrack/internal/metrics"
)

type Server struct {
	Engine *engine.Engine
	Log    *logger.Logger
	// Backend describes the selected store, feed and broker for /debug/info.
	Backend map[string]string
}

func NewServer(e *engine.Engine, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	return &Server{Engine: e, Log: log.WithField("component", "http"), Backend: map[string]string{}}
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.HealthHandler)
	r.Get("/readyz", s.ReadyHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	r.Get("/openapi.yaml", s.OpenAPIHandler)
	r.Get("/openapi.json", s.OpenAPIJSONHandler)
	r.Get("/docs", s.DocsHandler)
	r.Get("/debug/info", s.DebugJSON)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/devices/locations", s.ReportLocationsHandler)

		r.Put("/workers/{workerID}", s.UpsertWorkerHandler)
		r.Get("/workers/{workerID}/locations", s.WorkerLocationsHandler)
		r.Get("/workers/{workerID}/validations", s.WorkerValidationsHandler)
		r.Get("/workers/{workerID}/samples", s.WorkerSamplesHandler)

		r.Get("/geofences", s.ListZonesHandler)
		r.Post("/geofences", s.CreateZoneHandler)
		r.Put("/geofences/{zoneID}", s.UpdateZoneHandler)
		r.Delete("/geofences/{zoneID}", s.DeleteZoneHandler)

		r.Get("/signals/stream", s.SignalsWSHandler)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/status", s.StatusHandler)
			r.Get("/config", s.GetConfigHandler)
			r.Put("/config", s.UpdateConfigHandler)
			r.Post("/polling/start", s.StartHandler)
			r.Post("/polling/stop", s.StopHandler)
			r.Post("/polling/cycle", s.RunCycleHandler)
			r.Post("/enrichment/run", s.RunEnrichmentHandler)
			r.Post("/enrichment/backfill", s.BackfillHandler)
			r.Get("/batches/{batchID}", s.BatchHandler)
		})
	})
	return r
}
