package ingest

import (
	"context"
	"fmt"
	"time"

	"geotrack/internal/geo"
	"geotrack/internal/geofence"
	"geotrack/internal/logger"
	"geotrack/internal/metrics"
	"geotrack/internal/model"
	"geotrack/internal/store"
)

// Route says where a sample went after assessment.
type Route string

const (
	RouteImmediate Route = "immediate"
	RouteCluster   Route = "cluster"
	RouteExcluded  Route = "excluded"
	RouteDuplicate Route = "duplicate"
)

const (
	ActionImmediate = "immediate_enrichment"
	ActionQueued    = "queued_for_clustering"
	ActionExcluded  = "excluded_from_enrichment"
)

// ImmediateEnricher resolves a single sample right away.
type ImmediateEnricher interface {
	EnrichNow(ctx context.Context, s model.LocationSample) error
}

// Stores is the persistence the pipeline writes to.
type Stores interface {
	store.SampleStore
	store.ValidationLog
	store.ClusterQueue
}

type Outcome struct {
	Assessment geofence.Assessment
	Route      Route
}

// Pipeline handles one polled sample end to end.
type Pipeline struct {
	st       Stores
	detector *geofence.Detector
	enricher ImmediateEnricher
	log      *logger.Logger
	now      func() time.Time
}

func NewPipeline(st Stores, detector *geofence.Detector, enricher ImmediateEnricher, log *logger.Logger) *Pipeline {
	if log == nil {
		log = logger.Discard()
	}
	return &Pipeline{st: st, detector: detector, enricher: enricher, log: log, now: time.Now}
}

// Handle stores the sample, evaluates it and routes it. A returned error means persistence
// failed and the caller should treat the batch as failed.
func (p *Pipeline) Handle(ctx context.Context, s model.LocationSample) (Outcome, error) {
	s.CapturedAt = s.CapturedAt.UTC()
	// unreliable samples are kept raw for audit; out-of-range ones cannot be stored
	if geo.ValidCoordinates(s.Lat, s.Lng) && s.AccuracyM >= 0 {
		if err := p.st.AppendRawSample(ctx, s); err != nil {
			return Outcome{}, fmt.Errorf("append raw sample: %w", err)
		}
	}

	var out Outcome
	a, err := p.detector.Process(ctx, s, func(a geofence.Assessment) error {
		route, err := p.record(ctx, s, a)
		out.Route = route
		return err
	})
	if err != nil {
		return Outcome{}, err
	}
	out.Assessment = a
	if a.Duplicate {
		out.Route = RouteDuplicate
	}
	metrics.SampleRoutes.WithLabelValues(string(out.Route)).Inc()
	return out, nil
}

// record writes the validation log entry and routes the sample. It runs before the worker's
// membership state advances; an error leaves the state untouched for the retry.
func (p *Pipeline) record(ctx context.Context, s model.LocationSample, a geofence.Assessment) (Route, error) {
	entry := model.ValidationLogEntry{
		WorkerID:       s.WorkerID,
		CapturedAt:     s.CapturedAt,
		ValidationType: model.ValidationTypeGeofence,
		Result:         a.Result(),
		Details:        a.Details(),
		ValidatedBy:    model.ValidatedBySystem,
		CreatedAt:      p.now().UTC(),
	}
	switch {
	case a.Invalid != nil:
		entry.ActionTaken = ActionExcluded
	case a.Immediate():
		entry.ActionTaken = ActionImmediate
	default:
		entry.ActionTaken = ActionQueued
	}
	if err := p.st.AppendValidationLogEntry(ctx, entry); err != nil {
		return "", fmt.Errorf("append validation log: %w", err)
	}
	metrics.ValidationResults.WithLabelValues(string(entry.Result)).Inc()

	switch {
	case a.Invalid != nil:
		p.log.WithFields(logger.Fields{"worker_id": s.WorkerID, "reason": a.Invalid.Reason}).Debug("sample excluded")
		return RouteExcluded, nil
	case a.Immediate() && p.enricher != nil:
		if err := p.enricher.EnrichNow(ctx, s); err != nil {
			p.log.WithError(err).WithField("worker_id", s.WorkerID).Warn("immediate enrichment failed; queueing for clustering")
			if err := p.enqueue(ctx, s); err != nil {
				return "", err
			}
			p.logEvents(a)
			return RouteCluster, nil
		}
		p.logEvents(a)
		return RouteImmediate, nil
	default:
		if err := p.enqueue(ctx, s); err != nil {
			return "", err
		}
		p.logEvents(a)
		return RouteCluster, nil
	}
}

func (p *Pipeline) logEvents(a geofence.Assessment) {
	for _, ev := range a.Events {
		metrics.GeofenceTransitions.WithLabelValues(string(ev.Transition)).Inc()
		p.log.WithFields(logger.Fields{"worker_id": ev.WorkerID, "zone_id": ev.ZoneID, "transition": ev.Transition}).Info("geofence transition")
	}
}

func (p *Pipeline) enqueue(ctx context.Context, s model.LocationSample) error {
	if err := p.st.EnqueueClusterEntries(ctx, []model.LocationSample{s}, p.now()); err != nil {
		return fmt.Errorf("enqueue cluster entry: %w", err)
	}
	return nil
}
