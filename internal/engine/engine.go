// Package engine wires the polling, geofence and enrichment components into one service and
// exposes the operational controls.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"geotrack/internal/buildinfo"
	"geotrack/internal/config"
	"geotrack/internal/enrich"
	"geotrack/internal/geofence"
	"geotrack/internal/ingest"
	"geotrack/internal/logger"
	"geotrack/internal/model"
	"geotrack/internal/polling"
	"geotrack/internal/roster"
	"geotrack/internal/signals"
	"geotrack/internal/store"
)

// ErrZonesReadOnly is returned by zone writes when zones come from a file.
var ErrZonesReadOnly = errors.New("geofence zones are file-managed")

// Deps are the collaborators the engine cannot build from configuration alone.
type Deps struct {
	Store  store.Store
	Feed   ingest.Feed
	Broker signals.EventBroker
	// Roster defaults to the store's workers table.
	Roster roster.Provider
	// Provider defaults to a Nominatim client built from the enrichment config.
	Provider enrich.Provider
	Log      *logger.Logger
}

type Engine struct {
	cfg    config.Config
	st     store.Store
	feed   ingest.Feed
	broker signals.EventBroker
	log    *logger.Logger

	zones       *geofence.CachedZones
	fileZones   bool
	detector    *geofence.Detector
	limiter     *enrich.RateLimiter
	batcher     *enrich.Batcher
	scheduler   *enrich.Scheduler
	pipeline    *ingest.Pipeline
	pool        *polling.Pool
	coordinator *polling.Coordinator

	mu           sync.Mutex
	schedulerOn  bool
	lastRun      *enrich.RunResult
	lastRunError string
}

func New(cfg config.Config, d Deps) (*Engine, error) {
	if d.Store == nil {
		return nil, errors.New("engine: store required")
	}
	log := d.Log
	if log == nil {
		log = logger.Discard()
	}
	if d.Broker == nil {
		d.Broker = signals.NewBroker()
	}
	if d.Feed == nil {
		d.Feed = ingest.NewMemoryFeed(cfg.Ingest.Freshness)
	}
	if d.Roster == nil {
		d.Roster = roster.StoreProvider{Store: d.Store}
	}
	if d.Provider == nil {
		ua := cfg.Enrichment.UserAgent
		if ua == "" {
			ua = buildinfo.UserAgent()
		}
		d.Provider = enrich.NewNominatimProvider(enrich.NominatimConfig{
			BaseURL:   cfg.Enrichment.ProviderURL,
			UserAgent: ua,
			Timeout:   cfg.Enrichment.ProviderTimeout,
		})
	}

	e := &Engine{cfg: cfg, st: d.Store, feed: d.Feed, broker: d.Broker, log: log}

	var src geofence.ZoneSource = geofence.StoreZones{Store: d.Store}
	if cfg.Geofence.ZonesFile != "" {
		src = geofence.FileZones{Path: cfg.Geofence.ZonesFile}
		e.fileZones = true
	}
	e.zones = geofence.NewCachedZones(src, cfg.Geofence.CacheTTL, log)
	e.detector = geofence.NewDetector(e.zones, geofence.NewMembershipStore(), geofence.Options{
		SignificantMovementM: cfg.Geofence.SignificantMovementM,
		UnreliableAccuracyM:  cfg.Geofence.UnreliableAccuracyM,
	})

	e.limiter = enrich.NewRateLimiter(d.Provider,
		enrich.Pacing{SubBatchSize: cfg.Enrichment.SubBatchSize, Pause: cfg.Enrichment.SubBatchPause},
		cfg.Enrichment.RequestsPerSecond, cfg.Enrichment.Burst)
	e.batcher = enrich.NewBatcher(d.Store, e.limiter, enrich.Options{
		RadiusM:             cfg.Enrichment.ClusterRadiusM,
		PendingLimit:        cfg.Enrichment.PendingLimit,
		UnreliableAccuracyM: cfg.Geofence.UnreliableAccuracyM,
	}, log.WithField("component", "batcher"))
	e.batcher.OnRun(e.onEnrichmentRun)
	sched, err := enrich.NewScheduler(e.batcher, cfg.Enrichment.Schedule, log)
	if err != nil {
		return nil, &model.ConfigurationError{Field: "enrichmentSchedule", Value: cfg.Enrichment.Schedule, Reason: err.Error()}
	}
	e.scheduler = sched

	e.pipeline = ingest.NewPipeline(d.Store, e.detector, e.batcher, log.WithField("component", "pipeline"))
	proc := polling.NewProcessor(d.Feed, e.pipeline, cfg.Polling.MemberPollConcurrency, cfg.Polling.MemberPollTimeout, log)
	e.pool = polling.NewPool(d.Store, proc, d.Broker, polling.PoolConfig{
		MaxConcurrent:    cfg.Polling.MaxConcurrentBatches,
		DispatchInterval: cfg.Polling.DispatchInterval,
		StaleAfter:       cfg.Polling.StaleAfter,
		BackoffBase:      cfg.Polling.RetryBackoffBase,
		BackoffMax:       cfg.Polling.RetryBackoffMax,
	}, log)
	e.coordinator = polling.NewCoordinator(d.Roster, d.Store, e.pool, d.Broker, polling.CoordinatorConfig{
		Interval:           cfg.Polling.Interval,
		ChunkSize:          cfg.Polling.ChunkSize,
		MaxRetries:         cfg.Polling.MaxRetries,
		RosterRetryBackoff: cfg.Polling.RosterRetryBackoff,
	}, log)
	return e, nil
}

func (e *Engine) onEnrichmentRun(res enrich.RunResult, err error) {
	e.mu.Lock()
	e.lastRun = &res
	e.lastRunError = ""
	if err != nil {
		e.lastRunError = err.Error()
	}
	e.mu.Unlock()
	evt := signals.Event{Kind: signals.EnrichmentRunCompleted, Data: map[string]any{
		"pending": res.Pending, "clusters": res.Clusters, "providerCalls": res.Calls,
		"failedClusters": res.Failed, "enrichedSamples": res.Enriched,
	}}
	if err != nil {
		evt.Error = err.Error()
	}
	e.broker.Publish(evt)
}

// Start begins polling and the enrichment schedule. Starting a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.coordinator.Start(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.schedulerOn {
		e.scheduler.Start()
		e.schedulerOn = true
	}
	return nil
}

// Stop halts polling and the schedule, waiting for in-flight batches and any running
// enrichment job until ctx expires.
func (e *Engine) Stop(ctx context.Context) error {
	err := e.coordinator.Stop(ctx)
	e.mu.Lock()
	on := e.schedulerOn
	e.schedulerOn = false
	e.mu.Unlock()
	if on {
		select {
		case <-e.scheduler.Stop().Done():
		case <-ctx.Done():
			if err == nil {
				err = fmt.Errorf("waiting for enrichment run: %w", ctx.Err())
			}
		}
	}
	return err
}

// RuntimeConfig is the tunable configuration as reported to operators.
type RuntimeConfig struct {
	PollingIntervalMs    int64   `json:"pollingIntervalMs"`
	MaxConcurrentBatches int     `json:"maxConcurrentBatches"`
	ChunkSize            int     `json:"chunkSize"`
	MaxRetries           int     `json:"maxRetries"`
	ClusterRadiusM       float64 `json:"clusterRadiusMeters"`
	SubBatchSize         int     `json:"subBatchSize"`
	SubBatchPauseMs      int64   `json:"subBatchPauseMs"`
	SignificantMovementM float64 `json:"significantMovementMeters"`
	UnreliableAccuracyM  float64 `json:"unreliableAccuracyMeters"`
	EnrichmentSchedule   string  `json:"enrichmentSchedule"`
}

type Status struct {
	IsRunning         bool              `json:"isRunning"`
	ActiveBatchCount  int               `json:"activeBatchCount"`
	PendingBatchCount int               `json:"pendingBatchCount"`
	CurrentConfig     RuntimeConfig     `json:"currentConfig"`
	NextEnrichmentRun *time.Time        `json:"nextEnrichmentRun,omitempty"`
	LastEnrichmentRun *enrich.RunResult `json:"lastEnrichmentRun,omitempty"`
	LastEnrichmentErr string            `json:"lastEnrichmentError,omitempty"`
	Build             buildinfo.Info    `json:"build"`
}

func (e *Engine) Config() RuntimeConfig {
	cc := e.coordinator.Config()
	pacing := e.limiter.Pacing()
	det := e.detector.Options()
	return RuntimeConfig{
		PollingIntervalMs:    cc.Interval.Milliseconds(),
		MaxConcurrentBatches: e.pool.MaxConcurrent(),
		ChunkSize:            cc.ChunkSize,
		MaxRetries:           cc.MaxRetries,
		ClusterRadiusM:       e.batcher.Options().RadiusM,
		SubBatchSize:         pacing.SubBatchSize,
		SubBatchPauseMs:      pacing.Pause.Milliseconds(),
		SignificantMovementM: det.SignificantMovementM,
		UnreliableAccuracyM:  det.UnreliableAccuracyM,
		EnrichmentSchedule:   e.cfg.Enrichment.Schedule,
	}
}

func (e *Engine) Status(ctx context.Context) Status {
	st := Status{
		IsRunning:        e.coordinator.IsRunning(),
		ActiveBatchCount: e.pool.ActiveCount(),
		CurrentConfig:    e.Config(),
		Build:            buildinfo.Get(),
	}
	if n, err := e.st.CountBatches(ctx, model.BatchPending); err == nil {
		st.PendingBatchCount = n
	}
	e.mu.Lock()
	if e.schedulerOn {
		if next := e.scheduler.Next(); !next.IsZero() {
			st.NextEnrichmentRun = &next
		}
	}
	if e.lastRun != nil {
		r := *e.lastRun
		st.LastEnrichmentRun = &r
	}
	st.LastEnrichmentErr = e.lastRunError
	e.mu.Unlock()
	return st
}

// ConfigPatch carries operator changes; nil fields are left alone.
type ConfigPatch struct {
	PollingIntervalMs    *int64   `json:"pollingIntervalMs,omitempty"`
	MaxConcurrentBatches *int     `json:"maxConcurrentBatches,omitempty"`
	ClusterRadiusM       *float64 `json:"clusterRadiusMeters,omitempty"`
	SubBatchSize         *int     `json:"subBatchSize,omitempty"`
	SubBatchPauseMs      *int64   `json:"subBatchPauseMs,omitempty"`
}

// UpdateConfig validates every field of p before applying any of them.
func (e *Engine) UpdateConfig(p ConfigPatch) (RuntimeConfig, error) {
	pacing := e.limiter.Pacing()
	if p.SubBatchSize != nil {
		pacing.SubBatchSize = *p.SubBatchSize
	}
	if p.SubBatchPauseMs != nil {
		pacing.Pause = time.Duration(*p.SubBatchPauseMs) * time.Millisecond
	}
	if p.PollingIntervalMs != nil {
		if err := config.ValidatePollingInterval(time.Duration(*p.PollingIntervalMs) * time.Millisecond); err != nil {
			return RuntimeConfig{}, err
		}
	}
	if p.MaxConcurrentBatches != nil {
		if err := config.ValidateMaxConcurrentBatches(*p.MaxConcurrentBatches); err != nil {
			return RuntimeConfig{}, err
		}
	}
	if p.ClusterRadiusM != nil {
		if err := config.ValidateClusterRadius(*p.ClusterRadiusM); err != nil {
			return RuntimeConfig{}, err
		}
	}
	if p.SubBatchSize != nil || p.SubBatchPauseMs != nil {
		if err := config.ValidatePacing(pacing.SubBatchSize, pacing.Pause); err != nil {
			return RuntimeConfig{}, err
		}
	}

	if p.PollingIntervalMs != nil {
		if err := e.SetPollingInterval(time.Duration(*p.PollingIntervalMs) * time.Millisecond); err != nil {
			return RuntimeConfig{}, err
		}
	}
	if p.MaxConcurrentBatches != nil {
		if err := e.SetMaxConcurrentBatches(*p.MaxConcurrentBatches); err != nil {
			return RuntimeConfig{}, err
		}
	}
	if p.ClusterRadiusM != nil {
		if err := e.SetClusterRadius(*p.ClusterRadiusM); err != nil {
			return RuntimeConfig{}, err
		}
	}
	if p.SubBatchSize != nil || p.SubBatchPauseMs != nil {
		if err := e.SetPacing(pacing); err != nil {
			return RuntimeConfig{}, err
		}
	}
	return e.Config(), nil
}

// SetPollingInterval takes effect from the next cycle.
func (e *Engine) SetPollingInterval(d time.Duration) error {
	if err := e.coordinator.SetInterval(d); err != nil {
		return err
	}
	e.log.WithField("interval_ms", d.Milliseconds()).Info("polling interval updated")
	return nil
}

func (e *Engine) SetMaxConcurrentBatches(n int) error {
	if err := e.pool.SetMaxConcurrent(n); err != nil {
		return err
	}
	e.log.WithField("max_concurrent_batches", n).Info("batch concurrency updated")
	return nil
}

func (e *Engine) SetClusterRadius(m float64) error {
	if err := config.ValidateClusterRadius(m); err != nil {
		return err
	}
	e.batcher.SetRadius(m)
	e.log.WithField("cluster_radius_m", m).Info("cluster radius updated")
	return nil
}

func (e *Engine) SetPacing(p enrich.Pacing) error {
	if err := config.ValidatePacing(p.SubBatchSize, p.Pause); err != nil {
		return err
	}
	e.limiter.SetPacing(p)
	e.log.WithFields(logger.Fields{"sub_batch_size": p.SubBatchSize, "pause_ms": p.Pause.Milliseconds()}).Info("enrichment pacing updated")
	return nil
}

// RunCycle triggers a polling cycle outside the schedule.
func (e *Engine) RunCycle(ctx context.Context) (polling.CycleResult, error) {
	return e.coordinator.RunCycle(ctx)
}

// RunEnrichment runs the cluster batcher now. It waits for a scheduled run in progress.
func (e *Engine) RunEnrichment(ctx context.Context) (enrich.RunResult, error) {
	return e.batcher.Run(ctx)
}

func (e *Engine) Backfill(ctx context.Context, from, to time.Time) (enrich.BackfillResult, error) {
	return e.batcher.Backfill(ctx, from, to)
}

func (e *Engine) Batch(ctx context.Context, id string) (model.PollingBatch, error) {
	return e.st.GetBatch(ctx, id)
}

// Report accepts a device sample into the ingestion feed. Feeds that cannot accept pushes
// are read-only.
func (e *Engine) Report(ctx context.Context, s model.LocationSample) error {
	sink, ok := e.feed.(ingest.Sink)
	if !ok {
		return errors.New("ingestion feed does not accept reports")
	}
	return sink.Push(ctx, s)
}

// UpsertZone validates and stores a zone, then drops the zone cache so the next sample sees it.
func (e *Engine) UpsertZone(ctx context.Context, z model.GeofenceZone) (model.GeofenceZone, error) {
	if e.fileZones {
		return model.GeofenceZone{}, ErrZonesReadOnly
	}
	if err := geofence.ValidateZone(z); err != nil {
		return model.GeofenceZone{}, err
	}
	out, err := e.st.UpsertZone(ctx, z)
	if err != nil {
		return model.GeofenceZone{}, err
	}
	e.zones.Invalidate()
	return out, nil
}

func (e *Engine) DeleteZone(ctx context.Context, id string) error {
	if e.fileZones {
		return ErrZonesReadOnly
	}
	if err := e.st.DeleteZone(ctx, id); err != nil {
		return err
	}
	e.zones.Invalidate()
	return nil
}

func (e *Engine) Zones(ctx context.Context) ([]model.GeofenceZone, error) {
	return e.zones.Zones(ctx)
}

func (e *Engine) Store() store.Store { return e.st }

func (e *Engine) Signals() signals.EventBroker { return e.broker }
