package enrich

import (
	"context"
	"fmt"
	"sync"
	"time"

	"geotrack/internal/geo"
	"geotrack/internal/logger"
	"geotrack/internal/metrics"
	"geotrack/internal/model"
	"geotrack/internal/store"
)

// Stores is the persistence the batcher reads and writes.
type Stores interface {
	store.ClusterQueue
	store.LocationStore
	store.SampleStore
}

type Options struct {
	RadiusM      float64
	PendingLimit int
	// UnreliableAccuracyM filters backfilled samples the same way the detector does.
	UnreliableAccuracyM float64
}

// RunResult summarises one cluster run.
type RunResult struct {
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Pending    int       `json:"pending"`
	Clusters   int       `json:"clusters"`
	Calls      int       `json:"providerCalls"`
	Failed     int       `json:"failedClusters"`
	Enriched   int       `json:"enrichedSamples"`
}

type BackfillResult struct {
	Scanned  int       `json:"scanned"`
	Enqueued int       `json:"enqueued"`
	Run      RunResult `json:"run"`
}

// Batcher drains the cluster queue. Runs never overlap.
type Batcher struct {
	st      Stores
	limiter *RateLimiter
	log     *logger.Logger
	now     func() time.Time

	runMu sync.Mutex

	mu       sync.RWMutex
	opts     Options
	observer func(RunResult, error)
}

func NewBatcher(st Stores, limiter *RateLimiter, opts Options, log *logger.Logger) *Batcher {
	if log == nil {
		log = logger.Discard()
	}
	return &Batcher{st: st, limiter: limiter, opts: opts, log: log, now: time.Now}
}

func (b *Batcher) Options() Options {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.opts
}

func (b *Batcher) SetRadius(m float64) {
	b.mu.Lock()
	b.opts.RadiusM = m
	b.mu.Unlock()
}

// OnRun registers a callback invoked after every run.
func (b *Batcher) OnRun(fn func(RunResult, error)) {
	b.mu.Lock()
	b.observer = fn
	b.mu.Unlock()
}

func (b *Batcher) Limiter() *RateLimiter { return b.limiter }

// Run clusters the pending entries and resolves one place per cluster. Entries of a cluster
// whose call or write fails stay queued for the next run.
func (b *Batcher) Run(ctx context.Context) (RunResult, error) {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	res, err := b.run(ctx)
	b.mu.RLock()
	obs := b.observer
	b.mu.RUnlock()
	if obs != nil {
		obs(res, err)
	}
	return res, err
}

func (b *Batcher) run(ctx context.Context) (RunResult, error) {
	opts := b.Options()
	res := RunResult{StartedAt: b.now().UTC()}
	entries, err := b.st.PendingClusterEntries(ctx, opts.PendingLimit)
	if err != nil {
		return res, fmt.Errorf("load pending entries: %w", err)
	}
	res.Pending = len(entries)
	metrics.ClusterPending.Set(float64(len(entries)))
	clusters := BuildClusters(entries, opts.RadiusM)
	res.Clusters = len(clusters)

	err = Each(ctx, b.limiter, clusters, func(ctx context.Context, sub []Cluster) error {
		var done []int64
		for _, c := range sub {
			metrics.ClusterSize.Observe(float64(len(c.Members)))
			res.Calls++
			place, err := b.limiter.Resolve(ctx, "cluster", c.Seed.Sample.Lat, c.Seed.Sample.Lng)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				res.Failed++
				b.log.WithError(err).WithField("members", len(c.Members)).Warn("cluster enrichment failed")
				continue
			}
			if err := b.fanOut(ctx, c, place); err != nil {
				res.Failed++
				b.log.WithError(err).Warn("persist cluster result failed")
				continue
			}
			for _, m := range c.Members {
				done = append(done, m.ID)
			}
			res.Enriched += len(c.Members)
		}
		if len(done) > 0 {
			if err := b.st.DeleteClusterEntries(ctx, done); err != nil {
				return fmt.Errorf("delete consumed entries: %w", err)
			}
		}
		return nil
	})
	res.FinishedAt = b.now().UTC()
	b.log.WithFields(logger.Fields{
		"pending":  res.Pending,
		"clusters": res.Clusters,
		"calls":    res.Calls,
		"failed":   res.Failed,
		"enriched": res.Enriched,
	}).Info("enrichment run finished")
	return res, err
}

func (b *Batcher) fanOut(ctx context.Context, c Cluster, place model.Place) error {
	at := b.now().UTC()
	for _, m := range c.Members {
		p := model.ProcessedLocation{
			WorkerID:   m.Sample.WorkerID,
			CapturedAt: m.Sample.CapturedAt,
			Lat:        m.Sample.Lat,
			Lng:        m.Sample.Lng,
			PlaceName:  place.Name,
			PlaceType:  place.Type,
			EnrichedAt: at,
			Source:     model.SourceCluster,
		}
		if err := b.st.UpsertProcessedLocation(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// EnrichNow resolves a single sample outside the cluster schedule.
func (b *Batcher) EnrichNow(ctx context.Context, s model.LocationSample) error {
	place, err := b.limiter.Resolve(ctx, "immediate", s.Lat, s.Lng)
	if err != nil {
		return err
	}
	return b.st.UpsertProcessedLocation(ctx, model.ProcessedLocation{
		WorkerID:   s.WorkerID,
		CapturedAt: s.CapturedAt.UTC(),
		Lat:        s.Lat,
		Lng:        s.Lng,
		PlaceName:  place.Name,
		PlaceType:  place.Type,
		EnrichedAt: b.now().UTC(),
		Source:     model.SourceImmediate,
	})
}

// Backfill queues valid raw samples in [from, to) that have no processed location yet and
// runs the batcher over them.
func (b *Batcher) Backfill(ctx context.Context, from, to time.Time) (BackfillResult, error) {
	var out BackfillResult
	if !to.After(from) {
		return out, &model.ConfigurationError{Field: "range", Value: fmt.Sprintf("%s..%s", from.Format(time.RFC3339), to.Format(time.RFC3339)), Reason: "to must be after from"}
	}
	samples, err := b.st.ListRawSamples(ctx, "", from, to)
	if err != nil {
		return out, fmt.Errorf("list raw samples: %w", err)
	}
	out.Scanned = len(samples)
	processed, err := b.st.ListProcessedLocations(ctx, "", from, to)
	if err != nil {
		return out, fmt.Errorf("list processed locations: %w", err)
	}
	have := make(map[model.SampleKey]struct{}, len(processed))
	for _, p := range processed {
		have[model.SampleKey{WorkerID: p.WorkerID, CapturedAt: p.CapturedAt.UTC()}] = struct{}{}
	}
	limit := b.Options().UnreliableAccuracyM
	var todo []model.LocationSample
	for _, s := range samples {
		if _, ok := have[s.Key()]; ok {
			continue
		}
		if !geo.ValidCoordinates(s.Lat, s.Lng) || (limit > 0 && s.AccuracyM > limit) {
			continue
		}
		todo = append(todo, s)
	}
	if err := b.st.EnqueueClusterEntries(ctx, todo, b.now()); err != nil {
		return out, fmt.Errorf("enqueue backfill: %w", err)
	}
	out.Enqueued = len(todo)
	out.Run, err = b.Run(ctx)
	return out, err
}
