package enrich

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"geotrack/internal/metrics"
	"geotrack/internal/model"
)

// Pacing controls provider quota: clusters are resolved SubBatchSize at a time with Pause
// between sub-batches.
type Pacing struct {
	SubBatchSize int           `json:"subBatchSize"`
	Pause        time.Duration `json:"-"`
}

// RateLimiter is the only caller of the Provider. Every call also waits on a token bucket.
type RateLimiter struct {
	provider Provider

	mu     sync.RWMutex
	pacing Pacing
	bucket *rate.Limiter
}

// NewRateLimiter builds a limiter. rps <= 0 disables the token bucket.
func NewRateLimiter(p Provider, pacing Pacing, rps float64, burst int) *RateLimiter {
	l := &RateLimiter{provider: p, pacing: pacing}
	l.bucket = newBucket(rps, burst)
	return l
}

func newBucket(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func (l *RateLimiter) Pacing() Pacing {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pacing
}

func (l *RateLimiter) SetPacing(p Pacing) {
	l.mu.Lock()
	l.pacing = p
	l.mu.Unlock()
}

// SetRate changes the token bucket in place.
func (l *RateLimiter) SetRate(rps float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rps <= 0 {
		l.bucket.SetLimit(rate.Inf)
		return
	}
	l.bucket.SetLimit(rate.Limit(rps))
	if burst >= 1 {
		l.bucket.SetBurst(burst)
	}
}

// Resolve waits for a token and calls the provider. path labels metrics (immediate, cluster).
func (l *RateLimiter) Resolve(ctx context.Context, path string, lat, lng float64) (model.Place, error) {
	if err := l.bucket.Wait(ctx); err != nil {
		return model.Place{}, &model.EnrichmentProviderFailure{Lat: lat, Lng: lng, Err: err}
	}
	start := time.Now()
	place, err := l.provider.Resolve(ctx, lat, lng)
	metrics.EnrichmentLatency.WithLabelValues(path).Observe(float64(time.Since(start).Milliseconds()))
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.EnrichmentCalls.WithLabelValues(path, status).Inc()
	return place, err
}

// Each calls fn for every item in sub-batches, pausing between them. It stops early only
// when ctx is done.
func Each[T any](ctx context.Context, l *RateLimiter, items []T, fn func(ctx context.Context, sub []T) error) error {
	p := l.Pacing()
	size := p.SubBatchSize
	if size < 1 {
		size = len(items)
	}
	for start := 0; start < len(items); start += size {
		if start > 0 && p.Pause > 0 {
			t := time.NewTimer(p.Pause)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		if err := fn(ctx, items[start:end]); err != nil {
			return err
		}
	}
	return nil
}
