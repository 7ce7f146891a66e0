// Package ingest connects the device feed to the geofence detector, the raw store and the
// enrichment paths.
package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"geotrack/internal/model"
)

// Feed returns the latest reading for a worker or a *model.MemberPollFailure.
type Feed interface {
	Poll(ctx context.Context, workerID string) (model.LocationSample, error)
}

// Sink accepts readings pushed by devices.
type Sink interface {
	Push(ctx context.Context, s model.LocationSample) error
}

// unavailable and pollError build typed member failures.
func unavailable(workerID string, err error) error {
	return &model.MemberPollFailure{WorkerID: workerID, Kind: model.PollUnavailable, Err: err}
}

var errNoReading = errors.New("no reading")

var errStale = errors.New("latest reading is stale")

// pollError maps context expiry to a timeout and anything else to unavailable.
func pollError(ctx context.Context, workerID string, err error) error {
	var mpf *model.MemberPollFailure
	if errors.As(err, &mpf) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &model.MemberPollFailure{WorkerID: workerID, Kind: model.PollTimeout, Err: err}
	}
	return unavailable(workerID, err)
}

// MemoryFeed keeps the latest reading per worker in process.
type MemoryFeed struct {
	mu        sync.Mutex
	latest    map[string]model.LocationSample
	freshness time.Duration
	now       func() time.Time
}

// NewMemoryFeed builds a feed. Readings older than freshness are reported unavailable;
// zero disables the check.
func NewMemoryFeed(freshness time.Duration) *MemoryFeed {
	return &MemoryFeed{latest: map[string]model.LocationSample{}, freshness: freshness, now: time.Now}
}

// Push stores s if it is newer than the current reading.
func (f *MemoryFeed) Push(ctx context.Context, s model.LocationSample) error {
	if s.WorkerID == "" {
		return errors.New("workerId required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.latest[s.WorkerID]; ok && !s.CapturedAt.After(cur.CapturedAt) {
		return nil
	}
	f.latest[s.WorkerID] = s
	return nil
}

func (f *MemoryFeed) Poll(ctx context.Context, workerID string) (model.LocationSample, error) {
	if err := ctx.Err(); err != nil {
		return model.LocationSample{}, pollError(ctx, workerID, err)
	}
	f.mu.Lock()
	s, ok := f.latest[workerID]
	f.mu.Unlock()
	if !ok {
		return model.LocationSample{}, unavailable(workerID, errNoReading)
	}
	if f.freshness > 0 && f.now().Sub(s.CapturedAt) > f.freshness {
		return model.LocationSample{}, unavailable(workerID, errStale)
	}
	return s, nil
}

// Workers lists workers with a reading.
func (f *MemoryFeed) Workers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.latest))
	for id := range f.latest {
		out = append(out, id)
	}
	return out
}
