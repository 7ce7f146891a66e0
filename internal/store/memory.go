package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"geotrack/internal/geo"
	"geotrack/internal/model"
)

// Memory is a simple in-memory store used when no database is configured.
type Memory struct {
	mu        sync.Mutex
	samples   map[model.SampleKey]model.LocationSample
	processed map[model.SampleKey]model.ProcessedLocation
	vlog      []model.ValidationLogEntry
	vlogSeq   int64
	batches   map[string]*model.PollingBatch
	batchSeq  map[string]int64 // id -> insertion order, tie-breaker for the queue
	seq       int64
	cluster   map[int64]model.ClusterBatchEntry
	clusterBy map[model.SampleKey]int64
	clusterID int64
	workers   map[string]bool
	zones     map[string]model.GeofenceZone
}

func NewMemory() *Memory {
	return &Memory{
		samples:   map[model.SampleKey]model.LocationSample{},
		processed: map[model.SampleKey]model.ProcessedLocation{},
		batches:   map[string]*model.PollingBatch{},
		batchSeq:  map[string]int64{},
		cluster:   map[int64]model.ClusterBatchEntry{},
		clusterBy: map[model.SampleKey]int64{},
		workers:   map[string]bool{},
		zones:     map[string]model.GeofenceZone{},
	}
}

func inRange(workerID string, t time.Time, want string, from, to time.Time) bool {
	if want != "" && workerID != want {
		return false
	}
	return !t.Before(from) && t.Before(to)
}

// Raw samples

func (m *Memory) AppendRawSample(ctx context.Context, s model.LocationSample) error {
	if !geo.ValidCoordinates(s.Lat, s.Lng) {
		return &model.InvalidSampleError{Reason: "coordinates out of range"}
	}
	if s.AccuracyM < 0 {
		return &model.InvalidSampleError{Reason: "negative accuracy"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := s.Key()
	if _, ok := m.samples[k]; ok {
		return nil
	}
	s.CapturedAt = k.CapturedAt
	m.samples[k] = s
	return nil
}

func (m *Memory) ListRawSamples(ctx context.Context, workerID string, from, to time.Time) ([]model.LocationSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.LocationSample{}
	for _, s := range m.samples {
		if inRange(s.WorkerID, s.CapturedAt, workerID, from, to) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CapturedAt.Equal(out[j].CapturedAt) {
			return out[i].CapturedAt.Before(out[j].CapturedAt)
		}
		return out[i].WorkerID < out[j].WorkerID
	})
	return out, nil
}

// Processed locations

func (m *Memory) UpsertProcessedLocation(ctx context.Context, p model.ProcessedLocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.CapturedAt = p.CapturedAt.UTC()
	m.processed[model.SampleKey{WorkerID: p.WorkerID, CapturedAt: p.CapturedAt}] = p
	return nil
}

func (m *Memory) ListProcessedLocations(ctx context.Context, workerID string, from, to time.Time) ([]model.ProcessedLocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.ProcessedLocation{}
	for _, p := range m.processed {
		if inRange(p.WorkerID, p.CapturedAt, workerID, from, to) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CapturedAt.Equal(out[j].CapturedAt) {
			return out[i].CapturedAt.Before(out[j].CapturedAt)
		}
		return out[i].WorkerID < out[j].WorkerID
	})
	return out, nil
}

// Validation log

func (m *Memory) AppendValidationLogEntry(ctx context.Context, e model.ValidationLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vlogSeq++
	e.ID = m.vlogSeq
	e.CapturedAt = e.CapturedAt.UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.vlog = append(m.vlog, e)
	return nil
}

func (m *Memory) ListValidationLogEntries(ctx context.Context, workerID string, from, to time.Time) ([]model.ValidationLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.ValidationLogEntry{}
	for _, e := range m.vlog {
		if inRange(e.WorkerID, e.CapturedAt, workerID, from, to) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Batch queue

func (m *Memory) EnqueueBatches(ctx context.Context, batches []model.PollingBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range batches {
		if b.ID == "" {
			b.ID = uuid.New().String()
		}
		if b.Status == "" {
			b.Status = model.BatchPending
		}
		b.MemberIDs = append([]string(nil), b.MemberIDs...)
		b.ScheduledAt = b.ScheduledAt.UTC()
		cp := b
		m.batches[b.ID] = &cp
		m.seq++
		m.batchSeq[b.ID] = m.seq
	}
	return nil
}

func (m *Memory) ClaimNextBatch(ctx context.Context, now time.Time) (model.PollingBatch, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *model.PollingBatch
	for _, b := range m.batches {
		if b.Status != model.BatchPending || b.ScheduledAt.After(now) {
			continue
		}
		if best == nil || m.before(b, best) {
			best = b
		}
	}
	if best == nil {
		return model.PollingBatch{}, false, nil
	}
	started := now.UTC()
	best.Status = model.BatchProcessing
	best.StartedAt = &started
	best.CompletedAt = nil
	return copyBatch(best), true, nil
}

func (m *Memory) before(a, b *model.PollingBatch) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	return m.batchSeq[a.ID] < m.batchSeq[b.ID]
}

func (m *Memory) CompleteBatch(ctx context.Context, id string, success, failure int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return ErrNotFound
	}
	t := at.UTC()
	b.Status = model.BatchCompleted
	b.SuccessCount, b.FailureCount = success, failure
	b.CompletedAt = &t
	return nil
}

func (m *Memory) RequeueBatch(ctx context.Context, id string, retryCount int, scheduledAt time.Time, details string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return ErrNotFound
	}
	b.Status = model.BatchPending
	b.RetryCount = retryCount
	b.ScheduledAt = scheduledAt.UTC()
	b.StartedAt = nil
	b.ErrorDetails = details
	return nil
}

func (m *Memory) FailBatch(ctx context.Context, id string, retryCount int, details string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return ErrNotFound
	}
	t := at.UTC()
	b.Status = model.BatchFailed
	b.RetryCount = retryCount
	b.ErrorDetails = details
	b.CompletedAt = &t
	return nil
}

func (m *Memory) ResetStaleBatches(ctx context.Context, startedBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		if b.Status == model.BatchProcessing && b.StartedAt != nil && b.StartedAt.Before(startedBefore) {
			b.Status = model.BatchPending
			b.StartedAt = nil
			n++
		}
	}
	return n, nil
}

func (m *Memory) GetBatch(ctx context.Context, id string) (model.PollingBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return model.PollingBatch{}, ErrNotFound
	}
	return copyBatch(b), nil
}

func (m *Memory) CountBatches(ctx context.Context, status model.BatchStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		if status == "" || b.Status == status {
			n++
		}
	}
	return n, nil
}

func copyBatch(b *model.PollingBatch) model.PollingBatch {
	out := *b
	out.MemberIDs = append([]string(nil), b.MemberIDs...)
	if b.StartedAt != nil {
		t := *b.StartedAt
		out.StartedAt = &t
	}
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Cluster queue

func (m *Memory) EnqueueClusterEntries(ctx context.Context, samples []model.LocationSample, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range samples {
		k := s.Key()
		if _, ok := m.clusterBy[k]; ok {
			continue
		}
		m.clusterID++
		s.CapturedAt = k.CapturedAt
		m.cluster[m.clusterID] = model.ClusterBatchEntry{ID: m.clusterID, Sample: s, EnqueuedAt: at.UTC()}
		m.clusterBy[k] = m.clusterID
	}
	return nil
}

func (m *Memory) PendingClusterEntries(ctx context.Context, limit int) ([]model.ClusterBatchEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ClusterBatchEntry, 0, len(m.cluster))
	for _, e := range m.cluster {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DeleteClusterEntries(ctx context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if e, ok := m.cluster[id]; ok {
			delete(m.clusterBy, e.Sample.Key())
			delete(m.cluster, id)
		}
	}
	return nil
}

// Roster & zones

func (m *Memory) ListActiveWorkerIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []string{}
	for id, active := range m.workers {
		if active {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) UpsertWorker(ctx context.Context, w model.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[w.ID] = w.Active
	return nil
}

func (m *Memory) ListZones(ctx context.Context) ([]model.GeofenceZone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.GeofenceZone, 0, len(m.zones))
	for _, z := range m.zones {
		out = append(out, z)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpsertZone(ctx context.Context, z model.GeofenceZone) (model.GeofenceZone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if z.ID == "" {
		z.ID = uuid.New().String()
	}
	m.zones[z.ID] = z
	return z, nil
}

func (m *Memory) DeleteZone(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.zones[id]; !ok {
		return ErrNotFound
	}
	delete(m.zones, id)
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
