package store

import (
	"context"
	"time"

	"geotrack/internal/model"
)

// The engine talks to persistence only through these narrow interfaces. Range queries are
// half-open [from, to); an empty workerID matches every worker.

// SampleStore is the raw, append-only sample log. Appending an existing
// (workerID, capturedAt) is a no-op.
type SampleStore interface {
	AppendRawSample(ctx context.Context, s model.LocationSample) error
	ListRawSamples(ctx context.Context, workerID string, from, to time.Time) ([]model.LocationSample, error)
}

// LocationStore holds enriched locations keyed by (workerID, capturedAt).
type LocationStore interface {
	UpsertProcessedLocation(ctx context.Context, p model.ProcessedLocation) error
	ListProcessedLocations(ctx context.Context, workerID string, from, to time.Time) ([]model.ProcessedLocation, error)
}

// ValidationLog is the append-only geofence audit trail.
type ValidationLog interface {
	AppendValidationLogEntry(ctx context.Context, e model.ValidationLogEntry) error
	ListValidationLogEntries(ctx context.Context, workerID string, from, to time.Time) ([]model.ValidationLogEntry, error)
}

// BatchQueue is the durable, priority-ordered polling work queue.
type BatchQueue interface {
	EnqueueBatches(ctx context.Context, batches []model.PollingBatch) error
	// ClaimNextBatch moves the most urgent due pending batch to processing.
	ClaimNextBatch(ctx context.Context, now time.Time) (model.PollingBatch, bool, error)
	CompleteBatch(ctx context.Context, id string, success, failure int, at time.Time) error
	RequeueBatch(ctx context.Context, id string, retryCount int, scheduledAt time.Time, details string) error
	FailBatch(ctx context.Context, id string, retryCount int, details string, at time.Time) error
	// ResetStaleBatches returns processing batches started before the cutoff to pending.
	ResetStaleBatches(ctx context.Context, startedBefore time.Time) (int, error)
	GetBatch(ctx context.Context, id string) (model.PollingBatch, error)
	CountBatches(ctx context.Context, status model.BatchStatus) (int, error)
}

// ClusterQueue holds samples waiting for batched enrichment.
type ClusterQueue interface {
	EnqueueClusterEntries(ctx context.Context, samples []model.LocationSample, at time.Time) error
	PendingClusterEntries(ctx context.Context, limit int) ([]model.ClusterBatchEntry, error)
	DeleteClusterEntries(ctx context.Context, ids []int64) error
}

// Roster is the store-backed active worker list.
type Roster interface {
	ListActiveWorkerIDs(ctx context.Context) ([]string, error)
	UpsertWorker(ctx context.Context, w model.Worker) error
}

type ZoneStore interface {
	ListZones(ctx context.Context) ([]model.GeofenceZone, error)
	UpsertZone(ctx context.Context, z model.GeofenceZone) (model.GeofenceZone, error)
	DeleteZone(ctx context.Context, id string) error
}

// Store is everything a backend provides.
type Store interface {
	SampleStore
	LocationStore
	ValidationLog
	BatchQueue
	ClusterQueue
	Roster
	ZoneStore
	Ping(ctx context.Context) error
	Close() error
}

var ErrNotFound = model.ErrNotFound
