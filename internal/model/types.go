package model

import (
	"time"
)

// Core domain types for the polling / enrichment engine.

// LocationSample is a raw position reading for one worker.
type LocationSample struct {
	WorkerID   string         `json:"workerId"`
	CapturedAt time.Time      `json:"capturedAt"`
	Lat        float64        `json:"latitude"`
	Lng        float64        `json:"longitude"`
	AccuracyM  float64        `json:"accuracyMeters"`
	Altitude   *float64       `json:"altitude,omitempty"`
	Heading    *float64       `json:"heading,omitempty"`
	Speed      *float64       `json:"speed,omitempty"`
	DeviceMeta map[string]any `json:"deviceMeta,omitempty"`
}

// Key identifies a sample; (worker, capture time) is unique across the raw and processed stores.
func (s LocationSample) Key() SampleKey {
	return SampleKey{WorkerID: s.WorkerID, CapturedAt: s.CapturedAt.UTC()}
}

type SampleKey struct {
	WorkerID   string    `json:"workerId"`
	CapturedAt time.Time `json:"capturedAt"`
}

type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s BatchStatus) Terminal() bool { return s == BatchCompleted || s == BatchFailed }

// PollingBatch is one unit of polling work covering a chunk of workers.
// MemberIDs never change after creation; status and counters are owned by the pool.
type PollingBatch struct {
	ID           string      `json:"batchId"`
	MemberIDs    []string    `json:"memberIds"`
	Status       BatchStatus `json:"status"`
	Priority     int         `json:"priority"`
	ScheduledAt  time.Time   `json:"scheduledAt"`
	StartedAt    *time.Time  `json:"startedAt,omitempty"`
	CompletedAt  *time.Time  `json:"completedAt,omitempty"`
	SuccessCount int         `json:"successCount"`
	FailureCount int         `json:"failureCount"`
	RetryCount   int         `json:"retryCount"`
	MaxRetries   int         `json:"maxRetries"`
	ErrorDetails string      `json:"errorDetails,omitempty"`
}

type ZoneType string

const (
	ZoneOffice     ZoneType = "office"
	ZoneFieldSite  ZoneType = "field_site"
	ZoneClientSite ZoneType = "client_site"
	ZoneHome       ZoneType = "home"
)

func (t ZoneType) Valid() bool {
	switch t {
	case ZoneOffice, ZoneFieldSite, ZoneClientSite, ZoneHome:
		return true
	}
	return false
}

// GeofenceZone is a named circle. Zones with an owner apply to that worker only.
type GeofenceZone struct {
	ID            string   `json:"zoneId" yaml:"id"`
	Name          string   `json:"name" yaml:"name"`
	OwnerWorkerID string   `json:"ownerWorkerId,omitempty" yaml:"ownerWorkerId,omitempty"`
	CenterLat     float64  `json:"centerLat" yaml:"centerLat"`
	CenterLng     float64  `json:"centerLng" yaml:"centerLng"`
	RadiusM       float64  `json:"radiusMeters" yaml:"radiusMeters"`
	ZoneType      ZoneType `json:"zoneType" yaml:"zoneType"`
}

// AppliesTo reports whether the zone is relevant for the worker.
func (z GeofenceZone) AppliesTo(workerID string) bool {
	return z.OwnerWorkerID == "" || z.OwnerWorkerID == workerID
}

type Transition string

const (
	TransitionEnter Transition = "enter"
	TransitionExit  Transition = "exit"
)

type GeofenceEvent struct {
	WorkerID        string     `json:"workerId"`
	ZoneID          string     `json:"zoneId"`
	Transition      Transition `json:"transition"`
	SampleTimestamp time.Time  `json:"sampleTimestamp"`
}

// ClusterBatchEntry is a sample waiting for batched enrichment.
type ClusterBatchEntry struct {
	ID         int64          `json:"id"`
	Sample     LocationSample `json:"sample"`
	EnqueuedAt time.Time      `json:"enqueuedAt"`
}

type EnrichmentSource string

const (
	SourceImmediate EnrichmentSource = "immediate"
	SourceCluster   EnrichmentSource = "cluster"
)

// ProcessedLocation is an enriched sample, upserted by (WorkerID, CapturedAt).
type ProcessedLocation struct {
	WorkerID   string           `json:"workerId"`
	CapturedAt time.Time        `json:"capturedAt"`
	Lat        float64          `json:"latitude"`
	Lng        float64          `json:"longitude"`
	PlaceName  string           `json:"resolvedPlaceName"`
	PlaceType  string           `json:"placeType"`
	EnrichedAt time.Time        `json:"enrichedAt"`
	Source     EnrichmentSource `json:"source,omitempty"`
}

type ValidationResult string

const (
	ResultPass    ValidationResult = "pass"
	ResultWarning ValidationResult = "warning"
	ResultFail    ValidationResult = "fail"
)

const (
	ValidationTypeGeofence = "geofence"
	ValidatedBySystem      = "system"
)

// ValidationLogEntry is an append-only audit record for one sample.
type ValidationLogEntry struct {
	ID             int64            `json:"id"`
	WorkerID       string           `json:"workerId"`
	CapturedAt     time.Time        `json:"capturedAt"`
	ValidationType string           `json:"validationType"`
	Result         ValidationResult `json:"result"`
	Details        map[string]any   `json:"details,omitempty"`
	ValidatedBy    string           `json:"validatedBy"`
	ActionTaken    string           `json:"actionTaken,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// Place is the result of a reverse lookup.
type Place struct {
	Name string `json:"placeName"`
	Type string `json:"placeType"`
}

// Worker is a roster row.
type Worker struct {
	ID     string `json:"workerId"`
	Active bool   `json:"active"`
}
