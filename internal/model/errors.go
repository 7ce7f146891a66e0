package model

import (
	"errors"
	"fmt"
)

// ConfigurationError rejects an invalid tunable before it takes effect.
type ConfigurationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s=%v: %s", e.Field, e.Value, e.Reason)
}

var (
	// ErrRosterUnavailable marks a failed roster lookup; the cycle is retried after a short backoff.
	ErrRosterUnavailable = errors.New("roster unavailable")
	// ErrGeofenceConfigMissing is reported as a warning, never as a failure.
	ErrGeofenceConfigMissing = errors.New("no geofence zones configured")
	ErrNotFound              = errors.New("not found")
)

type PollFailureKind string

const (
	PollUnavailable PollFailureKind = "unavailable"
	PollTimeout     PollFailureKind = "timeout"
)

// MemberPollFailure is a per-member failure; it is counted but never fails the batch.
type MemberPollFailure struct {
	WorkerID string
	Kind     PollFailureKind
	Err      error
}

func (e *MemberPollFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("poll %s: %s: %v", e.WorkerID, e.Kind, e.Err)
	}
	return fmt.Sprintf("poll %s: %s", e.WorkerID, e.Kind)
}

func (e *MemberPollFailure) Unwrap() error { return e.Err }

// BatchPersistenceFailure is a batch-level failure and drives retry/backoff.
type BatchPersistenceFailure struct {
	BatchID string
	Op      string
	Err     error
}

func (e *BatchPersistenceFailure) Error() string {
	return fmt.Sprintf("batch %s: %s: %v", e.BatchID, e.Op, e.Err)
}

func (e *BatchPersistenceFailure) Unwrap() error { return e.Err }

// InvalidSampleError describes why a sample was excluded from enrichment.
type InvalidSampleError struct {
	Reason string
}

func (e *InvalidSampleError) Error() string { return "invalid sample: " + e.Reason }

// EnrichmentProviderFailure is isolated to one cluster or sample.
type EnrichmentProviderFailure struct {
	Lat, Lng float64
	Err      error
}

func (e *EnrichmentProviderFailure) Error() string {
	return fmt.Sprintf("enrichment at (%.6f,%.6f): %v", e.Lat, e.Lng, e.Err)
}

func (e *EnrichmentProviderFailure) Unwrap() error { return e.Err }
