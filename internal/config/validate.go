package config

import (
	"time"

	"geotrack/internal/model"
)

const (
	MinPollingInterval = 30 * time.Second
	MaxPollingInterval = 30 * time.Minute
	MaxSubBatchPause   = time.Minute
)

// ValidatePollingInterval enforces the [30s, 30min] policy.
func ValidatePollingInterval(d time.Duration) error {
	if d < MinPollingInterval || d > MaxPollingInterval {
		return &model.ConfigurationError{Field: "pollingIntervalMs", Value: d.Milliseconds(), Reason: "must be within [30000, 1800000]"}
	}
	return nil
}

func ValidateMaxConcurrentBatches(n int) error {
	if n < 1 {
		return &model.ConfigurationError{Field: "maxConcurrentBatches", Value: n, Reason: "must be >= 1"}
	}
	return nil
}

func ValidateClusterRadius(m float64) error {
	if !(m > 0) || m > 10000 {
		return &model.ConfigurationError{Field: "clusterRadiusM", Value: m, Reason: "must be within (0, 10000]"}
	}
	return nil
}

// ValidatePacing checks the rate limiter's sub-batch size and inter-batch pause.
func ValidatePacing(size int, pause time.Duration) error {
	if size < 1 {
		return &model.ConfigurationError{Field: "subBatchSize", Value: size, Reason: "must be >= 1"}
	}
	if pause < 0 || pause > MaxSubBatchPause {
		return &model.ConfigurationError{Field: "subBatchPauseMs", Value: pause.Milliseconds(), Reason: "must be within [0, 60000]"}
	}
	return nil
}

// Validate checks every tunable of the loaded configuration.
func (c *Config) Validate() error {
	if err := ValidatePollingInterval(c.Polling.Interval); err != nil {
		return err
	}
	if err := ValidateMaxConcurrentBatches(c.Polling.MaxConcurrentBatches); err != nil {
		return err
	}
	if c.Polling.ChunkSize < 1 {
		return &model.ConfigurationError{Field: "chunkSize", Value: c.Polling.ChunkSize, Reason: "must be >= 1"}
	}
	if c.Polling.MaxRetries < 0 {
		return &model.ConfigurationError{Field: "maxRetries", Value: c.Polling.MaxRetries, Reason: "must be >= 0"}
	}
	if c.Polling.RosterRetryBackoff <= 0 {
		return &model.ConfigurationError{Field: "rosterRetryBackoff", Value: c.Polling.RosterRetryBackoff, Reason: "must be > 0"}
	}
	if c.Polling.MemberPollConcurrency < 1 {
		return &model.ConfigurationError{Field: "memberPollConcurrency", Value: c.Polling.MemberPollConcurrency, Reason: "must be >= 1"}
	}
	if c.Geofence.SignificantMovementM <= 0 {
		return &model.ConfigurationError{Field: "significantMovementM", Value: c.Geofence.SignificantMovementM, Reason: "must be > 0"}
	}
	if c.Geofence.UnreliableAccuracyM <= 0 {
		return &model.ConfigurationError{Field: "unreliableAccuracyM", Value: c.Geofence.UnreliableAccuracyM, Reason: "must be > 0"}
	}
	if err := ValidateClusterRadius(c.Enrichment.ClusterRadiusM); err != nil {
		return err
	}
	if err := ValidatePacing(c.Enrichment.SubBatchSize, c.Enrichment.SubBatchPause); err != nil {
		return err
	}
	if c.Enrichment.RequestsPerSecond < 0 {
		return &model.ConfigurationError{Field: "requestsPerSecond", Value: c.Enrichment.RequestsPerSecond, Reason: "must be >= 0"}
	}
	return nil
}
