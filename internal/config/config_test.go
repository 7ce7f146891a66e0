package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"geotrack/internal/model"
)

func TestPollingIntervalPolicy(t *testing.T) {
	var cfgErr *model.ConfigurationError
	if err := ValidatePollingInterval(20 * time.Second); !errors.As(err, &cfgErr) {
		t.Fatalf("20s should be rejected with ConfigurationError, got %v", err)
	}
	if err := ValidatePollingInterval(31 * time.Minute); err == nil {
		t.Fatal("31min should be rejected")
	}
	for _, d := range []time.Duration{30 * time.Second, 180 * time.Second, 30 * time.Minute} {
		if err := ValidatePollingInterval(d); err != nil {
			t.Fatalf("%v rejected: %v", d, err)
		}
	}
}

func TestPacingAndRadius(t *testing.T) {
	if ValidatePacing(0, time.Second) == nil {
		t.Fatal("zero sub-batch size accepted")
	}
	if ValidatePacing(50, -time.Second) == nil {
		t.Fatal("negative pause accepted")
	}
	if err := ValidatePacing(50, 0); err != nil {
		t.Fatalf("zero pause rejected: %v", err)
	}
	if ValidateClusterRadius(0) == nil {
		t.Fatal("zero radius accepted")
	}
}

func TestDefaultsValidate(t *testing.T) {
	d := Default()
	if err := d.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if d.Polling.Interval != 3*time.Minute || d.Polling.ChunkSize != 50 || d.Polling.MaxConcurrentBatches != 6 {
		t.Fatalf("unexpected polling defaults: %+v", d.Polling)
	}
	if d.Enrichment.ClusterRadiusM != 100 || d.Enrichment.SubBatchSize != 50 || d.Enrichment.SubBatchPause != time.Second {
		t.Fatalf("unexpected enrichment defaults: %+v", d.Enrichment)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "geotrack.yaml")
	body := []byte("polling:\n  interval: 5m\n  chunk_size: 25\nenrichment:\n  cluster_radius_m: 150\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GEOTRACK_POLLING_MAX_CONCURRENT_BATCHES", "4")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Polling.Interval != 5*time.Minute || cfg.Polling.ChunkSize != 25 {
		t.Fatalf("file values not applied: %+v", cfg.Polling)
	}
	if cfg.Polling.MaxConcurrentBatches != 4 {
		t.Fatalf("env override not applied: %d", cfg.Polling.MaxConcurrentBatches)
	}
	if cfg.Enrichment.ClusterRadiusM != 150 || cfg.Enrichment.SubBatchSize != 50 {
		t.Fatalf("enrichment: %+v", cfg.Enrichment)
	}
}

func TestLoadRejectsInvalidInterval(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "geotrack.yaml")
	if err := os.WriteFile(path, []byte("polling:\n  interval: 20s\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	var cfgErr *model.ConfigurationError
	if _, err := Load(path); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}
