//go:build postgres_integration

package store

import (
	"context"
	"os"
	"testing"
)

func TestPostgresContract(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	runContract(t, func(t *testing.T) Store {
		p, err := NewPostgres(dsn)
		if err != nil {
			t.Fatalf("NewPostgres: %v", err)
		}
		ctx := context.Background()
		if err := p.Migrate(ctx); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
		for _, tbl := range []string{"workers", "geofence_zones", "location_samples", "processed_locations", "validation_log", "polling_batches", "cluster_queue"} {
			if _, err := p.db.ExecContext(ctx, "TRUNCATE "+tbl); err != nil {
				t.Fatalf("truncate %s: %v", tbl, err)
			}
		}
		t.Cleanup(func() { _ = p.Close() })
		return p
	})
}
