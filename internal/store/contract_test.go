package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"geotrack/internal/model"
)

// runContract exercises behaviour every backend must share.
func runContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("raw samples dedupe and range", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		for i := 0; i < 3; i++ {
			smp := model.LocationSample{WorkerID: "w1", CapturedAt: base.Add(time.Duration(i) * time.Minute), Lat: 40.7, Lng: -74.0, AccuracyM: 10}
			if err := s.AppendRawSample(ctx, smp); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
		// retried write of the same key
		if err := s.AppendRawSample(ctx, model.LocationSample{WorkerID: "w1", CapturedAt: base, Lat: 40.7, Lng: -74.0, AccuracyM: 10}); err != nil {
			t.Fatalf("append dup: %v", err)
		}
		if err := s.AppendRawSample(ctx, model.LocationSample{WorkerID: "w2", CapturedAt: base, Lat: 1, Lng: 1, AccuracyM: 5}); err != nil {
			t.Fatalf("append w2: %v", err)
		}
		got, err := s.ListRawSamples(ctx, "w1", base, base.Add(2*time.Minute))
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("want 2 samples in [base, base+2m), got %d", len(got))
		}
		if !got[0].CapturedAt.Equal(base) {
			t.Fatalf("ordering: %v", got[0].CapturedAt)
		}
		all, _ := s.ListRawSamples(ctx, "", base, base.Add(time.Hour))
		if len(all) != 4 {
			t.Fatalf("want 4 across workers, got %d", len(all))
		}
	})

	t.Run("invalid coordinates rejected", func(t *testing.T) {
		s := newStore(t)
		err := s.AppendRawSample(context.Background(), model.LocationSample{WorkerID: "w1", CapturedAt: time.Now(), Lat: 91, Lng: 0})
		var inv *model.InvalidSampleError
		if !errors.As(err, &inv) {
			t.Fatalf("want InvalidSampleError, got %v", err)
		}
	})

	t.Run("processed location upsert", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		p := model.ProcessedLocation{WorkerID: "w1", CapturedAt: at, Lat: 1, Lng: 2, PlaceName: "A", PlaceType: "road", EnrichedAt: at, Source: model.SourceCluster}
		if err := s.UpsertProcessedLocation(ctx, p); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		p.PlaceName = "B"
		if err := s.UpsertProcessedLocation(ctx, p); err != nil {
			t.Fatalf("upsert again: %v", err)
		}
		got, err := s.ListProcessedLocations(ctx, "w1", at, at.Add(time.Second))
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 1 || got[0].PlaceName != "B" || got[0].Source != model.SourceCluster {
			t.Fatalf("unexpected %+v", got)
		}
	})

	t.Run("validation log append", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		e := model.ValidationLogEntry{WorkerID: "w1", CapturedAt: at, ValidationType: model.ValidationTypeGeofence,
			Result: model.ResultPass, Details: map[string]any{"zones": []any{"z1"}}, ValidatedBy: model.ValidatedBySystem}
		for i := 0; i < 2; i++ {
			if err := s.AppendValidationLogEntry(ctx, e); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
		got, err := s.ListValidationLogEntries(ctx, "w1", at, at.Add(time.Second))
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 2 || got[0].ID >= got[1].ID {
			t.Fatalf("want 2 entries in id order, got %+v", got)
		}
		if got[0].Result != model.ResultPass || got[0].Details["zones"] == nil {
			t.Fatalf("details lost: %+v", got[0])
		}
	})

	t.Run("batch queue ordering and lifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		batches := []model.PollingBatch{
			{ID: "b-late", MemberIDs: []string{"w3"}, Priority: 0, ScheduledAt: now.Add(time.Minute), MaxRetries: 3},
			{ID: "b2", MemberIDs: []string{"w2"}, Priority: 1, ScheduledAt: now, MaxRetries: 3},
			{ID: "b1", MemberIDs: []string{"w1", "w4"}, Priority: 0, ScheduledAt: now, MaxRetries: 3},
		}
		if err := s.EnqueueBatches(ctx, batches); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		b, ok, err := s.ClaimNextBatch(ctx, now)
		if err != nil || !ok {
			t.Fatalf("claim: ok=%v err=%v", ok, err)
		}
		if b.ID != "b1" || b.Status != model.BatchProcessing || b.StartedAt == nil || len(b.MemberIDs) != 2 {
			t.Fatalf("unexpected claim %+v", b)
		}
		b, ok, _ = s.ClaimNextBatch(ctx, now)
		if !ok || b.ID != "b2" {
			t.Fatalf("want b2, got %+v ok=%v", b, ok)
		}
		if _, ok, _ := s.ClaimNextBatch(ctx, now); ok {
			t.Fatalf("future batch must not be claimable")
		}
		if err := s.CompleteBatch(ctx, "b1", 1, 1, now); err != nil {
			t.Fatalf("complete: %v", err)
		}
		got, err := s.GetBatch(ctx, "b1")
		if err != nil || got.Status != model.BatchCompleted || got.SuccessCount != 1 || got.FailureCount != 1 {
			t.Fatalf("get b1: %+v %v", got, err)
		}
		if err := s.RequeueBatch(ctx, "b2", 1, now.Add(30*time.Second), "roster down"); err != nil {
			t.Fatalf("requeue: %v", err)
		}
		if _, ok, _ := s.ClaimNextBatch(ctx, now.Add(10*time.Second)); ok {
			t.Fatalf("requeued batch claimable before its backoff")
		}
		b, ok, _ = s.ClaimNextBatch(ctx, now.Add(31*time.Second))
		if !ok || b.ID != "b2" || b.RetryCount != 1 {
			t.Fatalf("want b2 retry 1, got %+v", b)
		}
		if err := s.FailBatch(ctx, "b2", 4, "exhausted", now); err != nil {
			t.Fatalf("fail: %v", err)
		}
		n, _ := s.CountBatches(ctx, model.BatchFailed)
		if n != 1 {
			t.Fatalf("failed count %d", n)
		}
		if _, err := s.GetBatch(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("want ErrNotFound, got %v", err)
		}
	})

	t.Run("stale processing reset", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		_ = s.EnqueueBatches(ctx, []model.PollingBatch{{ID: "b1", MemberIDs: []string{"w1"}, ScheduledAt: now, MaxRetries: 3}})
		if _, ok, _ := s.ClaimNextBatch(ctx, now); !ok {
			t.Fatalf("claim failed")
		}
		n, err := s.ResetStaleBatches(ctx, now.Add(time.Minute))
		if err != nil || n != 1 {
			t.Fatalf("reset: n=%d err=%v", n, err)
		}
		if b, _ := s.GetBatch(ctx, "b1"); b.Status != model.BatchPending {
			t.Fatalf("want pending, got %s", b.Status)
		}
	})

	t.Run("cluster queue", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		smps := []model.LocationSample{
			{WorkerID: "w1", CapturedAt: at, Lat: 1, Lng: 1, AccuracyM: 5},
			{WorkerID: "w2", CapturedAt: at, Lat: 1.0001, Lng: 1, AccuracyM: 5},
		}
		if err := s.EnqueueClusterEntries(ctx, smps, at); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if err := s.EnqueueClusterEntries(ctx, smps[:1], at); err != nil {
			t.Fatalf("enqueue dup: %v", err)
		}
		got, err := s.PendingClusterEntries(ctx, 0)
		if err != nil || len(got) != 2 {
			t.Fatalf("pending: %d %v", len(got), err)
		}
		if got[0].Sample.WorkerID != "w1" {
			t.Fatalf("want fifo order, got %+v", got)
		}
		if err := s.DeleteClusterEntries(ctx, []int64{got[0].ID}); err != nil {
			t.Fatalf("delete: %v", err)
		}
		got, _ = s.PendingClusterEntries(ctx, 0)
		if len(got) != 1 || got[0].Sample.WorkerID != "w2" {
			t.Fatalf("after delete: %+v", got)
		}
	})

	t.Run("roster and zones", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_ = s.UpsertWorker(ctx, model.Worker{ID: "b", Active: true})
		_ = s.UpsertWorker(ctx, model.Worker{ID: "a", Active: true})
		_ = s.UpsertWorker(ctx, model.Worker{ID: "c", Active: false})
		ids, err := s.ListActiveWorkerIDs(ctx)
		if err != nil || len(ids) != 2 || ids[0] != "a" {
			t.Fatalf("active ids %v %v", ids, err)
		}
		z, err := s.UpsertZone(ctx, model.GeofenceZone{Name: "HQ", CenterLat: 40.7, CenterLng: -74, RadiusM: 100, ZoneType: model.ZoneOffice})
		if err != nil || z.ID == "" {
			t.Fatalf("upsert zone: %+v %v", z, err)
		}
		zones, _ := s.ListZones(ctx)
		if len(zones) != 1 || zones[0].Name != "HQ" || zones[0].ZoneType != model.ZoneOffice {
			t.Fatalf("zones %+v", zones)
		}
		if err := s.DeleteZone(ctx, z.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := s.DeleteZone(ctx, z.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("want ErrNotFound, got %v", err)
		}
	})
}

func TestMemoryContract(t *testing.T) {
	runContract(t, func(t *testing.T) Store { return NewMemory() })
}
