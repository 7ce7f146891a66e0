package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"geotrack/internal/geofence"
	"geotrack/internal/model"
	"geotrack/internal/store"
)

type staticZones []model.GeofenceZone

func (s staticZones) Zones(ctx context.Context) ([]model.GeofenceZone, error) { return s, nil }

type fakeEnricher struct {
	calls []model.LocationSample
	err   error
}

func (f *fakeEnricher) EnrichNow(ctx context.Context, s model.LocationSample) error {
	f.calls = append(f.calls, s)
	return f.err
}

var office = model.GeofenceZone{ID: "z1", Name: "Office", CenterLat: 31.5204, CenterLng: 74.3587, RadiusM: 100, ZoneType: model.ZoneOffice}

func newPipeline(enr ImmediateEnricher) (*Pipeline, *store.Memory) {
	st := store.NewMemory()
	det := geofence.NewDetector(staticZones{office}, nil, geofence.Options{SignificantMovementM: 500, UnreliableAccuracyM: 1000})
	return NewPipeline(st, det, enr, nil), st
}

func TestPipelineRoutesTransitionsImmediately(t *testing.T) {
	enr := &fakeEnricher{}
	p, st := newPipeline(enr)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	out, err := p.Handle(ctx, model.LocationSample{WorkerID: "w1", CapturedAt: t0, Lat: 31.5204, Lng: 74.3587, AccuracyM: 10})
	if err != nil || out.Route != RouteCluster {
		t.Fatalf("baseline: %+v %v", out, err)
	}
	out, err = p.Handle(ctx, model.LocationSample{WorkerID: "w1", CapturedAt: t0.Add(3 * time.Minute), Lat: 31.5219, Lng: 74.3587, AccuracyM: 10})
	if err != nil || out.Route != RouteImmediate {
		t.Fatalf("exit: %+v %v", out, err)
	}
	if len(enr.calls) != 1 {
		t.Fatalf("want one immediate call, got %d", len(enr.calls))
	}
	entries, _ := st.ListValidationLogEntries(ctx, "w1", t0, t0.Add(time.Hour))
	if len(entries) != 2 {
		t.Fatalf("want 2 log entries, got %d", len(entries))
	}
	if entries[0].Result != model.ResultPass || entries[1].Result != model.ResultWarning || entries[1].ActionTaken != ActionImmediate {
		t.Fatalf("unexpected log %+v", entries)
	}
	pending, _ := st.PendingClusterEntries(ctx, 0)
	if len(pending) != 1 {
		t.Fatalf("only the baseline sample should be queued, got %d", len(pending))
	}
}

func TestPipelineInvalidSamples(t *testing.T) {
	enr := &fakeEnricher{}
	p, st := newPipeline(enr)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	out, err := p.Handle(ctx, model.LocationSample{WorkerID: "w1", CapturedAt: t0, Lat: 123, Lng: 74, AccuracyM: 5})
	if err != nil || out.Route != RouteExcluded {
		t.Fatalf("out of range: %+v %v", out, err)
	}
	out, err = p.Handle(ctx, model.LocationSample{WorkerID: "w1", CapturedAt: t0.Add(time.Minute), Lat: 31.5204, Lng: 74.3587, AccuracyM: 2500})
	if err != nil || out.Route != RouteExcluded {
		t.Fatalf("unreliable: %+v %v", out, err)
	}
	raw, _ := st.ListRawSamples(ctx, "w1", t0, t0.Add(time.Hour))
	if len(raw) != 1 || raw[0].AccuracyM != 2500 {
		t.Fatalf("only the in-range sample is stored raw: %+v", raw)
	}
	for _, r := range raw {
		if r.Lat > 90 || r.Lat < -90 || r.Lng > 180 || r.Lng < -180 {
			t.Fatalf("stored out-of-range sample %+v", r)
		}
	}
	entries, _ := st.ListValidationLogEntries(ctx, "w1", t0, t0.Add(time.Hour))
	if len(entries) != 2 || entries[0].Result != model.ResultFail || entries[1].Result != model.ResultFail {
		t.Fatalf("want two fail entries: %+v", entries)
	}
	if pending, _ := st.PendingClusterEntries(ctx, 0); len(pending) != 0 || len(enr.calls) != 0 {
		t.Fatalf("invalid samples must not reach enrichment")
	}
}

func TestPipelineImmediateFailureFallsBackToQueue(t *testing.T) {
	enr := &fakeEnricher{err: errors.New("provider down")}
	p, st := newPipeline(enr)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	_, _ = p.Handle(ctx, model.LocationSample{WorkerID: "w1", CapturedAt: t0, Lat: 40, Lng: -74, AccuracyM: 5})
	out, err := p.Handle(ctx, model.LocationSample{WorkerID: "w1", CapturedAt: t0.Add(time.Minute), Lat: 40.02, Lng: -74, AccuracyM: 5})
	if err != nil || out.Route != RouteCluster || !out.Assessment.Significant {
		t.Fatalf("fallback: %+v %v", out, err)
	}
	if pending, _ := st.PendingClusterEntries(ctx, 0); len(pending) != 2 {
		t.Fatalf("want both samples queued, got %d", len(pending))
	}
}

func TestPipelineDuplicateIsIdempotent(t *testing.T) {
	p, st := newPipeline(&fakeEnricher{})
	ctx := context.Background()
	s := model.LocationSample{WorkerID: "w1", CapturedAt: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), Lat: 40, Lng: -74, AccuracyM: 5}
	_, _ = p.Handle(ctx, s)
	out, err := p.Handle(ctx, s)
	if err != nil || out.Route != RouteDuplicate {
		t.Fatalf("dup: %+v %v", out, err)
	}
	entries, _ := st.ListValidationLogEntries(ctx, "", s.CapturedAt, s.CapturedAt.Add(time.Second))
	raw, _ := st.ListRawSamples(ctx, "", s.CapturedAt, s.CapturedAt.Add(time.Second))
	if len(entries) != 1 || len(raw) != 1 {
		t.Fatalf("entries=%d raw=%d", len(entries), len(raw))
	}
}

type failingLog struct {
	*store.Memory
}

func (failingLog) AppendValidationLogEntry(ctx context.Context, e model.ValidationLogEntry) error {
	return errors.New("db unreachable")
}

func TestPipelinePersistenceErrorPropagates(t *testing.T) {
	det := geofence.NewDetector(staticZones{office}, nil, geofence.Options{SignificantMovementM: 500, UnreliableAccuracyM: 1000})
	p := NewPipeline(failingLog{store.NewMemory()}, det, nil, nil)
	_, err := p.Handle(context.Background(), model.LocationSample{WorkerID: "w1", CapturedAt: time.Now(), Lat: 1, Lng: 1, AccuracyM: 1})
	if err == nil {
		t.Fatalf("want error")
	}
}

type flakyLog struct {
	*store.Memory
	failures int
}

func (f *flakyLog) AppendValidationLogEntry(ctx context.Context, e model.ValidationLogEntry) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("db down")
	}
	return f.Memory.AppendValidationLogEntry(ctx, e)
}

func TestPipelineRetryAfterLogFailureKeepsTransition(t *testing.T) {
	st := &flakyLog{Memory: store.NewMemory()}
	enr := &fakeEnricher{}
	det := geofence.NewDetector(staticZones{office}, nil, geofence.Options{SignificantMovementM: 500, UnreliableAccuracyM: 1000})
	p := NewPipeline(st, det, enr, nil)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	if _, err := p.Handle(ctx, model.LocationSample{WorkerID: "w1", CapturedAt: t0, Lat: 31.5204, Lng: 74.3587, AccuracyM: 10}); err != nil {
		t.Fatalf("baseline: %v", err)
	}
	exit := model.LocationSample{WorkerID: "w1", CapturedAt: t0.Add(3 * time.Minute), Lat: 31.5219, Lng: 74.3587, AccuracyM: 10}
	st.failures = 1
	if _, err := p.Handle(ctx, exit); err == nil {
		t.Fatalf("first attempt should fail")
	}
	out, err := p.Handle(ctx, exit)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if out.Route != RouteImmediate || len(out.Assessment.Events) != 1 || out.Assessment.Events[0].Transition != model.TransitionExit {
		t.Fatalf("retry lost the exit: %+v", out)
	}
	if len(enr.calls) != 1 {
		t.Fatalf("want one immediate call, got %d", len(enr.calls))
	}
	entries, _ := st.ListValidationLogEntries(ctx, "w1", t0, t0.Add(time.Hour))
	if len(entries) != 2 || entries[1].ActionTaken != ActionImmediate {
		t.Fatalf("unexpected log %+v", entries)
	}
	if out, _ := p.Handle(ctx, exit); out.Route != RouteDuplicate {
		t.Fatalf("a committed sample is a duplicate afterwards, got %s", out.Route)
	}
}
