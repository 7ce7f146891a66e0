// Package geofence classifies samples against circular zones and tracks per-worker
// membership to derive enter/exit transitions. It performs no network I/O.
package geofence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"geotrack/internal/geo"
	"geotrack/internal/model"
)

type Options struct {
	SignificantMovementM float64
	UnreliableAccuracyM  float64
}

// Assessment is the outcome of evaluating one sample.
type Assessment struct {
	Sample  model.LocationSample
	Invalid *model.InvalidSampleError
	// Members lists the ids of applicable zones containing the sample, sorted.
	Members []string
	Events  []model.GeofenceEvent
	MovedM  float64
	// Significant is set when displacement from the previous sample exceeds the threshold.
	Significant bool
	// NoZones is set when no zone applies to the worker.
	NoZones bool
	// Baseline marks the first accepted sample for the worker.
	Baseline bool
	// OutOfOrder marks a sample older than the last accepted one; state is untouched.
	OutOfOrder bool
	// Duplicate marks a re-delivery of the last accepted sample.
	Duplicate bool
}

// Immediate reports whether the sample must bypass the cluster queue.
func (a Assessment) Immediate() bool {
	return a.Invalid == nil && (len(a.Events) > 0 || a.Significant)
}

func (a Assessment) Result() model.ValidationResult {
	switch {
	case a.Invalid != nil:
		return model.ResultFail
	case len(a.Members) > 0:
		return model.ResultPass
	default:
		return model.ResultWarning
	}
}

// Details renders the assessment for the validation log.
func (a Assessment) Details() map[string]any {
	d := map[string]any{
		"latitude":       a.Sample.Lat,
		"longitude":      a.Sample.Lng,
		"accuracyMeters": a.Sample.AccuracyM,
	}
	if a.Invalid != nil {
		d["reason"] = a.Invalid.Reason
		return d
	}
	d["zones"] = a.Members
	if a.NoZones {
		d["warning"] = model.ErrGeofenceConfigMissing.Error()
	}
	if len(a.Events) > 0 {
		evs := make([]map[string]any, 0, len(a.Events))
		for _, e := range a.Events {
			evs = append(evs, map[string]any{"zoneId": e.ZoneID, "transition": string(e.Transition)})
		}
		d["events"] = evs
	}
	if !a.Baseline && !a.OutOfOrder {
		d["movedMeters"] = a.MovedM
	}
	if a.Significant {
		d["significantMovement"] = true
	}
	if a.OutOfOrder {
		d["outOfOrder"] = true
	}
	return d
}

// Detector evaluates samples against the zone set.
type Detector struct {
	zones   ZoneSource
	members *MembershipStore

	mu   sync.RWMutex
	opts Options
}

func NewDetector(zones ZoneSource, members *MembershipStore, opts Options) *Detector {
	if members == nil {
		members = NewMembershipStore()
	}
	return &Detector{zones: zones, members: members, opts: opts}
}

func (d *Detector) Options() Options {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.opts
}

func (d *Detector) SetOptions(o Options) {
	d.mu.Lock()
	d.opts = o
	d.mu.Unlock()
}

// Validate checks coordinates and accuracy.
func Validate(s model.LocationSample, unreliableAccuracyM float64) *model.InvalidSampleError {
	if !geo.ValidCoordinates(s.Lat, s.Lng) {
		return &model.InvalidSampleError{Reason: fmt.Sprintf("coordinates out of range (%v, %v)", s.Lat, s.Lng)}
	}
	if s.AccuracyM < 0 {
		return &model.InvalidSampleError{Reason: "negative accuracy"}
	}
	if unreliableAccuracyM > 0 && s.AccuracyM > unreliableAccuracyM {
		return &model.InvalidSampleError{Reason: fmt.Sprintf("accuracy %.0fm exceeds %.0fm", s.AccuracyM, unreliableAccuracyM)}
	}
	return nil
}

// Contains returns the ids of zones applicable to workerID that contain the point, sorted.
func Contains(zones []model.GeofenceZone, workerID string, lat, lng float64) (ids []string, applicable int) {
	ids = []string{}
	for _, z := range zones {
		if !z.AppliesTo(workerID) {
			continue
		}
		applicable++
		if geo.DistanceMeters(lat, lng, z.CenterLat, z.CenterLng) <= z.RadiusM {
			ids = append(ids, z.ID)
		}
	}
	sort.Strings(ids)
	return ids, applicable
}

// Evaluate classifies the sample and, when valid and newer than the last one seen, advances
// the worker's membership state.
func (d *Detector) Evaluate(ctx context.Context, s model.LocationSample) (Assessment, error) {
	return d.Process(ctx, s, nil)
}

// Process classifies the sample and runs commit while holding the worker's state. The state
// advances only when commit returns nil, so a sample whose commit failed is evaluated afresh on
// redelivery. Duplicates skip commit. commit may be nil.
func (d *Detector) Process(ctx context.Context, s model.LocationSample, commit func(Assessment) error) (Assessment, error) {
	opts := d.Options()
	a := Assessment{Sample: s}
	if inv := Validate(s, opts.UnreliableAccuracyM); inv != nil {
		a.Invalid = inv
		if commit != nil {
			return a, commit(a)
		}
		return a, nil
	}
	zones, err := d.zones.Zones(ctx)
	if err != nil {
		return a, fmt.Errorf("load zones: %w", err)
	}
	var applicable int
	a.Members, applicable = Contains(zones, s.WorkerID, s.Lat, s.Lng)
	a.NoZones = applicable == 0

	var cerr error
	d.members.Update(s.WorkerID, func(st *WorkerState) {
		switch {
		case !st.Seen:
			a.Baseline = true
		case s.CapturedAt.Equal(st.CapturedAt):
			a.Duplicate = true
			return
		case s.CapturedAt.Before(st.CapturedAt):
			a.OutOfOrder = true
		default:
			a.MovedM = geo.DistanceMeters(st.Lat, st.Lng, s.Lat, s.Lng)
			a.Significant = a.MovedM > opts.SignificantMovementM
			a.Events = diff(st.Zones, a.Members, s)
		}
		if commit != nil {
			if cerr = commit(a); cerr != nil {
				return
			}
		}
		if a.OutOfOrder {
			return
		}
		next := make(map[string]struct{}, len(a.Members))
		for _, id := range a.Members {
			next[id] = struct{}{}
		}
		st.Zones = next
		st.Lat, st.Lng, st.CapturedAt, st.Seen = s.Lat, s.Lng, s.CapturedAt, true
	})
	return a, cerr
}

func diff(prev map[string]struct{}, cur []string, s model.LocationSample) []model.GeofenceEvent {
	var events []model.GeofenceEvent
	now := make(map[string]struct{}, len(cur))
	for _, id := range cur {
		now[id] = struct{}{}
		if _, ok := prev[id]; !ok {
			events = append(events, model.GeofenceEvent{WorkerID: s.WorkerID, ZoneID: id, Transition: model.TransitionEnter, SampleTimestamp: s.CapturedAt})
		}
	}
	exits := make([]string, 0)
	for id := range prev {
		if _, ok := now[id]; !ok {
			exits = append(exits, id)
		}
	}
	sort.Strings(exits)
	for _, id := range exits {
		events = append(events, model.GeofenceEvent{WorkerID: s.WorkerID, ZoneID: id, Transition: model.TransitionExit, SampleTimestamp: s.CapturedAt})
	}
	return events
}
