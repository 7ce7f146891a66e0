package geofence

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"geotrack/internal/geo"
	"geotrack/internal/logger"
	"geotrack/internal/model"
	"geotrack/internal/store"
)

// ZoneSource supplies the current zone set.
type ZoneSource interface {
	Zones(ctx context.Context) ([]model.GeofenceZone, error)
}

// StoreZones reads zones from the store.
type StoreZones struct {
	Store store.ZoneStore
}

func (s StoreZones) Zones(ctx context.Context) ([]model.GeofenceZone, error) {
	return s.Store.ListZones(ctx)
}

// FileZones reads zones from a YAML document of the form:
//
//	zones:
//	  - id: hq
//	    name: Head office
//	    centerLat: 31.5204
//	    centerLng: 74.3587
//	    radiusMeters: 100
//	    zoneType: office
type FileZones struct {
	Path string
}

type zoneFile struct {
	Zones []model.GeofenceZone `yaml:"zones"`
}

func (f FileZones) Zones(ctx context.Context) ([]model.GeofenceZone, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, err
	}
	var doc zoneFile
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.Path, err)
	}
	for i, z := range doc.Zones {
		if z.ID == "" {
			return nil, fmt.Errorf("%s: zone %d has no id", f.Path, i)
		}
		if err := ValidateZone(z); err != nil {
			return nil, fmt.Errorf("%s: zone %s: %w", f.Path, z.ID, err)
		}
	}
	return doc.Zones, nil
}

// ValidateZone checks the geometry and type of a zone.
func ValidateZone(z model.GeofenceZone) error {
	if z.Name == "" {
		return &model.ConfigurationError{Field: "name", Value: z.Name, Reason: "required"}
	}
	if !geo.ValidCoordinates(z.CenterLat, z.CenterLng) {
		return &model.ConfigurationError{Field: "center", Value: fmt.Sprintf("%v,%v", z.CenterLat, z.CenterLng), Reason: "out of range"}
	}
	if !(z.RadiusM > 0) {
		return &model.ConfigurationError{Field: "radiusMeters", Value: z.RadiusM, Reason: "must be > 0"}
	}
	if !z.ZoneType.Valid() {
		return &model.ConfigurationError{Field: "zoneType", Value: z.ZoneType, Reason: "must be office, field_site, client_site or home"}
	}
	return nil
}

// CachedZones wraps a source with a TTL cache. When a refresh fails the previous set is served.
type CachedZones struct {
	src ZoneSource
	ttl time.Duration
	log *logger.Logger
	now func() time.Time

	mu      sync.Mutex
	zones   []model.GeofenceZone
	fetched time.Time
	loaded  bool
}

func NewCachedZones(src ZoneSource, ttl time.Duration, log *logger.Logger) *CachedZones {
	if log == nil {
		log = logger.Discard()
	}
	return &CachedZones{src: src, ttl: ttl, log: log, now: time.Now}
}

func (c *CachedZones) Zones(ctx context.Context) ([]model.GeofenceZone, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded && c.now().Sub(c.fetched) < c.ttl {
		return c.zones, nil
	}
	zones, err := c.src.Zones(ctx)
	if err != nil {
		if c.loaded {
			c.log.WithError(err).Warn("zone refresh failed; serving cached zones")
			return c.zones, nil
		}
		return nil, err
	}
	c.zones, c.fetched, c.loaded = zones, c.now(), true
	return zones, nil
}

// Invalidate forces the next call to refresh.
func (c *CachedZones) Invalidate() {
	c.mu.Lock()
	c.loaded = false
	c.mu.Unlock()
}
