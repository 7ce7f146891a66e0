package geofence

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"geotrack/internal/model"
)

func TestFileZones(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zones.yaml")
	doc := `zones:
  - id: hq
    name: Head office
    centerLat: 31.5204
    centerLng: 74.3587
    radiusMeters: 100
    zoneType: office
  - id: site-7
    name: Site 7
    ownerWorkerId: w9
    centerLat: 31.6
    centerLng: 74.4
    radiusMeters: 250
    zoneType: field_site
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	zones, err := FileZones{Path: path}.Zones(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(zones) != 2 || zones[1].OwnerWorkerID != "w9" || zones[0].ZoneType != model.ZoneOffice {
		t.Fatalf("unexpected %+v", zones)
	}
}

func TestFileZonesRejectsBadRadius(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zones.yaml")
	doc := "zones:\n  - id: a\n    name: A\n    centerLat: 1\n    centerLng: 1\n    radiusMeters: 0\n    zoneType: office\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := FileZones{Path: path}.Zones(context.Background())
	var ce *model.ConfigurationError
	if !errors.As(err, &ce) || ce.Field != "radiusMeters" {
		t.Fatalf("want radius ConfigurationError, got %v", err)
	}
}
