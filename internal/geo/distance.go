// Package geo holds the great-circle helpers shared by the detector and the cluster batcher.
package geo

import (
	"math"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

// EarthRadiusMeters is the mean radius used for every distance in the engine.
const EarthRadiusMeters = 6371000.0

// DistanceMeters returns the haversine distance between two points.
// s2.LatLng.Distance evaluates the haversine formula on the unit sphere.
func DistanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lng1)
	p2 := s2.LatLngFromDegrees(lat2, lng2)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}

// AngleForMeters converts a ground distance into a central angle.
func AngleForMeters(m float64) s1.Angle {
	return s1.Angle(m / EarthRadiusMeters)
}

// ValidCoordinates reports whether lat/lng are finite and within WGS84 bounds.
func ValidCoordinates(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return false
	}
	return math.Abs(lat) <= 90 && math.Abs(lng) <= 180
}
