package enrich

import (
	"sort"

	"github.com/golang/geo/s2"

	"geotrack/internal/geo"
	"geotrack/internal/model"
)

// Cluster groups entries greedily: walking in order, each unassigned entry seeds a cluster
// that absorbs every later unassigned entry within radiusM of the seed. Members keep input
// order and the seed is always first.
type Cluster struct {
	Seed    model.ClusterBatchEntry
	Members []model.ClusterBatchEntry
}

// BuildClusters produces the same result as the quadratic greedy scan but looks up
// candidates through an S2 cell index, so sparse inputs stay near linear.
func BuildClusters(entries []model.ClusterBatchEntry, radiusM float64) []Cluster {
	if len(entries) == 0 {
		return nil
	}
	level := cellLevel(radiusM)
	index := make(map[s2.CellID][]int, len(entries))
	for i, e := range entries {
		id := s2.CellIDFromLatLng(s2.LatLngFromDegrees(e.Sample.Lat, e.Sample.Lng)).Parent(level)
		index[id] = append(index[id], i)
	}
	coverer := &s2.RegionCoverer{MinLevel: level, MaxLevel: level, MaxCells: 16}
	angle := geo.AngleForMeters(radiusM)

	assigned := make([]bool, len(entries))
	var out []Cluster
	for i, seed := range entries {
		if assigned[i] {
			continue
		}
		assigned[i] = true
		c := Cluster{Seed: seed, Members: []model.ClusterBatchEntry{seed}}

		region := s2.CapFromCenterAngle(s2.PointFromLatLng(s2.LatLngFromDegrees(seed.Sample.Lat, seed.Sample.Lng)), angle)
		var candidates []int
		for _, cell := range coverer.Covering(region) {
			candidates = append(candidates, index[cell]...)
		}
		// restore input order so absorption matches the scan
		sort.Ints(candidates)
		for _, j := range candidates {
			if j <= i || assigned[j] {
				continue
			}
			e := entries[j]
			if geo.DistanceMeters(seed.Sample.Lat, seed.Sample.Lng, e.Sample.Lat, e.Sample.Lng) <= radiusM {
				assigned[j] = true
				c.Members = append(c.Members, e)
			}
		}
		out = append(out, c)
	}
	return out
}

// cellLevel picks the deepest level whose cells are still at least as wide as the radius, so
// a cap covering stays small.
func cellLevel(radiusM float64) int {
	for level := 30; level > 0; level-- {
		if s2.MinWidthMetric.Value(level)*geo.EarthRadiusMeters >= radiusM {
			return level
		}
	}
	return 0
}
