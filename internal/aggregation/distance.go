package aggregation

import (
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/smukkama/devicemap/internal/models"
)

// DistanceMeters is the great-circle distance between two locations
func DistanceMeters(a, b models.Location) float64 {
	return geo.Distance(a.Point(), b.Point())
}

// SortByDistance orders locations nearest-first from origin. Ties keep their
// input order.
func SortByDistance(locations []models.Location, origin orb.Point) {
	sort.SliceStable(locations, func(i, j int) bool {
		return geo.Distance(origin, locations[i].Point()) < geo.Distance(origin, locations[j].Point())
	})
}

// TrackLength sums the hops of a time-ordered track. Synthetic locations are
// skipped.
func TrackLength(locations []models.Location) float64 {
	var (
		total float64
		prev  *models.Location
	)
	for i := range locations {
		l := &locations[i]
		if l.IsSynthetic() {
			continue
		}
		if prev != nil {
			total += DistanceMeters(*prev, *l)
		}
		prev = l
	}
	return total
}
