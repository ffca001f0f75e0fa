package pipeline

import (
	"github.com/paulmach/orb"
	"github.com/smukkama/devicemap/internal/models"
)

// BoundsOf returns the smallest box holding every location. ok is false for
// an empty set, which has no box to fit the camera to.
func BoundsOf(locations []models.Location) (models.LatLngBounds, bool) {
	if len(locations) == 0 {
		return models.LatLngBounds{}, false
	}

	points := make(orb.MultiPoint, len(locations))
	for i, l := range locations {
		points[i] = l.Point()
	}
	b := points.Bound()

	return models.LatLngBounds{
		{b.Min.Lat(), b.Min.Lon()},
		{b.Max.Lat(), b.Max.Lon()},
	}, true
}
