package cluster

import (
	"strconv"

	"github.com/paulmach/orb"
	"github.com/smukkama/devicemap/internal/models"
)

// MaxLabel is the largest count printed exactly on a cluster marker
const MaxLabel = 99

// Clusterer rebuilds an Index for every request; the visible marker count is
// small enough that incremental maintenance is not worth it.
type Clusterer struct {
	opts Options
}

// NewClusterer creates a clusterer, filling unset options with defaults
func NewClusterer(opts Options) *Clusterer {
	return &Clusterer{opts: opts.withDefaults()}
}

// Result is a clustering of one point set for one viewport
type Result struct {
	Features []Feature
	Index    *Index
}

// Cluster indexes locations and returns the markers visible in bounds at
// zoom. A nil bounds means the map has not reported its extent yet and the
// whole world is used.
func (c *Clusterer) Cluster(locations []models.Location, bounds *orb.Bound, zoom float64) Result {
	idx := NewIndex(locations, c.opts)

	b := models.WorldBound
	if bounds != nil {
		b = *bounds
	}

	return Result{
		Features: idx.Clusters(b, zoom),
		Index:    idx,
	}
}

// Label is the text drawn on a cluster marker
func Label(count int) string {
	if count > MaxLabel {
		return strconv.Itoa(MaxLabel) + "+"
	}
	return strconv.Itoa(count)
}
