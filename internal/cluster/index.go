// Package cluster groups nearby map markers. Points are clustered once per
// zoom level, from the leaf level up, so a cluster at zoom z is made of the
// points and clusters visible at zoom z+1.
package cluster

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/smukkama/devicemap/internal/models"
)

// Options tune the clustering. Radius is in pixels of a tile Extent wide.
type Options struct {
	MinZoom int
	// MaxZoom is the first zoom at which every point is shown on its own
	MaxZoom   int
	Radius    float64
	Extent    float64
	MinPoints int
	NodeSize  int
}

// DefaultOptions returns radius 40, extent 512, min points 2, zooms 0..16
func DefaultOptions() Options {
	return Options{
		MinZoom:   0,
		MaxZoom:   16,
		Radius:    40,
		Extent:    512,
		MinPoints: 2,
		NodeSize:  64,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MinZoom < 0 {
		o.MinZoom = 0
	}
	if o.MaxZoom <= 0 {
		o.MaxZoom = d.MaxZoom
	}
	if o.MaxZoom > 24 {
		o.MaxZoom = 24
	}
	if o.MinZoom > o.MaxZoom {
		o.MinZoom = o.MaxZoom
	}
	if o.Radius <= 0 {
		o.Radius = d.Radius
	}
	if o.Extent <= 0 {
		o.Extent = d.Extent
	}
	if o.MinPoints < 2 {
		o.MinPoints = d.MinPoints
	}
	if o.NodeSize <= 0 {
		o.NodeSize = d.NodeSize
	}
	return o
}

// node is a point or cluster in projected [0,1] mercator space
type node struct {
	x, y      float64
	zoom      int // last zoom this node was processed at
	source    int // index into Index.points for leaves, -1 for clusters
	id        int // cluster id, 0 for leaves
	parentID  int
	numPoints int
}

type level struct {
	nodes []node
	tree  *kdTree
}

// Feature is one marker to render: a single location, or a cluster of them
type Feature struct {
	ClusterID int              `json:"cluster_id,omitempty"`
	Count     int              `json:"count"`
	Latitude  float64          `json:"latitude"`
	Longitude float64          `json:"longitude"`
	Location  *models.Location `json:"location,omitempty"`
}

// IsCluster reports whether f aggregates several points
func (f Feature) IsCluster() bool {
	return f.Location == nil
}

// Index is an immutable clustering of one point set. Cluster IDs it hands
// out are only meaningful to the same Index.
type Index struct {
	opts   Options
	points []models.Location
	levels []level // by zoom, MinZoom..MaxZoom
}

const unprocessed = math.MaxInt

// NewIndex clusters points at every zoom from MaxZoom down to MinZoom
func NewIndex(points []models.Location, opts Options) *Index {
	opts = opts.withDefaults()
	idx := &Index{
		opts:   opts,
		points: points,
		levels: make([]level, opts.MaxZoom+1),
	}

	leaves := make([]node, len(points))
	for i, p := range points {
		leaves[i] = node{
			x:         lngX(p.Longitude),
			y:         latY(p.Latitude),
			zoom:      unprocessed,
			source:    i,
			parentID:  -1,
			numPoints: 1,
		}
	}
	idx.levels[opts.MaxZoom] = level{nodes: leaves, tree: newKDTree(leaves, opts.NodeSize)}

	for z := opts.MaxZoom - 1; z >= opts.MinZoom; z-- {
		nodes := idx.cluster(idx.levels[z+1], z)
		idx.levels[z] = level{nodes: nodes, tree: newKDTree(nodes, opts.NodeSize)}
	}

	return idx
}

// Len is the number of input points
func (idx *Index) Len() int {
	return len(idx.points)
}

func (idx *Index) radiusAt(zoom int) float64 {
	return idx.opts.Radius / (idx.opts.Extent * math.Pow(2, float64(zoom)))
}

// cluster merges the nodes of the level below into the nodes of zoom
func (idx *Index) cluster(below level, zoom int) []node {
	r := idx.radiusAt(zoom)
	nodes := below.nodes
	var next []node

	for i := range nodes {
		p := &nodes[i]
		if p.zoom <= zoom {
			continue
		}
		p.zoom = zoom

		neighbors := below.tree.within(p.x, p.y, r)

		numPointsOrigin := p.numPoints
		numPoints := numPointsOrigin
		for _, n := range neighbors {
			if nodes[n].zoom > zoom {
				numPoints += nodes[n].numPoints
			}
		}

		if numPoints > numPointsOrigin && numPoints >= idx.opts.MinPoints {
			wx := p.x * float64(numPointsOrigin)
			wy := p.y * float64(numPointsOrigin)
			id := idx.clusterID(i, zoom)

			for _, n := range neighbors {
				b := &nodes[n]
				if b.zoom <= zoom {
					continue
				}
				b.zoom = zoom
				wx += b.x * float64(b.numPoints)
				wy += b.y * float64(b.numPoints)
				b.parentID = id
			}

			p.parentID = id
			next = append(next, node{
				x:         wx / float64(numPoints),
				y:         wy / float64(numPoints),
				zoom:      unprocessed,
				source:    -1,
				id:        id,
				parentID:  -1,
				numPoints: numPoints,
			})
			continue
		}

		next = append(next, carry(*p))
		if numPoints > 1 {
			for _, n := range neighbors {
				b := &nodes[n]
				if b.zoom <= zoom {
					continue
				}
				b.zoom = zoom
				next = append(next, carry(*b))
			}
		}
	}

	return next
}

// carry copies a node unchanged into the level above
func carry(n node) node {
	n.zoom = unprocessed
	n.parentID = -1
	return n
}

// Cluster IDs pack the node's position in its origin level and that level's
// zoom, offset past the point count.
func (idx *Index) clusterID(i, zoom int) int {
	return (i << 5) + (zoom + 1) + len(idx.points)
}

func (idx *Index) originZoom(clusterID int) int {
	return (clusterID - len(idx.points)) % 32
}

func (idx *Index) originIndex(clusterID int) int {
	return (clusterID - len(idx.points)) >> 5
}

// limitZoom clamps before converting so out-of-range zooms cannot overflow
func (idx *Index) limitZoom(zoom float64) int {
	if math.IsNaN(zoom) {
		return idx.opts.MinZoom
	}
	z := math.Max(float64(idx.opts.MinZoom), math.Min(math.Round(zoom), float64(idx.opts.MaxZoom)))
	return int(z)
}

// Clusters returns the markers visible inside bounds at zoom. Zoom is rounded
// to the nearest level.
func (idx *Index) Clusters(bounds orb.Bound, zoom float64) []Feature {
	minLng := math.Mod(math.Mod(bounds.Min.Lon()+180, 360)+360, 360) - 180
	minLat := math.Max(-90, math.Min(90, bounds.Min.Lat()))
	maxLng := 180.0
	if bounds.Max.Lon() != 180 {
		maxLng = math.Mod(math.Mod(bounds.Max.Lon()+180, 360)+360, 360) - 180
	}
	maxLat := math.Max(-90, math.Min(90, bounds.Max.Lat()))

	if bounds.Max.Lon()-bounds.Min.Lon() >= 360 {
		minLng, maxLng = -180, 180
	} else if minLng > maxLng {
		east := idx.Clusters(orb.Bound{Min: orb.Point{minLng, minLat}, Max: orb.Point{180, maxLat}}, zoom)
		west := idx.Clusters(orb.Bound{Min: orb.Point{-180, minLat}, Max: orb.Point{maxLng, maxLat}}, zoom)
		return append(east, west...)
	}

	lvl := idx.levels[idx.limitZoom(zoom)]
	ids := lvl.tree.rangeQuery(lngX(minLng), latY(maxLat), lngX(maxLng), latY(minLat))

	features := make([]Feature, 0, len(ids))
	for _, i := range ids {
		features = append(features, idx.feature(lvl.nodes[i]))
	}
	return features
}

func (idx *Index) feature(n node) Feature {
	if n.numPoints > 1 {
		return Feature{
			ClusterID: n.id,
			Count:     n.numPoints,
			Latitude:  yLat(n.y),
			Longitude: xLng(n.x),
		}
	}

	loc := idx.points[n.source]
	return Feature{
		Count:     1,
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		Location:  &loc,
	}
}

// ErrUnknownCluster is returned for IDs this Index did not produce
var ErrUnknownCluster = &ClusterError{"cluster not found"}

type ClusterError struct {
	msg string
}

func (e *ClusterError) Error() string {
	return e.msg
}

// Children returns the markers a cluster splits into one zoom level closer
func (idx *Index) Children(clusterID int) ([]Feature, error) {
	originZoom := idx.originZoom(clusterID)
	originIndex := idx.originIndex(clusterID)
	if clusterID <= len(idx.points) || originZoom <= idx.opts.MinZoom || originZoom > idx.opts.MaxZoom {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCluster, clusterID)
	}

	lvl := idx.levels[originZoom]
	if originIndex < 0 || originIndex >= len(lvl.nodes) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCluster, clusterID)
	}

	origin := lvl.nodes[originIndex]
	r := idx.radiusAt(originZoom - 1)

	var children []Feature
	for _, i := range lvl.tree.within(origin.x, origin.y, r) {
		if lvl.nodes[i].parentID == clusterID {
			children = append(children, idx.feature(lvl.nodes[i]))
		}
	}
	if len(children) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCluster, clusterID)
	}
	return children, nil
}

// ExpansionZoom is the zoom at which the cluster breaks apart into more than
// one marker.
func (idx *Index) ExpansionZoom(clusterID int) (int, error) {
	expansionZoom := idx.originZoom(clusterID) - 1
	for {
		children, err := idx.Children(clusterID)
		if err != nil {
			return 0, err
		}
		expansionZoom++
		if len(children) != 1 || expansionZoom > idx.opts.MaxZoom {
			return expansionZoom, nil
		}
		clusterID = children[0].ClusterID
	}
}

func lngX(lng float64) float64 {
	return lng/360 + 0.5
}

func latY(lat float64) float64 {
	sin := math.Sin(lat * math.Pi / 180)
	y := 0.5 - 0.25*math.Log((1+sin)/(1-sin))/math.Pi
	if y < 0 {
		return 0
	}
	if y > 1 {
		return 1
	}
	return y
}

func xLng(x float64) float64 {
	return (x - 0.5) * 360
}

func yLat(y float64) float64 {
	y2 := (180 - y*360) * math.Pi / 180
	return 360*math.Atan(math.Exp(y2))/math.Pi - 90
}
