package cluster

import (
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// FeatureCollection renders markers as GeoJSON points. Clusters carry
// cluster, cluster_id, point_count and point_count_abbreviated; single
// locations carry their own fields.
func FeatureCollection(features []Feature) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	for _, f := range features {
		gf := geojson.NewFeature(orb.Point{f.Longitude, f.Latitude})

		if f.IsCluster() {
			gf.Properties["cluster"] = true
			gf.Properties["cluster_id"] = f.ClusterID
			gf.Properties["point_count"] = f.Count
			gf.Properties["point_count_abbreviated"] = Label(f.Count)
			fc.Append(gf)
			continue
		}

		loc := f.Location
		gf.ID = loc.ID
		gf.Properties["cluster"] = false
		gf.Properties["id"] = loc.ID
		gf.Properties["device_id"] = loc.DeviceID
		if loc.Accuracy != nil {
			gf.Properties["accuracy"] = *loc.Accuracy
		}
		if loc.Altitude != nil {
			gf.Properties["altitude"] = *loc.Altitude
		}
		if loc.Battery != nil {
			gf.Properties["battery"] = *loc.Battery
		}
		if loc.CreatedAt != nil {
			gf.Properties["created_at"] = loc.CreatedAt.Format(time.RFC3339)
		}
		fc.Append(gf)
	}

	return fc
}
