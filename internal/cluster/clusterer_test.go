package cluster

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/devicemap/internal/models"
)

func TestClusterer_DefaultsToWorld(t *testing.T) {
	c := NewClusterer(Options{})
	locations := []models.Location{loc(1, 84, 179), loc(2, -84, -179)}

	result := c.Cluster(locations, nil, 16)

	assert.Len(t, result.Features, 2)
	require.NotNil(t, result.Index)
	assert.Equal(t, 2, result.Index.Len())
}

func TestClusterer_UsesViewport(t *testing.T) {
	c := NewClusterer(DefaultOptions())
	locations := []models.Location{loc(1, 10, 10), loc(2, -10, -10)}

	bounds := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{20, 20}}
	result := c.Cluster(locations, &bounds, 17)

	require.Len(t, result.Features, 1)
	assert.Equal(t, int64(1), result.Features[0].Location.ID)
}

func TestClusterer_EachCallOwnsItsIndex(t *testing.T) {
	c := NewClusterer(DefaultOptions())
	locations := []models.Location{loc(1, 0, 10), loc(2, 0, 10.001)}

	first := c.Cluster(locations, nil, 2)
	second := c.Cluster(locations[:1], nil, 2)

	assert.NotSame(t, first.Index, second.Index)
	assert.Equal(t, 2, first.Index.Len())
	assert.Equal(t, 1, second.Index.Len())
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "2", Label(2))
	assert.Equal(t, "99", Label(99))
	assert.Equal(t, "99+", Label(100))
	assert.Equal(t, "99+", Label(12345))
}

func TestFeatureCollection(t *testing.T) {
	ts := time.Date(2024, 5, 17, 9, 30, 0, 0, time.UTC)
	battery := 81.0
	single := loc(7, 1.5, 2.5)
	single.CreatedAt = &ts
	single.Battery = &battery

	fc := FeatureCollection([]Feature{
		{ClusterID: 4242, Count: 150, Latitude: 10, Longitude: 20},
		{Count: 1, Latitude: 1.5, Longitude: 2.5, Location: &single},
	})

	raw, err := json.Marshal(fc)
	require.NoError(t, err)

	var decoded struct {
		Type     string `json:"type"`
		Features []struct {
			Geometry struct {
				Coordinates []float64 `json:"coordinates"`
			} `json:"geometry"`
			Properties map[string]interface{} `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, "FeatureCollection", decoded.Type)
	require.Len(t, decoded.Features, 2)

	cluster := decoded.Features[0]
	assert.Equal(t, []float64{20, 10}, cluster.Geometry.Coordinates)
	assert.Equal(t, true, cluster.Properties["cluster"])
	assert.Equal(t, float64(150), cluster.Properties["point_count"])
	assert.Equal(t, "99+", cluster.Properties["point_count_abbreviated"])

	leaf := decoded.Features[1]
	assert.Equal(t, false, leaf.Properties["cluster"])
	assert.Equal(t, float64(7), leaf.Properties["id"])
	assert.Equal(t, 81.0, leaf.Properties["battery"])
	assert.Equal(t, "2024-05-17T09:30:00Z", leaf.Properties["created_at"])
}
