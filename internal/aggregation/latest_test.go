package aggregation

import (
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/devicemap/internal/models"
)

func TestLatest_SkipsDevicesWithoutLocation(t *testing.T) {
	devices := []models.Device{
		{ID: 1, LatestLocation: &models.Location{ID: 55, DeviceID: 1, Latitude: 10, Longitude: 20}},
		{ID: 2, LatestLocation: nil},
	}

	locations := Latest(devices, nil)

	require.Len(t, locations, 1)
	assert.Equal(t, int64(1), locations[0].DeviceID)
	assert.Equal(t, 10.0, locations[0].Latitude)
	assert.Equal(t, 20.0, locations[0].Longitude)
}

func TestLatest_FallsBackToDeviceID(t *testing.T) {
	ts := time.Now()
	devices := []models.Device{
		{ID: 9, LatestLocation: &models.Location{Latitude: 1, Longitude: 2, CreatedAt: &ts}},
	}

	locations := Latest(devices, nil)

	require.Len(t, locations, 1)
	assert.Equal(t, int64(9), locations[0].ID)
	assert.Equal(t, int64(9), locations[0].DeviceID)
	assert.Equal(t, &ts, locations[0].CreatedAt)
}

func TestLatest_AppendsViewer(t *testing.T) {
	devices := []models.Device{
		{ID: 1, LatestLocation: &models.Location{ID: 3, DeviceID: 1, Latitude: 10, Longitude: 20}},
	}

	locations := Latest(devices, &models.Geolocation{Latitude: 45, Longitude: 7, Accuracy: 12})

	require.Len(t, locations, 2)
	viewer := locations[1]
	assert.Equal(t, models.ViewerID, viewer.ID)
	assert.Equal(t, models.ViewerID, viewer.DeviceID)
	assert.Equal(t, 45.0, viewer.Latitude)
	require.NotNil(t, viewer.Accuracy)
	assert.Equal(t, 12.0, *viewer.Accuracy)
	assert.True(t, viewer.IsSynthetic())
}

func TestLatest_AtMostOnePerDevice(t *testing.T) {
	var devices []models.Device
	for i := int64(1); i <= 20; i++ {
		d := models.Device{ID: i}
		if i%3 != 0 {
			d.LatestLocation = &models.Location{ID: i * 10, DeviceID: i, Latitude: float64(i), Longitude: float64(i)}
		}
		devices = append(devices, d)
	}

	locations := Latest(devices, nil)

	assert.LessOrEqual(t, len(locations), len(devices))
	assert.Len(t, locations, 14)
	seen := map[int64]bool{}
	for _, l := range locations {
		assert.False(t, seen[l.DeviceID])
		seen[l.DeviceID] = true
	}
}

func TestLatest_DoesNotAliasDeviceLocation(t *testing.T) {
	latest := &models.Location{Latitude: 1, Longitude: 2}
	devices := []models.Device{{ID: 4, LatestLocation: latest}}

	locations := Latest(devices, nil)
	locations[0].Latitude = 99

	assert.Equal(t, 1.0, latest.Latitude)
	assert.Zero(t, latest.ID)
}

func TestSortByDistance(t *testing.T) {
	locations := []models.Location{
		{ID: 1, Latitude: 40.7128, Longitude: -74.0060}, // New York
		{ID: 2, Latitude: 48.8566, Longitude: 2.3522},   // Paris
		{ID: 3, Latitude: 51.5074, Longitude: -0.1278},  // London
	}

	SortByDistance(locations, orb.Point{-0.1, 51.5})

	assert.Equal(t, int64(3), locations[0].ID)
	assert.Equal(t, int64(2), locations[1].ID)
	assert.Equal(t, int64(1), locations[2].ID)

	d := DistanceMeters(locations[0], locations[1])
	assert.InDelta(t, 343_000, d, 5_000)
}

func TestTrackLength(t *testing.T) {
	ts := time.Date(2024, 5, 17, 8, 0, 0, 0, time.UTC)
	track := []models.Location{
		{ID: 1, Latitude: 0, Longitude: 0, CreatedAt: &ts},
		{ID: 2, Latitude: 0, Longitude: 1},
		{ID: 3, Latitude: 0, Longitude: 1, CreatedAt: &ts},
		{ID: 4, Latitude: 0, Longitude: 2, CreatedAt: &ts},
	}

	// one degree of longitude on the equator is about 111 km
	assert.InDelta(t, 2*111_195, TrackLength(track), 500)
	assert.Zero(t, TrackLength(track[:1]))
	assert.Zero(t, TrackLength(nil))
}
