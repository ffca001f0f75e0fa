package aggregation

import (
	"github.com/smukkama/devicemap/internal/models"
)

// Latest reduces devices to one marker each, placed at the device's most
// recent location. Devices that never reported are left out. When viewer is
// known its position is appended as a synthetic location with sentinel IDs.
func Latest(devices []models.Device, viewer *models.Geolocation) []models.Location {
	locations := make([]models.Location, 0, len(devices)+1)

	for _, device := range devices {
		latest := device.LatestLocation
		if latest == nil {
			continue
		}

		loc := *latest
		if loc.ID == 0 {
			loc.ID = device.ID
		}
		if loc.DeviceID == 0 {
			loc.DeviceID = device.ID
		}
		locations = append(locations, loc)
	}

	if viewer != nil {
		locations = append(locations, ViewerLocation(*viewer))
	}

	return locations
}

// ViewerLocation turns the browser geolocation into a pseudo-device marker
func ViewerLocation(g models.Geolocation) models.Location {
	accuracy := g.Accuracy
	return models.Location{
		ID:        models.ViewerID,
		DeviceID:  models.ViewerID,
		Latitude:  g.Latitude,
		Longitude: g.Longitude,
		Accuracy:  &accuracy,
	}
}
