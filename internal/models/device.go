package models

// Device is a tracked device, either owned by the viewer or shared with them
type Device struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Icon           string    `json:"icon"`
	Shared         bool      `json:"shared"`
	Connected      bool      `json:"connected"`
	LatestLocation *Location `json:"latest_location"`
}

// FindDevice returns the device with the given ID
func FindDevice(devices []Device, id int64) (Device, bool) {
	for _, d := range devices {
		if d.ID == id {
			return d, true
		}
	}
	return Device{}, false
}
