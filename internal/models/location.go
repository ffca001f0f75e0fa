package models

import (
	"time"

	"github.com/paulmach/orb"
)

// ViewerID marks the synthetic location standing for the viewer's own position
const ViewerID int64 = -1

// Location is a single reported position of a device
type Location struct {
	ID        int64      `json:"id"`
	DeviceID  int64      `json:"device_id"`
	Latitude  float64    `json:"latitude"`
	Longitude float64    `json:"longitude"`
	Accuracy  *float64   `json:"accuracy,omitempty"`
	Altitude  *float64   `json:"altitude,omitempty"`
	Battery   *float64   `json:"battery,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// Point returns the location as an orb point (lng, lat)
func (l Location) Point() orb.Point {
	return orb.Point{l.Longitude, l.Latitude}
}

// IsSynthetic reports whether the location carries no timestamp
func (l Location) IsSynthetic() bool {
	return l.CreatedAt == nil
}

// Geolocation is the viewer's live position as reported by the browser
type Geolocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
}

// LatLngBounds is [[minLat, minLng], [maxLat, maxLng]]
type LatLngBounds [2][2]float64

// WorldBound is used while the map has not reported its extent yet
var WorldBound = orb.Bound{Min: orb.Point{-180, -85}, Max: orb.Point{180, 85}}

// Viewport is the visible map extent and zoom level
type Viewport struct {
	Bounds *orb.Bound
	Zoom   float64
}

// Bound returns the viewport bounds, or the whole world if unknown
func (v Viewport) Bound() orb.Bound {
	if v.Bounds == nil {
		return WorldBound
	}
	return *v.Bounds
}
