package pipeline

import (
	"fmt"

	"github.com/smukkama/devicemap/internal/models"
)

// Camera defaults when stepping to a location
const (
	FocusZoom    = 18
	FocusBearing = 0
	FocusPitch   = 0
)

// Direction names a playback step
type Direction string

const (
	DirectionFirst    Direction = "first"
	DirectionPrevious Direction = "previous"
	DirectionNext     Direction = "next"
	DirectionLast     Direction = "last"
)

// ParseDirection maps first, previous, next and last to a Direction
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case DirectionFirst, DirectionPrevious, DirectionNext, DirectionLast:
		return d, nil
	default:
		return "", fmt.Errorf("unknown direction %q", s)
	}
}

// NavigationState tells the playback controls which buttons are disabled
type NavigationState struct {
	FirstDisabled    bool `json:"first_disabled"`
	PreviousDisabled bool `json:"previous_disabled"`
	NextDisabled     bool `json:"next_disabled"`
	LastDisabled     bool `json:"last_disabled"`
}

// CameraMove recenters the map on a location
type CameraMove struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Zoom      float64 `json:"zoom"`
	Bearing   float64 `json:"bearing"`
	Pitch     float64 `json:"pitch"`
	Animate   bool    `json:"animate"`
}

// FocusOn builds the camera move used after every successful step
func FocusOn(l models.Location, animate bool) CameraMove {
	return CameraMove{
		Latitude:  l.Latitude,
		Longitude: l.Longitude,
		Zoom:      FocusZoom,
		Bearing:   FocusBearing,
		Pitch:     FocusPitch,
		Animate:   animate,
	}
}

// Sequencer steps through a time-ordered location list relative to the
// current selection.
type Sequencer struct {
	locations []models.Location
	index     int
	selected  bool
}

// NewSequencer locates selected in locations by ID. A selection missing from
// the list leaves every step disabled.
func NewSequencer(locations []models.Location, selected *models.Location) Sequencer {
	s := Sequencer{locations: locations, index: -1}
	if selected != nil {
		s.selected = true
		s.index = IndexOf(locations, selected.ID)
	}
	return s
}

// IndexOf returns the position of the location with the given ID, or -1
func IndexOf(locations []models.Location, id int64) int {
	for i, l := range locations {
		if l.ID == id {
			return i
		}
	}
	return -1
}

func (s Sequencer) stale() bool {
	return len(s.locations) == 0 || (s.selected && s.index < 0)
}

func (s Sequencer) atFirst() bool { return s.selected && s.index == 0 }

func (s Sequencer) atLast() bool { return s.selected && s.index == len(s.locations)-1 }

// First returns the oldest location. It is disabled when the first location
// is already selected.
func (s Sequencer) First() (models.Location, bool) {
	if s.stale() || s.atFirst() {
		return models.Location{}, false
	}
	return s.locations[0], true
}

// Last returns the newest location
func (s Sequencer) Last() (models.Location, bool) {
	if s.stale() || s.atLast() {
		return models.Location{}, false
	}
	return s.locations[len(s.locations)-1], true
}

// Next returns the location after the selected one
func (s Sequencer) Next() (models.Location, bool) {
	if s.stale() || !s.selected || s.atLast() {
		return models.Location{}, false
	}
	return s.locations[s.index+1], true
}

// Previous returns the location before the selected one
func (s Sequencer) Previous() (models.Location, bool) {
	if s.stale() || !s.selected || s.atFirst() {
		return models.Location{}, false
	}
	return s.locations[s.index-1], true
}

// Step dispatches on d
func (s Sequencer) Step(d Direction) (models.Location, bool) {
	switch d {
	case DirectionFirst:
		return s.First()
	case DirectionPrevious:
		return s.Previous()
	case DirectionNext:
		return s.Next()
	case DirectionLast:
		return s.Last()
	}
	return models.Location{}, false
}

// State reports which steps are disabled
func (s Sequencer) State() NavigationState {
	_, first := s.First()
	_, prev := s.Previous()
	_, next := s.Next()
	_, last := s.Last()
	return NavigationState{
		FirstDisabled:    !first,
		PreviousDisabled: !prev,
		NextDisabled:     !next,
		LastDisabled:     !last,
	}
}
