// Package mapview holds the per-viewer state of the map screen: which device
// is selected, the date and hour filters, the selected location and the
// viewport. Every derived value is recomputed from that state with the pure
// functions of the pipeline, aggregation and cluster packages.
package mapview

import (
	"fmt"
	"sync"
	"time"

	"github.com/paulmach/orb"

	"github.com/smukkama/devicemap/internal/aggregation"
	"github.com/smukkama/devicemap/internal/cluster"
	"github.com/smukkama/devicemap/internal/models"
	"github.com/smukkama/devicemap/internal/pipeline"
)

// State is the selection state of a session
type State string

const (
	StateNoDeviceSelected           State = "no_device_selected"
	StateDeviceSelectedNoLocation   State = "device_selected_no_location"
	StateDeviceSelectedWithLocation State = "device_selected_with_location"
)

// DateLayout is the wire format of calendar days
const DateLayout = "2006-01-02"

// Options configure a session
type Options struct {
	Zone      *pipeline.Zone
	Clusterer *cluster.Clusterer
	// Animate is the viewer's preference for animated camera moves
	Animate bool
	Now     func() time.Time
}

// FetchRequest describes one location fetch issued by a session. Its
// Generation ties the response back to the selection it was issued for.
type FetchRequest struct {
	Generation uint64
	DeviceID   int64
	Span       pipeline.DateSpan
}

// FetchOutcome reports what a completed fetch changed
type FetchOutcome struct {
	Applied bool
	// FitBounds is set on the first successful load after a device was selected
	FitBounds *models.LatLngBounds
}

type Session struct {
	id   string
	opts Options

	mu sync.Mutex

	devices []models.Device
	viewer  *models.Geolocation

	deviceID *int64
	span     pipeline.DateSpan

	locations  []models.Location
	loaded     bool
	fetchErr   error
	generation uint64

	allowed    pipeline.HourWindow
	hasAllowed bool
	// requested is the window the viewer asked for, restricted is that window
	// clamped into allowed
	requested    pipeline.HourWindow
	restricted   pipeline.HourWindow
	hoursTouched bool

	filtered []models.Location
	selected *models.Location

	viewport  models.Viewport
	throttle  *Throttle
	index     *cluster.Index
	firstLoad bool
}

// NewSession creates a session in the overview state
func NewSession(id string, opts Options) *Session {
	if opts.Zone == nil {
		opts.Zone = pipeline.FixedZone(time.Local)
	}
	if opts.Clusterer == nil {
		opts.Clusterer = cluster.NewClusterer(cluster.DefaultOptions())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Session{
		id:         id,
		opts:       opts,
		restricted: pipeline.FullDay,
		viewport:   models.Viewport{Zoom: 1},
	}
}

// ID returns the session ID
func (s *Session) ID() string {
	return s.id
}

// State returns the current selection state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state()
}

func (s *Session) state() State {
	switch {
	case s.deviceID == nil:
		return StateNoDeviceSelected
	case s.selected == nil:
		return StateDeviceSelectedNoLocation
	default:
		return StateDeviceSelectedWithLocation
	}
}

// SetDevices replaces the overview snapshot of own and shared devices
func (s *Session) SetDevices(devices []models.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = devices
}

// Devices returns the overview snapshot
func (s *Session) Devices() []models.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devices
}

// SetGeolocation records the viewer's live position; nil means it is unknown
// or was denied.
func (s *Session) SetGeolocation(g *models.Geolocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewer = g
}

// SelectDevice switches the map to one device, or back to the overview when
// id is nil. The date is seeded to the day of the device's latest location
// and the location selection is cleared.
func (s *Session) SelectDevice(id *int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == nil {
		if s.deviceID == nil {
			return
		}
		s.deviceID = nil
		s.resetData()
		return
	}
	if s.deviceID != nil && *s.deviceID == *id {
		return
	}

	deviceID := *id
	s.deviceID = &deviceID

	day := s.opts.Now()
	if device, ok := models.FindDevice(s.devices, deviceID); ok &&
		device.LatestLocation != nil && device.LatestLocation.CreatedAt != nil {
		day = *device.LatestLocation.CreatedAt
	}
	s.span = pipeline.Day(day.In(s.opts.Zone.DayLocation()))
	s.resetData()
	s.firstLoad = true
}

// resetData drops everything derived from the previous query and supersedes
// any fetch still in flight.
func (s *Session) resetData() {
	s.generation++
	s.locations = nil
	s.loaded = false
	s.fetchErr = nil
	s.hasAllowed = false
	s.hoursTouched = false
	s.restricted = pipeline.FullDay
	s.index = nil
	s.refilter()
}

// SetDates changes the calendar selection. End is ignored unless
// span.IsDateRange is set.
func (s *Session) SetDates(span pipeline.DateSpan) error {
	if span.Start.IsZero() {
		return fmt.Errorf("%w: missing start date", ErrInvalidDates)
	}
	if !span.IsDateRange || span.End.IsZero() {
		span.End = span.Start
	}
	if span.End.Before(span.Start) {
		return fmt.Errorf("%w: end date before start date", ErrInvalidDates)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deviceID == nil {
		return ErrNoDeviceSelected
	}
	if sameDay(span.Start, s.span.Start) && sameDay(span.End, s.span.End) && span.IsDateRange == s.span.IsDateRange {
		return nil
	}

	s.span = span
	s.resetData()
	return nil
}

// ParseDates reads YYYY-MM-DD days as midnights of the session's day zone.
// An empty end means a single day.
func (s *Session) ParseDates(start, end string, isDateRange bool) (pipeline.DateSpan, error) {
	loc := s.opts.Zone.DayLocation()

	from, err := time.ParseInLocation(DateLayout, start, loc)
	if err != nil {
		return pipeline.DateSpan{}, fmt.Errorf("%w: start date %q", ErrInvalidDates, start)
	}
	span := pipeline.DateSpan{Start: from, End: from, IsDateRange: isDateRange}
	if end != "" {
		to, err := time.ParseInLocation(DateLayout, end, loc)
		if err != nil {
			return pipeline.DateSpan{}, fmt.Errorf("%w: end date %q", ErrInvalidDates, end)
		}
		span.End = to
	}
	return span, nil
}

func sameDay(a, b time.Time) bool {
	return a.Format(DateLayout) == b.Format(DateLayout)
}

// SetHours restricts the hour-of-day window. The window is clamped into the
// hours present in the loaded data.
func (s *Session) SetHours(w pipeline.HourWindow) error {
	if err := w.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deviceID == nil {
		return ErrNoDeviceSelected
	}

	s.hoursTouched = true
	s.requested = w
	s.restricted = w
	if s.hasAllowed {
		s.restricted = w.Within(s.allowed)
	}
	s.refilter()
	return nil
}

// SetViewport records the visible extent; markers are recomputed lazily
func (s *Session) SetViewport(v models.Viewport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewport = v
}

// UpdateViewport applies v through the viewport throttle when the session has
// one. applied runs after every update that actually lands. The result reports
// whether v landed immediately.
func (s *Session) UpdateViewport(v models.Viewport, applied func()) bool {
	apply := func() {
		s.SetViewport(v)
		if applied != nil {
			applied()
		}
	}
	if s.throttle == nil {
		apply()
		return true
	}
	return s.throttle.Do(apply)
}

// Viewport returns the last applied viewport
func (s *Session) Viewport() models.Viewport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewport
}

// SelectLocation selects a location of the filtered list by ID, or clears the
// selection when id is nil.
func (s *Session) SelectLocation(id *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deviceID == nil {
		return ErrNoDeviceSelected
	}
	if id == nil {
		s.selected = nil
		return nil
	}

	i := pipeline.IndexOf(s.filtered, *id)
	if i < 0 {
		return fmt.Errorf("%w: %d", ErrLocationNotFound, *id)
	}
	loc := s.filtered[i]
	s.selected = &loc
	return nil
}

// BeginFetch snapshots the query for the current selection. ok is false in
// the overview, which has nothing to fetch per device.
func (s *Session) BeginFetch() (FetchRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deviceID == nil {
		return FetchRequest{}, false
	}
	return FetchRequest{
		Generation: s.generation,
		DeviceID:   *s.deviceID,
		Span:       s.span,
	}, true
}

// CompleteFetch applies the result of req. Responses for a superseded
// selection are discarded.
func (s *Session) CompleteFetch(req FetchRequest, locations []models.Location, err error) FetchOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Generation != s.generation || s.deviceID == nil {
		return FetchOutcome{}
	}

	if err != nil {
		s.fetchErr = err
		return FetchOutcome{Applied: true}
	}

	s.fetchErr = nil
	s.locations = locations
	s.loaded = true
	s.allowed, s.hasAllowed = pipeline.AllowedHours(locations, s.opts.Zone.HourOf)
	if s.hasAllowed {
		if s.hoursTouched {
			s.restricted = s.requested.Within(s.allowed)
		} else {
			s.restricted = s.allowed
		}
	}
	s.refilter()

	outcome := FetchOutcome{Applied: true}
	if s.firstLoad {
		if b, ok := pipeline.BoundsOf(s.filtered); ok {
			s.firstLoad = false
			outcome.FitBounds = &b
		}
	}
	return outcome
}

// refilter recomputes the filtered list and drops a selection that fell out
func (s *Session) refilter() {
	if s.deviceID == nil || !s.hasAllowed {
		s.filtered = []models.Location{}
	} else {
		w := pipeline.EffectiveWindow(s.restricted, s.span.IsDateRange)
		s.filtered = pipeline.FilterByHour(s.locations, w, s.opts.Zone.HourOf)
	}

	if s.selected != nil && pipeline.IndexOf(s.filtered, s.selected.ID) < 0 {
		s.selected = nil
	}
}

// Locations is the filtered history of the selected device
func (s *Session) Locations() []models.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filtered
}

// markerSet is what the clusterer and fit-bounds work on
func (s *Session) markerSet() []models.Location {
	if s.deviceID == nil {
		return aggregation.Latest(s.devices, s.viewer)
	}
	return s.filtered
}

// Markers clusters the current marker set for the current viewport. The
// index is kept so cluster IDs from this result can be expanded later.
func (s *Session) Markers() cluster.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.opts.Clusterer.Cluster(s.markerSet(), s.viewport.Bounds, s.viewport.Zoom)
	s.index = result.Index
	return result
}

// ExpansionZoom resolves a cluster ID from the last Markers result
func (s *Session) ExpansionZoom(clusterID int) (int, error) {
	s.mu.Lock()
	idx := s.index
	s.mu.Unlock()

	if idx == nil {
		return 0, ErrNoMarkers
	}
	return idx.ExpansionZoom(clusterID)
}

// Bounds is the fit-bounds box of the current marker set
func (s *Session) Bounds() (models.LatLngBounds, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return pipeline.BoundsOf(s.markerSet())
}

// Navigate steps the selection and returns the camera move to the new location
func (s *Session) Navigate(d pipeline.Direction) (models.Location, pipeline.CameraMove, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deviceID == nil {
		return models.Location{}, pipeline.CameraMove{}, ErrNoDeviceSelected
	}

	loc, ok := pipeline.NewSequencer(s.filtered, s.selected).Step(d)
	if !ok {
		return models.Location{}, pipeline.CameraMove{}, fmt.Errorf("%w: %s", ErrNavigationDisabled, d)
	}

	s.selected = &loc
	return loc, pipeline.FocusOn(loc, s.opts.Animate), nil
}

// NearestDevices is the latest location of every device, nearest-first from
// the viewer when its position is known.
func (s *Session) NearestDevices() []models.Location {
	s.mu.Lock()
	defer s.mu.Unlock()

	locations := aggregation.Latest(s.devices, nil)
	if s.viewer != nil {
		aggregation.SortByDistance(locations, orb.Point{s.viewer.Longitude, s.viewer.Latitude})
	}
	return locations
}

// Snapshot is a read-only view of a session for clients
type Snapshot struct {
	ID               string                   `json:"session_id"`
	State            State                    `json:"state"`
	DeviceID         *int64                   `json:"device_id"`
	SelectedLocation *models.Location         `json:"selected_location"`
	StartDate        string                   `json:"start_date,omitempty"`
	EndDate          string                   `json:"end_date,omitempty"`
	IsDateRange      bool                     `json:"is_date_range"`
	AllowedHours     *pipeline.HourWindow     `json:"allowed_hours"`
	RestrictedHours  pipeline.HourWindow      `json:"restricted_hours"`
	Navigation       pipeline.NavigationState `json:"navigation"`
	Loaded           bool                     `json:"loaded"`
	LocationCount    int                      `json:"location_count"`
	DistanceMeters   float64                  `json:"distance_m"`
	Error            string                   `json:"error,omitempty"`
	Zoom             float64                  `json:"zoom"`
}

// Snapshot copies the session state for rendering
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:               s.id,
		State:            s.state(),
		DeviceID:         s.deviceID,
		SelectedLocation: s.selected,
		IsDateRange:      s.span.IsDateRange,
		RestrictedHours:  pipeline.EffectiveWindow(s.restricted, s.span.IsDateRange),
		Navigation:       pipeline.NewSequencer(s.filtered, s.selected).State(),
		Loaded:           s.loaded,
		LocationCount:    len(s.filtered),
		DistanceMeters:   aggregation.TrackLength(s.filtered),
		Zoom:             s.viewport.Zoom,
	}
	if s.deviceID != nil {
		snap.StartDate = s.span.Start.Format(DateLayout)
		snap.EndDate = s.span.End.Format(DateLayout)
	}
	if s.hasAllowed {
		allowed := s.allowed
		snap.AllowedHours = &allowed
	}
	if s.fetchErr != nil {
		snap.Error = s.fetchErr.Error()
	}
	return snap
}
