package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/smukkama/devicemap/internal/logger"
	"github.com/smukkama/devicemap/internal/models"
)

// ErrInvalidSpan rejects a date span without a start or ending before it starts
var ErrInvalidSpan = errors.New("invalid date span")

// LocationSource returns the history of one device, oldest first
type LocationSource interface {
	Locations(ctx context.Context, q models.LocationQuery) ([]models.Location, error)
}

// DeviceSource lists the devices visible to the viewer
type DeviceSource interface {
	Devices(ctx context.Context) ([]models.Device, error)
	SharedDevices(ctx context.Context) ([]models.Device, error)
}

// DateSpan is the calendar selection of the map: a single day, or a range
// of days when IsDateRange is set.
type DateSpan struct {
	Start       time.Time
	End         time.Time
	IsDateRange bool
}

// Day returns a single-day span
func Day(d time.Time) DateSpan {
	return DateSpan{Start: d, End: d}
}

// Query expands the span to start-of-day .. end-of-day on loc
func (s DateSpan) Query(deviceID int64, loc *time.Location) models.LocationQuery {
	end := s.End
	if !s.IsDateRange || end.IsZero() {
		end = s.Start
	}
	return models.LocationQuery{
		DeviceID:    deviceID,
		Start:       StartOfDay(s.Start, loc),
		End:         EndOfDay(end, loc),
		IsDateRange: s.IsDateRange,
	}
}

// StartOfDay is midnight of t's calendar day on loc
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// EndOfDay is the last millisecond of t's calendar day on loc
func EndOfDay(t time.Time, loc *time.Location) time.Time {
	return StartOfDay(t, loc).AddDate(0, 0, 1).Add(-time.Millisecond)
}

// Fetcher retrieves a device's locations for a date span. It does not retry;
// errors reach the caller unchanged.
type Fetcher struct {
	source LocationSource
	zone   *Zone
	log    zerolog.Logger
}

// NewFetcher creates a fetcher that cuts days in zone
func NewFetcher(source LocationSource, zone *Zone) *Fetcher {
	return &Fetcher{
		source: source,
		zone:   zone,
		log:    logger.WithComponent("fetcher"),
	}
}

// Zone returns the clock used for day boundaries and hour filtering
func (f *Fetcher) Zone() *Zone {
	return f.zone
}

// Fetch returns the device's locations for every day of span, oldest first
func (f *Fetcher) Fetch(ctx context.Context, deviceID int64, span DateSpan) ([]models.Location, error) {
	if span.Start.IsZero() {
		return nil, fmt.Errorf("%w: no start date", ErrInvalidSpan)
	}

	q := span.Query(deviceID, f.zone.DayLocation())
	if q.End.Before(q.Start) {
		return nil, fmt.Errorf("%w: ends before it starts", ErrInvalidSpan)
	}

	started := time.Now()
	locations, err := f.source.Locations(ctx, q)
	if err != nil {
		return nil, err
	}

	f.log.Debug().
		Int64("device_id", deviceID).
		Time("start", q.Start).
		Time("end", q.End).
		Bool("range", q.IsDateRange).
		Int("count", len(locations)).
		Dur("took", time.Since(started)).
		Msg("fetched locations")

	return locations, nil
}
