package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/ringsaturn/tzf"
	"github.com/smukkama/devicemap/internal/models"
)

// ZoneAuto resolves the local zone of every location from its coordinates
const ZoneAuto = "auto"

// Zone decides which wall clock a location's hour-of-day is read on
type Zone struct {
	fixed  *time.Location
	finder tzf.F

	mu    sync.Mutex
	cache map[string]*time.Location
}

// NewZone builds a Zone from an IANA name, "Local", or "auto"
func NewZone(name string) (*Zone, error) {
	if name == ZoneAuto {
		finder, err := tzf.NewDefaultFinder()
		if err != nil {
			return nil, fmt.Errorf("failed to load timezone finder: %w", err)
		}
		return &Zone{
			fixed:  time.Local,
			finder: finder,
			cache:  make(map[string]*time.Location),
		}, nil
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return FixedZone(loc), nil
}

// FixedZone reads every location on the same clock
func FixedZone(loc *time.Location) *Zone {
	return &Zone{fixed: loc}
}

// DayLocation is the clock calendar days are cut on when building fetch intervals
func (z *Zone) DayLocation() *time.Location {
	return z.fixed
}

// HourOf returns the local hour-of-day of l; synthetic locations have none
func (z *Zone) HourOf(l models.Location) (int, bool) {
	if l.CreatedAt == nil {
		return 0, false
	}
	return l.CreatedAt.In(z.locationFor(l)).Hour(), true
}

func (z *Zone) locationFor(l models.Location) *time.Location {
	if z.finder == nil {
		return z.fixed
	}

	name := z.finder.GetTimezoneName(l.Longitude, l.Latitude)
	if name == "" {
		return z.fixed
	}

	z.mu.Lock()
	defer z.mu.Unlock()

	if loc, ok := z.cache[name]; ok {
		return loc
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		loc = z.fixed
	}
	z.cache[name] = loc
	return loc
}
