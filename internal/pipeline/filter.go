package pipeline

import (
	"errors"
	"fmt"

	"github.com/smukkama/devicemap/internal/models"
)

// HourWindow is an inclusive hour-of-day interval
type HourWindow struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// ErrInvalidHours rejects windows outside 0..23 or with start after end
var ErrInvalidHours = errors.New("invalid hour window")

// FullDay is the window used whenever several calendar days are shown
var FullDay = HourWindow{Start: 0, End: 23}

// HourFunc returns the local hour-of-day of a location, false if it has no timestamp
type HourFunc func(models.Location) (int, bool)

// Contains reports whether hour falls inside the window, both ends included
func (w HourWindow) Contains(hour int) bool {
	return w.Start <= hour && hour <= w.End
}

// Validate checks that both ends are within 0..23 and start <= end
func (w HourWindow) Validate() error {
	if w.Start < 0 || w.End > 23 || w.Start > w.End {
		return fmt.Errorf("%w [%d, %d]", ErrInvalidHours, w.Start, w.End)
	}
	return nil
}

// Within narrows w to a sub-interval of outer. A window that does not
// overlap outer collapses to outer.
func (w HourWindow) Within(outer HourWindow) HourWindow {
	clamped := HourWindow{Start: max(w.Start, outer.Start), End: min(w.End, outer.End)}
	if clamped.Start > clamped.End {
		return outer
	}
	return clamped
}

// EffectiveWindow is the window actually applied: hour restriction only means
// something inside a single day.
func EffectiveWindow(w HourWindow, isDateRange bool) HourWindow {
	if isDateRange {
		return FullDay
	}
	return w
}

// FilterByHour keeps the locations whose local hour lies in w
func FilterByHour(locations []models.Location, w HourWindow, hourOf HourFunc) []models.Location {
	filtered := make([]models.Location, 0, len(locations))
	for _, l := range locations {
		hour, ok := hourOf(l)
		if !ok {
			continue
		}
		if w.Contains(hour) {
			filtered = append(filtered, l)
		}
	}
	return filtered
}

// AllowedHours spans the earliest and latest local hour present in locations
func AllowedHours(locations []models.Location, hourOf HourFunc) (HourWindow, bool) {
	var (
		w     HourWindow
		found bool
	)
	for _, l := range locations {
		hour, ok := hourOf(l)
		if !ok {
			continue
		}
		if !found {
			w = HourWindow{Start: hour, End: hour}
			found = true
			continue
		}
		w.Start = min(w.Start, hour)
		w.End = max(w.End, hour)
	}
	return w, found
}
