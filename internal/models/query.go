package models

import (
	"fmt"
	"time"
)

// LocationQuery selects the history of one device over a closed interval.
// Start and End are already expanded to start-of-day and end-of-day.
type LocationQuery struct {
	DeviceID    int64
	Start       time.Time
	End         time.Time
	IsDateRange bool
}

// Key identifies the query for caching; it covers every field of the query
func (q LocationQuery) Key() string {
	return fmt.Sprintf("%d:%s:%s:%t",
		q.DeviceID,
		q.Start.UTC().Format(time.RFC3339),
		q.End.UTC().Format(time.RFC3339),
		q.IsDateRange)
}
