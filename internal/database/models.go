package database

import (
	"database/sql"

	"github.com/smukkama/devicemap/internal/models"
)

// locationRow is a locations row as scanned, nullable columns included
type locationRow struct {
	ID        sql.NullInt64
	DeviceID  sql.NullInt64
	Latitude  sql.NullFloat64
	Longitude sql.NullFloat64
	Accuracy  sql.NullFloat64
	Altitude  sql.NullFloat64
	Battery   sql.NullFloat64
	CreatedAt sql.NullTime
}

func (r *locationRow) dest() []interface{} {
	return []interface{}{
		&r.ID,
		&r.DeviceID,
		&r.Latitude,
		&r.Longitude,
		&r.Accuracy,
		&r.Altitude,
		&r.Battery,
		&r.CreatedAt,
	}
}

// present is false when a LEFT JOIN found no location
func (r locationRow) present() bool {
	return r.ID.Valid
}

func (r locationRow) model() models.Location {
	loc := models.Location{
		ID:        r.ID.Int64,
		DeviceID:  r.DeviceID.Int64,
		Latitude:  r.Latitude.Float64,
		Longitude: r.Longitude.Float64,
		Accuracy:  nullFloat(r.Accuracy),
		Altitude:  nullFloat(r.Altitude),
		Battery:   nullFloat(r.Battery),
	}
	if r.CreatedAt.Valid {
		t := r.CreatedAt.Time
		loc.CreatedAt = &t
	}
	return loc
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func floatArg(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// deviceRow is a device joined with its latest location
type deviceRow struct {
	ID        int64
	Name      string
	Icon      string
	Connected bool
	Latest    locationRow
}

func (r *deviceRow) dest() []interface{} {
	return append([]interface{}{&r.ID, &r.Name, &r.Icon, &r.Connected}, r.Latest.dest()...)
}

func (r deviceRow) model(shared bool) models.Device {
	d := models.Device{
		ID:        r.ID,
		Name:      r.Name,
		Icon:      r.Icon,
		Shared:    shared,
		Connected: r.Connected,
	}
	if r.Latest.present() {
		loc := r.Latest.model()
		d.LatestLocation = &loc
	}
	return d
}
