package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/smukkama/devicemap/internal/models"
)

const locationColumns = `id, device_id, latitude, longitude, accuracy, altitude, battery, created_at`

// devicesWithLatest joins every device to its most recent location
const devicesWithLatest = `
	SELECT d.id, d.name, d.icon, d.connected,
	       l.id, l.device_id, l.latitude, l.longitude, l.accuracy, l.altitude, l.battery, l.created_at
	FROM devices d
	LEFT JOIN LATERAL (
		SELECT ` + locationColumns + `
		FROM locations
		WHERE device_id = d.id
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	) l ON true
`

// Store answers location and device queries on behalf of one viewer. Only
// devices the viewer owns or was granted are visible.
type Store struct {
	db    *DB
	owner string
}

// Viewer scopes queries to the devices owner can see
func (db *DB) Viewer(owner string) *Store {
	return &Store{db: db, owner: owner}
}

// Locations returns one device's history in the query window, oldest first
func (s *Store) Locations(ctx context.Context, q models.LocationQuery) ([]models.Location, error) {
	query := `
		SELECT ` + locationColumns + `
		FROM locations
		WHERE device_id = $1
		  AND created_at BETWEEN $2 AND $3
		  AND device_id IN (
			SELECT id FROM devices WHERE owner = $4
			UNION
			SELECT device_id FROM device_shares WHERE grantee = $4
		  )
		ORDER BY created_at, id
	`

	rows, err := s.db.QueryContext(ctx, query, q.DeviceID, q.Start, q.End, s.owner)
	if err != nil {
		return nil, fmt.Errorf("failed to query locations: %w", err)
	}
	defer rows.Close()

	locations := []models.Location{}
	for rows.Next() {
		var r locationRow
		if err := rows.Scan(r.dest()...); err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}
		locations = append(locations, r.model())
	}

	return locations, rows.Err()
}

// Devices lists the viewer's own devices with their latest location
func (s *Store) Devices(ctx context.Context) ([]models.Device, error) {
	return s.devices(ctx, devicesWithLatest+` WHERE d.owner = $1 ORDER BY d.id`, false)
}

// SharedDevices lists devices other owners shared with the viewer
func (s *Store) SharedDevices(ctx context.Context) ([]models.Device, error) {
	query := devicesWithLatest + `
		JOIN device_shares s ON s.device_id = d.id
		WHERE s.grantee = $1 AND d.owner <> $1
		ORDER BY d.id
	`
	return s.devices(ctx, query, true)
}

func (s *Store) devices(ctx context.Context, query string, shared bool) ([]models.Device, error) {
	rows, err := s.db.QueryContext(ctx, query, s.owner)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	devices := []models.Device{}
	for rows.Next() {
		var r deviceRow
		if err := rows.Scan(r.dest()...); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, r.model(shared))
	}

	return devices, rows.Err()
}

// InsertLocations writes a batch in one transaction and returns the rows
// that were stored, with their IDs filled in. Reports for unknown devices and
// reports already stored are skipped, so a redelivered batch is harmless.
func (db *DB) InsertLocations(ctx context.Context, locations []models.Location) ([]models.Location, error) {
	if len(locations) == 0 {
		return nil, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO locations (device_id, latitude, longitude, accuracy, altitude, battery, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE EXISTS (SELECT 1 FROM devices WHERE id = $1)
		ON CONFLICT (device_id, created_at) DO NOTHING
		RETURNING id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	stored := make([]models.Location, 0, len(locations))
	for _, loc := range locations {
		createdAt := time.Now().UTC()
		if loc.CreatedAt != nil {
			createdAt = *loc.CreatedAt
		}
		err := stmt.QueryRowContext(ctx,
			loc.DeviceID,
			loc.Latitude,
			loc.Longitude,
			floatArg(loc.Accuracy),
			floatArg(loc.Altitude),
			floatArg(loc.Battery),
			createdAt,
		).Scan(&loc.ID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to insert location for device %d: %w", loc.DeviceID, err)
		}
		loc.CreatedAt = &createdAt
		stored = append(stored, loc)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit locations: %w", err)
	}
	return stored, nil
}

// SetConnected records whether a device is currently reporting
func (db *DB) SetConnected(ctx context.Context, deviceID int64, connected bool) error {
	_, err := db.ExecContext(ctx, `UPDATE devices SET connected = $1 WHERE id = $2`, connected, deviceID)
	if err != nil {
		return fmt.Errorf("failed to update device %d: %w", deviceID, err)
	}
	return nil
}
