package database

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationFiles_SortedSQLOnly(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002_shares.sql", "001_init.sql", "README.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("--"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "003_dir.sql"), 0o755))

	files, err := MigrationFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_init.sql", "002_shares.sql"}, files)
}

func TestMigrationFiles_RepositoryMigrations(t *testing.T) {
	files, err := MigrationFiles("../../migrations")
	require.NoError(t, err)
	assert.Contains(t, files, "001_init.sql")
}

func TestMigrationFiles_MissingDir(t *testing.T) {
	_, err := MigrationFiles(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestLocationRow_Model(t *testing.T) {
	ts := time.Date(2024, 5, 17, 8, 0, 0, 0, time.UTC)
	r := locationRow{
		ID:        sql.NullInt64{Int64: 5, Valid: true},
		DeviceID:  sql.NullInt64{Int64: 2, Valid: true},
		Latitude:  sql.NullFloat64{Float64: 48.8, Valid: true},
		Longitude: sql.NullFloat64{Float64: 2.3, Valid: true},
		Battery:   sql.NullFloat64{Float64: 55, Valid: true},
		CreatedAt: sql.NullTime{Time: ts, Valid: true},
	}

	loc := r.model()
	assert.Equal(t, int64(5), loc.ID)
	assert.Equal(t, int64(2), loc.DeviceID)
	assert.Nil(t, loc.Accuracy)
	assert.Nil(t, loc.Altitude)
	require.NotNil(t, loc.Battery)
	assert.Equal(t, 55.0, *loc.Battery)
	require.NotNil(t, loc.CreatedAt)
	assert.Equal(t, ts, *loc.CreatedAt)
}

func TestDeviceRow_WithoutLocation(t *testing.T) {
	r := deviceRow{ID: 3, Name: "tracker", Icon: "car"}

	d := r.model(true)
	assert.True(t, d.Shared)
	assert.Nil(t, d.LatestLocation)
	assert.Len(t, r.dest(), 12)
}

func TestDeviceRow_WithLocation(t *testing.T) {
	r := deviceRow{ID: 3, Latest: locationRow{ID: sql.NullInt64{Int64: 9, Valid: true}}}

	d := r.model(false)
	require.NotNil(t, d.LatestLocation)
	assert.Equal(t, int64(9), d.LatestLocation.ID)
}

func TestFloatArg(t *testing.T) {
	assert.Nil(t, floatArg(nil))
	v := 1.5
	assert.Equal(t, 1.5, floatArg(&v))
}
