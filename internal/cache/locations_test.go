package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/devicemap/internal/models"
)

type countingSource struct {
	calls  int
	result []models.Location
	err    error
}

func (s *countingSource) Locations(context.Context, models.LocationQuery) ([]models.Location, error) {
	s.calls++
	return s.result, s.err
}

// unreachable points at a port nothing listens on
func unreachable() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
}

func TestLocationsKey_DistinguishesRangeMode(t *testing.T) {
	start := time.Date(2024, 5, 17, 0, 0, 0, 0, time.UTC)
	end := start.Add(24*time.Hour - time.Millisecond)

	single := models.LocationQuery{DeviceID: 3, Start: start, End: end}
	ranged := single
	ranged.IsDateRange = true

	assert.NotEqual(t, LocationsKey(single), LocationsKey(ranged))
	assert.Equal(t, LocationsKey(single), LocationsKey(single))
	assert.Contains(t, LocationsKey(single), "locations:3:")
}

func TestLocationsKey_NormalisesZone(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	require.NoError(t, err)

	utc := time.Date(2024, 5, 16, 22, 0, 0, 0, time.UTC)
	a := models.LocationQuery{DeviceID: 1, Start: utc, End: utc}
	b := models.LocationQuery{DeviceID: 1, Start: utc.In(paris), End: utc.In(paris)}

	assert.Equal(t, LocationsKey(a), LocationsKey(b))
}

func TestDeviceIndexKey(t *testing.T) {
	assert.Equal(t, "locations_index:42", DeviceIndexKey(42))
}

func TestCachedSource_FallsBackWhenRedisIsDown(t *testing.T) {
	client := unreachable()
	defer client.Close()

	src := &countingSource{result: []models.Location{{ID: 1}, {ID: 2}}}
	cached := NewCachedSource(client, src, time.Minute)

	locations, err := cached.Locations(context.Background(), models.LocationQuery{DeviceID: 1})
	require.NoError(t, err)
	assert.Len(t, locations, 2)
	assert.Equal(t, 1, src.calls)
}

func TestCachedSource_PropagatesSourceErrors(t *testing.T) {
	client := unreachable()
	defer client.Close()

	boom := errors.New("upstream down")
	cached := NewCachedSource(client, &countingSource{err: boom}, time.Minute)

	_, err := cached.Locations(context.Background(), models.LocationQuery{DeviceID: 1})
	assert.True(t, errors.Is(err, boom))
}

func TestCachedSource_InvalidateReportsRedisErrors(t *testing.T) {
	client := unreachable()
	defer client.Close()

	cached := NewCachedSource(client, &countingSource{}, time.Minute)
	assert.Error(t, cached.InvalidateDevice(context.Background(), 1))
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestCachedSource_ReadThroughAndInvalidate(t *testing.T) {
	mr, client := newRedis(t)
	src := &countingSource{result: []models.Location{{ID: 1, DeviceID: 7}}}
	cached := NewCachedSource(client, src, time.Minute)
	ctx := context.Background()
	q := models.LocationQuery{DeviceID: 7}

	for i := 0; i < 2; i++ {
		locations, err := cached.Locations(ctx, q)
		require.NoError(t, err)
		assert.Len(t, locations, 1)
	}
	assert.Equal(t, 1, src.calls)
	assert.True(t, mr.Exists(LocationsKey(q)))

	require.NoError(t, cached.InvalidateDevice(ctx, 7))
	assert.False(t, mr.Exists(LocationsKey(q)))
	assert.False(t, mr.Exists(DeviceIndexKey(7)))

	_, err := cached.Locations(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

// blockingSource holds every read until released
type blockingSource struct {
	started chan struct{}
	release chan struct{}
	result  []models.Location
}

func (s *blockingSource) Locations(ctx context.Context, _ models.LocationQuery) ([]models.Location, error) {
	s.started <- struct{}{}
	select {
	case <-s.release:
		return s.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestCachedSource_ReadRacingInvalidationIsNotCached(t *testing.T) {
	mr, client := newRedis(t)
	src := &blockingSource{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
		result:  []models.Location{{ID: 1, DeviceID: 7}},
	}
	cached := NewCachedSource(client, src, time.Minute)
	ctx := context.Background()
	q := models.LocationQuery{DeviceID: 7}

	done := make(chan error, 1)
	go func() {
		_, err := cached.Locations(ctx, q)
		done <- err
	}()

	<-src.started
	require.NoError(t, cached.InvalidateDevice(ctx, 7))
	close(src.release)
	require.NoError(t, <-done)

	assert.False(t, mr.Exists(LocationsKey(q)))
	assert.False(t, mr.Exists(DeviceIndexKey(7)))

	go func() {
		_, err := cached.Locations(ctx, q)
		done <- err
	}()
	<-src.started
	require.NoError(t, <-done)
	assert.True(t, mr.Exists(LocationsKey(q)))
}
