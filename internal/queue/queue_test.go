package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/devicemap/internal/models"
	"github.com/smukkama/devicemap/internal/protocol"
)

type fakeSource struct {
	mu          sync.Mutex
	pending     []kafka.Message
	committed   []kafka.Message
	commitErr   error
	commitFails int
}

func (f *fakeSource) Consume(ctx context.Context) (kafka.Message, error) {
	for {
		f.mu.Lock()
		if len(f.pending) > 0 {
			msg := f.pending[0]
			f.pending = f.pending[1:]
			f.mu.Unlock()
			return msg, nil
		}
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (f *fakeSource) Commit(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	if f.commitFails > 0 {
		f.commitFails--
		return errors.New("rebalance in progress")
	}
	f.committed = append(f.committed, msgs...)
	return nil
}

func (f *fakeSource) committedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.committed)
}

func (f *fakeSource) committedOffsets() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	offsets := make([]int64, 0, len(f.committed))
	for _, msg := range f.committed {
		offsets = append(offsets, msg.Offset)
	}
	return offsets
}

type fakeStore struct {
	mu      sync.Mutex
	batches [][]models.Location
	calls   int
	err     error
	fails   int
	unknown map[int64]bool
}

func (f *fakeStore) InsertLocations(_ context.Context, locations []models.Location) ([]models.Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.fails > 0 {
		f.fails--
		return nil, errors.New("connection reset")
	}

	stored := make([]models.Location, 0, len(locations))
	for _, l := range locations {
		if !f.unknown[l.DeviceID] {
			stored = append(stored, l)
		}
	}
	f.batches = append(f.batches, stored)
	return stored, nil
}

func (f *fakeStore) storedDevices() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var devices []int64
	for _, batch := range f.batches {
		for _, l := range batch {
			devices = append(devices, l.DeviceID)
		}
	}
	return devices
}

type published struct {
	key   string
	value []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (f *fakePublisher) Publish(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{key: key, value: value})
	return nil
}

func report(t *testing.T, deviceID int64, offset int64) kafka.Message {
	t.Helper()
	data, err := protocol.EncodeLocationMessage(&protocol.LocationMessage{
		ReceivedAt: time.Now(),
		Data: protocol.TrackData{
			DeviceID:  deviceID,
			Latitude:  48.8,
			Longitude: 2.3,
			Timestamp: "2024-05-17T08:00:00Z",
		},
	})
	require.NoError(t, err)
	return kafka.Message{Key: []byte(protocol.DeviceKey(deviceID)), Value: data, Offset: offset}
}

func TestBatchWriter_FlushStoresCommitsAndAnnounces(t *testing.T) {
	src := &fakeSource{}
	store := &fakeStore{}
	changes := &fakePublisher{}
	bw := NewBatchWriter(src, store, changes, 10, time.Second)

	batch := []kafka.Message{
		report(t, 2, 1),
		report(t, 1, 2),
		{Value: []byte("garbage"), Offset: 3},
		report(t, 2, 4),
	}
	require.NoError(t, bw.flush(context.Background(), batch))

	require.Len(t, store.batches, 1)
	assert.Len(t, store.batches[0], 3)
	assert.Equal(t, 4, src.committedCount())

	require.Len(t, changes.msgs, 2)
	assert.Equal(t, "1", changes.msgs[0].key)
	assert.Equal(t, "2", changes.msgs[1].key)

	change, err := protocol.DecodeChangeMessage(changes.msgs[1].value)
	require.NoError(t, err)
	assert.Equal(t, int64(2), change.DeviceID)
	assert.Equal(t, 2, change.Count)
	assert.Equal(t, protocol.ChangeTypeLocationsAdded, change.Type)
}

type fakeObserver struct {
	seen []int64
}

func (f *fakeObserver) Seen(_ context.Context, deviceID int64) {
	f.seen = append(f.seen, deviceID)
}

func TestBatchWriter_ObserverSeesStoredDevices(t *testing.T) {
	obs := &fakeObserver{}
	bw := NewBatchWriter(&fakeSource{}, &fakeStore{}, nil, 10, time.Second)
	bw.SetObserver(obs)

	require.NoError(t, bw.flush(context.Background(), []kafka.Message{
		report(t, 9, 1), report(t, 4, 2), report(t, 9, 3),
	}))
	assert.Equal(t, []int64{4, 9}, obs.seen)
}

func TestBatchWriter_FailedInsertCommitsNothing(t *testing.T) {
	src := &fakeSource{}
	changes := &fakePublisher{}
	bw := NewBatchWriter(src, &fakeStore{err: errors.New("db down")}, changes, 10, time.Second)

	err := bw.flush(context.Background(), []kafka.Message{report(t, 1, 1)})
	assert.Error(t, err)
	assert.Zero(t, src.committedCount())
	assert.Empty(t, changes.msgs)
}

func TestBatchWriter_FailedCommitAnnouncesNothing(t *testing.T) {
	src := &fakeSource{commitErr: errors.New("rebalance")}
	changes := &fakePublisher{}
	bw := NewBatchWriter(src, &fakeStore{}, changes, 10, time.Second)

	assert.Error(t, bw.flush(context.Background(), []kafka.Message{report(t, 1, 1)}))
	assert.Empty(t, changes.msgs)
}

func TestBatchWriter_RunFlushesFullBatches(t *testing.T) {
	src := &fakeSource{pending: []kafka.Message{
		report(t, 1, 1), report(t, 1, 2), report(t, 3, 3), report(t, 4, 4),
	}}
	store := &fakeStore{}
	bw := NewBatchWriter(src, store, nil, 2, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bw.Start(ctx)

	assert.Eventually(t, func() bool { return src.committedCount() == 4 }, time.Second, 5*time.Millisecond)
	bw.Stop()

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.batches, 2)
	assert.Len(t, store.batches[0], 2)
	assert.Len(t, store.batches[1], 2)
}

func TestBatchWriter_RunRetriesFailedInsert(t *testing.T) {
	src := &fakeSource{pending: []kafka.Message{
		report(t, 1, 1), report(t, 2, 2), report(t, 3, 3), report(t, 4, 4),
	}}
	store := &fakeStore{fails: 1}
	bw := NewBatchWriter(src, store, nil, 2, time.Hour)
	bw.retryBase = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bw.Start(ctx)

	assert.Eventually(t, func() bool { return src.committedCount() == 4 }, time.Second, 5*time.Millisecond)
	bw.Stop()

	assert.Equal(t, []int64{1, 2, 3, 4}, src.committedOffsets())
	assert.Equal(t, []int64{1, 2, 3, 4}, store.storedDevices())
	assert.Equal(t, 3, store.calls)
}

func TestBatchWriter_RunRetriesCommitWithoutStoringAgain(t *testing.T) {
	src := &fakeSource{
		pending:     []kafka.Message{report(t, 1, 1), report(t, 2, 2)},
		commitFails: 2,
	}
	store := &fakeStore{}
	changes := &fakePublisher{}
	bw := NewBatchWriter(src, store, changes, 2, time.Hour)
	bw.retryBase = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bw.Start(ctx)

	assert.Eventually(t, func() bool { return src.committedCount() == 2 }, time.Second, 5*time.Millisecond)
	bw.Stop()

	assert.Equal(t, 1, store.calls)
	changes.mu.Lock()
	defer changes.mu.Unlock()
	assert.Len(t, changes.msgs, 2)
}

func TestBatchWriter_StopWhileRetryingCommitsNothing(t *testing.T) {
	src := &fakeSource{pending: []kafka.Message{report(t, 1, 1), report(t, 2, 2)}}
	store := &fakeStore{err: errors.New("db down")}
	bw := NewBatchWriter(src, store, nil, 2, time.Hour)
	bw.retryBase = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bw.Start(ctx)

	assert.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.calls >= 2
	}, time.Second, 5*time.Millisecond)
	bw.Stop()

	assert.Zero(t, src.committedCount())
}

func TestBatchWriter_UnknownDevicesAreNotAnnounced(t *testing.T) {
	src := &fakeSource{}
	changes := &fakePublisher{}
	bw := NewBatchWriter(src, &fakeStore{unknown: map[int64]bool{99: true}}, changes, 10, time.Second)

	require.NoError(t, bw.flush(context.Background(), []kafka.Message{report(t, 99, 1), report(t, 5, 2)}))

	assert.Equal(t, 2, src.committedCount())
	require.Len(t, changes.msgs, 1)
	assert.Equal(t, "5", changes.msgs[0].key)
}

func TestBatchWriter_RunFlushesOnInterval(t *testing.T) {
	src := &fakeSource{pending: []kafka.Message{report(t, 1, 1)}}
	bw := NewBatchWriter(src, &fakeStore{}, nil, 100, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bw.Start(ctx)
	defer bw.Stop()

	assert.Eventually(t, func() bool { return src.committedCount() == 1 }, time.Second, 5*time.Millisecond)
}

type fakeCache struct {
	mu      sync.Mutex
	devices []int64
}

func (f *fakeCache) InvalidateDevice(_ context.Context, deviceID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = append(f.devices, deviceID)
	return nil
}

type broadcast struct {
	deviceID int64
	msg      interface{}
}

type fakeHub struct {
	mu   sync.Mutex
	sent []broadcast
}

func (f *fakeHub) Broadcast(deviceID int64, msg interface{}) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, broadcast{deviceID, msg})
	return 1
}

func change(t *testing.T, deviceID int64) kafka.Message {
	t.Helper()
	data, err := protocol.EncodeChangeMessage(&protocol.ChangeMessage{
		Type:     protocol.ChangeTypeLocationsAdded,
		DeviceID: deviceID,
		Count:    1,
		At:       time.Now(),
	})
	require.NoError(t, err)
	return kafka.Message{Value: data}
}

func TestInvalidator_Handle(t *testing.T) {
	src := &fakeSource{}
	cache := &fakeCache{}
	hub := &fakeHub{}
	inv := NewInvalidator(src, cache, hub)

	inv.handle(context.Background(), change(t, 7))

	assert.Equal(t, []int64{7}, cache.devices)
	require.Len(t, hub.sent, 2)
	assert.Equal(t, int64(7), hub.sent[0].deviceID)
	assert.Equal(t, protocol.OverviewDeviceID, hub.sent[1].deviceID)
	assert.Equal(t, protocol.NewInvalidateMessage(7), hub.sent[0].msg)
	assert.Equal(t, 1, src.committedCount())
}

func TestInvalidator_SkipsGarbage(t *testing.T) {
	src := &fakeSource{}
	hub := &fakeHub{}
	inv := NewInvalidator(src, nil, hub)

	inv.handle(context.Background(), kafka.Message{Value: []byte("{}")})

	assert.Empty(t, hub.sent)
	assert.Equal(t, 1, src.committedCount())
}

func TestInvalidator_RunStopsWithContext(t *testing.T) {
	src := &fakeSource{pending: []kafka.Message{change(t, 1), change(t, 2)}}
	cache := &fakeCache{}
	inv := NewInvalidator(src, cache, &fakeHub{})

	ctx, cancel := context.WithCancel(context.Background())
	inv.Start(ctx)

	assert.Eventually(t, func() bool { return src.committedCount() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	inv.Wait()

	cache.mu.Lock()
	defer cache.mu.Unlock()
	assert.Equal(t, []int64{1, 2}, cache.devices)
}
