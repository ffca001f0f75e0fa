// Package presence keeps the connected flag of devices current. A device is
// online while its reports keep arriving and goes offline after a quiet
// period; every flip is announced on the change topic.
package presence

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/smukkama/devicemap/internal/logger"
	"github.com/smukkama/devicemap/internal/protocol"
	"github.com/smukkama/devicemap/internal/queue"
	"github.com/smukkama/devicemap/internal/timer"
)

// StatusWriter persists the connected flag
type StatusWriter interface {
	SetConnected(ctx context.Context, deviceID int64, connected bool) error
}

// Tracker flips devices online on their first report and offline once they
// stay quiet for offlineAfter
type Tracker struct {
	store        StatusWriter
	changes      queue.Publisher
	sched        *timer.Scheduler
	offlineAfter time.Duration
	now          func() time.Time

	mu     sync.Mutex
	online map[int64]bool

	log zerolog.Logger
}

// NewTracker creates a tracker that records flips in store and announces them
// on changes, which may be nil
func NewTracker(store StatusWriter, changes queue.Publisher, sched *timer.Scheduler, offlineAfter time.Duration) *Tracker {
	return &Tracker{
		store:        store,
		changes:      changes,
		sched:        sched,
		offlineAfter: offlineAfter,
		now:          time.Now,
		online:       make(map[int64]bool),
		log:          logger.WithComponent("presence"),
	}
}

// Seen marks a device online and restarts its offline timer
func (t *Tracker) Seen(ctx context.Context, deviceID int64) {
	t.mu.Lock()
	wasOnline := t.online[deviceID]
	t.online[deviceID] = true
	t.mu.Unlock()

	if !wasOnline {
		t.flip(ctx, deviceID, true)
	}

	err := t.sched.After(offlineKey(deviceID), t.offlineAfter, func() {
		t.expire(deviceID)
	})
	if err != nil {
		t.log.Debug().Err(err).Int64("device_id", deviceID).Msg("offline timer not scheduled")
	}
}

// OnlineCount is the number of devices currently reporting
func (t *Tracker) OnlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.online)
}

func (t *Tracker) expire(deviceID int64) {
	t.mu.Lock()
	if !t.online[deviceID] {
		t.mu.Unlock()
		return
	}
	delete(t.online, deviceID)
	t.mu.Unlock()

	t.log.Info().Int64("device_id", deviceID).Msg("device went quiet")
	t.flip(context.Background(), deviceID, false)
}

func (t *Tracker) flip(ctx context.Context, deviceID int64, connected bool) {
	if err := t.store.SetConnected(ctx, deviceID, connected); err != nil {
		t.log.Error().Err(err).Int64("device_id", deviceID).Bool("connected", connected).Msg("failed to store presence")
		return
	}
	if t.changes == nil {
		return
	}

	data, err := protocol.EncodeChangeMessage(&protocol.ChangeMessage{
		Type:     protocol.ChangeTypeDeviceUpdated,
		DeviceID: deviceID,
		At:       t.now().UTC(),
	})
	if err != nil {
		t.log.Error().Err(err).Int64("device_id", deviceID).Msg("failed to encode change")
		return
	}
	if err := t.changes.Publish(ctx, protocol.DeviceKey(deviceID), data); err != nil {
		t.log.Error().Err(err).Int64("device_id", deviceID).Msg("failed to publish change")
	}
}

func offlineKey(deviceID int64) string {
	return "offline:" + strconv.FormatInt(deviceID, 10)
}
