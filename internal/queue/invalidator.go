package queue

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/smukkama/devicemap/internal/logger"
	"github.com/smukkama/devicemap/internal/protocol"
)

// DeviceInvalidator drops cached data of a device
type DeviceInvalidator interface {
	InvalidateDevice(ctx context.Context, deviceID int64) error
}

// Broadcaster delivers a message to everyone watching a device
type Broadcaster interface {
	Broadcast(deviceID int64, msg interface{}) int
}

// Invalidator consumes change messages, evicts the device's cached queries
// and tells subscribed clients to refetch.
type Invalidator struct {
	consumer MessageSource
	cache    DeviceInvalidator
	hub      Broadcaster
	wg       sync.WaitGroup
	log      zerolog.Logger
}

// NewInvalidator creates an invalidator reading change notices from consumer
func NewInvalidator(consumer MessageSource, cache DeviceInvalidator, hub Broadcaster) *Invalidator {
	return &Invalidator{
		consumer: consumer,
		cache:    cache,
		hub:      hub,
		log:      logger.WithComponent("invalidator"),
	}
}

// Start runs until ctx is cancelled
func (inv *Invalidator) Start(ctx context.Context) {
	inv.wg.Add(1)
	go func() {
		defer inv.wg.Done()
		for msg := range consumeUntilDone(ctx, inv.consumer, inv.log) {
			inv.handle(ctx, msg)
		}
	}()
}

// Wait blocks until the consume loop has exited
func (inv *Invalidator) Wait() {
	inv.wg.Wait()
}

// consumeUntilDone is consume with a channel that closes once ctx is done
func consumeUntilDone(ctx context.Context, source MessageSource, log zerolog.Logger) <-chan kafka.Message {
	in := consume(ctx, source, log)
	out := make(chan kafka.Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-in:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (inv *Invalidator) handle(ctx context.Context, msg kafka.Message) {
	change, err := protocol.DecodeChangeMessage(msg.Value)
	if err != nil {
		inv.log.Warn().Err(err).Int64("offset", msg.Offset).Msg("skipping undecodable change")
		inv.commit(ctx, msg)
		return
	}

	if inv.cache != nil {
		if err := inv.cache.InvalidateDevice(ctx, change.DeviceID); err != nil {
			inv.log.Error().Err(err).Int64("device_id", change.DeviceID).Msg("cache invalidation failed")
		}
	}

	notice := protocol.NewInvalidateMessage(change.DeviceID)
	delivered := inv.hub.Broadcast(change.DeviceID, notice)
	delivered += inv.hub.Broadcast(protocol.OverviewDeviceID, notice)

	inv.log.Debug().
		Int64("device_id", change.DeviceID).
		Str("type", change.Type).
		Int("subscribers", delivered).
		Msg("change propagated")

	inv.commit(ctx, msg)
}

func (inv *Invalidator) commit(ctx context.Context, msg kafka.Message) {
	if err := inv.consumer.Commit(ctx, msg); err != nil {
		inv.log.Error().Err(err).Msg("failed to commit offset")
	}
}
