package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/smukkama/devicemap/internal/logger"
	"github.com/smukkama/devicemap/internal/models"
	"github.com/smukkama/devicemap/internal/protocol"
)

// MessageSource is the consuming half of a topic
type MessageSource interface {
	Consume(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msgs ...kafka.Message) error
}

// Publisher is the producing half of a topic
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// LocationWriter persists a batch of locations atomically and returns the
// ones it kept
type LocationWriter interface {
	InsertLocations(ctx context.Context, locations []models.Location) ([]models.Location, error)
}

// DeviceObserver is told about every device a stored batch touched
type DeviceObserver interface {
	Seen(ctx context.Context, deviceID int64)
}

// BatchWriter consumes raw position reports and batch-writes them to the
// database. After a batch is stored and committed one change message per
// touched device is published. A batch that fails is retried with backoff
// and nothing more is consumed until it lands.
type BatchWriter struct {
	consumer      MessageSource
	store         LocationWriter
	changes       Publisher
	observer      DeviceObserver
	batchSize     int
	flushInterval time.Duration
	retryBase     time.Duration
	retryMax      time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
	log           zerolog.Logger
	now           func() time.Time
}

// NewBatchWriter creates a writer that flushes every batchSize reports or
// every flushInterval, whichever comes first
func NewBatchWriter(consumer MessageSource, store LocationWriter, changes Publisher, batchSize int, flushInterval time.Duration) *BatchWriter {
	return &BatchWriter{
		consumer:      consumer,
		store:         store,
		changes:       changes,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		retryBase:     500 * time.Millisecond,
		retryMax:      30 * time.Second,
		stopCh:        make(chan struct{}),
		log:           logger.WithComponent("batch_writer"),
		now:           time.Now,
	}
}

// SetObserver registers o for stored devices. Call before Start.
func (bw *BatchWriter) SetObserver(o DeviceObserver) {
	bw.observer = o
}

// Start begins consuming and writing to the database
func (bw *BatchWriter) Start(ctx context.Context) {
	bw.wg.Add(1)
	go bw.run(ctx)
}

// Stop flushes what is buffered and waits for the writer to exit
func (bw *BatchWriter) Stop() {
	close(bw.stopCh)
	bw.wg.Wait()
}

func (bw *BatchWriter) run(ctx context.Context) {
	defer bw.wg.Done()

	var batch []kafka.Message
	ticker := time.NewTicker(bw.flushInterval)
	defer ticker.Stop()

	msgCh := consume(ctx, bw.consumer, bw.log)

	for {
		select {
		case <-bw.stopCh:
			bw.flush(context.WithoutCancel(ctx), batch)
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			if len(batch) > 0 {
				bw.log.Debug().Int("messages", len(batch)).Msg("flush interval reached")
				if !bw.drain(ctx, batch) {
					return
				}
				batch = nil
			}

		case msg := <-msgCh:
			batch = append(batch, msg)
			if len(batch) >= bw.batchSize {
				if !bw.drain(ctx, batch) {
					return
				}
				batch = nil
			}
		}
	}
}

// drain retries batch until it is stored and committed. It reports false when
// the writer is stopped first; the batch stays uncommitted and is redelivered.
func (bw *BatchWriter) drain(ctx context.Context, batch []kafka.Message) bool {
	p := &pendingBatch{msgs: batch}
	delay := bw.retryBase
	for {
		if err := bw.advance(ctx, p); err == nil {
			return true
		}

		bw.log.Warn().Dur("retry_in", delay).Int("messages", len(batch)).Msg("batch not flushed, retrying")
		select {
		case <-ctx.Done():
			return false
		case <-bw.stopCh:
			return false
		case <-time.After(delay):
		}
		delay = min(delay*2, bw.retryMax)
	}
}

// consume pumps messages into a channel until ctx is done
func consume(ctx context.Context, source MessageSource, log zerolog.Logger) <-chan kafka.Message {
	msgCh := make(chan kafka.Message, 10)
	go func() {
		for {
			msg, err := source.Consume(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error().Err(err).Msg("consumer error")
				time.Sleep(time.Second)
				continue
			}
			select {
			case msgCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return msgCh
}

// pendingBatch tracks how far a batch got, so a retry after a failed commit
// does not store the reports again
type pendingBatch struct {
	msgs     []kafka.Message
	stored   []models.Location
	inserted bool
}

// flush makes one attempt at storing and committing batch
func (bw *BatchWriter) flush(ctx context.Context, batch []kafka.Message) error {
	return bw.advance(ctx, &pendingBatch{msgs: batch})
}

// advance stores the decodable reports of p in one transaction, commits the
// offsets and announces the stored devices. Undecodable messages are skipped
// and committed so they cannot block the partition; a failed insert commits
// nothing.
func (bw *BatchWriter) advance(ctx context.Context, p *pendingBatch) error {
	if len(p.msgs) == 0 {
		return nil
	}

	if !p.inserted {
		locations := make([]models.Location, 0, len(p.msgs))
		for _, msg := range p.msgs {
			loc, err := decodeReport(msg)
			if err != nil {
				bw.log.Warn().
					Err(err).
					Int("partition", msg.Partition).
					Int64("offset", msg.Offset).
					Msg("skipping undecodable report")
				continue
			}
			locations = append(locations, loc)
		}

		stored, err := bw.store.InsertLocations(ctx, locations)
		if err != nil {
			bw.log.Error().Err(err).Int("messages", len(p.msgs)).Msg("failed to store batch")
			return err
		}
		if skipped := len(locations) - len(stored); skipped > 0 {
			bw.log.Warn().Int("skipped", skipped).Msg("reports for unknown devices or already stored")
		}
		p.stored, p.inserted = stored, true
	}

	if err := bw.consumer.Commit(ctx, p.msgs...); err != nil {
		bw.log.Error().Err(err).Msg("failed to commit offsets")
		return err
	}

	bw.publishChanges(ctx, p.stored)

	bw.log.Info().
		Int("messages", len(p.msgs)).
		Int("stored", len(p.stored)).
		Msg("flushed batch")
	return nil
}

func decodeReport(msg kafka.Message) (models.Location, error) {
	report, err := protocol.DecodeLocationMessage(msg.Value)
	if err != nil {
		return models.Location{}, fmt.Errorf("failed to decode message: %w", err)
	}
	if err := report.Data.Validate(); err != nil {
		return models.Location{}, err
	}
	return report.Data.Location()
}

// publishChanges reports each stored device to the observer and sends one
// change message per device, in device order.
func (bw *BatchWriter) publishChanges(ctx context.Context, locations []models.Location) {
	counts := make(map[int64]int)
	for _, l := range locations {
		counts[l.DeviceID]++
	}
	devices := make([]int64, 0, len(counts))
	for id := range counts {
		devices = append(devices, id)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i] < devices[j] })

	at := bw.now().UTC()
	for _, id := range devices {
		if bw.observer != nil {
			bw.observer.Seen(ctx, id)
		}
		if bw.changes == nil {
			continue
		}

		data, err := protocol.EncodeChangeMessage(&protocol.ChangeMessage{
			Type:     protocol.ChangeTypeLocationsAdded,
			DeviceID: id,
			Count:    counts[id],
			At:       at,
		})
		if err != nil {
			bw.log.Error().Err(err).Int64("device_id", id).Msg("failed to encode change")
			continue
		}
		if err := bw.changes.Publish(ctx, protocol.DeviceKey(id), data); err != nil {
			bw.log.Error().Err(err).Int64("device_id", id).Msg("failed to publish change")
		}
	}
}
