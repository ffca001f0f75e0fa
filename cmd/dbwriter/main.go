package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smukkama/devicemap/internal/database"
	"github.com/smukkama/devicemap/internal/logger"
	"github.com/smukkama/devicemap/internal/presence"
	"github.com/smukkama/devicemap/internal/queue"
	"github.com/smukkama/devicemap/internal/timer"
	"github.com/smukkama/devicemap/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := logger.Init(logger.Config{Level: cfg.Log.Level, Output: cfg.Log.Output}); err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise logger")
	}
	log := logger.WithComponent("main")
	log.Info().Msg("starting database writer")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.Connect(cfg.Database.ConnectionString())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, "migrations"); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	for _, topic := range []string{cfg.Kafka.TopicRaw, cfg.Kafka.TopicChanges} {
		if err := queue.CreateTopic(cfg.Kafka.Brokers, topic, cfg.Kafka.NumPartitions, 1); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("topic creation failed")
		}
	}

	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicRaw, "devicemap-dbwriter")
	defer consumer.Close()

	changes := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicChanges)
	defer changes.Close()

	sched := timer.NewScheduler()
	sched.Start()
	defer sched.Stop()

	batchWriter := queue.NewBatchWriter(consumer, db, changes, cfg.Kafka.BatchSize, cfg.Kafka.FlushInterval)
	tracker := presence.NewTracker(db, changes, sched, cfg.Kafka.OfflineAfter)
	batchWriter.SetObserver(tracker)
	batchWriter.Start(ctx)

	log.Info().
		Int("batch_size", cfg.Kafka.BatchSize).
		Dur("flush_interval", cfg.Kafka.FlushInterval).
		Str("topic", cfg.Kafka.TopicRaw).
		Msg("database writer running")

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := consumer.Stats()
				log.Info().
					Int64("messages", stats.Messages).
					Int64("bytes", stats.Bytes).
					Int64("errors", stats.Errors).
					Int64("lag", stats.Lag).
					Int("online_devices", tracker.OnlineCount()).
					Msg("consumer statistics")
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down gracefully")
	batchWriter.Stop()
	log.Info().Msg("database writer stopped")
}
