package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smukkama/devicemap/internal/api"
	"github.com/smukkama/devicemap/internal/cache"
	"github.com/smukkama/devicemap/internal/cluster"
	"github.com/smukkama/devicemap/internal/connection"
	"github.com/smukkama/devicemap/internal/database"
	"github.com/smukkama/devicemap/internal/logger"
	"github.com/smukkama/devicemap/internal/mapview"
	"github.com/smukkama/devicemap/internal/notification"
	"github.com/smukkama/devicemap/internal/pipeline"
	"github.com/smukkama/devicemap/internal/queue"
	"github.com/smukkama/devicemap/internal/server"
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
	log.Info().Str("source", cfg.Source).Msg("starting device map server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zone, err := pipeline.NewZone(cfg.Map.TimeZone)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up time zone")
	}

	// History comes from the upstream API or straight from Postgres
	var (
		locations pipeline.LocationSource
		devices   pipeline.DeviceSource
	)
	switch cfg.Source {
	case config.SourceDatabase:
		db, err := database.Connect(cfg.Database.ConnectionString())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
		if err := db.RunMigrations(ctx, "migrations"); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		store := db.Viewer(cfg.Map.Owner)
		locations, devices = store, store
	default:
		client := api.NewClient(cfg.API.BaseURL, cfg.API.Token, cfg.API.Timeout)
		locations, devices = client, client
	}

	rdb, err := cache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer rdb.Close()
	cached := cache.NewCachedSource(rdb, locations, cfg.Redis.CacheTTL)

	sched := timer.NewScheduler()
	sched.Start()
	defer sched.Stop()

	clusterOpts := cluster.DefaultOptions()
	clusterOpts.Radius = cfg.Map.ClusterRadius
	clusterOpts.MaxZoom = cfg.Map.MaxClusterZoom

	registry := mapview.NewRegistry(mapview.Options{
		Zone:      zone,
		Clusterer: cluster.NewClusterer(clusterOpts),
		Animate:   cfg.Map.Animate,
	}, sched, cfg.HTTPServer.SessionTimeout, cfg.Map.ViewportThrottle)
	service := mapview.NewService(pipeline.NewFetcher(cached, zone), devices)

	hub := notification.NewHub(
		connection.NewManager(cfg.HTTPServer.MaxConnections),
		sched,
		cfg.HTTPServer.InactivityTimeout,
		cfg.HTTPServer.WriteTimeout,
	)

	if err := queue.CreateTopic(cfg.Kafka.Brokers, cfg.Kafka.TopicRaw, cfg.Kafka.NumPartitions, 1); err != nil {
		log.Warn().Err(err).Str("topic", cfg.Kafka.TopicRaw).Msg("topic creation failed")
	}
	if err := queue.CreateTopic(cfg.Kafka.Brokers, cfg.Kafka.TopicChanges, cfg.Kafka.NumPartitions, 1); err != nil {
		log.Warn().Err(err).Str("topic", cfg.Kafka.TopicChanges).Msg("topic creation failed")
	}

	tracks := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicRaw)
	defer tracks.Close()

	// Every server instance holds its own subscribers, so each needs its own
	// consumer group to see every change.
	hostname, _ := os.Hostname()
	changes := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicChanges, "devicemap-invalidator-"+hostname)
	defer changes.Close()

	invalidator := queue.NewInvalidator(changes, cached, hub)
	invalidator.Start(ctx)

	srv := server.NewServer(cfg.HTTPServer, registry, service, hub, tracks)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := hub.Stats()
				timerStats := sched.Stats()
				states := registry.CountByState()
				log.Info().
					Int("sessions", registry.Len()).
					Int("sessions_overview", states[mapview.StateNoDeviceSelected]).
					Int("sessions_tracking", states[mapview.StateDeviceSelectedNoLocation]+states[mapview.StateDeviceSelectedWithLocation]).
					Int("subscribers", stats.TotalConnections).
					Int("watched_devices", stats.WatchedDevices).
					Int("pending_timers", timerStats.Pending).
					Msg("server statistics")
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("HTTP server stopped")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}

	cancel()
	invalidator.Wait()
	log.Info().Msg("device map server stopped")
}
