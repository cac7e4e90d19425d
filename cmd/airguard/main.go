package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"airguard/internal/api"
	"airguard/internal/config"
	"airguard/internal/engine"
	"airguard/internal/feed"
	"airguard/internal/ingest"
	"airguard/internal/logging"
	"airguard/internal/metrics"
	"airguard/internal/model"
	"airguard/internal/monitor"
	"airguard/internal/notify"
	"airguard/internal/pipeline"
	"airguard/internal/registry"
	"airguard/internal/storage"
)

var version = "dev"

const (
	reloadInterval = 3 * time.Second
	startupTimeout = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "airguard.yaml", "path to the YAML or JSON config file; empty runs on defaults")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "airguard:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	var (
		source  config.Source
		manager *config.Manager
	)
	if configPath == "" {
		source = config.Static(config.DefaultConfig())
	} else {
		m, err := config.NewManager(config.ResolvePath(configPath))
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		manager, source = m, m
	}
	cfg := source.Get()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics.Init(nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := registry.New()
	reg.Sync(cfg)
	if persisted, err := store.ListStations(ctx); err != nil {
		logger.Warn("restore station liveness failed", "error", err)
	} else {
		reg.Restore(persisted)
	}

	broker := feed.NewBroker(cfg.Feed.Buffer)
	recent := feed.NewRecent(cfg.Feed.RecentLimit)
	publishers := feed.Multi{broker, recent}
	if cfg.Feed.Redis.Enabled {
		client := feed.NewRedisClient(cfg.Feed.Redis)
		defer client.Close()
		pingCtx, cancel := context.WithTimeout(ctx, startupTimeout)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis feed: %w", err)
		}
		redisPub := feed.NewRedisPublisher(client, cfg.Feed.Redis.Channel, cfg.Feed.Buffer, logger)
		go redisPub.Run(ctx)
		publishers = append(publishers, redisPub)
	}

	renderer, err := notify.NewRenderer()
	if err != nil {
		return err
	}
	dispatcher := notify.New(cfg.Notify, store, notify.NewRouterFromConfig(cfg.Notify, logger), renderer, logger,
		notify.WithStations(reg),
	)
	// delivery outlives the signal context so Shutdown can drain it
	dispatcher.Start(context.WithoutCancel(ctx))

	eng := engine.New(cfg, store, logger,
		engine.WithStations(reg),
		engine.WithPublisher(publishers),
		engine.WithNotifier(dispatcher),
	)

	intake := make(chan model.SensorMessage, cfg.Ingest.ChannelBuffer)
	pipe := pipeline.New(source, reg, store, eng, publishers, logger)
	pipe.Start(context.WithoutCancel(ctx))
	go pipe.Run(ctx, intake)

	mon := monitor.New(source, reg, eng, store, logger)
	go mon.Run(ctx)

	ingest.StartREST(ctx, source, intake, logger)
	if _, err := ingest.StartTCPStream(ctx, source, intake, logger); err != nil {
		return fmt.Errorf("tcp stream ingest: %w", err)
	}
	ingest.StartKafka(ctx, source, intake, logger)
	ingest.StartMQTT(ctx, source, intake, logger)

	api.Start(ctx, source, api.Options{
		ConfigPath: configPath,
		Store:      store,
		Engine:     eng,
		Stations:   reg,
		Recent:     recent,
		Stream:     broker,
		Logger:     logger,
		Version:    version,
	})

	stopWatch := make(chan struct{})
	if manager != nil {
		go manager.Watch(reloadInterval, func(next *config.Config) {
			reg.Sync(next)
			eng.UpdateConfig(next)
			logger.Info("config reloaded", "path", manager.Path())
		}, func(err error) {
			logger.Warn("config reload failed, keeping previous config", "error", err)
		}, stopWatch)
	}

	logger.Info("airguard started", "version", version, "storage", cfg.Storage.Driver, "stations", len(cfg.Stations), "rules", len(eng.Rules()))
	<-ctx.Done()
	logger.Info("shutting down")
	close(stopWatch)

	pipe.Close()
	grace := source.Get().Notify.ShutdownGrace
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace+time.Second)
	defer cancel()
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Warn("notification dispatcher shutdown", "error", err)
	}
	logger.Info("stopped")
	return nil
}

// openStore fails startup when the store cannot be initialised or reached;
// the process never runs without persistence.
func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	store, err := storage.NewStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	initCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	if err := store.Init(initCtx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init store: %w", err)
	}
	if err := store.Ping(initCtx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	return store, nil
}
