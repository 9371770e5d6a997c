package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/fieldline/upsertd/internal/config"
	"github.com/fieldline/upsertd/internal/coordinator"
	"github.com/fieldline/upsertd/internal/health"
	"github.com/fieldline/upsertd/internal/kvstore"
	"github.com/fieldline/upsertd/internal/metrics"
	"github.com/fieldline/upsertd/internal/queue"
	"github.com/fieldline/upsertd/internal/resolver"
	"github.com/fieldline/upsertd/internal/server"
	"github.com/fieldline/upsertd/internal/updatelog"
	"github.com/fieldline/upsertd/internal/updater"
	"github.com/fieldline/upsertd/internal/watermark"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	instanceID := fmt.Sprintf("%s-%s", cfg.Server.NodeID, uuid.NewString()[:8])
	logger.Info("Starting upsertd",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("instance_id", instanceID),
		zap.String("input_topic", cfg.Input.Topic),
		zap.String("output_topic", cfg.Output.Topic))

	if err := os.MkdirAll(cfg.Server.DataDir, 0755); err != nil {
		logger.Fatal("Failed to create data directory", zap.Error(err))
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// Key-context store
	kv, err := kvstore.NewPebbleDB(&kvstore.PebbleConfig{
		Dir:         cfg.KVStore.DataDir,
		SyncWrites:  cfg.KVStore.SyncWrites,
		CacheSizeMB: cfg.KVStore.CacheSizeMB,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to open key-context store", zap.Error(err))
	}
	defer kv.Close()

	// Input and output log clients
	consumer := queue.NewKafkaConsumer(&queue.KafkaConsumerConfig{
		Brokers:       cfg.Input.Brokers,
		Topic:         cfg.Input.Topic,
		GroupID:       cfg.Input.GroupID,
		MinBytes:      cfg.Input.MinBytes,
		MaxBytes:      cfg.Input.MaxBytes,
		QueueCapacity: cfg.Input.QueueCapacity,
	}, logger.Named("input"))
	defer consumer.Close()

	producer := queue.NewKafkaProducer(&queue.KafkaProducerConfig{
		Brokers:      cfg.Output.Brokers,
		BatchSize:    cfg.Output.BatchSize,
		BatchTimeout: cfg.Output.BatchTimeout,
		ClientID:     instanceID,
	}, logger.Named("output"))
	defer producer.Close()

	// Coordinator
	coord, err := coordinator.New(&coordinator.Config{
		OutputTopic:          cfg.Output.Topic,
		OutputPartitions:     cfg.Output.Partitions,
		FetchDelay:           cfg.Coordinator.FetchMsgDelay,
		FetchMaxDelay:        cfg.Coordinator.FetchMsgMaxDelay,
		FetchMaxBatchSize:    cfg.Coordinator.FetchMsgMaxBatchSize,
		QueueSize:            cfg.Coordinator.ConsumerBlockingQueueSize,
		OutputAckTimeout:     cfg.Coordinator.OutputAckTimeout,
		ConsumerRetryBackoff: cfg.Coordinator.ConsumerRetryBackoff,
		TerminationWait:      cfg.Coordinator.TerminationWait,
	}, consumer, producer, kv, resolver.NewTimestampResolver(), m, logger.Named("coordinator"))
	if err != nil {
		logger.Fatal("Failed to construct coordinator", zap.Error(err))
	}

	// Segment side: watermarks, durable update log, optional updater
	watermarks := watermark.NewManager(m.WatermarkOffset, logger.Named("watermark"))

	updateLogStore, err := updatelog.NewStore(&updatelog.Config{
		Dir:        cfg.UpdateLog.DataDir,
		SyncWrites: cfg.UpdateLog.SyncWrites,
	}, logger.Named("updatelog"))
	if err != nil {
		logger.Fatal("Failed to open update log store", zap.Error(err))
	}
	defer updateLogStore.Close()

	var segmentUpdater *updater.SegmentUpdater
	var segmentRegistry server.SegmentRegistry
	if cfg.Updater.Enabled {
		updaterConsumer := queue.NewKafkaConsumer(&queue.KafkaConsumerConfig{
			Brokers: cfg.Output.Brokers,
			Topic:   cfg.Output.Topic,
			GroupID: cfg.Updater.GroupID,
		}, logger.Named("updater-input"))
		defer updaterConsumer.Close()

		segmentUpdater = updater.New(&updater.Config{
			Workers:      cfg.Updater.Workers,
			QueueSize:    cfg.Updater.QueueSize,
			PollMaxWait:  cfg.Updater.PollMaxWait,
			RetryBackoff: cfg.Updater.RetryBackoff,
		}, updaterConsumer, updateLogStore, m, logger.Named("updater"))
		segmentRegistry = segmentUpdater
	}

	// Probes and admin surface
	checker := health.NewChecker(&health.Config{
		NodeID:   cfg.Server.NodeID,
		DataDir:  cfg.Server.DataDir,
		Interval: cfg.Health.CheckInterval,
	}, func() string { return coord.State().String() }, logger.Named("health"))

	healthCtx, stopHealth := context.WithCancel(context.Background())
	go checker.Start(healthCtx)

	var adminServer *server.AdminServer
	if cfg.Metrics.Enabled {
		adminServer = server.NewAdminServer(&server.AdminConfig{
			Port:        cfg.Metrics.Port,
			MetricsPath: cfg.Metrics.Path,
		}, checker, watermarks, segmentRegistry, registry, logger.Named("admin"))
		adminServer.Start()
	}

	grpcServer := server.NewGRPCServer(&server.GRPCConfig{Port: cfg.Health.GRPCPort}, logger.Named("grpc"))
	if err := grpcServer.Start(); err != nil {
		logger.Fatal("Failed to start gRPC health server", zap.Error(err))
	}

	// Run
	if err := coord.Start(); err != nil {
		logger.Fatal("Failed to start coordinator", zap.Error(err))
	}
	if segmentUpdater != nil {
		if err := segmentUpdater.Start(); err != nil {
			logger.Fatal("Failed to start segment updater", zap.Error(err))
		}
	}
	grpcServer.SetServing("", true)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutdown signal received", zap.String("signal", sig.String()))

	// Ordered shutdown: stop taking work, drain loops, then close servers
	grpcServer.SetServing("", false)
	coord.Stop()
	if segmentUpdater != nil {
		segmentUpdater.Stop()
	}
	stopHealth()

	if adminServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := adminServer.Stop(shutdownCtx); err != nil {
			logger.Warn("Admin server shutdown failed", zap.Error(err))
		}
		cancel()
	}
	grpcServer.Stop()

	logger.Info("upsertd stopped")
}

// initLogger builds the process logger from configuration
func initLogger(cfg *config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zapCfg.Level = level
	}
	return zapCfg.Build()
}
