package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"pricerelay/config"
	"pricerelay/internal/aggregate"
	"pricerelay/internal/channel"
	"pricerelay/internal/metrics"
	"pricerelay/logger"
	"pricerelay/processor"
	"pricerelay/reader"
	"pricerelay/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.ResolvePath(config.DefaultConfigPath), "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Relay.Name,
		"version":     cfg.Relay.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting pricerelay")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)
	}
	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(cfg.Storage.S3.Region, "PriceRelay", cfg.Logging.DashboardName, cfg.Relay.Name)
	}

	if cfg.Metrics.Enabled {
		metrics.Init()
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Address); err != nil {
				log.WithComponent("metrics").WithError(err).Error("metrics server failed")
			}
		}()
	}

	channels := channel.NewChannels(cfg.Channels.AccumulatorBuffer, cfg.Channels.VAABuffer)
	defer channels.Close()

	channels.StartMetricsReporting(ctx)
	if cfg.Metrics.ChannelSize {
		metrics.StartChannelSizeMetrics(ctx, channels, time.Second)
	}

	engine, err := newEngine(cfg)
	if err != nil {
		log.WithError(err).Error("failed to create aggregation engine")
		os.Exit(1)
	}

	readers := make([]*reader.RelayReader, 0, len(cfg.Reader.Endpoints))
	for _, ep := range cfg.Reader.Endpoints {
		readers = append(readers, reader.NewRelayReader(cfg, ep, channels.Frames))
	}

	ingest := processor.NewIngestProcessor(cfg, channels.Frames, engine)

	var archive *writer.ArchiveWriter
	if cfg.Writer.Enabled {
		archive, err = writer.NewArchiveWriter(cfg, engine)
		if err != nil {
			log.WithError(err).Error("failed to create archive writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("archive writer disabled; skipping S3 uploads")
	}

	// Consumers first so no event or frame is produced before they listen.
	if archive != nil {
		if err := archive.Start(ctx); err != nil {
			log.WithError(err).Error("archive writer failed to start")
			os.Exit(1)
		}
	}
	if err := ingest.Start(ctx); err != nil {
		log.WithError(err).Error("ingest processor failed to start")
		os.Exit(1)
	}
	for _, r := range readers {
		if err := r.Start(ctx); err != nil {
			log.WithError(err).Warn("relay reader failed to start")
		}
	}

	go reportReadiness(ctx, log, engine, cfg.Metrics.ReportInterval)

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, r := range readers {
			wg.Add(1)
			go func(r *reader.RelayReader) {
				defer wg.Done()
				r.Stop()
			}(r)
		}
		wg.Wait()

		log.Info("stopping ingest processor")
		ingest.Stop()

		if archive != nil {
			log.Info("stopping archive writer")
			archive.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("pricerelay stopped")
}

func newEngine(cfg *config.Config) (*aggregate.Engine, error) {
	emitter, err := cfg.Aggregate.Emitter()
	if err != nil {
		return nil, err
	}

	opts := aggregate.Options{
		CacheSize:          cfg.Aggregate.CacheSize,
		MaxPending:         cfg.Aggregate.MaxPendingSlots,
		MaxCompleted:       cfg.Aggregate.MaxCompletedSlots,
		ObservedCacheSize:  cfg.Aggregate.ObservedVAACacheSize,
		StalenessThreshold: cfg.Aggregate.StalenessThreshold,
		MaxSlotLag:         cfg.Aggregate.MaxSlotLag,
		PruneRemovedKeys:   cfg.Aggregate.PruneRemovedKeys,
		EmitterChain:       cfg.Aggregate.EmitterChain,
		EmitterAddress:     emitter,
	}
	if len(cfg.Aggregate.GuardianSets) > 0 {
		opts.Verifier = &aggregate.QuorumVerifier{GuardianSets: cfg.Aggregate.GuardianSets}
	}
	return aggregate.NewEngine(opts), nil
}

func reportReadiness(ctx context.Context, log *logger.Log, engine *aggregate.Engine, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ready, r := engine.IsReady()
			entry := log.WithComponent("readiness").WithFields(logger.Fields{
				"ready":                 ready,
				"latest_observed_slot":  r.LatestObservedSlot,
				"latest_completed_slot": r.LatestCompletedSlot,
				"last_completed_at":     r.LastCompletedAt,
				"completed_recently":    r.CompletedRecently,
				"not_behind":            r.NotBehind,
			})
			if !ready {
				entry.Warn("aggregation engine not ready")
				continue
			}
			entry.Debug("aggregation engine ready")
		}
	}
}
