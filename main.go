package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"depthview/config"
	"depthview/internal/dashboard"
	"depthview/internal/metrics"
	"depthview/internal/orderbook"
	"depthview/internal/session"
	"depthview/logger"
	"depthview/models"
	"depthview/reader/binance"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(logger.Options{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Output:  cfg.Logging.Output,
		MaxAge:  cfg.Logging.MaxAge,
		MaxSize: cfg.Logging.MaxSize,
	}); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.App.Name,
		"version":     cfg.App.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting depthview")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	collector := metrics.NewCollector()
	if cfg.Metrics.Prometheus {
		collector.Register()
		defer collector.Unregister()
	}

	if cfg.Metrics.CloudWatch.Enabled {
		cw := cfg.Metrics.CloudWatch
		sink, err := metrics.NewCloudWatchSink(ctx, cw.Region, cw.Namespace, cw.FlushInterval, log)
		if err != nil {
			log.WithError(err).Warn("CloudWatch metrics disabled")
		} else {
			sink.Register()
			defer sink.Unregister()
			wg.Add(1)
			go func() {
				defer wg.Done()
				sink.Run(ctx)
			}()
		}
	}

	store := orderbook.NewStore()
	fetcher := binance.NewSnapshotFetcher(cfg.Binance.REST)
	if _, err := fetcher.LoadLimits(ctx); err != nil {
		log.WithError(err).Warn("failed to fetch request weight limit")
	}
	streamCfg := cfg.Binance.Stream
	newStream := func(pair models.TradingPair, h binance.StreamHandlers) session.Stream {
		return binance.NewStreamClient(streamCfg, pair, h)
	}

	sess := session.New(store, fetcher, newStream, session.OptionsFromConfig(cfg))
	if err := sess.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start order book session")
		os.Exit(1)
	}

	backend := dashboard.Backend{Store: store, Session: sess}
	if cfg.Metrics.Prometheus {
		backend.Metrics = collector.Handler()
	}
	dash, err := dashboard.NewServer(cfg.Dashboard, log, backend)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		os.Exit(1)
	}
	if dash != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dash.Run(ctx, cfg.App.Name); err != nil {
				log.WithError(err).Error("dashboard stopped with error")
				cancel()
			}
		}()
		log.WithComponent("main").WithFields(logger.Fields{"address": dash.Address()}).Info("dashboard enabled")
	} else {
		log.WithComponent("main").Info("dashboard disabled")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-ctx.Done():
	}

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping order book session")
	sess.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("depthview stopped")
}
