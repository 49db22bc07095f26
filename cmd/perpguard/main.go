package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/skalibog/perpguard/internal/analysis/aggregator"
	"github.com/skalibog/perpguard/internal/api"
	"github.com/skalibog/perpguard/internal/config"
	"github.com/skalibog/perpguard/internal/events"
	"github.com/skalibog/perpguard/internal/exchange"
	"github.com/skalibog/perpguard/internal/pipeline"
	"github.com/skalibog/perpguard/internal/risk"
	"github.com/skalibog/perpguard/internal/storage"
	"github.com/skalibog/perpguard/internal/strategy"
	"github.com/skalibog/perpguard/internal/stream"
	"github.com/skalibog/perpguard/internal/ui"
	"github.com/skalibog/perpguard/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Options{
		Level:    cfg.Log.Level,
		File:     cfg.Log.File,
		JSONFile: cfg.Log.JSONFile,
		Console:  cfg.Log.Console && !cfg.UI.Enabled,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, stop, cfg); err != nil {
		logger.Error("Stopped with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func run(ctx context.Context, stop context.CancelFunc, cfg *config.Config) error {
	logger.Info("Starting perpguard", zap.Strings("markets", cfg.Markets))

	client := exchange.NewBinanceClient(cfg.Exchange)
	source := exchange.NewBinanceSource(cfg.Exchange, client)
	mux := stream.NewMultiplexer(stream.NewUpstream(source), cfg.Stream, cfg.Options)

	agg, err := aggregator.New(cfg.Options.CompositeWeights)
	if err != nil {
		return fmt.Errorf("aggregator: %w", err)
	}

	guard, err := risk.NewGuard(cfg.Options, cfg.Risk, decimal.NewFromFloat(cfg.Risk.InitialBalance))
	if err != nil {
		return fmt.Errorf("risk guard: %w", err)
	}

	var store storage.Storage
	if cfg.Storage.Enabled {
		influx, err := storage.NewInfluxDBStorage(ctx, cfg.Storage)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		defer influx.Close()
		store = influx
	}

	sinks := []events.Sink{events.LogSink{}}
	if store != nil {
		sinks = append(sinks, events.NewStorageSink(store))
	}
	if cfg.Events.Kafka.Enabled {
		kafkaSink, err := events.NewKafkaSink(cfg.Events.Kafka)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		sinks = append(sinks, kafkaSink)
	}
	dispatcher := events.NewDispatcher(sinks...)
	defer func() {
		if err := dispatcher.Close(); err != nil {
			logger.Warn("Failed to close event sinks", zap.Error(err))
		}
	}()

	sup := pipeline.NewSupervisor(mux, agg, guard, cfg.Signals)
	defer sup.Stop()
	for _, m := range cfg.Markets {
		if err := sup.Add(ctx, m); err != nil {
			return err
		}
	}

	recorder := pipeline.NewRecorder(agg, store, cfg.Storage.RecordInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx, guard.Events()) })
	g.Go(func() error { return recorder.Run(gctx) })

	if cfg.API.Enabled {
		server := api.NewServer(api.NewHandler(api.Deps{
			Scores:     agg,
			Connection: mux,
			Risk:       guard,
			Markets:    sup,
			Store:      store,
			Strategy:   cfg.Strategy,
		}), cfg.API)
		g.Go(func() error { return server.Run(gctx) })
	}

	if cfg.UI.Enabled {
		dashboard := ui.NewTermUI(cfg.UI, ui.Deps{
			Ranker:     agg,
			Stats:      mux,
			Account:    guard,
			Resetter:   mux,
			Thresholds: strategy.ThresholdsFrom(cfg.Strategy),
		})
		g.Go(func() error {
			defer stop()
			return dashboard.Run(gctx)
		})
	}

	return g.Wait()
}
