package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/marketbeam/tickstore/internal/alert"
	"github.com/marketbeam/tickstore/internal/backfill"
	"github.com/marketbeam/tickstore/internal/broker"
	"github.com/marketbeam/tickstore/internal/candle"
	"github.com/marketbeam/tickstore/internal/config"
	"github.com/marketbeam/tickstore/internal/interval"
	"github.com/marketbeam/tickstore/internal/logger"
	"github.com/marketbeam/tickstore/internal/metrics"
	"github.com/marketbeam/tickstore/internal/notifier"
	"github.com/marketbeam/tickstore/internal/pricecache"
	"github.com/marketbeam/tickstore/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zlog, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zlog.Sync()
	zlog.Infow("starting tickstore",
		"instruments", cfg.Instruments, "granularities", cfg.Granularities, "backend", cfg.Backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		zlog.Infow("received signal, shutting down", "signal", sig)
		cancel()
	}()

	reg := prometheus.NewRegistry()
	mets := metrics.NewWithRegistry(reg)
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(reg)}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Errorw("metrics server failed", "error", err)
		}
	}()

	durable, err := openDurable(cfg, zlog)
	if err != nil {
		zlog.Fatalw("failed to open durable backend", "backend", cfg.Backend, "error", err)
	}

	var alerter store.Alerter = alert.Nop{}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		alerter = alert.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)
	}

	st := store.New(store.Config{
		Durable:        durable,
		HotWindow:      cfg.HotWindow,
		PersistTimeout: cfg.PersistTimeout,
		Metrics:        mets,
		Logger:         zlog,
		Alerter:        alerter,
	})
	if err := st.Rehydrate(ctx); err != nil {
		zlog.Fatalw("failed to rehydrate hot cache", "error", err)
	}

	prices := pricecache.New()
	bus := notifier.New(mets, zlog)

	// Trace subscriber: keeps an audit trail of finalized candles in the log.
	sub, err := bus.Subscribe("trace", cfg.NotifierBuffer)
	if err != nil {
		zlog.Fatalw("failed to subscribe trace consumer", "error", err)
	}
	go func() {
		for ev := range sub.Events() {
			if ev.Kind != notifier.KindCandleFinalized {
				continue
			}
			zlog.Debugw("candle finalized",
				"instrument", ev.Candle.Instrument,
				"granularity", ev.Candle.Granularity,
				"bucket", ev.Candle.BucketStart,
				"close", ev.Candle.Close,
				"volume", ev.Candle.Volume)
		}
	}()

	var targets []interval.Granularity
	for _, g := range cfg.Granularities {
		if g != interval.Base {
			targets = append(targets, g)
		}
	}
	consolidator, err := candle.NewConsolidator(candle.ConsolidatorConfig{
		Base:    interval.Base,
		Targets: targets,
		Store:   st,
		Events:  bus,
		Metrics: mets,
		Logger:  zlog,
	})
	if err != nil {
		zlog.Fatalw("failed to build consolidator", "error", err)
	}

	aggregator, err := candle.NewAggregator(candle.AggregatorConfig{
		Base:    interval.Base,
		Store:   st,
		Prices:  prices,
		Events:  bus,
		Rollup:  consolidator,
		Metrics: mets,
		Logger:  zlog,
	})
	if err != nil {
		zlog.Fatalw("failed to build aggregator", "error", err)
	}

	wallex := broker.NewWallex(cfg.WallexAPIKey, zlog)

	var backfiller *backfill.Service
	if cfg.EnableBackfill {
		backfiller, err = backfill.New(backfill.Config{
			Instruments: cfg.Instruments,
			Broker:      wallex,
			Filler:      consolidator,
			Store:       st,
			FetchCycle:  cfg.FetchCycle,
			ColdStart:   cfg.ColdStart,
			Logger:      zlog,
		})
		if err != nil {
			zlog.Fatalw("failed to build backfill service", "error", err)
		}
		backfiller.Start(ctx)
	}

	streamErr := make(chan error, 1)
	go func() {
		streamErr <- wallex.StreamLive(ctx, cfg.Instruments, func(tick candle.Tick) {
			if err := aggregator.Ingest(ctx, tick); err != nil {
				// Malformed and out-of-order ticks are already logged and
				// counted inside the aggregator.
				return
			}
		})
	}()

	select {
	case <-ctx.Done():
	case err := <-streamErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			zlog.Errorw("live stream terminated", "error", err)
		}
		cancel()
	}

	// Drain: finalize pending candles, stop services, flush the store.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if backfiller != nil {
		backfiller.Stop()
	}
	aggregator.FlushAll(shutdownCtx)
	for _, instrument := range cfg.Instruments {
		consolidator.Flush(shutdownCtx, instrument)
	}
	bus.Close()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		zlog.Warnw("metrics server shutdown failed", "error", err)
	}
	if err := st.Close(shutdownCtx); err != nil {
		zlog.Warnw("store close failed", "error", err)
	}
	zlog.Infow("tickstore stopped")
}

func openDurable(cfg config.Config, zlog *zap.SugaredLogger) (store.Durable, error) {
	switch cfg.Backend {
	case "postgres":
		return store.NewPostgres(cfg.DBConnStr)
	case "memory":
		return store.NewMemory(), nil
	default:
		return store.NewFileLog(cfg.DataDir, zlog)
	}
}
