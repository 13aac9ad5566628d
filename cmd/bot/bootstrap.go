package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"ml-trading-bot/internal/account"
	"ml-trading-bot/internal/alert"
	"ml-trading-bot/internal/broker/brokerobs"
	"ml-trading-bot/internal/broker/paper"
	"ml-trading-bot/internal/broker/zerodha"
	"ml-trading-bot/internal/engine"
	"ml-trading-bot/internal/eod"
	"ml-trading-bot/internal/eod/eodobs"
	"ml-trading-bot/internal/features"
	"ml-trading-bot/internal/interfaces"
	"ml-trading-bot/internal/journal"
	"ml-trading-bot/internal/ledger"
	"ml-trading-bot/internal/logger"
	"ml-trading-bot/internal/metrics"
	"ml-trading-bot/internal/model"
	"ml-trading-bot/internal/model/modelobs"
	"ml-trading-bot/internal/orders"
	"ml-trading-bot/internal/server"
	"ml-trading-bot/internal/store"
	"ml-trading-bot/internal/trace"
	"ml-trading-bot/internal/tradelog"
	"ml-trading-bot/internal/types"
)

// initializeSystem loads .env and starts the logger and tracer
func initializeSystem() error {
	_ = godotenv.Load()

	if err := logger.Init(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	if err := trace.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize tracer: %v\n", err)
	}
	return nil
}

func loadConfig(ctx context.Context, path string) (*store.Config, error) {
	cfg, err := store.LoadConfig(path)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to load config", err, "path", path)
		return nil, err
	}
	return cfg, nil
}

// openLedger opens the configured trade store and loads the ledger from it.
func openLedger(ctx context.Context, cfg *store.Config, tlog *tradelog.Log) (*ledger.Ledger, func(), error) {
	var (
		st      ledger.Store
		closeFn = func() {}
	)
	switch cfg.Ledger.Store {
	case "MYSQL":
		gs, err := ledger.OpenMySQL(cfg.Ledger.DSN)
		if err != nil {
			return nil, closeFn, fmt.Errorf("ledger mysql: %w", err)
		}
		st = gs
		closeFn = func() { _ = gs.Close() }
		logger.Info(ctx, "Ledger backed by MYSQL")
	default:
		st = ledger.NewFileStore(tlog)
		logger.Info(ctx, "Ledger backed by trade log files", "dir", tlog.Dir())
	}

	led := ledger.New(st, cfg.Risk.StartingEquity)
	if err := led.Load(ctx); err != nil {
		closeFn()
		return nil, func() {}, fmt.Errorf("ledger load: %w", err)
	}
	return led, closeFn, nil
}

// restoreBook starts the account book at the ledger's equity. Cooldowns come
// from the last account snapshot; positions and reservations are rebuilt by
// order recovery.
func restoreBook(j *journal.Journal, equity float64) (*account.Book, error) {
	snap, err := j.LoadAccount()
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return account.NewBook(equity), nil
	}
	st := account.NewBook(equity).Snapshot()
	for sym, at := range snap.LastClose {
		st.LastClose[sym] = at
	}
	return account.Restore(st), nil
}

// initializeBroker returns the execution venue for cfg.Mode wrapped with
// observability, and the candle source the features read from.
func initializeBroker(ctx context.Context, cfg *store.Config) (interfaces.Broker, interfaces.CandleSource, error) {
	var brk interfaces.Broker
	switch cfg.Mode {
	case "LIVE":
		z, err := zerodha.NewZerodha(zerodha.Params{
			APIKey:      os.Getenv("KITE_API_KEY"),
			AccessToken: os.Getenv("KITE_ACCESS_TOKEN"),
			Exchange:    cfg.Exchange,
			Product:     cfg.Product,
		})
		if err != nil {
			return nil, nil, err
		}
		brk = z
		logger.Warn(ctx, "Running in LIVE mode - orders go to Zerodha")
	default:
		brk = paper.New(paper.Config{
			StartingEquity: cfg.Risk.StartingEquity,
			FillDelay:      cfg.Paper.FillDelay,
			PartialFills:   cfg.Paper.PartialFills,
			Slippage:       cfg.Paper.Slippage,
			LotSize:        cfg.Risk.LotSize,
		})
		logger.Info(ctx, "Running in PAPER mode - orders are simulated")
	}
	brk = brokerobs.Wrap(brk)

	var candles interfaces.CandleSource
	if cfg.Data.Source == "LIVE" {
		cs, ok := brk.(interfaces.CandleSource)
		if !ok {
			return nil, nil, errors.New("data.source LIVE needs mode LIVE")
		}
		candles = cs
		logger.Info(ctx, "Using LIVE candle data from Zerodha")
	} else {
		candles = features.NewStaticCandles(cfg.Data.BasePrice, cfg.Data.Seed, nil)
		logger.Info(ctx, "Using STATIC mock candle data for testing")
	}
	return brk, candles, nil
}

// initializeModels loads both predictors with observability
func initializeModels(ctx context.Context, cfg *store.Config) (interfaces.Classifier, interfaces.Regressor, func(), error) {
	clf, reg, closeFn, err := model.Load(cfg.Model)
	if err != nil {
		return nil, nil, closeFn, err
	}
	logger.Info(ctx, "Models loaded", "kind", cfg.Model.Kind, "version", cfg.Model.Version)
	return modelobs.WrapClassifier(clf), modelobs.WrapRegressor(reg), closeFn, nil
}

// initializeAlerts always logs alerts and keeps recent ones for the status
// server; Kafka is added when brokers are configured.
func initializeAlerts(ctx context.Context, cfg *store.Config) (alert.Sink, *alert.Memory, func()) {
	mem := &alert.Memory{}
	sinks := []alert.Sink{alert.LogSink{}, mem}
	closeFn := func() {}
	if len(cfg.Alerts.KafkaBrokers) > 0 {
		k, err := alert.NewKafkaSink(cfg.Alerts.KafkaBrokers, cfg.Alerts.KafkaTopic)
		if err != nil {
			logger.Warn(ctx, "Kafka alerts disabled", "error", err)
		} else {
			sinks = append(sinks, k)
			closeFn = func() { _ = k.Close() }
			logger.Info(ctx, "Publishing alerts to Kafka", "topic", cfg.Alerts.KafkaTopic)
		}
	}
	return alert.Fanout(sinks...), mem, closeFn
}

func initializeMetrics() (*prometheus.Registry, *metrics.Recorder) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewRecorder(reg)
}

// initializeEOD installs the observable summarizer as the package default.
func initializeEOD(tlog *tradelog.Log, cfg *store.Config) (eod.IEodSummarizer, error) {
	s, err := eod.NewSummarizer(tlog, cfg.EOD.At)
	if err != nil {
		return nil, err
	}
	s = eodobs.Wrap(s)
	eod.SetDefaultSummarizer(s)
	return s, nil
}

// runBot wires every component, recovers in-flight state and runs the engine
// until ctx is cancelled or a fatal error occurs.
func runBot(ctx context.Context, cfgPath string) error {
	cfg, err := loadConfig(ctx, cfgPath)
	if err != nil {
		return err
	}
	logger.Info(ctx, "Starting trading bot", "version", version, "mode", cfg.Mode, "universe", cfg.Universe)

	tlog := tradelog.New(tradelog.Dir())
	summarizer, err := initializeEOD(tlog, cfg)
	if err != nil {
		return err
	}

	j, err := journal.Open(cfg.State.Dir)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	defer j.Close()

	led, closeLedger, err := openLedger(ctx, cfg, tlog)
	if err != nil {
		return err
	}
	defer closeLedger()

	book, err := restoreBook(j, led.Equity())
	if err != nil {
		return err
	}

	clf, reg, closeModels, err := initializeModels(ctx, cfg)
	defer closeModels()
	if err != nil {
		return err
	}

	brk, candles, err := initializeBroker(ctx, cfg)
	if err != nil {
		return err
	}

	alerts, recent, closeAlerts := initializeAlerts(ctx, cfg)
	defer closeAlerts()
	registry, rec := initializeMetrics()

	mgr := orders.New(orders.ConfigFrom(cfg.Execution), brk, book, led, j,
		orders.WithObserver(rec),
		orders.WithAlerts(alerts),
	)

	if err := brk.Start(ctx, cfg.Universe); err != nil {
		return fmt.Errorf("broker start: %w", err)
	}
	defer brk.Stop(context.Background())

	if err := mgr.Recover(ctx); err != nil {
		if errors.Is(err, types.ErrStateCorrupt) {
			_ = alerts.Alert(ctx, alert.Alert{
				Time:     time.Now(),
				Severity: alert.Critical,
				Kind:     alert.KindStateCorrupt,
				Message:  "order journal is corrupt; refusing to trade",
				Fields:   map[string]any{"error": err.Error(), "dir": cfg.State.Dir},
			})
		}
		return fmt.Errorf("recovery: %w", err)
	}

	eng, err := engine.New(cfg, engine.Deps{
		Features:   features.NewSource(candles, cfg.Data.Candles),
		Classifier: clf,
		Regressor:  reg,
		Broker:     brk,
		Orders:     mgr,
		Book:       book,
		Ledger:     led,
		Alerts:     alerts,
		Observer:   rec,
		EOD:        summarizer,
		TradeLog:   tlog,
	})
	if err != nil {
		return err
	}

	srv := server.New(cfg.Metrics.Listen, server.Sources{
		Gatherer:  registry,
		Summary:   led,
		Positions: mgr,
		Alerts:    recent,
	})
	srv.Start(ctx)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Stop(sctx); err != nil {
			logger.Warn(ctx, "Status server shutdown failed", "error", err)
		}
	}()

	err = eng.Run(ctx)
	logger.Info(context.WithoutCancel(ctx), "Trading bot stopped", "summary", led.Summary())
	return err
}
