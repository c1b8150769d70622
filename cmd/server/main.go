// Package main is the entry point for the perpetuals trading orchestrator:
// market-data fan-out, event-driven triggers, per-account reasoning loops,
// and the venue execution path, wired together behind one process.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/atlas-desktop/perp-orchestrator/internal/api"
	"github.com/atlas-desktop/perp-orchestrator/internal/config"
	"github.com/atlas-desktop/perp-orchestrator/internal/evaluation"
	"github.com/atlas-desktop/perp-orchestrator/internal/events"
	"github.com/atlas-desktop/perp-orchestrator/internal/execution"
	"github.com/atlas-desktop/perp-orchestrator/internal/indicators"
	"github.com/atlas-desktop/perp-orchestrator/internal/journal"
	"github.com/atlas-desktop/perp-orchestrator/internal/marketdata"
	"github.com/atlas-desktop/perp-orchestrator/internal/metrics"
	"github.com/atlas-desktop/perp-orchestrator/internal/monitor"
	"github.com/atlas-desktop/perp-orchestrator/internal/portfolio"
	"github.com/atlas-desktop/perp-orchestrator/internal/router"
	"github.com/atlas-desktop/perp-orchestrator/internal/secrets"
	"github.com/atlas-desktop/perp-orchestrator/internal/storage"
	"github.com/atlas-desktop/perp-orchestrator/internal/venue"
	"github.com/atlas-desktop/perp-orchestrator/internal/workers"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	envFile := flag.String("env-file", "", "Path to a .env file (optional)")
	configFile := flag.String("config", "", "Path to a config file (optional)")
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*envFile, *configFile)
	if err != nil {
		panic(err)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := setupLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("Starting perp orchestrator",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("dbPath", cfg.DBPath),
		zap.Bool("paperTrading", cfg.PaperTrading),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()

	masterKey, err := loadMasterKey(cfg.MasterKeyFile)
	if err != nil {
		logger.Fatal("Failed to load master key", zap.Error(err))
	}
	secretStore, err := secrets.New(logger, db, masterKey)
	if err != nil {
		logger.Fatal("Failed to initialize secret store", zap.Error(err))
	}

	mx := metrics.New()
	go mx.Serve(ctx, logger, cfg.MetricsPort)

	venueClient := venue.New(logger, cfg.VenueHTTPBaseURL)

	hub := marketdata.New(logger, cfg.VenueWSURL).WithMetrics(mx)
	go hub.Run(ctx)

	engine := indicators.New()
	snapshotPath := filepath.Join(cfg.DataDir, "indicators.msgpack")
	if err := engine.LoadSnapshot(snapshotPath); err != nil {
		logger.Warn("Indicator warm-restart snapshot unreadable, starting cold", zap.Error(err))
	}
	for _, symbol := range cfg.Symbols {
		go feedCandles(ctx, logger, hub, engine, symbol, cfg.CandleInterval)
	}
	go persistIndicators(ctx, logger, engine, snapshotPath)

	bus := events.NewBus(logger)

	providers := make([]router.Provider, 0, len(cfg.ReasoningProviders))
	for _, p := range cfg.ReasoningProviders {
		providers = append(providers, router.NewHTTPProvider(p.Name, p.BaseURL, p.APIKeyEnv, p.Model))
	}
	reasoningRouter := router.New(logger, db, providers).WithMetrics(mx)

	portfolioMgr := portfolio.New(logger, db)
	capital := capitalSource{repo: db, venue: venueClient}
	sizer := portfolio.NewSizer(logger, db, engine, capital)

	snapshotter := journal.NewSnapshotter(logger, portfolioMgr, capital, db, db).WithMetrics(mx)
	go snapshotter.Run(ctx, cfg.SnapshotInterval)

	evaluator := evaluation.NewEvaluator(logger, engine, db)
	executor := execution.New(logger, venueClient, portfolioMgr, sizer, secretStore, db, snapshotter, evaluator).WithMetrics(mx)

	manager := monitor.New(ctx, logger, venueClient, reasoningRouter, executor, db, engine, bus).WithMetrics(mx)
	if err := manager.RestoreAll(ctx); err != nil {
		logger.Error("Monitor restore failed", zap.Error(err))
	}

	aggregator := evaluation.NewAggregator(logger, db, workers.New(logger, 0))
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.DailyAggregationCron, func() {
		if err := aggregator.RunDaily(ctx); err != nil {
			logger.Error("Daily aggregation failed", zap.Error(err))
		}
	}); err != nil {
		logger.Fatal("Bad aggregation schedule", zap.Error(err))
	}
	if bucket := os.Getenv("SNAPSHOT_ARCHIVE_BUCKET"); bucket != "" {
		archiver, err := journal.NewArchiver(ctx, logger, db, journal.ArchiverConfig{
			Bucket:    bucket,
			Prefix:    os.Getenv("SNAPSHOT_ARCHIVE_PREFIX"),
			Region:    os.Getenv("SNAPSHOT_ARCHIVE_REGION"),
			Endpoint:  os.Getenv("SNAPSHOT_ARCHIVE_ENDPOINT"),
			AccessKey: os.Getenv("SNAPSHOT_ARCHIVE_ACCESS_KEY"),
			SecretKey: os.Getenv("SNAPSHOT_ARCHIVE_SECRET_KEY"),
		})
		if err != nil {
			logger.Fatal("Failed to initialize snapshot archiver", zap.Error(err))
		}
		if _, err := scheduler.AddFunc("30 4 * * *", func() {
			if err := archiver.ArchiveExpired(ctx); err != nil {
				logger.Error("Snapshot archival failed", zap.Error(err))
			}
		}); err != nil {
			logger.Fatal("Bad archival schedule", zap.Error(err))
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	bridge := marketdata.NewBridge(logger, hub)
	server := api.NewServer(logger, api.ServerConfig{Host: cfg.Host, Port: cfg.Port},
		executor, manager, journal.NewService(logger, db), reasoningRouter, db, venueClient, secretStore,
		bridge, db.HealthCheck)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		logger.Error("API server exited", zap.Error(err))
	}

	cancel()
	manager.StopAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}
	if err := engine.SaveSnapshot(snapshotPath); err != nil {
		logger.Error("Failed to persist indicator snapshot", zap.Error(err))
	}

	logger.Info("Server stopped")
}

// feedCandles pipes one symbol's candle stream from the hub into the
// indicator engine for the life of the process.
func feedCandles(ctx context.Context, logger *zap.Logger, hub *marketdata.Hub, engine *indicators.Engine, symbol, interval string) {
	handle, err := hub.Subscribe(marketdata.ChannelCandle, symbol, interval)
	if err != nil {
		logger.Error("Candle subscription failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	defer handle.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-handle.Frames():
			if !ok {
				return
			}
			if frame.Candle != nil {
				engine.OnCandle(frame.Candle)
			}
		}
	}
}

// persistIndicators checkpoints the ring buffers every five minutes so a
// restart resumes warm.
func persistIndicators(ctx context.Context, logger *zap.Logger, engine *indicators.Engine, path string) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := engine.SaveSnapshot(path); err != nil {
				logger.Warn("Indicator snapshot failed", zap.Error(err))
			}
		}
	}
}

// capitalSource reports an account's venue-side account value, shared by
// the snapshotter and the position sizer.
type capitalSource struct {
	repo  *storage.DB
	venue *venue.Client
}

func (c capitalSource) TotalCapital(ctx context.Context, accountID string) (decimal.Decimal, error) {
	account, err := c.repo.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	state, err := c.venue.UserState(ctx, account.MainWalletAddress)
	if err != nil {
		return decimal.Zero, err
	}
	return state.AccountValue, nil
}

// loadMasterKey reads the process master key: 32 raw bytes or 64 hex
// characters. A missing or malformed key is fatal at startup.
func loadMasterKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(raw))
	if len(trimmed) == 2*secrets.MasterKeySize {
		if key, err := hex.DecodeString(trimmed); err == nil {
			return key, nil
		}
	}
	if len(raw) == secrets.MasterKeySize {
		return raw, nil
	}
	return nil, os.ErrInvalid
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
