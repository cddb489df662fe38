package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"dagonet/internal/audit"
	"dagonet/internal/backtest"
	"dagonet/internal/config"
	"dagonet/internal/db"
	"dagonet/internal/gateway"
	"dagonet/internal/orchestrator"
	"dagonet/internal/qualifier"
	"dagonet/internal/strategy"
)

func main() {
	// Parse CLI flags.
	configPath := flag.String("config", "config.toml", "Path to TOML config file")
	backtestMode := flag.Bool("backtest", false, "Replay logged placements instead of trading")
	backtestFrom := flag.String("from", "", "Backtest start date (YYYY-MM-DD)")
	backtestTo := flag.String("to", "", "Backtest end date (YYYY-MM-DD)")
	flag.Parse()

	// Set up structured logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	slog.Info("dagonet starting")

	// Load configuration. Load also reads MANIFOLD_API_KEY and refuses
	// to start on an invalid config.
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.General.LogLevel),
	})))

	// Initialize database.
	database, err := db.Open(cfg.General.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := db.Migrate(database); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("database initialized", "path", cfg.General.DBPath)

	client := gateway.New(cfg.API)

	// Backtest mode.
	if *backtestMode {
		runner := backtest.NewRunner(database, client, os.Stdout)
		if err := runner.Run(context.Background(), *backtestFrom, *backtestTo); err != nil {
			slog.Error("backtest failed", "error", err)
			os.Exit(1)
		}
		return
	}

	// Graceful shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	// Live mode.
	stream := gateway.NewStream(cfg.API.WebsocketURL, cfg.Stream)
	auditor := audit.New(database, 256)
	defer auditor.Close()
	registry := orchestrator.NewRegistry(cfg.Orchestrator.CounterbetTTL.Duration)

	base := []qualifier.Qualifier{
		qualifier.MarketType{},
		qualifier.NoOwnMarkets{},
		qualifier.NoBots{},
		qualifier.NoSells{},
		qualifier.CreatorIsBettor{},
		qualifier.OptOut{},
		qualifier.LiquidityProvision{},
		qualifier.OtherAnswer{},
	}

	var regs []orchestrator.Registration
	if cfg.Reversion.Enabled {
		regs = append(regs, orchestrator.Registration{
			Strategy: strategy.NewReversion(cfg.Reversion, client),
			Base:     base,
		})
	}
	if cfg.Housekeeping.Enabled {
		housekeeping := strategy.NewHousekeeping(client, cfg.Housekeeping, cfg.API.UserID, func(reason string) {
			slog.Info("shutdown requested", "reason", reason)
			cancel()
		})
		// Housekeeping runs with no base qualifiers.
		regs = append(regs, orchestrator.Registration{Strategy: housekeeping})
	}
	if len(regs) == 0 {
		slog.Error("no strategies enabled")
		os.Exit(1)
	}
	slog.Info("strategies registered", "count", len(regs))

	orch := orchestrator.New(client, stream, regs, registry, auditor, cfg.Orchestrator)
	if err := orch.Run(ctx); err != nil && err != context.Canceled {
		slog.Error("orchestrator error", "error", err)
		os.Exit(1)
	}

	slog.Info("dagonet stopped")
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
