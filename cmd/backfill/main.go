package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"perpcore/internal/backfill"
	"perpcore/internal/config"
	"perpcore/internal/control"
	"perpcore/internal/exchange"
	"perpcore/internal/logging"
	"perpcore/internal/store"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/perpcore.yaml", "Path to configuration file")
	interval := flag.String("interval", "1m", "Candle timeframe to backfill")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("backfill version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.NewLoggerFromString(cfg.System.LogLevel, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger.Info("Starting backfill",
		"version", version, "symbol", cfg.App.Symbol, "interval", *interval)

	st, err := store.Open(cfg.DB.DSN(), logger)
	if err != nil {
		logger.Fatal("Store open failed", "error", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := st.EnsureSchema(ctx); err != nil {
		logger.Fatal("Schema migration failed", "error", err)
	}

	exch := exchange.New(&cfg.Exchange, logger)
	runner := backfill.NewRunner(cfg.Control, cfg.App.Symbol, *interval,
		st, exch, control.NewToggles(cfg.Control), logger, nil)

	if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("Backfill run failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Backfill finished")
}
