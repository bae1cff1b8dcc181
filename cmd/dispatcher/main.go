package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"perpcore/internal/config"
	"perpcore/internal/dispatch"
	"perpcore/internal/exchange"
	"perpcore/internal/llm"
	"perpcore/internal/logging"
	"perpcore/internal/reconcile"
	"perpcore/internal/snapshot"
	"perpcore/internal/store"
	"perpcore/pkg/telemetry"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/perpcore.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("dispatcher version %s (built %s)\n", version, buildTime)
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
	logger.Info("Starting dispatcher", "version", version, "symbol", cfg.App.Symbol)

	tel, err := telemetry.Setup("dispatcher")
	if err != nil {
		logger.Fatal("Telemetry setup failed", "error", err)
	}
	if cfg.Telemetry.EnableMetrics {
		tel.ServeMetrics(cfg.Telemetry.MetricsPort)
	}

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
	snaps := snapshot.NewBuilder(st, exch, nil, logger, nil)
	recon := reconcile.NewReconciler(&cfg.Watcher, st, exch, nil, logger, nil)
	client := llm.NewClient(&cfg.LLM, logger)
	gate := llm.NewGate(&cfg.LLM, st, logger, nil)

	d := dispatch.NewDispatcher(cfg.Telegram, cfg.App.Symbol, st, exch,
		snaps, recon, client, gate, logger, nil)
	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("Dispatcher exited with error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Telemetry shutdown failed", "error", err)
	}
	logger.Info("Dispatcher stopped")
}
