package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"perpcore/internal/adaptive"
	"perpcore/internal/alert"
	"perpcore/internal/config"
	"perpcore/internal/exchange"
	"perpcore/internal/fillwatcher"
	"perpcore/internal/logging"
	"perpcore/internal/reconcile"
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
		fmt.Printf("fill_watcher version %s (built %s)\n", version, buildTime)
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
	logger.Info("Starting fill_watcher", "version", version, "symbol", cfg.App.Symbol)

	tel, err := telemetry.Setup("fill_watcher")
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

	alerter := alert.NewManager(logger)
	if cfg.Telegram.Enabled() {
		alerter.AddChannel(alert.NewTelegramChannel(cfg.Telegram))
	}
	defer alerter.Stop()

	layers := adaptive.NewLayers(ctx, &cfg.Adaptive, st, logger, nil)
	recon := reconcile.NewReconciler(&cfg.Watcher, st, exch, alerter, logger, nil)
	watcher := fillwatcher.NewWatcher(&cfg.Watcher, &cfg.Manager, cfg.App.Symbol,
		st, exch, recon, alerter, layers, logger, nil)

	if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("Fill watcher exited with error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Telemetry shutdown failed", "error", err)
	}
	logger.Info("Fill watcher stopped")
}
