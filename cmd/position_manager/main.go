package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"perpcore/internal/adaptive"
	"perpcore/internal/alert"
	"perpcore/internal/compliance"
	"perpcore/internal/config"
	"perpcore/internal/control"
	"perpcore/internal/decision"
	"perpcore/internal/events"
	"perpcore/internal/exchange"
	"perpcore/internal/llm"
	"perpcore/internal/logging"
	"perpcore/internal/market"
	"perpcore/internal/position"
	"perpcore/internal/safety"
	"perpcore/internal/snapshot"
	"perpcore/internal/store"
	"perpcore/pkg/telemetry"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/perpcore.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("position_manager version %s (built %s)\n", version, buildTime)
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
	logger.Info("Starting position_manager",
		"version", version, "symbol", cfg.App.Symbol, "live", cfg.App.Live())

	tel, err := telemetry.Setup("position_manager")
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
	stream := exchange.NewTickerStream(cfg.Exchange.WSURL, cfg.App.Symbol, logger)
	stream.Start()
	defer stream.Stop()

	marketCache := market.NewCache(exch,
		time.Duration(cfg.Compliance.MarketInfoTTLSec)*time.Second, logger, nil)
	ecl := compliance.NewLayer(&cfg.Compliance, marketCache, st, logger, nil)

	alerter := alert.NewManager(logger)
	if cfg.Telegram.Enabled() {
		alerter.AddChannel(alert.NewTelegramChannel(cfg.Telegram))
	}
	defer alerter.Stop()

	client := llm.NewClient(&cfg.LLM, logger)
	gate := llm.NewGate(&cfg.LLM, st, logger, nil)
	layers := adaptive.NewLayers(ctx, &cfg.Adaptive, st, logger, nil)
	checker := safety.NewChecker(&cfg.Safety, st, logger, nil)
	snaps := snapshot.NewBuilder(st, exch, stream, logger, nil)
	eventEngine := events.NewEngine(&cfg.Events, st, logger, nil)
	engine := decision.NewEngine(&cfg.Manager, logger)
	enqueuer := decision.NewEnqueuer(st, checker, marketCache, logger, nil)
	eventHandler := decision.NewEventHandler(st, marketCache, exch, client, gate,
		alerter, logger, nil)

	mgr := position.NewManager(&cfg.Manager, &cfg.Safety, cfg.App.Symbol, position.Deps{
		Store:      st,
		Exchange:   exch,
		Toggles:    control.NewToggles(cfg.Control),
		Snapshots:  snaps,
		Events:     eventEngine,
		Engine:     engine,
		Enqueuer:   enqueuer,
		EventH:     eventHandler,
		Layers:     layers,
		Client:     client,
		Gate:       gate,
		Market:     marketCache,
		Protection: ecl,
		Logger:     logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mgr.Run(gctx)
	})
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("Position manager exited with error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Telemetry shutdown failed", "error", err)
	}
	logger.Info("Position manager stopped")
}
