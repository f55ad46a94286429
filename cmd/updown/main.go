package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alejandrodnm/updown/config"
	"github.com/alejandrodnm/updown/internal/adapters/notify"
	"github.com/alejandrodnm/updown/internal/adapters/storage"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	paper := flag.Bool("paper", false, "force paper mode regardless of config")
	dryRun := flag.Bool("dry-run", false, "use the mock oracle even when an RPC endpoint is configured")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	status := flag.Bool("status", false, "print accounts, positions and recent events, then exit")
	table := flag.Bool("table", true, "render status as tables")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *paper {
		cfg.Engine.Mode = "paper"
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	store, err := storage.New(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *status {
		printStatus(ctx, store, notify.NewConsole(*table))
		return
	}

	slog.Info("updown starting",
		"config", *configPath,
		"mode", cfg.Engine.Mode,
		"tick", cfg.TickInterval(),
		"assets", cfg.Engine.Assets,
	)

	if err := run(ctx, cfg, store, *dryRun); err != nil {
		slog.Error("engine exited with error", "err", err)
		os.Exit(1)
	}

	slog.Info("updown stopped cleanly")
}

func printStatus(ctx context.Context, store *storage.Store, console *notify.Console) {
	rs, err := store.GetRunState(ctx)
	if err != nil {
		slog.Error("failed to read run state", "err", err)
		os.Exit(1)
	}
	slog.Info("control state", "run", rs.RunID, "running", rs.Running)

	markets, err := store.EnabledMarkets(ctx)
	if err != nil {
		slog.Error("failed to list markets", "err", err)
		os.Exit(1)
	}

	for _, m := range markets {
		trades, err := store.OpenTrades(ctx, rs.RunID, m.ID)
		if err != nil {
			slog.Warn("failed to read open trades", "market", m.ID, "err", err)
			continue
		}
		if len(trades) > 0 {
			console.PrintPositions(trades)
		}
	}

	events, err := store.RecentEvents(ctx, 25)
	if err == nil {
		console.PrintEvents(events)
	}
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
