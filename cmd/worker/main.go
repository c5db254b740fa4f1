package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/EnviralDesign/media-spacesaver-suite/internal/worker"
)

func main() {
	var (
		configPath = flag.String("config", "worker.json", "path to the worker config file")
		serverURL  = flag.String("server", "", "coordinator base URL (overrides config)")
		name       = flag.String("name", "", "worker display name (overrides config)")
		uiEnabled  = flag.Bool("ui", false, "force the status UI on")
		noUI       = flag.Bool("no-ui", false, "force the status UI off")
		uiHost     = flag.String("ui-host", "", "status UI bind host (overrides config)")
		uiPort     = flag.Int("ui-port", 0, "status UI bind port (overrides config)")
		once       = flag.Bool("once", false, "claim at most one job, then exit")
		logLevel   = flag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	configStore, err := worker.LoadConfig(*configPath, logger)
	if err != nil {
		logger.Error("config load failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Flags win over the file but are not persisted into it.
	cfg, err := configStore.Update(func(cfg *worker.Config) {
		if *serverURL != "" {
			cfg.ServerURL = *serverURL
		}
		if *name != "" {
			cfg.Name = *name
		}
		if *uiEnabled {
			cfg.UIEnabled = true
		}
		if *noUI {
			cfg.UIEnabled = false
		}
		if *uiHost != "" {
			cfg.UIHost = *uiHost
		}
		if *uiPort > 0 {
			cfg.UIPort = *uiPort
		}
	})
	if err != nil {
		logger.Error("config write failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("worker starting",
		slog.String("workerId", cfg.WorkerID),
		slog.String("name", cfg.Name),
		slog.String("server", cfg.ServerURL),
		slog.String("cacheDir", cfg.CacheDir),
		slog.Bool("once", *once),
	)
	if cfg.HandbrakePath == "" {
		logger.Warn("HandBrakeCLI not found; jobs will fail until it is installed or configured")
	}

	status := worker.NewStatusFile(configStore.Path())
	client := worker.NewClient(cfg.ServerURL, logger)
	executor := worker.NewExecutor(client, status, logger)
	runtime := worker.NewRuntime(configStore, client, status, executor, logger)
	runtime.Once = *once

	if cfg.UIEnabled {
		ui := worker.NewUIServer(configStore, status, logger)
		ui.Start()
		defer ui.Shutdown()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runtime.Run(ctx); err != nil {
		logger.Error("worker run failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

func newLogger(levelRaw string) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(strings.TrimSpace(levelRaw)) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
