package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	apihttp "github.com/EnviralDesign/media-spacesaver-suite/internal/api/http"
	"github.com/EnviralDesign/media-spacesaver-suite/internal/app"
	"github.com/EnviralDesign/media-spacesaver-suite/internal/domain"
	"github.com/EnviralDesign/media-spacesaver-suite/internal/metrics"
	"github.com/EnviralDesign/media-spacesaver-suite/internal/probe"
	"github.com/EnviralDesign/media-spacesaver-suite/internal/scan"
	"github.com/EnviralDesign/media-spacesaver-suite/internal/scheduler"
	"github.com/EnviralDesign/media-spacesaver-suite/internal/state"
	"github.com/EnviralDesign/media-spacesaver-suite/internal/telemetry"
)

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "spacesaver-server")
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "spacesaver-server"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("statePath", cfg.StatePath),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.Int64("scanProbeConcurrency", cfg.ScanProbeConcurrency),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := state.Open(cfg.StatePath, logger)
	if err != nil {
		logger.Error("state open failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if cfg.FFProbePath != "" {
		err := store.Mutate(func(doc *domain.Document) error {
			if doc.Config.FFProbePath == "" {
				doc.Config.FFProbePath = cfg.FFProbePath
			}
			return nil
		})
		if err != nil {
			logger.Warn("ffprobe path seed failed", slog.String("error", err.Error()))
		}
	}

	// The probe cache runs in memory unless a Redis URL is configured, so
	// repeated rescans of an unchanged library skip the ffprobe calls.
	var cacheBackend probe.Backend
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("redis url invalid", slog.String("error", err.Error()))
			os.Exit(1)
		}
		redisClient := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		err = redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warn("redis unreachable, using in-memory probe cache",
				slog.String("error", err.Error()))
		} else {
			cacheBackend = probe.NewRedisBackend(redisClient)
			logger.Info("probe cache backed by redis")
		}
		defer redisClient.Close()
	}
	probeCache := probe.NewCache(cacheBackend, logger)

	prober := probe.NewProber(logger)
	sched := scheduler.New(store, logger)
	scanner := scan.New(store, prober, probeCache, cfg.ScanProbeConcurrency, logger)

	handler := apihttp.NewServer(store, sched,
		apihttp.WithLogger(logger),
		apihttp.WithScanner(scanner),
		apihttp.WithProber(prober),
		apihttp.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		apihttp.WithWebsocket(cfg.WSEnabled),
	)

	// Reconciliation also runs on claim and list traffic; this ticker
	// covers quiet periods when no worker or UI is polling.
	go runReconciler(rootCtx, sched, logger)
	if cfg.WSEnabled {
		go handler.RunStateFeed(rootCtx)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started", slog.String("addr", cfg.HTTPAddr))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	handler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")
}

func runReconciler(ctx context.Context, sched *scheduler.Scheduler, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stale, pruned, err := sched.Reconcile()
			if err != nil {
				logger.Warn("reconcile failed", slog.String("error", err.Error()))
				continue
			}
			if stale > 0 || pruned > 0 {
				logger.Info("reconciled",
					slog.Int("staleJobs", stale),
					slog.Int("prunedJobs", pruned))
			}
		}
	}
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
