// Package apihttp is the coordinator's HTTP surface: the coordination
// protocol workers poll, the admin API, and the observer websocket feed.
package apihttp

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/EnviralDesign/media-spacesaver-suite/internal/probe"
	"github.com/EnviralDesign/media-spacesaver-suite/internal/scan"
	"github.com/EnviralDesign/media-spacesaver-suite/internal/scheduler"
	"github.com/EnviralDesign/media-spacesaver-suite/internal/state"
)

// ScanRunner runs a blocking entry scan. Progress is observable through
// GET /api/scan-status while the request is in flight.
type ScanRunner interface {
	ScanEntry(ctx context.Context, entryID string) (scan.Result, error)
}

// MediaProber re-probes an installed file during job completion.
type MediaProber interface {
	Probe(ctx context.Context, path, ffprobePath string) (*probe.Metadata, error)
}

type Server struct {
	store     *state.Store
	sched     *scheduler.Scheduler
	scanner   ScanRunner
	prober    MediaProber
	logger    *slog.Logger
	wsHub     *wsHub
	wsEnabled bool
	rateRPS   float64
	rateBurst int
	handler   http.Handler
}

type ServerOption func(*Server)

func WithScanner(scanner ScanRunner) ServerOption {
	return func(s *Server) {
		s.scanner = scanner
	}
}

func WithProber(prober MediaProber) ServerOption {
	return func(s *Server) {
		s.prober = prober
	}
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		s.rateRPS = rps
		s.rateBurst = burst
	}
}

func WithWebsocket(enabled bool) ServerOption {
	return func(s *Server) {
		s.wsEnabled = enabled
	}
}

func NewServer(store *state.Store, sched *scheduler.Scheduler, opts ...ServerOption) *Server {
	s := &Server{
		store:     store,
		sched:     sched,
		wsEnabled: true,
		rateRPS:   50,
		rateBurst: 100,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	if s.wsEnabled {
		s.wsHub = newWSHub(s.logger)
		go s.wsHub.run()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws/state", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("/api/scan-status", s.handleScanStatus)
	mux.HandleFunc("/api/targets", s.handleTargets)
	mux.HandleFunc("/api/targets/clear", s.handleTargetsClear)
	mux.HandleFunc("/api/entries", s.handleEntries)
	mux.HandleFunc("/api/entries/", s.handleEntryByID)
	mux.HandleFunc("/api/items", s.handleItems)
	mux.HandleFunc("/api/items/", s.handleItemByID)
	mux.HandleFunc("/api/jobs", s.handleJobs)
	mux.HandleFunc("/api/jobs/claim", s.handleClaim)
	mux.HandleFunc("/api/jobs/cancel-all", s.handleCancelAll)
	mux.HandleFunc("/api/jobs/", s.handleJobByID)
	mux.HandleFunc("/api/workers", s.handleWorkers)
	mux.HandleFunc("/api/workers/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/api/workers/", s.handleWorkerByID)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "spacesaver-server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/health"
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(s.rateRPS, s.rateBurst, metricsMiddleware(corsMiddleware(traced))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close disconnects all websocket clients.
func (s *Server) Close() {
	if s.wsHub != nil {
		s.wsHub.Close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.wsHub == nil {
		http.Error(w, "websocket not available", http.StatusServiceUnavailable)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	s.wsHub.register <- client
	go client.writePump()
	go client.readPump()
}
