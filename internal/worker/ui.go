package worker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/EnviralDesign/media-spacesaver-suite/internal/domain"
)

// UIServer is the worker's local status endpoint: config, live status, and
// encoder diagnostics. It never talks to the coordinator.
type UIServer struct {
	config *ConfigStore
	status *StatusFile
	logger *slog.Logger
	server *http.Server
}

func NewUIServer(config *ConfigStore, status *StatusFile, logger *slog.Logger) *UIServer {
	if logger == nil {
		logger = slog.Default()
	}
	ui := &UIServer{
		config: config,
		status: status,
		logger: logger.With(slog.String("component", "ui")),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/config", ui.handleConfig)
	mux.HandleFunc("/api/status", ui.handleStatus)
	mux.HandleFunc("/api/diagnostics", ui.handleDiagnostics)

	cfg := config.Current()
	ui.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.UIHost, cfg.UIPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ui
}

// Start serves in a goroutine; ListenAndServe errors are logged, not fatal.
// A worker without its UI still encodes.
func (ui *UIServer) Start() {
	go func() {
		ui.logger.Info("ui listening", slog.String("addr", ui.server.Addr))
		if err := ui.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ui.logger.Error("ui server failed", slog.String("error", err.Error()))
		}
	}()
}

func (ui *UIServer) Shutdown() {
	_ = ui.server.Close()
}

type uiConfigUpdate struct {
	ServerURL       *string             `json:"serverUrl"`
	Name            *string             `json:"name"`
	CacheDir        *string             `json:"cacheDir"`
	HandbrakePath   *string             `json:"handbrakePath"`
	FFmpegPath      *string             `json:"ffmpegPath"`
	WorkHours       *[]domain.WorkHours `json:"workHours"`
	PollIntervalSec *int                `json:"pollIntervalSec"`
}

func (ui *UIServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeUIJSON(w, http.StatusOK, ui.config.Current())
	case http.MethodPost:
		var body uiConfigUpdate
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		cfg, err := ui.config.Update(func(cfg *Config) {
			if body.ServerURL != nil {
				cfg.ServerURL = *body.ServerURL
			}
			if body.Name != nil {
				cfg.Name = *body.Name
			}
			if body.CacheDir != nil {
				cfg.CacheDir = *body.CacheDir
			}
			if body.HandbrakePath != nil {
				cfg.HandbrakePath = *body.HandbrakePath
			}
			if body.FFmpegPath != nil {
				cfg.FFmpegPath = *body.FFmpegPath
			}
			if body.WorkHours != nil {
				cfg.WorkHours = *body.WorkHours
			}
			if body.PollIntervalSec != nil && *body.PollIntervalSec > 0 {
				cfg.PollIntervalSec = *body.PollIntervalSec
			}
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeUIJSON(w, http.StatusOK, cfg)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (ui *UIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeUIJSON(w, http.StatusOK, ui.status.Read())
}

func (ui *UIServer) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := ui.config.Current()
	handbrake := FindHandBrake(cfg.HandbrakePath)
	ffmpeg := FindFFmpeg(cfg.FFmpegPath)
	writeUIJSON(w, http.StatusOK, map[string]interface{}{
		"handbrake": map[string]interface{}{"found": handbrake != "", "path": handbrake},
		"ffmpeg":    map[string]interface{}{"found": ffmpeg != "", "path": ffmpeg},
	})
}

func writeUIJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
