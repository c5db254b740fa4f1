package worker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/EnviralDesign/media-spacesaver-suite/internal/domain"
)

// Config is the worker's persisted configuration. It lives in a JSON file
// so operators can edit it by hand or through the status UI.
type Config struct {
	ServerURL       string             `json:"serverUrl"`
	Name            string             `json:"name"`
	WorkerID        string             `json:"workerId"`
	CacheDir        string             `json:"cacheDir"`
	HandbrakePath   string             `json:"handbrakePath"`
	FFmpegPath      string             `json:"ffmpegPath"`
	WorkHours       []domain.WorkHours `json:"workHours"`
	PollIntervalSec int                `json:"pollIntervalSec"`
	UIEnabled       bool               `json:"uiEnabled"`
	UIHost          string             `json:"uiHost"`
	UIPort          int                `json:"uiPort"`
}

func defaultConfig(configPath string) Config {
	return Config{
		ServerURL:       "http://127.0.0.1:8856",
		Name:            "worker-1",
		CacheDir:        filepath.Join(filepath.Dir(configPath), "cache"),
		WorkHours:       []domain.WorkHours{},
		PollIntervalSec: 10,
		UIEnabled:       true,
		UIHost:          "0.0.0.0",
		UIPort:          8857,
	}
}

var hostSanitizer = regexp.MustCompile(`[^a-z0-9]+`)

// deriveWorkerID builds a stable worker id from the machine hostname.
func deriveWorkerID(hostname string) string {
	name := strings.Trim(hostSanitizer.ReplaceAllString(strings.ToLower(hostname), "-"), "-")
	if name == "" {
		name = "host"
	}
	return "wrk_" + name
}

// ConfigStore owns the worker config file: loading with defaults, persisting
// UI edits, and mtime-based reloads between loop iterations.
type ConfigStore struct {
	path   string
	logger *slog.Logger

	mu    sync.Mutex
	cfg   Config
	mtime int64
}

// LoadConfig reads the config file, fills gaps with defaults, synthesizes a
// workerId and discovers HandBrakeCLI when missing, and writes the merged
// result back so the file always reflects what the worker runs with.
func LoadConfig(path string, logger *slog.Logger) (*ConfigStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	cs := &ConfigStore{path: abs, logger: logger.With(slog.String("component", "config"))}
	cfg := defaultConfig(abs)

	data, err := os.ReadFile(abs)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", abs, err)
		}
	case os.IsNotExist(err):
		// First run: the defaults below get persisted.
	default:
		return nil, fmt.Errorf("read %s: %w", abs, err)
	}

	if cfg.WorkerID == "" {
		hostname, _ := os.Hostname()
		cfg.WorkerID = deriveWorkerID(hostname)
	}
	if cfg.HandbrakePath == "" {
		cfg.HandbrakePath = FindHandBrake("")
	}
	if cfg.PollIntervalSec <= 0 {
		cfg.PollIntervalSec = 10
	}
	if cfg.WorkHours == nil {
		cfg.WorkHours = []domain.WorkHours{}
	}

	cs.cfg = cfg
	if err := cs.persistLocked(); err != nil {
		return nil, err
	}
	if info, err := os.Stat(abs); err == nil {
		cs.mtime = info.ModTime().UnixNano()
	}
	return cs, nil
}

func (cs *ConfigStore) Path() string { return cs.path }

// Current returns a copy of the active config.
func (cs *ConfigStore) Current() Config {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.cfg
}

// ReloadIfChanged re-reads the file when its mtime moved, logging which
// keys changed. Parse errors keep the previous config.
func (cs *ConfigStore) ReloadIfChanged() Config {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	info, err := os.Stat(cs.path)
	if err != nil || info.ModTime().UnixNano() == cs.mtime {
		return cs.cfg
	}

	data, err := os.ReadFile(cs.path)
	if err != nil {
		cs.logger.Warn("config reload failed", slog.String("error", err.Error()))
		return cs.cfg
	}
	next := cs.cfg
	if err := json.Unmarshal(data, &next); err != nil {
		cs.logger.Warn("config reload failed", slog.String("error", err.Error()))
		return cs.cfg
	}

	if changed := diffConfigKeys(cs.cfg, next); len(changed) > 0 {
		cs.logger.Info("config reloaded", slog.Any("changed", changed))
	}
	cs.cfg = next
	cs.mtime = info.ModTime().UnixNano()
	return cs.cfg
}

// Update merges fn's edits under the lock and persists the result. The UI
// config endpoint goes through here.
func (cs *ConfigStore) Update(fn func(cfg *Config)) (Config, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	fn(&cs.cfg)
	if err := cs.persistLocked(); err != nil {
		return cs.cfg, err
	}
	if info, err := os.Stat(cs.path); err == nil {
		cs.mtime = info.ModTime().UnixNano()
	}
	return cs.cfg, nil
}

func (cs *ConfigStore) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(cs.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cs.cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(cs.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", cs.path, err)
	}
	return nil
}

func diffConfigKeys(old, next Config) []string {
	var changed []string
	appendIf := func(key string, differs bool) {
		if differs {
			changed = append(changed, key)
		}
	}
	appendIf("serverUrl", old.ServerURL != next.ServerURL)
	appendIf("name", old.Name != next.Name)
	appendIf("workerId", old.WorkerID != next.WorkerID)
	appendIf("cacheDir", old.CacheDir != next.CacheDir)
	appendIf("handbrakePath", old.HandbrakePath != next.HandbrakePath)
	appendIf("ffmpegPath", old.FFmpegPath != next.FFmpegPath)
	appendIf("workHours", !workHoursEqual(old.WorkHours, next.WorkHours))
	appendIf("pollIntervalSec", old.PollIntervalSec != next.PollIntervalSec)
	appendIf("uiEnabled", old.UIEnabled != next.UIEnabled)
	appendIf("uiHost", old.UIHost != next.UIHost)
	appendIf("uiPort", old.UIPort != next.UIPort)
	return changed
}

func workHoursEqual(a, b []domain.WorkHours) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
