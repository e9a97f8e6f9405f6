// Package config loads and hot-reloads the broker's YAML configuration,
// the way the teacher's config package loads its single YAML file, extended
// with .env overrides and a file watcher for non-identity tunables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// TerminalPreset supplies the default shell and environment for a named
// terminalType tag. The tag itself stays an opaque string to the core
// (spec.md §9 Open Question 2); this is the only behavior attached to it.
type TerminalPreset struct {
	Shell string            `yaml:"shell"`
	Env   map[string]string `yaml:"env"`
}

// Config is the broker's full tunable surface. Fields are grouped by the
// component that owns them.
type Config struct {
	Port int `yaml:"port"`

	// Recovery / naming (C8, §6.3).
	SessionPrefix   string   `yaml:"session_prefix"`
	LegacyPrefixes  []string `yaml:"legacy_prefixes"`
	ForceClean      bool     `yaml:"-"` // CLI flag only, never persisted
	RecoveryDelay   time.Duration `yaml:"recovery_delay"`

	// Tmux adapter (C1).
	TmuxBinary  string        `yaml:"tmux_binary"`
	MuxTimeout  time.Duration `yaml:"mux_timeout"`

	// PTY supervisor (C2).
	ResizeDebounce  time.Duration             `yaml:"resize_debounce"`
	CommandDelay    time.Duration             `yaml:"command_delay"`
	Presets         map[string]TerminalPreset `yaml:"presets"`
	DefaultHome     string                    `yaml:"default_home"`

	// Registry (C3).
	DisconnectGrace time.Duration `yaml:"disconnect_grace"`
	WarmupTimeout   time.Duration `yaml:"warmup_timeout"`

	// Connection manager (C5).
	MaxMalformedPerMinute int `yaml:"max_malformed_per_minute"`

	// Spawn orchestrator (C7).
	SpawnDedupWindow time.Duration `yaml:"spawn_dedup_window"`

	// Lifecycle (C9).
	TelemetryInterval time.Duration `yaml:"telemetry_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`

	// Auth (C4).
	TokenFilePath string `yaml:"-"` // derived, never persisted
}

func defaults() *Config {
	return &Config{
		Port:                  8765,
		SessionPrefix:         "ctt-",
		LegacyPrefixes:        nil,
		RecoveryDelay:         2500 * time.Millisecond,
		TmuxBinary:            "tmux",
		MuxTimeout:            5 * time.Second,
		ResizeDebounce:        300 * time.Millisecond,
		CommandDelay:          300 * time.Millisecond,
		Presets: map[string]TerminalPreset{
			"bash": {Shell: "/bin/bash"},
		},
		DefaultHome:           "",
		DisconnectGrace:       4 * time.Second,
		WarmupTimeout:         500 * time.Millisecond,
		MaxMalformedPerMinute: 10,
		SpawnDedupWindow:      5 * time.Second,
		TelemetryInterval:     5 * time.Second,
		ShutdownTimeout:       5 * time.Second,
	}
}

// DefaultPath mirrors the teacher's convention of a config file next to the
// executable, falling back to a relative name if the executable can't be
// located.
func DefaultPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(filepath.Dir(exe), "config.yaml")
}

// Load reads the YAML file at path (if present), applies .env overrides,
// and fills in defaults for anything left unset. A missing file is not an
// error: the broker can run on defaults alone, the token store and every
// in-memory component need nothing on disk to operate.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	// .env overrides live next to the config file; silently absent is fine.
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))
	applyEnvOverrides(cfg)

	if cfg.Port == 0 {
		cfg.Port = 8765
	}
	if cfg.SessionPrefix == "" {
		cfg.SessionPrefix = "ctt-"
	}
	if cfg.TmuxBinary == "" {
		cfg.TmuxBinary = "tmux"
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TABZ_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Port)
	}
	if v := os.Getenv("TABZ_TMUX_BINARY"); v != "" {
		cfg.TmuxBinary = v
	}
	if v := os.Getenv("TABZ_SESSION_PREFIX"); v != "" {
		cfg.SessionPrefix = v
	}
}

// Save persists cfg as YAML, atomically via a temp-file rename, same as the
// teacher's Save.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Watcher hot-reloads a bounded subset of tunables (timing knobs, not
// identity-bearing fields like Port or TmuxBinary) whenever the config file
// changes on disk. Live components register themselves via OnReload rather
// than re-reading the shared *Config, since each owns a private copy of its
// tunables taken at construction time.
type Watcher struct {
	mu       sync.RWMutex
	cfg      *Config
	path     string
	watcher  *fsnotify.Watcher
	onReload []func(*Config)
	log      *logrus.Entry
}

func NewWatcher(cfg *Config, path string, log *logrus.Entry) (*Watcher, error) {
	w := &Watcher{cfg: cfg, path: path, log: log.WithField("component", "config")}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("starting config watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching config dir: %w", err)
	}
	w.watcher = fw
	go w.run()
	return w, nil
}

// OnReload registers fn to be called with the freshly loaded config every
// time the watched file changes, after the in-memory Config snapshot has
// been updated. Used by main to push the new tunables into each live
// component (pty.Supervisor, registry.Registry, spawn.Orchestrator,
// ws.Manager, lifecycle.Controller) instead of leaving them pinned to the
// values they were constructed with.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = append(w.onReload, fn)
}

func (w *Watcher) run() {
	defer func() {
		if r := recover(); r != nil {
			w.log.WithField("panic", r).Error("recovered from panic in config watcher")
		}
	}()
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("config watch error")
		}
	}
}

func (w *Watcher) reload() {
	fresh, err := Load(w.path)
	if err != nil {
		w.log.WithError(err).Warn("config reload failed, keeping previous values")
		return
	}
	w.mu.Lock()
	w.cfg.ResizeDebounce = fresh.ResizeDebounce
	w.cfg.CommandDelay = fresh.CommandDelay
	w.cfg.DisconnectGrace = fresh.DisconnectGrace
	w.cfg.SpawnDedupWindow = fresh.SpawnDedupWindow
	w.cfg.TelemetryInterval = fresh.TelemetryInterval
	w.cfg.MaxMalformedPerMinute = fresh.MaxMalformedPerMinute
	callbacks := append([]func(*Config){}, w.onReload...)
	w.mu.Unlock()

	for _, fn := range callbacks {
		fn(fresh)
	}
	w.log.Info("config hot-reloaded")
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}
