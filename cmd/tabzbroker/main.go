// Command tabzbroker is the terminal session broker (spec.md §1): it owns
// PTY processes attached to tmux sessions and multiplexes their byte
// streams over WebSockets to browser clients. Grounded in the teacher's
// main.go (flag parsing, config load, component wiring, srv.Run()),
// generalized from a single-user Proxmox terminal gateway to the broker
// described in SPEC_FULL.md.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/hltdev8642/tabzchrome-broker/internal/auth"
	"github.com/hltdev8642/tabzchrome-broker/internal/config"
	"github.com/hltdev8642/tabzchrome-broker/internal/lifecycle"
	"github.com/hltdev8642/tabzchrome-broker/internal/ownership"
	"github.com/hltdev8642/tabzchrome-broker/internal/protocol"
	"github.com/hltdev8642/tabzchrome-broker/internal/pty"
	"github.com/hltdev8642/tabzchrome-broker/internal/recovery"
	"github.com/hltdev8642/tabzchrome-broker/internal/registry"
	"github.com/hltdev8642/tabzchrome-broker/internal/server"
	"github.com/hltdev8642/tabzchrome-broker/internal/spawn"
	"github.com/hltdev8642/tabzchrome-broker/internal/telemetry"
	"github.com/hltdev8642/tabzchrome-broker/internal/tmux"
	"github.com/hltdev8642/tabzchrome-broker/internal/ws"
)

// recoverGoroutine logs and swallows a panic so it never crosses a goroutine
// boundary and takes down the whole broker; the caller's goroutine still
// exits, but the rest of the process keeps running.
func recoverGoroutine(log *logrus.Entry, name string) {
	if r := recover(); r != nil {
		log.WithField("goroutine", name).WithField("panic", r).Error("recovered from panic")
	}
}

func main() {
	configPath := flag.String("config", config.DefaultPath(), "config file path")
	forceClean := flag.Bool("force-clean", false, "skip recovery and tear down any surviving PTYs")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	entry := logrus.NewEntry(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("loading config")
	}
	cfg.ForceClean = *forceClean

	tokenPath := filepath.Join(os.TempDir(), auth.TokenFileName)
	tokens, err := auth.New(tokenPath, entry)
	if err != nil {
		log.WithError(err).Fatal("generating auth token")
	}
	entry.WithField("path", tokenPath).Info("auth token written")

	muxAdapter := tmux.New(cfg.TmuxBinary, cfg.MuxTimeout, entry)

	ptySup := pty.New(cfg.ResizeDebounce, cfg.CommandDelay, entry)

	reg := registry.New(muxAdapter, ptySup, registry.Options{
		DisconnectGrace: cfg.DisconnectGrace,
		WarmupTimeout:   cfg.WarmupTimeout,
		MuxTimeout:      cfg.MuxTimeout,
	}, entry)

	owners := ownership.New(entry)
	reg.OnOutput(func(id string, data []byte) {
		owners.Route(id, ws.BuildOutputFrame(id, data))
	})

	hub := ws.NewHub(entry)

	reg.OnClosed(func(rec registry.TerminalRecord) {
		hub.Broadcast(protocol.TerminalClosedMessage{
			Type:       protocol.TypeTerminalClosed,
			TerminalID: rec.ID,
		})
	})

	metrics := telemetry.New()

	orchestrator := spawn.New(reg, owners, hub, cfg.Presets, cfg.SpawnDedupWindow, metrics, entry)

	manager := ws.NewManager(hub, reg, owners, muxAdapter, orchestrator, cfg.SessionPrefix, cfg.LegacyPrefixes, cfg.CommandDelay, cfg.MaxMalformedPerMinute)

	recoverySvc := recovery.New(muxAdapter, reg, manager, cfg.SessionPrefix, cfg.LegacyPrefixes, metrics, entry)

	home, _ := os.UserHomeDir()
	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Port),
		Handler: server.New(tokens, manager, ws.NewUpgrader(), orchestrator, metrics, home, entry),
	}

	lc := lifecycle.New(manager, reg, owners, metrics, httpServer, cfg.TelemetryInterval, cfg.ShutdownTimeout, entry)

	// The watcher is built last so its OnReload callbacks can close over every
	// live component above; each callback just forwards the fresh value to the
	// atomic the component already reads on its hot path (spec.md's
	// can-be-adjusted-without-a-restart tunables).
	if watcher, err := config.NewWatcher(cfg, *configPath, entry); err != nil {
		entry.WithError(err).Warn("config hot-reload disabled")
	} else {
		watcher.OnReload(func(fresh *config.Config) {
			ptySup.SetResizeDebounce(fresh.ResizeDebounce)
			ptySup.SetCommandDelay(fresh.CommandDelay)
			reg.SetDisconnectGrace(fresh.DisconnectGrace)
			orchestrator.SetDedupWindow(fresh.SpawnDedupWindow)
			lc.SetTelemetryInterval(fresh.TelemetryInterval)
			manager.SetMaxMalformedPerMinute(fresh.MaxMalformedPerMinute)
		})
		defer watcher.Close()
	}

	telemetryCtx, cancelTelemetry := context.WithCancel(context.Background())
	defer cancelTelemetry()
	go func() {
		defer recoverGoroutine(entry, "telemetry-loop")
		lc.RunTelemetryLoop(telemetryCtx)
	}()

	recoverySvc.RunAfter(cfg.RecoveryDelay, cfg.ForceClean, ptySup)

	go func() {
		defer recoverGoroutine(entry, "http-listener")
		entry.WithField("port", cfg.Port).Info("tabzbroker listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			entry.WithError(err).Fatal("http server")
		}
	}()

	lc.WaitForSignal()
}
