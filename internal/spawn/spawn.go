// Package spawn implements the Spawn Orchestrator (spec.md §4.7): validates
// spawn requests, deduplicates by requestId within a short window, invokes
// the registry, and broadcasts the result. No teacher file modeled
// request-id dedup directly; it is grounded in spec.md §9's explicit
// instruction that dedup keys on requestId identity, never payload
// equality, so the set below is keyed that way.
package spawn

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hltdev8642/tabzchrome-broker/internal/config"
	"github.com/hltdev8642/tabzchrome-broker/internal/ownership"
	"github.com/hltdev8642/tabzchrome-broker/internal/protocol"
	"github.com/hltdev8642/tabzchrome-broker/internal/registry"
	"github.com/hltdev8642/tabzchrome-broker/internal/telemetry"
)

// Broadcaster is the narrow interface needed to announce a spawn result to
// every connected client. *ws.Hub satisfies this without spawn importing
// ws (which would cycle back, since ws.Manager needs a Spawner).
type Broadcaster interface {
	Broadcast(v any)
}

// Registrar is the narrow interface needed to actually create a terminal.
type Registrar interface {
	RegisterTerminal(spec registry.Spec) (registry.TerminalRecord, error)
}

type dedupEntry struct {
	expiresAt time.Time
}

// Orchestrator is the Spawn Orchestrator (C7).
type Orchestrator struct {
	reg     Registrar
	owners  *ownership.Router
	bcast   Broadcaster
	presets map[string]config.TerminalPreset
	metrics *telemetry.Metrics

	// window is read live on every spawn request so a config hot-reload
	// takes effect without restarting the broker.
	window atomic.Int64

	mu    sync.Mutex
	dedup map[string]dedupEntry

	log *logrus.Entry
}

func New(reg Registrar, owners *ownership.Router, bcast Broadcaster, presets map[string]config.TerminalPreset, dedupWindow time.Duration, metrics *telemetry.Metrics, log *logrus.Entry) *Orchestrator {
	o := &Orchestrator{
		reg:     reg,
		owners:  owners,
		bcast:   bcast,
		presets: presets,
		metrics: metrics,
		dedup:   make(map[string]dedupEntry),
		log:     log.WithField("component", "spawn"),
	}
	o.window.Store(int64(dedupWindow))
	go o.sweepLoop()
	return o
}

// SetDedupWindow updates the live spawn dedup window.
func (o *Orchestrator) SetDedupWindow(d time.Duration) { o.window.Store(int64(d)) }

func (o *Orchestrator) sweepLoop() {
	defer func() {
		if r := recover(); r != nil {
			o.log.WithField("panic", r).Error("recovered from panic in sweepLoop")
		}
	}()
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for range t.C {
		now := time.Now()
		o.mu.Lock()
		for id, e := range o.dedup {
			if now.After(e.expiresAt) {
				delete(o.dedup, id)
			}
		}
		o.mu.Unlock()
	}
}

// duplicate reports and records requestId if it was seen within the
// dedup window, so at most one registry insertion happens per id
// (spec.md §3 SpawnDedupEntry, §8 testable property).
func (o *Orchestrator) duplicate(requestID string) bool {
	if requestID == "" {
		return false
	}
	window := time.Duration(o.window.Load())
	if window <= 0 {
		window = 5 * time.Second
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, seen := o.dedup[requestID]; seen {
		return true
	}
	o.dedup[requestID] = dedupEntry{expiresAt: time.Now().Add(window)}
	return false
}

func validate(cfg protocol.SpawnConfig) error {
	if cfg.TerminalType == "" {
		return fmt.Errorf("terminalType is required")
	}
	if strings.ContainsAny(cfg.Name, "\x00") {
		return fmt.Errorf("invalid name")
	}
	return nil
}

// HandleSpawn implements ws.Spawner. origin is added as owner of the new
// terminal on success; failure is returned only to origin as spawn-error.
func (o *Orchestrator) HandleSpawn(origin ownership.Client, originID string, cfg protocol.SpawnConfig, requestID string) {
	if o.duplicate(requestID) {
		o.log.WithField("requestId", requestID).Warn("duplicate spawn request, dropping")
		return
	}

	if err := validate(cfg); err != nil {
		o.sendError(origin, requestID, cfg, err)
		return
	}

	preset, ok := o.presets[cfg.TerminalType]
	if !ok {
		preset = o.presets["bash"]
	}
	spec := registry.Spec{
		Name:         cfg.Name,
		TerminalType: cfg.TerminalType,
		WorkingDir:   cfg.WorkingDir,
		Command:      cfg.Command,
		Shell:        preset.Shell,
		Env:          preset.Env,
	}

	rec, err := o.reg.RegisterTerminal(spec)
	if err != nil {
		o.sendError(origin, requestID, cfg, err)
		return
	}

	if o.metrics != nil {
		o.metrics.SpawnTotal.Inc()
	}
	o.owners.AddOwner(rec.ID, origin)
	o.bcast.Broadcast(protocol.TerminalSpawnedMessage{
		Type:      protocol.TypeTerminalSpawned,
		Terminal:  rec,
		RequestID: requestID,
	})
}

func (o *Orchestrator) sendError(origin ownership.Client, requestID string, cfg protocol.SpawnConfig, err error) {
	if o.metrics != nil {
		o.metrics.SpawnErrorsTotal.Inc()
	}
	if origin == nil {
		o.log.WithError(err).Warn("spawn failed with no origin connection to notify")
		return
	}
	data, _ := json.Marshal(protocol.SpawnErrorMessage{
		Type:         protocol.TypeSpawnError,
		RequestID:    requestID,
		TerminalType: cfg.TerminalType,
		TerminalName: cfg.Name,
		Error:        err.Error(),
	})
	_ = origin.Send(data)
}

// HTTPSpawn implements the POST /api/spawn surface (spec.md §6.2): fixed
// terminalType=bash, no origin connection, no requestId dedup (HTTP callers
// don't retry within the window the way a flaky WebSocket client might).
// The registry marks every record useMultiplexer=true; no isChrome flag is
// set or recorded.
func (o *Orchestrator) HTTPSpawn(name, workingDir, command string) (registry.TerminalRecord, error) {
	spec := registry.Spec{
		Name:         name,
		TerminalType: "bash",
		WorkingDir:   workingDir,
		Command:      command,
		Shell:        o.presets["bash"].Shell,
		Env:          o.presets["bash"].Env,
	}
	rec, err := o.reg.RegisterTerminal(spec)
	if err != nil {
		if o.metrics != nil {
			o.metrics.SpawnErrorsTotal.Inc()
		}
		return registry.TerminalRecord{}, err
	}
	if o.metrics != nil {
		o.metrics.SpawnTotal.Inc()
	}
	o.bcast.Broadcast(protocol.TerminalSpawnedMessage{Type: protocol.TypeTerminalSpawned, Terminal: rec})
	return rec, nil
}

func (o *Orchestrator) NewRequestID() string {
	return uuid.New().String()
}
