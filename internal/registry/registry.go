// Package registry implements the Terminal Registry (spec.md §4.3): the
// authoritative in-memory map of terminal records and their state machine.
// It is the part of the teacher's terminal.Manager/Session that owned
// session bookkeeping, generalized from a single fixed Proxmox command
// table to multiplexer-backed terminals created through the tmux adapter
// and PTY supervisor.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hltdev8642/tabzchrome-broker/internal/pty"
)

// State is one of the five states in spec.md §4.3's state machine.
type State string

const (
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
	StateDisconnected  State = "disconnected"
	StateClosed        State = "closed"
)

// TerminalRecord is the identity and attributes of one terminal (spec.md
// §3). Field names mirror spec.md exactly.
type TerminalRecord struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	TerminalType   string    `json:"terminalType"`
	WorkingDir     string    `json:"workingDir"`
	Command        string    `json:"command,omitempty"`
	UseMultiplexer bool      `json:"useMultiplexer"`
	SessionName    string    `json:"sessionName"`
	State          State     `json:"state"`
	Cols           int       `json:"cols,omitempty"`
	Rows           int       `json:"rows,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivity   time.Time `json:"lastActivity"`
	Platform       string    `json:"platform"`
	Embedded       bool      `json:"embedded,omitempty"`
}

// Spec is the input to RegisterTerminal: either a brand new spawn (C7) or
// a pre-existing session being attached on recovery (C8, SessionName set).
type Spec struct {
	ID           string
	Name         string
	TerminalType string
	WorkingDir   string
	Command      string
	SessionName  string // non-empty means "attach to this existing session"
	Shell        string
	Env          map[string]string
}

var (
	ErrAlreadyExists = errors.New("registry: terminal id already exists")
	ErrNotFound      = errors.New("registry: terminal not found")
)

// Mux is the subset of the tmux adapter the registry needs.
type Mux interface {
	SessionExists(ctx context.Context, name string) bool
	CreateSession(ctx context.Context, name, workingDir, command string) error
	KillSession(ctx context.Context, name string) error
	PaneCurrentPath(ctx context.Context, name string) string
}

// PTY is the subset of the PTY supervisor the registry needs.
type PTY interface {
	Spawn(spec pty.Spec) error
	Write(id string, data []byte)
	Resize(id string, cols, rows int) error
	Kill(id string, force bool)
	OnOutput(pty.OutputHandler)
	OnExit(pty.ExitHandler)
}

type entry struct {
	record TerminalRecord

	mu            sync.Mutex
	disconnectTmr *time.Timer
}

// Registry is the authoritative live state of every terminal.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	mux Mux
	pty PTY

	// disconnectGrace is read live on every DisconnectTerminal call so a
	// config hot-reload takes effect without restarting the broker.
	disconnectGrace atomic.Int64
	warmupTimeout   time.Duration
	muxTimeout      time.Duration

	onOutput func(id string, data []byte)
	onClosed func(TerminalRecord)
	onState  func(TerminalRecord)

	log *logrus.Entry
}

type Options struct {
	DisconnectGrace time.Duration
	WarmupTimeout   time.Duration
	MuxTimeout      time.Duration
}

func New(mux Mux, ptySup PTY, opts Options, log *logrus.Entry) *Registry {
	r := &Registry{
		entries:       make(map[string]*entry),
		mux:           mux,
		pty:           ptySup,
		warmupTimeout: opts.WarmupTimeout,
		muxTimeout:    opts.MuxTimeout,
		log:           log.WithField("component", "registry"),
	}
	r.disconnectGrace.Store(int64(opts.DisconnectGrace))
	ptySup.OnOutput(r.handlePTYOutput)
	ptySup.OnExit(r.handlePTYExit)
	return r
}

// SetDisconnectGrace updates the live disconnect-grace window.
func (r *Registry) SetDisconnectGrace(d time.Duration) { r.disconnectGrace.Store(int64(d)) }

// OnOutput subscribes to every output byte chunk for every terminal,
// already routed through the registry (so whatever owns output fan-out to
// clients, e.g. the ownership router, never talks to the PTY supervisor
// directly).
func (r *Registry) OnOutput(h func(id string, data []byte)) { r.onOutput = h }

// OnClosed subscribes to terminal removal, for broadcasting terminal-closed.
func (r *Registry) OnClosed(h func(TerminalRecord)) { r.onClosed = h }

// OnStateChange subscribes to the warmup-timer promotion: it is called once
// per terminal when the warmup timer fires. Other transitions (first output,
// disconnect, reconnect) do not invoke it.
func (r *Registry) OnStateChange(h func(TerminalRecord)) { r.onState = h }

func shortID() string {
	return uuid.New().String()[:8]
}

// RegisterTerminal creates a record, ensures the multiplexer session
// exists (creating it, or attaching to spec.SessionName if supplied by
// recovery), starts the PTY, and inserts into the map.
func (r *Registry) RegisterTerminal(spec Spec) (TerminalRecord, error) {
	id := spec.ID
	if id == "" {
		if spec.SessionName != "" {
			// Attaching to an existing session: id must equal the session
			// name it owns (spec.md §3), not a freshly generated one.
			id = spec.SessionName
		} else {
			id = fmt.Sprintf("ctt-%s-%s", slug(spec.Name), shortID())
		}
	}

	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		return TerminalRecord{}, ErrAlreadyExists
	}
	r.mu.Unlock()

	sessionName := spec.SessionName
	attaching := sessionName != ""
	if sessionName == "" {
		sessionName = id
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.muxTimeout)
	defer cancel()

	if !attaching {
		if err := r.mux.CreateSession(ctx, sessionName, spec.WorkingDir, spec.Shell); err != nil {
			return TerminalRecord{}, fmt.Errorf("creating multiplexer session: %w", err)
		}
	} else if !r.mux.SessionExists(ctx, sessionName) {
		return TerminalRecord{}, fmt.Errorf("registry: attach target session %s does not exist", sessionName)
	}

	now := time.Now()
	rec := TerminalRecord{
		ID:             id,
		Name:           spec.Name,
		TerminalType:   spec.TerminalType,
		WorkingDir:     spec.WorkingDir,
		Command:        spec.Command,
		UseMultiplexer: true,
		SessionName:    sessionName,
		State:          StateConnecting,
		CreatedAt:      now,
		LastActivity:   now,
		Platform:       "local",
	}

	e := &entry{record: rec}
	r.mu.Lock()
	r.entries[id] = e
	r.mu.Unlock()

	if err := r.pty.Spawn(pty.Spec{
		ID:          id,
		SessionName: sessionName,
		WorkingDir:  spec.WorkingDir,
		Shell:       spec.Shell,
		Env:         spec.Env,
		Command:     spec.Command,
	}); err != nil {
		r.mu.Lock()
		delete(r.entries, id)
		r.mu.Unlock()
		return TerminalRecord{}, fmt.Errorf("spawning pty: %w", err)
	}

	// First output or warmup timer promotes connecting -> connected.
	warmup := r.warmupTimeout
	if warmup <= 0 {
		warmup = 500 * time.Millisecond
	}
	time.AfterFunc(warmup, func() { r.promoteConnected(id) })

	return rec, nil
}

func (r *Registry) promoteConnected(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	if e.record.State == StateConnecting {
		e.record.State = StateConnected
	}
	rec := e.record
	e.mu.Unlock()
	if r.onState != nil {
		r.onState(rec)
	}
}

func (r *Registry) handlePTYOutput(id string, data []byte) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	if e.record.State == StateConnecting {
		e.record.State = StateConnected
	}
	e.record.LastActivity = time.Now()
	e.mu.Unlock()

	if r.onOutput != nil {
		r.onOutput(id, data)
	}
}

func (r *Registry) handlePTYExit(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.record.State = StateClosed
	rec := e.record
	e.mu.Unlock()

	if r.onClosed != nil {
		r.onClosed(rec)
	}
}

func (r *Registry) GetTerminal(id string) (TerminalRecord, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return TerminalRecord{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record, true
}

func (r *Registry) GetAllTerminals() []TerminalRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TerminalRecord, 0, len(r.entries))
	for _, e := range r.entries {
		e.mu.Lock()
		out = append(out, e.record)
		e.mu.Unlock()
	}
	return out
}

func (r *Registry) GetActiveTerminalCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// SendCommand delegates to the PTY supervisor.
func (r *Registry) SendCommand(id string, data []byte) {
	r.pty.Write(id, data)
	r.touch(id)
}

func (r *Registry) touch(id string) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.record.LastActivity = time.Now()
	e.mu.Unlock()
}

// SetEmbedded stores the client-reported embedded flag on the record
// (spec.md §9 Open Question 3). Unknown terminal id is ignored, matching
// ResizeTerminal's not-found handling.
func (r *Registry) SetEmbedded(id string, embedded bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.record.Embedded = embedded
	e.mu.Unlock()
}

// ResizeTerminal delegates to the PTY supervisor's debounced resize and
// records the last-acknowledged dimensions. Resize of a non-existent
// terminal fails silently to the caller's log, per spec.md §4.2/§7
// NotFound handling (common during startup races).
func (r *Registry) ResizeTerminal(id string, cols, rows int) {
	if err := r.pty.Resize(id, cols, rows); err != nil {
		r.log.WithError(err).WithField("terminalId", id).Debug("resize on unknown terminal, ignoring")
		return
	}
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.record.Cols, e.record.Rows = cols, rows
	e.mu.Unlock()
}

// CloseTerminal removes the record. If force, the multiplexer session is
// also killed; otherwise only the PTY is killed and the session survives.
func (r *Registry) CloseTerminal(id string, force bool) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	if e.disconnectTmr != nil {
		e.disconnectTmr.Stop()
	}
	e.record.State = StateClosed
	rec := e.record
	e.mu.Unlock()

	r.pty.Kill(id, force)
	if force {
		ctx, cancel := context.WithTimeout(context.Background(), r.muxTimeout)
		defer cancel()
		if err := r.mux.KillSession(ctx, rec.SessionName); err != nil {
			r.log.WithError(err).WithField("terminalId", id).Warn("killing multiplexer session failed")
		}
	}

	if r.onClosed != nil {
		r.onClosed(rec)
	}
	return nil
}

// DisconnectTerminal starts the grace-period timer: if CancelDisconnect
// doesn't arrive before it fires, the terminal is closed non-destructively
// (the multiplexer session survives).
func (r *Registry) DisconnectTerminal(id string) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	e.record.State = StateDisconnecting
	if e.disconnectTmr != nil {
		e.disconnectTmr.Stop()
	}
	grace := time.Duration(r.disconnectGrace.Load())
	if grace <= 0 {
		grace = 4 * time.Second
	}
	e.disconnectTmr = time.AfterFunc(grace, func() { r.fireDisconnect(id) })
	e.mu.Unlock()
}

func (r *Registry) fireDisconnect(id string) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	stillPending := e.record.State == StateDisconnecting
	e.mu.Unlock()
	if !stillPending {
		return // canceled in the meantime
	}
	e.mu.Lock()
	e.record.State = StateDisconnected
	e.mu.Unlock()
	_ = r.CloseTerminal(id, false)
}

// CancelDisconnect clears a pending disconnect timer, restoring the
// terminal to connected. At most one grace timer ever fires per
// DisconnectTerminal invocation.
func (r *Registry) CancelDisconnect(id string) bool {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disconnectTmr != nil {
		e.disconnectTmr.Stop()
		e.disconnectTmr = nil
	}
	if e.record.State == StateDisconnecting || e.record.State == StateDisconnected {
		e.record.State = StateConnected
		return true
	}
	return false
}

// ReconnectToTerminal validates the record still exists and its
// multiplexer session is live, then marks it connected.
func (r *Registry) ReconnectToTerminal(id string) (TerminalRecord, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return TerminalRecord{}, ErrNotFound
	}

	e.mu.Lock()
	sessionName := e.record.SessionName
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.muxTimeout)
	defer cancel()
	if !r.mux.SessionExists(ctx, sessionName) {
		return TerminalRecord{}, fmt.Errorf("registry: session %s no longer exists", sessionName)
	}

	r.CancelDisconnect(id)
	e.mu.Lock()
	e.record.State = StateConnected
	rec := e.record
	e.mu.Unlock()
	return rec, nil
}

// CleanupDuplicates retains, for every session name shared by more than one
// record, only the one with the latest activity timestamp.
func (r *Registry) CleanupDuplicates() {
	r.mu.Lock()
	bySession := make(map[string][]*entry)
	for _, e := range r.entries {
		e.mu.Lock()
		name := e.record.SessionName
		e.mu.Unlock()
		bySession[name] = append(bySession[name], e)
	}

	var toClose []string
	for _, group := range bySession {
		if len(group) < 2 {
			continue
		}
		latest := group[0]
		latest.mu.Lock()
		latestTime := latest.record.LastActivity
		latest.mu.Unlock()
		for _, e := range group[1:] {
			e.mu.Lock()
			t := e.record.LastActivity
			e.mu.Unlock()
			if t.After(latestTime) {
				toClose = append(toClose, latest.record.ID)
				latest = e
				latestTime = t
			} else {
				toClose = append(toClose, e.record.ID)
			}
		}
	}
	r.mu.Unlock()

	for _, id := range toClose {
		_ = r.CloseTerminal(id, false)
	}
}

// Cleanup tears down PTYs for shutdown, preserving multiplexer sessions.
func (r *Registry) Cleanup() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.pty.Kill(id, false)
	}
}

func slug(name string) string {
	if name == "" {
		return "term"
	}
	out := make([]rune, 0, len(name))
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			out = append(out, c)
		case c >= 'A' && c <= 'Z':
			out = append(out, c+32)
		case c == '-' || c == '_':
			out = append(out, '-')
		default:
			out = append(out, '-')
		}
	}
	if len(out) == 0 {
		return "term"
	}
	return string(out)
}
