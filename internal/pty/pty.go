// Package pty implements the PTY Supervisor (spec.md §4.2): one child
// process per terminal, attached to a multiplexer session, exposing a byte
// stream and resize/write/kill operations. It is grounded directly in the
// teacher's terminal.Manager/Session (pty.Start, a persistent reader
// goroutine, a cmd.Wait cleanup goroutine), generalized from a fixed
// Proxmox command table to an injected spec and extended with the
// per-terminal debounced resize spec.md requires.
package pty

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Spec describes one terminal to spawn.
type Spec struct {
	ID          string
	SessionName string
	WorkingDir  string
	Shell       string
	Env         map[string]string
	Command     string // injected after warmup, not part of the attach command
}

// OutputHandler receives PTY output for one terminal. Calls for a single
// terminal are strictly ordered; no ordering is implied across terminals.
type OutputHandler func(id string, data []byte)

// ExitHandler is invoked once, when the child exits for any reason.
type ExitHandler func(id string)

type handle struct {
	id   string
	cmd  *exec.Cmd
	ptmx *os.File

	resizeMu     sync.Mutex
	resizeTimer  *time.Timer
	lastCols     int
	lastRows     int
	pendingCols  int
	pendingRows  int

	killOnce sync.Once
}

// Supervisor owns every live PTY handle.
type Supervisor struct {
	mu      sync.RWMutex
	handles map[string]*handle

	// resizeDebounce/commandDelay are nanosecond durations read live on
	// every Resize/injectCommand call, so a config hot-reload (config.Watcher)
	// takes effect without restarting the broker.
	resizeDebounce atomic.Int64
	commandDelay   atomic.Int64

	onOutput OutputHandler
	onExit   ExitHandler

	log *logrus.Entry
}

func New(resizeDebounce, commandDelay time.Duration, log *logrus.Entry) *Supervisor {
	s := &Supervisor{
		handles: make(map[string]*handle),
		log:     log.WithField("component", "pty"),
	}
	s.resizeDebounce.Store(int64(resizeDebounce))
	s.commandDelay.Store(int64(commandDelay))
	return s
}

// SetResizeDebounce updates the live resize-debounce window.
func (s *Supervisor) SetResizeDebounce(d time.Duration) { s.resizeDebounce.Store(int64(d)) }

// SetCommandDelay updates the live command-injection delay.
func (s *Supervisor) SetCommandDelay(d time.Duration) { s.commandDelay.Store(int64(d)) }

// OnOutput registers the sink for every terminal's PTY stdout.
func (s *Supervisor) OnOutput(h OutputHandler) { s.onOutput = h }

// OnExit registers the sink for child-exit notifications.
func (s *Supervisor) OnExit(h ExitHandler) { s.onExit = h }

func buildEnv(spec Spec) []string {
	env := make([]string, 0, len(os.Environ())+6)
	for _, e := range os.Environ() {
		if !strings.HasPrefix(e, "TERM=") {
			env = append(env, e)
		}
	}
	env = append(env,
		"TERM=xterm-256color",
		"TERMINAL_TABS_PROCESS=1",
		"TERMINAL_TABS_TYPE="+spec.ID,
		"TERMINAL_TABS_NAME="+spec.SessionName,
		"TERMINAL_TABS_ID="+spec.ID,
	)
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// Spawn starts the child, a `tmux attach-session` client for the
// terminal's multiplexer session (the session itself must already exist,
// created by the tmux adapter before this is called). The shell running
// inside the session is chosen when the session is created, not here.
func (s *Supervisor) Spawn(spec Spec) error {
	s.mu.Lock()
	if _, exists := s.handles[spec.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("pty: terminal %s already spawned", spec.ID)
	}
	s.mu.Unlock()

	cmd := exec.Command("tmux", "attach-session", "-t", spec.SessionName)
	cmd.Env = buildEnv(spec)
	if spec.WorkingDir != "" {
		cmd.Dir = spec.WorkingDir
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("starting pty for %s: %w", spec.ID, err)
	}

	h := &handle{id: spec.ID, cmd: cmd, ptmx: ptmx}

	s.mu.Lock()
	s.handles[spec.ID] = h
	s.mu.Unlock()

	go s.readLoop(h)
	go s.waitLoop(h)

	if spec.Command != "" {
		go s.injectCommand(h, spec.Command)
	}

	s.log.WithFields(logrus.Fields{"terminalId": spec.ID, "pid": cmd.Process.Pid}).Info("pty spawned")
	return nil
}

// injectCommand waits for the shell to warm up, writes the command text,
// then waits the fixed command delay before sending Enter. This delay is a
// hard contract: without it, shells can swallow the first newline on long
// prompts (spec.md §5, §9).
func (s *Supervisor) injectCommand(h *handle, command string) {
	defer s.recoverGoroutine("injectCommand", h.id)
	time.Sleep(300 * time.Millisecond)
	if _, err := h.ptmx.Write([]byte(command)); err != nil {
		s.log.WithError(err).WithField("terminalId", h.id).Warn("command injection write failed")
		return
	}
	delay := time.Duration(s.commandDelay.Load())
	if delay <= 0 {
		delay = 300 * time.Millisecond
	}
	time.Sleep(delay)
	_, _ = h.ptmx.Write([]byte("\r"))
}

func (s *Supervisor) readLoop(h *handle) {
	defer s.recoverGoroutine("readLoop", h.id)
	buf := make([]byte, 4096)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 && s.onOutput != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.onOutput(h.id, chunk)
		}
		if err != nil {
			return
		}
	}
}

func (s *Supervisor) waitLoop(h *handle) {
	defer s.recoverGoroutine("waitLoop", h.id)
	_ = h.cmd.Wait()
	h.ptmx.Close()

	s.mu.Lock()
	if s.handles[h.id] == h {
		delete(s.handles, h.id)
	}
	s.mu.Unlock()

	if s.onExit != nil {
		s.onExit(h.id)
	}
}

// Write forwards raw bytes to the PTY master. A write to a dead/unknown
// terminal is a no-op that logs, never an error returned to the caller
// (spec.md §4.2 failure semantics).
func (s *Supervisor) Write(id string, data []byte) {
	s.mu.RLock()
	h, ok := s.handles[id]
	s.mu.RUnlock()
	if !ok {
		s.log.WithField("terminalId", id).Debug("write to unknown terminal, dropping")
		return
	}
	if _, err := h.ptmx.Write(data); err != nil {
		s.log.WithError(err).WithField("terminalId", id).Warn("write failed")
	}
}

// Resize applies a per-terminal debounced resize: if another resize for the
// same terminal arrives within resizeDebounce, only the final (cols, rows)
// is applied. Resizes that don't change dimensions are suppressed outright.
func (s *Supervisor) Resize(id string, cols, rows int) error {
	s.mu.RLock()
	h, ok := s.handles[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("pty: resize: unknown terminal %s", id)
	}

	h.resizeMu.Lock()
	defer h.resizeMu.Unlock()

	if h.lastCols == cols && h.lastRows == rows {
		return nil
	}
	h.pendingCols, h.pendingRows = cols, rows

	if h.resizeTimer != nil {
		h.resizeTimer.Stop()
	}
	debounce := time.Duration(s.resizeDebounce.Load())
	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}
	h.resizeTimer = time.AfterFunc(debounce, func() {
		h.resizeMu.Lock()
		c, r := h.pendingCols, h.pendingRows
		h.lastCols, h.lastRows = c, r
		h.resizeMu.Unlock()
		_ = pty.Setsize(h.ptmx, &pty.Winsize{Cols: uint16(c), Rows: uint16(r)})
	})
	return nil
}

// Kill signals the child. If force, escalate to SIGKILL after a short
// interval; otherwise send SIGTERM and let it exit on its own.
func (s *Supervisor) Kill(id string, force bool) {
	s.mu.RLock()
	h, ok := s.handles[id]
	s.mu.RUnlock()
	if !ok {
		return
	}
	h.killOnce.Do(func() {
		if h.cmd.Process == nil {
			return
		}
		_ = h.cmd.Process.Signal(unix.SIGTERM)
		if force {
			time.AfterFunc(2*time.Second, func() {
				if isAlive(h) {
					_ = h.cmd.Process.Kill()
				}
			})
		}
	})
}

// CleanupWithGrace tears down every remaining handle for shutdown. If
// force, kill immediately; otherwise allow children a bounded period to
// exit on their own (e.g. because the attached tmux client detaches
// cleanly) before escalating.
func (s *Supervisor) CleanupWithGrace(force bool) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		s.Kill(id, force)
	}
	if !force {
		time.Sleep(1 * time.Second)
		s.mu.RLock()
		remaining := len(s.handles)
		s.mu.RUnlock()
		if remaining > 0 {
			// Kill's killOnce has already fired for these handles, so
			// escalate directly on whatever is still alive.
			for _, id := range ids {
				s.mu.RLock()
				h, ok := s.handles[id]
				s.mu.RUnlock()
				if ok && isAlive(h) {
					_ = h.cmd.Process.Kill()
				}
			}
		}
	}
}

// recoverGoroutine stops a panic in one of Supervisor's per-terminal
// goroutines from crossing the goroutine boundary and taking down the
// broker; the terminal itself is left for waitLoop/onExit to clean up.
func (s *Supervisor) recoverGoroutine(name, id string) {
	if r := recover(); r != nil {
		s.log.WithFields(logrus.Fields{"goroutine": name, "terminalId": id, "panic": r}).Error("recovered from panic")
	}
}

func isAlive(h *handle) bool {
	if h.cmd.Process == nil {
		return false
	}
	return h.cmd.Process.Signal(unix.Signal(0)) == nil
}
