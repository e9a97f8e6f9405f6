// Package tmux implements the Multiplexer Adapter (spec.md §4.1): a narrow,
// synchronous-looking façade over the tmux CLI. It is grounded in the
// teacher's containers package, which shells out to `pct`/`pvesh` and
// parses line-oriented CLI output with bufio.Scanner; the same shape
// (exec.Command with an argument vector, bounded timeout, scanner-based
// parsing) is reused here for tmux instead of Proxmox tooling.
package tmux

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Error kinds surfaced to callers (spec.md §7 MultiplexerError).
var (
	ErrNotInstalled  = errors.New("tmux: binary not found")
	ErrTimeout       = errors.New("tmux: command timed out")
	ErrSessionExists = errors.New("tmux: session already exists")
)

// Adapter wraps the tmux binary. All invocations pass arguments as a vector
// (never through a shell), and every call is bounded by Timeout.
type Adapter struct {
	Binary  string
	Timeout time.Duration
	log     *logrus.Entry
}

func New(binary string, timeout time.Duration, log *logrus.Entry) *Adapter {
	if binary == "" {
		binary = "tmux"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Adapter{Binary: binary, Timeout: timeout, log: log.WithField("component", "tmux")}
}

func (a *Adapter) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.Binary, args...)
	out, err := cmd.Output()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, ErrTimeout
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, fmt.Errorf("tmux %v: %s", args, strings.TrimSpace(string(exitErr.Stderr)))
		}
		if errors.Is(err, exec.ErrNotFound) {
			return nil, ErrNotInstalled
		}
		return nil, fmt.Errorf("tmux %v: %w", args, err)
	}
	return out, nil
}

// ListSessions enumerates current session names. Fails soft to an empty
// list if tmux is not installed or the server isn't running (tmux's
// "no server running" exit is not a real error for this adapter).
func (a *Adapter) ListSessions(ctx context.Context) []string {
	out, err := a.run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		a.log.WithError(err).Debug("list-sessions: treating as empty (no server or not installed)")
		return nil
	}

	var names []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			names = append(names, line)
		}
	}
	return names
}

func (a *Adapter) SessionExists(ctx context.Context, name string) bool {
	_, err := a.run(ctx, "has-session", "-t", name)
	return err == nil
}

// CreateSession starts a detached session with the given name and working
// directory, optionally running command instead of the default shell.
func (a *Adapter) CreateSession(ctx context.Context, name, workingDir, command string) error {
	if a.SessionExists(ctx, name) {
		return ErrSessionExists
	}
	args := []string{"new-session", "-d", "-s", name}
	if workingDir != "" {
		args = append(args, "-c", workingDir)
	}
	if command != "" {
		args = append(args, command)
	}
	_, err := a.run(ctx, args...)
	return err
}

// KillSession destroys a session. Idempotent: absence is success.
func (a *Adapter) KillSession(ctx context.Context, name string) error {
	_, err := a.run(ctx, "kill-session", "-t", name)
	if err != nil && strings.Contains(err.Error(), "can't find session") {
		return nil
	}
	if errors.Is(err, ErrTimeout) {
		return err
	}
	return nil
}

// SendLiteral sends text as if typed, preserving every byte including
// shell-special characters, via tmux's -l (literal) flag.
func (a *Adapter) SendLiteral(ctx context.Context, target, text string) error {
	_, err := a.run(ctx, "send-keys", "-t", target, "-l", text)
	return err
}

// SendKey sends a named key (e.g. "Enter") interpreted by tmux.
func (a *Adapter) SendKey(ctx context.Context, target, keyName string) error {
	_, err := a.run(ctx, "send-keys", "-t", target, keyName)
	return err
}

// PaneCurrentPath queries the current working directory of a session's
// active pane. Returns "" if unavailable.
func (a *Adapter) PaneCurrentPath(ctx context.Context, name string) string {
	out, err := a.run(ctx, "display-message", "-p", "-t", name, "#{pane_current_path}")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
