package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hltdev8642/tabzchrome-broker/internal/pty"
)

type fakeMux struct {
	mu       sync.Mutex
	sessions map[string]bool
}

func newFakeMux() *fakeMux { return &fakeMux{sessions: map[string]bool{}} }

func (f *fakeMux) SessionExists(ctx context.Context, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[name]
}

func (f *fakeMux) CreateSession(ctx context.Context, name, workingDir, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[name] = true
	return nil
}

func (f *fakeMux) KillSession(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
	return nil
}

func (f *fakeMux) PaneCurrentPath(ctx context.Context, name string) string { return "/tmp" }

type fakePTY struct {
	mu      sync.Mutex
	spawned map[string]pty.Spec
	written map[string][][]byte
	killed  map[string]bool

	onOutput pty.OutputHandler
	onExit   pty.ExitHandler
}

func newFakePTY() *fakePTY {
	return &fakePTY{
		spawned: map[string]pty.Spec{},
		written: map[string][][]byte{},
		killed:  map[string]bool{},
	}
}

func (f *fakePTY) Spawn(spec pty.Spec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawned[spec.ID] = spec
	return nil
}

func (f *fakePTY) Write(id string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written[id] = append(f.written[id], data)
}

func (f *fakePTY) Resize(id string, cols, rows int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.spawned[id]; !ok {
		return assertErr
	}
	return nil
}

func (f *fakePTY) Kill(id string, force bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed[id] = true
}

func (f *fakePTY) OnOutput(h pty.OutputHandler) { f.onOutput = h }
func (f *fakePTY) OnExit(h pty.ExitHandler)     { f.onExit = h }

var assertErr = &notFoundErr{}

type notFoundErr struct{}

func (e *notFoundErr) Error() string { return "not found" }

func newTestRegistry() (*Registry, *fakeMux, *fakePTY) {
	mux := newFakeMux()
	p := newFakePTY()
	r := New(mux, p, Options{
		DisconnectGrace: 20 * time.Millisecond,
		WarmupTimeout:   10 * time.Millisecond,
		MuxTimeout:      time.Second,
	}, logrus.NewEntry(logrus.New()))
	return r, mux, p
}

func TestRegisterTerminalCreatesSessionAndSpawnsPTY(t *testing.T) {
	r, mux, p := newTestRegistry()

	rec, err := r.RegisterTerminal(Spec{Name: "My Shell", WorkingDir: "/tmp"})
	require.NoError(t, err)

	assert.True(t, mux.SessionExists(context.Background(), rec.SessionName))
	assert.Contains(t, p.spawned, rec.ID)
	assert.Equal(t, StateConnecting, rec.State)
}

func TestRegisterTerminalDuplicateID(t *testing.T) {
	r, _, _ := newTestRegistry()
	rec, err := r.RegisterTerminal(Spec{ID: "fixed-id", Name: "a"})
	require.NoError(t, err)
	require.Equal(t, "fixed-id", rec.ID)

	_, err = r.RegisterTerminal(Spec{ID: "fixed-id", Name: "b"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestRegisterTerminalAttachRequiresExistingSession(t *testing.T) {
	r, _, _ := newTestRegistry()
	_, err := r.RegisterTerminal(Spec{Name: "x", SessionName: "missing-session"})
	assert.Error(t, err)
}

func TestRegisterTerminalAttachIDMatchesSessionName(t *testing.T) {
	r, mux, _ := newTestRegistry()
	mux.sessions["ctt-recovered-orphan"] = true

	rec, err := r.RegisterTerminal(Spec{Name: "orphan", SessionName: "ctt-recovered-orphan"})
	require.NoError(t, err)

	assert.Equal(t, "ctt-recovered-orphan", rec.ID)
	assert.Equal(t, rec.SessionName, rec.ID)
}

func TestPromoteConnectedAfterWarmup(t *testing.T) {
	r, _, _ := newTestRegistry()
	rec, err := r.RegisterTerminal(Spec{Name: "shell"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, ok := r.GetTerminal(rec.ID)
		return ok && got.State == StateConnected
	}, time.Second, 5*time.Millisecond)
}

func TestHandlePTYOutputPromotesAndForwards(t *testing.T) {
	r, _, p := newTestRegistry()
	rec, err := r.RegisterTerminal(Spec{Name: "shell"})
	require.NoError(t, err)

	var gotID string
	var gotData []byte
	r.OnOutput(func(id string, data []byte) {
		gotID, gotData = id, data
	})

	p.onOutput(rec.ID, []byte("hello"))

	assert.Equal(t, rec.ID, gotID)
	assert.Equal(t, []byte("hello"), gotData)

	got, ok := r.GetTerminal(rec.ID)
	require.True(t, ok)
	assert.Equal(t, StateConnected, got.State)
}

func TestHandlePTYExitRemovesAndNotifies(t *testing.T) {
	r, _, p := newTestRegistry()
	rec, err := r.RegisterTerminal(Spec{Name: "shell"})
	require.NoError(t, err)

	var closed TerminalRecord
	r.OnClosed(func(rec TerminalRecord) { closed = rec })

	p.onExit(rec.ID)

	assert.Equal(t, rec.ID, closed.ID)
	_, ok := r.GetTerminal(rec.ID)
	assert.False(t, ok)
}

func TestCloseTerminalForceKillsSession(t *testing.T) {
	r, mux, p := newTestRegistry()
	rec, err := r.RegisterTerminal(Spec{Name: "shell"})
	require.NoError(t, err)

	require.NoError(t, r.CloseTerminal(rec.ID, true))

	assert.True(t, p.killed[rec.ID])
	assert.False(t, mux.SessionExists(context.Background(), rec.SessionName))
	_, ok := r.GetTerminal(rec.ID)
	assert.False(t, ok)
}

func TestCloseTerminalNotFound(t *testing.T) {
	r, _, _ := newTestRegistry()
	assert.ErrorIs(t, r.CloseTerminal("nope", false), ErrNotFound)
}

func TestDisconnectThenCancelRestoresConnected(t *testing.T) {
	r, _, _ := newTestRegistry()
	rec, err := r.RegisterTerminal(Spec{Name: "shell"})
	require.NoError(t, err)

	r.DisconnectTerminal(rec.ID)
	got, _ := r.GetTerminal(rec.ID)
	assert.Equal(t, StateDisconnecting, got.State)

	assert.True(t, r.CancelDisconnect(rec.ID))
	got, _ = r.GetTerminal(rec.ID)
	assert.Equal(t, StateConnected, got.State)
}

func TestDisconnectGraceExpiresToClosed(t *testing.T) {
	r, _, p := newTestRegistry()
	rec, err := r.RegisterTerminal(Spec{Name: "shell"})
	require.NoError(t, err)

	r.DisconnectTerminal(rec.ID)

	assert.Eventually(t, func() bool {
		_, ok := r.GetTerminal(rec.ID)
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.True(t, p.killed[rec.ID])
}

func TestReconnectToTerminalFailsIfSessionGone(t *testing.T) {
	r, mux, _ := newTestRegistry()
	rec, err := r.RegisterTerminal(Spec{Name: "shell"})
	require.NoError(t, err)

	_ = mux.KillSession(context.Background(), rec.SessionName)

	_, err = r.ReconnectToTerminal(rec.ID)
	assert.Error(t, err)
}

func TestReconnectToTerminalSucceeds(t *testing.T) {
	r, _, _ := newTestRegistry()
	rec, err := r.RegisterTerminal(Spec{Name: "shell"})
	require.NoError(t, err)

	r.DisconnectTerminal(rec.ID)
	got, err := r.ReconnectToTerminal(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, got.State)
}

func TestCleanupDuplicatesKeepsLatestActivity(t *testing.T) {
	r, _, _ := newTestRegistry()
	rec1, err := r.RegisterTerminal(Spec{ID: "a", Name: "a", SessionName: ""})
	require.NoError(t, err)
	r.touch(rec1.ID)

	// Force a second record to share the same session name as rec1, as if
	// recovery had raced with a live registration.
	r.mu.Lock()
	e, ok := r.entries[rec1.ID]
	require.True(t, ok)
	sessionName := e.record.SessionName
	r.mu.Unlock()

	rec2, err := r.RegisterTerminal(Spec{ID: "b", Name: "b", SessionName: sessionName})
	require.NoError(t, err)
	r.touch(rec2.ID)
	time.Sleep(2 * time.Millisecond)
	r.touch(rec2.ID)

	r.CleanupDuplicates()

	_, aliveA := r.GetTerminal(rec1.ID)
	_, aliveB := r.GetTerminal(rec2.ID)
	assert.True(t, aliveA != aliveB, "exactly one of the duplicate session records should survive")
}

func TestResizeTerminalRecordsDimensions(t *testing.T) {
	r, _, _ := newTestRegistry()
	rec, err := r.RegisterTerminal(Spec{Name: "shell"})
	require.NoError(t, err)

	r.ResizeTerminal(rec.ID, 120, 40)

	got, ok := r.GetTerminal(rec.ID)
	require.True(t, ok)
	assert.Equal(t, 120, got.Cols)
	assert.Equal(t, 40, got.Rows)
}

func TestResizeUnknownTerminalIsSilent(t *testing.T) {
	r, _, _ := newTestRegistry()
	assert.NotPanics(t, func() { r.ResizeTerminal("nope", 10, 10) })
}

func TestSendCommandWritesAndTouches(t *testing.T) {
	r, _, p := newTestRegistry()
	rec, err := r.RegisterTerminal(Spec{Name: "shell"})
	require.NoError(t, err)

	before, _ := r.GetTerminal(rec.ID)
	time.Sleep(2 * time.Millisecond)
	r.SendCommand(rec.ID, []byte("ls\n"))

	assert.Equal(t, [][]byte{[]byte("ls\n")}, p.written[rec.ID])
	after, _ := r.GetTerminal(rec.ID)
	assert.True(t, after.LastActivity.After(before.LastActivity))
}

func TestGetActiveTerminalCount(t *testing.T) {
	r, _, _ := newTestRegistry()
	assert.Equal(t, 0, r.GetActiveTerminalCount())
	_, err := r.RegisterTerminal(Spec{Name: "a"})
	require.NoError(t, err)
	assert.Equal(t, 1, r.GetActiveTerminalCount())
}
