package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hltdev8642/tabzchrome-broker/internal/registry"
	"github.com/hltdev8642/tabzchrome-broker/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeMux struct {
	sessions []string
	killed   []string
}

func (f *fakeMux) ListSessions(ctx context.Context) []string           { return f.sessions }
func (f *fakeMux) PaneCurrentPath(ctx context.Context, name string) string { return "/home/x" }
func (f *fakeMux) KillSession(ctx context.Context, name string) error {
	f.killed = append(f.killed, name)
	return nil
}

type fakeRegistrar struct {
	mu        sync.Mutex
	existing  []registry.TerminalRecord
	registered []registry.Spec
}

func (f *fakeRegistrar) GetAllTerminals() []registry.TerminalRecord { return f.existing }
func (f *fakeRegistrar) RegisterTerminal(spec registry.Spec) (registry.TerminalRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, spec)
	return registry.TerminalRecord{ID: spec.SessionName, SessionName: spec.SessionName}, nil
}

type fakeBroadcaster struct {
	calls int
	mu    sync.Mutex
}

func (f *fakeBroadcaster) BroadcastTerminalsSnapshot(recoveryComplete bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
}

type fakeCleaner struct {
	called bool
	force  bool
}

func (f *fakeCleaner) CleanupWithGrace(force bool) { f.called = true; f.force = force }

func TestRunRecoversMatchingSessions(t *testing.T) {
	mux := &fakeMux{sessions: []string{"ctt-orphan-ab12", "unrelated-session"}}
	reg := &fakeRegistrar{}
	bcast := &fakeBroadcaster{}
	svc := New(mux, reg, bcast, "ctt-", nil, telemetry.New(), logrus.NewEntry(logrus.New()))

	svc.Run(false, nil)

	require.Len(t, reg.registered, 1)
	assert.Equal(t, "ctt-orphan-ab12", reg.registered[0].SessionName)
	assert.Equal(t, 1, bcast.calls)
}

func TestRunSkipsAlreadyRegisteredSessions(t *testing.T) {
	mux := &fakeMux{sessions: []string{"ctt-already"}}
	reg := &fakeRegistrar{existing: []registry.TerminalRecord{{SessionName: "ctt-already"}}}
	bcast := &fakeBroadcaster{}
	svc := New(mux, reg, bcast, "ctt-", nil, telemetry.New(), logrus.NewEntry(logrus.New()))

	svc.Run(false, nil)

	assert.Empty(t, reg.registered)
}

func TestRunMatchesLegacyPrefixes(t *testing.T) {
	mux := &fakeMux{sessions: []string{"terminal-tabs-legacy-xyz"}}
	reg := &fakeRegistrar{}
	bcast := &fakeBroadcaster{}
	svc := New(mux, reg, bcast, "ctt-", []string{"terminal-tabs-"}, telemetry.New(), logrus.NewEntry(logrus.New()))

	svc.Run(false, nil)

	require.Len(t, reg.registered, 1)
}

func TestForceCleanSkipsRecoveryAndCleansUp(t *testing.T) {
	mux := &fakeMux{sessions: []string{"ctt-should-be-ignored"}}
	reg := &fakeRegistrar{}
	bcast := &fakeBroadcaster{}
	cleaner := &fakeCleaner{}
	svc := New(mux, reg, bcast, "ctt-", nil, telemetry.New(), logrus.NewEntry(logrus.New()))

	svc.Run(true, cleaner)

	assert.Empty(t, reg.registered)
	assert.True(t, cleaner.called)
	assert.True(t, cleaner.force)
	assert.Equal(t, 1, bcast.calls)
}

func TestRunAfterDelaysExecution(t *testing.T) {
	mux := &fakeMux{sessions: nil}
	reg := &fakeRegistrar{}
	bcast := &fakeBroadcaster{}
	svc := New(mux, reg, bcast, "ctt-", nil, telemetry.New(), logrus.NewEntry(logrus.New()))

	svc.RunAfter(20*time.Millisecond, false, nil)
	assert.Equal(t, 0, bcast.calls)
	assert.Eventually(t, func() bool { return bcast.calls == 1 }, time.Second, 5*time.Millisecond)
}

func TestRunIncrementsRecoveredTotalMetric(t *testing.T) {
	mux := &fakeMux{sessions: []string{"ctt-orphan-ab12"}}
	reg := &fakeRegistrar{}
	bcast := &fakeBroadcaster{}
	metrics := telemetry.New()
	svc := New(mux, reg, bcast, "ctt-", nil, metrics, logrus.NewEntry(logrus.New()))

	svc.Run(false, nil)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RecoveredTotal))
}

func TestDisplayNameStripsPrefixAndSuffix(t *testing.T) {
	assert.Equal(t, "my-shell", displayName("ctt-my-shell-ab12cd34", "ctt-"))
	assert.Equal(t, "ctt-", displayName("ctt-", "ctt-"))
}
