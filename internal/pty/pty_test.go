package pty

import (
	"os/exec"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipIfNoTmux(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("tmux"); err != nil {
		t.Skip("tmux binary not available")
	}
}

func withSession(t *testing.T, name string) {
	t.Helper()
	require.NoError(t, exec.Command("tmux", "new-session", "-d", "-s", name).Run())
	t.Cleanup(func() { _ = exec.Command("tmux", "kill-session", "-t", name).Run() })
}

func TestSpawnWriteAndExit(t *testing.T) {
	skipIfNoTmux(t)
	name := "tabz-test-pty-spawn"
	withSession(t, name)

	sup := New(50*time.Millisecond, 50*time.Millisecond, logrus.NewEntry(logrus.New()))

	outputCh := make(chan []byte, 16)
	sup.OnOutput(func(id string, data []byte) { outputCh <- data })
	exitCh := make(chan string, 1)
	sup.OnExit(func(id string) { exitCh <- id })

	require.NoError(t, sup.Spawn(Spec{ID: "t1", SessionName: name}))

	select {
	case <-outputCh:
	case <-time.After(2 * time.Second):
		t.Fatal("expected some output from the attached session")
	}

	sup.Write("t1", []byte("echo hi\r"))

	sup.Kill("t1", true)

	select {
	case id := <-exitCh:
		assert.Equal(t, "t1", id)
	case <-time.After(3 * time.Second):
		t.Fatal("expected exit notification after kill")
	}
}

func TestSpawnDuplicateIDFails(t *testing.T) {
	skipIfNoTmux(t)
	name := "tabz-test-pty-dup"
	withSession(t, name)

	sup := New(50*time.Millisecond, 50*time.Millisecond, logrus.NewEntry(logrus.New()))
	require.NoError(t, sup.Spawn(Spec{ID: "dup", SessionName: name}))
	defer sup.Kill("dup", true)

	err := sup.Spawn(Spec{ID: "dup", SessionName: name})
	assert.Error(t, err)
}

func TestWriteToUnknownTerminalIsNoop(t *testing.T) {
	sup := New(50*time.Millisecond, 50*time.Millisecond, logrus.NewEntry(logrus.New()))
	assert.NotPanics(t, func() { sup.Write("ghost", []byte("x")) })
}

func TestResizeUnknownTerminalErrors(t *testing.T) {
	sup := New(50*time.Millisecond, 50*time.Millisecond, logrus.NewEntry(logrus.New()))
	err := sup.Resize("ghost", 10, 10)
	assert.Error(t, err)
}

func TestKillUnknownTerminalIsNoop(t *testing.T) {
	sup := New(50*time.Millisecond, 50*time.Millisecond, logrus.NewEntry(logrus.New()))
	assert.NotPanics(t, func() { sup.Kill("ghost", false) })
}
