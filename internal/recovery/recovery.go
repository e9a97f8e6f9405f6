// Package recovery implements the Recovery Service (spec.md §4.8): on
// startup, unless force-clean is set, it attaches the registry to
// multiplexer sessions that survived a previous broker process. Grounded
// in the teacher's GetOrCreate double-checked-locking pattern (look up,
// then re-check under the write lock before creating), reused here for
// per-session "another recovery already claimed this name" suppression.
package recovery

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hltdev8642/tabzchrome-broker/internal/registry"
	"github.com/hltdev8642/tabzchrome-broker/internal/telemetry"
)

// Mux is the subset of the tmux adapter recovery needs.
type Mux interface {
	ListSessions(ctx context.Context) []string
	PaneCurrentPath(ctx context.Context, name string) string
	KillSession(ctx context.Context, name string) error
}

// Registrar is the subset of the registry recovery needs.
type Registrar interface {
	GetAllTerminals() []registry.TerminalRecord
	RegisterTerminal(spec registry.Spec) (registry.TerminalRecord, error)
}

// Broadcaster announces the post-recovery snapshot to every connected
// client.
type Broadcaster interface {
	BroadcastTerminalsSnapshot(recoveryComplete bool)
}

// PTYCleaner tears down any surviving PTYs for a force-clean start.
type PTYCleaner interface {
	CleanupWithGrace(force bool)
}

type Service struct {
	mux     Mux
	reg     Registrar
	bcast   Broadcaster
	metrics *telemetry.Metrics

	sessionPrefix  string
	legacyPrefixes []string

	mu       sync.Mutex
	inFlight map[string]struct{}

	log *logrus.Entry
}

func New(mux Mux, reg Registrar, bcast Broadcaster, sessionPrefix string, legacyPrefixes []string, metrics *telemetry.Metrics, log *logrus.Entry) *Service {
	return &Service{
		mux:            mux,
		reg:            reg,
		bcast:          bcast,
		metrics:        metrics,
		sessionPrefix:  sessionPrefix,
		legacyPrefixes: legacyPrefixes,
		inFlight:       make(map[string]struct{}),
		log:            log.WithField("component", "recovery"),
	}
}

// RunAfter schedules Run to start after delay, so connecting clients have a
// chance to open their WebSocket before the terminals broadcast lands.
func (s *Service) RunAfter(delay time.Duration, forceClean bool, cleaner PTYCleaner) {
	time.AfterFunc(delay, func() { s.Run(forceClean, cleaner) })
}

func (s *Service) matchesPrefix(name string) (bool, string) {
	if strings.HasPrefix(name, s.sessionPrefix) {
		return true, s.sessionPrefix
	}
	for _, p := range s.legacyPrefixes {
		if strings.HasPrefix(name, p) {
			return true, p
		}
	}
	return false, ""
}

func (s *Service) Run(forceClean bool, cleaner PTYCleaner) {
	if forceClean {
		s.log.Info("force-clean requested, tearing down any surviving PTYs and skipping recovery")
		if cleaner != nil {
			cleaner.CleanupWithGrace(true)
		}
		s.bcast.BroadcastTerminalsSnapshot(true)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sessions := s.mux.ListSessions(ctx)
	existing := make(map[string]struct{})
	for _, rec := range s.reg.GetAllTerminals() {
		existing[rec.SessionName] = struct{}{}
	}

	recovered := 0
	for _, name := range sessions {
		ok, matchedPrefix := s.matchesPrefix(name)
		if !ok {
			continue
		}
		if _, already := existing[name]; already {
			continue
		}

		s.mu.Lock()
		if _, inFlight := s.inFlight[name]; inFlight {
			s.mu.Unlock()
			continue
		}
		s.inFlight[name] = struct{}{}
		s.mu.Unlock()

		if s.recoverOne(ctx, name, matchedPrefix) {
			recovered++
		}

		s.mu.Lock()
		delete(s.inFlight, name)
		s.mu.Unlock()
	}

	s.log.WithField("count", recovered).Info("recovery complete")
	s.bcast.BroadcastTerminalsSnapshot(true)
}

func (s *Service) recoverOne(ctx context.Context, sessionName, matchedPrefix string) bool {
	workingDir := s.mux.PaneCurrentPath(ctx, sessionName)
	if workingDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			workingDir = home
		}
	}

	name := displayName(sessionName, matchedPrefix)

	_, err := s.reg.RegisterTerminal(registry.Spec{
		Name:        name,
		SessionName: sessionName,
		WorkingDir:  workingDir,
	})
	if err != nil {
		s.log.WithError(err).WithField("sessionName", sessionName).Warn("recovery: registering terminal failed, skipping")
		return false
	}
	if s.metrics != nil {
		s.metrics.RecoveredTotal.Inc()
	}
	return true
}

func displayName(sessionName, matchedPrefix string) string {
	slug := strings.TrimPrefix(sessionName, matchedPrefix)
	if idx := strings.LastIndex(slug, "-"); idx > 0 {
		slug = slug[:idx]
	}
	if slug == "" {
		return sessionName
	}
	return slug
}
