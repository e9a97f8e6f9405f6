// Package lifecycle implements Lifecycle & Shutdown (spec.md §4.9): signal
// handling, graceful close of clients and PTYs, a forced-exit timeout, and
// the periodic memory-stats telemetry broadcast.
package lifecycle

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/hltdev8642/tabzchrome-broker/internal/protocol"
	"github.com/hltdev8642/tabzchrome-broker/internal/telemetry"
)

// Hub is the subset of ws.Manager lifecycle needs.
type Hub interface {
	Broadcast(v any)
	CloseAll(code int, reason string)
	ActiveCount() int
}

// Registry is the subset of the terminal registry lifecycle needs.
type Registry interface {
	Cleanup()
	GetActiveTerminalCount() int
}

// Sweeper is the subset of the ownership router lifecycle needs: the
// periodic scan that drops owners whose connection died without a clean
// unregister (spec.md §4.6).
type Sweeper interface {
	Sweep()
}

type Controller struct {
	hub     Hub
	reg     Registry
	owners  Sweeper
	metrics *telemetry.Metrics
	server  *http.Server

	// telemetryInterval is read live at the top of every loop iteration so
	// a config hot-reload takes effect without restarting the broker.
	telemetryInterval atomic.Int64
	shutdownTimeout   time.Duration

	log *logrus.Entry
}

func New(hub Hub, reg Registry, owners Sweeper, metrics *telemetry.Metrics, server *http.Server, telemetryInterval, shutdownTimeout time.Duration, log *logrus.Entry) *Controller {
	c := &Controller{
		hub:             hub,
		reg:             reg,
		owners:          owners,
		metrics:         metrics,
		server:          server,
		shutdownTimeout: shutdownTimeout,
		log:             log.WithField("component", "lifecycle"),
	}
	c.telemetryInterval.Store(int64(telemetryInterval))
	return c
}

// SetTelemetryInterval updates the live telemetry broadcast interval,
// applied at the next tick.
func (c *Controller) SetTelemetryInterval(d time.Duration) { c.telemetryInterval.Store(int64(d)) }

// RunTelemetryLoop periodically broadcasts memory-stats until ctx is done.
// The interval is re-read before scheduling each tick so SetTelemetryInterval
// takes effect on the very next cycle.
func (c *Controller) RunTelemetryLoop(ctx context.Context) {
	for {
		interval := time.Duration(c.telemetryInterval.Load())
		if interval <= 0 {
			interval = 5 * time.Second
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
			c.broadcastTelemetry()
			if c.owners != nil {
				c.owners.Sweep()
			}
		}
	}
}

func (c *Controller) broadcastTelemetry() {
	mem := telemetry.ReadMemStats()
	activeConns := c.hub.ActiveCount()
	activeTerms := c.reg.GetActiveTerminalCount()

	if c.metrics != nil {
		c.metrics.ActiveConnections.Set(float64(activeConns))
		c.metrics.ActiveTerminals.Set(float64(activeTerms))
	}

	c.hub.Broadcast(protocol.MemoryStatsMessage{
		Type:              protocol.TypeMemoryStats,
		HeapMB:            mem.HeapMB,
		RSSMB:             mem.RSSMB,
		ActiveConnections: activeConns,
		ActiveTerminals:   activeTerms,
	})
}

// WaitForSignal blocks until SIGTERM or SIGINT, then runs the graceful
// shutdown sequence: close every client with 1000, stop the PTYs
// (preserving multiplexer sessions), close the HTTP listener. If it hasn't
// finished within shutdownTimeout, the process force-exits.
func (c *Controller) WaitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	c.log.WithField("signal", sig.String()).Info("shutting down")

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				c.log.WithField("panic", r).Error("recovered from panic during shutdown")
			}
		}()
		c.hub.CloseAll(websocket.CloseNormalClosure, "shutting down")
		c.reg.Cleanup()
		ctx, cancel := context.WithTimeout(context.Background(), c.shutdownTimeout)
		defer cancel()
		if c.server != nil {
			_ = c.server.Shutdown(ctx)
		}
	}()

	timeout := c.shutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-done:
		c.log.Info("graceful shutdown complete")
	case <-time.After(timeout):
		c.log.Warn("graceful shutdown timed out, forcing exit")
		os.Exit(1)
	}
}
