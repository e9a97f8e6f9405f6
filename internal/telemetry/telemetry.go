// Package telemetry exposes the broker's health signals two ways, per
// SPEC_FULL.md's supplement to spec.md §4.9: the periodic `memory-stats`
// WebSocket broadcast (purely informational, its absence never implies
// disconnection) and a Prometheus /metrics surface for operators. Grounded
// in apex-build-platform's use of github.com/prometheus/client_golang,
// the only repo in the pack that wires that dependency.
package telemetry

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the broker's Prometheus registry and gauge/counter set.
type Metrics struct {
	Registry *prometheus.Registry

	ActiveConnections prometheus.Gauge
	ActiveTerminals   prometheus.Gauge
	SpawnTotal        prometheus.Counter
	SpawnErrorsTotal  prometheus.Counter
	RecoveredTotal    prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tabz_active_connections",
			Help: "Number of currently open WebSocket connections.",
		}),
		ActiveTerminals: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tabz_active_terminals",
			Help: "Number of terminals currently in the registry.",
		}),
		SpawnTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tabz_spawn_total",
			Help: "Total number of successful terminal spawns.",
		}),
		SpawnErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tabz_spawn_errors_total",
			Help: "Total number of failed spawn attempts.",
		}),
		RecoveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tabz_recovered_terminals_total",
			Help: "Total number of terminals reattached on recovery.",
		}),
	}
	reg.MustRegister(m.ActiveConnections, m.ActiveTerminals, m.SpawnTotal, m.SpawnErrorsTotal, m.RecoveredTotal)
	return m
}

// MemStats is a snapshot of heap/RSS usage in MiB, for the memory-stats
// broadcast.
type MemStats struct {
	HeapMB float64
	RSSMB  float64
}

func ReadMemStats() MemStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	const mib = 1024 * 1024
	return MemStats{
		HeapMB: float64(ms.HeapAlloc) / mib,
		RSSMB:  float64(ms.Sys) / mib,
	}
}
