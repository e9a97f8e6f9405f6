// Package server wires the narrow HTTP surface (spec.md §6.2, plus the
// SPEC_FULL.md /metrics supplement): GET /api/auth/token, POST /api/spawn,
// GET /metrics, and the WebSocket upgrade endpoint. Grounded in the
// teacher's server package (a single http.ServeMux with path-pattern
// routes and an auth.Middleware wrapper), generalized to chi for routing
// and go-chi/cors for the loopback-only CORS policy, both pulled from
// StrongheartedX-markdown-themes.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/hltdev8642/tabzchrome-broker/internal/auth"
	"github.com/hltdev8642/tabzchrome-broker/internal/spawn"
	"github.com/hltdev8642/tabzchrome-broker/internal/telemetry"
	"github.com/hltdev8642/tabzchrome-broker/internal/ws"
)

type spawnRequest struct {
	Name       string `json:"name"`
	WorkingDir string `json:"workingDir"`
	Command    string `json:"command"`
}

type spawnResponse struct {
	Success  bool `json:"success"`
	Terminal any  `json:"terminal,omitempty"`
}

// New builds the chi router for the broker's whole HTTP surface.
func New(tokens *auth.Store, manager *ws.Manager, upgrader websocket.Upgrader, orchestrator *spawn.Orchestrator, metrics *telemetry.Metrics, homeDir string, log *logrus.Entry) http.Handler {
	l := log.WithField("component", "server")
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Content-Type", "X-Auth-Token", "Authorization"},
		AllowCredentials: false,
	}))

	r.Get("/api/auth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"token": tokens.Token()})
	})

	r.Group(func(r chi.Router) {
		r.Use(tokens.Middleware)

		r.Post("/api/spawn", func(w http.ResponseWriter, r *http.Request) {
			var req spawnRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			if req.WorkingDir == "" {
				req.WorkingDir = homeDir
			}
			rec, err := orchestrator.HTTPSpawn(req.Name, req.WorkingDir, req.Command)
			if err != nil {
				l.WithError(err).Warn("http spawn failed")
				http.Error(w, "spawn failed", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(spawnResponse{Success: true, Terminal: rec})
		})
	})

	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// spec.md §6.1: ws://127.0.0.1:<port>/?token=<hex> — the WebSocket
	// upgrade lives at the root path, not a dedicated /ws route.
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			l.WithError(err).Debug("websocket upgrade failed")
			return
		}
		token := r.URL.Query().Get("token")
		if err := tokens.Validate(token); err != nil {
			deadline := time.Now().Add(time.Second)
			_ = wsConn.WriteControl(websocket.ClosePolicyViolation,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token"), deadline)
			_ = wsConn.Close()
			return
		}
		if err := manager.AcceptConn(wsConn); err != nil {
			l.WithError(err).Debug("websocket connection error")
		}
	})

	return r
}
