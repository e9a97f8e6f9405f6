package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/hltdev8642/tabzchrome-broker/internal/ownership"
	"github.com/hltdev8642/tabzchrome-broker/internal/protocol"
	"github.com/hltdev8642/tabzchrome-broker/internal/registry"
	"github.com/hltdev8642/tabzchrome-broker/internal/tmux"
)

// Spawner is the narrow interface the connection manager needs from the
// spawn orchestrator (C7). Declared here, consumer-side, so this package
// never imports the spawn package (which itself needs a Broadcaster shaped
// like Hub.Broadcast) — avoids an import cycle between ws and spawn.
type Spawner interface {
	HandleSpawn(c ownership.Client, originID string, cfg protocol.SpawnConfig, requestID string)
}

// Registry is the subset of *registry.Registry the dispatcher drives.
type Registry interface {
	GetAllTerminals() []registry.TerminalRecord
	GetActiveTerminalCount() int
	SendCommand(id string, data []byte)
	ResizeTerminal(id string, cols, rows int)
	CloseTerminal(id string, force bool) error
	DisconnectTerminal(id string)
	CancelDisconnect(id string) bool
	ReconnectToTerminal(id string) (registry.TerminalRecord, error)
	SetEmbedded(id string, embedded bool)
}

// Manager is the Connection Manager (C5): Hub plus everything a
// connection's dispatch loop needs.
type Manager struct {
	*Hub

	registry       Registry
	owners         *ownership.Router
	mux            *tmux.Adapter
	spawner        Spawner
	sessionPrefix  string
	legacyPrefixes []string
	commandDelay   time.Duration

	// maxMalformedMin is read live when a new connection is accepted, so a
	// config hot-reload takes effect for subsequently accepted connections
	// without a restart.
	maxMalformedMin atomic.Int32
}

func NewManager(hub *Hub, reg Registry, owners *ownership.Router, mux *tmux.Adapter, spawner Spawner, sessionPrefix string, legacyPrefixes []string, commandDelay time.Duration, maxMalformedPerMinute int) *Manager {
	m := &Manager{
		Hub:            hub,
		registry:       reg,
		owners:         owners,
		mux:            mux,
		spawner:        spawner,
		sessionPrefix:  sessionPrefix,
		legacyPrefixes: legacyPrefixes,
		commandDelay:   commandDelay,
	}
	m.maxMalformedMin.Store(int32(maxMalformedPerMinute))
	return m
}

// SetMaxMalformedPerMinute updates the live malformed-message rate limit
// applied to connections accepted from this point on.
func (m *Manager) SetMaxMalformedPerMinute(n int) { m.maxMalformedMin.Store(int32(n)) }

// Connection is the per-WebSocket state (ConnectionRecord, spec.md §3).
type Connection struct {
	id   string
	conn *websocket.Conn
	mgr  *Manager

	send chan []byte
	done chan struct{}
	once sync.Once
	closed int32

	clientKind string

	mu        sync.Mutex
	terminals map[string]struct{} // ownership acquired here via reconnect or resize, for close-time disconnect; spawn-originated ownership lives only in the router and is not disconnected on close

	limiter *rate.Limiter

	log *logrus.Entry
}

// ID implements ownership.Client.
func (c *Connection) ID() string { return c.id }

// Active implements ownership.Client.
func (c *Connection) Active() bool { return atomic.LoadInt32(&c.closed) == 0 }

// Send implements ownership.Client. A full send buffer means the client is
// slow/dead; it is never allowed to block the caller (spec.md §5
// backpressure policy).
func (c *Connection) Send(data []byte) error {
	if !c.Active() {
		return errClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.closeWithCode(websocket.CloseMessageTooBig, "send buffer full")
		return errBufferFull
	}
}

func (c *Connection) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.WithError(err).Error("marshal outbound message failed")
		return
	}
	_ = c.Send(data)
}

func (c *Connection) closeWithCode(code int, reason string) {
	c.once.Do(func() {
		atomic.StoreInt32(&c.closed, 1)
		close(c.done)
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.conn.Close()
	})
}

// Accept upgrades r into a WebSocket connection, registers it, and runs its
// read/write pumps until it closes. Blocks until the connection ends.
func (m *Manager) Accept(w http.ResponseWriter, r *http.Request, upgrader websocket.Upgrader) error {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	return m.AcceptConn(wsConn)
}

// AcceptConn runs the connection lifecycle over an already-upgraded
// WebSocket. Used directly by the HTTP handler so an invalid token can be
// rejected with a proper WS close code 1008 (spec.md §6.1) instead of a
// bare HTTP status, which isn't observable once the upgrade has happened.
func (m *Manager) AcceptConn(wsConn *websocket.Conn) error {
	maxMalformed := int(m.maxMalformedMin.Load())
	c := &Connection{
		id:         uuid.New().String(),
		conn:       wsConn,
		mgr:        m,
		send:       make(chan []byte, 256),
		done:       make(chan struct{}),
		clientKind: "unknown",
		terminals:  make(map[string]struct{}),
		limiter:    rate.NewLimiter(rate.Limit(float64(maxMalformed)/60.0), maxMalformed),
	}
	c.log = m.log.WithField("connId", c.id)

	m.register(c)
	c.sendJSON(protocol.MemoryStatsMessage{
		Type:              protocol.TypeMemoryStats,
		ActiveConnections: m.ActiveCount(),
		ActiveTerminals:   m.registry.GetActiveTerminalCount(),
	})

	go c.writePump()
	c.readPump()
	return nil
}

func (c *Connection) writePump() {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("panic", r).Error("recovered from panic in writePump")
		}
	}()
	for {
		select {
		case data := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.closeWithCode(websocket.CloseInternalServerErr, "write failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Connection) readPump() {
	defer c.cleanup()
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if !c.handleFrame(data) {
			return
		}
	}
}

// handleFrame returns false if the connection should be torn down.
func (c *Connection) handleFrame(data []byte) bool {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		// Malformed JSON is immediate grounds for termination (spec.md §7
		// ValidationFailure / §4.5).
		c.log.WithError(err).Warn("malformed JSON frame, closing connection")
		c.closeWithCode(websocket.ClosePolicyViolation, "malformed json")
		return false
	}

	switch env.Type {
	case protocol.TypeIdentify:
		var m protocol.IdentifyMessage
		_ = json.Unmarshal(env.Raw, &m)
		c.clientKind = m.ClientType
		if m.ClientType == "sidebar" {
			c.mgr.markSidebar(c)
		}
	case protocol.TypeListTerminals:
		c.sendTerminalsSnapshot(false)
	case protocol.TypeSpawn:
		var m protocol.SpawnMessage
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return c.malformed()
		}
		c.mgr.spawner.HandleSpawn(c, c.id, m.Config, m.RequestID)
	case protocol.TypeCommand:
		var m protocol.CommandMessage
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return c.malformed()
		}
		c.mgr.registry.SendCommand(m.TerminalID, []byte(m.Command))
	case protocol.TypeTargetedPaneSend:
		var m protocol.TargetedPaneSendMessage
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return c.malformed()
		}
		c.sendToTarget(m.TmuxPane, m.Text, m.SendEnter)
	case protocol.TypeTmuxSessionSend:
		var m protocol.TmuxSessionSendMessage
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return c.malformed()
		}
		c.sendToTarget(m.SessionName, m.Text, m.SendEnter)
	case protocol.TypeResize:
		var m protocol.ResizeMessage
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return c.malformed()
		}
		c.mgr.registry.ResizeTerminal(m.TerminalID, m.Cols, m.Rows)
		// Legacy compatibility: resize implicitly registers ownership.
		c.addOwnedTerminal(m.TerminalID)
	case protocol.TypeDetach:
		var m protocol.TerminalIDMessage
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return c.malformed()
		}
		id := m.ID()
		_ = c.mgr.registry.CloseTerminal(id, false)
		c.removeOwnedTerminal(id)
	case protocol.TypeClose:
		var m protocol.TerminalIDMessage
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return c.malformed()
		}
		id := m.ID()
		_ = c.mgr.registry.CloseTerminal(id, true)
		c.removeOwnedTerminal(id)
	case protocol.TypeReconnect:
		var m protocol.TerminalIDMessage
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return c.malformed()
		}
		id := m.ID()
		rec, err := c.mgr.registry.ReconnectToTerminal(id)
		if err != nil {
			c.sendJSON(protocol.ReconnectFailedMessage{Type: protocol.TypeReconnectFailed, TerminalID: id, Reason: err.Error()})
		} else {
			c.addOwnedTerminal(id)
			c.sendJSON(protocol.ReconnectedMessage{Type: protocol.TypeTerminalReconnected, Terminal: rec})
		}
	case protocol.TypeQueryTmuxSessions:
		c.sendTmuxSessions()
	case protocol.TypeUpdateEmbedded:
		var m protocol.UpdateEmbeddedMessage
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return c.malformed()
		}
		c.mgr.registry.SetEmbedded(m.TerminalID, m.Embedded)
	default:
		return c.malformed()
	}
	return true
}

// malformed counts one tick against the per-connection rate limiter; on
// exceeding MAX_MALFORMED_PER_MINUTE it terminates the connection, per
// spec.md §4.5 and the §8 rate-limit law.
func (c *Connection) malformed() bool {
	c.sendJSON(protocol.ErrorMessage{Type: protocol.TypeError, Message: "malformed or unknown message"})
	if !c.limiter.Allow() {
		c.log.Warn("malformed message rate exceeded, closing connection")
		c.closeWithCode(websocket.ClosePolicyViolation, "rate limit exceeded")
		return false
	}
	return true
}

func (c *Connection) addOwnedTerminal(id string) {
	c.mu.Lock()
	c.terminals[id] = struct{}{}
	c.mu.Unlock()
	c.mgr.owners.AddOwner(id, c)
}

func (c *Connection) removeOwnedTerminal(id string) {
	c.mu.Lock()
	delete(c.terminals, id)
	c.mu.Unlock()
	c.mgr.owners.RemoveOwner(id, c.id)
}

func (c *Connection) sendTerminalsSnapshot(recoveryComplete bool) {
	all := c.mgr.registry.GetAllTerminals()
	filtered := make([]any, 0, len(all))
	for _, rec := range all {
		if c.mgr.matchesManagedPrefix(rec.SessionName) {
			filtered = append(filtered, rec)
		}
	}
	c.sendJSON(protocol.TerminalsMessage{
		Type:             protocol.TypeTerminals,
		Terminals:        filtered,
		ConnectionCount:  c.mgr.SidebarCount(),
		RecoveryComplete: recoveryComplete,
	})
}

func (m *Manager) matchesManagedPrefix(sessionName string) bool {
	if hasPrefix(sessionName, m.sessionPrefix) {
		return true
	}
	for _, p := range m.legacyPrefixes {
		if hasPrefix(sessionName, p) {
			return true
		}
	}
	return false
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func (c *Connection) sendToTarget(target, text string, sendEnter bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if text != "" {
		if err := c.mgr.mux.SendLiteral(ctx, target, text); err != nil {
			c.log.WithError(err).WithField("target", target).Warn("send-literal failed")
			return
		}
	}
	if sendEnter {
		delay := c.mgr.commandDelay
		if delay <= 0 {
			delay = 300 * time.Millisecond
		}
		time.Sleep(delay)
		if err := c.mgr.mux.SendKey(ctx, target, "Enter"); err != nil {
			c.log.WithError(err).WithField("target", target).Warn("send-key Enter failed")
		}
	}
}

func (c *Connection) sendTmuxSessions() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	all := c.mgr.mux.ListSessions(ctx)
	filtered := make([]string, 0, len(all))
	for _, s := range all {
		if c.mgr.matchesManagedPrefix(s) {
			filtered = append(filtered, s)
		}
	}
	c.sendJSON(protocol.TmuxSessionsListMessage{Type: protocol.TypeTmuxSessionsList, Sessions: filtered})
}

func (c *Connection) cleanup() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.terminals))
	for id := range c.terminals {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.mgr.registry.DisconnectTerminal(id)
	}
	c.mgr.owners.RemoveClientEverywhere(c.id)
	c.mgr.unregister(c)
	c.closeWithCode(websocket.CloseNormalClosure, "")
}

// BroadcastTerminalsSnapshot sends the registry snapshot with
// recoveryComplete=true to every connection, used once by the recovery
// service after it finishes (spec.md §4.8).
func (m *Manager) BroadcastTerminalsSnapshot(recoveryComplete bool) {
	all := m.registry.GetAllTerminals()
	filtered := make([]any, 0, len(all))
	for _, rec := range all {
		if m.matchesManagedPrefix(rec.SessionName) {
			filtered = append(filtered, rec)
		}
	}
	m.Broadcast(protocol.TerminalsMessage{
		Type:             protocol.TypeTerminals,
		Terminals:        filtered,
		ConnectionCount:  m.SidebarCount(),
		RecoveryComplete: recoveryComplete,
	})
}

// BuildOutputFrame JSON-encodes a terminal-output frame. PTY bytes are not
// guaranteed valid UTF-8, so the payload is base64-encoded rather than
// embedded as a raw JSON string.
func BuildOutputFrame(terminalID string, data []byte) []byte {
	out, _ := json.Marshal(protocol.TerminalOutputMessage{
		Type:       protocol.TypeTerminalOutput,
		TerminalID: terminalID,
		Data:       base64.StdEncoding.EncodeToString(data),
	})
	return out
}

var (
	errClosed     = websocketErr("connection closed")
	errBufferFull = websocketErr("send buffer full")
)

type websocketErr string

func (e websocketErr) Error() string { return string(e) }
