// Package ownership implements the Ownership Router (spec.md §4.6): the
// terminalId -> set<Client> map that is the sole source of truth for PTY
// output fan-out. No teacher file modeled this directly (the teacher has a
// single implicit owner per session, swapped on WebSocket reconnect); this
// package exists because spec.md §9 calls implicit-via-connection
// ownership a trap the broker must not repeat — ownership is acquired only
// through an explicit `reconnect` or by originating a `spawn`.
package ownership

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Client is anything that can receive a serialized outbound frame. The
// connection manager's per-WebSocket type implements this; nothing in this
// package needs to know about WebSockets.
type Client interface {
	ID() string
	Send(data []byte) error
	Active() bool
}

// Router owns the terminalId -> set<Client> map.
type Router struct {
	mu     sync.RWMutex
	owners map[string]map[string]Client

	log *logrus.Entry
}

func New(log *logrus.Entry) *Router {
	return &Router{
		owners: make(map[string]map[string]Client),
		log:    log.WithField("component", "ownership"),
	}
}

// AddOwner records that client now owns terminalId's output stream.
func (r *Router) AddOwner(terminalID string, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.owners[terminalID]
	if !ok {
		set = make(map[string]Client)
		r.owners[terminalID] = set
	}
	set[c.ID()] = c
}

// RemoveOwner drops client from terminalId's set, deleting the set if it
// becomes empty.
func (r *Router) RemoveOwner(terminalID string, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.owners[terminalID]
	if !ok {
		return
	}
	delete(set, clientID)
	if len(set) == 0 {
		delete(r.owners, terminalID)
	}
}

// RemoveClientEverywhere drops clientID from every terminal's owner set,
// used on connection close.
func (r *Router) RemoveClientEverywhere(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for terminalID, set := range r.owners {
		if _, ok := set[clientID]; ok {
			delete(set, clientID)
			if len(set) == 0 {
				delete(r.owners, terminalID)
			}
		}
	}
}

// OwnedTerminals returns the terminal ids clientID currently owns.
func (r *Router) OwnedTerminals(clientID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for terminalID, set := range r.owners {
		if _, ok := set[clientID]; ok {
			ids = append(ids, terminalID)
		}
	}
	return ids
}

// Route delivers data for terminalID to every owner whose connection is
// writable, then prunes any that failed or went inactive. If there are no
// owners, the event is dropped — the set of all connected clients is never
// used as a fallback.
func (r *Router) Route(terminalID string, data []byte) {
	r.mu.RLock()
	set, ok := r.owners[terminalID]
	if !ok || len(set) == 0 {
		r.mu.RUnlock()
		return
	}
	clients := make([]Client, 0, len(set))
	for _, c := range set {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	var dead []string
	for _, c := range clients {
		if !c.Active() {
			dead = append(dead, c.ID())
			continue
		}
		if err := c.Send(data); err != nil {
			dead = append(dead, c.ID())
		}
	}

	if len(dead) == 0 {
		return
	}
	r.mu.Lock()
	set, ok = r.owners[terminalID]
	if ok {
		for _, id := range dead {
			delete(set, id)
		}
		if len(set) == 0 {
			delete(r.owners, terminalID)
		}
	}
	r.mu.Unlock()
}

// Sweep scans the whole map and removes any client whose Active() reports
// false, independent of the per-route pruning above. Intended to run
// periodically (spec.md §4.6).
func (r *Router) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for terminalID, set := range r.owners {
		for id, c := range set {
			if !c.Active() {
				delete(set, id)
			}
		}
		if len(set) == 0 {
			delete(r.owners, terminalID)
		}
	}
}
