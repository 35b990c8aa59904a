// Package hub maintains the in-process room→sessions cache, per-user
// presence state and the non-blocking fan-out path. Room membership
// here is a liveness cache, not authoritative membership; that lives
// in the external store.
package hub

import (
	"sync"

	"github.com/Ghostmonday/synapse-gateway/pkg/log"
)

// Registry maps room ids to the sessions currently attached. A session
// appears in a room's set iff it joined and has not left or
// disconnected.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]*Client
	clients map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:   make(map[string]map[string]*Client),
		clients: make(map[string]*Client),
	}
}

func (r *Registry) Register(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ID] = c
	log.L().Debug().Str(log.FieldSessionID, c.ID).Msg("session registered")
}

// Unregister removes the session from the registry and from every room
// it held, returning the affected room ids so the caller can emit
// presence-offline envelopes.
func (r *Registry) Unregister(c *Client) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c.ID]; !ok {
		return nil
	}
	delete(r.clients, c.ID)

	var affected []string
	for roomID, members := range r.rooms {
		if _, ok := members[c.ID]; !ok {
			continue
		}
		delete(members, c.ID)
		affected = append(affected, roomID)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}

	c.Close()
	log.L().Debug().Str(log.FieldSessionID, c.ID).Msg("session unregistered")
	return affected
}

// Join adds the session to the room set, idempotently, and returns the
// user ids already present for late-join sync.
func (r *Registry) Join(roomID string, c *Client) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]*Client)
		r.rooms[roomID] = members
	}

	current := make([]string, 0, len(members))
	for _, m := range members {
		current = append(current, m.Session.UserID)
	}

	members[c.ID] = c
	c.Session.JoinRoom(roomID)

	log.L().Info().
		Str(log.FieldSessionID, c.ID).
		Str(log.FieldRoomID, roomID).
		Msg("session joined room")
	return current
}

// Leave removes the session from the room set, idempotently. An empty
// room is evicted from the cache; the external store is untouched.
func (r *Registry) Leave(roomID string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if members, ok := r.rooms[roomID]; ok {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
	c.Session.LeaveRoom(roomID)
}

// Broadcast delivers the frame to every session in the room except
// excludeID. Delivery is best-effort per recipient: a full queue drops
// the frame for that session only. Frames enqueue in call order, so
// any one recipient sees the server-side acceptance order.
func (r *Registry) Broadcast(roomID string, frame []byte, excludeID string) (delivered, dropped int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, c := range r.rooms[roomID] {
		if id == excludeID {
			continue
		}
		if c.Enqueue(frame) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}

// RoomSize reports how many sessions are attached to the room.
func (r *Registry) RoomSize(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// Clients returns a snapshot of all registered clients.
func (r *Registry) Clients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// Get looks up a client by session id.
func (r *Registry) Get(sessionID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[sessionID]
	return c, ok
}
