package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Ghostmonday/synapse-gateway/internal/domain"
)

// Emitter broadcasts a presence envelope to one room. The gateway
// wires this to the codec and registry; the tracker itself never
// touches the wire format.
type Emitter func(roomID string, env *domain.Envelope)

// Tracker holds per-session presence status and drives the
// online → away → offline transitions. Transitions are broadcast, not
// persisted.
type Tracker struct {
	registry    *Registry
	emit        Emitter
	idleTimeout time.Duration
	now         func() time.Time

	mu     sync.Mutex
	status map[string]domain.PresenceStatus // keyed by session id
}

func NewTracker(registry *Registry, emit Emitter, idleTimeout time.Duration) *Tracker {
	return &Tracker{
		registry:    registry,
		emit:        emit,
		idleTimeout: idleTimeout,
		now:         time.Now,
		status:      make(map[string]domain.PresenceStatus),
	}
}

// Online marks the session online in one room, broadcasting the
// transition. Called on join.
func (t *Tracker) Online(sess *domain.Session, roomID string) {
	t.mu.Lock()
	t.status[sess.ID] = domain.StatusOnline
	t.mu.Unlock()

	t.emit(roomID, presenceEnvelope(roomID, sess.UserID, domain.PresenceOpStatus, domain.StatusOnline))
}

// Activity records inbound traffic: any activity moves the session
// back to online, broadcasting only when the status actually changes.
func (t *Tracker) Activity(sess *domain.Session) {
	sess.UpdateActivity()

	t.mu.Lock()
	prev := t.status[sess.ID]
	t.status[sess.ID] = domain.StatusOnline
	t.mu.Unlock()

	if prev != domain.StatusAway {
		return
	}
	for _, roomID := range sess.Rooms() {
		t.emit(roomID, presenceEnvelope(roomID, sess.UserID, domain.PresenceOpStatus, domain.StatusOnline))
	}
}

// Away explicitly marks the session away (client hint).
func (t *Tracker) Away(sess *domain.Session) {
	t.markAway(sess)
}

// Offline removes the session's presence state on disconnect. The
// affected rooms come from the registry unregister, since the session
// has already been detached.
func (t *Tracker) Offline(sess *domain.Session, affectedRooms []string) {
	t.mu.Lock()
	delete(t.status, sess.ID)
	t.mu.Unlock()

	for _, roomID := range affectedRooms {
		t.emit(roomID, presenceEnvelope(roomID, sess.UserID, domain.PresenceOpStatus, domain.StatusOffline))
	}
}

// Run scans for idle sessions until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, scanInterval time.Duration) {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.scan()
		}
	}
}

func (t *Tracker) scan() {
	cutoff := t.now().Add(-t.idleTimeout)
	for _, c := range t.registry.Clients() {
		if c.Session.LastActiveAt().Before(cutoff) {
			t.markAway(c.Session)
		}
	}
}

func (t *Tracker) markAway(sess *domain.Session) {
	t.mu.Lock()
	if t.status[sess.ID] != domain.StatusOnline {
		t.mu.Unlock()
		return
	}
	t.status[sess.ID] = domain.StatusAway
	t.mu.Unlock()

	for _, roomID := range sess.Rooms() {
		t.emit(roomID, presenceEnvelope(roomID, sess.UserID, domain.PresenceOpStatus, domain.StatusAway))
	}
}

// Status returns the tracked status for a session, offline when
// unknown.
func (t *Tracker) Status(sessionID string) domain.PresenceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.status[sessionID]; ok {
		return s
	}
	return domain.StatusOffline
}

func presenceEnvelope(roomID, userID, op string, status domain.PresenceStatus) *domain.Envelope {
	payload, _ := json.Marshal(domain.PresencePayload{
		Op:     op,
		UserID: userID,
		Status: status,
	})
	return &domain.Envelope{
		Type:    domain.TypePresence,
		RoomID:  roomID,
		Payload: payload,
	}
}

// MembersEnvelope builds the late-join sync envelope listing the users
// already present in the room.
func MembersEnvelope(roomID string, members []string) *domain.Envelope {
	payload, _ := json.Marshal(domain.PresencePayload{
		Op:      domain.PresenceOpMembers,
		Members: members,
	})
	return &domain.Envelope{
		Type:    domain.TypePresence,
		RoomID:  roomID,
		Payload: payload,
	}
}
