package domain

import (
	"sync"
	"time"
)

// Session is one live client connection. Owned by the connection manager;
// created on successful handshake, destroyed on disconnect. Never persisted.
type Session struct {
	ID              string
	UserID          string
	Username        string
	RemoteIP        string
	ProtocolVersion int

	mu           sync.RWMutex
	rooms        map[string]struct{}
	lastPong     time.Time
	lastActiveAt time.Time
	createdAt    time.Time
}

func NewSession(id, userID, username, remoteIP string, protocolVersion int) *Session {
	now := time.Now()
	return &Session{
		ID:              id,
		UserID:          userID,
		Username:        username,
		RemoteIP:        remoteIP,
		ProtocolVersion: protocolVersion,
		rooms:           make(map[string]struct{}),
		lastPong:        now,
		lastActiveAt:    now,
		createdAt:       now,
	}
}

func (s *Session) JoinRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[roomID] = struct{}{}
	s.lastActiveAt = time.Now()
}

func (s *Session) LeaveRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
	s.lastActiveAt = time.Now()
}

func (s *Session) InRoom(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomID]
	return ok
}

// Rooms returns a snapshot of the joined room ids.
func (s *Session) Rooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	return out
}

func (s *Session) UpdateActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActiveAt = time.Now()
}

func (s *Session) LastActiveAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActiveAt
}

func (s *Session) MarkPong() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPong = time.Now()
}

func (s *Session) LastPong() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPong
}
