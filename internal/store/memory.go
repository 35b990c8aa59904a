package store

import (
	"context"
	"sync"
	"time"

	"github.com/Ghostmonday/synapse-gateway/internal/domain"
)

// MemoryRepository is the in-process Repository used by tests and by
// deployments without a relational store configured.
type MemoryRepository struct {
	mu          sync.Mutex
	memberships map[string]Membership
	strikes     map[string]domain.StrikeRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		memberships: make(map[string]Membership),
		strikes:     make(map[string]domain.StrikeRecord),
	}
}

func pairKey(roomID, userID string) string {
	return roomID + "\x00" + userID
}

func (m *MemoryRepository) SaveMembership(ctx context.Context, roomID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(roomID, userID)
	if _, ok := m.memberships[key]; !ok {
		m.memberships[key] = Membership{RoomID: roomID, UserID: userID, JoinedAt: time.Now().UTC()}
	}
	return nil
}

func (m *MemoryRepository) RemoveMembership(ctx context.Context, roomID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.memberships, pairKey(roomID, userID))
	return nil
}

func (m *MemoryRepository) GetStrikeRecord(ctx context.Context, roomID, userID string) (*domain.StrikeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.strikes[pairKey(roomID, userID)]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

func (m *MemoryRepository) SaveStrikeRecord(ctx context.Context, rec *domain.StrikeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Version++
	m.strikes[pairKey(rec.RoomID, rec.UserID)] = *rec
	return nil
}

func (m *MemoryRepository) ResetStrikeRecord(ctx context.Context, roomID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(roomID, userID)
	rec, ok := m.strikes[key]
	if !ok {
		return nil
	}
	rec.Strikes = 0
	rec.Role = domain.RoleMember
	rec.ProbationUntil = nil
	rec.LastWarningAt = nil
	m.strikes[key] = rec
	return nil
}
