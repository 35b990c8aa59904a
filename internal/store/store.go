// Package store is the narrow repository over the external relational
// store. Room membership and strike records are the only entities
// persisted here; every call sits behind the admission circuit breaker.
package store

import (
	"context"
	"time"

	"github.com/Ghostmonday/synapse-gateway/internal/domain"
)

// Membership is the persisted room-membership row. The in-memory hub
// cache is authoritative for liveness; this is durable membership.
type Membership struct {
	RoomID   string `gorm:"primaryKey;size:64"`
	UserID   string `gorm:"primaryKey;size:64"`
	JoinedAt time.Time
	Version  uint64 `gorm:"not null;default:0"`
}

// Repository is the backing store interface. GetStrikeRecord returns
// (nil, nil) when no record exists for the pair.
type Repository interface {
	SaveMembership(ctx context.Context, roomID, userID string) error
	RemoveMembership(ctx context.Context, roomID, userID string) error

	GetStrikeRecord(ctx context.Context, roomID, userID string) (*domain.StrikeRecord, error)
	SaveStrikeRecord(ctx context.Context, rec *domain.StrikeRecord) error

	// ResetStrikeRecord is the explicit administrative reset, the only
	// backward transition a strike record ever takes.
	ResetStrikeRecord(ctx context.Context, roomID, userID string) error
}
