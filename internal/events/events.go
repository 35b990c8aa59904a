// Package events publishes moderation decisions to Kafka for the
// downstream reconciliation job and analytics consumers. Publishing is
// side-channel only; the gateway never blocks a broadcast on it.
package events

import (
	"context"
	"time"
)

// Event kinds.
const (
	KindFlag         = "flag"
	KindStrike       = "strike"
	KindProbation    = "probation"
	KindBan          = "ban"
	KindWarning      = "warning"
	KindAuditPending = "audit_pending"
)

// ModerationEvent is the JSON record produced per moderation decision.
type ModerationEvent struct {
	Kind     string    `json:"kind"`
	RoomID   string    `json:"room_id"`
	UserID   string    `json:"user_id"`
	Strikes  int       `json:"strikes"`
	Role     string    `json:"role"`
	Category string    `json:"category,omitempty"`
	Score    float64   `json:"score,omitempty"`
	At       time.Time `json:"at"`
}

type Producer interface {
	Publish(ctx context.Context, ev *ModerationEvent) error
	Close() error
}

// NopProducer is used when no brokers are configured.
type NopProducer struct{}

func (NopProducer) Publish(ctx context.Context, ev *ModerationEvent) error { return nil }
func (NopProducer) Close() error                                           { return nil }
