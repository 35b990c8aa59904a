package store

import (
	"context"

	"github.com/Ghostmonday/synapse-gateway/internal/admission"
	"github.com/Ghostmonday/synapse-gateway/internal/domain"
)

// Guarded wraps a Repository so every call passes through the circuit
// breaker. When the breaker is open, calls fail fast with
// admission.ErrOpen and never reach the store.
type Guarded struct {
	repo    Repository
	breaker *admission.Breaker
}

func NewGuarded(repo Repository, breaker *admission.Breaker) *Guarded {
	return &Guarded{repo: repo, breaker: breaker}
}

func (g *Guarded) SaveMembership(ctx context.Context, roomID, userID string) error {
	return g.breaker.Do(ctx, func(ctx context.Context) error {
		return g.repo.SaveMembership(ctx, roomID, userID)
	})
}

func (g *Guarded) RemoveMembership(ctx context.Context, roomID, userID string) error {
	return g.breaker.Do(ctx, func(ctx context.Context) error {
		return g.repo.RemoveMembership(ctx, roomID, userID)
	})
}

func (g *Guarded) GetStrikeRecord(ctx context.Context, roomID, userID string) (*domain.StrikeRecord, error) {
	var rec *domain.StrikeRecord
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		rec, err = g.repo.GetStrikeRecord(ctx, roomID, userID)
		return err
	})
	return rec, err
}

func (g *Guarded) SaveStrikeRecord(ctx context.Context, rec *domain.StrikeRecord) error {
	return g.breaker.Do(ctx, func(ctx context.Context) error {
		return g.repo.SaveStrikeRecord(ctx, rec)
	})
}

func (g *Guarded) ResetStrikeRecord(ctx context.Context, roomID, userID string) error {
	return g.breaker.Do(ctx, func(ctx context.Context) error {
		return g.repo.ResetStrikeRecord(ctx, roomID, userID)
	})
}
