// Package moderation scores inbound user content, applies the
// strike/probation/ban state machine and records every decision in the
// audit ledger before the broadcast decision is finalized.
//
// Moderation is advisory: a flagged message is still broadcast, marked
// flagged in its envelope metadata. Only a ban gates traffic, and that
// gate lives in the connection manager.
package moderation

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"github.com/Ghostmonday/synapse-gateway/internal/domain"
	"github.com/Ghostmonday/synapse-gateway/internal/events"
	"github.com/Ghostmonday/synapse-gateway/internal/ledger"
	"github.com/Ghostmonday/synapse-gateway/internal/store"
	"github.com/Ghostmonday/synapse-gateway/pkg/log"
)

const arenaShards = 32

// Verdict is the outcome of reviewing one message.
type Verdict struct {
	Flagged            bool
	ScoringUnavailable bool
	AuditPending       bool
	Warn               bool
	Strikes            int
	Role               domain.Role
	Category           string
	Score              float64
}

// EnvelopeFlags translates the verdict into wire flag bits.
func (v *Verdict) EnvelopeFlags() byte {
	var f byte
	if v.Flagged {
		f |= domain.FlagFlagged
	}
	if v.AuditPending {
		f |= domain.FlagAuditPending
	}
	if v.ScoringUnavailable {
		f |= domain.FlagScoringUnavailable
	}
	return f
}

// record is one arena slot. Its mutex serializes every mutation of the
// strike state for one (room, user) pair; lazy loading from the
// repository happens under the same lock.
type record struct {
	mu     sync.Mutex
	loaded bool
	rec    domain.StrikeRecord
}

type shard struct {
	mu      sync.RWMutex
	records map[string]*record
}

// Engine applies the moderation governance policy. Strike records are
// kept in a sharded arena keyed by (room, user); there is deliberately
// no lock spanning more than one record.
type Engine struct {
	policy   *PolicySource
	scorer   Scorer
	audit    *ledger.Ledger
	repo     store.Repository
	producer events.Producer

	scoreTimeout time.Duration
	shards       [arenaShards]shard
	now          func() time.Time
}

func NewEngine(policy *PolicySource, scorer Scorer, audit *ledger.Ledger, repo store.Repository, producer events.Producer, scoreTimeout time.Duration) *Engine {
	e := &Engine{
		policy:       policy,
		scorer:       scorer,
		audit:        audit,
		repo:         repo,
		producer:     producer,
		scoreTimeout: scoreTimeout,
		now:          time.Now,
	}
	for i := range e.shards {
		e.shards[i].records = make(map[string]*record)
	}
	return e
}

func (e *Engine) slot(roomID, userID string) *record {
	key := roomID + "\x00" + userID
	h := fnv.New32a()
	h.Write([]byte(key))
	s := &e.shards[h.Sum32()%arenaShards]

	s.mu.RLock()
	r, ok := s.records[key]
	s.mu.RUnlock()
	if ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok = s.records[key]; ok {
		return r
	}
	r = &record{rec: domain.StrikeRecord{RoomID: roomID, UserID: userID, Role: domain.RoleMember}}
	s.records[key] = r
	return r
}

// load pulls the persisted record once per arena slot. Store failure is
// tolerated: the user starts from a clean in-memory record and the
// breaker shields the store from the retry storm.
func (e *Engine) load(ctx context.Context, r *record) {
	if r.loaded {
		return
	}
	r.loaded = true
	persisted, err := e.repo.GetStrikeRecord(ctx, r.rec.RoomID, r.rec.UserID)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).
			Str(log.FieldRoomID, r.rec.RoomID).
			Str(log.FieldUserID, r.rec.UserID).
			Msg("strike record load failed, starting clean")
		return
	}
	if persisted != nil {
		r.rec = *persisted
	}
}

// Standing returns the current role of a user in a room. Used by the
// connection manager to reject join and messaging operations from
// banned users before any other processing.
func (e *Engine) Standing(ctx context.Context, roomID, userID string) domain.Role {
	r := e.slot(roomID, userID)
	r.mu.Lock()
	defer r.mu.Unlock()
	e.load(ctx, r)
	return r.rec.Role
}

// Review scores the content and applies strike escalation. The message
// is never suppressed here: every verdict allows delivery, carrying
// flag metadata as needed.
func (e *Engine) Review(ctx context.Context, roomID, userID, content string) *Verdict {
	policy := e.policy.Current()
	r := e.slot(roomID, userID)

	// Threshold depends on probation state; snapshot it briefly so the
	// slow scoring call happens outside the record lock.
	r.mu.Lock()
	e.load(ctx, r)
	threshold := policy.FlagThreshold
	if r.rec.OnProbation(e.now()) {
		threshold *= policy.ProbationSensitivity
	}
	r.mu.Unlock()

	scoreCtx, cancel := context.WithTimeout(ctx, e.scoreTimeout)
	defer cancel()
	res, err := e.scorer.Score(scoreCtx, content)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).
			Str(log.FieldRoomID, roomID).
			Str(log.FieldUserID, userID).
			Msg("scoring unavailable, passing message through")
		return &Verdict{ScoringUnavailable: true, Role: domain.RoleMember}
	}

	if res.MaxScore < threshold {
		r.mu.Lock()
		role := r.rec.Role
		strikes := r.rec.Strikes
		r.mu.Unlock()
		return &Verdict{Strikes: strikes, Role: role, Category: res.Category, Score: res.MaxScore}
	}

	return e.applyStrike(ctx, r, policy, res)
}

// applyStrike mutates the record under its lock and writes the ledger
// entries synchronously. A ledger failure never blocks delivery; the
// verdict is marked audit-pending and a reconciliation event is
// emitted instead.
func (e *Engine) applyStrike(ctx context.Context, r *record, policy *Policy, res *Result) *Verdict {
	now := e.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	rec := &r.rec
	weight := policy.Weight(res.Category)
	rec.Strikes += weight
	rec.UpdatedAt = now

	v := &Verdict{
		Flagged:  true,
		Category: res.Category,
		Score:    res.MaxScore,
	}

	transition := ""
	if rec.Role != domain.RoleBanned {
		switch {
		case rec.Strikes >= policy.BanStrikes:
			rec.Role = domain.RoleBanned
			rec.ProbationUntil = nil
			transition = ledger.EventModerationBan
		case rec.Strikes >= policy.ProbationStrikes && rec.Role == domain.RoleMember:
			until := now.Add(policy.ProbationWindow)
			rec.Role = domain.RoleProbation
			rec.ProbationUntil = &until
			transition = ledger.EventModerationProbation
		}
	}

	if rec.Role != domain.RoleBanned && rec.Strikes >= policy.WarnAfterStrikes {
		if rec.LastWarningAt == nil || now.Sub(*rec.LastWarningAt) >= policy.WarningCooldown {
			warnedAt := now
			rec.LastWarningAt = &warnedAt
			v.Warn = true
		}
	}

	v.Strikes = rec.Strikes
	v.Role = rec.Role

	// Ledger first: flag, strike, then any transition. The write is
	// synchronous; only its failure is tolerated, not skipped.
	payload, _ := json.Marshal(map[string]any{
		"category": res.Category,
		"score":    res.MaxScore,
		"weight":   weight,
		"strikes":  rec.Strikes,
		"role":     rec.Role,
	})
	for _, eventType := range e.ledgerEvents(transition, v.Warn) {
		if _, err := e.audit.Append(ctx, eventType, rec.RoomID, rec.UserID, payload, "moderation-engine"); err != nil {
			log.Ctx(ctx).Error().Err(err).
				Str(log.FieldEventType, eventType).
				Str(log.FieldRoomID, rec.RoomID).
				Str(log.FieldUserID, rec.UserID).
				Msg("ledger append failed, marking message audit-pending")
			v.AuditPending = true
			e.publish(ctx, events.KindAuditPending, rec, res)
			break
		}
	}

	if err := e.repo.SaveStrikeRecord(ctx, rec); err != nil {
		log.Ctx(ctx).Warn().Err(err).
			Str(log.FieldRoomID, rec.RoomID).
			Str(log.FieldUserID, rec.UserID).
			Msg("strike record persistence failed, in-memory state remains authoritative")
	}

	e.publish(ctx, events.KindFlag, rec, res)
	switch transition {
	case ledger.EventModerationProbation:
		e.publish(ctx, events.KindProbation, rec, res)
	case ledger.EventModerationBan:
		e.publish(ctx, events.KindBan, rec, res)
	}
	if v.Warn {
		e.publish(ctx, events.KindWarning, rec, res)
	}

	return v
}

func (e *Engine) ledgerEvents(transition string, warned bool) []string {
	evs := []string{ledger.EventModerationFlag, ledger.EventModerationStrike}
	if transition != "" {
		evs = append(evs, transition)
	}
	if warned {
		evs = append(evs, ledger.EventModerationWarning)
	}
	return evs
}

func (e *Engine) publish(ctx context.Context, kind string, rec *domain.StrikeRecord, res *Result) {
	ev := &events.ModerationEvent{
		Kind:     kind,
		RoomID:   rec.RoomID,
		UserID:   rec.UserID,
		Strikes:  rec.Strikes,
		Role:     string(rec.Role),
		Category: res.Category,
		Score:    res.MaxScore,
		At:       e.now().UTC(),
	}
	if err := e.producer.Publish(ctx, ev); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("kind", kind).Msg("moderation event publish failed")
	}
}

// Refresh re-reads one record from the repository, discarding in-memory
// state. Called after an administrative reset, which happens through
// the repository, never through this engine.
func (e *Engine) Refresh(ctx context.Context, roomID, userID string) error {
	r := e.slot(roomID, userID)
	r.mu.Lock()
	defer r.mu.Unlock()

	persisted, err := e.repo.GetStrikeRecord(ctx, roomID, userID)
	if err != nil {
		return err
	}
	r.loaded = true
	if persisted != nil {
		r.rec = *persisted
	} else {
		r.rec = domain.StrikeRecord{RoomID: roomID, UserID: userID, Role: domain.RoleMember}
	}
	return nil
}
