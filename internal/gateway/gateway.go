// Package gateway owns the websocket surface: authentication, session
// lifecycle, frame dispatch and the admission/moderation pipeline in
// front of room fan-out.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Ghostmonday/synapse-gateway/internal/admission"
	"github.com/Ghostmonday/synapse-gateway/internal/codec"
	"github.com/Ghostmonday/synapse-gateway/internal/config"
	"github.com/Ghostmonday/synapse-gateway/internal/domain"
	"github.com/Ghostmonday/synapse-gateway/internal/hub"
	"github.com/Ghostmonday/synapse-gateway/internal/ledger"
	"github.com/Ghostmonday/synapse-gateway/internal/moderation"
	"github.com/Ghostmonday/synapse-gateway/internal/store"
	"github.com/Ghostmonday/synapse-gateway/pkg/log"
)

type handlerFunc func(ctx context.Context, c *hub.Client, env *domain.Envelope)

// Deps bundles everything the gateway needs. Presence is optional; a
// nil value disables the cross-node advisory presence cache.
type Deps struct {
	Config     config.WebSocketConfig
	Auth       *Authenticator
	AdminToken string
	Codec      *codec.Codec
	Registry   *hub.Registry
	Tracker    *hub.Tracker
	Limiter    *admission.Limiter
	Engine     *moderation.Engine
	Audit      *ledger.Ledger
	Repo       store.Repository
	Presence   *hub.RedisPresence
}

type Gateway struct {
	cfg        config.WebSocketConfig
	auth       *Authenticator
	adminToken string
	codec      *codec.Codec
	registry   *hub.Registry
	tracker    *hub.Tracker
	limiter    *admission.Limiter
	engine     *moderation.Engine
	audit      *ledger.Ledger
	repo       store.Repository
	presence   *hub.RedisPresence

	handlers map[domain.EnvelopeType]handlerFunc
}

func New(d Deps) *Gateway {
	g := &Gateway{
		cfg:        d.Config,
		auth:       d.Auth,
		adminToken: d.AdminToken,
		codec:      d.Codec,
		registry:   d.Registry,
		tracker:    d.Tracker,
		limiter:    d.Limiter,
		engine:     d.Engine,
		audit:      d.Audit,
		repo:       d.Repo,
		presence:   d.Presence,
	}
	g.handlers = map[domain.EnvelopeType]handlerFunc{
		domain.TypePresence:    g.handlePresence,
		domain.TypeMessaging:   g.handleMessaging,
		domain.TypeReadReceipt: g.handleRelay,
		domain.TypeReaction:    g.handleRelay,
		domain.TypeThread:      g.handleRelay,
	}
	return g
}

// HandleFrame decodes one inbound frame and routes it to the handler
// for its envelope type. Every failure mode answers the sender with an
// error envelope; nothing inbound ever reaches a room unvetted.
func (g *Gateway) HandleFrame(ctx context.Context, c *hub.Client, frame []byte) {
	env, err := g.codec.Decode(frame)
	if err != nil {
		code := domain.ErrCodeBadEnvelope
		roomID := ""
		if env != nil {
			roomID = env.RoomID
		}
		if errors.Is(err, codec.ErrUnknownType) {
			code = domain.ErrCodeUnknownType
		}
		g.reply(c, domain.NewErrorEnvelope(roomID, code, err.Error(), 0))
		return
	}

	g.tracker.Activity(c.Session)

	h, ok := g.handlers[env.Type]
	if !ok {
		// Error envelopes are server-to-client only.
		g.reply(c, domain.NewErrorEnvelope(env.RoomID, domain.ErrCodeBadEnvelope,
			"envelope type not accepted from clients", 0))
		return
	}
	h(ctx, c, env)
}

func (g *Gateway) handleMessaging(ctx context.Context, c *hub.Client, env *domain.Envelope) {
	dec := g.limiter.Allow(ctx, c.Session.RemoteIP, c.Session.UserID, admission.ClassMessage)
	if !dec.Allowed {
		g.reply(c, domain.NewErrorEnvelope(env.RoomID, domain.ErrCodeRateLimited,
			"message rate limit exceeded", dec.RetryAfter))
		return
	}

	if !c.Session.InRoom(env.RoomID) {
		g.reply(c, domain.NewErrorEnvelope(env.RoomID, domain.ErrCodeNotInRoom,
			"join the room before sending", 0))
		return
	}

	if g.engine.Standing(ctx, env.RoomID, c.Session.UserID) == domain.RoleBanned {
		g.recordForbidden(ctx, env.RoomID, c.Session.UserID, "message")
		g.reply(c, domain.NewErrorEnvelope(env.RoomID, domain.ErrCodeForbidden,
			"banned from room", 0))
		return
	}

	verdict := g.engine.Review(ctx, env.RoomID, c.Session.UserID, string(env.Payload))

	out := &domain.Envelope{
		Type:     domain.TypeMessaging,
		Flags:    verdict.EnvelopeFlags(),
		RoomID:   env.RoomID,
		SenderID: c.Session.UserID,
		Payload:  env.Payload,
	}
	if dec.Degraded {
		out.Flags |= domain.FlagDegraded
	}

	// The review above may have outlived the session; a disconnected
	// sender's message is never delivered.
	select {
	case <-c.Done():
		return
	default:
	}

	// Sender included: the flagged broadcast doubles as the delivery
	// outcome reply.
	g.broadcast(env.RoomID, out, "")

	if verdict.Warn {
		g.reply(c, domain.NewErrorEnvelope(env.RoomID, domain.ErrCodeModerationWarning,
			fmt.Sprintf("content flagged; %d strikes on record", verdict.Strikes), 0))
	}
}

func (g *Gateway) handlePresence(ctx context.Context, c *hub.Client, env *domain.Envelope) {
	dec := g.limiter.Allow(ctx, c.Session.RemoteIP, c.Session.UserID, admission.ClassPresence)
	if !dec.Allowed {
		g.reply(c, domain.NewErrorEnvelope(env.RoomID, domain.ErrCodeRateLimited,
			"presence rate limit exceeded", dec.RetryAfter))
		return
	}

	var p domain.PresencePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.reply(c, domain.NewErrorEnvelope(env.RoomID, domain.ErrCodeBadEnvelope,
			"malformed presence payload", 0))
		return
	}

	switch p.Op {
	case domain.PresenceOpJoin:
		g.handleJoin(ctx, c, env.RoomID)

	case domain.PresenceOpLeave:
		if !c.Session.InRoom(env.RoomID) {
			g.reply(c, domain.NewErrorEnvelope(env.RoomID, domain.ErrCodeNotInRoom,
				"not a member of the room", 0))
			return
		}
		g.registry.Leave(env.RoomID, c)
		g.broadcast(env.RoomID, presenceNotice(env.RoomID, c.Session.UserID,
			domain.PresenceOpLeave, domain.StatusOffline), c.ID)
		if err := g.repo.RemoveMembership(ctx, env.RoomID, c.Session.UserID); err != nil {
			g.logStoreMiss(c, env.RoomID, "remove membership", err)
		}

	case domain.PresenceOpStatus:
		switch p.Status {
		case domain.StatusAway:
			g.tracker.Away(c.Session)
		case domain.StatusOnline:
			g.tracker.Activity(c.Session)
		default:
			g.reply(c, domain.NewErrorEnvelope(env.RoomID, domain.ErrCodeBadEnvelope,
				"unknown presence status", 0))
		}

	default:
		g.reply(c, domain.NewErrorEnvelope(env.RoomID, domain.ErrCodeBadEnvelope,
			"unknown presence op", 0))
	}
}

func (g *Gateway) handleJoin(ctx context.Context, c *hub.Client, roomID string) {
	if g.engine.Standing(ctx, roomID, c.Session.UserID) == domain.RoleBanned {
		g.recordForbidden(ctx, roomID, c.Session.UserID, "join")
		g.reply(c, domain.NewErrorEnvelope(roomID, domain.ErrCodeForbidden,
			"banned from room", 0))
		return
	}

	members := g.registry.Join(roomID, c)
	g.tracker.Online(c.Session, roomID)
	g.reply(c, hub.MembersEnvelope(roomID, members))

	if g.presence != nil {
		g.presence.MarkOnline(ctx, c.Session.UserID)
	}
	// The liveness cache stays authoritative for fan-out; a store
	// outage (breaker open included) degrades persistence only.
	if err := g.repo.SaveMembership(ctx, roomID, c.Session.UserID); err != nil {
		g.logStoreMiss(c, roomID, "save membership", err)
	}
}

// handleRelay covers read receipts, reactions and thread envelopes:
// membership-gated pass-through fan-out with no moderation review.
// Receipts are cheap and frequent, so they spend the presence budget.
func (g *Gateway) handleRelay(ctx context.Context, c *hub.Client, env *domain.Envelope) {
	class := admission.ClassMessage
	if env.Type == domain.TypeReadReceipt {
		class = admission.ClassPresence
	}
	dec := g.limiter.Allow(ctx, c.Session.RemoteIP, c.Session.UserID, class)
	if !dec.Allowed {
		g.reply(c, domain.NewErrorEnvelope(env.RoomID, domain.ErrCodeRateLimited,
			"message rate limit exceeded", dec.RetryAfter))
		return
	}

	if !c.Session.InRoom(env.RoomID) {
		g.reply(c, domain.NewErrorEnvelope(env.RoomID, domain.ErrCodeNotInRoom,
			"join the room before sending", 0))
		return
	}

	if g.engine.Standing(ctx, env.RoomID, c.Session.UserID) == domain.RoleBanned {
		g.recordForbidden(ctx, env.RoomID, c.Session.UserID, env.Type.String())
		g.reply(c, domain.NewErrorEnvelope(env.RoomID, domain.ErrCodeForbidden,
			"banned from room", 0))
		return
	}

	out := &domain.Envelope{
		Type:     env.Type,
		RoomID:   env.RoomID,
		SenderID: c.Session.UserID,
		Payload:  env.Payload,
	}
	if dec.Degraded {
		out.Flags |= domain.FlagDegraded
	}
	g.broadcast(env.RoomID, out, c.ID)
}

// reply enqueues an envelope to one session. Replies ride the same
// bounded queue as fan-out; a saturated consumer can lose its own
// error replies too.
func (g *Gateway) reply(c *hub.Client, env *domain.Envelope) {
	frame, err := g.codec.Encode(env)
	if err != nil {
		log.L().Error().Err(err).
			Str(log.FieldSessionID, c.ID).
			Str(log.FieldEnvelopeType, env.Type.String()).
			Msg("reply encode failed")
		return
	}
	if !c.Enqueue(frame) {
		log.L().Warn().
			Str(log.FieldSessionID, c.ID).
			Str(log.FieldEnvelopeType, env.Type.String()).
			Msg("reply dropped: outbound queue full")
	}
}

func (g *Gateway) broadcast(roomID string, env *domain.Envelope, excludeID string) {
	frame, err := g.codec.Encode(env)
	if err != nil {
		log.L().Error().Err(err).
			Str(log.FieldRoomID, roomID).
			Str(log.FieldEnvelopeType, env.Type.String()).
			Msg("broadcast encode failed")
		return
	}

	delivered, dropped := g.registry.Broadcast(roomID, frame, excludeID)
	if dropped > 0 {
		log.L().Warn().
			Str(log.FieldRoomID, roomID).
			Int("delivered", delivered).
			Int("dropped", dropped).
			Msg("fan-out dropped frames on saturated queues")
	}
}

// recordForbidden writes the rejected-attempt entry for a banned user.
// Ledger unavailability never blocks the rejection itself.
func (g *Gateway) recordForbidden(ctx context.Context, roomID, userID, op string) {
	payload, _ := json.Marshal(map[string]string{"op": op})
	if _, err := g.audit.Append(ctx, ledger.EventGatewayForbidden, roomID, userID, payload, "gateway"); err != nil {
		log.Ctx(ctx).Warn().Err(err).
			Str(log.FieldRoomID, roomID).
			Str(log.FieldUserID, userID).
			Msg("forbidden-attempt audit write failed")
	}
}

func (g *Gateway) logStoreMiss(c *hub.Client, roomID, op string, err error) {
	evt := log.L().Warn()
	if errors.Is(err, admission.ErrOpen) {
		evt = log.L().Info()
	}
	evt.Err(err).
		Str(log.FieldSessionID, c.ID).
		Str(log.FieldRoomID, roomID).
		Str(log.FieldOpClass, op).
		Msg("membership store unavailable")
}

func presenceNotice(roomID, userID, op string, status domain.PresenceStatus) *domain.Envelope {
	body, _ := json.Marshal(domain.PresencePayload{
		Op:     op,
		UserID: userID,
		Status: status,
	})
	return &domain.Envelope{
		Type:    domain.TypePresence,
		RoomID:  roomID,
		Payload: body,
	}
}
