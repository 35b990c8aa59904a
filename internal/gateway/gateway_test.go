package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ghostmonday/synapse-gateway/internal/admission"
	"github.com/Ghostmonday/synapse-gateway/internal/codec"
	"github.com/Ghostmonday/synapse-gateway/internal/config"
	"github.com/Ghostmonday/synapse-gateway/internal/domain"
	"github.com/Ghostmonday/synapse-gateway/internal/events"
	"github.com/Ghostmonday/synapse-gateway/internal/hub"
	"github.com/Ghostmonday/synapse-gateway/internal/ledger"
	"github.com/Ghostmonday/synapse-gateway/internal/moderation"
	"github.com/Ghostmonday/synapse-gateway/internal/store"
)

type scorerFunc func(ctx context.Context, content string) (*moderation.Result, error)

func (f scorerFunc) Score(ctx context.Context, content string) (*moderation.Result, error) {
	return f(ctx, content)
}

func cleanScorer() moderation.Scorer {
	return scorerFunc(func(ctx context.Context, content string) (*moderation.Result, error) {
		return &moderation.Result{Labels: map[string]float64{"spam": 0.01}, MaxScore: 0.01, Category: "spam"}, nil
	})
}

func toxicScorer(category string, score float64) moderation.Scorer {
	return scorerFunc(func(ctx context.Context, content string) (*moderation.Result, error) {
		return &moderation.Result{Labels: map[string]float64{category: score}, MaxScore: score, Category: category}, nil
	})
}

type testEnv struct {
	g    *Gateway
	led  *ledger.Ledger
	repo *store.MemoryRepository
	cdc  *codec.Codec
}

func newTestEnv(t *testing.T, scorer moderation.Scorer, limCfg *admission.LimiterConfig) *testEnv {
	t.Helper()

	bs, err := ledger.OpenBadger("")
	require.NoError(t, err)
	led, err := ledger.New(context.Background(), bs)
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	if scorer == nil {
		scorer = cleanScorer()
	}
	if limCfg == nil {
		limCfg = &admission.LimiterConfig{
			IPCeiling: admission.Ceiling{Limit: 1000, Window: time.Minute},
			UserCeilings: map[admission.Class]admission.Ceiling{
				admission.ClassConnect:  {Limit: 1000, Window: time.Minute},
				admission.ClassMessage:  {Limit: 1000, Window: time.Minute},
				admission.ClassPresence: {Limit: 1000, Window: time.Minute},
			},
		}
	}
	limiter := admission.NewLimiter(*limCfg, admission.NewMemoryCounterStore(), led)

	repo := store.NewMemoryRepository()
	policy := moderation.NewPolicySource(moderation.DefaultPolicy())
	engine := moderation.NewEngine(policy, scorer, led, repo, events.NopProducer{}, time.Second)

	registry := hub.NewRegistry()
	cdc := &codec.Codec{MaxPayload: 4096}
	emit := func(roomID string, env *domain.Envelope) {
		frame, err := cdc.Encode(env)
		if err != nil {
			return
		}
		registry.Broadcast(roomID, frame, "")
	}
	tracker := hub.NewTracker(registry, emit, time.Minute)

	g := New(Deps{
		Config: config.WebSocketConfig{
			PingInterval:   time.Second,
			WriteWait:      time.Second,
			MaxMessageSize: 4096,
			SendQueueSize:  32,
		},
		Auth:       NewAuthenticator("test-secret", "test"),
		AdminToken: "admin-token",
		Codec:      cdc,
		Registry:   registry,
		Tracker:    tracker,
		Limiter:    limiter,
		Engine:     engine,
		Audit:      led,
		Repo:       repo,
	})
	return &testEnv{g: g, led: led, repo: repo, cdc: cdc}
}

func (e *testEnv) connect(t *testing.T, userID string) *hub.Client {
	t.Helper()
	sess := domain.NewSession(uuid.New().String(), userID, userID, "127.0.0.1", 1)
	c := hub.NewClient(sess, 32)
	e.g.registry.Register(c)
	return c
}

func (e *testEnv) frame(t *testing.T, env *domain.Envelope) []byte {
	t.Helper()
	frame, err := e.cdc.Encode(env)
	require.NoError(t, err)
	return frame
}

// drain decodes every envelope currently queued for the client.
func (e *testEnv) drain(t *testing.T, c *hub.Client) []*domain.Envelope {
	t.Helper()
	var out []*domain.Envelope
	for {
		select {
		case frame := <-c.Outbound():
			env, err := e.cdc.Decode(frame)
			require.NoError(t, err)
			out = append(out, env)
		default:
			return out
		}
	}
}

func (e *testEnv) join(t *testing.T, c *hub.Client, roomID string) {
	t.Helper()
	payload, _ := json.Marshal(domain.PresencePayload{Op: domain.PresenceOpJoin})
	e.g.HandleFrame(context.Background(), c, e.frame(t, &domain.Envelope{
		Type: domain.TypePresence, RoomID: roomID, Payload: payload,
	}))
	require.True(t, c.Session.InRoom(roomID))
	e.drain(t, c)
}

func errorCode(t *testing.T, env *domain.Envelope) string {
	t.Helper()
	require.Equal(t, domain.TypeError, env.Type)
	var p domain.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	return p.Code
}

func findByType(envs []*domain.Envelope, typ domain.EnvelopeType) []*domain.Envelope {
	var out []*domain.Envelope
	for _, env := range envs {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func TestUnknownTypeAnswersSenderOnly(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	a := e.connect(t, "alice")
	b := e.connect(t, "bob")
	e.join(t, a, "room-1")
	e.join(t, b, "room-1")
	e.drain(t, a)
	e.drain(t, b)

	frame := e.frame(t, &domain.Envelope{Type: domain.TypeMessaging, RoomID: "room-1", Payload: []byte("x")})
	frame[0] = 99 // corrupt the type tag
	e.g.HandleFrame(context.Background(), a, frame)

	replies := e.drain(t, a)
	require.Len(t, replies, 1)
	assert.Equal(t, domain.ErrCodeUnknownType, errorCode(t, replies[0]))
	assert.Equal(t, "room-1", replies[0].RoomID)
	assert.Empty(t, e.drain(t, b), "protocol errors must not reach the room")
}

func TestMalformedFrameAnswersBadEnvelope(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	a := e.connect(t, "alice")

	e.g.HandleFrame(context.Background(), a, []byte{byte(domain.TypeMessaging)})

	replies := e.drain(t, a)
	require.Len(t, replies, 1)
	assert.Equal(t, domain.ErrCodeBadEnvelope, errorCode(t, replies[0]))
}

func TestErrorTypeNotAcceptedFromClients(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	a := e.connect(t, "alice")

	env := domain.NewErrorEnvelope("room-1", domain.ErrCodeInternalError, "spoofed", 0)
	e.g.HandleFrame(context.Background(), a, e.frame(t, env))

	replies := e.drain(t, a)
	require.Len(t, replies, 1)
	assert.Equal(t, domain.ErrCodeBadEnvelope, errorCode(t, replies[0]))
}

func TestMessagingRequiresMembership(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	a := e.connect(t, "alice")

	e.g.HandleFrame(context.Background(), a, e.frame(t, &domain.Envelope{
		Type: domain.TypeMessaging, RoomID: "room-1", Payload: []byte("hi"),
	}))

	replies := e.drain(t, a)
	require.Len(t, replies, 1)
	assert.Equal(t, domain.ErrCodeNotInRoom, errorCode(t, replies[0]))
}

func TestJoinRepliesWithCurrentMembers(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	a := e.connect(t, "alice")
	b := e.connect(t, "bob")
	e.join(t, a, "room-1")

	payload, _ := json.Marshal(domain.PresencePayload{Op: domain.PresenceOpJoin})
	e.g.HandleFrame(context.Background(), b, e.frame(t, &domain.Envelope{
		Type: domain.TypePresence, RoomID: "room-1", Payload: payload,
	}))

	envs := e.drain(t, b)
	var members []string
	for _, env := range findByType(envs, domain.TypePresence) {
		var p domain.PresencePayload
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		if p.Op == domain.PresenceOpMembers {
			members = p.Members
		}
	}
	assert.Equal(t, []string{"alice"}, members)

	// alice sees bob come online
	var sawOnline bool
	for _, env := range findByType(e.drain(t, a), domain.TypePresence) {
		var p domain.PresencePayload
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		if p.UserID == "bob" && p.Status == domain.StatusOnline {
			sawOnline = true
		}
	}
	assert.True(t, sawOnline)

	rec, err := e.repo.GetStrikeRecord(context.Background(), "room-1", "bob")
	require.NoError(t, err)
	assert.Nil(t, rec, "joining must not create moderation state")
}

func TestMessagingFanoutIncludesSender(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	a := e.connect(t, "alice")
	b := e.connect(t, "bob")
	e.join(t, a, "room-1")
	e.join(t, b, "room-1")
	e.drain(t, a)

	e.g.HandleFrame(context.Background(), a, e.frame(t, &domain.Envelope{
		Type: domain.TypeMessaging, RoomID: "room-1", Payload: []byte("hello"),
	}))

	for _, c := range []*hub.Client{a, b} {
		msgs := findByType(e.drain(t, c), domain.TypeMessaging)
		require.Len(t, msgs, 1)
		assert.Equal(t, "alice", msgs[0].SenderID)
		assert.Equal(t, []byte("hello"), msgs[0].Payload)
		assert.Zero(t, msgs[0].Flags&domain.FlagFlagged)
	}
}

func TestFlaggedMessageStillBroadcasts(t *testing.T) {
	e := newTestEnv(t, toxicScorer("spam", 0.95), nil)
	a := e.connect(t, "alice")
	b := e.connect(t, "bob")
	e.join(t, a, "room-1")
	e.join(t, b, "room-1")
	e.drain(t, a)

	e.g.HandleFrame(context.Background(), a, e.frame(t, &domain.Envelope{
		Type: domain.TypeMessaging, RoomID: "room-1", Payload: []byte("buy now"),
	}))

	// recipient gets the flagged message; moderation is advisory
	bMsgs := findByType(e.drain(t, b), domain.TypeMessaging)
	require.Len(t, bMsgs, 1)
	assert.NotZero(t, bMsgs[0].Flags&domain.FlagFlagged)

	// sender sees the flagged broadcast plus a warning
	aEnvs := e.drain(t, a)
	aMsgs := findByType(aEnvs, domain.TypeMessaging)
	require.Len(t, aMsgs, 1)
	assert.NotZero(t, aMsgs[0].Flags&domain.FlagFlagged)
	warnings := findByType(aEnvs, domain.TypeError)
	require.Len(t, warnings, 1)
	assert.Equal(t, domain.ErrCodeModerationWarning, errorCode(t, warnings[0]))

	// the decision is on the ledger
	head, _ := e.led.Head()
	entries, err := e.led.Export(context.Background(), "room-1", 1, head)
	require.NoError(t, err)
	types := make(map[string]int)
	for _, en := range entries {
		types[en.EventType]++
	}
	assert.Equal(t, 1, types[ledger.EventModerationFlag])
	assert.Equal(t, 1, types[ledger.EventModerationStrike])
	assert.Equal(t, 1, types[ledger.EventModerationWarning])
}

func TestBannedUserGetsForbidden(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	a := e.connect(t, "alice")
	b := e.connect(t, "bob")
	e.join(t, b, "room-1")
	e.drain(t, b)

	require.NoError(t, e.repo.SaveStrikeRecord(context.Background(), &domain.StrikeRecord{
		RoomID: "room-1", UserID: "alice", Strikes: 4, Role: domain.RoleBanned,
	}))

	// join is refused
	payload, _ := json.Marshal(domain.PresencePayload{Op: domain.PresenceOpJoin})
	e.g.HandleFrame(context.Background(), a, e.frame(t, &domain.Envelope{
		Type: domain.TypePresence, RoomID: "room-1", Payload: payload,
	}))
	replies := e.drain(t, a)
	require.Len(t, replies, 1)
	assert.Equal(t, domain.ErrCodeForbidden, errorCode(t, replies[0]))
	assert.False(t, a.Session.InRoom("room-1"))

	// nothing leaked to the room
	assert.Empty(t, e.drain(t, b))

	// the rejected attempt is on the ledger
	head, _ := e.led.Head()
	entries, err := e.led.Export(context.Background(), "room-1", 1, head)
	require.NoError(t, err)
	var forbidden int
	for _, en := range entries {
		if en.EventType == ledger.EventGatewayForbidden {
			forbidden++
		}
	}
	assert.Equal(t, 1, forbidden)
}

func TestLeaveBroadcastsNotice(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	a := e.connect(t, "alice")
	b := e.connect(t, "bob")
	e.join(t, a, "room-1")
	e.join(t, b, "room-1")
	e.drain(t, a)

	payload, _ := json.Marshal(domain.PresencePayload{Op: domain.PresenceOpLeave})
	e.g.HandleFrame(context.Background(), b, e.frame(t, &domain.Envelope{
		Type: domain.TypePresence, RoomID: "room-1", Payload: payload,
	}))

	assert.False(t, b.Session.InRoom("room-1"))

	var sawLeave bool
	for _, env := range findByType(e.drain(t, a), domain.TypePresence) {
		var p domain.PresencePayload
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		if p.Op == domain.PresenceOpLeave && p.UserID == "bob" {
			sawLeave = true
		}
	}
	assert.True(t, sawLeave)
}

func TestRelayPassthroughSkipsModeration(t *testing.T) {
	e := newTestEnv(t, toxicScorer("harassment", 0.99), nil)
	a := e.connect(t, "alice")
	b := e.connect(t, "bob")
	e.join(t, a, "room-1")
	e.join(t, b, "room-1")
	e.drain(t, a)

	for _, typ := range []domain.EnvelopeType{domain.TypeReadReceipt, domain.TypeReaction, domain.TypeThread} {
		e.g.HandleFrame(context.Background(), a, e.frame(t, &domain.Envelope{
			Type: typ, RoomID: "room-1", Payload: []byte(`{"ref":"msg-1"}`),
		}))

		got := findByType(e.drain(t, b), typ)
		require.Len(t, got, 1, "type %s", typ)
		assert.Equal(t, "alice", got[0].SenderID)
		assert.Zero(t, got[0].Flags&domain.FlagFlagged, "relay types are never reviewed")
		assert.Empty(t, e.drain(t, a), "relay fan-out excludes the sender")
	}
}

func TestMessageRateLimit(t *testing.T) {
	limCfg := &admission.LimiterConfig{
		IPCeiling: admission.Ceiling{Limit: 1000, Window: time.Minute},
		UserCeilings: map[admission.Class]admission.Ceiling{
			admission.ClassMessage:  {Limit: 1, Window: time.Minute},
			admission.ClassPresence: {Limit: 1000, Window: time.Minute},
		},
	}
	e := newTestEnv(t, nil, limCfg)
	a := e.connect(t, "alice")
	e.join(t, a, "room-1")

	msg := e.frame(t, &domain.Envelope{Type: domain.TypeMessaging, RoomID: "room-1", Payload: []byte("1")})
	e.g.HandleFrame(context.Background(), a, msg)
	first := findByType(e.drain(t, a), domain.TypeMessaging)
	require.Len(t, first, 1)

	e.g.HandleFrame(context.Background(), a, msg)
	replies := e.drain(t, a)
	require.Len(t, replies, 1)
	require.Equal(t, domain.TypeError, replies[0].Type)

	var p domain.ErrorPayload
	require.NoError(t, json.Unmarshal(replies[0].Payload, &p))
	assert.Equal(t, domain.ErrCodeRateLimited, p.Code)
	assert.Positive(t, p.RetryAfterMS, "rejection must carry a retry hint")
}

func TestDisconnectedSenderSuppressesBroadcast(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	a := e.connect(t, "alice")
	b := e.connect(t, "bob")
	e.join(t, a, "room-1")
	e.join(t, b, "room-1")
	e.drain(t, a)
	e.drain(t, b)

	// the session drops while its message is still in review
	a.Close()
	e.g.handleMessaging(context.Background(), a, &domain.Envelope{
		Type: domain.TypeMessaging, RoomID: "room-1", Payload: []byte("late"),
	})

	assert.Empty(t, findByType(e.drain(t, b), domain.TypeMessaging))
}
