package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/Ghostmonday/synapse-gateway/internal/admission"
	"github.com/Ghostmonday/synapse-gateway/internal/codec"
	"github.com/Ghostmonday/synapse-gateway/internal/config"
	"github.com/Ghostmonday/synapse-gateway/internal/domain"
	"github.com/Ghostmonday/synapse-gateway/internal/events"
	"github.com/Ghostmonday/synapse-gateway/internal/gateway"
	"github.com/Ghostmonday/synapse-gateway/internal/hub"
	"github.com/Ghostmonday/synapse-gateway/internal/ledger"
	"github.com/Ghostmonday/synapse-gateway/internal/moderation"
	"github.com/Ghostmonday/synapse-gateway/internal/store"
	"github.com/Ghostmonday/synapse-gateway/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log.Init(cfg.Log)
	logger := log.L()
	logger.Info().Int("port", cfg.Server.Port).Msg("starting gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Audit ledger first: admission and moderation both write to it.
	ledgerStore, err := ledger.OpenBadger(cfg.Ledger.Path)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.Ledger.Path).Msg("failed to open ledger store")
	}
	audit, err := ledger.New(ctx, ledgerStore)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize audit ledger")
	}
	defer audit.Close()
	headSeq, _ := audit.Head()
	logger.Info().Uint64(log.FieldSeq, headSeq).Msg("audit ledger opened")

	// Rate-limit counters live in redis so ceilings hold across nodes.
	// Without redis the limiter degrades to per-process counters.
	var counters admission.CounterStore
	var redisClient *redis.Client
	if cfg.Redis.Address != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Str("address", cfg.Redis.Address).
				Msg("redis unreachable at startup; admission will fail open until it recovers")
		}
		counters = admission.NewRedisCounterStore(redisClient, cfg.Redis.LimiterPrefix)
	} else {
		logger.Warn().Msg("no redis configured; using in-process rate-limit counters")
		counters = admission.NewMemoryCounterStore()
	}
	limiter := admission.NewLimiter(cfg.Admission.Limiter, counters, audit)

	// Moderation state store behind a circuit breaker.
	breaker := admission.NewBreaker("strike-store", cfg.Admission.Breaker, audit)
	var repo store.Repository
	gormRepo, err := store.NewGormRepository(&cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("failed to open database")
	}
	repo = store.NewGuarded(gormRepo, breaker)
	logger.Info().Str("driver", cfg.Database.Driver).Msg("connected to database")

	// Moderation policy with live reload.
	policy, err := moderation.LoadPolicyFile(cfg.Moderation.PolicyFile)
	if err != nil {
		logger.Warn().Err(err).Str("path", cfg.Moderation.PolicyFile).
			Msg("policy file unavailable; using defaults")
		policy = moderation.DefaultPolicy()
	}
	policySource := moderation.NewPolicySource(policy)
	if err := policySource.Watch(ctx, cfg.Moderation.PolicyFile); err != nil {
		logger.Warn().Err(err).Msg("policy hot-reload disabled")
	}

	var producer events.Producer = events.NopProducer{}
	if cfg.Kafka.Brokers != "" {
		kp, err := events.NewConfluentProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Partitions)
		if err != nil {
			logger.Fatal().Err(err).Str("brokers", cfg.Kafka.Brokers).Msg("failed to initialize kafka producer")
		}
		defer kp.Close()
		producer = kp
		logger.Info().Str("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("connected to kafka")
	}

	scorer := moderation.NewHTTPScorer(cfg.Moderation.ScoreEndpoint, cfg.Moderation.ScoreTimeout)
	engine := moderation.NewEngine(policySource, scorer, audit, repo, producer, cfg.Moderation.ScoreTimeout)

	// Hub: room registry, presence tracking, fan-out.
	registry := hub.NewRegistry()
	wireCodec := &codec.Codec{MaxPayload: int(cfg.WebSocket.MaxMessageSize)}
	emit := func(roomID string, env *domain.Envelope) {
		frame, err := wireCodec.Encode(env)
		if err != nil {
			log.L().Error().Err(err).Str(log.FieldRoomID, roomID).Msg("presence encode failed")
			return
		}
		registry.Broadcast(roomID, frame, "")
	}
	tracker := hub.NewTracker(registry, emit, cfg.Presence.IdleTimeout)
	go tracker.Run(ctx, cfg.Presence.ScanInterval)

	var presence *hub.RedisPresence
	if redisClient != nil {
		presence = hub.NewRedisPresence(redisClient, cfg.Redis.Presence)
		presence.StartHeartbeat(ctx)
		defer presence.Close()
	}

	gw := gateway.New(gateway.Deps{
		Config:     cfg.WebSocket,
		Auth:       gateway.NewAuthenticator(cfg.Auth.HMACSecret, cfg.Auth.Issuer),
		AdminToken: cfg.Auth.AdminToken,
		Codec:      wireCodec,
		Registry:   registry,
		Tracker:    tracker,
		Limiter:    limiter,
		Engine:     engine,
		Audit:      audit,
		Repo:       repo,
		Presence:   presence,
	})

	router := mux.NewRouter()
	gw.RegisterRoutes(router)

	go verifyLoop(ctx, audit, cfg.Ledger.VerifyInterval)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("gateway listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down gateway")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}

	logger.Info().Msg("gateway stopped")
}

// verifyLoop periodically re-walks the audit chain. A violation here
// means the store was tampered with or corrupted out of band.
func verifyLoop(ctx context.Context, audit *ledger.Ledger, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			head, _ := audit.Head()
			if head == 0 {
				continue
			}
			if err := audit.Verify(ctx, 1, head); err != nil {
				log.L().Error().Err(err).
					Str(log.FieldLogType, log.LogTypeAlert).
					Msg("audit ledger integrity check failed")
				continue
			}
			log.L().Debug().Uint64(log.FieldSeq, head).Msg("audit ledger verified")
		}
	}
}
