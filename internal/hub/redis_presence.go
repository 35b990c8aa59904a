package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Ghostmonday/synapse-gateway/pkg/log"
)

// RedisPresence mirrors online users into short-lived Redis keys so
// sibling gateway instances and other services can see who is
// connected. Purely advisory: a Redis outage never affects connection
// handling, so every write here is best-effort.
type RedisPresence struct {
	client            *redis.Client
	prefix            string
	keyTTL            time.Duration
	heartbeatInterval time.Duration

	mu          sync.RWMutex
	managedKeys map[string]struct{}
	cancel      context.CancelFunc
}

type RedisPresenceConfig struct {
	Address           string        `mapstructure:"address"`
	Password          string        `mapstructure:"password"`
	DB                int           `mapstructure:"db"`
	Prefix            string        `mapstructure:"prefix"`
	KeyTTL            time.Duration `mapstructure:"key_ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

func NewRedisPresence(client *redis.Client, cfg RedisPresenceConfig) *RedisPresence {
	return &RedisPresence{
		client:            client,
		prefix:            cfg.Prefix,
		keyTTL:            cfg.KeyTTL,
		heartbeatInterval: cfg.HeartbeatInterval,
		managedKeys:       make(map[string]struct{}),
	}
}

func (r *RedisPresence) keyFor(userID string) string {
	return fmt.Sprintf("%s:user:%s", r.prefix, userID)
}

func (r *RedisPresence) MarkOnline(ctx context.Context, userID string) {
	key := r.keyFor(userID)
	if err := r.client.Set(ctx, key, "online", r.keyTTL).Err(); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str(log.FieldUserID, userID).Msg("presence registry write failed")
		return
	}
	r.mu.Lock()
	r.managedKeys[key] = struct{}{}
	r.mu.Unlock()
}

func (r *RedisPresence) MarkOffline(ctx context.Context, userID string) {
	key := r.keyFor(userID)
	r.mu.Lock()
	delete(r.managedKeys, key)
	r.mu.Unlock()
	if err := r.client.Del(ctx, key).Err(); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str(log.FieldUserID, userID).Msg("presence registry delete failed")
	}
}

// StartHeartbeat refreshes the TTL of every managed key so a crashed
// instance's keys expire on their own.
func (r *RedisPresence) StartHeartbeat(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go r.heartbeatLoop(ctx)
	log.L().Info().
		Dur("interval", r.heartbeatInterval).
		Dur("ttl", r.keyTTL).
		Msg("presence registry heartbeat started")
}

func (r *RedisPresence) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshKeys(ctx)
		}
	}
}

func (r *RedisPresence) refreshKeys(ctx context.Context) {
	r.mu.RLock()
	keys := make([]string, 0, len(r.managedKeys))
	for k := range r.managedKeys {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	for _, key := range keys {
		if err := r.client.Expire(ctx, key, r.keyTTL).Err(); err != nil {
			log.L().Warn().Str("key", key).Err(err).Msg("failed to refresh presence key")
		}
	}
}

func (r *RedisPresence) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	return r.client.Close()
}
