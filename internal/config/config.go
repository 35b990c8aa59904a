package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/Ghostmonday/synapse-gateway/internal/admission"
	"github.com/Ghostmonday/synapse-gateway/internal/hub"
	"github.com/Ghostmonday/synapse-gateway/internal/store"
	"github.com/Ghostmonday/synapse-gateway/pkg/config"
	"github.com/Ghostmonday/synapse-gateway/pkg/log"
)

type Config struct {
	Server     ServerConfig
	WebSocket  WebSocketConfig
	Auth       AuthConfig
	Redis      RedisConfig
	Admission  AdmissionConfig
	Moderation ModerationConfig
	Database   store.Config
	Kafka      KafkaConfig
	Ledger     LedgerConfig
	Presence   PresenceConfig
	Log        log.Config
}

type ServerConfig struct {
	Host string
	Port int
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendQueueSize  int           `mapstructure:"send_queue_size"`
}

// PongWait is the liveness deadline: a session that fails to
// acknowledge within two ping intervals is forcibly closed.
func (c WebSocketConfig) PongWait() time.Duration {
	return 2 * c.PingInterval
}

type AuthConfig struct {
	HMACSecret string `mapstructure:"hmac_secret"`
	Issuer     string `mapstructure:"issuer"`
	// AdminToken guards the privileged audit export routes.
	AdminToken string `mapstructure:"admin_token"`
}

type RedisConfig struct {
	Address       string `mapstructure:"address"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	LimiterPrefix string `mapstructure:"limiter_prefix"`

	Presence hub.RedisPresenceConfig `mapstructure:"presence"`
}

type AdmissionConfig struct {
	Limiter admission.LimiterConfig `mapstructure:"limiter"`
	Breaker admission.BreakerConfig `mapstructure:"breaker"`
}

type ModerationConfig struct {
	PolicyFile    string        `mapstructure:"policy_file"`
	ScoreEndpoint string        `mapstructure:"score_endpoint"`
	ScoreTimeout  time.Duration `mapstructure:"score_timeout"`
}

type KafkaConfig struct {
	Brokers    string
	Topic      string
	Partitions int
}

type LedgerConfig struct {
	Path           string        `mapstructure:"path"`
	VerifyInterval time.Duration `mapstructure:"verify_interval"`
}

type PresenceConfig struct {
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	ScanInterval time.Duration `mapstructure:"scan_interval"`
}

func Load() (*Config, error) {
	v, err := config.Load("./config", "config")
	if err != nil {
		return nil, err
	}

	setDefaults(v)

	// Override from environment
	v.BindEnv("server.port", "PORT")
	v.BindEnv("auth.hmac_secret", "AUTH_HMAC_SECRET")
	v.BindEnv("auth.admin_token", "AUTH_ADMIN_TOKEN")
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("moderation.score_endpoint", "SCORE_ENDPOINT")
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("ledger.path", "LEDGER_PATH")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)

	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 4096)
	v.SetDefault("websocket.send_queue_size", 256)

	v.SetDefault("auth.issuer", "synapse")

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.limiter_prefix", "gateway:limiter")
	v.SetDefault("redis.presence.prefix", "gateway:presence")
	v.SetDefault("redis.presence.key_ttl", "30s")
	v.SetDefault("redis.presence.heartbeat_interval", "10s")

	v.SetDefault("admission.limiter.ip_ceiling.limit", 600)
	v.SetDefault("admission.limiter.ip_ceiling.window", "60s")
	v.SetDefault("admission.limiter.user_ceilings.connect.limit", 10)
	v.SetDefault("admission.limiter.user_ceilings.connect.window", "60s")
	v.SetDefault("admission.limiter.user_ceilings.message.limit", 60)
	v.SetDefault("admission.limiter.user_ceilings.message.window", "60s")
	v.SetDefault("admission.limiter.user_ceilings.presence.limit", 120)
	v.SetDefault("admission.limiter.user_ceilings.presence.window", "60s")
	v.SetDefault("admission.limiter.degraded_log_interval", "60s")

	v.SetDefault("admission.breaker.failure_ratio", 0.5)
	v.SetDefault("admission.breaker.min_samples", 10)
	v.SetDefault("admission.breaker.window", "60s")
	v.SetDefault("admission.breaker.cooldown", "30s")
	v.SetDefault("admission.breaker.alert_after_trips", 3)

	v.SetDefault("moderation.policy_file", "./config/moderation.yaml")
	v.SetDefault("moderation.score_endpoint", "http://localhost:9300/score")
	v.SetDefault("moderation.score_timeout", "2s")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.file_path", "./data/gateway.db")

	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "moderation-events")
	v.SetDefault("kafka.partitions", 8)

	v.SetDefault("ledger.path", "./data/ledger")
	v.SetDefault("ledger.verify_interval", "10m")

	v.SetDefault("presence.idle_timeout", "5m")
	v.SetDefault("presence.scan_interval", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.service_name", "gateway")
}
