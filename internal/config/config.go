package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Registry backend selection.
const (
	RegistryLocal = "local"
	RegistryNATS  = "nats"
)

// Presence backend selection.
const (
	PresenceMemory = "memory"
	PresenceRedis  = "redis"
)

// Config holds all server configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr            string        `env:"CHAT_ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"CHAT_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"CHAT_WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"CHAT_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Fan-out backend: "local" keeps delivery in-process, "nats" bridges
	// every group onto a NATS subject so multiple instances see it.
	RegistryBackend string `env:"CHAT_REGISTRY" envDefault:"local"`

	// NATS (used when RegistryBackend is "nats")
	NATSURL           string        `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NATSMaxReconnects int           `env:"NATS_MAX_RECONNECTS" envDefault:"10"`
	NATSReconnectWait time.Duration `env:"NATS_RECONNECT_WAIT" envDefault:"1s"`
	NATSPingInterval  time.Duration `env:"NATS_PING_INTERVAL" envDefault:"10s"`
	NATSMaxPingsOut   int           `env:"NATS_MAX_PINGS_OUT" envDefault:"3"`

	// Presence
	PresenceBackend string        `env:"CHAT_PRESENCE" envDefault:"memory"`
	PresenceTTL     time.Duration `env:"CHAT_PRESENCE_TTL" envDefault:"60s"`
	RedisAddr       string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword   string        `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB         int           `env:"REDIS_DB" envDefault:"0"`

	// Auth
	JWTSecret           string        `env:"CHAT_JWT_SECRET" envDefault:"dev-secret-change-in-production"`
	TokenExpiration     time.Duration `env:"CHAT_TOKEN_EXPIRATION" envDefault:"1h"`
	EnableTokenEndpoint bool          `env:"CHAT_ENABLE_TOKEN_ENDPOINT" envDefault:"false"`

	// Messaging
	MessageMaxLength int           `env:"CHAT_MESSAGE_MAX_LENGTH" envDefault:"2000"`
	SendQueueSize    int           `env:"CHAT_SEND_QUEUE_SIZE" envDefault:"256"`
	TeardownTimeout  time.Duration `env:"CHAT_TEARDOWN_TIMEOUT" envDefault:"5s"`

	// Per-connection inbound frame rate limit
	InboundRate  float64 `env:"CHAT_INBOUND_RATE" envDefault:"10"`
	InboundBurst int     `env:"CHAT_INBOUND_BURST" envDefault:"20"`

	// WebSocket tuning
	ReadBufferSize  int           `env:"CHAT_WS_READ_BUFFER" envDefault:"4096"`
	WriteBufferSize int           `env:"CHAT_WS_WRITE_BUFFER" envDefault:"4096"`
	MaxFrameSize    int64         `env:"CHAT_WS_MAX_FRAME_SIZE" envDefault:"8192"`
	WriteWait       time.Duration `env:"CHAT_WS_WRITE_WAIT" envDefault:"10s"`
	PongWait        time.Duration `env:"CHAT_WS_PONG_WAIT" envDefault:"60s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from the environment, with an optional .env file.
func Load() (Config, error) {
	// .env is a development convenience; absence is not an error
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c Config) Validate() error {
	switch c.RegistryBackend {
	case RegistryLocal, RegistryNATS:
	default:
		return fmt.Errorf("invalid CHAT_REGISTRY %q (want %q or %q)", c.RegistryBackend, RegistryLocal, RegistryNATS)
	}

	switch c.PresenceBackend {
	case PresenceMemory, PresenceRedis:
	default:
		return fmt.Errorf("invalid CHAT_PRESENCE %q (want %q or %q)", c.PresenceBackend, PresenceMemory, PresenceRedis)
	}

	if c.RegistryBackend == RegistryNATS && c.NATSURL == "" {
		return fmt.Errorf("NATS_URL is required when CHAT_REGISTRY=%s", RegistryNATS)
	}
	if c.PresenceBackend == PresenceRedis && c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required when CHAT_PRESENCE=%s", PresenceRedis)
	}
	if c.PresenceTTL <= 0 {
		return fmt.Errorf("CHAT_PRESENCE_TTL must be positive, got %s", c.PresenceTTL)
	}
	if c.MessageMaxLength <= 0 {
		return fmt.Errorf("CHAT_MESSAGE_MAX_LENGTH must be positive, got %d", c.MessageMaxLength)
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("CHAT_SEND_QUEUE_SIZE must be positive, got %d", c.SendQueueSize)
	}
	if c.PongWait <= c.WriteWait {
		return fmt.Errorf("CHAT_WS_PONG_WAIT (%s) must exceed CHAT_WS_WRITE_WAIT (%s)", c.PongWait, c.WriteWait)
	}
	return nil
}
