package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Addr)
	require.Equal(t, RegistryLocal, cfg.RegistryBackend)
	require.Equal(t, PresenceMemory, cfg.PresenceBackend)
	require.Equal(t, 60*time.Second, cfg.PresenceTTL)
	require.Equal(t, 2000, cfg.MessageMaxLength)
	require.Equal(t, 256, cfg.SendQueueSize)
	require.Equal(t, 60*time.Second, cfg.PongWait)
	require.False(t, cfg.EnableTokenEndpoint)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CHAT_ADDR", ":9090")
	t.Setenv("CHAT_REGISTRY", "nats")
	t.Setenv("NATS_URL", "nats://broker:4222")
	t.Setenv("CHAT_PRESENCE_TTL", "30s")
	t.Setenv("CHAT_MESSAGE_MAX_LENGTH", "500")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Addr)
	require.Equal(t, RegistryNATS, cfg.RegistryBackend)
	require.Equal(t, "nats://broker:4222", cfg.NATSURL)
	require.Equal(t, 30*time.Second, cfg.PresenceTTL)
	require.Equal(t, 500, cfg.MessageMaxLength)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			RegistryBackend:  RegistryLocal,
			PresenceBackend:  PresenceMemory,
			NATSURL:          "nats://localhost:4222",
			RedisAddr:        "localhost:6379",
			PresenceTTL:      60 * time.Second,
			MessageMaxLength: 2000,
			SendQueueSize:    256,
			WriteWait:        10 * time.Second,
			PongWait:         60 * time.Second,
		}
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown registry backend",
			mutate:  func(c *Config) { c.RegistryBackend = "gossip" },
			wantErr: "CHAT_REGISTRY",
		},
		{
			name:    "unknown presence backend",
			mutate:  func(c *Config) { c.PresenceBackend = "etcd" },
			wantErr: "CHAT_PRESENCE",
		},
		{
			name: "nats backend without URL",
			mutate: func(c *Config) {
				c.RegistryBackend = RegistryNATS
				c.NATSURL = ""
			},
			wantErr: "NATS_URL",
		},
		{
			name: "redis presence without address",
			mutate: func(c *Config) {
				c.PresenceBackend = PresenceRedis
				c.RedisAddr = ""
			},
			wantErr: "REDIS_ADDR",
		},
		{
			name:    "non-positive presence TTL",
			mutate:  func(c *Config) { c.PresenceTTL = 0 },
			wantErr: "CHAT_PRESENCE_TTL",
		},
		{
			name:    "non-positive max length",
			mutate:  func(c *Config) { c.MessageMaxLength = 0 },
			wantErr: "CHAT_MESSAGE_MAX_LENGTH",
		},
		{
			name:    "non-positive send queue",
			mutate:  func(c *Config) { c.SendQueueSize = -1 },
			wantErr: "CHAT_SEND_QUEUE_SIZE",
		},
		{
			name: "pong wait must exceed write wait",
			mutate: func(c *Config) {
				c.PongWait = 5 * time.Second
				c.WriteWait = 10 * time.Second
			},
			wantErr: "CHAT_WS_PONG_WAIT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
