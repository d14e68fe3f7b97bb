package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		SecretsProvider: "local",
		AdminAuthMode:   "token",
		NonceStore:      "sqlite",
		RateStore:       "memory",
		MaxSkew:         300 * time.Second,
		RateLimit:       60,
		RateWindow:      time.Minute,
		MaxBodyBytes:    1 << 20,
		BackupRetention: 7,
		LogFormat:       "json",
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := map[string]func(c *Config){
		"kms without key":      func(c *Config) { c.SecretsProvider = "gcpkms" },
		"unknown provider":     func(c *Config) { c.SecretsProvider = "vault" },
		"jwt without key":      func(c *Config) { c.AdminAuthMode = "jwt" },
		"unknown nonce store":  func(c *Config) { c.NonceStore = "disk" },
		"redis without addr":   func(c *Config) { c.RateStore = "redis" },
		"zero skew":            func(c *Config) { c.MaxSkew = 0 },
		"zero rate limit":      func(c *Config) { c.RateLimit = 0 },
		"interval without dir": func(c *Config) { c.BackupInterval = time.Hour },
		"tls without cert":     func(c *Config) { c.TLS = true },
		"bad log format":       func(c *Config) { c.LogFormat = "xml" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := validConfig()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestValidate_RedisWithAddr(t *testing.T) {
	c := validConfig()
	c.NonceStore = "redis"
	c.RateStore = "redis"
	c.RedisAddr = "localhost:6379"
	assert.NoError(t, c.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENTIC_GATEWAY_RATE_LIMIT", "5")
	t.Setenv("AGENTIC_GATEWAY_RATE_WINDOW", "10s")
	t.Setenv("AGENTIC_GATEWAY_WEBHOOK_REQUIRE_NONCE", "false")
	t.Setenv("AGENTIC_GATEWAY_REDIS_DB", "not-a-number")

	limit, window, requireNonce, db := 60, time.Minute, true, 2
	envInt("RATE_LIMIT", &limit)
	envDuration("RATE_WINDOW", &window)
	envBool("WEBHOOK_REQUIRE_NONCE", &requireNonce)
	envInt("REDIS_DB", &db)

	assert.Equal(t, 5, limit)
	assert.Equal(t, 10*time.Second, window)
	assert.False(t, requireNonce)
	assert.Equal(t, 2, db, "unparseable values keep the flag value")
}
