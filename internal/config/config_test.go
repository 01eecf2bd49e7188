package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, key := range []string{"REDIS_URL", "NOTIFY_STRATEGY", "SMTP_HOST", "SMTP_USER", "SMTP_FROM", "NOTIFY_RECIPIENTS", "QUEUE_TIMEOUT"} {
		t.Setenv(key, "")
	}

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, StrategyQueue, cfg.Strategy)
	assert.Equal(t, "email_queue", cfg.Redis.QueueName)
	assert.Equal(t, "", cfg.Redis.URL)
	assert.Equal(t, 10, cfg.Redis.PoolSize)
	assert.Equal(t, 5*time.Second, cfg.QueueTimeout)
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
	assert.False(t, cfg.SMTP.Enabled())
	assert.Nil(t, cfg.SMTP.Recipients)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("NOTIFY_STRATEGY", "DIRECT")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("QUEUE_TIMEOUT", "750ms")
	t.Setenv("SMTP_HOST", "smtp.example.com")
	t.Setenv("SMTP_USER", "relay@example.com")
	t.Setenv("SMTP_FROM", "")
	t.Setenv("SMTP_IMPLICIT_TLS", "false")
	t.Setenv("NOTIFY_RECIPIENTS", " admin@example.com, ,lab@example.com ")
	t.Setenv("NOTIFY_SMS_TO", "+15550001111")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, StrategyDirect, cfg.Strategy)
	assert.Equal(t, 750*time.Millisecond, cfg.QueueTimeout)
	assert.Equal(t, 750*time.Millisecond, cfg.Redis.CommandTimeout)
	assert.True(t, cfg.SMTP.Enabled())
	assert.False(t, cfg.SMTP.ImplicitTLS)
	assert.Equal(t, "relay@example.com", cfg.SMTP.From)
	assert.Equal(t, []string{"admin@example.com", "lab@example.com"}, cfg.SMTP.Recipients)
	assert.False(t, cfg.Twilio.Enabled())
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	tests := map[string][2]string{
		"unknown strategy": {"NOTIFY_STRATEGY", "carrier-pigeon"},
		"bad duration":     {"QUEUE_TIMEOUT", "soon"},
		"bad int":          {"REDIS_POOL_SIZE", "ten"},
		"zero pool":        {"REDIS_POOL_SIZE", "0"},
		"bad bool":         {"S3_USE_SSL", "maybe"},
		"zero attempts":    {"WORKER_MAX_ATTEMPTS", "0"},
		"negative limit":   {"RATE_LIMIT_PER_MINUTE", "-1"},
	}

	for name, kv := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}
