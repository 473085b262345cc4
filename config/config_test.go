package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DB_PASSWORD", "pw")
	t.Setenv("ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("DISPATCH_INTERVAL", "30s")
	t.Setenv("CORS_ORIGINS", "https://app.acme.io, https://admin.acme.io")
	t.Setenv("TRACKING_BASE_URL", "https://t.acme.io/")

	require.NoError(t, LoadConfig())
	assert.Equal(t, 30*time.Second, AppConfig.Engine.DispatchInterval)
	assert.Equal(t, 8, AppConfig.Engine.DispatchWorkers)
	assert.Equal(t, 3*time.Minute, AppConfig.Engine.LeaseTTL)
	assert.Equal(t, 5, AppConfig.Engine.WarmupIncrement)
	assert.Equal(t, []string{"https://app.acme.io", "https://admin.acme.io"}, AppConfig.CORSOrigins)
	assert.Equal(t, "https://t.acme.io", AppConfig.Transport.TrackingBaseURL)
}

func TestValidate(t *testing.T) {
	valid := Config{
		DBPassword:    "pw",
		EncryptionKey: "0123456789abcdef",
		Engine: EngineConfig{
			DispatchInterval:   15 * time.Second,
			LeaseTTL:           time.Minute,
			MaxHandoffAttempts: 3,
		},
	}
	require.NoError(t, valid.Validate())

	shortLease := valid
	shortLease.Engine.LeaseTTL = time.Second
	assert.Error(t, shortLease.Validate())

	badKey := valid
	badKey.EncryptionKey = "short"
	assert.Error(t, badKey.Validate())

	noAttempts := valid
	noAttempts.Engine.MaxHandoffAttempts = 0
	assert.Error(t, noAttempts.Validate())
}

func TestGetEnvAsDuration(t *testing.T) {
	t.Setenv("SOME_INTERVAL", "bogus")
	assert.Equal(t, time.Minute, getEnvAsDuration("SOME_INTERVAL", time.Minute))
	t.Setenv("SOME_INTERVAL", "90s")
	assert.Equal(t, 90*time.Second, getEnvAsDuration("SOME_INTERVAL", time.Minute))
}
