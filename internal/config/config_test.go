package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("KSWIFI_DATABASE_URL", "postgres://localhost:5432/sessions")
	t.Setenv("KSWIFI_JWT_SECRET", "secret")
	t.Setenv("KSWIFI_TRANSFER_SHARED_KEY", "agent-key")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, int64(5120), cfg.FreeQuotaMB)
	assert.Equal(t, "portal.kswifi.app", cfg.PortalDomain)
	assert.Equal(t, "KSWiFi-Public", cfg.NetworkName)
	assert.Equal(t, 24, cfg.CaptiveTokenTTLHrs)
	assert.Equal(t, "smdp.kswifi.app", cfg.SMDPHost)
	assert.Equal(t, "* * * * *", cfg.ExpireSweepSchedule)
	assert.Equal(t, "*/5 * * * *", cfg.StalledSweepSchedule)
	assert.Equal(t, 30, cfg.StalledAfterMinutes)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
}

func TestLoadOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("KSWIFI_LISTEN_ADDR", ":9090")
	t.Setenv("KSWIFI_FREE_QUOTA_MB", "10240")
	t.Setenv("KSWIFI_CORS_ORIGINS", "https://app.kswifi.app, https://admin.kswifi.app")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, int64(10240), cfg.FreeQuotaMB)
	assert.Equal(t, []string{"https://app.kswifi.app", "https://admin.kswifi.app"}, cfg.CORSOrigins)
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("KSWIFI_DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KSWIFI_DATABASE_URL")
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("KSWIFI_JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KSWIFI_JWT_SECRET")
}

func TestSplitCSV(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitCSV("a, b"))
	assert.Equal(t, []string{"a"}, splitCSV("a,,"))
	assert.Empty(t, splitCSV(""))
}
