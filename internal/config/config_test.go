package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "APP_ENV", "DATABASE_URL", "KV_URL", "KV_TOKEN",
		"GLOBAL_SCAN_LIMIT", "SCAN_DEFAULT_TIMEOUT_MS", "SCAN_DEFAULT_CRAWL_DELAY_MS",
		"ABUSE_DECAY_TAU_H", "ABUSE_SWEEP_INTERVAL_MIN", "AI_CLASSIFY_CONFIDENCE_THRESHOLD",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.False(t, cfg.Production())
	assert.Equal(t, 50, cfg.Queue.GlobalScanLimit)
	assert.Equal(t, 30*time.Second, cfg.Queue.DedupeWindow)
	assert.Equal(t, 30*time.Second, cfg.Scan.DefaultTimeout)
	assert.Equal(t, time.Second, cfg.Scan.DefaultCrawlDelay)
	assert.NotEmpty(t, cfg.Scan.UserAgents)
	assert.Equal(t, 24*time.Hour, cfg.Abuse.DecayTau)
	assert.Equal(t, 256, cfg.Fabric.SubscriberBuffer)
	assert.Equal(t, 0.6, cfg.AI.ConfidenceThreshold)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9999")
	t.Setenv("KV_URL", "redis://localhost:6379")
	t.Setenv("GLOBAL_SCAN_LIMIT", "10")
	t.Setenv("SCAN_DEFAULT_TIMEOUT_MS", "15000")
	t.Setenv("ABUSE_DECAY_TAU_H", "48")
	t.Setenv("AI_CLASSIFY_CONFIDENCE_THRESHOLD", "0.75")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "redis://localhost:6379", cfg.KV.URL)
	assert.Equal(t, 10, cfg.Queue.GlobalScanLimit)
	assert.Equal(t, 15*time.Second, cfg.Scan.DefaultTimeout)
	assert.Equal(t, 48*time.Hour, cfg.Abuse.DecayTau)
	assert.Equal(t, 0.75, cfg.AI.ConfidenceThreshold)
}

func TestYAMLFileOverlaidByEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7000
queue:
  global_scan_limit: 25
`), 0o644))

	// Env still wins over the file.
	t.Setenv("PORT", "7001")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7001, cfg.Server.Port)
	assert.Equal(t, 25, cfg.Queue.GlobalScanLimit)
}

func TestProductionRequiresKVURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_ENV", "production")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KV_URL")

	t.Setenv("KV_URL", "redis://kv.internal:6379")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Production())
}

func TestInvalidGlobalLimitRejected(t *testing.T) {
	cfg := Default()
	cfg.Queue.GlobalScanLimit = 0
	assert.Error(t, cfg.Validate())
}

func TestMissingConfigFileIsAnError(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
