package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrchestratorDefaults(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "test-secret")

	cfg, err := LoadOrchestrator("127.0.0.1:8090", false)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, 5, cfg.AgentRatePerMin)
	assert.Equal(t, "http://127.0.0.1:8091", cfg.SupervisorBaseURL)
	assert.Equal(t, 5*time.Second, cfg.DBTimeout)
	assert.Empty(t, cfg.CORSAllowOrigins)
}

func TestLoadOrchestratorRequiresSecret(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "")

	_, err := LoadOrchestrator("127.0.0.1:8090", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TOKEN_SECRET")
}

func TestLoadOrchestratorOverrides(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "s")
	t.Setenv("SESSION_TTL_SECONDS", "120")
	t.Setenv("SUPERVISOR_BASE_URL", "http://sup:9000/")
	t.Setenv("CORS_ALLOW_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("DB_TIMEOUT_SECONDS", "9")

	cfg, err := LoadOrchestrator("127.0.0.1:8090", true)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, cfg.SessionTTL)
	// Trailing slash is trimmed so client URL joins stay clean.
	assert.Equal(t, "http://sup:9000", cfg.SupervisorBaseURL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowOrigins)
	assert.Equal(t, 9*time.Second, cfg.DBTimeout)
	assert.True(t, cfg.Debug)
}

func TestLoadOrchestratorRejectsNonPositiveTTL(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "s")
	t.Setenv("SESSION_TTL_SECONDS", "0")

	_, err := LoadOrchestrator("127.0.0.1:8090", false)
	assert.Error(t, err)
}

func TestLoadSupervisorDefaults(t *testing.T) {
	cfg, err := LoadSupervisor("127.0.0.1:8091", false)
	require.NoError(t, err)

	assert.Equal(t, "1536m", cfg.Memory)
	assert.Equal(t, 1.0, cfg.CPUQuota)
	assert.Equal(t, int64(512), cfg.PIDLimit)
	assert.Equal(t, 24, cfg.MaxWorkers)
	assert.Equal(t, 5*time.Minute, cfg.BuildTimeout)
	assert.Equal(t, time.Minute, cfg.ExecTimeout)
}
