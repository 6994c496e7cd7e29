package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisops/aegis/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 300*time.Second, cfg.Workflow.AckTimeout)
	assert.Equal(t, 10, cfg.Dispatch.BatchSize)
	assert.Equal(t, 3, cfg.Dispatch.MaxAttempts)
	assert.True(t, cfg.Workflow.EscalationAckShortCircuit)
	assert.Equal(t, 90*24*time.Hour, cfg.Retention.CommentTTL)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9999"
workflow:
  ack_timeout: 120s
  oncall_target: platform-oncall
notifiers:
  slack:
    enabled: true
    token: xoxb-test
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Server.Port)
	assert.Equal(t, 120*time.Second, cfg.Workflow.AckTimeout)
	assert.Equal(t, "platform-oncall", cfg.Workflow.OncallTarget)
	assert.True(t, cfg.Notifiers.Slack.Enabled)
	assert.Equal(t, "xoxb-test", cfg.Notifiers.Slack.Token)

	// Untouched keys keep their defaults.
	assert.Equal(t, "9090", cfg.Server.MetricsPort)
	assert.Equal(t, 3, cfg.Workflow.TriageRetries)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("AEGIS_SERVER__PORT", "7070")
	t.Setenv("AEGIS_WORKFLOW__ACK_TIMEOUT", "90s")
	t.Setenv("AEGIS_DATABASE__ENABLED", "false")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, 90*time.Second, cfg.Workflow.AckTimeout)
	assert.False(t, cfg.Database.Enabled)
}

func TestEnvironmentBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"9999\"\n"), 0o600))
	t.Setenv("AEGIS_SERVER__PORT", "7070")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
}

func TestInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o600))

	_, err := config.Load(path)
	assert.Error(t, err)
}
