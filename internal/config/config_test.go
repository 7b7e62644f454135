package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/taskops")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 15*time.Minute, cfg.SyncInterval)
	assert.Equal(t, 30*time.Minute, cfg.SyncThreshold)
	assert.Equal(t, 120*time.Minute, cfg.QueuedTimeout)
	assert.Equal(t, time.Minute, cfg.EvalInterval)
	assert.Equal(t, 10*time.Minute, cfg.PipelinePoll)
	assert.Equal(t, 30*time.Minute, cfg.PipelineStaleness)
	assert.Equal(t, 15*time.Minute, cfg.StuckCheckEvery)
	assert.Equal(t, 60*time.Minute, cfg.StuckTimeout)
	assert.Equal(t, 10, cfg.SyncPrefetch)
	assert.Equal(t, 5, cfg.EvalPrefetch)
	assert.Equal(t, 3, cfg.ImplPrefetch)
	assert.Equal(t, 3, cfg.MaxRetries)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/taskops")
	t.Setenv("TASK_SYNC_INTERVAL_MINUTES", "5")
	t.Setenv("PIPELINE_POLL_INTERVAL_MS", "1000")
	t.Setenv("GITLAB_HOST", "https://gitlab.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.SyncInterval)
	assert.Equal(t, time.Second, cfg.PipelinePoll)
	assert.Equal(t, "https://gitlab.example.com", cfg.GitLabHost)
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}
