package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nightlobster/internal/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"NIGHTLY_RUN_HOUR_LOCAL", "NIGHTLY_RUN_MAX_RUNTIME_MINUTES", "NIGHTLY_SCHEDULER_WINDOW_MINUTES",
		"OPENAI_API_KEY", "OPENAI_MODEL", "OPENAI_BASE_URL", "REDIS_URL", "JWT_SECRET", "WORKSPACE_ROOT",
		config.EnvName("provider.api_key"), config.EnvName("nightly_run_hour_local"), config.EnvName("worker.concurrency"),
	} {
		t.Setenv(name, "")
		require.NoError(t, os.Unsetenv(name))
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	s, err := config.Load(dir, viper.New())
	require.NoError(t, err)
	assert.Equal(t, 21, s.NightlyRunHourLocal)
	assert.Equal(t, 120, s.NightlyRunMaxRuntimeMinutes)
	assert.Equal(t, 10, s.NightlySchedulerWindowMinutes)
	assert.Equal(t, "gpt-4.1-mini", s.Provider.Model)
	assert.Equal(t, dir, s.WorkspaceRoot)
	assert.False(t, s.ProviderConfigured())
}

func TestLoadPrecedence(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte(
		"nightly_run_hour_local: 2\nworker:\n  concurrency: 4\n  poll_interval: 250ms\nprovider:\n  model: from-file\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("OPENAI_API_KEY=sk-dotenv\n"), 0o644))
	t.Setenv(config.EnvName("nightly_run_hour_local"), "3")
	t.Setenv("OPENAI_MODEL", "from-env")

	s, err := config.Load(dir, viper.New())
	require.NoError(t, err)
	assert.Equal(t, 3, s.NightlyRunHourLocal)
	assert.Equal(t, 4, s.Worker.Concurrency)
	assert.Equal(t, 250*time.Millisecond, s.Worker.PollInterval)
	assert.Equal(t, "from-env", s.Provider.Model)
	assert.Equal(t, "sk-dotenv", s.Provider.APIKey)
	assert.True(t, s.ProviderConfigured())
	require.NoError(t, os.Unsetenv("OPENAI_API_KEY"))
}

func TestValidateListsEveryViolation(t *testing.T) {
	s := config.Default()
	s.NightlyRunHourLocal = 24
	s.NightlyRunMaxRuntimeMinutes = 0
	s.NightlySchedulerWindowMinutes = 61
	s.Provider.Kind = "bedrock"

	err := s.Validate()
	require.Error(t, err)
	for _, want := range []string{"nightly_run_hour_local", "nightly_run_max_runtime_minutes", "nightly_scheduler_window_minutes", "provider.kind"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadRejectsOutOfRangeFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte("nightly_run_max_runtime_minutes: 500\n"), 0o644))
	_, err := config.Load(dir, nil)
	require.ErrorContains(t, err, "nightly_run_max_runtime_minutes")
}
