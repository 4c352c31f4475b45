package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.Equal(t, 5*time.Minute, cfg.Scoring.RunTimeout)
	assert.Equal(t, 3, cfg.Scoring.MaxParallelJobs)
	assert.Equal(t, 1, cfg.Scoring.UpdateConcurrency)
	assert.Equal(t, "*/5 * * * *", cfg.Scoring.Cron)
	assert.Equal(t, "", cfg.MetricsAddr)
}

func TestLoad_FromEnvFile(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	content := "DB_HOST=db.internal\nDB_PORT=6543\nSCORING_RUN_TIMEOUT=45s\nSCORING_MAX_PARALLEL_JOBS=2\nLOG_FORMAT=text\n"
	require.NoError(t, os.WriteFile(envFile, []byte(content), 0o600))

	// godotenv は既存の環境変数を上書きしないため、テスト後に消す
	for _, k := range []string{"DB_HOST", "DB_PORT", "SCORING_RUN_TIMEOUT", "SCORING_MAX_PARALLEL_JOBS", "LOG_FORMAT"} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}

	cfg, err := Load(envFile)
	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, 45*time.Second, cfg.Scoring.RunTimeout)
	assert.Equal(t, 2, cfg.Scoring.MaxParallelJobs)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_InvalidValuesFallBackOrFail(t *testing.T) {
	t.Setenv("SCORING_RUN_TIMEOUT", "not-a-duration")
	t.Setenv("DB_PORT", "abc")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.Scoring.RunTimeout)
	assert.Equal(t, 5432, cfg.Database.Port)

	t.Setenv("SCORING_MAX_PARALLEL_JOBS", "0")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidate_ReadinessTimeout(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	cfg.Scoring.ReadinessTimeout = 0
	assert.NoError(t, cfg.Validate())

	cfg.Scoring.ReadinessTimeout = -time.Second
	assert.ErrorContains(t, cfg.Validate(), "READINESS_TIMEOUT")
}
