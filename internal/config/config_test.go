package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: postgres://localhost/lifecycle
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "*/15 * * * *", cfg.Scheduler.CronSpec)
	assert.Equal(t, 15*time.Second, cfg.Training.PollInterval)
	assert.Equal(t, 15*time.Minute, cfg.Training.BackoffMax)
	assert.Equal(t, 0.03, cfg.Defaults.DriftThreshold)
	assert.Equal(t, 0.02, cfg.Defaults.AutoDeployThreshold)
	assert.Equal(t, 0.01, cfg.Defaults.RegressionTolerance)
	assert.Equal(t, 10, cfg.Defaults.MinTrainingSamples)
	assert.Equal(t, 3, cfg.Defaults.MaxRetries)
	assert.Equal(t, 7*24*time.Hour, cfg.Defaults.ScheduleInterval)
}

func TestLoadRequiresDSN(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsOutOfRangeThreshold(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: postgres://localhost/lifecycle
defaults:
  drift_threshold: 1.5
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsUnnamedFamily(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: postgres://localhost/lifecycle
families:
  - settings:
      drift_threshold: 0.05
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestResolvedSettingsLayering(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: postgres://localhost/lifecycle
families:
  - name: churn
    settings:
      drift_threshold: 0.05
      max_retries: 5
  - name: fraud
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Families, 2)

	churn := cfg.ResolvedSettings(cfg.Families[0])
	assert.Equal(t, 0.05, churn.DriftThreshold)
	assert.Equal(t, 5, churn.MaxRetries)
	// untouched settings inherit the defaults
	assert.Equal(t, 0.02, churn.AutoDeployThreshold)
	assert.Equal(t, 7*24*time.Hour, churn.LookbackWindow)

	fraud := cfg.ResolvedSettings(cfg.Families[1])
	assert.Equal(t, cfg.Defaults, fraud)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
