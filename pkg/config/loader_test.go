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
	path := filepath.Join(t.TempDir(), "haven.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaultsWhenNoFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(EnvConfigPath, "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "", cfg.Path())
	assert.Equal(t, DefaultDataDir, cfg.DataDir)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, filepath.Join(DefaultDataDir, DefaultDatabasePath), cfg.Database.Path)
	assert.Equal(t, DefaultEventHistorySize, cfg.Events.HistorySize)
	assert.True(t, cfg.Pipeline.IngestEnabled())
	assert.True(t, cfg.Pipeline.UploadEnabled())
	assert.False(t, cfg.Pipeline.AnalyzeEnabled())
	assert.False(t, cfg.Pipeline.EncryptEnabled())
	assert.False(t, cfg.Pipeline.SyncEnabled())
	assert.Equal(t, 3, cfg.Executor.MaxConcurrentArchives)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.MisfireGrace)
	assert.True(t, cfg.Retention.IsEnabled())
	assert.True(t, cfg.API.IsEnabled())
	assert.Equal(t, "127.0.0.1:8495", cfg.API.Addr())
	assert.False(t, cfg.Notifications.Slack.Enabled)
	assert.False(t, cfg.Plugins.LocalDir.Enabled)
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)

	var loadErr *LoadError
	assert.ErrorAs(t, err, &loadErr)
}

func TestLoadViaEnvVar(t *testing.T) {
	path := writeConfig(t, "data_dir: /tmp/haven-env-test\n")
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path())
	assert.Equal(t, "/tmp/haven-env-test", cfg.DataDir)
}

func TestLoadEnvVarPointingNowhereFails(t *testing.T) {
	t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "gone.yaml"))

	_, err := Load("")
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestLoadMergesDefaultsUnderFile(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/haven
pipeline:
  max_concurrent: 8
  upload: false
scheduler:
  misfire_grace: 10m
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	// Explicit values survive.
	assert.Equal(t, "/var/lib/haven", cfg.DataDir)
	assert.Equal(t, 8, cfg.Pipeline.MaxConcurrent)
	assert.False(t, cfg.Pipeline.UploadEnabled(), "explicit false must beat the default true")
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.MisfireGrace)

	// Untouched sections pick up the defaults.
	assert.True(t, cfg.Pipeline.IngestEnabled())
	assert.Equal(t, 3, cfg.Pipeline.MaxRetries)
	assert.Equal(t, time.Second, cfg.Pipeline.RetryDelayBase)
	assert.Equal(t, "scheduler_state.json", cfg.Scheduler.BackupFile)
	assert.Equal(t, 12*time.Hour, cfg.Retention.Interval)
}

func TestLoadResolvesPathsUnderDataDir(t *testing.T) {
	path := writeConfig(t, `
data_dir: /srv/haven
database:
  path: jobs.db
storage:
  store_dir: blobs
plugins:
  localdir:
    enabled: true
    watch_dir: /mnt/camera
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/haven/jobs.db", cfg.Database.Path)
	assert.Equal(t, "/srv/haven/blobs", cfg.Storage.StoreDir)
	assert.Equal(t, "/srv/haven/archive", cfg.Plugins.LocalDir.ArchiveDir)
	// External directories stay where the operator pointed them.
	assert.Equal(t, "/mnt/camera", cfg.Plugins.LocalDir.WatchDir)
}

func TestLoadKeepsAbsoluteAndMemoryPaths(t *testing.T) {
	path := writeConfig(t, `
data_dir: /srv/haven
database:
  path: ":memory:"
storage:
  store_dir: /mnt/store
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":memory:", cfg.Database.Path)
	assert.Equal(t, "/mnt/store", cfg.Storage.StoreDir)
}

func TestLoadExpandsEnvTemplates(t *testing.T) {
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-from-env")
	path := writeConfig(t, `
notifications:
  slack:
    enabled: true
    token: "{{.SLACK_BOT_TOKEN}}"
    channel: "#haven"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "xoxb-from-env", cfg.Notifications.Slack.Token)
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	path := writeConfig(t, "data_dir: [broken\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestLoadDurationStrings(t *testing.T) {
	path := writeConfig(t, `
retention:
  interval: 1h
  max_age: 720h
pipeline:
  retry_delay_base: 250ms
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.Retention.Interval)
	assert.Equal(t, 720*time.Hour, cfg.Retention.MaxAge)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.RetryDelayBase)
}
