package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// valid returns a default config mutated by fn, ready for Validate.
func valid(fn func(*Config)) *Config {
	cfg := Default()
	if fn != nil {
		fn(cfg)
	}
	return cfg
}

func TestValidateDefaultsAreValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "empty data_dir",
			mutate:  func(c *Config) { c.DataDir = "" },
			wantErr: "data_dir",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			wantErr: "logging: field 'level'",
		},
		{
			name:    "unknown log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging: field 'format'",
		},
		{
			name:    "unknown database driver",
			mutate:  func(c *Config) { c.Database.Driver = "oracle" },
			wantErr: "database: field 'driver'",
		},
		{
			name:    "sqlite without path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database: field 'path'",
		},
		{
			name: "postgres without host",
			mutate: func(c *Config) {
				c.Database.Driver = "postgres"
				c.Database.User = "haven"
				c.Database.DBName = "haven"
			},
			wantErr: "database: field 'host'",
		},
		{
			name: "postgres port out of range",
			mutate: func(c *Config) {
				c.Database.Driver = "postgres"
				c.Database.Host = "db"
				c.Database.Port = 70000
				c.Database.User = "haven"
				c.Database.DBName = "haven"
			},
			wantErr: "database: field 'port'",
		},
		{
			name:    "events history negative",
			mutate:  func(c *Config) { c.Events.HistorySize = -1 },
			wantErr: "events: field 'history_size'",
		},
		{
			name:    "pipeline max_concurrent zero",
			mutate:  func(c *Config) { c.Pipeline.MaxConcurrent = 0 },
			wantErr: "pipeline: field 'max_concurrent'",
		},
		{
			name:    "negative retries",
			mutate:  func(c *Config) { c.Pipeline.MaxRetries = -1 },
			wantErr: "pipeline: field 'max_retries'",
		},
		{
			name:    "zero retry delay",
			mutate:  func(c *Config) { c.Pipeline.RetryDelayBase = 0 },
			wantErr: "pipeline: field 'retry_delay_base'",
		},
		{
			name: "encrypt enabled without key",
			mutate: func(c *Config) {
				c.Pipeline.Encrypt = boolPtr(true)
			},
			wantErr: "encryption: field 'key'",
		},
		{
			name: "encrypt enabled with non-hex key",
			mutate: func(c *Config) {
				c.Pipeline.Encrypt = boolPtr(true)
				c.Encryption.Key = "not-hex!"
			},
			wantErr: "not valid hex",
		},
		{
			name: "encrypt enabled with short key",
			mutate: func(c *Config) {
				c.Pipeline.Encrypt = boolPtr(true)
				c.Encryption.Key = "abcd"
			},
			wantErr: "32 bytes",
		},
		{
			name: "upload enabled without store dir",
			mutate: func(c *Config) {
				c.Storage.StoreDir = ""
			},
			wantErr: "storage: field 'store_dir'",
		},
		{
			name:    "executor gate zero",
			mutate:  func(c *Config) { c.Executor.MaxConcurrentArchives = 0 },
			wantErr: "executor: field 'max_concurrent_archives'",
		},
		{
			name:    "scheduler history zero",
			mutate:  func(c *Config) { c.Scheduler.HistorySize = 0 },
			wantErr: "scheduler: field 'history_size'",
		},
		{
			name:    "scheduler backup file empty",
			mutate:  func(c *Config) { c.Scheduler.BackupFile = "" },
			wantErr: "scheduler: field 'backup_file'",
		},
		{
			name: "retention enabled with zero interval",
			mutate: func(c *Config) {
				c.Retention.Interval = 0
			},
			wantErr: "retention: field 'interval'",
		},
		{
			name: "api enabled with bad port",
			mutate: func(c *Config) {
				c.API.Port = 0
			},
			wantErr: "api: field 'port'",
		},
		{
			name: "slack enabled without token",
			mutate: func(c *Config) {
				c.Notifications.Slack.Enabled = true
				c.Notifications.Slack.Channel = "#haven"
			},
			wantErr: "notifications.slack: field 'token'",
		},
		{
			name: "slack enabled without channel",
			mutate: func(c *Config) {
				c.Notifications.Slack.Enabled = true
				c.Notifications.Slack.Token = "xoxb-x"
			},
			wantErr: "notifications.slack: field 'channel'",
		},
		{
			name: "localdir enabled without watch dir",
			mutate: func(c *Config) {
				c.Plugins.LocalDir.Enabled = true
			},
			wantErr: "plugins.localdir: field 'watch_dir'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := valid(tt.mutate).Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateSkipsDisabledSections(t *testing.T) {
	cfg := valid(func(c *Config) {
		c.Retention.Enabled = boolPtr(false)
		c.Retention.Interval = 0
		c.Retention.MaxAge = 0

		c.API.Enabled = boolPtr(false)
		c.API.Port = 0

		c.Notifications.Slack.Enabled = false
		c.Plugins.LocalDir.Enabled = false
	})
	assert.NoError(t, cfg.Validate())
}

func TestValidateEncryptionKeyAccepted(t *testing.T) {
	cfg := valid(func(c *Config) {
		c.Pipeline.Encrypt = boolPtr(true)
		c.Encryption.Key = strings.Repeat("ab", 32)
	})
	assert.NoError(t, cfg.Validate())
}

func TestValidationErrorUnwraps(t *testing.T) {
	err := valid(func(c *Config) { c.Database.Driver = "oracle" }).Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "database", verr.Section)
	assert.Equal(t, "driver", verr.Field)
}
