package config

import (
	"fmt"
	"time"
)

// Config is the root of haven.yaml. Every section has a default; an empty
// or missing file yields a fully usable configuration running SQLite under
// ./data with the admin API on localhost.
type Config struct {
	// DataDir is the root for everything Haven persists outside the
	// database: known-source artifacts, the scheduler backup, and the
	// default SQLite file.
	DataDir string `yaml:"data_dir"`

	Logging       LoggingConfig       `yaml:"logging"`
	Database      DatabaseConfig      `yaml:"database"`
	Events        EventsConfig        `yaml:"events"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Executor      ExecutorConfig      `yaml:"executor"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Retention     RetentionConfig     `yaml:"retention"`
	API           APIConfig           `yaml:"api"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Storage       StorageConfig       `yaml:"storage"`
	Encryption    EncryptionConfig    `yaml:"encryption"`
	Plugins       PluginsConfig       `yaml:"plugins"`

	// path is the file this config was loaded from ("" when running on
	// pure defaults). The watcher re-reads it.
	path string
}

// Path returns the file the configuration was loaded from, or "" when no
// file existed and defaults were used.
func (c *Config) Path() string {
	return c.path
}

// LoggingConfig controls the slog handler built in main.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. LOG_LEVEL overrides it.
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// DatabaseConfig selects and tunes the job-store backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `yaml:"driver"`

	// Path is the SQLite database file. Relative paths resolve against
	// data_dir; ":memory:" is accepted for throwaway runs.
	Path string `yaml:"path"`

	// PostgreSQL connection settings, used when driver is "postgres".
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// EventsConfig tunes the in-process event bus.
type EventsConfig struct {
	// HistorySize bounds the in-memory event ring served by the admin
	// API. 0 keeps the default.
	HistorySize int `yaml:"history_size"`
}

// PipelineConfig shapes the step chain every archived source flows through.
//
// The step toggles are pointers so an explicit `ingest: false` survives the
// defaults merge; nil means "use the default" (ingest and upload on,
// analyze, encrypt and sync off).
type PipelineConfig struct {
	// MaxConcurrent bounds simultaneously processed sources.
	MaxConcurrent int `yaml:"max_concurrent"`

	Ingest  *bool `yaml:"ingest"`
	Analyze *bool `yaml:"analyze"`
	Encrypt *bool `yaml:"encrypt"`
	Upload  *bool `yaml:"upload"`
	Sync    *bool `yaml:"sync"`

	// MaxRetries is the per-step retry budget for transient errors.
	MaxRetries int `yaml:"max_retries"`
	// RetryDelayBase seeds the exponential backoff (base, 2·base, 4·base, …).
	RetryDelayBase time.Duration `yaml:"retry_delay_base"`
}

// IngestEnabled reports the resolved ingest toggle.
func (p PipelineConfig) IngestEnabled() bool { return boolValue(p.Ingest, true) }

// AnalyzeEnabled reports the resolved analyze toggle.
func (p PipelineConfig) AnalyzeEnabled() bool { return boolValue(p.Analyze, false) }

// EncryptEnabled reports the resolved encrypt toggle.
func (p PipelineConfig) EncryptEnabled() bool { return boolValue(p.Encrypt, false) }

// UploadEnabled reports the resolved upload toggle.
func (p PipelineConfig) UploadEnabled() bool { return boolValue(p.Upload, true) }

// SyncEnabled reports the resolved sync toggle.
func (p PipelineConfig) SyncEnabled() bool { return boolValue(p.Sync, false) }

// ExecutorConfig tunes the job executor.
type ExecutorConfig struct {
	// MaxConcurrentArchives bounds parallel pipeline submissions within a
	// single job execution.
	MaxConcurrentArchives int `yaml:"max_concurrent_archives"`
}

// SchedulerConfig tunes the recurring-job scheduler.
type SchedulerConfig struct {
	// MisfireGrace is how stale a coalesced catch-up fire may be before
	// it is dropped instead of run.
	MisfireGrace time.Duration `yaml:"misfire_grace"`
	// HistorySize bounds the in-memory execution ring per scheduler.
	HistorySize int `yaml:"history_size"`
	// BackupFile is the JSON state snapshot, relative to data_dir unless
	// absolute.
	BackupFile string `yaml:"backup_file"`
	// ShutdownGrace is how long Stop waits for in-flight jobs.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// RetentionConfig controls pruning of old execution records.
type RetentionConfig struct {
	// Enabled defaults to true; nil means enabled.
	Enabled *bool `yaml:"enabled"`
	// Interval is how often the retention loop runs.
	Interval time.Duration `yaml:"interval"`
	// MaxAge is the oldest an execution record may be before pruning.
	MaxAge time.Duration `yaml:"max_age"`
}

// IsEnabled reports the resolved retention toggle.
func (r RetentionConfig) IsEnabled() bool { return boolValue(r.Enabled, true) }

// APIConfig tunes the admin HTTP server.
type APIConfig struct {
	// Enabled defaults to true; nil means enabled.
	Enabled *bool `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	// AuthToken, when set, requires `Authorization: Bearer <token>` on
	// every /api/v1 route.
	AuthToken string `yaml:"auth_token"`
}

// IsEnabled reports the resolved API toggle.
func (a APIConfig) IsEnabled() bool { return boolValue(a.Enabled, true) }

// Addr returns the host:port the API server binds.
func (a APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// NotificationsConfig groups outbound notification surfaces.
type NotificationsConfig struct {
	Slack SlackConfig `yaml:"slack"`
}

// SlackConfig holds Slack notification settings. The token is expected to
// arrive via {{.SLACK_BOT_TOKEN}} template expansion rather than a literal.
type SlackConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

// StorageConfig locates the local content-addressed store the upload step
// writes into.
type StorageConfig struct {
	// StoreDir is the root of the store; relative paths resolve against
	// data_dir.
	StoreDir string `yaml:"store_dir"`
}

// EncryptionConfig carries the at-rest encryption key for the encrypt step.
type EncryptionConfig struct {
	// Key is a hex-encoded 32-byte AES key, normally injected via
	// {{.HAVEN_ENCRYPTION_KEY}}.
	Key string `yaml:"key"`
}

// PluginsConfig configures the built-in plugins.
type PluginsConfig struct {
	LocalDir LocalDirConfig `yaml:"localdir"`
}

// LocalDirConfig configures the local-directory reference plugin.
type LocalDirConfig struct {
	Enabled bool `yaml:"enabled"`
	// WatchDir is scanned during discovery.
	WatchDir string `yaml:"watch_dir"`
	// ArchiveDir receives archived copies; defaults under data_dir.
	ArchiveDir string `yaml:"archive_dir"`
	// Patterns are filename globs to match; empty means all files.
	Patterns []string `yaml:"patterns"`
}

// boolValue resolves an optional toggle against its default.
func boolValue(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
