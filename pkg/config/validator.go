package config

import (
	"encoding/hex"
	"fmt"
	"strings"
)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks every section and fails fast with a message pointing at
// the offending field. It runs after defaults are merged, so zero values
// here mean the operator explicitly set them.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return NewValidationError("data_dir", "", ErrMissingRequiredField)
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateEvents(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateExecutor(); err != nil {
		return err
	}
	if err := c.validateScheduler(); err != nil {
		return err
	}
	if err := c.validateRetention(); err != nil {
		return err
	}
	if err := c.validateAPI(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	if err := c.validatePlugins(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateLogging() error {
	if lvl := strings.ToLower(c.Logging.Level); !validLogLevels[lvl] {
		return NewValidationError("logging", "level",
			fmt.Errorf("%w: %q (want debug, info, warn, or error)", ErrInvalidValue, c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return NewValidationError("logging", "format",
			fmt.Errorf("%w: %q (want text or json)", ErrInvalidValue, c.Logging.Format))
	}
	return nil
}

func (c *Config) validateDatabase() error {
	db := c.Database
	switch db.Driver {
	case "sqlite":
		if db.Path == "" {
			return NewValidationError("database", "path", ErrMissingRequiredField)
		}
	case "postgres":
		if db.Host == "" {
			return NewValidationError("database", "host", ErrMissingRequiredField)
		}
		if db.Port <= 0 || db.Port > 65535 {
			return NewValidationError("database", "port",
				fmt.Errorf("%w: %d", ErrInvalidValue, db.Port))
		}
		if db.User == "" {
			return NewValidationError("database", "user", ErrMissingRequiredField)
		}
		if db.DBName == "" {
			return NewValidationError("database", "dbname", ErrMissingRequiredField)
		}
	default:
		return NewValidationError("database", "driver",
			fmt.Errorf("%w: %q (want sqlite or postgres)", ErrInvalidValue, db.Driver))
	}
	if db.MaxOpenConns < 1 {
		return NewValidationError("database", "max_open_conns",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if db.MaxIdleConns < 0 {
		return NewValidationError("database", "max_idle_conns",
			fmt.Errorf("%w: must be non-negative", ErrInvalidValue))
	}
	return nil
}

func (c *Config) validateEvents() error {
	if c.Events.HistorySize < 0 {
		return NewValidationError("events", "history_size",
			fmt.Errorf("%w: must be non-negative", ErrInvalidValue))
	}
	return nil
}

func (c *Config) validatePipeline() error {
	p := c.Pipeline
	if p.MaxConcurrent < 1 {
		return NewValidationError("pipeline", "max_concurrent",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if p.MaxRetries < 0 {
		return NewValidationError("pipeline", "max_retries",
			fmt.Errorf("%w: must be non-negative", ErrInvalidValue))
	}
	if p.RetryDelayBase <= 0 {
		return NewValidationError("pipeline", "retry_delay_base",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if p.EncryptEnabled() {
		if c.Encryption.Key == "" {
			return NewValidationError("encryption", "key",
				fmt.Errorf("%w: encrypt step is enabled", ErrMissingRequiredField))
		}
		key, err := hex.DecodeString(strings.TrimSpace(c.Encryption.Key))
		if err != nil {
			return NewValidationError("encryption", "key",
				fmt.Errorf("%w: not valid hex", ErrInvalidValue))
		}
		if len(key) != 32 {
			return NewValidationError("encryption", "key",
				fmt.Errorf("%w: want 32 bytes (64 hex characters), got %d bytes", ErrInvalidValue, len(key)))
		}
	}
	if p.UploadEnabled() && c.Storage.StoreDir == "" {
		return NewValidationError("storage", "store_dir",
			fmt.Errorf("%w: upload step is enabled", ErrMissingRequiredField))
	}
	return nil
}

func (c *Config) validateExecutor() error {
	if c.Executor.MaxConcurrentArchives < 1 {
		return NewValidationError("executor", "max_concurrent_archives",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (c *Config) validateScheduler() error {
	s := c.Scheduler
	if s.MisfireGrace < 0 {
		return NewValidationError("scheduler", "misfire_grace",
			fmt.Errorf("%w: must be non-negative", ErrInvalidValue))
	}
	if s.HistorySize < 1 {
		return NewValidationError("scheduler", "history_size",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if s.BackupFile == "" {
		return NewValidationError("scheduler", "backup_file", ErrMissingRequiredField)
	}
	if s.ShutdownGrace < 0 {
		return NewValidationError("scheduler", "shutdown_grace",
			fmt.Errorf("%w: must be non-negative", ErrInvalidValue))
	}
	return nil
}

func (c *Config) validateRetention() error {
	r := c.Retention
	if !r.IsEnabled() {
		return nil
	}
	if r.Interval <= 0 {
		return NewValidationError("retention", "interval",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if r.MaxAge <= 0 {
		return NewValidationError("retention", "max_age",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (c *Config) validateAPI() error {
	a := c.API
	if !a.IsEnabled() {
		return nil
	}
	if a.Host == "" {
		return NewValidationError("api", "host", ErrMissingRequiredField)
	}
	if a.Port <= 0 || a.Port > 65535 {
		return NewValidationError("api", "port",
			fmt.Errorf("%w: %d", ErrInvalidValue, a.Port))
	}
	return nil
}

func (c *Config) validateNotifications() error {
	s := c.Notifications.Slack
	if !s.Enabled {
		return nil
	}
	if s.Token == "" {
		return NewValidationError("notifications.slack", "token",
			fmt.Errorf("%w: slack is enabled (use {{.SLACK_BOT_TOKEN}})", ErrMissingRequiredField))
	}
	if s.Channel == "" {
		return NewValidationError("notifications.slack", "channel",
			fmt.Errorf("%w: slack is enabled", ErrMissingRequiredField))
	}
	return nil
}

func (c *Config) validatePlugins() error {
	ld := c.Plugins.LocalDir
	if !ld.Enabled {
		return nil
	}
	if ld.WatchDir == "" {
		return NewValidationError("plugins.localdir", "watch_dir",
			fmt.Errorf("%w: plugin is enabled", ErrMissingRequiredField))
	}
	if ld.ArchiveDir == "" {
		return NewValidationError("plugins.localdir", "archive_dir", ErrMissingRequiredField)
	}
	return nil
}
