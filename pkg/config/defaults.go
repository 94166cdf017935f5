package config

import "time"

// Built-in defaults. Load merges these under whatever the YAML file set, so
// every field here must describe a runnable single-node deployment.
const (
	DefaultDataDir = "data"

	DefaultDatabasePath    = "haven.db"
	DefaultPostgresPort    = 5432
	DefaultPostgresSSLMode = "disable"

	DefaultEventHistorySize = 100

	DefaultAPIHost = "127.0.0.1"
	DefaultAPIPort = 8495
)

// Default returns the full built-in configuration tree.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			Path:            DefaultDatabasePath,
			Port:            DefaultPostgresPort,
			SSLMode:         DefaultPostgresSSLMode,
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Events: EventsConfig{
			HistorySize: DefaultEventHistorySize,
		},
		Pipeline: PipelineConfig{
			MaxConcurrent:  4,
			Ingest:         boolPtr(true),
			Analyze:        boolPtr(false),
			Encrypt:        boolPtr(false),
			Upload:         boolPtr(true),
			Sync:           boolPtr(false),
			MaxRetries:     3,
			RetryDelayBase: 1 * time.Second,
		},
		Executor: ExecutorConfig{
			MaxConcurrentArchives: 3,
		},
		Scheduler: SchedulerConfig{
			MisfireGrace:  5 * time.Minute,
			HistorySize:   100,
			BackupFile:    "scheduler_state.json",
			ShutdownGrace: 30 * time.Second,
		},
		Retention: RetentionConfig{
			Enabled:  boolPtr(true),
			Interval: 12 * time.Hour,
			MaxAge:   90 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled: boolPtr(true),
			Host:    DefaultAPIHost,
			Port:    DefaultAPIPort,
		},
		Storage: StorageConfig{
			StoreDir: "store",
		},
		Plugins: PluginsConfig{
			LocalDir: LocalDirConfig{
				ArchiveDir: "archive",
			},
		},
	}
}

func boolPtr(v bool) *bool {
	return &v
}
