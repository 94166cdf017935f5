package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that points at the config
// file when Load is called without an explicit path.
const EnvConfigPath = "HAVEN_CONFIG"

// defaultFileName is tried in the working directory as a last resort.
const defaultFileName = "haven.yaml"

// Load reads, expands, merges, and validates the configuration and returns
// it ready for use.
//
// Steps performed:
//  1. Resolve the file path: argument, then HAVEN_CONFIG, then ./haven.yaml
//  2. Read the file; only the implicit ./haven.yaml may be absent
//  3. Expand {{.VAR}} environment references
//  4. Parse YAML into the Config tree
//  5. Merge built-in defaults under whatever the file set
//  6. Anchor relative artifact paths beneath data_dir
//  7. Validate all sections
func Load(path string) (*Config, error) {
	// 1. Resolve the file path
	explicit := path != ""
	if !explicit {
		if env := os.Getenv(EnvConfigPath); env != "" {
			path = env
			explicit = true
		} else {
			path = defaultFileName
		}
	}
	log := slog.With("config_file", path)

	// 2. Read the file
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		// 3. Expand environment variables using {{.VAR}} template syntax.
		// ExpandEnv passes the original bytes through on template errors so
		// the YAML parser can produce the clearer message.
		data = ExpandEnv(data)

		// 4. Parse YAML
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
		}
		cfg.path = path
	case os.IsNotExist(err) && !explicit:
		log.Info("No configuration file found, running on defaults")
	case os.IsNotExist(err):
		return nil, NewLoadError(path, ErrConfigNotFound)
	default:
		return nil, NewLoadError(path, err)
	}

	// 5. Merge built-in defaults under the parsed values
	if err := mergo.Merge(cfg, Default()); err != nil {
		return nil, fmt.Errorf("failed to merge configuration defaults: %w", err)
	}

	// 6. Anchor relative paths
	cfg.resolvePaths()

	// 7. Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration loaded",
		"data_dir", cfg.DataDir,
		"database_driver", cfg.Database.Driver,
		"api_enabled", cfg.API.IsEnabled(),
		"retention_enabled", cfg.Retention.IsEnabled(),
		"slack_enabled", cfg.Notifications.Slack.Enabled)

	return cfg, nil
}

// resolvePaths anchors relative artifact paths beneath data_dir so the rest
// of the system can treat them as final. The scheduler backup file stays
// relative: the scheduler joins it against data_dir itself.
func (c *Config) resolvePaths() {
	join := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(c.DataDir, p)
	}

	if c.Database.Driver != "postgres" && !isMemoryPath(c.Database.Path) {
		c.Database.Path = join(c.Database.Path)
	}
	c.Storage.StoreDir = join(c.Storage.StoreDir)
	c.Plugins.LocalDir.ArchiveDir = join(c.Plugins.LocalDir.ArchiveDir)
	// WatchDir points at an external directory; it resolves against the
	// working directory, not data_dir.
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}
