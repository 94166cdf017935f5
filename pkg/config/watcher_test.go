package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatcher(t *testing.T, content string) (string, chan *Config) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "haven.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	updates := make(chan *Config, 4)
	w, err := NewWatcher(cfg, func(c *Config) { updates <- c }, slog.Default())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)

	return path, updates
}

func TestNewWatcherRequiresFile(t *testing.T) {
	_, err := NewWatcher(Default(), func(*Config) {}, nil)
	assert.Error(t, err)
}

func TestWatcherDeliversValidSnapshot(t *testing.T) {
	path, updates := startWatcher(t, "data_dir: /tmp/haven-before\n")

	require.NoError(t, os.WriteFile(path, []byte("data_dir: /tmp/haven-after\n"), 0o600))

	select {
	case next := <-updates:
		assert.Equal(t, "/tmp/haven-after", next.DataDir)
	case <-time.After(5 * time.Second):
		t.Fatal("no configuration update received")
	}
}

func TestWatcherSurvivesAtomicReplace(t *testing.T) {
	path, updates := startWatcher(t, "data_dir: /tmp/haven-before\n")

	// Editors and config management tools write a sibling and rename it
	// over the target.
	tmp := path + ".new"
	require.NoError(t, os.WriteFile(tmp, []byte("data_dir: /tmp/haven-renamed\n"), 0o600))
	require.NoError(t, os.Rename(tmp, path))

	select {
	case next := <-updates:
		assert.Equal(t, "/tmp/haven-renamed", next.DataDir)
	case <-time.After(5 * time.Second):
		t.Fatal("no configuration update received after rename")
	}
}

func TestWatcherDropsBrokenSnapshot(t *testing.T) {
	path, updates := startWatcher(t, "data_dir: /tmp/haven-before\n")

	require.NoError(t, os.WriteFile(path, []byte("data_dir: [broken\n"), 0o600))

	select {
	case c := <-updates:
		t.Fatalf("broken snapshot must not be delivered, got data_dir=%s", c.DataDir)
	case <-time.After(debounceDelay * 4):
	}

	// The loop keeps running: a later valid write still lands.
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /tmp/haven-fixed\n"), 0o600))

	select {
	case next := <-updates:
		assert.Equal(t, "/tmp/haven-fixed", next.DataDir)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher stopped delivering after a broken snapshot")
	}
}
