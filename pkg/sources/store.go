// Package sources persists the per-plugin sets of already-seen source
// identifiers that make archive-new de-duplication survive restarts.
package sources

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// artifact is the on-disk shape of one plugin's known-source set.
type artifact struct {
	Sources   []string  `json:"sources"`
	UpdatedAt time.Time `json:"updated_at"`
}

// knownSet is the in-memory cache of one plugin's artifact.
type knownSet struct {
	mu        sync.RWMutex
	loaded    bool
	ids       map[string]struct{}
	updatedAt time.Time
}

// Stats describes one plugin's known-source set.
type Stats struct {
	Plugin       string    `json:"plugin"`
	Count        int       `json:"count"`
	UpdatedAt    time.Time `json:"updated_at,omitzero"`
	ArtifactPath string    `json:"artifact_path"`
	ArtifactSize string    `json:"artifact_size"`
}

// Store keeps one JSON artifact per plugin under dir. Writes are
// write-temp-then-rename atomic; reads are cached in memory on first
// access. Safe for concurrent use; sets are guarded per plugin.
type Store struct {
	dir    string
	logger *slog.Logger

	mu   sync.Mutex
	sets map[string]*knownSet

	now func() time.Time
}

// NewStore creates the artifact directory if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create known-source dir: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: logger.With("component", "known-sources"),
		sets:   make(map[string]*knownSet),
		now:    time.Now,
	}, nil
}

// Load returns the full set of known ids for the plugin, sorted for
// stable output. The set may be empty.
func (s *Store) Load(plugin string) ([]string, error) {
	ks := s.set(plugin)
	if err := s.ensureLoaded(plugin, ks); err != nil {
		return nil, err
	}
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	out := make([]string, 0, len(ks.ids))
	for id := range ks.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Contains reports whether the id has been seen for the plugin.
func (s *Store) Contains(plugin, id string) (bool, error) {
	ks := s.set(plugin)
	if err := s.ensureLoaded(plugin, ks); err != nil {
		return false, err
	}
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	_, ok := ks.ids[id]
	return ok, nil
}

// Add records one id and persists the set. Adding a known id is a no-op
// that skips the write.
func (s *Store) Add(plugin, id string) error {
	return s.AddMany(plugin, []string{id})
}

// AddMany records a batch of ids with a single atomic write. Ids already
// present are ignored; an all-known batch skips the write.
func (s *Store) AddMany(plugin string, ids []string) error {
	ks := s.set(plugin)
	if err := s.ensureLoaded(plugin, ks); err != nil {
		return err
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	added := 0
	for _, id := range ids {
		if _, ok := ks.ids[id]; !ok {
			ks.ids[id] = struct{}{}
			added++
		}
	}
	if added == 0 {
		return nil
	}
	ks.updatedAt = s.now()
	if err := s.persistLocked(plugin, ks); err != nil {
		return err
	}
	s.logger.Debug("Recorded known sources", "plugin", plugin, "added", added, "total", len(ks.ids))
	return nil
}

// FilterNew returns the ids not yet known for the plugin, preserving input
// order and dropping duplicates within the input.
func (s *Store) FilterNew(plugin string, ids []string) ([]string, error) {
	ks := s.set(plugin)
	if err := s.ensureLoaded(plugin, ks); err != nil {
		return nil, err
	}
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, known := ks.ids[id]; !known {
			out = append(out, id)
		}
	}
	return out, nil
}

// Clear empties the plugin's set and persists the empty artifact.
func (s *Store) Clear(plugin string) error {
	ks := s.set(plugin)
	if err := s.ensureLoaded(plugin, ks); err != nil {
		return err
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.ids = make(map[string]struct{})
	ks.updatedAt = s.now()
	if err := s.persistLocked(plugin, ks); err != nil {
		return err
	}
	s.logger.Info("Cleared known sources", "plugin", plugin)
	return nil
}

// GetStats reports set size and artifact details for the plugin.
func (s *Store) GetStats(plugin string) (*Stats, error) {
	ks := s.set(plugin)
	if err := s.ensureLoaded(plugin, ks); err != nil {
		return nil, err
	}
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	path := s.artifactPath(plugin)
	var size uint64
	if fi, err := os.Stat(path); err == nil {
		size = uint64(fi.Size())
	}
	return &Stats{
		Plugin:       plugin,
		Count:        len(ks.ids),
		UpdatedAt:    ks.updatedAt,
		ArtifactPath: path,
		ArtifactSize: humanize.Bytes(size),
	}, nil
}

// set returns the plugin's cache entry, creating it if needed.
func (s *Store) set(plugin string) *knownSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.sets[plugin]
	if !ok {
		ks = &knownSet{}
		s.sets[plugin] = ks
	}
	return ks
}

// ensureLoaded reads the artifact into memory on first access. A missing
// artifact is an empty set.
func (s *Store) ensureLoaded(plugin string, ks *knownSet) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.loaded {
		return nil
	}
	ks.ids = make(map[string]struct{})
	data, err := os.ReadFile(s.artifactPath(plugin))
	if err != nil {
		if os.IsNotExist(err) {
			ks.loaded = true
			return nil
		}
		return fmt.Errorf("failed to read known-source artifact for %s: %w", plugin, err)
	}
	var a artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("corrupt known-source artifact for %s: %w", plugin, err)
	}
	for _, id := range a.Sources {
		ks.ids[id] = struct{}{}
	}
	ks.updatedAt = a.UpdatedAt
	ks.loaded = true
	return nil
}

// persistLocked writes the artifact atomically. Callers hold ks.mu.
func (s *Store) persistLocked(plugin string, ks *knownSet) error {
	list := make([]string, 0, len(ks.ids))
	for id := range ks.ids {
		list = append(list, id)
	}
	sort.Strings(list)
	data, err := json.MarshalIndent(artifact{Sources: list, UpdatedAt: ks.updatedAt}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal known-source artifact for %s: %w", plugin, err)
	}

	final := s.artifactPath(plugin)
	tmp, err := os.CreateTemp(s.dir, filepath.Base(final)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp artifact for %s: %w", plugin, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp artifact for %s: %w", plugin, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp artifact for %s: %w", plugin, err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace artifact for %s: %w", plugin, err)
	}
	return nil
}

func (s *Store) artifactPath(plugin string) string {
	return filepath.Join(s.dir, sanitizeName(plugin)+".json")
}

// sanitizeName keeps artifact names filesystem-safe regardless of what a
// plugin calls itself.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
