// Package localdir implements the reference archival plugin: it discovers
// files matching configured patterns in a watch directory and archives them
// by copying into an archive directory.
package localdir

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/haven-archive/haven/pkg/models"
	"github.com/haven-archive/haven/pkg/plugin"
	"github.com/haven-archive/haven/pkg/version"
)

// PluginName is the registry name of the reference plugin.
const PluginName = "localdir"

var mediaTypesByExt = map[string]string{
	".mp4": "video", ".mkv": "video", ".mov": "video", ".avi": "video", ".webm": "video",
	".mp3": "audio", ".flac": "audio", ".wav": "audio", ".m4a": "audio", ".ogg": "audio",
	".jpg": "image", ".jpeg": "image", ".png": "image", ".gif": "image",
}

type config struct {
	watchDir   string
	archiveDir string
	patterns   []string
}

// Plugin watches a local directory tree. Zero value is not usable; call New.
type Plugin struct {
	plugin.BasePlugin

	mu          sync.Mutex
	cfg         config
	initialized bool
	logger      *slog.Logger
}

// New creates an unconfigured localdir plugin.
func New(logger *slog.Logger) *Plugin {
	return &Plugin{
		cfg:    config{patterns: []string{"*"}},
		logger: logger.With("component", "plugin", "plugin", PluginName),
	}
}

// Info returns the plugin identity.
func (p *Plugin) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        PluginName,
		DisplayName: "Local Directory",
		Version:     version.GitCommit,
		MediaTypes:  []string{"video", "audio", "image", "file"},
		Capabilities: plugin.CapDiscover | plugin.CapArchive |
			plugin.CapHealthCheck | plugin.CapMetadata,
		ConfigSchema: models.JSONMap{
			"watch_dir":   "directory scanned by discover (required)",
			"archive_dir": "directory archive copies land in (required)",
			"patterns":    "glob patterns matched against file names, default [\"*\"]",
		},
	}
}

// Configure merges the provided options into the current configuration.
func (p *Plugin) Configure(options map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v, ok := options["watch_dir"]; ok {
		s, ok := v.(string)
		if !ok || s == "" {
			return fmt.Errorf("watch_dir must be a non-empty string")
		}
		p.cfg.watchDir = s
	}
	if v, ok := options["archive_dir"]; ok {
		s, ok := v.(string)
		if !ok || s == "" {
			return fmt.Errorf("archive_dir must be a non-empty string")
		}
		p.cfg.archiveDir = s
	}
	if v, ok := options["patterns"]; ok {
		patterns, err := toStringSlice(v)
		if err != nil {
			return fmt.Errorf("patterns: %w", err)
		}
		if len(patterns) > 0 {
			p.cfg.patterns = patterns
		}
	}
	return nil
}

// Initialize validates configuration and creates the directories.
func (p *Plugin) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}
	if p.cfg.watchDir == "" {
		return fmt.Errorf("localdir: watch_dir not configured")
	}
	if p.cfg.archiveDir == "" {
		return fmt.Errorf("localdir: archive_dir not configured")
	}
	if err := os.MkdirAll(p.cfg.watchDir, 0o755); err != nil {
		return fmt.Errorf("localdir: failed to create watch dir: %w", err)
	}
	if err := os.MkdirAll(p.cfg.archiveDir, 0o755); err != nil {
		return fmt.Errorf("localdir: failed to create archive dir: %w", err)
	}
	p.initialized = true
	p.logger.Info("Initialized",
		"watch_dir", p.cfg.watchDir,
		"archive_dir", p.cfg.archiveDir,
		"patterns", p.cfg.patterns)
	return nil
}

// Shutdown has nothing to release; the directories stay on disk.
func (p *Plugin) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initialized = false
	return nil
}

// HealthCheck verifies the watch directory is still readable.
func (p *Plugin) HealthCheck(ctx context.Context) bool {
	p.mu.Lock()
	dir := p.cfg.watchDir
	p.mu.Unlock()

	if dir == "" {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// Discover lists files matching the configured patterns. Source IDs are
// bare file names, so a file re-appearing with the same name is the same
// source.
func (p *Plugin) Discover(ctx context.Context) ([]models.MediaSource, error) {
	p.mu.Lock()
	cfg := p.cfg
	p.mu.Unlock()

	seen := make(map[string]struct{})
	var sources []models.MediaSource
	for _, pattern := range cfg.patterns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		matches, err := filepath.Glob(filepath.Join(cfg.watchDir, pattern))
		if err != nil {
			return nil, fmt.Errorf("localdir: bad pattern %q: %w", pattern, err)
		}
		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			name := filepath.Base(match)
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			sources = append(sources, models.MediaSource{
				SourceID:  name,
				MediaType: mediaTypeFor(name),
				URI:       match,
				Priority:  models.PriorityMedium,
				Metadata: models.JSONMap{
					"size_bytes": info.Size(),
					"modified":   info.ModTime().UTC(),
				},
			})
		}
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].SourceID < sources[j].SourceID })
	return sources, nil
}

// Archive copies the source file into the archive directory via a temp file
// and rename, so a torn copy never looks like a finished artifact.
func (p *Plugin) Archive(ctx context.Context, source models.MediaSource) (*models.ArchiveOutcome, error) {
	p.mu.Lock()
	archiveDir := p.cfg.archiveDir
	p.mu.Unlock()

	src, err := os.Open(source.URI)
	if err != nil {
		return nil, fmt.Errorf("localdir: failed to open source: %w", err)
	}
	defer func() { _ = src.Close() }()

	destPath := filepath.Join(archiveDir, filepath.Base(source.URI))
	tmp, err := os.CreateTemp(archiveDir, ".archive-*")
	if err != nil {
		return nil, fmt.Errorf("localdir: failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	written, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmpPath, destPath)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("localdir: failed to archive %s: %w", source.SourceID, err)
	}

	return &models.ArchiveOutcome{
		Success:    true,
		OutputPath: destPath,
		FileSize:   written,
		Metadata: models.JSONMap{
			"copied_from": source.URI,
		},
	}, nil
}

func mediaTypeFor(name string) string {
	if mt, ok := mediaTypesByExt[strings.ToLower(filepath.Ext(name))]; ok {
		return mt
	}
	return "file"
}

func toStringSlice(v any) ([]string, error) {
	switch vv := v.(type) {
	case []string:
		return vv, nil
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string element, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	case string:
		// comma-separated form from flat config files
		parts := strings.Split(vv, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected list of strings, got %T", v)
	}
}
