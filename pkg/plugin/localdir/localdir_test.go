package localdir

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haven-archive/haven/pkg/models"
	"github.com/haven-archive/haven/pkg/plugin"
)

func newTestPlugin(t *testing.T, patterns ...string) (*Plugin, string, string) {
	t.Helper()
	watchDir := filepath.Join(t.TempDir(), "watch")
	archiveDir := filepath.Join(t.TempDir(), "archive")

	p := New(slog.Default())
	options := map[string]any{
		"watch_dir":   watchDir,
		"archive_dir": archiveDir,
	}
	if len(patterns) > 0 {
		options["patterns"] = patterns
	}
	require.NoError(t, p.Configure(options))
	require.NoError(t, p.Initialize(context.Background()))
	return p, watchDir, archiveDir
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestPlugin_Info(t *testing.T) {
	p := New(slog.Default())
	info := p.Info()

	assert.Equal(t, "localdir", info.Name)
	assert.True(t, info.Capabilities.Has(plugin.CapDiscover))
	assert.True(t, info.Capabilities.Has(plugin.CapArchive))
	assert.True(t, info.Capabilities.Has(plugin.CapHealthCheck))
	assert.True(t, info.Capabilities.Has(plugin.CapMetadata))
	assert.False(t, info.Capabilities.Has(plugin.CapStream))
}

func TestPlugin_InitializeRequiresConfig(t *testing.T) {
	p := New(slog.Default())
	err := p.Initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watch_dir")

	require.NoError(t, p.Configure(map[string]any{"watch_dir": t.TempDir()}))
	err = p.Initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive_dir")
}

func TestPlugin_InitializeCreatesDirs(t *testing.T) {
	p, watchDir, archiveDir := newTestPlugin(t)

	for _, dir := range []string{watchDir, archiveDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	// idempotent
	require.NoError(t, p.Initialize(context.Background()))
}

func TestPlugin_Discover(t *testing.T) {
	p, watchDir, _ := newTestPlugin(t)
	ctx := context.Background()

	writeFile(t, watchDir, "b-episode.mp4", "bytes")
	writeFile(t, watchDir, "a-track.mp3", "bytes")
	writeFile(t, watchDir, "notes.txt", "bytes")
	require.NoError(t, os.Mkdir(filepath.Join(watchDir, "subdir"), 0o755))

	sources, err := p.Discover(ctx)
	require.NoError(t, err)
	require.Len(t, sources, 3)

	// sorted by source id; directories are skipped
	assert.Equal(t, "a-track.mp3", sources[0].SourceID)
	assert.Equal(t, "audio", sources[0].MediaType)
	assert.Equal(t, "b-episode.mp4", sources[1].SourceID)
	assert.Equal(t, "video", sources[1].MediaType)
	assert.Equal(t, "notes.txt", sources[2].SourceID)
	assert.Equal(t, "file", sources[2].MediaType)

	for _, src := range sources {
		assert.Equal(t, models.PriorityMedium, src.Priority)
		assert.Equal(t, int64(5), src.Metadata["size_bytes"])
	}
}

func TestPlugin_DiscoverPatterns(t *testing.T) {
	p, watchDir, _ := newTestPlugin(t, "*.mp4", "*.mkv")

	writeFile(t, watchDir, "keep.mp4", "x")
	writeFile(t, watchDir, "keep.mkv", "x")
	writeFile(t, watchDir, "skip.txt", "x")

	sources, err := p.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, "keep.mkv", sources[0].SourceID)
	assert.Equal(t, "keep.mp4", sources[1].SourceID)
}

func TestPlugin_DiscoverDeduplicates(t *testing.T) {
	p, watchDir, _ := newTestPlugin(t, "*.mp4", "keep.*")

	writeFile(t, watchDir, "keep.mp4", "x")

	sources, err := p.Discover(context.Background())
	require.NoError(t, err)
	assert.Len(t, sources, 1)
}

func TestPlugin_DiscoverEmptyDir(t *testing.T) {
	p, _, _ := newTestPlugin(t)

	sources, err := p.Discover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sources)
}

func TestPlugin_Archive(t *testing.T) {
	p, watchDir, archiveDir := newTestPlugin(t)
	ctx := context.Background()

	srcPath := writeFile(t, watchDir, "clip.mp4", "media payload")

	outcome, err := p.Archive(ctx, models.MediaSource{
		SourceID: "clip.mp4",
		URI:      srcPath,
	})
	require.NoError(t, err)

	assert.True(t, outcome.Success)
	assert.Equal(t, filepath.Join(archiveDir, "clip.mp4"), outcome.OutputPath)
	assert.Equal(t, int64(len("media payload")), outcome.FileSize)

	data, err := os.ReadFile(outcome.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, "media payload", string(data))

	// no temp leftovers
	leftovers, err := filepath.Glob(filepath.Join(archiveDir, ".archive-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestPlugin_ArchiveMissingSource(t *testing.T) {
	p, watchDir, _ := newTestPlugin(t)

	_, err := p.Archive(context.Background(), models.MediaSource{
		SourceID: "gone.mp4",
		URI:      filepath.Join(watchDir, "gone.mp4"),
	})
	require.Error(t, err)
}

func TestPlugin_HealthCheck(t *testing.T) {
	p, watchDir, _ := newTestPlugin(t)
	ctx := context.Background()

	assert.True(t, p.HealthCheck(ctx))

	require.NoError(t, os.RemoveAll(watchDir))
	assert.False(t, p.HealthCheck(ctx))

	unconfigured := New(slog.Default())
	assert.False(t, unconfigured.HealthCheck(ctx))
}

func TestPlugin_ConfigurePatternForms(t *testing.T) {
	p := New(slog.Default())

	require.NoError(t, p.Configure(map[string]any{"patterns": []any{"*.mp4", "*.mkv"}}))
	assert.Equal(t, []string{"*.mp4", "*.mkv"}, p.cfg.patterns)

	require.NoError(t, p.Configure(map[string]any{"patterns": "*.mp3, *.flac"}))
	assert.Equal(t, []string{"*.mp3", "*.flac"}, p.cfg.patterns)

	err := p.Configure(map[string]any{"patterns": []any{42}})
	require.Error(t, err)

	err = p.Configure(map[string]any{"watch_dir": 7})
	require.Error(t, err)
}
