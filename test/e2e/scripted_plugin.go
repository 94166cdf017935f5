package e2e

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/haven-archive/haven/pkg/models"
	"github.com/haven-archive/haven/pkg/pipeline"
	"github.com/haven-archive/haven/pkg/pipeline/steps"
	"github.com/haven-archive/haven/pkg/plugin"
)

// scriptedPlugin is a fully scripted archival plugin: discovery serves a
// fixed source list and archiving runs whatever behavior the scenario
// installed. It writes real files so the pipeline has something to ingest.
type scriptedPlugin struct {
	plugin.BasePlugin
	name string

	mu          sync.Mutex
	sources     []models.MediaSource
	archiveFn   func(ctx context.Context, src models.MediaSource) (*models.ArchiveOutcome, error)
	healthy     bool
	archiveLog  []string
	discoverLog int
}

func newScriptedPlugin(name string) *scriptedPlugin {
	return &scriptedPlugin{name: name, healthy: true}
}

func (p *scriptedPlugin) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         p.name,
		DisplayName:  "Scripted test plugin",
		Version:      "0.0.0-test",
		Capabilities: plugin.CapDiscover | plugin.CapArchive | plugin.CapHealthCheck,
	}
}

func (p *scriptedPlugin) HealthCheck(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

func (p *scriptedPlugin) Discover(context.Context) ([]models.MediaSource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discoverLog++
	out := make([]models.MediaSource, len(p.sources))
	copy(out, p.sources)
	return out, nil
}

func (p *scriptedPlugin) Archive(ctx context.Context, src models.MediaSource) (*models.ArchiveOutcome, error) {
	p.mu.Lock()
	fn := p.archiveFn
	p.archiveLog = append(p.archiveLog, src.SourceID)
	p.mu.Unlock()

	if fn == nil {
		return nil, errors.New("no archive behavior scripted")
	}
	return fn(ctx, src)
}

// serve replaces the discovery result.
func (p *scriptedPlugin) serve(ids ...string) {
	srcs := make([]models.MediaSource, len(ids))
	for i, id := range ids {
		srcs[i] = models.MediaSource{
			SourceID:  id,
			MediaType: "video",
			URI:       "scripted://" + id,
		}
	}
	p.mu.Lock()
	p.sources = srcs
	p.mu.Unlock()
}

// archiveToDir scripts successful archiving: each source becomes a real
// file <id>.mp4 under dir with content unique to the id.
func (p *scriptedPlugin) archiveToDir(dir string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.archiveFn = func(_ context.Context, src models.MediaSource) (*models.ArchiveOutcome, error) {
		path := filepath.Join(dir, src.SourceID+".mp4")
		content := []byte("scripted media payload for " + src.SourceID)
		if err := os.WriteFile(path, content, 0o644); err != nil {
			return nil, err
		}
		return &models.ArchiveOutcome{
			Success:    true,
			OutputPath: path,
			FileSize:   int64(len(content)),
		}, nil
	}
}

// archivePhantom scripts archives that claim success but point at a file
// that does not exist, which the ingest step treats as fatal.
func (p *scriptedPlugin) archivePhantom(dir string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.archiveFn = func(_ context.Context, src models.MediaSource) (*models.ArchiveOutcome, error) {
		return &models.ArchiveOutcome{
			Success:    true,
			OutputPath: filepath.Join(dir, src.SourceID+".missing.mp4"),
			FileSize:   1,
		}, nil
	}
}

// archiveCalls lists the source ids archive was invoked with, in order.
func (p *scriptedPlugin) archiveCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.archiveLog))
	copy(out, p.archiveLog)
	return out
}

// flakyUploader fails its first N uploads with a transient error, then
// succeeds with a fixed content id. Call times are kept so tests can check
// that backoff actually waited.
type flakyUploader struct {
	mu        sync.Mutex
	failures  int
	contentID string
	calls     []time.Time
}

var _ steps.Uploader = (*flakyUploader)(nil)

func (u *flakyUploader) Upload(_ context.Context, path string, _ steps.ProgressFunc) (*pipeline.UploadResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, time.Now())
	if u.failures > 0 {
		u.failures--
		return nil, fmt.Errorf("storing %s: 503 unavailable", filepath.Base(path))
	}
	return &pipeline.UploadResult{RootCID: u.contentID}, nil
}

func (u *flakyUploader) callTimes() []time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]time.Time, len(u.calls))
	copy(out, u.calls)
	return out
}
