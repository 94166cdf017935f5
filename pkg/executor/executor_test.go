package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haven-archive/haven/pkg/bus"
	"github.com/haven-archive/haven/pkg/metrics"
	"github.com/haven-archive/haven/pkg/models"
	"github.com/haven-archive/haven/pkg/pipeline"
	"github.com/haven-archive/haven/pkg/plugin"
	"github.com/haven-archive/haven/pkg/sources"
)

type scriptedPlugin struct {
	plugin.BasePlugin
	name        string
	healthy     bool
	sources     []models.MediaSource
	discoverErr error
	archiveFn   func(src models.MediaSource) (*models.ArchiveOutcome, error)

	mu       sync.Mutex
	archived []string
}

func (p *scriptedPlugin) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         p.name,
		Capabilities: plugin.CapDiscover | plugin.CapArchive | plugin.CapHealthCheck,
	}
}

func (p *scriptedPlugin) HealthCheck(context.Context) bool { return p.healthy }

func (p *scriptedPlugin) Discover(context.Context) ([]models.MediaSource, error) {
	if p.discoverErr != nil {
		return nil, p.discoverErr
	}
	return p.sources, nil
}

func (p *scriptedPlugin) Archive(_ context.Context, src models.MediaSource) (*models.ArchiveOutcome, error) {
	p.mu.Lock()
	p.archived = append(p.archived, src.SourceID)
	p.mu.Unlock()
	if p.archiveFn != nil {
		return p.archiveFn(src)
	}
	return &models.ArchiveOutcome{
		Success:    true,
		OutputPath: "/tmp/archive/" + src.SourceID + ".mp4",
		FileSize:   1024,
	}, nil
}

func (p *scriptedPlugin) archiveCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.archived...)
}

type fakePipeline struct {
	mu   sync.Mutex
	runs []*pipeline.Context
}

func (f *fakePipeline) Process(_ context.Context, pctx *pipeline.Context) *pipeline.Result {
	f.mu.Lock()
	f.runs = append(f.runs, pctx)
	f.mu.Unlock()
	return &pipeline.Result{CorrelationID: pctx.CorrelationID, Success: true, Status: pipeline.StatusSuccess}
}

func (f *fakePipeline) submitted() []*pipeline.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*pipeline.Context(nil), f.runs...)
}

type fakeRecorder struct {
	mu      sync.Mutex
	err     error
	records []*models.JobExecutionRecord
}

func (r *fakeRecorder) Record(_ context.Context, rec *models.JobExecutionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.records = append(r.records, rec)
	return nil
}

type execEnv struct {
	executor *Executor
	plugin   *scriptedPlugin
	store    *sources.Store
	pipeline *fakePipeline
	recorder *fakeRecorder

	mu     sync.Mutex
	events []bus.Event
}

func newExecEnv(t *testing.T, cfg Config, p *scriptedPlugin) *execEnv {
	t.Helper()

	manager := plugin.NewManager(slog.Default())
	require.NoError(t, manager.Register(p))
	manager.InitializeAll(context.Background())

	store, err := sources.NewStore(t.TempDir(), slog.Default())
	require.NoError(t, err)

	env := &execEnv{
		plugin:   p,
		store:    store,
		pipeline: &fakePipeline{},
		recorder: &fakeRecorder{},
	}
	b := bus.New(slog.Default(), nil)
	b.SubscribeAll(func(evt bus.Event) {
		env.mu.Lock()
		env.events = append(env.events, evt)
		env.mu.Unlock()
	})

	env.executor = New(cfg, Deps{
		Plugins:  manager,
		Sources:  store,
		Pipeline: env.pipeline,
		Recorder: env.recorder,
		Events:   b,
		Logger:   slog.Default(),
		Metrics:  metrics.New(),
	})
	return env
}

func (e *execEnv) eventsOf(eventType string) []bus.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []bus.Event
	for _, evt := range e.events {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

func testJob(pluginName string, policy models.OnSuccessPolicy) *models.Job {
	return &models.Job{
		ID:         uuid.New(),
		Name:       "nightly-archive",
		PluginName: pluginName,
		Schedule:   "0 * * * *",
		OnSuccess:  policy,
		Enabled:    true,
		Metadata:   models.JSONMap{"encrypt_enabled": false},
	}
}

func source(id string) models.MediaSource {
	return models.MediaSource{
		SourceID:  id,
		MediaType: "video",
		URI:       "/watch/" + id + ".mp4",
		Priority:  models.PriorityMedium,
		Metadata:  map[string]any{"origin": id},
	}
}

func TestExecutor_Execute_ArchiveNew(t *testing.T) {
	p := &scriptedPlugin{name: "demo", healthy: true, sources: []models.MediaSource{source("vid_1")}}
	env := newExecEnv(t, Config{}, p)

	job := testJob("demo", models.PolicyArchiveNew)
	rec := env.executor.Execute(context.Background(), job)
	env.executor.Wait()

	require.True(t, rec.Success)
	assert.Equal(t, 1, rec.SourcesFound)
	assert.Equal(t, 1, rec.SourcesArchived)
	assert.Equal(t, job.ID, rec.JobID)
	assert.Equal(t, "demo", rec.PluginName)
	assert.False(t, rec.CompletedAt.Before(rec.StartedAt))

	known, err := env.store.Contains("demo", "vid_1")
	require.NoError(t, err)
	assert.True(t, known, "id enters the known set after a successful archive")

	runs := env.pipeline.submitted()
	require.Len(t, runs, 1)
	assert.Equal(t, "/tmp/archive/vid_1.mp4", runs[0].SourcePath)
	assert.Equal(t, false, runs[0].Options["encrypt_enabled"], "job metadata flows into pipeline options")
	assert.Equal(t, "vid_1", runs[0].Options["origin"], "source metadata flows into pipeline options")

	require.Len(t, env.recorder.records, 1)
	assert.Same(t, rec, env.recorder.records[0])

	require.Len(t, env.eventsOf(bus.EventTypeSourcesDiscovered), 1)
	require.Len(t, env.eventsOf(bus.EventTypeArchiveStarted), 1)
	complete := env.eventsOf(bus.EventTypeArchiveComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, "vid_1", complete[0].Payload["source_id"])
	assert.Equal(t, "/tmp/archive/vid_1.mp4", complete[0].Payload["path"])

	health := env.eventsOf(bus.EventTypeHealthCheck)
	require.Len(t, health, 1)
	assert.Equal(t, true, health[0].Payload["healthy"])
}

func TestExecutor_Execute_SecondRunIsNoOp(t *testing.T) {
	p := &scriptedPlugin{name: "demo", healthy: true, sources: []models.MediaSource{source("vid_1")}}
	env := newExecEnv(t, Config{}, p)
	job := testJob("demo", models.PolicyArchiveNew)

	first := env.executor.Execute(context.Background(), job)
	second := env.executor.Execute(context.Background(), job)
	env.executor.Wait()

	require.True(t, first.Success)
	require.True(t, second.Success)
	assert.Equal(t, 1, second.SourcesFound)
	assert.Equal(t, 0, second.SourcesArchived)
	assert.Len(t, p.archiveCalls(), 1, "known source is never re-archived")
	assert.Len(t, env.pipeline.submitted(), 1)
}

func TestExecutor_Execute_PluginNotFound(t *testing.T) {
	p := &scriptedPlugin{name: "demo", healthy: true}
	env := newExecEnv(t, Config{}, p)

	rec := env.executor.Execute(context.Background(), testJob("ghost", models.PolicyArchiveNew))

	assert.False(t, rec.Success)
	require.NotNil(t, rec.ErrorMessage)
	assert.Equal(t, ReasonPluginNotFound, rec.Metadata["reason"])
	assert.Empty(t, env.eventsOf(bus.EventTypeSourcesDiscovered))
}

func TestExecutor_Execute_UnhealthyPlugin(t *testing.T) {
	p := &scriptedPlugin{name: "demo", healthy: false, sources: []models.MediaSource{source("vid_1")}}
	env := newExecEnv(t, Config{}, p)

	rec := env.executor.Execute(context.Background(), testJob("demo", models.PolicyArchiveNew))

	assert.False(t, rec.Success)
	assert.Equal(t, ReasonPluginUnhealthy, rec.Metadata["reason"])
	assert.Empty(t, p.archiveCalls())

	health := env.eventsOf(bus.EventTypeHealthCheck)
	require.Len(t, health, 1)
	assert.Equal(t, false, health[0].Payload["healthy"])
}

func TestExecutor_Execute_LogOnlyPolicy(t *testing.T) {
	p := &scriptedPlugin{name: "demo", healthy: true, sources: []models.MediaSource{source("vid_1"), source("vid_2")}}
	env := newExecEnv(t, Config{}, p)

	rec := env.executor.Execute(context.Background(), testJob("demo", models.PolicyLogOnly))

	require.True(t, rec.Success)
	assert.Equal(t, 2, rec.SourcesFound)
	assert.Equal(t, 0, rec.SourcesArchived)
	assert.Empty(t, p.archiveCalls())

	known, err := env.store.Contains("demo", "vid_1")
	require.NoError(t, err)
	assert.False(t, known)
}

func TestExecutor_Execute_ArchiveAllIgnoresKnownSet(t *testing.T) {
	p := &scriptedPlugin{name: "demo", healthy: true, sources: []models.MediaSource{source("vid_1")}}
	env := newExecEnv(t, Config{}, p)
	job := testJob("demo", models.PolicyArchiveAll)

	first := env.executor.Execute(context.Background(), job)
	second := env.executor.Execute(context.Background(), job)
	env.executor.Wait()

	assert.Equal(t, 1, first.SourcesArchived)
	assert.Equal(t, 1, second.SourcesArchived)
	assert.Len(t, p.archiveCalls(), 2, "archive-all re-archives every run")

	known, err := env.store.Contains("demo", "vid_1")
	require.NoError(t, err)
	assert.False(t, known, "archive-all never touches the known set")
}

func TestExecutor_Execute_ArchiveFailuresDoNotFailRun(t *testing.T) {
	p := &scriptedPlugin{
		name:    "demo",
		healthy: true,
		sources: []models.MediaSource{source("vid_ok"), source("vid_bad")},
	}
	p.archiveFn = func(src models.MediaSource) (*models.ArchiveOutcome, error) {
		if src.SourceID == "vid_bad" {
			return nil, errors.New("download stalled")
		}
		return &models.ArchiveOutcome{Success: true, OutputPath: "/tmp/" + src.SourceID, FileSize: 10}, nil
	}
	env := newExecEnv(t, Config{}, p)

	rec := env.executor.Execute(context.Background(), testJob("demo", models.PolicyArchiveNew))
	env.executor.Wait()

	require.True(t, rec.Success, "archive failures are logged, not fatal")
	assert.Equal(t, 2, rec.SourcesFound)
	assert.Equal(t, 1, rec.SourcesArchived)

	knownOK, err := env.store.Contains("demo", "vid_ok")
	require.NoError(t, err)
	assert.True(t, knownOK)
	knownBad, err := env.store.Contains("demo", "vid_bad")
	require.NoError(t, err)
	assert.False(t, knownBad, "failed archive is retried on the next run")
}

func TestExecutor_Execute_UnsuccessfulOutcomeNotCounted(t *testing.T) {
	p := &scriptedPlugin{name: "demo", healthy: true, sources: []models.MediaSource{source("vid_1")}}
	p.archiveFn = func(models.MediaSource) (*models.ArchiveOutcome, error) {
		return &models.ArchiveOutcome{Success: false, ErrorMessage: "stream truncated"}, nil
	}
	env := newExecEnv(t, Config{}, p)

	rec := env.executor.Execute(context.Background(), testJob("demo", models.PolicyArchiveNew))
	env.executor.Wait()

	require.True(t, rec.Success)
	assert.Equal(t, 0, rec.SourcesArchived)
	assert.Empty(t, env.pipeline.submitted())
	assert.Empty(t, env.eventsOf(bus.EventTypeArchiveComplete))
}

func TestExecutor_Execute_DiscoveryError(t *testing.T) {
	p := &scriptedPlugin{name: "demo", healthy: true, discoverErr: errors.New("listing timed out")}
	env := newExecEnv(t, Config{}, p)

	rec := env.executor.Execute(context.Background(), testJob("demo", models.PolicyArchiveNew))

	assert.False(t, rec.Success)
	require.NotNil(t, rec.ErrorMessage)
	assert.Equal(t, "listing timed out", *rec.ErrorMessage)
	assert.Equal(t, ReasonDiscoveryFailed, rec.Metadata["reason"])
}

func TestExecutor_Execute_EmptyDiscovery(t *testing.T) {
	p := &scriptedPlugin{name: "demo", healthy: true}
	env := newExecEnv(t, Config{}, p)

	rec := env.executor.Execute(context.Background(), testJob("demo", models.PolicyArchiveNew))

	require.True(t, rec.Success)
	assert.Equal(t, 0, rec.SourcesFound)
	assert.Equal(t, 0, rec.SourcesArchived)
}

func TestExecutor_Execute_ArchivePanicCountsAsFailure(t *testing.T) {
	p := &scriptedPlugin{name: "demo", healthy: true, sources: []models.MediaSource{source("vid_1")}}
	p.archiveFn = func(models.MediaSource) (*models.ArchiveOutcome, error) {
		panic("plugin exploded")
	}
	env := newExecEnv(t, Config{}, p)

	var rec *models.JobExecutionRecord
	require.NotPanics(t, func() {
		rec = env.executor.Execute(context.Background(), testJob("demo", models.PolicyArchiveNew))
	})

	require.NotNil(t, rec)
	assert.True(t, rec.Success, "a panicking archive is a failed archive, not a failed run")
	assert.Equal(t, 0, rec.SourcesArchived)
	assert.Empty(t, env.pipeline.submitted())
}

func TestExecutor_Execute_DiscoveryPanicBecomesFailedRecord(t *testing.T) {
	p := &panickingPlugin{name: "demo"}
	manager := plugin.NewManager(slog.Default())
	require.NoError(t, manager.Register(p))
	manager.InitializeAll(context.Background())

	store, err := sources.NewStore(t.TempDir(), slog.Default())
	require.NoError(t, err)

	exec := New(Config{}, Deps{
		Plugins:  manager,
		Sources:  store,
		Pipeline: &fakePipeline{},
		Recorder: &fakeRecorder{},
		Events:   bus.New(slog.Default(), nil),
		Logger:   slog.Default(),
		Metrics:  metrics.New(),
	})

	var rec *models.JobExecutionRecord
	require.NotPanics(t, func() {
		rec = exec.Execute(context.Background(), testJob("demo", models.PolicyArchiveNew))
	})

	require.NotNil(t, rec)
	assert.False(t, rec.Success)
	require.NotNil(t, rec.ErrorMessage)
	assert.Contains(t, *rec.ErrorMessage, "panicked")
}

type panickingPlugin struct {
	plugin.BasePlugin
	name string
}

func (p *panickingPlugin) Info() plugin.PluginInfo {
	return plugin.PluginInfo{Name: p.name, Capabilities: plugin.CapDiscover}
}

func (p *panickingPlugin) Discover(context.Context) ([]models.MediaSource, error) {
	panic("discovery exploded")
}

func TestExecutor_Execute_RecorderFailureIsBestEffort(t *testing.T) {
	p := &scriptedPlugin{name: "demo", healthy: true, sources: []models.MediaSource{source("vid_1")}}
	env := newExecEnv(t, Config{}, p)
	env.recorder.err = errors.New("database is locked")

	rec := env.executor.Execute(context.Background(), testJob("demo", models.PolicyArchiveNew))
	env.executor.Wait()

	assert.True(t, rec.Success, "persistence failure never fails the run")
	assert.Equal(t, 1, rec.SourcesArchived)
}

func TestExecutor_Execute_ArchiveGateBoundsConcurrency(t *testing.T) {
	var current, peak atomic.Int32
	srcs := make([]models.MediaSource, 6)
	for i := range srcs {
		srcs[i] = source(fmt.Sprintf("vid_%d", i))
	}
	p := &scriptedPlugin{name: "demo", healthy: true, sources: srcs}
	p.archiveFn = func(src models.MediaSource) (*models.ArchiveOutcome, error) {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return &models.ArchiveOutcome{Success: true, OutputPath: "/tmp/" + src.SourceID, FileSize: 1}, nil
	}
	env := newExecEnv(t, Config{MaxConcurrentArchives: 2}, p)

	rec := env.executor.Execute(context.Background(), testJob("demo", models.PolicyArchiveNew))
	env.executor.Wait()

	assert.Equal(t, 6, rec.SourcesArchived)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}
