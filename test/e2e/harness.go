// Package e2e boots a complete Haven instance — real bus, pipeline,
// executor and scheduler over temporary directories — and drives it through
// the archival scenarios end to end.
package e2e

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/haven-archive/haven/pkg/bus"
	"github.com/haven-archive/haven/pkg/database"
	"github.com/haven-archive/haven/pkg/executor"
	"github.com/haven-archive/haven/pkg/models"
	"github.com/haven-archive/haven/pkg/pipeline"
	"github.com/haven-archive/haven/pkg/pipeline/steps"
	"github.com/haven-archive/haven/pkg/plugin"
	"github.com/haven-archive/haven/pkg/scheduler"
	"github.com/haven-archive/haven/pkg/services"
	"github.com/haven-archive/haven/pkg/sources"
	testdb "github.com/haven-archive/haven/test/database"
)

// farFutureSchedule is a valid cron expression that cannot fire during a
// test run (midnight on February 29), so scripted runs stay the only runs.
const farFutureSchedule = "0 0 29 2 *"

// TestApp is one fully wired Haven instance.
type TestApp struct {
	DataDir  string
	StoreDir string

	DB         *database.Client
	Bus        *bus.Bus
	Recorder   *EventRecorder
	Jobs       *services.JobService
	Executions *services.ExecutionService
	Sources    *sources.Store
	Plugins    *plugin.Manager
	Pipeline   *pipeline.Manager
	Executor   *executor.Executor
	Scheduler  *scheduler.Scheduler

	t        *testing.T
	stopOnce sync.Once
}

// testAppConfig holds options accumulated before wiring the TestApp.
type testAppConfig struct {
	dataDir    string
	plugins    []pluginSpec
	uploader   steps.Uploader
	maxRetries int
	retryDelay time.Duration
}

type pluginSpec struct {
	p       plugin.Plugin
	options map[string]any
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithDataDir reuses an existing data directory instead of a fresh temp
// dir. Restart tests point a second app at the first app's directory.
func WithDataDir(dir string) TestAppOption {
	return func(c *testAppConfig) { c.dataDir = dir }
}

// WithPlugin registers a plugin before initialization. options may be nil.
func WithPlugin(p plugin.Plugin, options map[string]any) TestAppOption {
	return func(c *testAppConfig) { c.plugins = append(c.plugins, pluginSpec{p: p, options: options}) }
}

// WithUploader swaps the pipeline's upload collaborator.
func WithUploader(u steps.Uploader) TestAppOption {
	return func(c *testAppConfig) { c.uploader = u }
}

// WithRetryPolicy overrides the per-step retry budget and backoff base.
func WithRetryPolicy(maxRetries int, delayBase time.Duration) TestAppOption {
	return func(c *testAppConfig) {
		c.maxRetries = maxRetries
		c.retryDelay = delayBase
	}
}

// NewTestApp wires and starts a Haven instance. Shutdown is registered via
// t.Cleanup; tests simulating a crash call Shutdown explicitly and then
// boot a second app over the same data directory.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{
		maxRetries: 3,
		retryDelay: 5 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.dataDir == "" {
		tc.dataDir = t.TempDir()
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	app := &TestApp{
		DataDir:  tc.dataDir,
		StoreDir: filepath.Join(tc.dataDir, "store"),
		t:        t,
	}

	// 1. Event bus with a recording subscriber. Publish joins handler
	// completion, so once a producer returns its events are recorded.
	app.Bus = bus.New(logger, nil)
	app.Bus.EnableHistory(256)
	app.Recorder = NewEventRecorder()
	app.Bus.SubscribeAll(app.Recorder.handle)

	// 2. Job store on a migrated test database.
	app.DB = testdb.NewTestClient(t)
	app.Jobs = services.NewJobService(app.DB)
	app.Executions = services.NewExecutionService(app.DB)

	// 3. Known-source store under the data dir, like production.
	var err error
	app.Sources, err = sources.NewStore(filepath.Join(tc.dataDir, "known_sources"), logger)
	require.NoError(t, err)

	// 4. Plugins.
	app.Plugins = plugin.NewManager(logger)
	for _, spec := range tc.plugins {
		require.NoError(t, app.Plugins.Register(spec.p))
		if spec.options != nil {
			require.NoError(t, app.Plugins.Configure(spec.p.Info().Name, spec.options))
		}
	}
	app.Plugins.InitializeAll(ctx)

	// 5. Pipeline with default step toggles (ingest and upload on).
	uploader := tc.uploader
	if uploader == nil {
		uploader = steps.NewLocalStoreUploader(app.StoreDir)
	}
	app.Pipeline = steps.NewBuilder(app.Bus, logger, nil).
		WithRetryPolicy(tc.maxRetries, tc.retryDelay).
		WithUploader(uploader).
		Build()

	// 6. Executor.
	app.Executor = executor.New(
		executor.Config{},
		executor.Deps{
			Plugins:  app.Plugins,
			Sources:  app.Sources,
			Pipeline: app.Pipeline,
			Recorder: app.Executions,
			Events:   app.Bus,
			Logger:   logger,
		})

	// 7. Scheduler.
	app.Scheduler = scheduler.New(
		scheduler.Config{
			DataDir:       tc.dataDir,
			MisfireGrace:  time.Minute,
			HistorySize:   16,
			ShutdownGrace: 5 * time.Second,
		},
		scheduler.Deps{
			Jobs:   app.Jobs,
			Runner: app.Executor,
			Logger: logger,
		})
	require.NoError(t, app.Scheduler.Start(ctx))

	t.Cleanup(app.Shutdown)
	return app
}

// Shutdown stops the scheduler and drains detached pipeline work. It is
// idempotent; the database closes via the test client's own cleanup.
func (app *TestApp) Shutdown() {
	app.stopOnce.Do(func() {
		app.Scheduler.Stop()
		app.Executor.Wait()
	})
}

// CreateJob adds an enabled job for the given plugin with a schedule that
// will not fire on its own.
func (app *TestApp) CreateJob(name, pluginName string, policy models.OnSuccessPolicy) *models.Job {
	app.t.Helper()
	job, err := app.Scheduler.Add(context.Background(), models.CreateJobRequest{
		Name:       name,
		PluginName: pluginName,
		Schedule:   farFutureSchedule,
		OnSuccess:  policy,
	})
	require.NoError(app.t, err)
	return job
}

// RunJob fires the job immediately and waits for every pipeline submission
// the run detached, so event and filesystem assertions are race-free.
func (app *TestApp) RunJob(id uuid.UUID) *models.JobExecutionRecord {
	app.t.Helper()
	rec, err := app.Scheduler.RunNow(context.Background(), id)
	require.NoError(app.t, err)
	app.Executor.Wait()
	return rec
}
