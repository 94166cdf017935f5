// Package executor runs one job end to end: plugin resolution, health
// check, discovery, policy filtering, bounded archive fan-out and pipeline
// handoff. Execute never returns an error; every outcome is encoded in the
// execution record it produces.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/semaphore"

	"github.com/haven-archive/haven/pkg/bus"
	"github.com/haven-archive/haven/pkg/metrics"
	"github.com/haven-archive/haven/pkg/models"
	"github.com/haven-archive/haven/pkg/pipeline"
	"github.com/haven-archive/haven/pkg/plugin"
	"github.com/haven-archive/haven/pkg/sources"
)

const componentName = "job-executor"

// DefaultMaxConcurrentArchives bounds simultaneous plugin archive calls.
const DefaultMaxConcurrentArchives = 3

// Failure reasons recorded in execution metadata.
const (
	ReasonPluginNotFound  = "plugin-not-found"
	ReasonPluginUnhealthy = "plugin-unhealthy"
	ReasonDiscoveryFailed = "discovery-failed"
	ReasonFilterFailed    = "known-source-filter-failed"
)

// PipelineSubmitter receives archived items for processing.
type PipelineSubmitter interface {
	Process(ctx context.Context, pctx *pipeline.Context) *pipeline.Result
}

// ExecutionRecorder persists execution outcomes.
type ExecutionRecorder interface {
	Record(ctx context.Context, rec *models.JobExecutionRecord) error
}

// Config tunes the executor.
type Config struct {
	// MaxConcurrentArchives is the archive gate capacity (default 3).
	MaxConcurrentArchives int
}

// Deps are the collaborators the executor drives.
type Deps struct {
	Plugins  *plugin.Manager
	Sources  *sources.Store
	Pipeline PipelineSubmitter
	Recorder ExecutionRecorder
	Events   *bus.Bus
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Executor fires jobs against their plugins.
type Executor struct {
	plugins  *plugin.Manager
	sources  *sources.Store
	pipeline PipelineSubmitter
	recorder ExecutionRecorder
	events   *bus.Bus
	logger   *slog.Logger
	metrics  *metrics.Metrics
	gate     *semaphore.Weighted

	// wg tracks detached pipeline submissions for shutdown draining.
	wg sync.WaitGroup
}

// New builds an executor.
func New(cfg Config, deps Deps) *Executor {
	maxArchives := cfg.MaxConcurrentArchives
	if maxArchives <= 0 {
		maxArchives = DefaultMaxConcurrentArchives
	}
	return &Executor{
		plugins:  deps.Plugins,
		sources:  deps.Sources,
		pipeline: deps.Pipeline,
		recorder: deps.Recorder,
		events:   deps.Events,
		logger:   deps.Logger.With("component", componentName),
		metrics:  deps.Metrics,
		gate:     semaphore.NewWeighted(int64(maxArchives)),
	}
}

// Execute runs the job once and returns its execution record. Archive
// failures are logged and skipped; the run itself still succeeds. Panics
// are caught and folded into a failed record.
func (e *Executor) Execute(ctx context.Context, job *models.Job) (rec *models.JobExecutionRecord) {
	rec = &models.JobExecutionRecord{
		JobID:      job.ID,
		PluginName: job.PluginName,
		StartedAt:  time.Now().UTC(),
		Success:    true,
		Metadata:   models.JSONMap{},
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Job execution panicked",
				"job_id", job.ID,
				"plugin", job.PluginName,
				"panic", r)
			rec.Success = false
			msg := fmt.Sprintf("job execution panicked: %v", r)
			rec.ErrorMessage = &msg
		}
		rec.CompletedAt = time.Now().UTC()
		e.metrics.JobExecuted(job.PluginName, rec.Success)
		e.record(rec)
	}()

	e.run(ctx, job, rec)
	return rec
}

// Wait blocks until every detached pipeline submission has returned.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) run(ctx context.Context, job *models.Job, rec *models.JobExecutionRecord) {
	log := e.logger.With("job_id", job.ID, "job_name", job.Name, "plugin", job.PluginName)

	p, err := e.plugins.Get(job.PluginName)
	if err != nil {
		e.fail(rec, ReasonPluginNotFound, err)
		log.Error("Plugin unavailable for job", "error", err)
		return
	}

	healthy := p.HealthCheck(ctx)
	e.publish(bus.EventTypeHealthCheck, map[string]any{
		"job_id":  job.ID.String(),
		"plugin":  job.PluginName,
		"healthy": healthy,
	})
	if !healthy {
		e.fail(rec, ReasonPluginUnhealthy, fmt.Errorf("plugin %s failed its health check", job.PluginName))
		log.Error("Plugin failed health check")
		return
	}

	discovered, err := p.Discover(ctx)
	if err != nil {
		e.fail(rec, ReasonDiscoveryFailed, err)
		log.Error("Discovery failed", "error", err)
		return
	}
	rec.SourcesFound = len(discovered)
	e.metrics.SourcesDiscovered(job.PluginName, len(discovered))
	e.publish(bus.EventTypeSourcesDiscovered, map[string]any{
		"job_id": job.ID.String(),
		"plugin": job.PluginName,
		"count":  len(discovered),
	})
	log.Info("Discovery complete", "sources_found", len(discovered))

	targets, err := e.filterByPolicy(job, discovered)
	if err != nil {
		e.fail(rec, ReasonFilterFailed, err)
		log.Error("Known-source filtering failed", "error", err)
		return
	}
	if len(targets) == 0 {
		log.Info("Nothing to archive", "policy", string(job.OnSuccess))
		return
	}

	rec.SourcesArchived = e.archiveAll(ctx, p, job, targets)
	log.Info("Job execution complete",
		"sources_found", rec.SourcesFound,
		"sources_archived", rec.SourcesArchived)
}

// filterByPolicy reduces discovery output to the archive targets. Order is
// preserved. Unknown policies fall back to archive-new.
func (e *Executor) filterByPolicy(job *models.Job, discovered []models.MediaSource) ([]models.MediaSource, error) {
	switch job.OnSuccess {
	case models.PolicyLogOnly:
		return nil, nil
	case models.PolicyArchiveAll:
		return discovered, nil
	default:
		ids := make([]string, len(discovered))
		byID := make(map[string]models.MediaSource, len(discovered))
		for i, src := range discovered {
			ids[i] = src.SourceID
			byID[src.SourceID] = src
		}
		fresh, err := e.sources.FilterNew(job.PluginName, ids)
		if err != nil {
			return nil, fmt.Errorf("failed to filter known sources: %w", err)
		}
		targets := make([]models.MediaSource, 0, len(fresh))
		for _, id := range fresh {
			targets = append(targets, byID[id])
		}
		return targets, nil
	}
}

// archiveAll fans the targets out over the archive gate and returns how
// many archived successfully.
func (e *Executor) archiveAll(ctx context.Context, p plugin.Plugin, job *models.Job, targets []models.MediaSource) int {
	var wg sync.WaitGroup
	var archived atomic.Int64
	for _, src := range targets {
		if err := e.gate.Acquire(ctx, 1); err != nil {
			e.logger.Warn("Archive gate closed, stopping batch",
				"job_id", job.ID, "error", err)
			break
		}
		wg.Add(1)
		go func(src models.MediaSource) {
			defer wg.Done()
			defer e.gate.Release(1)
			if e.archiveOne(ctx, p, job, src) {
				archived.Add(1)
			}
		}(src)
	}
	wg.Wait()
	return int(archived.Load())
}

// archiveOne archives a single source. On success the id enters the known
// set (archive-new only) and the file is submitted to the pipeline. A
// panicking plugin counts as a failed archive; it runs on its own
// goroutine, so the recover must live here.
func (e *Executor) archiveOne(ctx context.Context, p plugin.Plugin, job *models.Job, src models.MediaSource) (ok bool) {
	log := e.logger.With("job_id", job.ID, "plugin", job.PluginName, "source_id", src.SourceID)

	defer func() {
		if r := recover(); r != nil {
			e.metrics.ArchiveFailed(job.PluginName)
			log.Error("Archive panicked", "panic", r)
			ok = false
		}
	}()

	e.publish(bus.EventTypeArchiveStarted, map[string]any{
		"job_id":    job.ID.String(),
		"plugin":    job.PluginName,
		"source_id": src.SourceID,
	})

	outcome, err := p.Archive(ctx, src)
	if err != nil {
		e.metrics.ArchiveFailed(job.PluginName)
		log.Error("Archive failed", "error", err)
		return false
	}
	if !outcome.Success {
		e.metrics.ArchiveFailed(job.PluginName)
		log.Error("Archive unsuccessful", "error", outcome.ErrorMessage)
		return false
	}

	// the known set grows only after a successful archive, and only under
	// archive-new; a crash before this line re-archives next run
	if job.OnSuccess != models.PolicyArchiveAll {
		if err := e.sources.Add(job.PluginName, src.SourceID); err != nil {
			log.Error("Failed to record known source", "error", err)
		}
	}

	e.metrics.SourceArchived(job.PluginName)
	e.publish(bus.EventTypeArchiveComplete, map[string]any{
		"job_id":    job.ID.String(),
		"plugin":    job.PluginName,
		"source_id": src.SourceID,
		"path":      outcome.OutputPath,
		"file_size": outcome.FileSize,
	})
	log.Info("Source archived",
		"path", outcome.OutputPath,
		"size", humanize.Bytes(uint64(outcome.FileSize)))

	e.submit(ctx, job, src, outcome)
	return true
}

// submit hands the archived file to the pipeline without awaiting the
// result. Source metadata wins over job metadata on key conflicts.
func (e *Executor) submit(ctx context.Context, job *models.Job, src models.MediaSource, outcome *models.ArchiveOutcome) {
	options := make(map[string]any, len(job.Metadata)+len(src.Metadata))
	for k, v := range job.Metadata {
		options[k] = v
	}
	for k, v := range src.Metadata {
		options[k] = v
	}

	pctx := pipeline.NewContext(outcome.OutputPath, options)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pipeline.Process(ctx, pctx)
	}()

	e.logger.Info("Pipeline submitted",
		"correlation_id", pctx.CorrelationID,
		"job_id", job.ID,
		"source_id", src.SourceID,
		"path", outcome.OutputPath)
}

func (e *Executor) fail(rec *models.JobExecutionRecord, reason string, err error) {
	rec.Success = false
	msg := err.Error()
	rec.ErrorMessage = &msg
	rec.Metadata["reason"] = reason
}

// record persists best-effort; a storage failure never fails the run.
func (e *Executor) record(rec *models.JobExecutionRecord) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.Record(context.Background(), rec); err != nil {
		e.logger.Error("Failed to persist execution record",
			"job_id", rec.JobID, "error", err)
	}
}

func (e *Executor) publish(eventType string, payload map[string]any) {
	e.events.Publish(bus.Event{
		Type:    eventType,
		Source:  componentName,
		Payload: payload,
	})
}
