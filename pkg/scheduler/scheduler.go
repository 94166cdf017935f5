// Package scheduler drives recurring archival jobs. It parses cron
// recurrences, loads job definitions at startup (database first, JSON
// backup second), fires the executor on schedule, and keeps a bounded
// in-memory history of recent runs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/haven-archive/haven/pkg/metrics"
	"github.com/haven-archive/haven/pkg/models"
	"github.com/haven-archive/haven/pkg/services"
)

const componentName = "scheduler"

const (
	// DefaultMisfireGrace is how far behind its scheduled time a fire may
	// arrive and still run. Later fires are coalesced.
	DefaultMisfireGrace = 5 * time.Minute
	// DefaultHistorySize bounds the in-memory execution history ring.
	DefaultHistorySize = 100
	// DefaultShutdownGrace bounds how long Stop waits for in-flight fires.
	DefaultShutdownGrace = 30 * time.Second
	// DefaultBackupFile is the JSON dump of job definitions inside the
	// data directory.
	DefaultBackupFile = "scheduler_state.json"
)

// ErrAlreadyRunning is returned by RunNow when the job has a run in flight.
var ErrAlreadyRunning = errors.New("job is already running")

// JobStore is the persistence surface the scheduler needs for job
// definitions. *services.JobService satisfies it.
type JobStore interface {
	Create(ctx context.Context, req models.CreateJobRequest) (*models.Job, error)
	GetAll(ctx context.Context) ([]*models.Job, error)
	Update(ctx context.Context, id uuid.UUID, params models.UpdateJobParams) (*models.Job, error)
	Delete(ctx context.Context, id uuid.UUID) error
	UpdateStats(ctx context.Context, id uuid.UUID, upd models.JobStatsUpdate) error
}

// JobRunner executes a single job run. *executor.Executor satisfies it.
type JobRunner interface {
	Execute(ctx context.Context, job *models.Job) *models.JobExecutionRecord
}

// Config holds the scheduler tunables.
type Config struct {
	// DataDir is where the JSON backup lives.
	DataDir string
	// BackupFile is the backup file name inside DataDir.
	BackupFile string
	// MisfireGrace is the window behind schedule within which a late fire
	// still runs.
	MisfireGrace time.Duration
	// HistorySize bounds the in-memory execution history.
	HistorySize int
	// ShutdownGrace bounds how long Stop waits for in-flight fires.
	ShutdownGrace time.Duration
}

// Deps are the scheduler's collaborators.
type Deps struct {
	Jobs    JobStore
	Runner  JobRunner
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Scheduler owns the job map and the cron engine. All cross-goroutine
// mutation goes through its methods.
type Scheduler struct {
	cfg     Config
	jobs    JobStore
	runner  JobRunner
	logger  *slog.Logger
	metrics *metrics.Metrics
	parser  cron.Parser
	history *ring

	mu      sync.Mutex
	running bool
	engine  *cron.Cron
	byID    map[uuid.UUID]*models.Job
	entries map[uuid.UUID]cron.EntryID
	locks   map[uuid.UUID]*sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc

	// now is the scheduler's clock. Tests swap it out.
	now func() time.Time
}

// New creates a stopped scheduler. Call Start to load jobs and begin firing.
func New(cfg Config, deps Deps) *Scheduler {
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = DefaultMisfireGrace
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.BackupFile == "" {
		cfg.BackupFile = DefaultBackupFile
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:     cfg,
		jobs:    deps.Jobs,
		runner:  deps.Runner,
		logger:  logger.With("component", componentName),
		metrics: deps.Metrics,
		parser:  newScheduleParser(),
		history: newRing(cfg.HistorySize),
		byID:    make(map[uuid.UUID]*models.Job),
		entries: make(map[uuid.UUID]cron.EntryID),
		locks:   make(map[uuid.UUID]*sync.Mutex),
		now:     time.Now,
	}
}

// Start loads job definitions and begins firing enabled jobs on their cron
// recurrence. Jobs present in the JSON backup but missing from the database
// are restored in memory so a corrupt database does not silence them.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("Scheduler already running, ignoring start")
		return nil
	}
	s.mu.Unlock()

	loaded, err := s.jobs.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load jobs: %w", err)
	}

	byID := make(map[uuid.UUID]*models.Job, len(loaded))
	for _, job := range loaded {
		byID[job.ID] = job
	}

	restored, err := s.loadBackup()
	if err != nil {
		s.logger.Warn("Skipping unreadable scheduler backup", "error", err)
	}
	merged := 0
	for _, job := range restored {
		if _, ok := byID[job.ID]; ok {
			continue
		}
		byID[job.ID] = job
		merged++
	}
	if merged > 0 {
		s.logger.Warn("Restored jobs from backup that are missing in the database",
			"count", merged)
	}

	engine := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithParser(s.parser),
		cron.WithChain(
			cron.Recover(cronLogger{s.logger}),
			cron.SkipIfStillRunning(cronLogger{s.logger}),
		),
	)

	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.byID = byID
	s.entries = make(map[uuid.UUID]cron.EntryID)
	s.engine = engine
	s.runCtx = runCtx
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	engine.Start()

	scheduled := 0
	for _, job := range byID {
		if !job.Enabled {
			continue
		}
		if err := s.schedule(job); err != nil {
			s.logger.Error("Failed to schedule job",
				"job_id", job.ID, "name", job.Name,
				"schedule", job.Schedule, "error", err)
			continue
		}
		scheduled++
	}

	s.logger.Info("Scheduler started",
		"jobs", len(byID), "scheduled", scheduled,
		"misfire_grace", s.cfg.MisfireGrace)
	return nil
}

// Stop saves the JSON backup, stops the cron engine, and waits up to the
// shutdown grace for in-flight fires to complete.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	engine := s.engine
	cancel := s.cancel
	s.engine = nil
	s.entries = make(map[uuid.UUID]cron.EntryID)
	s.mu.Unlock()

	if err := s.SaveState(); err != nil {
		s.logger.Error("State backup failed during shutdown", "error", err)
	}

	stopCtx := engine.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(s.cfg.ShutdownGrace):
		s.logger.Warn("Shutdown grace expired with fires still in flight",
			"grace", s.cfg.ShutdownGrace)
	}
	cancel()

	s.logger.Info("Scheduler stopped")
}

// Add validates the cron expression, persists the job, and schedules it
// when the scheduler is running and the job is enabled.
func (s *Scheduler) Add(ctx context.Context, req models.CreateJobRequest) (*models.Job, error) {
	if _, err := s.parser.Parse(req.Schedule); err != nil {
		return nil, services.NewValidationError("schedule",
			fmt.Sprintf("not a valid cron expression: %v", err))
	}

	job, err := s.jobs.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.byID[job.ID] = job
	running := s.running
	s.mu.Unlock()

	if job.Enabled {
		if running {
			if err := s.schedule(job); err != nil {
				s.logger.Error("Failed to schedule new job",
					"job_id", job.ID, "name", job.Name, "error", err)
			}
		} else {
			s.updateNextRun(job.ID)
		}
	}

	s.logger.Info("Job added",
		"job_id", job.ID, "name", job.Name,
		"plugin", job.PluginName, "schedule", job.Schedule)

	s.mu.Lock()
	defer s.mu.Unlock()
	return job.Clone(), nil
}

// Remove deletes the job definition and unschedules it. Execution history
// is kept.
func (s *Scheduler) Remove(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	_, known := s.byID[id]
	s.mu.Unlock()
	if !known {
		return services.ErrNotFound
	}

	if err := s.jobs.Delete(ctx, id); err != nil && !errors.Is(err, services.ErrNotFound) {
		return err
	}

	s.mu.Lock()
	delete(s.byID, id)
	delete(s.locks, id)
	if eid, ok := s.entries[id]; ok {
		if s.engine != nil {
			s.engine.Remove(eid)
		}
		delete(s.entries, id)
	}
	s.mu.Unlock()

	s.logger.Info("Job removed", "job_id", id)
	return nil
}

// Pause disables the job and clears its next run. Pausing a paused job is
// a no-op.
func (s *Scheduler) Pause(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	job, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return nil, services.ErrNotFound
	}
	if !job.Enabled {
		clone := job.Clone()
		s.mu.Unlock()
		return clone, nil
	}
	s.mu.Unlock()

	enabled := false
	if _, err := s.jobs.Update(ctx, id, models.UpdateJobParams{Enabled: &enabled}); err != nil && !errors.Is(err, services.ErrNotFound) {
		return nil, err
	}
	if err := s.jobs.UpdateStats(ctx, id, models.JobStatsUpdate{ClearNextRun: true}); err != nil && !errors.Is(err, services.ErrNotFound) {
		s.logger.Error("Failed to clear next run", "job_id", id, "error", err)
	}

	s.mu.Lock()
	job.Enabled = false
	job.NextRunAt = nil
	job.UpdatedAt = s.now().UTC()
	if eid, ok := s.entries[id]; ok {
		if s.engine != nil {
			s.engine.Remove(eid)
		}
		delete(s.entries, id)
	}
	clone := job.Clone()
	s.mu.Unlock()

	s.logger.Info("Job paused", "job_id", id, "name", clone.Name)
	return clone, nil
}

// Resume re-enables the job and restores a future next run. Resuming an
// enabled job is a no-op.
func (s *Scheduler) Resume(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	job, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return nil, services.ErrNotFound
	}
	if job.Enabled {
		clone := job.Clone()
		s.mu.Unlock()
		return clone, nil
	}
	running := s.running
	s.mu.Unlock()

	enabled := true
	if _, err := s.jobs.Update(ctx, id, models.UpdateJobParams{Enabled: &enabled}); err != nil && !errors.Is(err, services.ErrNotFound) {
		return nil, err
	}

	s.mu.Lock()
	job.Enabled = true
	job.UpdatedAt = s.now().UTC()
	s.mu.Unlock()

	if running {
		if err := s.schedule(job); err != nil {
			s.logger.Error("Failed to reschedule resumed job",
				"job_id", id, "error", err)
		}
	} else {
		s.updateNextRun(id)
	}

	s.mu.Lock()
	clone := s.byID[id].Clone()
	s.mu.Unlock()

	s.logger.Info("Job resumed", "job_id", id, "name", clone.Name)
	return clone, nil
}

// RunNow fires the job immediately, bypassing the cron trigger. Disabled
// jobs are not run; they yield a skipped record that goes to the in-memory
// history only. Returns ErrAlreadyRunning if a run is already in flight.
func (s *Scheduler) RunNow(ctx context.Context, id uuid.UUID) (*models.JobExecutionRecord, error) {
	s.mu.Lock()
	job, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return nil, services.ErrNotFound
	}
	jobCopy := job.Clone()
	s.mu.Unlock()

	if !jobCopy.Enabled {
		now := s.now().UTC()
		msg := "job is disabled"
		rec := &models.JobExecutionRecord{
			JobID:        id,
			PluginName:   jobCopy.PluginName,
			StartedAt:    now,
			CompletedAt:  now,
			Success:      false,
			ErrorMessage: &msg,
			Metadata:     models.JSONMap{"reason": "job-disabled"},
		}
		s.history.add(rec)
		s.logger.Info("Run-now skipped disabled job", "job_id", id, "name", jobCopy.Name)
		return rec, nil
	}

	lock := s.jobLock(id)
	if !lock.TryLock() {
		return nil, ErrAlreadyRunning
	}
	defer lock.Unlock()

	s.logger.Info("Running job now", "job_id", id, "name", jobCopy.Name)
	rec := s.runner.Execute(ctx, jobCopy)
	s.recordRun(id, rec)
	return rec, nil
}

// History returns recent executions, newest first, optionally filtered by
// job. It reads the in-memory ring; the full archive lives in the database.
func (s *Scheduler) History(jobID *uuid.UUID, limit int) []*models.JobExecutionRecord {
	return s.history.snapshot(jobID, limit)
}

// CleanupHistory drops in-memory records older than the given age and
// returns how many were removed.
func (s *Scheduler) CleanupHistory(olderThan time.Duration) int {
	cutoff := s.now().UTC().Add(-olderThan)
	removed := s.history.prune(cutoff)
	if removed > 0 {
		s.logger.Info("Pruned scheduler history", "removed", removed, "older_than", olderThan)
	}
	return removed
}

// Status describes the scheduler for the admin API.
type Status struct {
	Running       bool                 `json:"running"`
	TotalJobs     int                  `json:"total_jobs"`
	ActiveJobs    int                  `json:"active_jobs"`
	InEngineCount int                  `json:"in_engine_count"`
	NextRuns      map[string]time.Time `json:"next_runs,omitempty"`
}

// Status reports the running flag, job counts, and per-job next runs.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:       s.running,
		TotalJobs:     len(s.byID),
		InEngineCount: len(s.entries),
		NextRuns:      make(map[string]time.Time, len(s.entries)),
	}
	for _, job := range s.byID {
		if job.Enabled {
			st.ActiveJobs++
		}
	}
	for id, eid := range s.entries {
		if s.engine == nil {
			break
		}
		if next := s.engine.Entry(eid).Next; !next.IsZero() {
			st.NextRuns[id.String()] = next
		}
	}
	return st
}

// schedule registers a cron entry for the job and refreshes its next run.
func (s *Scheduler) schedule(job *models.Job) error {
	id := job.ID

	s.mu.Lock()
	engine := s.engine
	if _, exists := s.entries[id]; exists {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	if engine == nil {
		return errors.New("scheduler engine is not running")
	}

	eid, err := engine.AddFunc(job.Schedule, func() { s.fire(id) })
	if err != nil {
		return fmt.Errorf("failed to register cron entry: %w", err)
	}

	s.mu.Lock()
	if s.engine != engine {
		s.mu.Unlock()
		return errors.New("scheduler stopped while scheduling")
	}
	s.entries[id] = eid
	s.mu.Unlock()

	s.updateNextRun(id)
	return nil
}

// fire is the cron entry handler. Missing and disabled jobs are skipped;
// fires arriving beyond the misfire grace are coalesced into the next
// scheduled run.
func (s *Scheduler) fire(id uuid.UUID) {
	s.mu.Lock()
	job, ok := s.byID[id]
	if !ok || !job.Enabled {
		s.mu.Unlock()
		s.logger.Debug("Skipping fire for missing or disabled job", "job_id", id)
		return
	}
	jobCopy := job.Clone()
	var scheduledAt time.Time
	if job.NextRunAt != nil {
		scheduledAt = *job.NextRunAt
	}
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	now := s.now().UTC()
	if !scheduledAt.IsZero() && now.Sub(scheduledAt) > s.cfg.MisfireGrace {
		s.logger.Warn("Job missed its window, coalescing",
			"job_id", id, "name", jobCopy.Name,
			"scheduled_at", scheduledAt,
			"late_by", now.Sub(scheduledAt).Round(time.Second))
		s.metrics.MisfireDropped()
		s.updateNextRun(id)
		return
	}

	lock := s.jobLock(id)
	if !lock.TryLock() {
		s.logger.Warn("Previous run still in flight, skipping fire",
			"job_id", id, "name", jobCopy.Name)
		return
	}
	defer lock.Unlock()

	rec := s.runner.Execute(ctx, jobCopy)
	s.recordRun(id, rec)
}

// recordRun stores the outcome in the history ring, updates in-memory
// counters, and persists last-run/next-run stats.
func (s *Scheduler) recordRun(id uuid.UUID, rec *models.JobExecutionRecord) {
	s.history.add(rec)

	if rec.Success {
		s.logger.Info("Job executed",
			"job_id", id,
			"sources_found", rec.SourcesFound,
			"sources_archived", rec.SourcesArchived,
			"duration", rec.Duration().Round(time.Millisecond))
	} else {
		msg := ""
		if rec.ErrorMessage != nil {
			msg = *rec.ErrorMessage
		}
		s.logger.Error("Job errored", "job_id", id, "error", msg)
	}

	startedAt := rec.StartedAt
	upd := models.JobStatsUpdate{LastRunAt: &startedAt, IncrementRun: true}
	if !rec.Success {
		upd.IncrementError = true
	}

	s.mu.Lock()
	job, ok := s.byID[id]
	if ok {
		t := startedAt
		job.LastRunAt = &t
		job.RunCount++
		if !rec.Success {
			job.ErrorCount++
		}
	}
	enabled := ok && job.Enabled
	s.mu.Unlock()

	// A job paused mid-run keeps its cleared next run.
	if enabled {
		next := s.projectNextRun(id)
		upd.NextRunAt = &next
		s.mu.Lock()
		if job, ok := s.byID[id]; ok && job.Enabled {
			t := next
			job.NextRunAt = &t
		}
		s.mu.Unlock()
	}

	if err := s.jobs.UpdateStats(context.Background(), id, upd); err != nil && !errors.Is(err, services.ErrNotFound) {
		s.logger.Error("Failed to persist job stats", "job_id", id, "error", err)
	}
}

// updateNextRun refreshes the job's projected next run in memory and in
// the store.
func (s *Scheduler) updateNextRun(id uuid.UUID) {
	next := s.projectNextRun(id)

	s.mu.Lock()
	if job, ok := s.byID[id]; ok {
		t := next
		job.NextRunAt = &t
	}
	s.mu.Unlock()

	if err := s.jobs.UpdateStats(context.Background(), id, models.JobStatsUpdate{NextRunAt: &next}); err != nil && !errors.Is(err, services.ErrNotFound) {
		s.logger.Error("Failed to persist next run", "job_id", id, "error", err)
	}
}

// projectNextRun prefers the cron engine's own projection, falls back to
// parsing the schedule, and as a last resort answers one hour from now so
// an unparseable schedule stays visible rather than vanishing.
func (s *Scheduler) projectNextRun(id uuid.UUID) time.Time {
	s.mu.Lock()
	eid, inEngine := s.entries[id]
	engine := s.engine
	var schedule string
	if job, ok := s.byID[id]; ok {
		schedule = job.Schedule
	}
	s.mu.Unlock()

	if inEngine && engine != nil {
		if next := engine.Entry(eid).Next; !next.IsZero() {
			return next
		}
	}
	if sched, err := s.parser.Parse(schedule); err == nil {
		return sched.Next(s.now().UTC())
	}
	return s.now().UTC().Add(time.Hour)
}

// jobLock returns the per-job mutex that keeps cron fires and RunNow from
// overlapping on the same job.
func (s *Scheduler) jobLock(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}
