// Package services implements the persistence-facing business logic:
// job definitions and the append-only execution history.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haven-archive/haven/pkg/database"
	"github.com/haven-archive/haven/pkg/models"
)

const jobColumns = `id, name, plugin_name, schedule, on_success, enabled,
	metadata, last_run_at, next_run_at, run_count, error_count,
	created_at, updated_at`

// JobService manages archival job definitions
type JobService struct {
	client *database.Client
}

// NewJobService creates a new JobService
func NewJobService(client *database.Client) *JobService {
	return &JobService{client: client}
}

// Create validates and persists a new job definition
func (s *JobService) Create(httpCtx context.Context, req models.CreateJobRequest) (*models.Job, error) {
	if req.Name == "" {
		return nil, NewValidationError("name", "required")
	}
	if req.PluginName == "" {
		return nil, NewValidationError("plugin_name", "required")
	}
	if req.Schedule == "" {
		return nil, NewValidationError("schedule", "required")
	}

	policy := req.OnSuccess
	if policy == "" {
		policy = models.PolicyArchiveNew
	}
	if !policy.IsValid() {
		return nil, NewValidationError("on_success", fmt.Sprintf("unknown policy %q", policy))
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	metadata := req.Metadata
	if metadata == nil {
		metadata = models.JSONMap{}
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:         uuid.New(),
		Name:       req.Name,
		PluginName: req.PluginName,
		Schedule:   req.Schedule,
		OnSuccess:  policy,
		Enabled:    enabled,
		Metadata:   metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := s.client.DB().NamedExecContext(ctx, `
		INSERT INTO jobs (id, name, plugin_name, schedule, on_success, enabled,
			metadata, last_run_at, next_run_at, run_count, error_count,
			created_at, updated_at)
		VALUES (:id, :name, :plugin_name, :schedule, :on_success, :enabled,
			:metadata, :last_run_at, :next_run_at, :run_count, :error_count,
			:created_at, :updated_at)`, job)
	if err != nil {
		if isConstraintViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	return job, nil
}

// Get retrieves a job by ID
func (s *JobService) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	db := s.client.DB()
	var job models.Job
	query := db.Rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`)
	if err := db.GetContext(ctx, &job, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// GetAll retrieves all jobs ordered by creation time
func (s *JobService) GetAll(ctx context.Context) ([]*models.Job, error) {
	db := s.client.DB()
	var jobs []*models.Job
	query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at, id`
	if err := db.SelectContext(ctx, &jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// GetEnabled retrieves jobs that are eligible for scheduling
func (s *JobService) GetEnabled(ctx context.Context) ([]*models.Job, error) {
	db := s.client.DB()
	var jobs []*models.Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE enabled = TRUE ORDER BY created_at, id`
	if err := db.SelectContext(ctx, &jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list enabled jobs: %w", err)
	}
	return jobs, nil
}

// Update applies the non-nil fields and returns the updated job
func (s *JobService) Update(httpCtx context.Context, id uuid.UUID, params models.UpdateJobParams) (*models.Job, error) {
	job, err := s.Get(httpCtx, id)
	if err != nil {
		return nil, err
	}

	if params.Name != nil {
		if *params.Name == "" {
			return nil, NewValidationError("name", "cannot be empty")
		}
		job.Name = *params.Name
	}
	if params.Schedule != nil {
		if *params.Schedule == "" {
			return nil, NewValidationError("schedule", "cannot be empty")
		}
		job.Schedule = *params.Schedule
	}
	if params.OnSuccess != nil {
		if !params.OnSuccess.IsValid() {
			return nil, NewValidationError("on_success", fmt.Sprintf("unknown policy %q", *params.OnSuccess))
		}
		job.OnSuccess = *params.OnSuccess
	}
	if params.Enabled != nil {
		job.Enabled = *params.Enabled
	}
	if params.Metadata != nil {
		job.Metadata = params.Metadata
	}
	job.UpdatedAt = time.Now().UTC()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := s.client.DB().NamedExecContext(ctx, `
		UPDATE jobs SET name = :name, schedule = :schedule,
			on_success = :on_success, enabled = :enabled,
			metadata = :metadata, updated_at = :updated_at
		WHERE id = :id`, job)
	if err != nil {
		if isConstraintViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to update job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrNotFound
	}

	return job, nil
}

// Delete removes a job definition. Execution history is kept.
func (s *JobService) Delete(httpCtx context.Context, id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db := s.client.DB()
	res, err := db.ExecContext(ctx, db.Rebind(`DELETE FROM jobs WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStats records post-fire bookkeeping in a single write.
func (s *JobService) UpdateStats(httpCtx context.Context, id uuid.UUID, upd models.JobStatsUpdate) error {
	set := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if upd.LastRunAt != nil {
		set = append(set, "last_run_at = ?")
		args = append(args, upd.LastRunAt.UTC())
	}
	switch {
	case upd.ClearNextRun:
		set = append(set, "next_run_at = NULL")
	case upd.NextRunAt != nil:
		set = append(set, "next_run_at = ?")
		args = append(args, upd.NextRunAt.UTC())
	}
	if upd.IncrementRun {
		set = append(set, "run_count = run_count + 1")
	}
	if upd.IncrementError {
		set = append(set, "error_count = error_count + 1")
	}
	args = append(args, id)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db := s.client.DB()
	query := db.Rebind(fmt.Sprintf(`UPDATE jobs SET %s WHERE id = ?`, strings.Join(set, ", ")))
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job stats: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
