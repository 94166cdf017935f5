package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haven-archive/haven/pkg/database"
	"github.com/haven-archive/haven/pkg/models"
)

const executionColumns = `id, job_id, plugin_name, started_at, completed_at,
	success, sources_found, sources_archived, error_message, metadata`

// defaultHistoryLimit bounds unfiltered history queries.
const defaultHistoryLimit = 100

// ExecutionService manages the append-only job execution history
type ExecutionService struct {
	client *database.Client
}

// NewExecutionService creates a new ExecutionService
func NewExecutionService(client *database.Client) *ExecutionService {
	return &ExecutionService{client: client}
}

// Record persists one execution outcome and fills rec.ID. Callers treat
// failures as best-effort: they log and carry on, so a lost record must
// never abort a run. The write runs on its own timeout, detached from the
// caller, so records land even when the triggering run was cancelled.
func (s *ExecutionService) Record(_ context.Context, rec *models.JobExecutionRecord) error {
	if rec.Metadata == nil {
		rec.Metadata = models.JSONMap{}
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db := s.client.DB()
	query := db.Rebind(`
		INSERT INTO job_executions (job_id, plugin_name, started_at,
			completed_at, success, sources_found, sources_archived,
			error_message, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)
	err := db.QueryRowxContext(ctx, query,
		rec.JobID, rec.PluginName, rec.StartedAt.UTC(), rec.CompletedAt.UTC(),
		rec.Success, rec.SourcesFound, rec.SourcesArchived,
		rec.ErrorMessage, rec.Metadata,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

// History retrieves execution records, newest first.
func (s *ExecutionService) History(ctx context.Context, filters models.ExecutionFilters) ([]*models.JobExecutionRecord, error) {
	limit := filters.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	offset := filters.Offset
	if offset < 0 {
		offset = 0
	}

	db := s.client.DB()
	var (
		records []*models.JobExecutionRecord
		query   string
		args    []any
	)
	if filters.JobID != nil {
		query = `SELECT ` + executionColumns + ` FROM job_executions
			WHERE job_id = ? ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`
		args = []any{*filters.JobID, limit, offset}
	} else {
		query = `SELECT ` + executionColumns + ` FROM job_executions
			ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`
		args = []any{limit, offset}
	}
	if err := db.SelectContext(ctx, &records, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return records, nil
}

// Recent retrieves the most recently completed executions.
func (s *ExecutionService) Recent(ctx context.Context, limit int) ([]*models.JobExecutionRecord, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	db := s.client.DB()
	var records []*models.JobExecutionRecord
	query := db.Rebind(`SELECT ` + executionColumns + ` FROM job_executions
		ORDER BY completed_at DESC, id DESC LIMIT ?`)
	if err := db.SelectContext(ctx, &records, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list recent executions: %w", err)
	}
	return records, nil
}

// SuccessCount counts successful executions for one job.
func (s *ExecutionService) SuccessCount(ctx context.Context, jobID uuid.UUID) (int64, error) {
	return s.count(ctx, jobID, true)
}

// FailureCount counts failed executions for one job.
func (s *ExecutionService) FailureCount(ctx context.Context, jobID uuid.UUID) (int64, error) {
	return s.count(ctx, jobID, false)
}

func (s *ExecutionService) count(ctx context.Context, jobID uuid.UUID, success bool) (int64, error) {
	db := s.client.DB()
	var n int64
	query := db.Rebind(`SELECT COUNT(*) FROM job_executions WHERE job_id = ? AND success = ?`)
	if err := db.GetContext(ctx, &n, query, jobID, success); err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return n, nil
}

// DeleteOlderThan removes execution records completed before the cutoff and
// reports how many were pruned.
func (s *ExecutionService) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	db := s.client.DB()
	res, err := db.ExecContext(ctx, db.Rebind(`DELETE FROM job_executions WHERE completed_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune executions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read pruned count: %w", err)
	}
	return n, nil
}
