package models

import (
	"time"

	"github.com/google/uuid"
)

// JobExecutionRecord is the append-only outcome of one job fire. Records
// survive job deletion: JobID is stored without a foreign-key constraint and
// PluginName is denormalized so orphan history stays queryable.
type JobExecutionRecord struct {
	ID              int64     `db:"id" json:"id"`
	JobID           uuid.UUID `db:"job_id" json:"job_id"`
	PluginName      string    `db:"plugin_name" json:"plugin_name"`
	StartedAt       time.Time `db:"started_at" json:"started_at"`
	CompletedAt     time.Time `db:"completed_at" json:"completed_at"`
	Success         bool      `db:"success" json:"success"`
	SourcesFound    int       `db:"sources_found" json:"sources_found"`
	SourcesArchived int       `db:"sources_archived" json:"sources_archived"`
	ErrorMessage    *string   `db:"error_message" json:"error_message,omitempty"`
	Metadata        JSONMap   `db:"metadata" json:"metadata,omitempty"`
}

// Duration reports how long the execution ran.
func (r *JobExecutionRecord) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// ExecutionFilters narrows history queries.
type ExecutionFilters struct {
	JobID  *uuid.UUID `json:"job_id,omitempty"`
	Limit  int        `json:"limit,omitempty"`
	Offset int        `json:"offset,omitempty"`
}
