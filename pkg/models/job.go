package models

import (
	"time"

	"github.com/google/uuid"
)

// OnSuccessPolicy controls how the executor treats discovered sources.
type OnSuccessPolicy string

const (
	// PolicyArchiveAll archives every discovered source; the known-source
	// store is neither consulted nor updated.
	PolicyArchiveAll OnSuccessPolicy = "archive-all"
	// PolicyArchiveNew archives only sources not yet in the known set (default).
	PolicyArchiveNew OnSuccessPolicy = "archive-new"
	// PolicyLogOnly records discovery counts without archiving anything.
	PolicyLogOnly OnSuccessPolicy = "log-only"
)

// IsValid checks if the policy is one of the accepted values.
func (p OnSuccessPolicy) IsValid() bool {
	switch p {
	case PolicyArchiveAll, PolicyArchiveNew, PolicyLogOnly:
		return true
	default:
		return false
	}
}

// Job is a durable, named, scheduled configuration that fires plugin
// discovery on a cron recurrence.
//
// NextRunAt is either nil (disabled) or strictly in the future relative to
// the last scheduling evaluation.
type Job struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	Name       string          `db:"name" json:"name"`
	PluginName string          `db:"plugin_name" json:"plugin_name"`
	Schedule   string          `db:"schedule" json:"schedule"`
	OnSuccess  OnSuccessPolicy `db:"on_success" json:"on_success"`
	Enabled    bool            `db:"enabled" json:"enabled"`
	Metadata   JSONMap         `db:"metadata" json:"metadata,omitempty"`
	LastRunAt  *time.Time      `db:"last_run_at" json:"last_run_at,omitempty"`
	NextRunAt  *time.Time      `db:"next_run_at" json:"next_run_at,omitempty"`
	RunCount   int64           `db:"run_count" json:"run_count"`
	ErrorCount int64           `db:"error_count" json:"error_count"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}

// Clone returns a deep-enough copy for handing out across goroutines.
func (j *Job) Clone() *Job {
	out := *j
	out.Metadata = j.Metadata.Clone()
	if j.LastRunAt != nil {
		t := *j.LastRunAt
		out.LastRunAt = &t
	}
	if j.NextRunAt != nil {
		t := *j.NextRunAt
		out.NextRunAt = &t
	}
	return &out
}

// CreateJobRequest contains fields for creating a new job.
type CreateJobRequest struct {
	Name       string          `json:"name"`
	PluginName string          `json:"plugin_name"`
	Schedule   string          `json:"schedule"`
	OnSuccess  OnSuccessPolicy `json:"on_success,omitempty"`
	Enabled    *bool           `json:"enabled,omitempty"`
	Metadata   JSONMap         `json:"metadata,omitempty"`
}

// UpdateJobParams carries optional field updates; nil pointers are left
// unchanged.
type UpdateJobParams struct {
	Name      *string          `json:"name,omitempty"`
	Schedule  *string          `json:"schedule,omitempty"`
	OnSuccess *OnSuccessPolicy `json:"on_success,omitempty"`
	Enabled   *bool            `json:"enabled,omitempty"`
	Metadata  JSONMap          `json:"metadata,omitempty"`
}

// JobStatsUpdate is applied after a fire in a single write.
type JobStatsUpdate struct {
	LastRunAt      *time.Time
	NextRunAt      *time.Time
	ClearNextRun   bool
	IncrementRun   bool
	IncrementError bool
}
