package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haven-archive/haven/pkg/models"
)

// backupVersion is the format version written by SaveState. Readers accept
// any 1.x file and ignore fields they do not know, so minor additions stay
// compatible in both directions.
const backupVersion = "1.0.0"

type backupFile struct {
	Version string      `json:"version"`
	SavedAt time.Time   `json:"saved_at"`
	Jobs    []backupJob `json:"jobs"`
}

type backupJob struct {
	JobID      string         `json:"job_id"`
	Name       string         `json:"name"`
	PluginName string         `json:"plugin_name"`
	Schedule   string         `json:"schedule"`
	OnSuccess  string         `json:"on_success"`
	Enabled    bool           `json:"enabled"`
	Metadata   models.JSONMap `json:"metadata,omitempty"`
	RunCount   int64          `json:"run_count"`
	ErrorCount int64          `json:"error_count"`
}

func (s *Scheduler) backupPath() string {
	if filepath.IsAbs(s.cfg.BackupFile) {
		return s.cfg.BackupFile
	}
	return filepath.Join(s.cfg.DataDir, s.cfg.BackupFile)
}

// SaveState dumps the current job definitions to the JSON backup. The file
// is written atomically so a crash mid-write never clobbers the previous
// backup.
func (s *Scheduler) SaveState() error {
	s.mu.Lock()
	jobs := make([]backupJob, 0, len(s.byID))
	for _, job := range s.byID {
		jobs = append(jobs, backupJob{
			JobID:      job.ID.String(),
			Name:       job.Name,
			PluginName: job.PluginName,
			Schedule:   job.Schedule,
			OnSuccess:  string(job.OnSuccess),
			Enabled:    job.Enabled,
			Metadata:   job.Metadata.Clone(),
			RunCount:   job.RunCount,
			ErrorCount: job.ErrorCount,
		})
	}
	s.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].JobID < jobs[j].JobID })

	data, err := json.MarshalIndent(backupFile{
		Version: backupVersion,
		SavedAt: s.now().UTC(),
		Jobs:    jobs,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal scheduler state: %w", err)
	}

	final := s.backupPath()
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(final), filepath.Base(final)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	s.logger.Debug("Scheduler state saved", "path", final, "jobs", len(jobs))
	return nil
}

// loadBackup reads the JSON backup if present. Entries with an unusable id
// are skipped with a warning rather than failing the load.
func (s *Scheduler) loadBackup() ([]*models.Job, error) {
	data, err := os.ReadFile(s.backupPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var state backupFile
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode state file: %w", err)
	}
	if !strings.HasPrefix(state.Version, "1.") {
		return nil, fmt.Errorf("unsupported state file version %q", state.Version)
	}

	now := s.now().UTC()
	jobs := make([]*models.Job, 0, len(state.Jobs))
	for _, bj := range state.Jobs {
		id, err := uuid.Parse(bj.JobID)
		if err != nil {
			s.logger.Warn("Skipping backup entry with invalid id",
				"job_id", bj.JobID, "name", bj.Name)
			continue
		}
		policy := models.OnSuccessPolicy(bj.OnSuccess)
		if !policy.IsValid() {
			policy = models.PolicyArchiveNew
		}
		metadata := bj.Metadata
		if metadata == nil {
			metadata = models.JSONMap{}
		}
		jobs = append(jobs, &models.Job{
			ID:         id,
			Name:       bj.Name,
			PluginName: bj.PluginName,
			Schedule:   bj.Schedule,
			OnSuccess:  policy,
			Enabled:    bj.Enabled,
			Metadata:   metadata,
			RunCount:   bj.RunCount,
			ErrorCount: bj.ErrorCount,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	return jobs, nil
}
