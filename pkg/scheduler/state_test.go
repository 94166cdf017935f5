package scheduler

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haven-archive/haven/pkg/models"
)

func TestScheduler_SaveStateRoundTrip(t *testing.T) {
	dir := t.TempDir()

	first := hourlyJob(true)
	first.Metadata = models.JSONMap{"watch_dir": "/srv/videos"}
	first.RunCount = 7
	first.ErrorCount = 1
	second := hourlyJob(false)
	second.Name = "weekly-sweep"
	second.Schedule = "0 0 * * 0"
	second.OnSuccess = models.PolicyArchiveAll

	writer := New(Config{DataDir: dir}, Deps{Jobs: newFakeJobStore(), Runner: &fakeRunner{}})
	seed(writer, first, second)
	require.NoError(t, writer.SaveState())

	// The file itself is versioned and sorted by job id.
	raw, err := os.ReadFile(filepath.Join(dir, DefaultBackupFile))
	require.NoError(t, err)
	var state backupFile
	require.NoError(t, json.Unmarshal(raw, &state))
	assert.Equal(t, "1.0.0", state.Version)
	assert.False(t, state.SavedAt.IsZero())
	require.Len(t, state.Jobs, 2)
	assert.Less(t, state.Jobs[0].JobID, state.Jobs[1].JobID)

	reader := New(Config{DataDir: dir}, Deps{Jobs: newFakeJobStore(), Runner: &fakeRunner{}})
	restored, err := reader.loadBackup()
	require.NoError(t, err)
	require.Len(t, restored, 2)

	byID := make(map[uuid.UUID]*models.Job, len(restored))
	for _, job := range restored {
		byID[job.ID] = job
	}

	got := byID[first.ID]
	require.NotNil(t, got)
	assert.Equal(t, first.Name, got.Name)
	assert.Equal(t, first.PluginName, got.PluginName)
	assert.Equal(t, first.Schedule, got.Schedule)
	assert.Equal(t, models.PolicyArchiveNew, got.OnSuccess)
	assert.True(t, got.Enabled)
	assert.Equal(t, "/srv/videos", got.Metadata["watch_dir"])
	assert.Equal(t, int64(7), got.RunCount)
	assert.Equal(t, int64(1), got.ErrorCount)

	got = byID[second.ID]
	require.NotNil(t, got)
	assert.Equal(t, models.PolicyArchiveAll, got.OnSuccess)
	assert.False(t, got.Enabled)
}

func TestScheduler_LoadBackup(t *testing.T) {
	writeState := func(t *testing.T, dir, content string) {
		t.Helper()
		require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultBackupFile), []byte(content), 0o644))
	}
	newReader := func(dir string) *Scheduler {
		return New(Config{DataDir: dir}, Deps{Jobs: newFakeJobStore(), Runner: &fakeRunner{}})
	}

	t.Run("missing file is not an error", func(t *testing.T) {
		jobs, err := newReader(t.TempDir()).loadBackup()
		require.NoError(t, err)
		assert.Empty(t, jobs)
	})

	t.Run("tolerates unknown fields from newer minor versions", func(t *testing.T) {
		dir := t.TempDir()
		id := uuid.New()
		writeState(t, dir, `{
			"version": "1.3.0",
			"saved_at": "2026-03-14T10:00:00Z",
			"cluster_hint": "ignored",
			"jobs": [{
				"job_id": "`+id.String()+`",
				"name": "nightly-archive",
				"plugin_name": "local-dir",
				"schedule": "0 * * * *",
				"on_success": "archive-new",
				"enabled": true,
				"priority": 9
			}]
		}`)

		jobs, err := newReader(dir).loadBackup()
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, id, jobs[0].ID)
		assert.Equal(t, "nightly-archive", jobs[0].Name)
	})

	t.Run("rejects other major versions", func(t *testing.T) {
		dir := t.TempDir()
		writeState(t, dir, `{"version": "2.0.0", "jobs": []}`)

		_, err := newReader(dir).loadBackup()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported state file version")
	})

	t.Run("rejects corrupt json", func(t *testing.T) {
		dir := t.TempDir()
		writeState(t, dir, `{"version": "1.0.0", "jobs": [`)

		_, err := newReader(dir).loadBackup()
		require.Error(t, err)
	})

	t.Run("skips entries with invalid ids and policies", func(t *testing.T) {
		dir := t.TempDir()
		id := uuid.New()
		writeState(t, dir, `{
			"version": "1.0.0",
			"jobs": [
				{"job_id": "not-a-uuid", "name": "broken"},
				{"job_id": "`+id.String()+`", "name": "odd-policy",
				 "plugin_name": "local-dir", "schedule": "0 * * * *",
				 "on_success": "archive-sometimes", "enabled": true}
			]
		}`)

		jobs, err := newReader(dir).loadBackup()
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, id, jobs[0].ID)
		assert.Equal(t, models.PolicyArchiveNew, jobs[0].OnSuccess,
			"unknown policies fall back to the default")
	})
}

func TestScheduler_StartMergesBackup(t *testing.T) {
	dir := t.TempDir()

	inStore := hourlyJob(true)
	backupOnly := hourlyJob(true)
	backupOnly.Name = "restored-archive"

	// Produce a backup that knows about both jobs.
	writer := New(Config{DataDir: dir}, Deps{Jobs: newFakeJobStore(), Runner: &fakeRunner{}})
	seed(writer, inStore, backupOnly)
	require.NoError(t, writer.SaveState())

	// The database only knows about one of them.
	store := newFakeJobStore(inStore)
	s := New(Config{
		DataDir:       dir,
		MisfireGrace:  5 * time.Minute,
		HistorySize:   5,
		ShutdownGrace: 2 * time.Second,
	}, Deps{Jobs: store, Runner: &fakeRunner{}})

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	st := s.Status()
	assert.Equal(t, 2, st.TotalJobs, "backup-only job should be restored")
	assert.Equal(t, 2, st.ActiveJobs)
	assert.Equal(t, 2, st.InEngineCount)
	_, ok := st.NextRuns[backupOnly.ID.String()]
	assert.True(t, ok, "restored job should be scheduled")
}

func TestScheduler_StartSurvivesCorruptBackup(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultBackupFile), []byte("{broken"), 0o644))

	store := newFakeJobStore(hourlyJob(true))
	s := New(Config{DataDir: dir}, Deps{Jobs: store, Runner: &fakeRunner{}})

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Equal(t, 1, s.Status().TotalJobs)
}

func TestScheduler_StopWritesBackup(t *testing.T) {
	dir := t.TempDir()
	store := newFakeJobStore(hourlyJob(true))
	s := New(Config{DataDir: dir}, Deps{Jobs: store, Runner: &fakeRunner{}})

	require.NoError(t, s.Start(context.Background()))
	s.Stop()

	raw, err := os.ReadFile(filepath.Join(dir, DefaultBackupFile))
	require.NoError(t, err)
	var state backupFile
	require.NoError(t, json.Unmarshal(raw, &state))
	assert.Len(t, state.Jobs, 1)
}
