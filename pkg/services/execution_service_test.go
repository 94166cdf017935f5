package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haven-archive/haven/pkg/models"
	testdb "github.com/haven-archive/haven/test/database"
)

func recordExecution(t *testing.T, svc *ExecutionService, jobID uuid.UUID, completedAt time.Time, success bool) *models.JobExecutionRecord {
	t.Helper()
	rec := &models.JobExecutionRecord{
		JobID:           jobID,
		PluginName:      "localdir",
		StartedAt:       completedAt.Add(-30 * time.Second),
		CompletedAt:     completedAt,
		Success:         success,
		SourcesFound:    3,
		SourcesArchived: 2,
	}
	require.NoError(t, svc.Record(context.Background(), rec))
	return rec
}

func TestExecutionService_Record(t *testing.T) {
	client := testdb.NewTestClient(t)
	svc := NewExecutionService(client)
	ctx := context.Background()

	jobID := uuid.New()
	errMsg := "plugin unreachable"
	rec := &models.JobExecutionRecord{
		JobID:           jobID,
		PluginName:      "localdir",
		StartedAt:       time.Now().UTC().Add(-time.Minute),
		CompletedAt:     time.Now().UTC(),
		Success:         false,
		SourcesFound:    5,
		SourcesArchived: 0,
		ErrorMessage:    &errMsg,
		Metadata:        models.JSONMap{"attempt": "first"},
	}

	require.NoError(t, svc.Record(ctx, rec))
	assert.NotZero(t, rec.ID)

	records, err := svc.History(ctx, models.ExecutionFilters{JobID: &jobID})
	require.NoError(t, err)
	require.Len(t, records, 1)

	got := records[0]
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, jobID, got.JobID)
	assert.Equal(t, "localdir", got.PluginName)
	assert.False(t, got.Success)
	assert.Equal(t, 5, got.SourcesFound)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "plugin unreachable", *got.ErrorMessage)
	assert.Equal(t, "first", got.Metadata["attempt"])
	assert.Greater(t, got.Duration(), time.Duration(0))
}

func TestExecutionService_History(t *testing.T) {
	client := testdb.NewTestClient(t)
	svc := NewExecutionService(client)
	ctx := context.Background()

	jobA := uuid.New()
	jobB := uuid.New()
	base := time.Now().UTC().Add(-time.Hour)

	recordExecution(t, svc, jobA, base.Add(1*time.Minute), true)
	recordExecution(t, svc, jobB, base.Add(2*time.Minute), true)
	recordExecution(t, svc, jobA, base.Add(3*time.Minute), false)
	recordExecution(t, svc, jobA, base.Add(4*time.Minute), true)

	t.Run("filters by job newest first", func(t *testing.T) {
		records, err := svc.History(ctx, models.ExecutionFilters{JobID: &jobA})
		require.NoError(t, err)
		require.Len(t, records, 3)
		for _, rec := range records {
			assert.Equal(t, jobA, rec.JobID)
		}
		assert.True(t, records[0].StartedAt.After(records[1].StartedAt))
		assert.True(t, records[1].StartedAt.After(records[2].StartedAt))
	})

	t.Run("applies limit and offset", func(t *testing.T) {
		page1, err := svc.History(ctx, models.ExecutionFilters{JobID: &jobA, Limit: 2})
		require.NoError(t, err)
		require.Len(t, page1, 2)

		page2, err := svc.History(ctx, models.ExecutionFilters{JobID: &jobA, Limit: 2, Offset: 2})
		require.NoError(t, err)
		require.Len(t, page2, 1)
		assert.NotEqual(t, page1[0].ID, page2[0].ID)
	})

	t.Run("no filter returns everything", func(t *testing.T) {
		records, err := svc.History(ctx, models.ExecutionFilters{})
		require.NoError(t, err)
		assert.Len(t, records, 4)
	})

	t.Run("unknown job yields empty history", func(t *testing.T) {
		other := uuid.New()
		records, err := svc.History(ctx, models.ExecutionFilters{JobID: &other})
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}

func TestExecutionService_Recent(t *testing.T) {
	client := testdb.NewTestClient(t)
	svc := NewExecutionService(client)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	recordExecution(t, svc, uuid.New(), base.Add(1*time.Minute), true)
	latest := recordExecution(t, svc, uuid.New(), base.Add(10*time.Minute), true)

	records, err := svc.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, latest.ID, records[0].ID)
}

func TestExecutionService_Counts(t *testing.T) {
	client := testdb.NewTestClient(t)
	svc := NewExecutionService(client)
	ctx := context.Background()

	jobID := uuid.New()
	base := time.Now().UTC().Add(-time.Hour)
	recordExecution(t, svc, jobID, base.Add(1*time.Minute), true)
	recordExecution(t, svc, jobID, base.Add(2*time.Minute), true)
	recordExecution(t, svc, jobID, base.Add(3*time.Minute), false)

	successes, err := svc.SuccessCount(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), successes)

	failures, err := svc.FailureCount(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), failures)
}

func TestExecutionService_DeleteOlderThan(t *testing.T) {
	client := testdb.NewTestClient(t)
	svc := NewExecutionService(client)
	ctx := context.Background()

	jobID := uuid.New()
	now := time.Now().UTC()
	recordExecution(t, svc, jobID, now.Add(-48*time.Hour), true)
	recordExecution(t, svc, jobID, now.Add(-36*time.Hour), false)
	kept := recordExecution(t, svc, jobID, now.Add(-1*time.Hour), true)

	pruned, err := svc.DeleteOlderThan(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)

	records, err := svc.History(ctx, models.ExecutionFilters{JobID: &jobID})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, kept.ID, records[0].ID)
}

// History is append-only: deleting a job must leave its execution records
// queryable through the stored job id and denormalized plugin name.
func TestExecutionService_SurvivesJobDeletion(t *testing.T) {
	client := testdb.NewTestClient(t)
	jobSvc := NewJobService(client)
	execSvc := NewExecutionService(client)
	ctx := context.Background()

	job, err := jobSvc.Create(ctx, models.CreateJobRequest{
		Name: "ephemeral", PluginName: "localdir", Schedule: "@hourly",
	})
	require.NoError(t, err)

	recordExecution(t, execSvc, job.ID, time.Now().UTC(), true)
	require.NoError(t, jobSvc.Delete(ctx, job.ID))

	records, err := execSvc.History(ctx, models.ExecutionFilters{JobID: &job.ID})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "localdir", records[0].PluginName)
}
