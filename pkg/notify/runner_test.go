package notify

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haven-archive/haven/pkg/models"
)

type stubRunner struct {
	rec *models.JobExecutionRecord
}

func (r *stubRunner) Execute(_ context.Context, _ *models.Job) *models.JobExecutionRecord {
	return r.rec
}

func TestWrapRunner_NilServicePassesThrough(t *testing.T) {
	inner := &stubRunner{}
	assert.Same(t, inner, WrapRunner(inner, nil))
}

func TestNotifyingRunner_ReportsFailedRuns(t *testing.T) {
	svc, fake := newTestService(t)
	errMsg := "0/2 sources archived"
	inner := &stubRunner{rec: &models.JobExecutionRecord{
		JobID:           uuid.New(),
		PluginName:      "localdir",
		Success:         false,
		SourcesFound:    2,
		SourcesArchived: 0,
		ErrorMessage:    &errMsg,
		Metadata:        models.JSONMap{"reason": "plugin-unhealthy"},
	}}

	runner := WrapRunner(inner, svc)
	rec := runner.Execute(context.Background(), &models.Job{Name: "cam1-nightly"})

	assert.Same(t, inner.rec, rec, "record passes through untouched")
	require.Equal(t, 1, fake.postCount())
	post := fake.post(0)
	assert.Contains(t, post.Text, "haven-failure:job:localdir:plugin-unhealthy")
	assert.Contains(t, post.Blocks, "cam1-nightly")
	assert.Contains(t, post.Blocks, "2 / 0")
}

func TestNotifyingRunner_SkipsSuccessfulRuns(t *testing.T) {
	svc, fake := newTestService(t)
	inner := &stubRunner{rec: &models.JobExecutionRecord{
		PluginName:      "localdir",
		Success:         true,
		SourcesFound:    2,
		SourcesArchived: 2,
	}}

	runner := WrapRunner(inner, svc)
	runner.Execute(context.Background(), &models.Job{Name: "cam1-nightly"})

	assert.Equal(t, 0, fake.postCount())
}

func TestNotifyingRunner_ToleratesNilRecord(t *testing.T) {
	svc, fake := newTestService(t)
	runner := WrapRunner(&stubRunner{rec: nil}, svc)

	rec := runner.Execute(context.Background(), &models.Job{Name: "cam1-nightly"})

	assert.Nil(t, rec)
	assert.Equal(t, 0, fake.postCount())
}
