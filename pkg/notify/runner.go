package notify

import (
	"context"

	"github.com/haven-archive/haven/pkg/models"
)

// Runner matches the scheduler's job-runner contract.
type Runner interface {
	Execute(ctx context.Context, job *models.Job) *models.JobExecutionRecord
}

// NotifyingRunner decorates a Runner so failed runs raise a Slack
// notification. The inner record passes through untouched.
type NotifyingRunner struct {
	inner Runner
	svc   *Service
}

// WrapRunner wires failure notifications around a runner. With a nil
// service the runner is returned undecorated.
func WrapRunner(inner Runner, svc *Service) Runner {
	if svc == nil {
		return inner
	}
	return &NotifyingRunner{inner: inner, svc: svc}
}

// Execute runs the job and reports a failed record to Slack.
func (r *NotifyingRunner) Execute(ctx context.Context, job *models.Job) *models.JobExecutionRecord {
	rec := r.inner.Execute(ctx, job)
	if rec == nil || rec.Success {
		return rec
	}

	f := JobFailure{
		JobName:         job.Name,
		PluginName:      rec.PluginName,
		SourcesFound:    rec.SourcesFound,
		SourcesArchived: rec.SourcesArchived,
	}
	if rec.ErrorMessage != nil {
		f.ErrorMessage = *rec.ErrorMessage
	}
	if reason, ok := rec.Metadata["reason"].(string); ok {
		f.Reason = reason
	}
	r.svc.NotifyJobFailure(ctx, f)

	return rec
}
