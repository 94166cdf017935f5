package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a step or pipeline run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusSkipped, StatusCancelled:
		return true
	default:
		return false
	}
}

// DataKeyContentID is the step-result data key carrying a content id; the
// newest one across results becomes the pipeline's final content id.
const DataKeyContentID = "content_id"

// StepResult is produced by one step execution (or skip).
type StepResult struct {
	StepName    string         `json:"step_name"`
	Status      Status         `json:"status"`
	Data        map[string]any `json:"data,omitempty"`
	Error       *StepError     `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at,omitzero"`
	CompletedAt time.Time      `json:"completed_at,omitzero"`
	DurationMS  int64          `json:"duration_ms"`
	Attempts    int            `json:"attempts"`
}

// NewSuccessResult builds a success result with optional output data.
func NewSuccessResult(stepName string, data map[string]any) *StepResult {
	return &StepResult{StepName: stepName, Status: StatusSuccess, Data: data}
}

// NewFailedResult builds a failed result carrying the step error.
func NewFailedResult(stepName string, stepErr *StepError) *StepResult {
	return &StepResult{StepName: stepName, Status: StatusFailed, Error: stepErr}
}

// NewSkippedResult marks a step that chose not to run.
func NewSkippedResult(stepName string) *StepResult {
	return &StepResult{StepName: stepName, Status: StatusSkipped}
}

// NewCancelledResult marks a step aborted by cancellation.
func NewCancelledResult(stepName string) *StepResult {
	return &StepResult{
		StepName: stepName,
		Status:   StatusCancelled,
		Error:    NewStepError(CodeCancelled, "pipeline cancelled", CategoryPermanent),
	}
}

// Succeeded reports whether the step counts toward pipeline success.
func (r *StepResult) Succeeded() bool {
	return r.Status == StatusSuccess || r.Status == StatusSkipped
}

// finishTiming stamps completion against the recorded start.
func (r *StepResult) finishTiming(start, end time.Time) {
	r.StartedAt = start
	r.CompletedAt = end
	r.DurationMS = end.Sub(start).Milliseconds()
}

// Result aggregates one pipeline run.
type Result struct {
	CorrelationID uuid.UUID    `json:"correlation_id"`
	Success       bool         `json:"success"`
	Status        Status       `json:"status"`
	Steps         []StepResult `json:"steps"`
	ContentID     string       `json:"content_id,omitempty"`
	Error         *StepError   `json:"error,omitempty"`
	StartedAt     time.Time    `json:"started_at"`
	CompletedAt   time.Time    `json:"completed_at"`
	DurationMS    int64        `json:"duration_ms"`
}

// finalContentID returns the content id of the most recent step result that
// carries one.
func finalContentID(steps []StepResult) string {
	for i := len(steps) - 1; i >= 0; i-- {
		if v, ok := steps[i].Data[DataKeyContentID]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
