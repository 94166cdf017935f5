// Package bus provides the in-process publish/subscribe event bus that
// correlates everything the orchestrator does to one unit of work.
//
// ════════════════════════════════════════════════════════════════
// Event Lifecycle Patterns
// ════════════════════════════════════════════════════════════════
//
// Discovery/archive events are emitted by the job executor and carry no
// correlation id — they happen before a pipeline context exists:
//
//	SOURCES_DISCOVERED {job_id, plugin, count}
//	ARCHIVE_STARTED    {job_id, plugin, source_id}
//	ARCHIVE_COMPLETE   {job_id, plugin, source_id, path, file_size}
//
// Pipeline-scope events all carry the owning context's correlation id and
// follow a strict per-context order: PIPELINE_STARTED, then for each step
// either STEP_SKIPPED or STEP_STARTED followed by STEP_COMPLETE or
// STEP_FAILED, then exactly one terminal event (PIPELINE_COMPLETE,
// PIPELINE_FAILED, or PIPELINE_CANCELLED). Step-specific events
// (VIDEO_INGESTED, UPLOAD_PROGRESS, …) interleave between their step's
// STARTED and COMPLETE/FAILED.
//
// Delivery: Publish fans out to every subscriber on its own goroutine and
// joins before returning, so events from one producer reach each handler in
// publish order. Handler panics are recovered and logged; they never affect
// sibling handlers. Handlers must not retain the Event past return.
// ════════════════════════════════════════════════════════════════
package bus

import (
	"time"

	"github.com/google/uuid"
)

// Discovery and archive lifecycle (executor scope).
const (
	EventTypeSourcesDiscovered = "SOURCES_DISCOVERED"
	EventTypeArchiveStarted    = "ARCHIVE_STARTED"
	EventTypeArchiveComplete   = "ARCHIVE_COMPLETE"
)

// Ingest stage.
const (
	EventTypeVideoIngested = "VIDEO_INGESTED"
)

// Analysis stage.
const (
	EventTypeAnalysisRequested = "ANALYSIS_REQUESTED"
	EventTypeAnalysisComplete  = "ANALYSIS_COMPLETE"
	EventTypeAnalysisFailed    = "ANALYSIS_FAILED"
)

// Encrypt stage.
const (
	EventTypeEncryptRequested = "ENCRYPT_REQUESTED"
	EventTypeEncryptComplete  = "ENCRYPT_COMPLETE"
)

// Upload stage.
const (
	EventTypeUploadRequested = "UPLOAD_REQUESTED"
	EventTypeUploadProgress  = "UPLOAD_PROGRESS"
	EventTypeUploadComplete  = "UPLOAD_COMPLETE"
	EventTypeUploadFailed    = "UPLOAD_FAILED"
)

// Sync stage.
const (
	EventTypeSyncRequested = "SYNC_REQUESTED"
	EventTypeSyncComplete  = "SYNC_COMPLETE"
)

// Pipeline lifecycle.
const (
	EventTypePipelineStarted   = "PIPELINE_STARTED"
	EventTypePipelineComplete  = "PIPELINE_COMPLETE"
	EventTypePipelineFailed    = "PIPELINE_FAILED"
	EventTypePipelineCancelled = "PIPELINE_CANCELLED"
)

// Step lifecycle.
const (
	EventTypeStepStarted  = "STEP_STARTED"
	EventTypeStepComplete = "STEP_COMPLETE"
	EventTypeStepFailed   = "STEP_FAILED"
	EventTypeStepSkipped  = "STEP_SKIPPED"
)

// System events.
const (
	EventTypeHealthCheck  = "HEALTH_CHECK"
	EventTypeConfigUpdate = "CONFIG_UPDATE"
	EventTypeWorkerStatus = "WORKER_STATUS"
)

// Event is one occurrence on the bus. CorrelationID is the zero uuid for
// events outside any pipeline context; the bus preserves it and never
// interprets it.
type Event struct {
	ID            uuid.UUID      `json:"event_id"`
	Type          string         `json:"event_type"`
	CorrelationID uuid.UUID      `json:"correlation_id,omitzero"`
	Source        string         `json:"source"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// Handler consumes one event. Implementations must return promptly; slow
// consumers should hand off to their own worker.
type Handler func(Event)
