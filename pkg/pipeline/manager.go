// Package pipeline runs ordered step sequences over media contexts with
// per-step retry, skip and cancellation semantics.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/haven-archive/haven/pkg/bus"
	"github.com/haven-archive/haven/pkg/metrics"
)

const componentName = "pipeline-manager"

// DefaultMaxConcurrent bounds simultaneous pipeline runs.
const DefaultMaxConcurrent = 4

// ManagerConfig tunes the manager.
type ManagerConfig struct {
	// MaxConcurrent is the pipeline gate capacity (default 4).
	MaxConcurrent int
}

// Manager owns the ordered step list and the concurrency gate, drives step
// lifecycles, and emits pipeline events.
type Manager struct {
	steps   []Step
	events  *bus.Bus
	logger  *slog.Logger
	metrics *metrics.Metrics
	gate    *semaphore.Weighted

	mu       sync.Mutex
	inflight map[uuid.UUID]context.CancelFunc

	// sleep is swapped by tests to drive backoff without real waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager builds a manager over the given step order.
func NewManager(cfg ManagerConfig, steps []Step, events *bus.Bus, logger *slog.Logger, m *metrics.Metrics) *Manager {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Manager{
		steps:    steps,
		events:   events,
		logger:   logger.With("component", componentName),
		metrics:  m,
		gate:     semaphore.NewWeighted(int64(maxConcurrent)),
		inflight: make(map[uuid.UUID]context.CancelFunc),
		sleep:    sleepContext,
	}
}

// StepNames lists the registered step order.
func (m *Manager) StepNames() []string {
	names := make([]string, len(m.steps))
	for i, step := range m.steps {
		names[i] = step.Name()
	}
	return names
}

// Active reports how many pipelines are currently registered in-flight.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

// Cancel requests cooperative cancellation of an in-flight pipeline. The
// processing goroutine observes it at the next suspension point and emits
// PIPELINE_CANCELLED as the run's terminal event. Returns false when the
// correlation id is not in flight.
func (m *Manager) Cancel(correlationID uuid.UUID) bool {
	m.mu.Lock()
	cancel, ok := m.inflight[correlationID]
	m.mu.Unlock()

	if !ok {
		return false
	}
	m.logger.Info("Cancelling pipeline", "correlation_id", correlationID)
	cancel()
	return true
}

// Process runs every step over the context in order and returns the
// aggregate result. It never panics and never returns nil.
func (m *Manager) Process(ctx context.Context, pctx *Context) *Result {
	result := &Result{
		CorrelationID: pctx.CorrelationID,
		StartedAt:     time.Now().UTC(),
	}

	if err := m.gate.Acquire(ctx, 1); err != nil {
		// cancelled while queued; the run never started
		result.Status = StatusCancelled
		result.CompletedAt = time.Now().UTC()
		result.Error = NewStepError(CodeCancelled, "cancelled before start: "+err.Error(), CategoryPermanent)
		m.publish(pctx, bus.EventTypePipelineCancelled, map[string]any{"queued": true})
		return result
	}
	defer m.gate.Release(1)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.register(pctx.CorrelationID, cancel)
	defer m.deregister(pctx.CorrelationID)

	m.metrics.PipelineStarted()
	m.publish(pctx, bus.EventTypePipelineStarted, map[string]any{
		"source_path": pctx.SourcePath,
		"steps":       m.StepNames(),
	})
	m.logger.Info("Pipeline started",
		"correlation_id", pctx.CorrelationID,
		"source_path", pctx.SourcePath,
		"steps", len(m.steps))

	cancelled := false
	for _, step := range m.steps {
		if runCtx.Err() != nil {
			cancelled = true
			break
		}

		if step.ShouldSkip(runCtx, pctx) {
			step.OnSkip(runCtx, pctx)
			m.publish(pctx, bus.EventTypeStepSkipped, map[string]any{"step": step.Name()})
			result.Steps = append(result.Steps, *NewSkippedResult(step.Name()))
			m.logger.Debug("Step skipped", "correlation_id", pctx.CorrelationID, "step", step.Name())
			continue
		}

		m.publish(pctx, bus.EventTypeStepStarted, map[string]any{"step": step.Name()})
		step.OnStart(runCtx, pctx)
		start := time.Now().UTC()

		sr := m.runWithRetry(runCtx, step, pctx)
		sr.finishTiming(start, time.Now().UTC())
		result.Steps = append(result.Steps, *sr)

		switch sr.Status {
		case StatusSuccess:
			step.OnComplete(runCtx, pctx, sr)
			m.publish(pctx, bus.EventTypeStepComplete, map[string]any{
				"step":        step.Name(),
				"attempts":    sr.Attempts,
				"duration_ms": sr.DurationMS,
			})

		case StatusCancelled:
			cancelled = true

		default: // failed
			pctx.AddError(step.Name(), sr.Error)
			step.OnError(runCtx, pctx, sr.Error)
			m.metrics.StepFailed(step.Name(), string(sr.Error.Category))
			m.publish(pctx, bus.EventTypeStepFailed, map[string]any{
				"step":     step.Name(),
				"code":     sr.Error.Code,
				"message":  sr.Error.Message,
				"category": string(sr.Error.Category),
				"attempts": sr.Attempts,
			})
			m.logger.Warn("Step failed",
				"correlation_id", pctx.CorrelationID,
				"step", step.Name(),
				"code", sr.Error.Code,
				"category", sr.Error.Category,
				"attempts", sr.Attempts)
			if sr.Error.Category == CategoryFatal {
				result.Error = sr.Error
				m.logger.Error("Fatal step error, stopping pipeline",
					"correlation_id", pctx.CorrelationID,
					"step", step.Name(),
					"code", sr.Error.Code)
			}
		}

		if cancelled || (result.Error != nil && result.Error.Category == CategoryFatal) {
			break
		}
	}
	if runCtx.Err() != nil {
		cancelled = true
	}

	// drop out of the in-flight map before reporting worker status
	m.deregister(pctx.CorrelationID)
	m.aggregate(result, cancelled)
	m.finish(pctx, result)
	return result
}

// ProcessBatch runs the contexts concurrently, bounded by the gate, and
// returns results in input order. Panics become failed results.
func (m *Manager) ProcessBatch(ctx context.Context, pctxs []*Context) []*Result {
	results := make([]*Result, len(pctxs))
	var wg sync.WaitGroup
	for i, pctx := range pctxs {
		wg.Add(1)
		go func(i int, pctx *Context) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Pipeline panicked",
						"correlation_id", pctx.CorrelationID,
						"panic", r)
					results[i] = &Result{
						CorrelationID: pctx.CorrelationID,
						Status:        StatusFailed,
						Error:         NewStepError(CodeStepPanic, fmt.Sprint(r), CategoryUnknown),
						CompletedAt:   time.Now().UTC(),
					}
				}
			}()
			results[i] = m.Process(ctx, pctx)
		}(i, pctx)
	}
	wg.Wait()
	return results
}

// runWithRetry drives the retry loop for one step. Total attempts never
// exceed the step's MaxRetries; the k-th retry waits base·2^(k-1).
func (m *Manager) runWithRetry(ctx context.Context, step Step, pctx *Context) *StepResult {
	maxRetries := step.MaxRetries()
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	delayBase := step.RetryDelayBase()
	if delayBase <= 0 {
		delayBase = DefaultRetryDelayBase
	}

	var sr *StepResult
	for attempt := 1; attempt <= maxRetries; attempt++ {
		m.metrics.StepAttempt(step.Name())
		sr = m.safeProcess(ctx, step, pctx)
		sr.Attempts = attempt

		if sr.Status != StatusFailed {
			return sr
		}
		if !sr.Error.Retryable || attempt == maxRetries {
			return sr
		}

		delay := delayBase * time.Duration(1<<(attempt-1))
		m.metrics.StepRetry(step.Name())
		m.logger.Info("Retrying step",
			"correlation_id", pctx.CorrelationID,
			"step", step.Name(),
			"attempt", attempt,
			"delay", delay,
			"code", sr.Error.Code)
		if err := m.sleep(ctx, delay); err != nil {
			cancelledSR := NewCancelledResult(step.Name())
			cancelledSR.Attempts = attempt
			return cancelledSR
		}
	}
	return sr
}

// safeProcess invokes one Process call, converting panics and normalizing
// malformed results.
func (m *Manager) safeProcess(ctx context.Context, step Step, pctx *Context) (sr *StepResult) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Step panicked",
				"correlation_id", pctx.CorrelationID,
				"step", step.Name(),
				"panic", r)
			sr = NewFailedResult(step.Name(), NewStepError(CodeStepPanic, fmt.Sprint(r), CategoryUnknown))
		}
	}()

	sr = step.Process(ctx, pctx)
	switch {
	case sr == nil:
		sr = NewSuccessResult(step.Name(), nil)
	case sr.Status == StatusFailed && sr.Error == nil:
		sr.Error = NewStepError("STEP_FAILED", "step failed without error detail", CategoryUnknown)
	case sr.Status == "" || sr.Status == StatusPending || sr.Status == StatusRunning:
		sr.Status = StatusSuccess
	}
	if sr.StepName == "" {
		sr.StepName = step.Name()
	}
	return sr
}

// aggregate fills the terminal fields of the result.
func (m *Manager) aggregate(result *Result, cancelled bool) {
	result.CompletedAt = time.Now().UTC()
	result.DurationMS = result.CompletedAt.Sub(result.StartedAt).Milliseconds()
	result.ContentID = finalContentID(result.Steps)

	if cancelled {
		result.Status = StatusCancelled
		if result.Error == nil {
			result.Error = NewStepError(CodeCancelled, "pipeline cancelled", CategoryPermanent)
		}
		return
	}

	success := true
	for i := range result.Steps {
		if !result.Steps[i].Succeeded() {
			success = false
			if result.Error == nil {
				result.Error = result.Steps[i].Error
			}
			break
		}
	}
	result.Success = success
	if success {
		result.Status = StatusSuccess
	} else {
		result.Status = StatusFailed
	}
}

// finish emits the terminal pipeline event, metrics and worker status.
func (m *Manager) finish(pctx *Context, result *Result) {
	payload := map[string]any{
		"success":     result.Success,
		"duration_ms": result.DurationMS,
		"steps":       len(result.Steps),
	}
	if result.ContentID != "" {
		payload["content_id"] = result.ContentID
	}

	eventType := bus.EventTypePipelineComplete
	switch result.Status {
	case StatusCancelled:
		eventType = bus.EventTypePipelineCancelled
	case StatusFailed:
		eventType = bus.EventTypePipelineFailed
		payload["source_path"] = pctx.SourcePath
		failure := result.Error
		if failure == nil && len(pctx.ErrorLog) > 0 {
			// non-fatal failure: surface the last step error
			last := pctx.ErrorLog[len(pctx.ErrorLog)-1]
			payload["step"] = last.Step
			payload["code"] = last.Code
			payload["message"] = last.Message
			if len(last.Details) > 0 {
				payload["details"] = last.Details
			}
		}
		if failure != nil {
			payload["code"] = failure.Code
			payload["message"] = failure.Message
			payload["category"] = string(failure.Category)
			if len(failure.Details) > 0 {
				payload["details"] = failure.Details
			}
		}
	}
	m.publish(pctx, eventType, payload)
	m.metrics.PipelineFinished(string(result.Status), time.Duration(result.DurationMS)*time.Millisecond)
	m.publish(pctx, bus.EventTypeWorkerStatus, map[string]any{
		"active": m.Active(),
		"status": string(result.Status),
	})

	m.logger.Info("Pipeline finished",
		"correlation_id", pctx.CorrelationID,
		"status", result.Status,
		"duration_ms", result.DurationMS,
		"errors", len(pctx.ErrorLog))
}

func (m *Manager) publish(pctx *Context, eventType string, payload map[string]any) {
	m.events.Publish(bus.Event{
		Type:          eventType,
		CorrelationID: pctx.CorrelationID,
		Source:        componentName,
		Payload:       payload,
	})
}

func (m *Manager) register(id uuid.UUID, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight[id] = cancel
}

func (m *Manager) deregister(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, id)
}

// sleepContext waits for d or until the context is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
