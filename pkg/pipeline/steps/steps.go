// Package steps provides the concrete pipeline steps (ingest, analyze,
// encrypt, upload, sync) and the local collaborators that back them.
// External integrations are injected behind small interfaces so the
// pipeline runs end to end on a bare filesystem.
package steps

import (
	"log/slog"
	"time"

	"github.com/haven-archive/haven/pkg/bus"
	"github.com/haven-archive/haven/pkg/pipeline"
)

// Step names, stable across results, events and scratch maps.
const (
	NameIngest  = "ingest"
	NameAnalyze = "analyze"
	NameEncrypt = "encrypt"
	NameUpload  = "upload"
	NameSync    = "sync"
)

// Context option keys that toggle steps per job.
const (
	OptionIngestEnabled  = "ingest_enabled"
	OptionAnalyzeEnabled = "analyze_enabled"
	OptionEncryptEnabled = "encrypt_enabled"
	OptionUploadEnabled  = "upload_enabled"
	OptionSyncEnabled    = "sync_enabled"
)

// stepCore is the scaffolding shared by every step: the conditional
// toggle, event publishing and an overridable retry policy.
type stepCore struct {
	pipeline.ConditionalStep
	name   string
	events *bus.Bus
	logger *slog.Logger

	maxRetries int
	delayBase  time.Duration
}

func newStepCore(name, enabledOption string, defaultEnabled bool, events *bus.Bus, logger *slog.Logger) stepCore {
	return stepCore{
		ConditionalStep: pipeline.NewConditionalStep(enabledOption, defaultEnabled),
		name:            name,
		events:          events,
		logger:          logger.With("component", name+"-step"),
	}
}

func (c *stepCore) Name() string { return c.name }

func (c *stepCore) MaxRetries() int {
	if c.maxRetries > 0 {
		return c.maxRetries
	}
	return pipeline.DefaultMaxRetries
}

func (c *stepCore) RetryDelayBase() time.Duration {
	if c.delayBase > 0 {
		return c.delayBase
	}
	return pipeline.DefaultRetryDelayBase
}

func (c *stepCore) setRetryPolicy(maxRetries int, delayBase time.Duration) {
	c.maxRetries = maxRetries
	c.delayBase = delayBase
}

func (c *stepCore) publish(pctx *pipeline.Context, eventType string, payload map[string]any) {
	c.events.Publish(bus.Event{
		Type:          eventType,
		CorrelationID: pctx.CorrelationID,
		Source:        c.name,
		Payload:       payload,
	})
}
