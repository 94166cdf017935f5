package steps

import (
	"log/slog"
	"time"

	"github.com/haven-archive/haven/pkg/bus"
	"github.com/haven-archive/haven/pkg/metrics"
	"github.com/haven-archive/haven/pkg/pipeline"
)

// Builder composes the default step ordering (ingest, analyze, encrypt,
// upload, sync) with per-step toggles and collaborators, then returns a
// ready pipeline manager.
type Builder struct {
	events  *bus.Bus
	logger  *slog.Logger
	metrics *metrics.Metrics

	maxConcurrent int
	maxRetries    int
	delayBase     time.Duration

	ingester  Ingester
	analyzer  Analyzer
	encrypter Encrypter
	uploader  Uploader
	syncer    Syncer

	ingestEnabled  bool
	analyzeEnabled bool
	encryptEnabled bool
	uploadEnabled  bool
	syncEnabled    bool
}

// NewBuilder starts from the default toggles: ingest and upload enabled,
// analyze, encrypt and sync disabled.
func NewBuilder(events *bus.Bus, logger *slog.Logger, m *metrics.Metrics) *Builder {
	return &Builder{
		events:        events,
		logger:        logger,
		metrics:       m,
		ingestEnabled: true,
		uploadEnabled: true,
	}
}

// WithMaxConcurrent sets the pipeline gate capacity.
func (b *Builder) WithMaxConcurrent(n int) *Builder {
	b.maxConcurrent = n
	return b
}

// WithRetryPolicy overrides every step's retry policy. Zero values keep
// the step defaults.
func (b *Builder) WithRetryPolicy(maxRetries int, delayBase time.Duration) *Builder {
	b.maxRetries = maxRetries
	b.delayBase = delayBase
	return b
}

// WithIngester replaces the default local ingester.
func (b *Builder) WithIngester(i Ingester) *Builder {
	b.ingester = i
	return b
}

// WithAnalyzer injects the analysis collaborator.
func (b *Builder) WithAnalyzer(a Analyzer) *Builder {
	b.analyzer = a
	return b
}

// WithEncrypter injects the encryption collaborator.
func (b *Builder) WithEncrypter(e Encrypter) *Builder {
	b.encrypter = e
	return b
}

// WithUploader injects the upload collaborator.
func (b *Builder) WithUploader(u Uploader) *Builder {
	b.uploader = u
	return b
}

// WithSyncer injects the sync collaborator.
func (b *Builder) WithSyncer(s Syncer) *Builder {
	b.syncer = s
	return b
}

// WithIngestEnabled sets the ingest step's default toggle.
func (b *Builder) WithIngestEnabled(enabled bool) *Builder {
	b.ingestEnabled = enabled
	return b
}

// WithAnalyzeEnabled sets the analyze step's default toggle.
func (b *Builder) WithAnalyzeEnabled(enabled bool) *Builder {
	b.analyzeEnabled = enabled
	return b
}

// WithEncryptEnabled sets the encrypt step's default toggle.
func (b *Builder) WithEncryptEnabled(enabled bool) *Builder {
	b.encryptEnabled = enabled
	return b
}

// WithUploadEnabled sets the upload step's default toggle.
func (b *Builder) WithUploadEnabled(enabled bool) *Builder {
	b.uploadEnabled = enabled
	return b
}

// WithSyncEnabled sets the sync step's default toggle.
func (b *Builder) WithSyncEnabled(enabled bool) *Builder {
	b.syncEnabled = enabled
	return b
}

// Build assembles the step list and hands back the pipeline manager. Job
// options can still override each step's toggle at run time.
func (b *Builder) Build() *pipeline.Manager {
	if b.ingester == nil {
		b.ingester = NewLocalIngester()
	}

	ingest := NewIngestStep(b.ingester, b.events, b.logger, b.ingestEnabled)
	analyze := NewAnalyzeStep(b.analyzer, b.events, b.logger, b.analyzeEnabled)
	encrypt := NewEncryptStep(b.encrypter, b.events, b.logger, b.encryptEnabled)
	upload := NewUploadStep(b.uploader, b.events, b.logger, b.uploadEnabled)
	sync := NewSyncStep(b.syncer, b.events, b.logger, b.syncEnabled)

	ingest.setRetryPolicy(b.maxRetries, b.delayBase)
	analyze.setRetryPolicy(b.maxRetries, b.delayBase)
	encrypt.setRetryPolicy(b.maxRetries, b.delayBase)
	upload.setRetryPolicy(b.maxRetries, b.delayBase)
	sync.setRetryPolicy(b.maxRetries, b.delayBase)

	steps := []pipeline.Step{ingest, analyze, encrypt, upload, sync}
	return pipeline.NewManager(
		pipeline.ManagerConfig{MaxConcurrent: b.maxConcurrent},
		steps, b.events, b.logger, b.metrics,
	)
}
