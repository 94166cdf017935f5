package steps

import (
	"context"
	"log/slog"

	"github.com/haven-archive/haven/pkg/bus"
	"github.com/haven-archive/haven/pkg/pipeline"
)

// Syncer publishes an uploaded item's metadata to an external index.
type Syncer interface {
	Sync(ctx context.Context, contentID string, meta map[string]any) (entityKey string, err error)
}

// SyncStep records the upload in an external index. There is no local
// syncer; enabling the step without configuring one stops the pipeline.
type SyncStep struct {
	stepCore
	syncer Syncer
}

// NewSyncStep wires the sync stage.
func NewSyncStep(syncer Syncer, events *bus.Bus, logger *slog.Logger, defaultEnabled bool) *SyncStep {
	return &SyncStep{
		stepCore: newStepCore(NameSync, OptionSyncEnabled, defaultEnabled, events, logger),
		syncer:   syncer,
	}
}

func (s *SyncStep) Process(ctx context.Context, pctx *pipeline.Context) *pipeline.StepResult {
	if s.syncer == nil {
		return pipeline.NewFailedResult(NameSync, pipeline.NewStepError(
			pipeline.CodeSyncerNotConfigured,
			"sync enabled but no syncer is configured",
			pipeline.CategoryFatal))
	}
	if pctx.Upload == nil || pctx.Upload.RootCID == "" {
		return pipeline.NewFailedResult(NameSync, pipeline.NewStepError(
			"SYNC_FAILED", "nothing uploaded to sync", pipeline.CategoryPermanent))
	}

	meta := map[string]any{"source_path": pctx.SourcePath}
	if pctx.Ingest != nil {
		meta["content_hash"] = pctx.Ingest.ContentHash
		meta["file_size"] = pctx.Ingest.FileSize
	}

	s.publish(pctx, bus.EventTypeSyncRequested, map[string]any{"content_id": pctx.Upload.RootCID})

	key, err := s.syncer.Sync(ctx, pctx.Upload.RootCID, meta)
	if err != nil {
		return pipeline.NewFailedResult(NameSync, pipeline.AsStepError("SYNC_FAILED", err))
	}

	pctx.SyncEntityKey = key
	pctx.Touch()

	s.publish(pctx, bus.EventTypeSyncComplete, map[string]any{
		"content_id": pctx.Upload.RootCID,
		"entity_key": key,
	})
	return pipeline.NewSuccessResult(NameSync, map[string]any{"entity_key": key})
}
