package steps

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haven-archive/haven/pkg/bus"
	"github.com/haven-archive/haven/pkg/pipeline"
)

type fakeSyncer struct {
	key           string
	err           error
	lastContentID string
	lastMeta      map[string]any
}

func (s *fakeSyncer) Sync(_ context.Context, contentID string, meta map[string]any) (string, error) {
	s.lastContentID = contentID
	s.lastMeta = meta
	if s.err != nil {
		return "", s.err
	}
	return s.key, nil
}

func uploadedContext() *pipeline.Context {
	pctx := pipeline.NewContext("/tmp/vid_1.mp4", nil)
	pctx.Ingest = &pipeline.IngestInfo{ContentHash: "abc123", FileSize: 42}
	pctx.Upload = &pipeline.UploadResult{RootCID: "sha256:deadbeef"}
	return pctx
}

func TestSyncStep_NotConfiguredIsFatal(t *testing.T) {
	env := newStepEnv()
	step := NewSyncStep(nil, env.bus, slog.Default(), true)

	sr := step.Process(context.Background(), uploadedContext())

	require.Equal(t, pipeline.StatusFailed, sr.Status)
	assert.Equal(t, pipeline.CodeSyncerNotConfigured, sr.Error.Code)
	assert.Equal(t, pipeline.CategoryFatal, sr.Error.Category)
}

func TestSyncStep_RequiresUploadResult(t *testing.T) {
	env := newStepEnv()
	step := NewSyncStep(&fakeSyncer{key: "k"}, env.bus, slog.Default(), true)

	sr := step.Process(context.Background(), pipeline.NewContext("/tmp/vid_1.mp4", nil))

	require.Equal(t, pipeline.StatusFailed, sr.Status)
	assert.Equal(t, "SYNC_FAILED", sr.Error.Code)
	assert.Equal(t, pipeline.CategoryPermanent, sr.Error.Category)
}

func TestSyncStep_Process(t *testing.T) {
	env := newStepEnv()
	syncer := &fakeSyncer{key: "entity_0042"}
	step := NewSyncStep(syncer, env.bus, slog.Default(), true)

	pctx := uploadedContext()
	sr := step.Process(context.Background(), pctx)

	require.Equal(t, pipeline.StatusSuccess, sr.Status)
	assert.Equal(t, "entity_0042", pctx.SyncEntityKey)
	assert.Equal(t, "entity_0042", sr.Data["entity_key"])

	assert.Equal(t, "sha256:deadbeef", syncer.lastContentID)
	assert.Equal(t, "abc123", syncer.lastMeta["content_hash"])
	assert.Equal(t, int64(42), syncer.lastMeta["file_size"])
	assert.Equal(t, "/tmp/vid_1.mp4", syncer.lastMeta["source_path"])

	assert.Equal(t, []string{bus.EventTypeSyncRequested, bus.EventTypeSyncComplete}, env.eventTypes())
}

func TestSyncStep_InsufficientFundsKeepsDetails(t *testing.T) {
	env := newStepEnv()
	syncer := &fakeSyncer{err: pipeline.NewInsufficientFundsError("0xabc", "filecoin", "FIL")}
	step := NewSyncStep(syncer, env.bus, slog.Default(), true)

	sr := step.Process(context.Background(), uploadedContext())

	require.Equal(t, pipeline.StatusFailed, sr.Status)
	assert.Equal(t, pipeline.CodeInsufficientFunds, sr.Error.Code)
	assert.Equal(t, pipeline.CategoryPermanent, sr.Error.Category)
	assert.Equal(t, "0xabc", sr.Error.Details["wallet_address"])
	assert.Equal(t, "filecoin", sr.Error.Details["chain_name"])
	assert.Equal(t, "FIL", sr.Error.Details["token_symbol"])
}
