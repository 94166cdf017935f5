package steps

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/haven-archive/haven/pkg/bus"
	"github.com/haven-archive/haven/pkg/pipeline"
)

// ProgressFunc receives in-call upload progress updates.
type ProgressFunc func(stage string, percent float64)

// Uploader moves one file into durable storage and returns its addresses.
type Uploader interface {
	Upload(ctx context.Context, path string, progress ProgressFunc) (*pipeline.UploadResult, error)
}

// UploadStep stores the current artifact and records the resulting content
// id. Progress callbacks surface as UPLOAD_PROGRESS events.
type UploadStep struct {
	stepCore
	uploader Uploader
}

// NewUploadStep wires the upload stage.
func NewUploadStep(uploader Uploader, events *bus.Bus, logger *slog.Logger, defaultEnabled bool) *UploadStep {
	return &UploadStep{
		stepCore: newStepCore(NameUpload, OptionUploadEnabled, defaultEnabled, events, logger),
		uploader: uploader,
	}
}

func (s *UploadStep) Process(ctx context.Context, pctx *pipeline.Context) *pipeline.StepResult {
	if s.uploader == nil {
		return pipeline.NewFailedResult(NameUpload, pipeline.NewStepError(
			"UPLOADER_NOT_CONFIGURED",
			"upload enabled but no uploader is configured",
			pipeline.CategoryFatal))
	}

	path := pctx.CurrentPath()
	s.publish(pctx, bus.EventTypeUploadRequested, map[string]any{"path": path})

	progress := func(stage string, percent float64) {
		s.publish(pctx, bus.EventTypeUploadProgress, map[string]any{
			"stage":   stage,
			"percent": percent,
		})
	}

	res, err := s.uploader.Upload(ctx, path, progress)
	if err != nil {
		s.publish(pctx, bus.EventTypeUploadFailed, map[string]any{
			"path":  path,
			"error": err.Error(),
		})
		return pipeline.NewFailedResult(NameUpload, pipeline.AsStepError("UPLOAD_FAILED", err))
	}

	pctx.Upload = res
	pctx.Touch()

	payload := map[string]any{"root_cid": res.RootCID}
	if res.PieceCID != "" {
		payload["piece_cid"] = res.PieceCID
	}
	if res.TxHash != "" {
		payload["tx_hash"] = res.TxHash
	}
	s.publish(pctx, bus.EventTypeUploadComplete, payload)

	return pipeline.NewSuccessResult(NameUpload, map[string]any{
		pipeline.DataKeyContentID: res.RootCID,
	})
}

// LocalStoreUploader copies files into a content-addressed directory tree,
// store/<hh>/<hash> with hh the first two hex digits. Identical content
// uploads once and keeps returning the same id.
type LocalStoreUploader struct {
	storeDir string
}

// NewLocalStoreUploader creates an uploader rooted at storeDir.
func NewLocalStoreUploader(storeDir string) *LocalStoreUploader {
	return &LocalStoreUploader{storeDir: storeDir}
}

// Upload hashes the file, then copies it to its content address unless it
// is already present.
func (u *LocalStoreUploader) Upload(ctx context.Context, path string, progress ProgressFunc) (*pipeline.UploadResult, error) {
	if progress == nil {
		progress = func(string, float64) {}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	progress("hashing", 0)
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	digest := hex.EncodeToString(h.Sum(nil))
	rootCID := "sha256:" + digest
	progress("hashing", 40)

	destDir := filepath.Join(u.storeDir, digest[:2])
	dest := filepath.Join(destDir, digest)
	if _, err := os.Stat(dest); err == nil {
		progress("complete", 100)
		return &pipeline.UploadResult{RootCID: rootCID}, nil
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind %s: %w", path, err)
	}

	progress("storing", 60)
	tmp, err := os.CreateTemp(destDir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, f); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to copy into store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to finalize store entry: %w", err)
	}

	progress("complete", 100)
	return &pipeline.UploadResult{RootCID: rootCID}, nil
}
