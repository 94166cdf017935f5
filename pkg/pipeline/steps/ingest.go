package steps

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"github.com/haven-archive/haven/pkg/bus"
	"github.com/haven-archive/haven/pkg/pipeline"
)

// Ingester inspects one source file and produces its ingest metadata.
type Ingester interface {
	Ingest(ctx context.Context, path string) (*pipeline.IngestInfo, error)
}

// IngestStep stats and hashes the source file and flags duplicate content.
// A missing source file is fatal: nothing downstream can run without it.
type IngestStep struct {
	stepCore
	ingester Ingester
}

// NewIngestStep wires the ingest stage.
func NewIngestStep(ingester Ingester, events *bus.Bus, logger *slog.Logger, defaultEnabled bool) *IngestStep {
	return &IngestStep{
		stepCore: newStepCore(NameIngest, OptionIngestEnabled, defaultEnabled, events, logger),
		ingester: ingester,
	}
}

func (s *IngestStep) Process(ctx context.Context, pctx *pipeline.Context) *pipeline.StepResult {
	if s.ingester == nil {
		return pipeline.NewFailedResult(NameIngest, pipeline.NewStepError(
			"INGESTER_NOT_CONFIGURED",
			"ingest enabled but no ingester is configured",
			pipeline.CategoryFatal))
	}

	info, err := s.ingester.Ingest(ctx, pctx.SourcePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return pipeline.NewFailedResult(NameIngest, pipeline.NewStepError(
				pipeline.CodeFileNotFound,
				fmt.Sprintf("source file missing: %s", pctx.SourcePath),
				pipeline.CategoryFatal))
		}
		return pipeline.NewFailedResult(NameIngest, pipeline.AsStepError("INGEST_FAILED", err))
	}

	pctx.Ingest = info
	pctx.Touch()

	s.publish(pctx, bus.EventTypeVideoIngested, map[string]any{
		"path":         pctx.SourcePath,
		"content_hash": info.ContentHash,
		"file_size":    info.FileSize,
		"duration":     info.Duration,
		"is_duplicate": info.IsDuplicate,
	})
	if info.IsDuplicate {
		s.logger.Info("Source content already seen",
			"correlation_id", pctx.CorrelationID,
			"content_hash", info.ContentHash)
	}

	return pipeline.NewSuccessResult(NameIngest, map[string]any{
		"content_hash": info.ContentHash,
		"file_size":    info.FileSize,
		"is_duplicate": info.IsDuplicate,
	})
}

// LocalIngester hashes files on the local filesystem and remembers content
// hashes seen within this process lifetime.
type LocalIngester struct {
	mu   sync.Mutex
	seen map[string]string // content hash -> first source path
}

// NewLocalIngester creates an empty ingester.
func NewLocalIngester() *LocalIngester {
	return &LocalIngester{seen: make(map[string]string)}
}

// Ingest stats and sha256-hashes the file at path.
func (l *LocalIngester) Ingest(ctx context.Context, path string) (*pipeline.IngestInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("source %s is a directory", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	hash := hex.EncodeToString(h.Sum(nil))

	l.mu.Lock()
	_, duplicate := l.seen[hash]
	if !duplicate {
		l.seen[hash] = path
	}
	l.mu.Unlock()

	return &pipeline.IngestInfo{
		ContentHash: hash,
		FileSize:    fi.Size(),
		IsDuplicate: duplicate,
	}, nil
}
