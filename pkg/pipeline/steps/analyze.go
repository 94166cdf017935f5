package steps

import (
	"context"
	"log/slog"

	"github.com/haven-archive/haven/pkg/bus"
	"github.com/haven-archive/haven/pkg/pipeline"
)

// Analyzer extracts structured metadata from a media file.
type Analyzer interface {
	Analyze(ctx context.Context, path string) (map[string]any, error)
}

// AnalyzeStep delegates to an injected analyzer. There is no local
// analyzer; enabling the step without configuring one stops the pipeline.
type AnalyzeStep struct {
	stepCore
	analyzer Analyzer
}

// NewAnalyzeStep wires the analysis stage.
func NewAnalyzeStep(analyzer Analyzer, events *bus.Bus, logger *slog.Logger, defaultEnabled bool) *AnalyzeStep {
	return &AnalyzeStep{
		stepCore: newStepCore(NameAnalyze, OptionAnalyzeEnabled, defaultEnabled, events, logger),
		analyzer: analyzer,
	}
}

func (s *AnalyzeStep) Process(ctx context.Context, pctx *pipeline.Context) *pipeline.StepResult {
	if s.analyzer == nil {
		return pipeline.NewFailedResult(NameAnalyze, pipeline.NewStepError(
			pipeline.CodeAnalyzerNotConfigured,
			"analysis enabled but no analyzer is configured",
			pipeline.CategoryFatal))
	}

	path := pctx.CurrentPath()
	s.publish(pctx, bus.EventTypeAnalysisRequested, map[string]any{"path": path})

	analysis, err := s.analyzer.Analyze(ctx, path)
	if err != nil {
		s.publish(pctx, bus.EventTypeAnalysisFailed, map[string]any{
			"path":  path,
			"error": err.Error(),
		})
		return pipeline.NewFailedResult(NameAnalyze, pipeline.AsStepError("ANALYSIS_FAILED", err))
	}

	pctx.Analysis = analysis
	pctx.Touch()

	s.publish(pctx, bus.EventTypeAnalysisComplete, map[string]any{
		"path":   path,
		"fields": len(analysis),
	})
	return pipeline.NewSuccessResult(NameAnalyze, map[string]any{"fields": len(analysis)})
}
