// Package cleanup enforces the execution-history retention policy.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/haven-archive/haven/pkg/config"
	"github.com/haven-archive/haven/pkg/metrics"
)

// ExecutionPruner deletes persisted execution records older than a cutoff.
// *services.ExecutionService satisfies it.
type ExecutionPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// HistoryPruner drops in-memory execution records older than the given age.
// *scheduler.Scheduler satisfies it.
type HistoryPruner interface {
	CleanupHistory(olderThan time.Duration) int
}

// Service periodically prunes execution records past retention.max_age,
// both the database rows and the scheduler's in-memory ring. Both
// operations are idempotent; running them twice deletes nothing extra.
type Service struct {
	cfg        config.RetentionConfig
	executions ExecutionPruner
	history    HistoryPruner
	logger     *slog.Logger
	metrics    *metrics.Metrics

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the retention service. history may be nil when no
// in-memory ring needs pruning.
func NewService(cfg config.RetentionConfig, executions ExecutionPruner, history HistoryPruner, logger *slog.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:        cfg,
		executions: executions,
		history:    history,
		logger:     logger.With("component", "retention"),
		metrics:    m,
	}
}

// Start launches the background retention loop. It runs once immediately,
// then on every interval tick.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Retention service started",
		"interval", s.cfg.Interval,
		"max_age", s.cfg.MaxAge)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Retention service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runOnce(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Service) runOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.MaxAge)

	pruned, err := s.executions.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("Execution prune failed", "error", err)
	} else if pruned > 0 {
		s.metrics.ExecutionsPruned(pruned)
		s.logger.Info("Pruned execution records", "count", pruned, "cutoff", cutoff)
	}

	if s.history != nil {
		if n := s.history.CleanupHistory(s.cfg.MaxAge); n > 0 {
			s.logger.Info("Pruned in-memory execution history", "count", n)
		}
	}
}
