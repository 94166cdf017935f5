package scheduler

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haven-archive/haven/pkg/models"
)

// ring is a bounded execution-history buffer. Oldest records fall off once
// the bound is reached; the database keeps the full archive.
type ring struct {
	mu   sync.Mutex
	max  int
	recs []*models.JobExecutionRecord
}

func newRing(max int) *ring {
	return &ring{max: max}
}

func (r *ring) add(rec *models.JobExecutionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	if len(r.recs) > r.max {
		r.recs = r.recs[len(r.recs)-r.max:]
	}
}

// snapshot returns matching records newest first. A zero limit means all.
func (r *ring) snapshot(jobID *uuid.UUID, limit int) []*models.JobExecutionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*models.JobExecutionRecord, 0, len(r.recs))
	for i := len(r.recs) - 1; i >= 0; i-- {
		rec := r.recs[i]
		if jobID != nil && rec.JobID != *jobID {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// prune removes records completed before the cutoff and reports how many.
func (r *ring) prune(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.recs[:0]
	for _, rec := range r.recs {
		if rec.CompletedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, rec)
	}
	removed := len(r.recs) - len(kept)
	for i := len(kept); i < len(r.recs); i++ {
		r.recs[i] = nil
	}
	r.recs = kept
	return removed
}

func (r *ring) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recs)
}
