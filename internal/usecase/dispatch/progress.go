package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/bkyoung/llmflow/internal/adapter/observability"
)

// ProgressTracker counts batch completions and logs once per 10% milestone
// with observed rate and ETA.
type ProgressTracker struct {
	mu               sync.Mutex
	batchID          string
	total            int
	completed        int
	start            time.Time
	loggedMilestones map[int]bool
	logger           observability.Logger
	now              func() time.Time
}

// NewProgressTracker creates a tracker for a batch of total items.
func NewProgressTracker(batchID string, total int, logger observability.Logger, now func() time.Time) *ProgressTracker {
	if logger == nil {
		logger = observability.NopLogger{}
	}
	if now == nil {
		now = time.Now
	}
	return &ProgressTracker{
		batchID:          batchID,
		total:            total,
		start:            now(),
		loggedMilestones: make(map[int]bool),
		logger:           logger,
		now:              now,
	}
}

// Completed returns the number of completions recorded so far.
func (p *ProgressTracker) Completed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed
}

// IncrementAndLog records one completion and emits a milestone line the first
// time each 10% boundary is crossed.
func (p *ProgressTracker) IncrementAndLog() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.completed++
	if p.total <= 0 {
		return
	}

	pct := p.completed * 100 / p.total
	milestone := pct / 10 * 10
	if milestone < 10 || p.loggedMilestones[milestone] {
		return
	}
	p.loggedMilestones[milestone] = true

	elapsed := p.now().Sub(p.start).Seconds()
	rate := 0.0
	eta := 0.0
	if elapsed > 0 {
		rate = float64(p.completed) / elapsed
		if rate > 0 {
			eta = float64(p.total-p.completed) / rate
		}
	}

	p.logger.LogInfo(context.Background(), "batch_progress", map[string]interface{}{
		"batch_id":    p.batchID,
		"completed":   p.completed,
		"total":       p.total,
		"percent":     milestone,
		"rate":        rate,
		"eta_seconds": eta,
	})
}
