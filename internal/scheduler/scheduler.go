// Package scheduler ticks the crawl coordinator on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/hazardops/alertmirror/internal/coordinator"
)

// Scheduler drives Advance so crawls start and finish without operator
// intervention. POST /v1/crawl/advance remains available for manual ticks.
type Scheduler struct {
	coord    *coordinator.Coordinator
	interval time.Duration
	logger   *zap.Logger
}

// New constructs a Scheduler.
func New(coord *coordinator.Coordinator, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{coord: coord, interval: interval, logger: logger}
}

// Run ticks until the context finishes.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.coord.Advance(ctx); err != nil && !errors.Is(err, coordinator.ErrNoFeedsDue) {
				s.logger.Error("coordinator tick failed", zap.Error(err))
			}
		}
	}
}
