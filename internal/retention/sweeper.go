// Package retention purges crawl history and alert documents past their
// retention window.
package retention

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hazardops/alertmirror/internal/alert"
	"github.com/hazardops/alertmirror/internal/store"
)

// Config controls sweep cadence and the retention window.
type Config struct {
	MaxAge   time.Duration
	Interval time.Duration
}

// Sweeper deletes crawls, shards, seen URLs and documents older than the
// retention window.
type Sweeper struct {
	crawls store.CrawlRepository
	alerts store.AlertRepository
	clock  alert.Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs a Sweeper.
func New(crawls store.CrawlRepository, alerts store.AlertRepository, clock alert.Clock, cfg Config, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{crawls: crawls, alerts: alerts, clock: clock, cfg: cfg, logger: logger}
}

// Run sweeps on the configured interval until the context finishes.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one purge pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := s.clock.Now().Add(-s.cfg.MaxAge)

	crawlsRemoved, err := s.crawls.PurgeBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("purge crawls failed", zap.Error(err))
	}
	docsRemoved, err := s.alerts.PurgeBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("purge documents failed", zap.Error(err))
	}
	if crawlsRemoved > 0 || docsRemoved > 0 {
		s.logger.Info("retention sweep completed",
			zap.Time("cutoff", cutoff),
			zap.Int64("crawls_removed", crawlsRemoved),
			zap.Int64("documents_removed", docsRemoved),
		)
	}
}
