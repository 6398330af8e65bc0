package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ai-stock-analyzer/internal/domain"
)

// BasicsSync periodically refreshes the stock reference data used for
// submission-time name enrichment. It runs inside the worker process and
// shares its lifecycle.
type BasicsSync struct {
	Provider domain.StockBasicsProvider
	Repo     domain.StockBasicsRepository
	Interval time.Duration
	Log      *slog.Logger
}

// Run syncs once at startup and then on every interval tick until ctx ends.
// Sync failures are logged and retried at the next tick; stale reference data
// only degrades name enrichment, never analysis itself.
func (s BasicsSync) Run(ctx context.Context) {
	if err := s.syncOnce(ctx); err != nil {
		s.Log.Warn("stock basics sync failed", slog.Any("err", err))
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.syncOnce(ctx); err != nil {
				s.Log.Warn("stock basics sync failed", slog.Any("err", err))
			}
		}
	}
}

func (s BasicsSync) syncOnce(ctx context.Context) error {
	started := time.Now()
	basics, err := s.Provider.FetchAll(ctx)
	if err != nil {
		return fmt.Errorf("op=basicsSync.fetch: %w", err)
	}
	if len(basics) == 0 {
		return fmt.Errorf("op=basicsSync.fetch: provider returned no rows")
	}
	if err := s.Repo.UpsertMany(ctx, basics); err != nil {
		return fmt.Errorf("op=basicsSync.upsert: %w", err)
	}
	s.Log.Info("stock basics synced",
		slog.Int("count", len(basics)),
		slog.Duration("took", time.Since(started)))
	return nil
}
