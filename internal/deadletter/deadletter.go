// Package deadletter owns the retention sweep over store.DeadLetter rows:
// entries are append-only until marked processed or they age past the
// configured retention window.
package deadletter

import (
	"context"
	"time"

	"go.uber.org/zap"

	"campaign-dialer/internal/store"
)

// Sweeper periodically purges dead letters older than its retention window.
type Sweeper struct {
	store     store.Store
	logger    *zap.Logger
	retention time.Duration
}

func NewSweeper(st store.Store, logger *zap.Logger, retention time.Duration) *Sweeper {
	return &Sweeper{store: st, logger: logger, retention: retention}
}

// Run blocks, sweeping once a day until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-s.retention)
	purged, err := s.store.PurgeDeadLetters(ctx, cutoff)
	if err != nil {
		s.logger.Error("deadletter: purge failed", zap.Error(err))
		return
	}
	if purged > 0 {
		s.logger.Info("deadletter: purged expired entries", zap.Int64("count", purged))
	}
}
