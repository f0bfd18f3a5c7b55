// Command sweeper runs the two periodic reconciliation passes that are not
// tied to the request/task hot path: releasing slots left behind by crashed
// workers, and purging old dead letters and terminal call records.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"campaign-dialer/internal/clock"
	"campaign-dialer/internal/config"
	"campaign-dialer/internal/deadletter"
	"campaign-dialer/internal/observability"
	"campaign-dialer/internal/persistence"
	"campaign-dialer/internal/slots"
	"campaign-dialer/internal/store"
	"campaign-dialer/internal/store/postgres"
)

const staleSlotSweepInterval = 10 * time.Minute

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		logger = observability.NewDevelopmentLogger()
	}
	defer logger.Sync()

	db, err := postgres.New(ctx, cfg.PostgresURL, logger)
	if err != nil {
		logger.Fatal("sweeper: postgres", zap.Error(err))
	}
	defer db.Close()

	rdb, err := persistence.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("sweeper: redis", zap.Error(err))
	}
	defer rdb.Close()

	registry := slots.New(rdb.Client, cfg.MaxConcurrentCalls, time.Duration(cfg.DuplicateCallWindowMinutes)*time.Minute)
	dlq := deadletter.NewSweeper(db, logger, time.Duration(cfg.DLQRetentionDays)*24*time.Hour)

	go dlq.Run(ctx)
	go runStaleSlotSweep(ctx, registry, db, logger)
	go runTerminalCleanup(ctx, db, logger)

	<-ctx.Done()
	logger.Info("sweeper: shutdown signal received")
}

// runStaleSlotSweep cross-checks every slot-tracked call id against its
// CallRecord: a slot still held for a call whose record is already terminal
// means the worker that should have released it crashed or was killed
// mid-task, so the slot is force-released here instead.
func runStaleSlotSweep(ctx context.Context, registry *slots.Registry, st store.Store, logger *zap.Logger) {
	ticker := time.NewTicker(staleSlotSweepInterval)
	defer ticker.Stop()

	sweep := func() {
		ids, err := registry.StaleCallIDs(ctx)
		if err != nil {
			logger.Error("sweeper: stale call scan", zap.Error(err))
			return
		}
		for _, id := range ids {
			callID, err := uuid.Parse(id)
			if err != nil {
				continue
			}
			record, err := st.GetCallRecord(ctx, callID)
			if err != nil {
				continue
			}
			if record.Status != store.StatusCompleted && record.Status != store.StatusFailed {
				continue
			}
			if err := registry.ForceRelease(ctx, id, record.Number); err != nil {
				logger.Error("sweeper: force release failed", zap.String("call_id", id), zap.Error(err))
				continue
			}
			logger.Info("sweeper: released stale slot", zap.String("call_id", id), zap.String("status", string(record.Status)))
		}
	}

	sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// runTerminalCleanup purges terminal CallRecords past retention once a day,
// mirroring lifecycle.Machine.CleanupTerminal's 30-day window.
func runTerminalCleanup(ctx context.Context, st store.Store, logger *zap.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	clk := clock.Real()
	cleanup := func() {
		cutoff := clk.Now().Add(-30 * 24 * time.Hour)
		purged, err := st.CleanupTerminalOlderThan(ctx, cutoff)
		if err != nil {
			logger.Error("sweeper: terminal cleanup failed", zap.Error(err))
			return
		}
		if purged > 0 {
			logger.Info("sweeper: purged terminal call records", zap.Int64("count", purged))
		}
	}

	cleanup()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleanup()
		}
	}
}
