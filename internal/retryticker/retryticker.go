// Package retryticker drives the minute-granular RetryTicker: it scans for
// DISCONNECTED/RNR calls whose next_retry_at has arrived, re-admits the ones
// inside an open window, reschedules the rest, and defensively fails
// candidates that have exhausted their retry budget.
package retryticker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"campaign-dialer/internal/admission"
	"campaign-dialer/internal/clock"
	"campaign-dialer/internal/schedule"
	"campaign-dialer/internal/store"
)

const (
	tickInterval     = time.Minute
	reloadInterval   = time.Hour
	exhaustedBatch   = 200
)

// retrier is the subset of lifecycle.Machine the ticker drives.
type retrier interface {
	Retry(ctx context.Context, callID uuid.UUID, window schedule.Window) error
	RescheduleNextRetry(ctx context.Context, callID uuid.UUID, nextRetryAt time.Time) error
	FailExhausted(ctx context.Context, callID uuid.UUID) error
}

// Ticker owns the schedule oracle's hot-reload cadence and the per-minute
// retry scan.
type Ticker struct {
	store            store.Store
	oracle           *schedule.Oracle
	admission        *admission.Controller
	lifecycle        retrier
	clock            clock.Clock
	logger           *zap.Logger
	maxRetryAttempts int

	// flight collapses overlapping ticks into one in-flight scan, in case a
	// scan runs long enough to still be active when the next minute fires.
	flight singleflight.Group
}

func New(st store.Store, oracle *schedule.Oracle, adm *admission.Controller, lc retrier, clk clock.Clock, logger *zap.Logger, maxRetryAttempts int) *Ticker {
	return &Ticker{
		store:            st,
		oracle:           oracle,
		admission:        adm,
		lifecycle:        lc,
		clock:            clk,
		logger:           logger,
		maxRetryAttempts: maxRetryAttempts,
	}
}

// Run blocks, ticking every minute and reloading the schedule config every
// hour, until ctx is cancelled.
func (t *Ticker) Run(ctx context.Context) {
	tick := time.NewTicker(tickInterval)
	defer tick.Stop()
	reload := time.NewTicker(reloadInterval)
	defer reload.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			t.Tick(ctx)
		case <-reload.C:
			if err := t.oracle.Reload(); err != nil {
				t.logger.Error("retryticker: schedule reload failed", zap.Error(err))
			}
		}
	}
}

// Tick runs one scan-and-dispatch pass plus the exhausted-retries sweep. A
// tick already in flight suppresses a concurrent one rather than running
// the scan twice over the same candidate set.
func (t *Ticker) Tick(ctx context.Context) {
	_, _, _ = t.flight.Do("tick", func() (any, error) {
		t.tickOnce(ctx)
		return nil, nil
	})
}

func (t *Ticker) tickOnce(ctx context.Context) {
	now := t.clock.Now()

	candidates, err := t.store.SelectRetryCandidates(ctx, now, t.oracle.BatchSize())
	if err != nil {
		t.logger.Error("retryticker: select candidates", zap.Error(err))
		return
	}

	maxConcurrent := t.oracle.MaxConcurrentRetries()
	retried := 0

	for _, c := range candidates {
		if retried >= maxConcurrent {
			break
		}

		inWindow, window := t.oracle.InWindow(c.CampaignID, now)
		if !inWindow {
			t.reschedule(ctx, c.CallID, c.CampaignID, now)
			continue
		}

		decision, err := t.admission.StartTracking(ctx, c.CallID.String(), c.Number)
		if err != nil {
			t.logger.Error("retryticker: admission error", zap.String("call_id", c.CallID.String()), zap.Error(err))
			continue
		}
		if decision != admission.Admit {
			t.reschedule(ctx, c.CallID, c.CampaignID, now)
			continue
		}

		if err := t.lifecycle.Retry(ctx, c.CallID, window); err != nil {
			t.logger.Debug("retryticker: retry transition failed, releasing slot",
				zap.String("call_id", c.CallID.String()), zap.Error(err))
			_ = t.admission.EndTracking(ctx, c.CallID.String(), c.Number)
			t.reschedule(ctx, c.CallID, c.CampaignID, now)
			continue
		}
		retried++
	}

	t.sweepExhausted(ctx)
}

func (t *Ticker) reschedule(ctx context.Context, callID, campaignID uuid.UUID, now time.Time) {
	next, _ := t.oracle.NextRetry(campaignID, now)
	if err := t.lifecycle.RescheduleNextRetry(ctx, callID, next); err != nil {
		t.logger.Error("retryticker: reschedule failed", zap.String("call_id", callID.String()), zap.Error(err))
	}
}

func (t *Ticker) sweepExhausted(ctx context.Context) {
	exhausted, err := t.store.SelectExhaustedRetries(ctx, t.maxRetryAttempts, exhaustedBatch)
	if err != nil {
		t.logger.Error("retryticker: select exhausted", zap.Error(err))
		return
	}
	for _, c := range exhausted {
		if err := t.lifecycle.FailExhausted(ctx, c.CallID); err != nil {
			t.logger.Error("retryticker: fail exhausted", zap.String("call_id", c.CallID.String()), zap.Error(err))
		}
	}
}
