// Package queueproc implements the QueueProcessor: an event-driven drainer
// of PendingQueue, re-armed after any slot release and by a slow periodic
// safety net, so overflowed calls get admitted as soon as capacity exists.
package queueproc

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"campaign-dialer/internal/admission"
	"campaign-dialer/internal/queue"
	"campaign-dialer/internal/store"
)

// cascadeDelay is the re-arm pause used when a drain pass leaves entries
// behind but still made progress, so repeated drains don't spin tight.
const cascadeDelay = 3 * time.Second

const safetyNetInterval = time.Minute

// initiator is the subset of lifecycle.Machine the processor needs; kept as
// an interface to avoid an import cycle (Machine.Kick calls into Processor).
type initiator interface {
	AdmitFromQueue(ctx context.Context, callID, campaignID uuid.UUID, number string) error
	FailDuplicate(ctx context.Context, callID uuid.UUID) error
}

// Processor drains PendingQueue for active campaigns as slots free up.
type Processor struct {
	store     store.Store
	admission *admission.Controller
	queue     *queue.Queue
	lifecycle initiator
	logger    *zap.Logger

	mu      sync.Mutex
	pending map[uuid.UUID]bool // campaigns with an armed re-drain timer
}

func New(st store.Store, adm *admission.Controller, q *queue.Queue, lc initiator, logger *zap.Logger) *Processor {
	return &Processor{
		store:     st,
		admission: adm,
		queue:     q,
		lifecycle: lc,
		logger:    logger,
		pending:   make(map[uuid.UUID]bool),
	}
}

// Kick triggers an immediate drain attempt for campaignID. Safe to call from
// any goroutine; satisfies lifecycle.Kicker.
func (p *Processor) Kick(campaignID uuid.UUID) {
	go p.drain(context.Background(), campaignID)
}

func (p *Processor) drain(ctx context.Context, campaignID uuid.UUID) {
	available, err := p.admission.AvailableSlots(ctx)
	if err != nil {
		p.logger.Error("queueproc: available slots", zap.Error(err))
		return
	}
	if available <= 0 {
		return
	}

	size, err := p.queue.Size(ctx, campaignID)
	if err != nil {
		p.logger.Error("queueproc: queue size", zap.Error(err))
		return
	}
	if size == 0 {
		return
	}

	k := int(available)
	if int64(k) > size {
		k = int(size)
	}

	entries, err := p.queue.PopFrontN(ctx, campaignID, k)
	if err != nil {
		p.logger.Error("queueproc: pop front", zap.Error(err))
		return
	}

	processed := 0
	for _, e := range entries {
		decision, err := p.admission.StartTracking(ctx, e.CallID.String(), e.Number)
		if err != nil {
			p.logger.Error("queueproc: start tracking", zap.String("call_id", e.CallID.String()), zap.Error(err))
			p.requeue(ctx, e)
			continue
		}
		switch decision {
		case admission.Admit:
			if err := p.lifecycle.AdmitFromQueue(ctx, e.CallID, e.CampaignID, e.Number); err != nil {
				p.logger.Error("queueproc: admit from queue", zap.String("call_id", e.CallID.String()), zap.Error(err))
				_ = p.admission.EndTracking(ctx, e.CallID.String(), e.Number)
				p.requeue(ctx, e)
				continue
			}
			processed++
		case admission.RejectDuplicate:
			p.logger.Debug("queueproc: dropping duplicate-locked entry", zap.String("number", e.Number))
			if err := p.lifecycle.FailDuplicate(ctx, e.CallID); err != nil {
				p.logger.Error("queueproc: fail duplicate entry", zap.String("call_id", e.CallID.String()), zap.Error(err))
			}
		case admission.RejectCapacity:
			p.requeue(ctx, e)
		}
	}

	remaining, err := p.queue.Size(ctx, campaignID)
	if err == nil && remaining > 0 && processed > 0 {
		p.armCascade(campaignID)
	}
}

func (p *Processor) requeue(ctx context.Context, e queue.Entry) {
	if err := p.queue.PushBack(ctx, e); err != nil {
		p.logger.Error("queueproc: requeue failed", zap.String("call_id", e.CallID.String()), zap.Error(err))
	}
}

// armCascade re-triggers a drain after a short delay, collapsing duplicate
// arm requests for the same campaign into one timer.
func (p *Processor) armCascade(campaignID uuid.UUID) {
	p.mu.Lock()
	if p.pending[campaignID] {
		p.mu.Unlock()
		return
	}
	p.pending[campaignID] = true
	p.mu.Unlock()

	go func() {
		time.Sleep(cascadeDelay)
		p.mu.Lock()
		p.pending[campaignID] = false
		p.mu.Unlock()
		p.drain(context.Background(), campaignID)
	}()
}

// RunSafetyNet starts the slow periodic sweep over all active campaigns
// with a non-empty queue. Blocks until ctx is cancelled.
func (p *Processor) RunSafetyNet(ctx context.Context) {
	ticker := time.NewTicker(safetyNetInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweepAll(ctx)
		}
	}
}

func (p *Processor) sweepAll(ctx context.Context) {
	campaigns, err := p.store.ListCampaigns(ctx)
	if err != nil {
		p.logger.Error("queueproc: safety net list campaigns", zap.Error(err))
		return
	}
	for _, c := range campaigns {
		if !c.Active {
			continue
		}
		size, err := p.queue.Size(ctx, c.ID)
		if err != nil || size == 0 {
			continue
		}
		p.drain(ctx, c.ID)
	}
}
