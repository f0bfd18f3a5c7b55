// Package lifecycle implements the call record state machine: the only
// place CallRecord.Status changes. Every mutation goes through
// store.Store.UpdateCallRecordTx so concurrent callbacks and retry ticks for
// the same call serialize behind the row lock.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"campaign-dialer/internal/admission"
	"campaign-dialer/internal/clock"
	"campaign-dialer/internal/metrics"
	"campaign-dialer/internal/provider"
	"campaign-dialer/internal/queue"
	"campaign-dialer/internal/schedule"
	"campaign-dialer/internal/store"
	"campaign-dialer/internal/taskbus"
)

// retryFloor is the minimum delay before a DISCONNECTED/RNR call becomes
// retry-eligible, independent of how far out the next open window is.
const retryFloor = 5 * time.Minute

// maxRecordAge bounds how long a terminal CallRecord is retained before the
// cleanup sweep removes it.
const maxRecordAge = 30 * 24 * time.Hour

// Kicker lets Lifecycle nudge the QueueProcessor after a slot frees, without
// importing internal/queueproc directly (it in turn depends on Lifecycle).
type Kicker interface {
	Kick(campaignID uuid.UUID)
}

// InitiateTaskPayload is published to taskbus.TaskInitiateCall.
type InitiateTaskPayload struct {
	CallID     uuid.UUID `json:"call_id"`
	CampaignID uuid.UUID `json:"campaign_id"`
	Number     string    `json:"number"`
}

// Machine wires the state machine's collaborators together.
type Machine struct {
	store            store.Store
	admission        *admission.Controller
	bus              *taskbus.Bus
	provider         *provider.Client
	oracle           *schedule.Oracle
	queue            *queue.Queue
	clock            clock.Clock
	logger           *zap.Logger
	maxRetryAttempts int
	kicker           Kicker
	metrics          *metrics.Recorder
}

func New(st store.Store, adm *admission.Controller, bus *taskbus.Bus, prov *provider.Client,
	oracle *schedule.Oracle, q *queue.Queue, clk clock.Clock, logger *zap.Logger, maxRetryAttempts int, rec *metrics.Recorder) *Machine {
	return &Machine{
		store:            st,
		admission:        adm,
		bus:              bus,
		provider:         prov,
		oracle:           oracle,
		queue:            q,
		clock:            clk,
		logger:           logger,
		metrics:          rec,
		maxRetryAttempts: maxRetryAttempts,
	}
}

// SetKicker wires the QueueProcessor after construction, avoiding an import
// cycle (QueueProcessor holds a Machine; Machine holds a Kicker interface).
func (m *Machine) SetKicker(k Kicker) { m.kicker = k }

func (m *Machine) kick(campaignID uuid.UUID) {
	if m.kicker != nil {
		m.kicker.Kick(campaignID)
	}
}

// Initiate is the entry point for a single /initiate-call request (and for
// /bulk-initiate-calls, one call per number). It always creates a CallRecord
// so the caller can return it verbatim regardless of whether the call was
// admitted immediately or deflected to the PendingQueue — by design the
// client cannot tell the two apart.
func (m *Machine) Initiate(ctx context.Context, campaignID uuid.UUID, number string) (*store.CallRecord, bool, error) {
	callID := uuid.New()
	now := m.clock.Now()

	decision, err := m.admission.StartTracking(ctx, callID.String(), number)
	if err != nil {
		return nil, false, fmt.Errorf("lifecycle: admission: %w", err)
	}

	if decision == admission.RejectDuplicate {
		return nil, false, ErrDuplicateInFlight
	}

	record := &store.CallRecord{
		CallID:        callID,
		CampaignID:    campaignID,
		Number:        number,
		Status:        store.StatusInitiated,
		AttemptCount:  0,
		MaxAttempts:   m.oracle.DefaultMaxAttempts(),
		CreatedAt:     now,
		UpdatedAt:     now,
		LastAttemptAt: now,
	}
	if err := m.store.CreateCallRecord(ctx, record); err != nil {
		_ = m.admission.EndTracking(ctx, callID.String(), number)
		return nil, false, fmt.Errorf("lifecycle: create call record: %w", err)
	}

	if m.metrics != nil {
		if err := m.metrics.BumpDaily(ctx, store.DailyMetricsDelta{Initiated: 1}); err != nil {
			m.logger.Warn("lifecycle: bump initiated metric failed", zap.Error(err))
		}
	}

	if decision == admission.RejectCapacity {
		if err := m.queue.PushBack(ctx, queue.Entry{CampaignID: campaignID, Number: number, CallID: callID}); err != nil {
			return nil, false, fmt.Errorf("lifecycle: queue overflow entry: %w", err)
		}
		return record, true, nil
	}

	if err := m.bus.Publish(ctx, taskbus.TaskInitiateCall, InitiateTaskPayload{CallID: callID, CampaignID: campaignID, Number: number}); err != nil {
		return record, false, fmt.Errorf("lifecycle: publish initiate task: %w", err)
	}
	return record, false, nil
}

// AdmitFromQueue is used by QueueProcessor once it has already obtained a
// slot for a previously-queued entry: the CallRecord exists from the
// original Initiate call, so this only needs to emit the task.
func (m *Machine) AdmitFromQueue(ctx context.Context, callID, campaignID uuid.UUID, number string) error {
	return m.bus.Publish(ctx, taskbus.TaskInitiateCall, InitiateTaskPayload{CallID: callID, CampaignID: campaignID, Number: number})
}

// ErrDuplicateInFlight is returned by Initiate when the number already has
// an active call within the duplicate window.
var ErrDuplicateInFlight = errors.New("lifecycle: duplicate call in flight")

// HandleInitiateTask is the initiate_task worker handler: dials the
// provider and persists the outcome. Valid entry statuses are INITIATED and
// RETRYING; both move to PROCESSING for the duration of the dial attempt.
func (m *Machine) HandleInitiateTask(ctx context.Context, callID, campaignID uuid.UUID, number string) error {
	_, err := m.store.UpdateCallRecordTx(ctx, callID, func(r *store.CallRecord) error {
		if r.Status != store.StatusInitiated && r.Status != store.StatusRetrying {
			return fmt.Errorf("lifecycle: call %s not eligible for initiate (status=%s)", callID, r.Status)
		}
		r.Status = store.StatusProcessing
		return nil
	})
	if err != nil {
		return err
	}

	externalID, dialErr := m.provider.InitiateCall(ctx, callID, campaignID, number, "")
	if dialErr != nil {
		var nonRetriable *provider.NonRetriableError
		if !errors.As(dialErr, &nonRetriable) {
			// Network error or 5xx: let the TaskBus retry this task.
			return dialErr
		}
		reason := nonRetriable.Error()
		if _, err := m.store.UpdateCallRecordTx(ctx, callID, func(r *store.CallRecord) error {
			r.Status = store.StatusFailed
			r.Error = &reason
			return nil
		}); err != nil {
			return err
		}
		_ = m.admission.EndTracking(ctx, callID.String(), number)
		m.kick(campaignID)
		return nil
	}

	_, err = m.store.UpdateCallRecordTx(ctx, callID, func(r *store.CallRecord) error {
		r.ExternalCallID = &externalID
		return nil
	})
	return err
}

// HandleCallback applies a provider-originated status callback. Late
// callbacks for a terminal call are accepted idempotently: they update
// optional fields (duration, external id) if not already set, but never
// reopen a terminal record.
func (m *Machine) HandleCallback(ctx context.Context, callID uuid.UUID, status string, durationSeconds *int, externalCallID *string) error {
	if !store.ValidCallbackStatus(status) {
		return fmt.Errorf("lifecycle: invalid callback status %q", status)
	}

	var (
		releaseSlot  bool
		terminalNow  bool
		campaignID   uuid.UUID
		number       string
	)

	updated, err := m.store.UpdateCallRecordTx(ctx, callID, func(r *store.CallRecord) error {
		campaignID = r.CampaignID
		number = r.Number

		if isTerminal(r.Status) {
			if externalCallID != nil && r.ExternalCallID == nil {
				r.ExternalCallID = externalCallID
			}
			if durationSeconds != nil && r.TotalCallSeconds == nil {
				r.TotalCallSeconds = durationSeconds
			}
			return nil
		}

		if externalCallID != nil {
			r.ExternalCallID = externalCallID
		}

		switch store.Status(status) {
		case store.StatusPicked:
			r.TotalCallSeconds = durationSeconds
			r.Status = store.StatusCompleted
			releaseSlot = true
			terminalNow = true
		case store.StatusDisconnected, store.StatusRNR:
			if r.AttemptCount < r.MaxAttempts {
				next := m.clock.Now().Add(retryFloor)
				r.NextRetryAt = &next
				r.Status = store.Status(status)
			} else {
				reason := fmt.Sprintf("Max retry attempts reached (%d)", r.MaxAttempts)
				r.Status = store.StatusFailed
				r.Error = &reason
				terminalNow = true
			}
			releaseSlot = true
		case store.StatusFailed:
			r.Status = store.StatusFailed
			if r.Error == nil {
				reason := "provider reported failure"
				r.Error = &reason
			}
			releaseSlot = true
			terminalNow = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	if releaseSlot {
		if err := m.admission.EndTracking(ctx, callID.String(), number); err != nil {
			m.logger.Warn("lifecycle: end_tracking failed", zap.String("call_id", callID.String()), zap.Error(err))
		}
	}
	if terminalNow || releaseSlot {
		m.kick(campaignID)
	}
	if m.metrics != nil && updated != nil {
		m.bumpStatusMetric(ctx, updated.Status)
	}
	return nil
}

func (m *Machine) bumpStatusMetric(ctx context.Context, status store.Status) {
	var delta store.DailyMetricsDelta
	switch status {
	case store.StatusCompleted:
		delta.Picked = 1
	case store.StatusDisconnected:
		delta.Disconnected = 1
	case store.StatusRNR:
		delta.RNR = 1
	case store.StatusFailed:
		delta.Failed = 1
	default:
		return
	}
	if err := m.metrics.BumpDaily(ctx, delta); err != nil {
		m.logger.Warn("lifecycle: bump daily metrics failed", zap.Error(err))
	}
}

// Retry is invoked by RetryTicker once it has confirmed the record is
// inside an open window and obtained a fresh slot; it bumps attempt_count
// and moves the record to RETRYING, then emits a fresh initiate_task.
func (m *Machine) Retry(ctx context.Context, callID uuid.UUID, window schedule.Window) error {
	var campaignID uuid.UUID
	var number string

	record, err := m.store.UpdateCallRecordTx(ctx, callID, func(r *store.CallRecord) error {
		if r.Status != store.StatusDisconnected && r.Status != store.StatusRNR {
			return fmt.Errorf("lifecycle: call %s not retry-eligible (status=%s)", callID, r.Status)
		}
		campaignID = r.CampaignID
		number = r.Number
		r.AttemptCount++
		r.LastAttemptAt = m.clock.Now()
		nextRetry, _ := m.oracle.NextRetry(r.CampaignID, m.clock.Now())
		r.NextRetryAt = &nextRetry
		r.Status = store.StatusRetrying
		if window.MaxAttempts > 0 {
			r.MaxAttempts = window.MaxAttempts
		}
		return nil
	})
	if err != nil {
		return err
	}
	if m.metrics != nil {
		if err := m.metrics.BumpDaily(ctx, store.DailyMetricsDelta{Retries: 1}); err != nil {
			m.logger.Warn("lifecycle: bump retry metric failed", zap.Error(err))
		}
	}
	_ = record

	return m.bus.Publish(ctx, taskbus.TaskRetryCall, InitiateTaskPayload{CallID: callID, CampaignID: campaignID, Number: number})
}

// RescheduleNextRetry is called by RetryTicker when a candidate is not
// currently in an open window: it just moves next_retry_at forward without
// consuming an attempt.
func (m *Machine) RescheduleNextRetry(ctx context.Context, callID uuid.UUID, nextRetryAt time.Time) error {
	_, err := m.store.UpdateCallRecordTx(ctx, callID, func(r *store.CallRecord) error {
		if r.Status != store.StatusDisconnected && r.Status != store.StatusRNR {
			return nil
		}
		r.NextRetryAt = &nextRetryAt
		return nil
	})
	return err
}

// FailExhausted forces a non-terminal record past MaxRetryAttempts into
// FAILED, for the defensive sweep in RetryTicker.
func (m *Machine) FailExhausted(ctx context.Context, callID uuid.UUID) error {
	var number string
	_, err := m.store.UpdateCallRecordTx(ctx, callID, func(r *store.CallRecord) error {
		if isTerminal(r.Status) {
			return nil
		}
		number = r.Number
		reason := fmt.Sprintf("Max retry attempts reached (%d)", r.MaxAttempts)
		r.Status = store.StatusFailed
		r.Error = &reason
		return nil
	})
	if err != nil {
		return err
	}
	if number != "" {
		return m.admission.EndTracking(ctx, callID.String(), number)
	}
	return nil
}

// FailDeadLettered moves a call_initiation task's CallRecord to FAILED and
// releases its slot after taskbus has exhausted retries and dead-lettered
// the task. Registered with taskbus.Bus.OnDeadLetter by cmd/dialer so a
// permanently failing dial never pins a slot or leaves a record stuck in
// PROCESSING.
func (m *Machine) FailDeadLettered(ctx context.Context, callID uuid.UUID) error {
	var number string
	_, err := m.store.UpdateCallRecordTx(ctx, callID, func(r *store.CallRecord) error {
		if isTerminal(r.Status) {
			return nil
		}
		number = r.Number
		reason := "call_initiation task dead-lettered after exhausting retries"
		r.Status = store.StatusFailed
		r.Error = &reason
		return nil
	})
	if err != nil {
		return err
	}
	if number != "" {
		if err := m.admission.EndTracking(ctx, callID.String(), number); err != nil {
			return err
		}
	}
	return nil
}

// FailDuplicate moves a CallRecord to FAILED when its queued entry is
// dropped at drain time because the number is already locked by another
// in-flight call. No slot or duplicate lock was ever acquired for this
// entry, so there is nothing to release here beyond the record itself.
func (m *Machine) FailDuplicate(ctx context.Context, callID uuid.UUID) error {
	_, err := m.store.UpdateCallRecordTx(ctx, callID, func(r *store.CallRecord) error {
		if isTerminal(r.Status) {
			return nil
		}
		reason := "duplicate call in flight"
		r.Status = store.StatusFailed
		r.Error = &reason
		return nil
	})
	return err
}

// CleanupTerminal removes terminal CallRecords older than the 30-day
// retention window.
func (m *Machine) CleanupTerminal(ctx context.Context) (int64, error) {
	return m.store.CleanupTerminalOlderThan(ctx, m.clock.Now().Add(-maxRecordAge))
}

func isTerminal(s store.Status) bool {
	return s == store.StatusCompleted || s == store.StatusFailed
}
