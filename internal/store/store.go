package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Get-style lookups that find no row. Callers
// translate it into apperr.NotFound at the API boundary.
var ErrNotFound = errors.New("store: not found")

// Store is the durable-persistence seam: campaigns, phone numbers, call
// records, dead letters and daily metrics. Every CallRecord mutation that
// needs linearizable read-modify-write goes through UpdateCallRecordTx,
// which brackets the update in a row lock equivalent to
// `SELECT ... FOR UPDATE`.
type Store interface {
	CreateCampaign(ctx context.Context, c *Campaign) error
	GetCampaign(ctx context.Context, id uuid.UUID) (*Campaign, error)
	ListCampaigns(ctx context.Context) ([]*Campaign, error)

	AddPhoneNumbers(ctx context.Context, campaignID uuid.UUID, numbers []string) (created []string, errs map[string]string, err error)
	ListPhoneNumbers(ctx context.Context, campaignID uuid.UUID) ([]*PhoneNumber, error)

	CreateCallRecord(ctx context.Context, r *CallRecord) error
	GetCallRecord(ctx context.Context, callID uuid.UUID) (*CallRecord, error)

	// UpdateCallRecordTx loads the record under a row lock, passes it to fn
	// for in-place mutation, and persists the result in the same
	// transaction. fn returning an error aborts the transaction.
	UpdateCallRecordTx(ctx context.Context, callID uuid.UUID, fn func(*CallRecord) error) (*CallRecord, error)

	// SelectRetryCandidates returns up to limit records eligible for a
	// retry tick, ordered by (next_retry_at asc, created_at asc, call_id asc).
	SelectRetryCandidates(ctx context.Context, now time.Time, limit int) ([]*CallRecord, error)

	// SelectExhaustedRetries returns non-terminal records whose
	// attempt_count has reached maxRetryAttempts, for the defensive sweep.
	SelectExhaustedRetries(ctx context.Context, maxRetryAttempts, limit int) ([]*CallRecord, error)

	// CleanupTerminalOlderThan deletes COMPLETED/FAILED records last updated
	// before cutoff and returns how many were removed.
	CleanupTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	WriteDeadLetter(ctx context.Context, d *DeadLetter) error
	PurgeDeadLetters(ctx context.Context, cutoff time.Time) (int64, error)

	BumpDailyMetrics(ctx context.Context, date time.Time, delta DailyMetricsDelta) error
	RecentDailyMetrics(ctx context.Context, days int) ([]*DailyMetrics, error)

	Health(ctx context.Context) error
	Close()
}

// DailyMetricsDelta is applied additively to counters and as a max() to
// PeakConcurrentCalls, mirroring the source's MetricsManager.update_daily_metrics.
type DailyMetricsDelta struct {
	Initiated           int64
	Picked              int64
	Disconnected        int64
	RNR                 int64
	Failed              int64
	Retries             int64
	PeakConcurrentCalls int64
	CallSeconds         int64
}
