package store

import (
	"time"

	"github.com/google/uuid"
)

// Status is the call-record status alphabet from the data model.
type Status string

const (
	StatusInitiated    Status = "INITIATED"
	StatusProcessing   Status = "PROCESSING"
	StatusPicked       Status = "PICKED"
	StatusDisconnected Status = "DISCONNECTED"
	StatusRNR          Status = "RNR"
	StatusFailed       Status = "FAILED"
	StatusRetrying     Status = "RETRYING"
	StatusCompleted    Status = "COMPLETED"
)

// ValidCallbackStatus reports whether s is one of the statuses the provider
// callback is allowed to report. Unknown strings are rejected at the
// boundary (400) rather than persisted, per the canonical status alphabet.
func ValidCallbackStatus(s string) bool {
	switch Status(s) {
	case StatusPicked, StatusDisconnected, StatusRNR, StatusFailed:
		return true
	default:
		return false
	}
}

type Campaign struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type PhoneNumber struct {
	CampaignID uuid.UUID `json:"campaign_id" db:"campaign_id"`
	Number     string    `json:"number" db:"number"`
	Active     bool      `json:"active" db:"active"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

type CallRecord struct {
	CallID            uuid.UUID `json:"call_id" db:"call_id"`
	CampaignID        uuid.UUID `json:"campaign_id" db:"campaign_id"`
	Number            string    `json:"number" db:"number"`
	Status            Status    `json:"status" db:"status"`
	AttemptCount      int       `json:"attempt_count" db:"attempt_count"`
	MaxAttempts       int       `json:"max_attempts" db:"max_attempts"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
	LastAttemptAt     time.Time `json:"last_attempt_at" db:"last_attempt_at"`
	NextRetryAt       *time.Time `json:"next_retry_at,omitempty" db:"next_retry_at"`
	TotalCallSeconds  *int      `json:"total_call_seconds,omitempty" db:"total_call_seconds"`
	ExternalCallID    *string   `json:"external_call_id,omitempty" db:"external_call_id"`
	Error             *string   `json:"error,omitempty" db:"error"`
}

// QueueEntry mirrors a PendingQueue entry for durable read access (the
// authoritative ordered list lives in Redis; this is an optional mirror for
// admin/metrics queries).
type QueueEntry struct {
	CampaignID uuid.UUID `json:"campaign_id" db:"campaign_id"`
	Number     string    `json:"number" db:"number"`
	QueuedAt   time.Time `json:"queued_at" db:"queued_at"`
	Priority   int       `json:"priority" db:"priority"`
}

// DeadLetter is the single canonical schema (error, not error_message) per
// the spec's REDESIGN FLAGS resolution of the source's two field-name
// variants.
type DeadLetter struct {
	ID         uuid.UUID `json:"id" db:"id"`
	Topic      string    `json:"topic" db:"topic"`
	Payload    []byte    `json:"payload" db:"payload"`
	Error      string    `json:"error" db:"error"`
	RetryCount int       `json:"retry_count" db:"retry_count"`
	Processed  bool      `json:"processed" db:"processed"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

type DailyMetrics struct {
	Date                 time.Time `json:"date" db:"date"`
	TotalCallsInitiated  int64     `json:"total_calls_initiated" db:"total_calls_initiated"`
	TotalCallsPicked     int64     `json:"total_calls_picked" db:"total_calls_picked"`
	TotalCallsDisconnected int64   `json:"total_calls_disconnected" db:"total_calls_disconnected"`
	TotalCallsRNR        int64     `json:"total_calls_rnr" db:"total_calls_rnr"`
	TotalCallsFailed     int64     `json:"total_calls_failed" db:"total_calls_failed"`
	TotalRetries         int64     `json:"total_retries" db:"total_retries"`
	PeakConcurrentCalls  int64     `json:"peak_concurrent_calls" db:"peak_concurrent_calls"`
	TotalCallSeconds     int64     `json:"total_call_duration_seconds" db:"total_call_duration_seconds"`
}
