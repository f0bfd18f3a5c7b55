package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"campaign-dialer/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func (db *DB) CreateCampaign(ctx context.Context, c *store.Campaign) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO campaigns (id, name, active, created_at) VALUES ($1, $2, $3, $4)`,
		c.ID, c.Name, c.Active, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

func (db *DB) GetCampaign(ctx context.Context, id uuid.UUID) (*store.Campaign, error) {
	var c store.Campaign
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, active, created_at FROM campaigns WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Active, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return &c, nil
}

func (db *DB) ListCampaigns(ctx context.Context) ([]*store.Campaign, error) {
	rows, err := db.pool.Query(ctx, `SELECT id, name, active, created_at FROM campaigns ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []*store.Campaign
	for rows.Next() {
		var c store.Campaign
		if err := rows.Scan(&c.ID, &c.Name, &c.Active, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (db *DB) AddPhoneNumbers(ctx context.Context, campaignID uuid.UUID, numbers []string) ([]string, map[string]string, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var created []string
	errs := map[string]string{}
	now := time.Now()

	for _, n := range numbers {
		_, err := tx.Exec(ctx,
			`INSERT INTO phone_numbers (campaign_id, number, active, created_at) VALUES ($1, $2, TRUE, $3)
			 ON CONFLICT (campaign_id, number) DO NOTHING`,
			campaignID, n, now)
		if err != nil {
			errs[n] = err.Error()
			continue
		}
		created = append(created, n)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit phone numbers: %w", err)
	}
	return created, errs, nil
}

func (db *DB) ListPhoneNumbers(ctx context.Context, campaignID uuid.UUID) ([]*store.PhoneNumber, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT campaign_id, number, active, created_at FROM phone_numbers WHERE campaign_id = $1 ORDER BY created_at`,
		campaignID)
	if err != nil {
		return nil, fmt.Errorf("list phone numbers: %w", err)
	}
	defer rows.Close()

	var out []*store.PhoneNumber
	for rows.Next() {
		var p store.PhoneNumber
		if err := rows.Scan(&p.CampaignID, &p.Number, &p.Active, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan phone number: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

const callRecordColumns = `call_id, campaign_id, number, status, attempt_count, max_attempts,
	created_at, updated_at, last_attempt_at, next_retry_at, total_call_seconds, external_call_id, error`

func scanCallRecord(row pgx.Row) (*store.CallRecord, error) {
	var r store.CallRecord
	err := row.Scan(&r.CallID, &r.CampaignID, &r.Number, &r.Status, &r.AttemptCount, &r.MaxAttempts,
		&r.CreatedAt, &r.UpdatedAt, &r.LastAttemptAt, &r.NextRetryAt, &r.TotalCallSeconds, &r.ExternalCallID, &r.Error)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (db *DB) CreateCallRecord(ctx context.Context, r *store.CallRecord) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO call_records (`+callRecordColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		r.CallID, r.CampaignID, r.Number, r.Status, r.AttemptCount, r.MaxAttempts,
		r.CreatedAt, r.UpdatedAt, r.LastAttemptAt, r.NextRetryAt, r.TotalCallSeconds, r.ExternalCallID, r.Error)
	if err != nil {
		return fmt.Errorf("create call record: %w", err)
	}
	return nil
}

func (db *DB) GetCallRecord(ctx context.Context, callID uuid.UUID) (*store.CallRecord, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+callRecordColumns+` FROM call_records WHERE call_id = $1`, callID)
	r, err := scanCallRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get call record: %w", err)
	}
	return r, nil
}

// UpdateCallRecordTx is the one place every lifecycle and retry transition
// goes through: SELECT ... FOR UPDATE locks the row for the duration of the
// transaction so concurrent callbacks and retry ticks for the same call_id
// serialize, per spec.md's Lifecycle concurrency requirement.
func (db *DB) UpdateCallRecordTx(ctx context.Context, callID uuid.UUID, fn func(*store.CallRecord) error) (*store.CallRecord, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+callRecordColumns+` FROM call_records WHERE call_id = $1 FOR UPDATE`, callID)
	r, err := scanCallRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock call record: %w", err)
	}

	if err := fn(r); err != nil {
		return nil, err
	}
	r.UpdatedAt = time.Now()

	_, err = tx.Exec(ctx,
		`UPDATE call_records SET status=$2, attempt_count=$3, max_attempts=$4, updated_at=$5,
		 last_attempt_at=$6, next_retry_at=$7, total_call_seconds=$8, external_call_id=$9, error=$10
		 WHERE call_id=$1`,
		r.CallID, r.Status, r.AttemptCount, r.MaxAttempts, r.UpdatedAt,
		r.LastAttemptAt, r.NextRetryAt, r.TotalCallSeconds, r.ExternalCallID, r.Error)
	if err != nil {
		return nil, fmt.Errorf("persist call record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit call record: %w", err)
	}
	return r, nil
}

func (db *DB) SelectRetryCandidates(ctx context.Context, now time.Time, limit int) ([]*store.CallRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+callRecordColumns+` FROM call_records
		 WHERE status IN ('DISCONNECTED', 'RNR') AND next_retry_at <= $1 AND attempt_count < max_attempts
		 ORDER BY next_retry_at ASC, created_at ASC, call_id ASC
		 LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("select retry candidates: %w", err)
	}
	defer rows.Close()

	var out []*store.CallRecord
	for rows.Next() {
		r, err := scanCallRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan retry candidate: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (db *DB) SelectExhaustedRetries(ctx context.Context, maxRetryAttempts, limit int) ([]*store.CallRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+callRecordColumns+` FROM call_records
		 WHERE status IN ('DISCONNECTED', 'RNR', 'RETRYING') AND attempt_count >= $1
		 LIMIT $2`,
		maxRetryAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("select exhausted retries: %w", err)
	}
	defer rows.Close()

	var out []*store.CallRecord
	for rows.Next() {
		r, err := scanCallRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan exhausted retry: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (db *DB) CleanupTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM call_records WHERE status IN ('COMPLETED', 'FAILED') AND updated_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup terminal call records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (db *DB) WriteDeadLetter(ctx context.Context, d *store.DeadLetter) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO dead_letters (id, topic, payload, error, retry_count, processed, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		d.ID, d.Topic, d.Payload, d.Error, d.RetryCount, d.Processed, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("write dead letter: %w", err)
	}
	return nil
}

func (db *DB) PurgeDeadLetters(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM dead_letters WHERE processed OR created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (db *DB) BumpDailyMetrics(ctx context.Context, date time.Time, d store.DailyMetricsDelta) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO daily_metrics (date, total_calls_initiated, total_calls_picked, total_calls_disconnected,
			total_calls_rnr, total_calls_failed, total_retries, peak_concurrent_calls, total_call_duration_seconds)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (date) DO UPDATE SET
			total_calls_initiated = daily_metrics.total_calls_initiated + EXCLUDED.total_calls_initiated,
			total_calls_picked = daily_metrics.total_calls_picked + EXCLUDED.total_calls_picked,
			total_calls_disconnected = daily_metrics.total_calls_disconnected + EXCLUDED.total_calls_disconnected,
			total_calls_rnr = daily_metrics.total_calls_rnr + EXCLUDED.total_calls_rnr,
			total_calls_failed = daily_metrics.total_calls_failed + EXCLUDED.total_calls_failed,
			total_retries = daily_metrics.total_retries + EXCLUDED.total_retries,
			peak_concurrent_calls = GREATEST(daily_metrics.peak_concurrent_calls, EXCLUDED.peak_concurrent_calls),
			total_call_duration_seconds = daily_metrics.total_call_duration_seconds + EXCLUDED.total_call_duration_seconds`,
		date, d.Initiated, d.Picked, d.Disconnected, d.RNR, d.Failed, d.Retries, d.PeakConcurrentCalls, d.CallSeconds)
	if err != nil {
		return fmt.Errorf("bump daily metrics: %w", err)
	}
	return nil
}

func (db *DB) RecentDailyMetrics(ctx context.Context, days int) ([]*store.DailyMetrics, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT date, total_calls_initiated, total_calls_picked, total_calls_disconnected, total_calls_rnr,
			total_calls_failed, total_retries, peak_concurrent_calls, total_call_duration_seconds
		 FROM daily_metrics ORDER BY date DESC LIMIT $1`, days)
	if err != nil {
		return nil, fmt.Errorf("recent daily metrics: %w", err)
	}
	defer rows.Close()

	var out []*store.DailyMetrics
	for rows.Next() {
		var m store.DailyMetrics
		if err := rows.Scan(&m.Date, &m.TotalCallsInitiated, &m.TotalCallsPicked, &m.TotalCallsDisconnected,
			&m.TotalCallsRNR, &m.TotalCallsFailed, &m.TotalRetries, &m.PeakConcurrentCalls, &m.TotalCallSeconds); err != nil {
			return nil, fmt.Errorf("scan daily metrics: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
