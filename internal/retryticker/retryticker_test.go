package retryticker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"campaign-dialer/internal/admission"
	"campaign-dialer/internal/clock"
	"campaign-dialer/internal/schedule"
	"campaign-dialer/internal/slots"
	"campaign-dialer/internal/store"
)

// fakeStore serves pre-seeded candidate/exhausted batches; only the two
// selects the ticker actually calls are wired.
type fakeStore struct {
	candidates []*store.CallRecord
	exhausted  []*store.CallRecord
}

func (s *fakeStore) CreateCampaign(ctx context.Context, c *store.Campaign) error { return nil }
func (s *fakeStore) GetCampaign(ctx context.Context, id uuid.UUID) (*store.Campaign, error) {
	return nil, store.ErrNotFound
}
func (s *fakeStore) ListCampaigns(ctx context.Context) ([]*store.Campaign, error) { return nil, nil }
func (s *fakeStore) AddPhoneNumbers(ctx context.Context, campaignID uuid.UUID, numbers []string) ([]string, map[string]string, error) {
	return nil, nil, nil
}
func (s *fakeStore) ListPhoneNumbers(ctx context.Context, campaignID uuid.UUID) ([]*store.PhoneNumber, error) {
	return nil, nil
}
func (s *fakeStore) CreateCallRecord(ctx context.Context, r *store.CallRecord) error { return nil }
func (s *fakeStore) GetCallRecord(ctx context.Context, callID uuid.UUID) (*store.CallRecord, error) {
	return nil, store.ErrNotFound
}
func (s *fakeStore) UpdateCallRecordTx(ctx context.Context, callID uuid.UUID, fn func(*store.CallRecord) error) (*store.CallRecord, error) {
	return nil, store.ErrNotFound
}
func (s *fakeStore) SelectRetryCandidates(ctx context.Context, now time.Time, limit int) ([]*store.CallRecord, error) {
	return s.candidates, nil
}
func (s *fakeStore) SelectExhaustedRetries(ctx context.Context, maxRetryAttempts, limit int) ([]*store.CallRecord, error) {
	return s.exhausted, nil
}
func (s *fakeStore) CleanupTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
func (s *fakeStore) WriteDeadLetter(ctx context.Context, d *store.DeadLetter) error { return nil }
func (s *fakeStore) PurgeDeadLetters(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
func (s *fakeStore) BumpDailyMetrics(ctx context.Context, date time.Time, delta store.DailyMetricsDelta) error {
	return nil
}
func (s *fakeStore) RecentDailyMetrics(ctx context.Context, days int) ([]*store.DailyMetrics, error) {
	return nil, nil
}
func (s *fakeStore) Health(ctx context.Context) error { return nil }
func (s *fakeStore) Close()                           {}

// fakeRetrier records every call the ticker makes against lifecycle.Machine.
type fakeRetrier struct {
	mu           sync.Mutex
	retried      []uuid.UUID
	rescheduled  []uuid.UUID
	failed       []uuid.UUID
	retryErr     error
}

func (f *fakeRetrier) Retry(ctx context.Context, callID uuid.UUID, window schedule.Window) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.retryErr != nil {
		return f.retryErr
	}
	f.retried = append(f.retried, callID)
	return nil
}

func (f *fakeRetrier) RescheduleNextRetry(ctx context.Context, callID uuid.UUID, nextRetryAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rescheduled = append(f.rescheduled, callID)
	return nil
}

func (f *fakeRetrier) FailExhausted(ctx context.Context, callID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, callID)
	return nil
}

func (f *fakeRetrier) counts() (retried, rescheduled, failed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.retried), len(f.rescheduled), len(f.failed)
}

// businessHoursOracle builds an Oracle with a single global window open
// Monday-Friday 09:00-17:00, via a throwaway YAML fixture (Oracle has no
// in-package constructor usable from outside package schedule).
func businessHoursOracle(t *testing.T) *schedule.Oracle {
	t.Helper()
	path := filepath.Join(t.TempDir(), "retry_schedule.yaml")
	const yamlDoc = `
defaults:
  max_attempts: 3
  retry_interval_minutes: 60
global_rules:
  - name: business_hours
    days: [Monday, Tuesday, Wednesday, Thursday, Friday]
    time_slots:
      - start_time: "09:00"
        end_time: "17:00"
        max_attempts: 5
        retry_interval_minutes: 30
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o644); err != nil {
		t.Fatalf("write schedule fixture: %v", err)
	}
	oracle, err := schedule.NewOracle(path)
	if err != nil {
		t.Fatalf("oracle: %v", err)
	}
	return oracle
}

func newTestTicker(t *testing.T, st *fakeStore, rt *fakeRetrier, now time.Time, maxConcurrent int64) *Ticker {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	registry := slots.New(rdb, maxConcurrent, time.Minute)
	adm := admission.New(registry)
	oracle := businessHoursOracle(t)
	fakeClock := clock.NewFake(now)

	return New(st, oracle, adm, rt, fakeClock, zap.NewNop(), 3)
}

func TestTickOnceRetriesCandidateInsideOpenWindow(t *testing.T) {
	callID := uuid.New()
	campaignID := uuid.New()
	st := &fakeStore{candidates: []*store.CallRecord{
		{CallID: callID, CampaignID: campaignID, Number: "+15551234567"},
	}}
	rt := &fakeRetrier{}

	// Wednesday 2024-01-03 10:00 is inside the business_hours window.
	now := time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)
	ticker := newTestTicker(t, st, rt, now, 10)

	ticker.Tick(context.Background())

	retried, rescheduled, failed := rt.counts()
	if retried != 1 {
		t.Errorf("expected 1 retry, got %d (rescheduled=%d failed=%d)", retried, rescheduled, failed)
	}
}

func TestTickOnceReschedulesCandidateOutsideWindow(t *testing.T) {
	callID := uuid.New()
	campaignID := uuid.New()
	st := &fakeStore{candidates: []*store.CallRecord{
		{CallID: callID, CampaignID: campaignID, Number: "+15551234567"},
	}}
	rt := &fakeRetrier{}

	// Wednesday 2024-01-03 20:00 is outside the business_hours window.
	now := time.Date(2024, 1, 3, 20, 0, 0, 0, time.UTC)
	ticker := newTestTicker(t, st, rt, now, 10)

	ticker.Tick(context.Background())

	retried, rescheduled, _ := rt.counts()
	if retried != 0 {
		t.Errorf("expected no retries outside window, got %d", retried)
	}
	if rescheduled != 1 {
		t.Errorf("expected 1 reschedule, got %d", rescheduled)
	}
}

func TestTickOnceReschedulesWhenCapacityUnavailable(t *testing.T) {
	callID := uuid.New()
	campaignID := uuid.New()
	st := &fakeStore{candidates: []*store.CallRecord{
		{CallID: callID, CampaignID: campaignID, Number: "+15551234567"},
	}}
	rt := &fakeRetrier{}

	now := time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)
	ticker := newTestTicker(t, st, rt, now, 0)

	ticker.Tick(context.Background())

	retried, rescheduled, _ := rt.counts()
	if retried != 0 {
		t.Errorf("expected no retries at zero capacity, got %d", retried)
	}
	if rescheduled != 1 {
		t.Errorf("expected 1 reschedule when capacity unavailable, got %d", rescheduled)
	}
}

func TestTickOnceSweepsExhaustedCandidates(t *testing.T) {
	exhaustedID := uuid.New()
	st := &fakeStore{exhausted: []*store.CallRecord{
		{CallID: exhaustedID, CampaignID: uuid.New(), Number: "+15551234567"},
	}}
	rt := &fakeRetrier{}

	now := time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)
	ticker := newTestTicker(t, st, rt, now, 10)

	ticker.Tick(context.Background())

	_, _, failed := rt.counts()
	if failed != 1 {
		t.Errorf("expected 1 exhausted call to be failed, got %d", failed)
	}
}

func TestTickOnceReschedulesWhenRetryTransitionFails(t *testing.T) {
	callID := uuid.New()
	campaignID := uuid.New()
	st := &fakeStore{candidates: []*store.CallRecord{
		{CallID: callID, CampaignID: campaignID, Number: "+15551234567"},
	}}
	rt := &fakeRetrier{retryErr: errRetryConflict}

	now := time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)
	ticker := newTestTicker(t, st, rt, now, 10)

	ticker.Tick(context.Background())

	retried, rescheduled, _ := rt.counts()
	if retried != 0 {
		t.Errorf("expected no successful retries, got %d", retried)
	}
	if rescheduled != 1 {
		t.Errorf("expected fallback reschedule after retry transition failure, got %d", rescheduled)
	}
}

var errRetryConflict = &conflictError{"call no longer retry-eligible"}

type conflictError struct{ msg string }

func (e *conflictError) Error() string { return e.msg }
