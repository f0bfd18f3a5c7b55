package queueproc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"campaign-dialer/internal/admission"
	"campaign-dialer/internal/queue"
	"campaign-dialer/internal/slots"
	"campaign-dialer/internal/store"
)

// fakeInitiator records AdmitFromQueue calls and can be made to fail on
// demand, to exercise the requeue-on-admit-failure branch.
type fakeInitiator struct {
	mu              sync.Mutex
	admitted        []uuid.UUID
	failFor         map[uuid.UUID]bool
	failedDuplicate []uuid.UUID
}

func newFakeInitiator() *fakeInitiator {
	return &fakeInitiator{failFor: make(map[uuid.UUID]bool)}
}

func (f *fakeInitiator) AdmitFromQueue(ctx context.Context, callID, campaignID uuid.UUID, number string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[callID] {
		return errors.New("queueproc test: forced admit failure")
	}
	f.admitted = append(f.admitted, callID)
	return nil
}

func (f *fakeInitiator) FailDuplicate(ctx context.Context, callID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedDuplicate = append(f.failedDuplicate, callID)
	return nil
}

func (f *fakeInitiator) admittedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.admitted)
}

func (f *fakeInitiator) failedDuplicateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.failedDuplicate)
}

// fakeStore only needs to answer ListCampaigns for sweepAll's purposes.
type fakeStore struct {
	campaigns []*store.Campaign
}

func (s *fakeStore) CreateCampaign(ctx context.Context, c *store.Campaign) error { return nil }
func (s *fakeStore) GetCampaign(ctx context.Context, id uuid.UUID) (*store.Campaign, error) {
	return nil, store.ErrNotFound
}
func (s *fakeStore) ListCampaigns(ctx context.Context) ([]*store.Campaign, error) {
	return s.campaigns, nil
}
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
	return nil, nil
}
func (s *fakeStore) SelectExhaustedRetries(ctx context.Context, maxRetryAttempts, limit int) ([]*store.CallRecord, error) {
	return nil, nil
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

func newTestProcessor(t *testing.T, st *fakeStore, init *fakeInitiator, maxConcurrent int64) *Processor {
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
	q := queue.New(rdb)

	return New(st, adm, q, init, zap.NewNop())
}

func TestDrainAdmitsEntriesWithinCapacity(t *testing.T) {
	init := newFakeInitiator()
	p := newTestProcessor(t, &fakeStore{}, init, 5)
	ctx := context.Background()
	campaignID := uuid.New()

	entry := queue.Entry{CampaignID: campaignID, Number: "+15551234567", CallID: uuid.New()}
	if err := p.queue.PushBack(ctx, entry); err != nil {
		t.Fatalf("push: %v", err)
	}

	p.drain(ctx, campaignID)

	if init.admittedCount() != 1 {
		t.Fatalf("expected 1 admitted entry, got %d", init.admittedCount())
	}
	size, err := p.queue.Size(ctx, campaignID)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 0 {
		t.Errorf("expected queue drained, got size %d", size)
	}
}

func TestDrainNoOpWhenNoAvailableSlots(t *testing.T) {
	init := newFakeInitiator()
	p := newTestProcessor(t, &fakeStore{}, init, 0)
	ctx := context.Background()
	campaignID := uuid.New()

	if err := p.queue.PushBack(ctx, queue.Entry{CampaignID: campaignID, Number: "+15551234567", CallID: uuid.New()}); err != nil {
		t.Fatalf("push: %v", err)
	}

	p.drain(ctx, campaignID)

	if init.admittedCount() != 0 {
		t.Errorf("expected no admits at zero capacity, got %d", init.admittedCount())
	}
	size, err := p.queue.Size(ctx, campaignID)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 1 {
		t.Errorf("expected entry to stay queued, got size %d", size)
	}
}

func TestDrainDropsDuplicateLockedEntry(t *testing.T) {
	init := newFakeInitiator()
	p := newTestProcessor(t, &fakeStore{}, init, 5)
	ctx := context.Background()
	campaignID := uuid.New()
	number := "+15551234567"
	callID := uuid.New()

	// Pre-lock the number so the queued entry's StartTracking call hits
	// RejectDuplicate rather than Admit.
	if _, err := p.admission.StartTracking(ctx, uuid.New().String(), number); err != nil {
		t.Fatalf("seed duplicate lock: %v", err)
	}

	if err := p.queue.PushBack(ctx, queue.Entry{CampaignID: campaignID, Number: number, CallID: callID}); err != nil {
		t.Fatalf("push: %v", err)
	}

	p.drain(ctx, campaignID)

	if init.admittedCount() != 0 {
		t.Errorf("expected duplicate entry to be dropped, not admitted, got %d", init.admittedCount())
	}
	if init.failedDuplicateCount() != 1 {
		t.Errorf("expected duplicate entry's CallRecord to be failed, got %d calls", init.failedDuplicateCount())
	}
	size, err := p.queue.Size(ctx, campaignID)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 0 {
		t.Errorf("expected duplicate entry dropped (not requeued), got size %d", size)
	}
}

func TestDrainRequeuesWhenAdmitFromQueueFails(t *testing.T) {
	init := newFakeInitiator()
	p := newTestProcessor(t, &fakeStore{}, init, 5)
	ctx := context.Background()
	campaignID := uuid.New()
	callID := uuid.New()
	init.failFor[callID] = true

	if err := p.queue.PushBack(ctx, queue.Entry{CampaignID: campaignID, Number: "+15551234567", CallID: callID}); err != nil {
		t.Fatalf("push: %v", err)
	}

	p.drain(ctx, campaignID)

	if init.admittedCount() != 0 {
		t.Errorf("expected failed admit to not count as admitted, got %d", init.admittedCount())
	}
	size, err := p.queue.Size(ctx, campaignID)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 1 {
		t.Errorf("expected entry requeued after admit failure, got size %d", size)
	}
}

func TestSweepAllDrainsActiveCampaignsWithNonEmptyQueue(t *testing.T) {
	init := newFakeInitiator()
	activeCampaign := &store.Campaign{ID: uuid.New(), Active: true}
	inactiveCampaign := &store.Campaign{ID: uuid.New(), Active: false}
	st := &fakeStore{campaigns: []*store.Campaign{activeCampaign, inactiveCampaign}}
	p := newTestProcessor(t, st, init, 5)
	ctx := context.Background()

	if err := p.queue.PushBack(ctx, queue.Entry{CampaignID: activeCampaign.ID, Number: "+15551234567", CallID: uuid.New()}); err != nil {
		t.Fatalf("push active: %v", err)
	}
	if err := p.queue.PushBack(ctx, queue.Entry{CampaignID: inactiveCampaign.ID, Number: "+15559876543", CallID: uuid.New()}); err != nil {
		t.Fatalf("push inactive: %v", err)
	}

	p.sweepAll(ctx)

	if init.admittedCount() != 1 {
		t.Errorf("expected only the active campaign's entry admitted, got %d", init.admittedCount())
	}
}
