package taskbus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"campaign-dialer/internal/store"
)

// fakeStore records WriteDeadLetter calls; every other method is an unused
// stub to satisfy store.Store.
type fakeStore struct {
	mu          sync.Mutex
	deadLetters []*store.DeadLetter
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
	return nil, nil
}
func (s *fakeStore) SelectExhaustedRetries(ctx context.Context, maxRetryAttempts, limit int) ([]*store.CallRecord, error) {
	return nil, nil
}
func (s *fakeStore) CleanupTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
func (s *fakeStore) WriteDeadLetter(ctx context.Context, d *store.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, d)
	return nil
}
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

func (s *fakeStore) deadLetterCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deadLetters)
}

// newTestBus builds a Bus with no NATS connection: safe for tests that only
// exercise dispatch's dead-letter and malformed-envelope branches, which
// never reach b.conn.
func newTestBus(st store.Store) *Bus {
	return &Bus{
		logger:          zap.NewNop(),
		store:           st,
		policies:        map[string]RetryPolicy{},
		deadLetterHooks: map[string]DeadLetterHook{},
	}
}

func envelopeMsg(t *testing.T, taskClass string, payload any, attempt int) *nats.Msg {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := Envelope{TaskClass: taskClass, Payload: raw, Attempt: attempt}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return &nats.Msg{Subject: taskClass, Data: data}
}

func TestBackoffDelayGrowsExponentiallyUpToMax(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 10, BaseDelay: time.Second}

	d1 := backoffDelay(policy, 1)
	d2 := backoffDelay(policy, 2)
	d3 := backoffDelay(policy, 3)

	if d1 != time.Second {
		t.Errorf("attempt 1: expected base delay 1s, got %v", d1)
	}
	if d2 != 2*time.Second {
		t.Errorf("attempt 2: expected 2s, got %v", d2)
	}
	if d3 != 4*time.Second {
		t.Errorf("attempt 3: expected 4s, got %v", d3)
	}

	capped := backoffDelay(policy, 20)
	if capped != 5*time.Minute {
		t.Errorf("expected delay to cap at 5m, got %v", capped)
	}
}

func TestPolicyForReturnsDefaultWhenUnset(t *testing.T) {
	b := newTestBus(&fakeStore{})
	p := b.policyFor(TaskInitiateCall)
	if p != defaultRetryPolicy() {
		t.Errorf("expected default policy, got %+v", p)
	}
}

func TestSetRetryPolicyOverridesDefault(t *testing.T) {
	b := newTestBus(&fakeStore{})
	custom := RetryPolicy{MaxAttempts: 2, BaseDelay: 500 * time.Millisecond}
	b.SetRetryPolicy(TaskRetryCall, custom)

	if got := b.policyFor(TaskRetryCall); got != custom {
		t.Errorf("expected overridden policy %+v, got %+v", custom, got)
	}
	if got := b.policyFor(TaskInitiateCall); got != defaultRetryPolicy() {
		t.Errorf("expected other task classes to keep the default, got %+v", got)
	}
}

func TestDispatchDeadLettersOnExhaustedAttempts(t *testing.T) {
	st := &fakeStore{}
	b := newTestBus(st)
	b.SetRetryPolicy(TaskInitiateCall, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second})

	msg := envelopeMsg(t, TaskInitiateCall, map[string]string{"call_id": "x"}, 3)
	handlerCalls := 0
	handler := func(ctx context.Context, payload json.RawMessage) error {
		handlerCalls++
		return errContrived
	}

	b.dispatch(TaskInitiateCall, msg, handler)

	if handlerCalls != 1 {
		t.Fatalf("expected handler to be called once, got %d", handlerCalls)
	}
	if st.deadLetterCount() != 1 {
		t.Fatalf("expected 1 dead letter, got %d", st.deadLetterCount())
	}
}

func TestDispatchInvokesDeadLetterHookOnExhaustion(t *testing.T) {
	st := &fakeStore{}
	b := newTestBus(st)
	b.SetRetryPolicy(TaskInitiateCall, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second})

	var hookPayload json.RawMessage
	hookCalls := 0
	b.OnDeadLetter(TaskInitiateCall, func(ctx context.Context, payload json.RawMessage) {
		hookCalls++
		hookPayload = payload
	})

	payload := map[string]string{"call_id": "abc"}
	msg := envelopeMsg(t, TaskInitiateCall, payload, 3)
	handler := func(ctx context.Context, payload json.RawMessage) error { return errContrived }

	b.dispatch(TaskInitiateCall, msg, handler)

	if hookCalls != 1 {
		t.Fatalf("expected dead letter hook to run once, got %d", hookCalls)
	}
	var decoded map[string]string
	if err := json.Unmarshal(hookPayload, &decoded); err != nil {
		t.Fatalf("unmarshal hook payload: %v", err)
	}
	if decoded["call_id"] != "abc" {
		t.Errorf("expected hook to receive the original payload, got %+v", decoded)
	}
}

func TestDispatchSkipsDeadLetterHookForOtherTaskClasses(t *testing.T) {
	st := &fakeStore{}
	b := newTestBus(st)
	b.SetRetryPolicy(TaskRetryCall, RetryPolicy{MaxAttempts: 1, BaseDelay: time.Second})

	hookCalls := 0
	b.OnDeadLetter(TaskInitiateCall, func(ctx context.Context, payload json.RawMessage) { hookCalls++ })

	msg := envelopeMsg(t, TaskRetryCall, map[string]string{"call_id": "x"}, 1)
	handler := func(ctx context.Context, payload json.RawMessage) error { return errContrived }

	b.dispatch(TaskRetryCall, msg, handler)

	if hookCalls != 0 {
		t.Errorf("expected no hook invocation for a task class with no registered hook, got %d", hookCalls)
	}
	if st.deadLetterCount() != 1 {
		t.Errorf("expected the dead letter row to still be written, got %d", st.deadLetterCount())
	}
}

func TestDispatchSkipsDeadLetterOnHandlerSuccess(t *testing.T) {
	st := &fakeStore{}
	b := newTestBus(st)

	msg := envelopeMsg(t, TaskInitiateCall, map[string]string{"call_id": "x"}, 1)
	handler := func(ctx context.Context, payload json.RawMessage) error { return nil }

	b.dispatch(TaskInitiateCall, msg, handler)

	if st.deadLetterCount() != 0 {
		t.Errorf("expected no dead letters on success, got %d", st.deadLetterCount())
	}
}

func TestDispatchIgnoresMalformedEnvelope(t *testing.T) {
	st := &fakeStore{}
	b := newTestBus(st)

	msg := &nats.Msg{Subject: TaskInitiateCall, Data: []byte("not json")}
	handlerCalls := 0
	handler := func(ctx context.Context, payload json.RawMessage) error {
		handlerCalls++
		return nil
	}

	b.dispatch(TaskInitiateCall, msg, handler)

	if handlerCalls != 0 {
		t.Errorf("expected handler not to be called for a malformed envelope, got %d calls", handlerCalls)
	}
}

var errContrived = &contrivedError{"provider dial failed"}

type contrivedError struct{ msg string }

func (e *contrivedError) Error() string { return e.msg }
