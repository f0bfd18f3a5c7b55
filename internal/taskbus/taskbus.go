// Package taskbus is the at-least-once task dispatch layer: NATS subjects
// carry JSON-encoded tasks, a bounded worker pool drains each subject, and
// handlers that keep failing are retried with exponential backoff before
// landing in the dead-letter sink.
package taskbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"campaign-dialer/internal/store"
)

// Task classes. Each gets its own subject and its own backoff policy.
const (
	TaskInitiateCall = "dialer.call.initiate"
	TaskRetryCall    = "dialer.call.retry"
	TaskCallback     = "dialer.call.callback"
)

// Envelope wraps every published task with dispatch bookkeeping so a
// redelivered message can resume its retry count instead of restarting at
// zero.
type Envelope struct {
	TaskClass string          `json:"task_class"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
}

// Handler processes one task's payload. Returning an error marks the
// attempt failed and triggers a retry (or dead-lettering once attempts are
// exhausted).
type Handler func(ctx context.Context, payload json.RawMessage) error

// DeadLetterHook is invoked after a task class's envelope is dead-lettered,
// so a caller that holds domain state the bus itself doesn't know about
// (e.g. a held admission slot) can bring it to a terminal state. taskbus
// deliberately has no import of that caller's package; OnDeadLetter is the
// seam instead.
type DeadLetterHook func(ctx context.Context, payload json.RawMessage)

// RetryPolicy configures how many times a task class is attempted and the
// backoff schedule between attempts. MaxAttempts counts every attempt, the
// first one included, so MaxAttempts 3 means at most two retries.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 2 * time.Second}
}

// Bus is the NATS-backed TaskBus.
type Bus struct {
	conn     *nats.Conn
	logger   *zap.Logger
	store    store.Store
	mu       sync.RWMutex
	policies map[string]RetryPolicy
	subs     []*nats.Subscription

	deadLetterHooks map[string]DeadLetterHook

	// workers is the errgroup running every Subscribe's worker pool. Close
	// cancels drainCtx and waits on workers up to a bounded grace period so
	// in-flight handler calls finish instead of being killed mid-task.
	workers  *errgroup.Group
	drainCtx context.Context
	cancel   context.CancelFunc
}

func Connect(url string, logger *zap.Logger, st store.Store) (*Bus, error) {
	opts := []nats.Option{
		nats.Name("campaign-dialer"),
		nats.Timeout(10 * time.Second),
		nats.ReconnectWait(5 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Error("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("taskbus: connect: %w", err)
	}

	logger.Info("connected to nats", zap.String("url", conn.ConnectedUrl()))

	drainCtx, cancel := context.WithCancel(context.Background())
	workers, drainCtx := errgroup.WithContext(drainCtx)

	return &Bus{
		conn:            conn,
		logger:          logger,
		store:           st,
		policies:        map[string]RetryPolicy{},
		deadLetterHooks: map[string]DeadLetterHook{},
		workers:         workers,
		drainCtx:        drainCtx,
		cancel:          cancel,
	}, nil
}

// Close stops accepting new deliveries, then gives the worker pool up to
// grace to finish in-flight handler calls before the NATS connection closes
// out from under them.
func (b *Bus) Close(grace time.Duration) {
	for _, s := range b.subs {
		_ = s.Unsubscribe()
	}
	b.cancel()

	done := make(chan struct{})
	go func() {
		_ = b.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		b.logger.Warn("taskbus: grace period exceeded, closing with workers still draining")
	}

	b.conn.Close()
}

func (b *Bus) HealthCheck() error {
	if b.conn.Status() != nats.CONNECTED {
		return fmt.Errorf("taskbus: not connected, status %v", b.conn.Status())
	}
	return nil
}

// SetRetryPolicy overrides the default retry policy for a task class.
func (b *Bus) SetRetryPolicy(taskClass string, p RetryPolicy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.policies[taskClass] = p
}

// OnDeadLetter registers hook to run whenever taskClass exhausts its retries
// and is dead-lettered, after the DeadLetter row is written. Only one hook
// per task class is kept; a second call replaces the first.
func (b *Bus) OnDeadLetter(taskClass string, hook DeadLetterHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deadLetterHooks[taskClass] = hook
}

func (b *Bus) deadLetterHookFor(taskClass string) (DeadLetterHook, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	hook, ok := b.deadLetterHooks[taskClass]
	return hook, ok
}

func (b *Bus) policyFor(taskClass string) RetryPolicy {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if p, ok := b.policies[taskClass]; ok {
		return p
	}
	return defaultRetryPolicy()
}

// Publish enqueues a new task at attempt 1.
func (b *Bus) Publish(ctx context.Context, taskClass string, payload any) error {
	return b.publish(taskClass, payload, 1)
}

func (b *Bus) publish(taskClass string, payload any, attempt int) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("taskbus: marshal payload: %w", err)
	}
	env := Envelope{TaskClass: taskClass, Payload: raw, Attempt: attempt}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("taskbus: marshal envelope: %w", err)
	}
	if err := b.conn.Publish(taskClass, data); err != nil {
		return fmt.Errorf("taskbus: publish %s: %w", taskClass, err)
	}
	return nil
}

// PublishDelayed schedules a republish after delay. NATS core has no native
// delayed delivery, so like the teacher's PublishSendJobWithDelay this uses
// an in-process timer; callers that need durability across restarts should
// route through RetryTicker/PendingQueue instead.
func (b *Bus) PublishDelayed(ctx context.Context, taskClass string, payload any, attempt int, delay time.Duration) {
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			if err := b.publish(taskClass, payload, attempt); err != nil {
				b.logger.Error("delayed publish failed", zap.String("task_class", taskClass), zap.Error(err))
			}
		case <-ctx.Done():
		}
	}()
}

// Subscribe registers handler for taskClass with a bounded worker pool of
// size workers, run under the Bus's draining errgroup so Close can wait for
// in-flight handler calls to finish. Failures are retried per the task
// class's RetryPolicy with exponential backoff, then dead-lettered.
func (b *Bus) Subscribe(taskClass string, workers int, handler Handler) error {
	jobs := make(chan *nats.Msg, workers*4)

	for i := 0; i < workers; i++ {
		b.workers.Go(func() error {
			for {
				select {
				case <-b.drainCtx.Done():
					return nil
				case msg, ok := <-jobs:
					if !ok {
						return nil
					}
					b.dispatch(taskClass, msg, handler)
				}
			}
		})
	}

	sub, err := b.conn.Subscribe(taskClass, func(msg *nats.Msg) {
		select {
		case <-b.drainCtx.Done():
			return
		case jobs <- msg:
		}
	})
	if err != nil {
		close(jobs)
		return fmt.Errorf("taskbus: subscribe %s: %w", taskClass, err)
	}
	b.subs = append(b.subs, sub)
	return nil
}

func (b *Bus) dispatch(taskClass string, msg *nats.Msg, handler Handler) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		b.logger.Error("taskbus: malformed envelope", zap.String("task_class", taskClass), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := handler(ctx, env.Payload)
	if err == nil {
		return
	}

	policy := b.policyFor(taskClass)
	if env.Attempt >= policy.MaxAttempts {
		b.logger.Error("taskbus: task exhausted retries, dead-lettering",
			zap.String("task_class", taskClass), zap.Int("attempt", env.Attempt), zap.Error(err))
		b.deadLetter(taskClass, env, err)
		return
	}

	delay := backoffDelay(policy, env.Attempt)
	b.logger.Warn("taskbus: task failed, scheduling retry",
		zap.String("task_class", taskClass), zap.Int("attempt", env.Attempt),
		zap.Duration("delay", delay), zap.Error(err))

	var payload json.RawMessage = env.Payload
	b.PublishDelayed(context.Background(), taskClass, payload, env.Attempt+1, delay)
}

func backoffDelay(p RetryPolicy, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.MaxInterval = 5 * time.Minute
	d := b.InitialInterval
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * b.Multiplier)
		if d > b.MaxInterval {
			d = b.MaxInterval
			break
		}
	}
	return d
}

func (b *Bus) deadLetter(taskClass string, env Envelope, cause error) {
	dl := &store.DeadLetter{
		ID:         newDeadLetterID(),
		Topic:      taskClass,
		Payload:    env.Payload,
		Error:      cause.Error(),
		RetryCount: env.Attempt,
		Processed:  false,
		CreatedAt:  time.Now(),
	}
	if err := b.store.WriteDeadLetter(context.Background(), dl); err != nil {
		b.logger.Error("taskbus: failed writing dead letter", zap.String("task_class", taskClass), zap.Error(err))
	}
	if hook, ok := b.deadLetterHookFor(taskClass); ok {
		hook(context.Background(), env.Payload)
	}
}

func newDeadLetterID() uuid.UUID {
	return uuid.New()
}
