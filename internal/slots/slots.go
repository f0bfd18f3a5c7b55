// Package slots implements the admission-control primitive: a global
// concurrent-call counter plus a per-number duplicate-call lock, both backed
// by Redis so every API/worker process shares one view of capacity.
package slots

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrAtCapacity is returned when the global concurrent-call ceiling is
// reached. ErrDuplicateInFlight is returned when the number already has an
// active call tracked within the duplicate window.
var (
	ErrAtCapacity         = errors.New("slots: at capacity")
	ErrDuplicateInFlight  = errors.New("slots: duplicate call in flight")
)

const (
	concurrencyKey  = "dialer:concurrency:count"
	activeKeyPrefix = "dialer:active:" // + call_id -> number, for stale sweeps
	lockKeyPrefix   = "dialer:lock:"   // + number -> call_id, duplicate prevention
)

// Registry is the Redis-backed SlotRegistry. The zero value is not usable;
// construct with New.
type Registry struct {
	rdb          *redis.Client
	maxConcurrent int64
	dupWindow    time.Duration
	acquireScript *redis.Script
	releaseScript *redis.Script
}

func New(rdb *redis.Client, maxConcurrent int64, dupWindow time.Duration) *Registry {
	return &Registry{
		rdb:           rdb,
		maxConcurrent: maxConcurrent,
		dupWindow:     dupWindow,
		acquireScript: redis.NewScript(acquireLua),
		releaseScript: redis.NewScript(releaseLua),
	}
}

// acquireLua atomically checks the global counter against the capacity and
// the per-number duplicate lock, and if both pass, increments the counter
// and sets the lock and an active-call marker in one round trip.
//
// KEYS[1] = concurrency counter key
// KEYS[2] = duplicate lock key for this number
// KEYS[3] = active-call marker key for this call id
// ARGV[1] = max concurrent calls
// ARGV[2] = duplicate window seconds
// ARGV[3] = call id
// ARGV[4] = number
// ARGV[5] = stale-sweep TTL seconds for the active marker
const acquireLua = `
local count = tonumber(redis.call("GET", KEYS[1]) or "0")
local max = tonumber(ARGV[1])
if count >= max then
  return "CAPACITY"
end
if redis.call("EXISTS", KEYS[2]) == 1 then
  return "DUPLICATE"
end
redis.call("INCR", KEYS[1])
redis.call("EXPIRE", KEYS[1], 3600)
redis.call("SET", KEYS[2], ARGV[3], "EX", ARGV[2])
redis.call("SET", KEYS[3], ARGV[4], "EX", ARGV[5])
return "OK"
`

// releaseLua clears the active marker and, only if that marker was still
// present, decrements the counter (floored at zero); it clears the duplicate
// lock if it still points at this call id. It is idempotent: releasing a
// call id that was never tracked, or releasing twice, leaves the counter
// unchanged.
//
// KEYS[1] = concurrency counter key
// KEYS[2] = duplicate lock key for this number
// KEYS[3] = active-call marker key for this call id
// ARGV[1] = call id, used to only clear the lock if it still points at us
const releaseLua = `
local count = tonumber(redis.call("GET", KEYS[1]) or "0")
if redis.call("DEL", KEYS[3]) == 1 and count > 0 then
  redis.call("DECR", KEYS[1])
end
local owner = redis.call("GET", KEYS[2])
if owner == ARGV[1] then
  redis.call("DEL", KEYS[2])
end
return "OK"
`

// Acquire attempts to reserve a concurrency slot and the duplicate lock for
// number under callID. Returns ErrAtCapacity or ErrDuplicateInFlight when
// admission is refused.
func (r *Registry) Acquire(ctx context.Context, callID, number string) error {
	res, err := r.acquireScript.Run(ctx, r.rdb,
		[]string{concurrencyKey, lockKeyPrefix + number, activeKeyPrefix + callID},
		r.maxConcurrent, int(r.dupWindow.Seconds()), callID, number, staleSweepTTLSeconds,
	).Text()
	if err != nil {
		return fmt.Errorf("slots: acquire: %w", err)
	}
	switch res {
	case "OK":
		return nil
	case "CAPACITY":
		return ErrAtCapacity
	case "DUPLICATE":
		return ErrDuplicateInFlight
	default:
		return fmt.Errorf("slots: unexpected acquire result %q", res)
	}
}

// Release is idempotent: it is safe to call multiple times for the same
// callID, or for a callID that was never successfully acquired.
func (r *Registry) Release(ctx context.Context, callID, number string) error {
	_, err := r.releaseScript.Run(ctx, r.rdb,
		[]string{concurrencyKey, lockKeyPrefix + number, activeKeyPrefix + callID},
		callID,
	).Result()
	if err != nil {
		return fmt.Errorf("slots: release: %w", err)
	}
	return nil
}

// AvailableSlots reports how much headroom remains against the cap.
func (r *Registry) AvailableSlots(ctx context.Context) (int64, error) {
	count, err := r.rdb.Get(ctx, concurrencyKey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("slots: available: %w", err)
	}
	avail := r.maxConcurrent - count
	if avail < 0 {
		avail = 0
	}
	return avail, nil
}

// CurrentCount returns the raw concurrency counter value.
func (r *Registry) CurrentCount(ctx context.Context) (int64, error) {
	count, err := r.rdb.Get(ctx, concurrencyKey).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("slots: current count: %w", err)
	}
	return count, nil
}

// staleSweepTTLSeconds bounds how long an active-call marker survives
// without an explicit Release, giving the stale-slot sweep in cmd/sweeper a
// hard backstop against leaked slots from crashed workers.
const staleSweepTTLSeconds = 3600

// StaleCallIDs scans the active-call marker keyspace for entries and returns
// the call ids currently tracked, for the sweeper to cross-check against
// Store and force-release anything whose CallRecord is already terminal.
func (r *Registry) StaleCallIDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := r.rdb.Scan(ctx, 0, activeKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, iter.Val()[len(activeKeyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("slots: scan stale: %w", err)
	}
	return ids, nil
}

// ForceRelease releases a call id's slot and duplicate lock, used by the
// sweeper when reconciling against Store; the caller supplies the number
// from the call's CallRecord.
func (r *Registry) ForceRelease(ctx context.Context, callID, number string) error {
	return r.Release(ctx, callID, number)
}
