// Package queue implements the per-campaign PendingQueue: a Redis-list
// backed FIFO with a separate high-priority lane, used to hold numbers that
// could not be dispatched immediately because the global concurrency cap
// was reached.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Entry is one queued (campaign, number) pair awaiting dispatch.
type Entry struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	Number     string    `json:"number"`
	CallID     uuid.UUID `json:"call_id"`
}

// Queue is the Redis-list backed PendingQueue. Priority entries live in a
// separate key and are always popped before normal entries, mirroring the
// source's priority queue behaviour for manually requeued numbers.
type Queue struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

func normalKey(campaignID uuid.UUID) string   { return "dialer:queue:" + campaignID.String() }
func priorityKey(campaignID uuid.UUID) string { return "dialer:queue:priority:" + campaignID.String() }

// PushBack appends e to the campaign's normal FIFO lane.
func (q *Queue) PushBack(ctx context.Context, e Entry) error {
	return q.push(ctx, normalKey(e.CampaignID), e)
}

// PushPriority appends e to the campaign's priority lane, dispatched ahead
// of anything in the normal lane.
func (q *Queue) PushPriority(ctx context.Context, e Entry) error {
	return q.push(ctx, priorityKey(e.CampaignID), e)
}

func (q *Queue) push(ctx context.Context, key string, e Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("queue: marshal entry: %w", err)
	}
	if err := q.rdb.RPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("queue: push: %w", err)
	}
	return nil
}

// PopFrontN pops up to n entries for campaignID, draining the priority lane
// first. Returns fewer than n entries (possibly zero) if the queue is
// shorter than requested.
func (q *Queue) PopFrontN(ctx context.Context, campaignID uuid.UUID, n int) ([]Entry, error) {
	out := make([]Entry, 0, n)
	for _, key := range []string{priorityKey(campaignID), normalKey(campaignID)} {
		for len(out) < n {
			val, err := q.rdb.LPop(ctx, key).Result()
			if err == redis.Nil {
				break
			}
			if err != nil {
				return out, fmt.Errorf("queue: pop: %w", err)
			}
			var e Entry
			if err := json.Unmarshal([]byte(val), &e); err != nil {
				return out, fmt.Errorf("queue: unmarshal entry: %w", err)
			}
			out = append(out, e)
		}
	}
	return out, nil
}

// Size reports the combined length of both lanes for campaignID.
func (q *Queue) Size(ctx context.Context, campaignID uuid.UUID) (int64, error) {
	pipe := q.rdb.Pipeline()
	normalLen := pipe.LLen(ctx, normalKey(campaignID))
	priorityLen := pipe.LLen(ctx, priorityKey(campaignID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue: size: %w", err)
	}
	return normalLen.Val() + priorityLen.Val(), nil
}

// Clear drops every queued entry for campaignID in both lanes.
func (q *Queue) Clear(ctx context.Context, campaignID uuid.UUID) error {
	if err := q.rdb.Del(ctx, normalKey(campaignID), priorityKey(campaignID)).Err(); err != nil {
		return fmt.Errorf("queue: clear: %w", err)
	}
	return nil
}
