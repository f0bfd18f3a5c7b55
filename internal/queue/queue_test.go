package queue

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) (*Queue, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb), func() {
		_ = rdb.Close()
		mr.Close()
	}
}

func TestPushBackAndPopFrontPreservesOrder(t *testing.T) {
	q, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()
	campaignID := uuid.New()

	first := Entry{CampaignID: campaignID, Number: "1", CallID: uuid.New()}
	second := Entry{CampaignID: campaignID, Number: "2", CallID: uuid.New()}

	if err := q.PushBack(ctx, first); err != nil {
		t.Fatalf("push first: %v", err)
	}
	if err := q.PushBack(ctx, second); err != nil {
		t.Fatalf("push second: %v", err)
	}

	out, err := q.PopFrontN(ctx, campaignID, 2)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if len(out) != 2 || out[0].Number != "1" || out[1].Number != "2" {
		t.Fatalf("expected FIFO order [1, 2], got %+v", out)
	}
}

func TestPopFrontNReturnsFewerWhenQueueShort(t *testing.T) {
	q, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()
	campaignID := uuid.New()

	if err := q.PushBack(ctx, Entry{CampaignID: campaignID, Number: "1", CallID: uuid.New()}); err != nil {
		t.Fatalf("push: %v", err)
	}

	out, err := q.PopFrontN(ctx, campaignID, 5)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(out))
	}
}

func TestPriorityLaneDrainsBeforeNormalLane(t *testing.T) {
	q, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()
	campaignID := uuid.New()

	if err := q.PushBack(ctx, Entry{CampaignID: campaignID, Number: "normal", CallID: uuid.New()}); err != nil {
		t.Fatalf("push normal: %v", err)
	}
	if err := q.PushPriority(ctx, Entry{CampaignID: campaignID, Number: "priority", CallID: uuid.New()}); err != nil {
		t.Fatalf("push priority: %v", err)
	}

	out, err := q.PopFrontN(ctx, campaignID, 1)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if len(out) != 1 || out[0].Number != "priority" {
		t.Fatalf("expected priority entry first, got %+v", out)
	}
}

func TestSizeCountsBothLanes(t *testing.T) {
	q, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()
	campaignID := uuid.New()

	_ = q.PushBack(ctx, Entry{CampaignID: campaignID, Number: "1", CallID: uuid.New()})
	_ = q.PushPriority(ctx, Entry{CampaignID: campaignID, Number: "2", CallID: uuid.New()})

	size, err := q.Size(ctx, campaignID)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 2 {
		t.Errorf("expected size 2, got %d", size)
	}
}

func TestClearEmptiesBothLanes(t *testing.T) {
	q, cleanup := newTestQueue(t)
	defer cleanup()
	ctx := context.Background()
	campaignID := uuid.New()

	_ = q.PushBack(ctx, Entry{CampaignID: campaignID, Number: "1", CallID: uuid.New()})
	_ = q.PushPriority(ctx, Entry{CampaignID: campaignID, Number: "2", CallID: uuid.New()})

	if err := q.Clear(ctx, campaignID); err != nil {
		t.Fatalf("clear: %v", err)
	}

	size, err := q.Size(ctx, campaignID)
	if err != nil {
		t.Fatalf("size after clear: %v", err)
	}
	if size != 0 {
		t.Errorf("expected size 0 after clear, got %d", size)
	}
}
