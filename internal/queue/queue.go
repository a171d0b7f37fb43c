// Package queue hands work items to background processors. Variant request
// intake uses it to kick off the review workflow without blocking the write.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// WorkItem is one unit of deferred work.
type WorkItem struct {
	Type      string          `json:"type"`
	EntityID  uuid.UUID       `json:"entityId"`
	CreatedAt time.Time       `json:"createdAt"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Work item types.
const (
	WorkItemVariantRequestReview = "variant_request_review"
)

// Enqueuer accepts work items. Producers treat failures as non-fatal: the
// originating write has already committed.
type Enqueuer interface {
	Enqueue(ctx context.Context, item WorkItem) error
}

// Redis is a Redis-list backed queue. LPUSH here, BRPOP in the processor.
type Redis struct {
	client *redis.Client
	key    string
}

func NewRedis(client *redis.Client, key string) *Redis {
	if key == "" {
		key = "custodia:workitems"
	}
	return &Redis{client: client, key: key}
}

func (q *Redis) Enqueue(ctx context.Context, item WorkItem) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("enqueue work item: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next work item. A zero timeout blocks
// indefinitely.
func (q *Redis) Dequeue(ctx context.Context, timeout time.Duration) (*WorkItem, error) {
	res, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue work item: %w", err)
	}
	// BRPOP returns [key, value].
	var item WorkItem
	if err := json.Unmarshal([]byte(res[1]), &item); err != nil {
		return nil, fmt.Errorf("unmarshal work item: %w", err)
	}
	return &item, nil
}

// Nop discards every work item; used when no queue is configured.
type Nop struct{}

func (Nop) Enqueue(context.Context, WorkItem) error { return nil }
