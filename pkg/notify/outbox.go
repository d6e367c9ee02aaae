package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryOutbox keeps pending notifications in process memory.
type MemoryOutbox struct {
	mu      sync.Mutex
	pending map[string][]Message
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{pending: make(map[string][]Message)}
}

func (o *MemoryOutbox) Append(_ context.Context, runnerID string, msg Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending[runnerID] = append(o.pending[runnerID], msg)
	return nil
}

func (o *MemoryOutbox) Pending(_ context.Context, runnerID string) ([]Message, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Message(nil), o.pending[runnerID]...), nil
}

func (o *MemoryOutbox) Ack(_ context.Context, runnerID, deliveryID string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	items := o.pending[runnerID]
	for idx, msg := range items {
		if msg.DeliveryID == deliveryID {
			o.pending[runnerID] = append(items[:idx], items[idx+1:]...)
			if len(o.pending[runnerID]) == 0 {
				delete(o.pending, runnerID)
			}
			return true, nil
		}
	}
	return false, nil
}

// DefaultOutboxTTL bounds how long unacknowledged notifications are kept in Redis.
const DefaultOutboxTTL = 24 * time.Hour

// RedisOutbox stores pending notifications as a per-runner list of delivery
// ids plus a hash of message payloads.
type RedisOutbox struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisOutbox(client *redis.Client, ttl time.Duration) *RedisOutbox {
	if ttl <= 0 {
		ttl = DefaultOutboxTTL
	}
	return &RedisOutbox{redis: client, ttl: ttl}
}

func outboxListKey(runnerID string) string {
	return fmt.Sprintf("notify:outbox:%s", runnerID)
}

func outboxHashKey(runnerID string) string {
	return fmt.Sprintf("notify:outbox:%s:messages", runnerID)
}

func (o *RedisOutbox) Append(ctx context.Context, runnerID string, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	listKey, hashKey := outboxListKey(runnerID), outboxHashKey(runnerID)
	_, err = o.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, hashKey, msg.DeliveryID, payload)
		pipe.RPush(ctx, listKey, msg.DeliveryID)
		pipe.Expire(ctx, hashKey, o.ttl)
		pipe.Expire(ctx, listKey, o.ttl)
		return nil
	})
	return err
}

func (o *RedisOutbox) Pending(ctx context.Context, runnerID string) ([]Message, error) {
	ids, err := o.redis.LRange(ctx, outboxListKey(runnerID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	values, err := o.redis.HMGet(ctx, outboxHashKey(runnerID), ids...).Result()
	if err != nil {
		return nil, err
	}
	messages := make([]Message, 0, len(values))
	for idx, value := range values {
		raw, ok := value.(string)
		if !ok {
			// Payload expired or was acked concurrently.
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("decode outbox entry %s: %w", ids[idx], err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (o *RedisOutbox) Ack(ctx context.Context, runnerID, deliveryID string) (bool, error) {
	var removed *redis.IntCmd
	_, err := o.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.LRem(ctx, outboxListKey(runnerID), 1, deliveryID)
		pipe.HDel(ctx, outboxHashKey(runnerID), deliveryID)
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}
