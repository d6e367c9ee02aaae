package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel shared by all hub instances.
const DefaultChannel = "notify:runners"

// NewRedisClient connects to redisURL and verifies the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

type envelope struct {
	RunnerID string  `json:"runner_id"`
	Message  Message `json:"message"`
}

// RedisBackplane relays notifications through Redis pub/sub so a runner
// connected to any instance receives them.
type RedisBackplane struct {
	redis   *redis.Client
	channel string
	logger  Logger
}

func NewRedisBackplane(client *redis.Client, channel string, logger Logger) *RedisBackplane {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &RedisBackplane{redis: client, channel: channel, logger: logger}
}

func (b *RedisBackplane) Publish(ctx context.Context, runnerID string, msg Message) error {
	payload, err := json.Marshal(envelope{RunnerID: runnerID, Message: msg})
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, b.channel, payload).Err()
}

// Run subscribes to the channel and delivers each message locally until ctx ends.
func (b *RedisBackplane) Run(ctx context.Context, deliver func(runnerID string, msg Message)) error {
	pubsub := b.redis.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(raw.Payload), &env); err != nil {
				b.logger.Error("decode backplane message", "error", err)
				continue
			}
			deliver(env.RunnerID, env.Message)
		}
	}
}
