package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultStreamMaxLen = 100000

// RedisEventBus appends events to a single Redis stream
type RedisEventBus struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

func NewRedisEventBus(redisAddr, redisPassword string, db int, stream string, logger *zap.Logger) (*RedisEventBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        redisAddr,
		Password:    redisPassword,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis event bus connected", zap.String("addr", redisAddr), zap.String("stream", stream))

	return &RedisEventBus{
		client: client,
		stream: stream,
		maxLen: defaultStreamMaxLen,
		logger: logger,
	}, nil
}

// Publish appends one entry to the stream using XADD with an approximate length cap
func (r *RedisEventBus) Publish(ctx context.Context, eventType string, event interface{}) error {
	values, err := encodeEvent(eventType, event)
	if err != nil {
		return err
	}

	id, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", eventType, err)
	}

	r.logger.Debug("Event published",
		zap.String("type", eventType),
		zap.String("stream", r.stream),
		zap.String("msg_id", id))
	return nil
}

func (r *RedisEventBus) Close() error {
	return r.client.Close()
}

// encodeEvent builds the stream entry fields: event id, type and JSON payload
func encodeEvent(eventType string, event interface{}) (map[string]interface{}, error) {
	if eventType == "" {
		return nil, fmt.Errorf("event type is required")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", eventType, err)
	}
	return map[string]interface{}{
		"event_id": uuid.NewString(),
		"type":     eventType,
		"payload":  string(data),
	}, nil
}
