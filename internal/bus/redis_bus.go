package bus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/CybercentreCanada/clue/internal/logging"
	"github.com/CybercentreCanada/clue/internal/registry"
)

// streamMaxLen bounds the event stream; events are only hints to refresh.
const streamMaxLen = 1000

// RedisBus provides Redis Streams-based registry events.
type RedisBus struct {
	client   *redis.Client
	stream   string
	instance string
	logger   *zap.Logger

	// readBlock and retryDelay are shortened in tests.
	readBlock  time.Duration
	retryDelay time.Duration
}

// NewRedisBus builds a bus on client. instance identifies this process; it
// names the consumer group so every instance receives every event. An empty
// instance gets a random id.
func NewRedisBus(client *redis.Client, stream, instance string, logger *zap.Logger) *RedisBus {
	if stream == "" {
		stream = DefaultStream
	}
	if instance == "" {
		instance = uuid.NewString()
	}
	return &RedisBus{
		client:     client,
		stream:     stream,
		instance:   instance,
		logger:     logging.OrNop(logger),
		readBlock:  time.Second,
		retryDelay: 5 * time.Second,
	}
}

// Close closes the Redis connection
func (rb *RedisBus) Close() error {
	return rb.client.Close()
}

// NotifyRegistry appends a registry event to the stream.
func (rb *RedisBus) NotifyRegistry(ctx context.Context, kind registry.EventKind, name string) error {
	fields := map[string]interface{}{
		"kind":      string(kind),
		"source":    name,
		"origin":    rb.instance,
		"timestamp": time.Now().UnixMilli(),
	}

	err := rb.client.XAdd(ctx, &redis.XAddArgs{
		Stream: rb.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: fields,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish registry event: %w", err)
	}

	rb.logger.Debug("published registry event", zap.String("event", string(kind)), zap.String("source", name))
	return nil
}

func (rb *RedisBus) group() string {
	return "clue-" + rb.instance
}

// ensureGroup creates this instance's consumer group if it doesn't exist.
// New groups start at the end of the stream.
func (rb *RedisBus) ensureGroup(ctx context.Context) error {
	err := rb.client.XGroupCreateMkStream(ctx, rb.stream, rb.group(), "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s for stream %s: %w", rb.group(), rb.stream, err)
	}
	return nil
}

// Subscribe reads events published by other instances. Events this instance
// published are acknowledged without calling handler.
func (rb *RedisBus) Subscribe(ctx context.Context, handler Handler) error {
	if err := rb.ensureGroup(ctx); err != nil {
		return err
	}
	rb.logger.Info("listening for registry events", zap.String("stream", rb.stream), zap.String("group", rb.group()))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		result, err := rb.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    rb.group(),
			Consumer: rb.instance,
			Streams:  []string{rb.stream, ">"},
			Count:    10,
			Block:    rb.readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rb.logger.Warn("error reading registry events", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(rb.retryDelay):
			}
			continue
		}

		for _, stream := range result {
			for _, message := range stream.Messages {
				event := decodeEvent(message)
				if event.Origin != rb.instance {
					if err := handler(ctx, event); err != nil {
						rb.logger.Warn("error handling registry event", zap.String("id", message.ID), zap.Error(err))
						continue
					}
				}
				if err := rb.client.XAck(ctx, stream.Stream, rb.group(), message.ID).Err(); err != nil {
					rb.logger.Warn("error acknowledging registry event", zap.String("id", message.ID), zap.Error(err))
				}
			}
		}
	}
}

func decodeEvent(message redis.XMessage) RegistryEvent {
	field := func(key string) string {
		s, _ := message.Values[key].(string)
		return s
	}
	event := RegistryEvent{
		ID:     message.ID,
		Kind:   registry.EventKind(field("kind")),
		Source: field("source"),
		Origin: field("origin"),
	}
	if ts, err := strconv.ParseInt(field("timestamp"), 10, 64); err == nil {
		event.Timestamp = ts
	}
	return event
}

// HealthCheck performs a health check on the Redis connection
func (rb *RedisBus) HealthCheck(ctx context.Context) error {
	return rb.client.Ping(ctx).Err()
}
