// Package bus broadcasts registry changes between gateway instances so a
// registration on one instance is picked up by the others without waiting
// for the periodic refresh.
package bus

import (
	"context"

	"go.uber.org/zap"

	"github.com/CybercentreCanada/clue/internal/logging"
	"github.com/CybercentreCanada/clue/internal/redisclient"
	"github.com/CybercentreCanada/clue/internal/registry"
)

// DefaultStream is the Redis stream carrying registry events.
const DefaultStream = "clue:registry"

// RegistryEvent is one registry change.
type RegistryEvent struct {
	ID        string             `json:"id"`
	Kind      registry.EventKind `json:"kind"`
	Source    string             `json:"source"`
	Origin    string             `json:"origin"`
	Timestamp int64              `json:"timestamp"`
}

// Handler processes one event. A returned error leaves it unacknowledged.
type Handler func(ctx context.Context, event RegistryEvent) error

// Bus defines the interface for event bus implementations
type Bus interface {
	registry.Notifier

	// Subscribe blocks, delivering events from other instances to handler
	// until ctx is done.
	Subscribe(ctx context.Context, handler Handler) error

	// HealthCheck performs a health check on the bus connection
	HealthCheck(ctx context.Context) error

	// Close closes the bus connection
	Close() error
}

// NewBus connects to redisURL. If redisURL is empty or unreachable it
// returns a NullBus.
func NewBus(ctx context.Context, redisURL, instance string, logger *zap.Logger) Bus {
	logger = logging.OrNop(logger).Named("bus")
	if redisURL == "" {
		return NewNullBus(logger)
	}

	client, err := redisclient.Connect(ctx, redisURL)
	if err != nil {
		logger.Warn("registry events disabled", zap.Error(err))
		return NewNullBus(logger)
	}
	return NewRedisBus(client, DefaultStream, instance, logger)
}
