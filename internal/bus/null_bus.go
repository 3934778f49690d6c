package bus

import (
	"context"

	"go.uber.org/zap"

	"github.com/CybercentreCanada/clue/internal/logging"
	"github.com/CybercentreCanada/clue/internal/registry"
)

// NullBus is a no-op implementation of the bus interface for when Redis is disabled
type NullBus struct {
	logger *zap.Logger
}

func NewNullBus(logger *zap.Logger) *NullBus {
	return &NullBus{logger: logging.OrNop(logger)}
}

func (nb *NullBus) Close() error {
	return nil
}

// NotifyRegistry logs the event but doesn't publish it.
func (nb *NullBus) NotifyRegistry(_ context.Context, kind registry.EventKind, name string) error {
	nb.logger.Debug("would publish registry event (redis disabled)",
		zap.String("event", string(kind)), zap.String("source", name))
	return nil
}

// Subscribe blocks until ctx is done.
func (nb *NullBus) Subscribe(ctx context.Context, _ Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (nb *NullBus) HealthCheck(context.Context) error {
	return nil
}
