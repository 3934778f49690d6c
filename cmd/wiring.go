package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/CybercentreCanada/clue/internal/bus"
	"github.com/CybercentreCanada/clue/internal/config"
	"github.com/CybercentreCanada/clue/internal/quota"
	"github.com/CybercentreCanada/clue/internal/redisclient"
	"github.com/CybercentreCanada/clue/internal/registry"
)

// shared is the state gateway instances share through Redis, or its
// in-memory stand-in when no Redis is configured.
type shared struct {
	client  *redis.Client
	tracker quota.Tracker
	set     registry.SetStore
	bus     bus.Bus
}

func (s *shared) Close() {
	if s.bus != nil {
		s.bus.Close()
	} else if s.client != nil {
		s.client.Close()
	}
}

// openShared connects to Redis when configured. withBus also opens the
// registry event stream.
func openShared(ctx context.Context, cfg config.Config, withBus bool, logger *zap.Logger) (*shared, error) {
	if cfg.Redis.URL == "" {
		logger.Warn("no Redis configured; quotas and registered sources are local to this process")
		s := &shared{
			tracker: quota.NewMemoryTracker(cfg.Quota.TTL),
			set:     registry.NewMemorySet(),
		}
		if withBus {
			s.bus = bus.NewNullBus(logger)
		}
		return s, nil
	}

	client, err := redisclient.Connect(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	s := &shared{
		client:  client,
		tracker: quota.NewRedisTracker(client, cfg.Quota.TTL, logger),
		set:     registry.NewRedisSet(client, cfg.Registry.SetKey),
	}
	if withBus {
		s.bus = bus.NewRedisBus(client, cfg.Registry.Stream, instanceName(), logger)
	}
	return s, nil
}

// openRegistry builds the registry over the shared set and loads it.
func openRegistry(ctx context.Context, cfg config.Config, s *shared, logger *zap.Logger) (*registry.Registry, error) {
	engine, err := cfg.ClassificationEngine()
	if err != nil {
		return nil, err
	}
	opts := registry.Options{
		Engine:  engine,
		Ceiling: cfg.Classification.Ceiling,
		Store:   s.set,
		Logger:  logger,
	}
	if s.bus != nil {
		opts.Notifier = s.bus
	}
	reg, err := registry.New(opts, cfg.Sources)
	if err != nil {
		return nil, fmt.Errorf("failed to build registry: %w", err)
	}
	if err := reg.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("failed to load registered sources: %w", err)
	}
	return reg, nil
}

// instanceName identifies this process on the registry stream.
func instanceName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "clue"
	}
	return host + "-" + uuid.NewString()[:8]
}
