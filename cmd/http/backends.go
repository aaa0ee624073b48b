package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/hilthontt/ephemera/internal/application/coordinator"
	"github.com/hilthontt/ephemera/internal/domain"
	"github.com/hilthontt/ephemera/internal/infrastructure/configs"
	"github.com/hilthontt/ephemera/internal/infrastructure/eventbus"
	"github.com/hilthontt/ephemera/internal/infrastructure/events"
	"github.com/hilthontt/ephemera/internal/infrastructure/logging"
	"github.com/hilthontt/ephemera/internal/infrastructure/messaging"
	"github.com/hilthontt/ephemera/internal/infrastructure/repository"
	"github.com/hilthontt/ephemera/internal/infrastructure/tracing"
	"github.com/hilthontt/ephemera/internal/presentation/api"
	"github.com/hilthontt/ephemera/internal/presentation/handler/health"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// backends holds the external services picked by configuration. close runs
// in shutdown order.
type backends struct {
	redis    *redis.Client
	store    domain.RoomStore
	bus      eventbus.Bus
	notifier coordinator.Notifier
	checks   map[string]health.Check
	close    []api.ShutdownHook
}

func connectBackends(cfg *configs.Config, logger logging.Logger) (*backends, error) {
	b := &backends{
		notifier: events.NopPublisher{},
		checks:   map[string]health.Check{},
	}

	if cfg.Store.Driver == configs.DriverRedis || cfg.Bus.Driver == configs.DriverRedis || cfg.RateLimiter.Shared {
		b.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := b.redis.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("connect redis at %s: %w", cfg.Redis.Addr, err)
		}
		b.checks["redis"] = func(ctx context.Context) error {
			return b.redis.Ping(ctx).Err()
		}
		logger.Info(logging.Redis, logging.Startup, "Connected to redis", map[logging.ExtraKey]any{
			logging.HostIp: cfg.Redis.Addr,
		})
	}

	switch cfg.Store.Driver {
	case configs.DriverRedis:
		b.store = repository.NewRedisRoomStore(b.redis, tracing.GetTracer("repository"),
			repository.WithRetention(cfg.Rooms.MessageRetention))
	default:
		b.store = repository.NewMemoryRoomStore(repository.WithRetention(cfg.Rooms.MessageRetention))
	}

	switch cfg.Bus.Driver {
	case configs.DriverRedis:
		b.bus = eventbus.NewRedisBus(b.redis)
	case configs.DriverNats:
		nc, err := eventbus.ConnectNats(cfg.Nats.URL, cfg.Nats.Name)
		if err != nil {
			return nil, err
		}
		b.checks["nats"] = func(context.Context) error {
			if status := nc.Status(); status != nats.CONNECTED {
				return fmt.Errorf("nats is %s", status)
			}
			return nil
		}
		b.bus = eventbus.NewNatsBus(nc)
		logger.Info(logging.Nats, logging.Startup, "Connected to nats", map[logging.ExtraKey]any{
			logging.HostIp: cfg.Nats.URL,
		})
	default:
		b.bus = eventbus.NewMemoryBus()
	}
	b.close = append(b.close, func(context.Context) error { return b.bus.Close() })

	if cfg.RabbitMQ.Enabled {
		rabbit, err := messaging.NewRabbitMQ(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("connect rabbitmq: %w", err), b.bus.Close())
		}
		b.notifier = events.NewRoomPublisher(rabbit)
		b.close = append(b.close, func(context.Context) error {
			rabbit.Close()
			return nil
		})
		logger.Info(logging.RabbitMQ, logging.Startup, "Publishing room lifecycle to rabbitmq", map[logging.ExtraKey]any{
			logging.Topic: cfg.RabbitMQ.Exchange,
		})
	}

	if b.redis != nil {
		b.close = append(b.close, func(context.Context) error { return b.redis.Close() })
	}
	return b, nil
}
