package repositories

import (
	"context"
	"time"

	"returnfeed/internal/core/ports"
	"returnfeed/internal/infrastructure/reliability"
	"returnfeed/internal/infrastructure/repositories/memory"
	redisrepo "returnfeed/internal/infrastructure/repositories/redis"
	"returnfeed/pkg/circuitbreaker"
	"returnfeed/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// stateCacheTTL bounds read staleness for writes made by other relay
// instances.
const stateCacheTTL = 2 * time.Second

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory creates a new repository factory. When Redis is
// enabled but unreachable the factory falls back to memory repositories
// so the relay still comes up for a single-node deployment.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory, nil
}

// CreateStateRepository creates a session state repository. The Redis
// variant is stacked behind a circuit breaker with a memory shadow and
// a short read-through cache; the memory variant is used as-is.
func (f *RepositoryFactory) CreateStateRepository() ports.SessionStateRepository {
	if f.useRedis && f.redisClient != nil {
		primary := redisrepo.NewRedisStateRepository(f.redisClient)
		guarded := reliability.NewStateRepository(
			primary,
			memory.NewMemoryStateRepository(),
			circuitbreaker.DefaultSettings(),
			f.logger,
		)
		return NewCachedStateRepository(guarded, stateCacheTTL)
	}
	return memory.NewMemoryStateRepository()
}

// RedisClient exposes the shared client for components that ride the
// same connection, like the cross-instance broadcast relay. Nil when
// running on memory repositories.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if !f.useRedis {
		return nil
	}
	return f.redisClient
}

// Close closes the Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
