package store

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/cartpilot/config"
	"github.com/BaSui01/cartpilot/internal/database"
	"go.uber.org/zap"
)

// Open 按配置创建存储后端
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Store.Backend {
	case "", "memory":
		logger.Info("using in-memory record store")
		return NewMemoryStore(), nil

	case "redis":
		return OpenRedis(ctx, RedisConfig{
			Addr:                cfg.Redis.Addr,
			Password:            cfg.Redis.Password,
			DB:                  cfg.Redis.DB,
			PoolSize:            cfg.Redis.PoolSize,
			MinIdleConns:        cfg.Redis.MinIdleConns,
			TTL:                 cfg.Store.TTL,
			KeyPrefix:           cfg.Store.KeyPrefix,
			HealthCheckInterval: 30 * time.Second,
		}, logger)

	case "database":
		pool, err := database.Open(cfg.Database.Driver, cfg.Database.DSN(), database.PoolConfig{
			MaxOpenConns:        cfg.Database.MaxOpenConns,
			MaxIdleConns:        cfg.Database.MaxIdleConns,
			ConnMaxLifetime:     cfg.Database.ConnMaxLifetime,
			HealthCheckInterval: 30 * time.Second,
		}, logger)
		if err != nil {
			return nil, err
		}
		s := NewGormStore(pool, logger)
		// postgres/mysql 由 `cartpilot migrate up` 建表
		if cfg.Database.Driver == "sqlite" {
			if err := s.AutoMigrate(ctx); err != nil {
				_ = s.Close()
				return nil, fmt.Errorf("auto-migrate sqlite store: %w", err)
			}
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}
}
