package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// =============================================================================
// 💾 Redis 存储
// =============================================================================

// RedisConfig Redis 存储配置
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	// 记录过期时间，0 表示不过期
	TTL time.Duration
	// 键前缀
	KeyPrefix string
	// 健康检查间隔，0 表示关闭
	HealthCheckInterval time.Duration
}

// RedisStore 以 JSON 形式把记录写入 Redis
type RedisStore struct {
	client *redis.Client
	config RedisConfig
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
}

// OpenRedis 连接 Redis 并创建存储
func OpenRedis(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStore(client, cfg, logger), nil
}

// NewRedisStore 用已有客户端创建存储
func NewRedisStore(client *redis.Client, cfg RedisConfig, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &RedisStore{
		client: client,
		config: cfg,
		logger: logger.With(zap.String("component", "redis_store")),
		stop:   make(chan struct{}),
	}
	if cfg.HealthCheckInterval > 0 {
		go s.healthCheckLoop()
	}

	s.logger.Info("redis store initialized",
		zap.String("addr", cfg.Addr),
		zap.String("key_prefix", cfg.KeyPrefix),
		zap.Duration("ttl", cfg.TTL))
	return s
}

func (s *RedisStore) runKey(id string) string   { return s.config.KeyPrefix + "run:" + id }
func (s *RedisStore) batchKey(id string) string { return s.config.KeyPrefix + "batch:" + id }

// SaveRun 保存运行记录
func (s *RedisStore) SaveRun(ctx context.Context, rec *RunRecord) error {
	return s.setJSON(ctx, s.runKey(rec.SessionID), rec)
}

// GetRun 读取运行记录
func (s *RedisStore) GetRun(ctx context.Context, sessionID string) (*RunRecord, error) {
	var rec RunRecord
	if err := s.getJSON(ctx, s.runKey(sessionID), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveBatch 保存批量记录
func (s *RedisStore) SaveBatch(ctx context.Context, rec *BatchRecord) error {
	return s.setJSON(ctx, s.batchKey(rec.BatchID), rec)
}

// GetBatch 读取批量记录
func (s *RedisStore) GetBatch(ctx context.Context, batchID string) (*BatchRecord, error) {
	var rec BatchRecord
	if err := s.getJSON(ctx, s.batchKey(batchID), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisStore) setJSON(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	if err := s.client.Set(ctx, key, data, s.config.TTL).Err(); err != nil {
		s.logger.Error("redis set failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (s *RedisStore) getJSON(ctx context.Context, key string, dest any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		s.logger.Error("redis get failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("redis get failed: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return nil
}

// Ping 检查 Redis 连接
func (s *RedisStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.client.Ping(ctx).Err()
}

// Close 关闭客户端
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stop)
	s.logger.Info("closing redis store")
	return s.client.Close()
}

func (s *RedisStore) healthCheckLoop() {
	ticker := time.NewTicker(s.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.Ping(ctx); err != nil && !errors.Is(err, ErrClosed) {
			s.logger.Error("redis health check failed", zap.Error(err))
		}
		cancel()
	}
}
