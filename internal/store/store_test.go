package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/BaSui01/cartpilot/config"
	"github.com/BaSui01/cartpilot/internal/database"
	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := OpenRedis(context.Background(), RedisConfig{
		Addr:      mr.Addr(),
		KeyPrefix: "test:",
		TTL:       time.Hour,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func newGormStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "store.db")), &gorm.Config{})
	require.NoError(t, err)
	pool, err := database.NewPoolManager(db, database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, nil)
	require.NoError(t, err)

	s := NewGormStore(pool, nil)
	require.NoError(t, s.AutoMigrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func backends(t *testing.T) map[string]Store {
	redisStore, _ := newRedisStore(t)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  redisStore,
		"gorm":   newGormStore(t),
	}
}

func sampleRun() *RunRecord {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &RunRecord{
		SessionID:   "sess-1",
		Platform:    "amazon",
		Action:      "search",
		Model:       "gpt-4o",
		Temperature: 0.2,
		Status:      RunStatusRunning,
		StartedAt:   started,
	}
}

func sampleBatch() *BatchRecord {
	return &BatchRecord{
		BatchID:  "batch-1",
		Platform: "flipkart",
		Status:   BatchStatusRunning,
		Total:    2,
		Items: []ItemRecord{
			{Index: 0, ProductURL: "https://www.flipkart.com/p/1", Quantity: 1, Status: "in_progress"},
			{Index: 1, ProductURL: "https://www.flipkart.com/p/2", Quantity: 2, Color: "Black", Status: "pending"},
		},
		StartedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC),
	}
}

func assertSameTime(t *testing.T, want, got time.Time) {
	t.Helper()
	assert.True(t, want.Equal(got), "want %s got %s", want, got)
}

func TestStore_RunRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.GetRun(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			rec := sampleRun()
			require.NoError(t, s.SaveRun(ctx, rec))

			got, err := s.GetRun(ctx, rec.SessionID)
			require.NoError(t, err)
			assert.Equal(t, RunStatusRunning, got.Status)
			assert.Nil(t, got.Usage)
			assert.Nil(t, got.FinishedAt)
			assertSameTime(t, rec.StartedAt, got.StartedAt)

			// 覆盖写入
			finished := rec.StartedAt.Add(time.Minute)
			rec.Status = "success"
			rec.Result = "Found 3 products"
			rec.Steps = 4
			rec.Usage = &UsageRecord{InputTokens: 10, OutputTokens: 5, TotalTokens: 15, TotalCost: 0.01, Steps: 4}
			rec.FinishedAt = &finished
			require.NoError(t, s.SaveRun(ctx, rec))

			got, err = s.GetRun(ctx, rec.SessionID)
			require.NoError(t, err)
			assert.Equal(t, "success", got.Status)
			assert.Equal(t, "Found 3 products", got.Result)
			assert.Equal(t, 4, got.Steps)
			require.NotNil(t, got.Usage)
			assert.Equal(t, 15, got.Usage.TotalTokens)
			assert.InDelta(t, 0.01, got.Usage.TotalCost, 1e-9)
			require.NotNil(t, got.FinishedAt)
			assertSameTime(t, finished, *got.FinishedAt)
		})
	}
}

func TestStore_BatchRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.GetBatch(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			rec := sampleBatch()
			require.NoError(t, s.SaveBatch(ctx, rec))

			rec.Items[0].Status = "success"
			rec.Items[0].Message = "STOPPED: Maximum step limit (25) reached."
			rec.Items[0].Stopped = true
			rec.Items[1].Status = "failed"
			rec.Items[1].Error = "Currently unavailable"
			rec.Status = BatchStatusCompleted
			rec.Success, rec.Failed = 1, 1
			rec.Usage = UsageRecord{InputTokens: 30, OutputTokens: 15, TotalTokens: 45, TotalCost: 0.03, Steps: 9}
			require.NoError(t, s.SaveBatch(ctx, rec))

			got, err := s.GetBatch(ctx, rec.BatchID)
			require.NoError(t, err)
			assert.Equal(t, BatchStatusCompleted, got.Status)
			assert.Equal(t, 1, got.Success)
			assert.Equal(t, 1, got.Failed)
			assert.Equal(t, rec.Items, got.Items)
			assert.Equal(t, 45, got.Usage.TotalTokens)
			assert.Equal(t, 9, got.Usage.Steps)
			assertSameTime(t, rec.UpdatedAt, got.UpdatedAt)
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := sampleBatch()
	require.NoError(t, s.SaveBatch(ctx, rec))
	rec.Items[0].Status = "mutated"

	got, err := s.GetBatch(ctx, rec.BatchID)
	require.NoError(t, err)
	assert.Equal(t, "in_progress", got.Items[0].Status)

	got.Items[1].Status = "mutated"
	again, _ := s.GetBatch(ctx, rec.BatchID)
	assert.Equal(t, "pending", again.Items[1].Status)
}

func TestStore_Closed(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Ping(ctx))
			require.NoError(t, s.Close())
			assert.Error(t, s.Ping(ctx))
			assert.Error(t, s.SaveRun(ctx, sampleRun()))
		})
	}
}

func TestRedisStore_KeysAndTTL(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRun(ctx, sampleRun()))
	require.NoError(t, s.SaveBatch(ctx, sampleBatch()))

	assert.True(t, mr.Exists("test:run:sess-1"))
	assert.True(t, mr.Exists("test:batch:batch-1"))
	assert.Equal(t, time.Hour, mr.TTL("test:run:sess-1"))

	mr.FastForward(2 * time.Hour)
	_, err := s.GetRun(ctx, "sess-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_ConnectFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := OpenRedis(context.Background(), RedisConfig{Addr: addr}, nil)
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	cfg := config.DefaultConfig()
	s, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	mr := miniredis.RunT(t)
	cfg.Store.Backend = "redis"
	cfg.Redis.Addr = mr.Addr()
	s, err = Open(ctx, cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, s)
	require.NoError(t, s.Close())

	cfg.Store.Backend = "mongo"
	_, err = Open(ctx, cfg, nil)
	assert.Error(t, err)

	cfg.Store.Backend = "database"
	cfg.Database.Driver = "oracle"
	_, err = Open(ctx, cfg, nil)
	assert.Error(t, err)
}

func TestGormStore_Stats(t *testing.T) {
	s := newGormStore(t)
	require.NoError(t, s.Ping(context.Background()))
	assert.Equal(t, 1, s.Stats().MaxOpenConnections)
}
