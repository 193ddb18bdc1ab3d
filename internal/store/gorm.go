package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/cartpilot/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 表结构与 internal/migration 中的 SQL 保持一致

type runRow struct {
	SessionID    string `gorm:"primaryKey;size:128"`
	Platform     string `gorm:"size:32"`
	Action       string `gorm:"size:32"`
	Model        string `gorm:"size:64"`
	Temperature  float64
	Status       string `gorm:"size:32;index"`
	Result       string `gorm:"type:text"`
	Error        string `gorm:"type:text"`
	Steps        int
	HasUsage     bool
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	TotalCost    float64
	StartedAt    time.Time
	FinishedAt   *time.Time
}

func (runRow) TableName() string { return "runs" }

type batchRow struct {
	BatchID      string `gorm:"primaryKey;size:128"`
	Platform     string `gorm:"size:32"`
	Status       string `gorm:"size:32"`
	Total        int
	Success      int
	Failed       int
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	TotalCost    float64
	TotalSteps   int
	StartedAt    time.Time
	UpdatedAt    time.Time `gorm:"autoUpdateTime:false"`
}

func (batchRow) TableName() string { return "batches" }

type batchItemRow struct {
	BatchID    string `gorm:"primaryKey;size:128"`
	ItemIndex  int    `gorm:"primaryKey"`
	ProductURL string `gorm:"type:text"`
	Quantity   int
	Color      string `gorm:"size:64"`
	Status     string `gorm:"size:32"`
	Message    string `gorm:"type:text"`
	Error      string `gorm:"type:text"`
	Stopped    bool   `gorm:"not null;default:false"`
}

func (batchItemRow) TableName() string { return "batch_items" }

// GormStore 基于关系数据库的存储
type GormStore struct {
	pool       *database.PoolManager
	maxRetries int
	logger     *zap.Logger
}

// NewGormStore 用连接池创建存储
func NewGormStore(pool *database.PoolManager, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{
		pool:       pool,
		maxRetries: 3,
		logger:     logger.With(zap.String("component", "gorm_store")),
	}
}

// AutoMigrate 按模型建表，用于未执行迁移的 sqlite 部署与测试
func (s *GormStore) AutoMigrate(ctx context.Context) error {
	return s.pool.DB().WithContext(ctx).AutoMigrate(&runRow{}, &batchRow{}, &batchItemRow{})
}

// SaveRun 保存运行记录
func (s *GormStore) SaveRun(ctx context.Context, rec *RunRecord) error {
	row := runRow{
		SessionID:   rec.SessionID,
		Platform:    rec.Platform,
		Action:      rec.Action,
		Model:       rec.Model,
		Temperature: rec.Temperature,
		Status:      rec.Status,
		Result:      rec.Result,
		Error:       rec.Error,
		Steps:       rec.Steps,
		StartedAt:   rec.StartedAt,
		FinishedAt:  rec.FinishedAt,
	}
	if u := rec.Usage; u != nil {
		row.HasUsage = true
		row.InputTokens, row.OutputTokens, row.TotalTokens, row.TotalCost = u.InputTokens, u.OutputTokens, u.TotalTokens, u.TotalCost
	}

	err := s.pool.WithTransactionRetry(ctx, s.maxRetries, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	})
	if err != nil {
		return fmt.Errorf("save run %s: %w", rec.SessionID, err)
	}
	return nil
}

// GetRun 读取运行记录
func (s *GormStore) GetRun(ctx context.Context, sessionID string) (*RunRecord, error) {
	var row runRow
	err := s.pool.DB().WithContext(ctx).Where("session_id = ?", sessionID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", sessionID, err)
	}

	rec := &RunRecord{
		SessionID:   row.SessionID,
		Platform:    row.Platform,
		Action:      row.Action,
		Model:       row.Model,
		Temperature: row.Temperature,
		Status:      row.Status,
		Result:      row.Result,
		Error:       row.Error,
		Steps:       row.Steps,
		StartedAt:   row.StartedAt,
		FinishedAt:  row.FinishedAt,
	}
	if row.HasUsage {
		rec.Usage = &UsageRecord{
			InputTokens:  row.InputTokens,
			OutputTokens: row.OutputTokens,
			TotalTokens:  row.TotalTokens,
			TotalCost:    row.TotalCost,
			Steps:        row.Steps,
		}
	}
	return rec, nil
}

// SaveBatch 在一个事务中写入批量记录及全部条目
func (s *GormStore) SaveBatch(ctx context.Context, rec *BatchRecord) error {
	row := batchRow{
		BatchID:      rec.BatchID,
		Platform:     rec.Platform,
		Status:       rec.Status,
		Total:        rec.Total,
		Success:      rec.Success,
		Failed:       rec.Failed,
		InputTokens:  rec.Usage.InputTokens,
		OutputTokens: rec.Usage.OutputTokens,
		TotalTokens:  rec.Usage.TotalTokens,
		TotalCost:    rec.Usage.TotalCost,
		TotalSteps:   rec.Usage.Steps,
		StartedAt:    rec.StartedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
	items := make([]batchItemRow, len(rec.Items))
	for i, it := range rec.Items {
		items[i] = batchItemRow{
			BatchID:    rec.BatchID,
			ItemIndex:  it.Index,
			ProductURL: it.ProductURL,
			Quantity:   it.Quantity,
			Color:      it.Color,
			Status:     it.Status,
			Message:    it.Message,
			Error:      it.Error,
			Stopped:    it.Stopped,
		}
	}

	err := s.pool.WithTransactionRetry(ctx, s.maxRetries, func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&items).Error
	})
	if err != nil {
		return fmt.Errorf("save batch %s: %w", rec.BatchID, err)
	}
	return nil
}

// GetBatch 读取批量记录，条目按 index 排序
func (s *GormStore) GetBatch(ctx context.Context, batchID string) (*BatchRecord, error) {
	db := s.pool.DB().WithContext(ctx)

	var row batchRow
	err := db.Where("batch_id = ?", batchID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", batchID, err)
	}

	var items []batchItemRow
	if err := db.Where("batch_id = ?", batchID).Order("item_index").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("get batch items %s: %w", batchID, err)
	}

	rec := &BatchRecord{
		BatchID:  row.BatchID,
		Platform: row.Platform,
		Status:   row.Status,
		Total:    row.Total,
		Success:  row.Success,
		Failed:   row.Failed,
		Items:    make([]ItemRecord, len(items)),
		Usage: UsageRecord{
			InputTokens:  row.InputTokens,
			OutputTokens: row.OutputTokens,
			TotalTokens:  row.TotalTokens,
			TotalCost:    row.TotalCost,
			Steps:        row.TotalSteps,
		},
		StartedAt: row.StartedAt,
		UpdatedAt: row.UpdatedAt,
	}
	for i, it := range items {
		rec.Items[i] = ItemRecord{
			Index:      it.ItemIndex,
			ProductURL: it.ProductURL,
			Quantity:   it.Quantity,
			Color:      it.Color,
			Status:     it.Status,
			Message:    it.Message,
			Error:      it.Error,
			Stopped:    it.Stopped,
		}
	}
	return rec, nil
}

// Ping 检查数据库连接
func (s *GormStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close 关闭连接池
func (s *GormStore) Close() error { return s.pool.Close() }

// Stats 返回连接池统计，供 db_connections 指标采样
func (s *GormStore) Stats() sql.DBStats { return s.pool.Stats() }
