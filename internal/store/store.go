// Package store 持久化运行记录与批量订单记录。
//
// 提供 memory、redis、database 三种后端，均实现 Store 接口。
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("store: record not found")
	// ErrClosed 存储已关闭
	ErrClosed = errors.New("store: closed")
)

// 运行记录状态。结束状态与 runner 的状态标签一致。
const (
	RunStatusRunning = "running"
)

// 批量记录状态
const (
	BatchStatusRunning   = "running"
	BatchStatusCompleted = "completed"
	BatchStatusAborted   = "aborted"
)

// UsageRecord token 与费用统计
type UsageRecord struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	TotalCost    float64 `json:"total_cost"`
	Steps        int     `json:"steps"`
}

// RunRecord 单次运行记录
type RunRecord struct {
	SessionID   string       `json:"session_id"`
	Platform    string       `json:"platform"`
	Action      string       `json:"action"`
	Model       string       `json:"model,omitempty"`
	Temperature float64      `json:"temperature"`
	Status      string       `json:"status"`
	Result      string       `json:"result,omitempty"`
	Error       string       `json:"error,omitempty"`
	Steps       int          `json:"steps"`
	Usage       *UsageRecord `json:"usage,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty"`
}

// ItemRecord 批量订单中单个商品的状态
type ItemRecord struct {
	Index      int    `json:"index"`
	ProductURL string `json:"product_url"`
	Quantity   int    `json:"quantity"`
	Color      string `json:"color,omitempty"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
	// Stopped 表示条目运行被步数上限强制结束
	Stopped bool `json:"stopped,omitempty"`
}

// BatchRecord 批量订单记录
type BatchRecord struct {
	BatchID   string       `json:"batch_id"`
	Platform  string       `json:"platform"`
	Status    string       `json:"status"`
	Total     int          `json:"total"`
	Success   int          `json:"success"`
	Failed    int          `json:"failed"`
	Items     []ItemRecord `json:"items"`
	Usage     UsageRecord  `json:"usage"`
	StartedAt time.Time    `json:"started_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Store 是记录存储接口。Save 为覆盖写入。
type Store interface {
	SaveRun(ctx context.Context, rec *RunRecord) error
	GetRun(ctx context.Context, sessionID string) (*RunRecord, error)
	SaveBatch(ctx context.Context, rec *BatchRecord) error
	GetBatch(ctx context.Context, batchID string) (*BatchRecord, error)
	Ping(ctx context.Context) error
	Close() error
}

func cloneRun(rec *RunRecord) *RunRecord {
	c := *rec
	if rec.Usage != nil {
		u := *rec.Usage
		c.Usage = &u
	}
	if rec.FinishedAt != nil {
		t := *rec.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

func cloneBatch(rec *BatchRecord) *BatchRecord {
	c := *rec
	c.Items = append([]ItemRecord(nil), rec.Items...)
	return &c
}
