// Package batch 在同一个受控浏览器上按顺序执行一组下单任务，
// 跟踪每个条目的状态并汇总用量。
package batch

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/cartpilot/agent/prompt"
	"github.com/BaSui01/cartpilot/agent/runner"
	"github.com/BaSui01/cartpilot/internal/store"
)

// Status 条目状态，只会前进不会回退
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// Terminal 报告是否为终态
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Item 是一个待下单的商品
type Item struct {
	ProductURL string `json:"product_url"`
	Quantity   int    `json:"quantity"`
	Color      string `json:"color,omitempty"`
}

// ItemResult 是条目的当前状态，由编排器独占写入
type ItemResult struct {
	Index      int    `json:"index"`
	ProductURL string `json:"product_url"`
	Quantity   int    `json:"quantity"`
	Color      string `json:"color,omitempty"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
	// Stopped 表示运行在步数上限处被强制结束，与成败判定无关
	Stopped bool `json:"stopped,omitempty"`
}

// ItemSessionID 返回第 index 个条目登记决策时使用的会话标识
func ItemSessionID(batchID string, index int) string {
	return fmt.Sprintf("%s_item_%d", batchID, index)
}

// InItemNamespace 报告 sessionID 是否形如 {batchID}_item_{n}
func InItemNamespace(batchID, sessionID string) bool {
	rest, ok := strings.CutPrefix(sessionID, batchID+"_item_")
	if !ok || rest == "" {
		return false
	}
	n, err := strconv.Atoi(rest)
	return err == nil && n >= 0 && strconv.Itoa(n) == rest
}

// Spec 描述一次批量下单
type Spec struct {
	BatchID      string
	Platform     prompt.Platform
	Items        []Item
	Instructions string
	// Temperature 为空时使用 0.0
	Temperature *float64
}

// Totals 是整批的用量合计
type Totals struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	TotalCost    float64 `json:"total_cost"`
	TotalSteps   int     `json:"total_steps"`
}

// Add 累加一次运行的用量，nil 不计入
func (t *Totals) Add(u *runner.Usage) {
	if u == nil {
		return
	}
	t.InputTokens += u.InputTokens
	t.OutputTokens += u.OutputTokens
	t.TotalTokens += u.TotalTokens
	t.TotalCost += u.TotalCost
	t.TotalSteps += u.Steps
}

// Summary 是 batch_complete 事件的内容
type Summary struct {
	Total   int          `json:"total"`
	Success int          `json:"success"`
	Failed  int          `json:"failed"`
	Results []ItemResult `json:"results"`
	Usage   Totals       `json:"usage"`
}

func summarize(results []ItemResult, totals Totals) *Summary {
	s := &Summary{
		Total:   len(results),
		Results: append([]ItemResult(nil), results...),
		Usage:   totals,
	}
	for _, r := range results {
		switch r.Status {
		case StatusSuccess:
			s.Success++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

func snapshot(results []ItemResult) []ItemResult {
	return append([]ItemResult(nil), results...)
}

// toRecord 转换为存储记录
func toRecord(spec Spec, status string, results []ItemResult, totals Totals, startedAt time.Time) *store.BatchRecord {
	s := summarize(results, totals)
	items := make([]store.ItemRecord, len(results))
	for i, r := range results {
		items[i] = store.ItemRecord{
			Index:      r.Index,
			ProductURL: r.ProductURL,
			Quantity:   r.Quantity,
			Color:      r.Color,
			Status:     string(r.Status),
			Message:    r.Message,
			Error:      r.Error,
			Stopped:    r.Stopped,
		}
	}
	return &store.BatchRecord{
		BatchID:  spec.BatchID,
		Platform: string(spec.Platform),
		Status:   status,
		Total:    s.Total,
		Success:  s.Success,
		Failed:   s.Failed,
		Items:    items,
		Usage: store.UsageRecord{
			InputTokens:  totals.InputTokens,
			OutputTokens: totals.OutputTokens,
			TotalTokens:  totals.TotalTokens,
			TotalCost:    totals.TotalCost,
			Steps:        totals.TotalSteps,
		},
		StartedAt: startedAt,
		UpdatedAt: time.Now(),
	}
}
