package api

import (
	"github.com/BaSui01/cartpilot/agent/batch"
	"github.com/BaSui01/cartpilot/agent/prompt"
	"github.com/BaSui01/cartpilot/agent/service"
)

// =============================================================================
// 单次运行
// =============================================================================

// AgentRequest 启动单次运行的请求体
// @Description 单次运行请求
type AgentRequest struct {
	// 平台：amazon 或 flipkart
	Platform string `json:"platform" example:"amazon" binding:"required"`
	// 动作：search、order 或 chat
	Action string `json:"action" example:"search" binding:"required"`
	// 搜索时为查询词，下单时为附加说明
	UserMessage string `json:"user_message" example:"wireless mouse under 1000"`
	// 下单时必填
	ProductURL string `json:"product_url,omitempty" example:"https://www.amazon.in/dp/B0XXXX"`
	Quantity   int    `json:"quantity,omitempty" example:"1"`
	Color      string `json:"color,omitempty" example:"Black"`
	// 为空时由服务生成
	SessionID string `json:"session_id,omitempty"`
	// 0.0 到 1.0，超出范围会被截断
	Temperature *float64 `json:"temperature,omitempty" example:"0.2"`
}

// ToRunRequest 转换为服务层请求
func (r AgentRequest) ToRunRequest() service.RunRequest {
	return service.RunRequest{
		Platform:    prompt.Platform(r.Platform),
		Action:      prompt.Action(r.Action),
		UserMessage: r.UserMessage,
		ProductURL:  r.ProductURL,
		Quantity:    defaultQuantity(r.Quantity),
		Color:       r.Color,
		SessionID:   r.SessionID,
		Temperature: r.Temperature,
	}
}

// UserInputRequest 提交人工决策答案
// @Description 人工决策答案
type UserInputRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	// 纯文本或选项下标
	InputData string `json:"input_data" binding:"required"`
}

// InputResponse /agent/input 的响应体，与旧前端保持一致
type InputResponse struct {
	Status  string `json:"status" example:"success"`
	Message string `json:"message,omitempty"`
}

const (
	InputStatusSuccess = "success"
	InputStatusError   = "error"

	NoPendingInputMessage = "No pending input for this session"
)

// =============================================================================
// 批量下单
// =============================================================================

// BatchOrderItem 批量中的一个商品
type BatchOrderItem struct {
	ProductURL string `json:"product_url" binding:"required"`
	Quantity   int    `json:"quantity,omitempty" example:"1"`
	Color      string `json:"color,omitempty"`
}

// BatchOrderRequest 批量下单请求体
// @Description 批量下单请求
type BatchOrderRequest struct {
	Platform               string           `json:"platform" example:"flipkart" binding:"required"`
	Items                  []BatchOrderItem `json:"items" binding:"required"`
	AdditionalInstructions string           `json:"additional_instructions,omitempty"`
	SessionID              string           `json:"session_id,omitempty"`
	Temperature            *float64         `json:"temperature,omitempty"`
}

// ToBatchRequest 转换为服务层请求
func (r BatchOrderRequest) ToBatchRequest() service.BatchRequest {
	items := make([]batch.Item, len(r.Items))
	for i, it := range r.Items {
		items[i] = batch.Item{
			ProductURL: it.ProductURL,
			Quantity:   defaultQuantity(it.Quantity),
			Color:      it.Color,
		}
	}
	return service.BatchRequest{
		Platform:     prompt.Platform(r.Platform),
		Items:        items,
		Instructions: r.AdditionalInstructions,
		SessionID:    r.SessionID,
		Temperature:  r.Temperature,
	}
}

func defaultQuantity(q int) int {
	if q <= 0 {
		return 1
	}
	return q
}

// =============================================================================
// WebSocket 帧
// =============================================================================

// FrameType 客户端与服务端之间的 WebSocket 帧类型
type FrameType string

const (
	FrameStartRun   FrameType = "start_run"
	FrameStartBatch FrameType = "start_batch"
	FrameInput      FrameType = "input"
	FrameInputAck   FrameType = "input_ack"
)

// ClientFrame 客户端发来的帧。首帧必须是 start_run 或 start_batch，之后只接受 input。
type ClientFrame struct {
	Type      FrameType          `json:"type"`
	Run       *AgentRequest      `json:"run,omitempty"`
	Batch     *BatchOrderRequest `json:"batch,omitempty"`
	SessionID string             `json:"session_id,omitempty"`
	InputData string             `json:"input_data,omitempty"`
}

// InputAck 对 input 帧的回执
type InputAck struct {
	Type      FrameType `json:"type"`
	SessionID string    `json:"session_id"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
}
