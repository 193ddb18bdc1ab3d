// Package runner 驱动单次代理运行：构建步数治理器和人工决策能力，调用代理运行时，
// 并把结果、用量或错误写入事件通道，最后保证清理与结束标记。
package runner

import (
	"context"

	"github.com/BaSui01/cartpilot/agent/browser"
	"github.com/BaSui01/cartpilot/agent/governor"
	"github.com/BaSui01/cartpilot/agent/hitl"
	"github.com/BaSui01/cartpilot/agent/prompt"
)

// Usage 是一次运行的 token 与成本统计
type Usage struct {
	InputTokens  int     `json:"input_tokens" yaml:"input_tokens"`
	OutputTokens int     `json:"output_tokens" yaml:"output_tokens"`
	TotalTokens  int     `json:"total_tokens" yaml:"total_tokens"`
	TotalCost    float64 `json:"total_cost" yaml:"total_cost"`
	Steps        int     `json:"steps" yaml:"steps"`
}

// History 是运行时返回的运行记录
type History interface {
	// FinalResult 返回最终结果文本，可能为空
	FinalResult() string
	// Usage 返回用量，不可用时返回 nil 或错误
	Usage() (*Usage, error)
}

// Request 是交给代理运行时的一次任务
type Request struct {
	Task              string
	Extension         string
	Model             string
	Temperature       float64
	Browser           browser.Handle
	Capabilities      []hitl.Capability
	StepHook          governor.StepHook
	MaxSteps          int
	MaxFailures       int
	MaxActionsPerStep int
}

// Runtime 是代理推理循环的外部协作者。
// 实现必须在每一步之后调用 StepHook.OnStep，收到 Stop 时结束运行；
// 能力返回 IsDone 时以其内容作为最终结果结束运行。
type Runtime interface {
	Run(ctx context.Context, req Request) (History, error)
}

// RuntimeFunc 把函数适配为 Runtime
type RuntimeFunc func(ctx context.Context, req Request) (History, error)

// Run 实现 Runtime
func (f RuntimeFunc) Run(ctx context.Context, req Request) (History, error) { return f(ctx, req) }

// Limits 运行限制
type Limits struct {
	MaxSteps          int
	MaxFailures       int
	MaxActionsPerStep int
}

// DefaultLimits 返回默认运行限制
func DefaultLimits() Limits {
	return Limits{
		MaxSteps:          governor.DefaultCeiling,
		MaxFailures:       3,
		MaxActionsPerStep: 4,
	}
}

// 温度策略
const (
	OrderTemperature   = 0.0
	DefaultTemperature = 0.2
)

// Temperature 决定采样温度：显式值截断到 [0,1]，否则下单为 0.0，其他为 0.2。
func Temperature(override *float64, action prompt.Action) float64 {
	if override != nil {
		return min(max(*override, 0), 1)
	}
	if action == prompt.ActionOrder {
		return OrderTemperature
	}
	return DefaultTemperature
}
