// Package prompt 为 Amazon / Flipkart 的搜索与下单任务生成任务描述和扩展系统提示。
package prompt

import (
	"errors"
	"fmt"
	"strings"
)

// Platform 电商平台
type Platform string

const (
	PlatformAmazon   Platform = "amazon"
	PlatformFlipkart Platform = "flipkart"
)

// Valid 报告是否为已知平台
func (p Platform) Valid() bool {
	return p == PlatformAmazon || p == PlatformFlipkart
}

// Action 任务类型
type Action string

const (
	ActionSearch Action = "search"
	ActionOrder  Action = "order"
	ActionChat   Action = "chat"
)

// Valid 报告是否为请求层接受的动作
func (a Action) Valid() bool {
	return a == ActionSearch || a == ActionOrder || a == ActionChat
}

var (
	// ErrMissingProductURL 下单任务缺少商品链接
	ErrMissingProductURL = errors.New("product_url is required for order action")
	// ErrUnknownCombination 平台与动作组合无法解析
	ErrUnknownCombination = errors.New("unknown platform/action combination")
)

// Params 生成任务所需的输入
type Params struct {
	Platform     Platform
	Action       Action
	Query        string
	ProductURL   string
	Instructions string
	Quantity     int
	Color        string
}

// Task 是交给代理运行时的任务描述与扩展系统提示
type Task struct {
	Description string
	Extension   string
}

type template struct {
	task      string
	extension string
}

var templates = map[Platform]map[Action]template{
	PlatformAmazon: {
		ActionSearch: {task: "Search for products on Amazon India: %s", extension: amazonSearchExtension},
		ActionOrder:  {task: "Complete purchase of product: %s", extension: amazonOrderExtension},
	},
	PlatformFlipkart: {
		ActionSearch: {task: "Search for products on Flipkart: %s", extension: flipkartSearchExtension},
		ActionOrder:  {task: "Complete purchase of product: %s", extension: flipkartOrderExtension},
	},
}

// Build 返回任务描述与扩展提示。纯函数，不做重试。
func Build(p Params) (Task, error) {
	tpl, ok := templates[p.Platform][p.Action]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s/%s", ErrUnknownCombination, p.Platform, p.Action)
	}

	if p.Action == ActionSearch {
		return Task{
			Description: fmt.Sprintf(tpl.task, p.Query),
			Extension:   baseExtension + tpl.extension,
		}, nil
	}

	if p.ProductURL == "" {
		return Task{}, ErrMissingProductURL
	}
	return Task{
		Description: fmt.Sprintf(tpl.task, p.ProductURL) + "\n\nUSER INSTRUCTIONS:\n" + userInstructions(p),
		Extension:   baseExtension + tpl.extension,
	}, nil
}

func userInstructions(p Params) string {
	quantity := p.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	lines := []string{fmt.Sprintf("Quantity: %d", quantity)}
	if p.Color != "" {
		lines = append(lines, fmt.Sprintf("Color/Variant: %s (select this color/variant on the product page)", p.Color))
	}
	if p.Instructions != "" {
		lines = append(lines, "Additional: "+p.Instructions)
	}
	return strings.Join(lines, "\n")
}
