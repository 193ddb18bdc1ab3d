package hitl

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/BaSui01/cartpilot/agent/stream"
	"go.uber.org/zap"
)

// Scope 是一次运行（或批处理条目）的不可变标识，在构造能力时传入。
type Scope struct {
	SessionID string
	ItemIndex *int
}

// LogPrefix 返回批处理条目的日志前缀。
func (s Scope) LogPrefix() string {
	if s.ItemIndex == nil {
		return ""
	}
	return fmt.Sprintf("[Batch Item %d] ", *s.ItemIndex)
}

// Bridge 把人工决策能力绑定到某个会话的事件通道与登记表。
type Bridge struct {
	scope         Scope
	registry      *Registry
	ch            *stream.Channel
	logger        *zap.Logger
	productChoice bool

	mu   sync.Mutex
	live *Pending
}

// BridgeOption 配置 Bridge。
type BridgeOption func(*Bridge)

// WithoutProductChoice 去掉 show_product_choices（批量下单时不需要选品）。
func WithoutProductChoice() BridgeOption {
	return func(b *Bridge) { b.productChoice = false }
}

// NewBridge 创建能力桥。
func NewBridge(scope Scope, registry *Registry, ch *stream.Channel, logger *zap.Logger, opts ...BridgeOption) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	fields := []zap.Field{zap.String("component", "hitl_bridge"), zap.String("session_id", scope.SessionID)}
	if scope.ItemIndex != nil {
		fields = append(fields, zap.Int("batch_item_index", *scope.ItemIndex))
	}
	b := &Bridge{
		scope:         scope,
		registry:      registry,
		ch:            ch,
		logger:        logger.With(fields...),
		productChoice: true,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Scope 返回绑定的标识。
func (b *Bridge) Scope() Scope { return b.scope }

// Capabilities 返回暴露给代理运行时的能力集合。
func (b *Bridge) Capabilities() []Capability {
	caps := []Capability{
		&capability{
			name:        CapabilityAskUser,
			description: "Ask the user for information or confirmation. Use this for OTP, Login credentials, cart confirmation, or any human input.",
			invoke: func(ctx context.Context, raw json.RawMessage) (ActionResult, error) {
				args, err := decodeArgs[AskUserArgs](CapabilityAskUser, raw)
				if err != nil {
					return ActionResult{}, err
				}
				return b.AskUser(ctx, args.Question)
			},
		},
	}
	if b.productChoice {
		caps = append(caps, &capability{
			name:        CapabilityProductChoices,
			description: "Show product options to user and get their choice. Terminates the task with selected product.",
			invoke: func(ctx context.Context, raw json.RawMessage) (ActionResult, error) {
				args, err := decodeArgs[ProductChoicesArgs](CapabilityProductChoices, raw)
				if err != nil {
					return ActionResult{}, err
				}
				return b.ShowProductChoices(ctx, args)
			},
		})
	}
	caps = append(caps,
		&capability{
			name:        CapabilityAddressChoices,
			description: "MANDATORY: Show delivery address options to user. You MUST call this when you see address/delivery page. NEVER click 'Deliver Here' without calling this first.",
			invoke: func(ctx context.Context, raw json.RawMessage) (ActionResult, error) {
				args, err := decodeArgs[AddressChoicesArgs](CapabilityAddressChoices, raw)
				if err != nil {
					return ActionResult{}, err
				}
				return b.ShowAddressChoices(ctx, args)
			},
		},
		&capability{
			name:        CapabilityPaymentChoices,
			description: "MANDATORY: Show payment method options to user. You MUST call this when you see payment page. NEVER select a payment method without calling this first.",
			invoke: func(ctx context.Context, raw json.RawMessage) (ActionResult, error) {
				args, err := decodeArgs[PaymentChoicesArgs](CapabilityPaymentChoices, raw)
				if err != nil {
					return ActionResult{}, err
				}
				return b.ShowPaymentChoices(ctx, args)
			},
		},
		&capability{
			name:        CapabilityOptions,
			description: "MANDATORY: Show quantity/variant options to user. You MUST call this when you see quantity selector or product variants. NEVER select quantity without calling this first.",
			invoke: func(ctx context.Context, raw json.RawMessage) (ActionResult, error) {
				args, err := decodeArgs[OptionsArgs](CapabilityOptions, raw)
				if err != nil {
					return ActionResult{}, err
				}
				return b.ShowOptions(ctx, args)
			},
		},
	)
	return caps
}

// AskUser 发布自由文本问题并等待答案。
func (b *Bridge) AskUser(ctx context.Context, question string) (ActionResult, error) {
	b.logger.Info(b.scope.LogPrefix()+"asking user", zap.String("question", question))

	answer, err := b.decide(ctx, stream.New(stream.KindRequestInput, question))
	if err != nil {
		return ActionResult{}, err
	}
	return ActionResult{ExtractedContent: FreeTextInstruction(answer)}, nil
}

// ShowProductChoices 展示候选商品。选中即终止运行，选中商品的 JSON 作为最终结果。
func (b *Bridge) ShowProductChoices(ctx context.Context, args ProductChoicesArgs) (ActionResult, error) {
	if args.Message == "" {
		args.Message = defaultProductMessage
	}
	b.logger.Info(b.scope.LogPrefix()+"showing product choices", zap.Int("count", len(args.Products)))

	answer, err := b.decide(ctx, stream.New(stream.KindProductChoices, map[string]any{
		"message":  args.Message,
		"products": nonNil(args.Products),
	}))
	if err != nil {
		return ActionResult{}, err
	}

	idx, ok := ParseChoice(answer, len(args.Products))
	if !ok {
		return ActionResult{ExtractedContent: RawFallback(answer)}, nil
	}
	selected, err := json.Marshal(args.Products[idx])
	if err != nil {
		return ActionResult{}, fmt.Errorf("marshal selected product: %w", err)
	}
	return ActionResult{ExtractedContent: string(selected), IsDone: true, Success: true}, nil
}

// ShowAddressChoices 展示收货地址。
func (b *Bridge) ShowAddressChoices(ctx context.Context, args AddressChoicesArgs) (ActionResult, error) {
	if args.Message == "" {
		args.Message = defaultAddressMessage
	}
	b.logger.Info(b.scope.LogPrefix()+"showing address choices", zap.Int("count", len(args.Addresses)))

	answer, err := b.decide(ctx, stream.New(stream.KindAddressChoices, map[string]any{
		"message":   args.Message,
		"addresses": nonNil(args.Addresses),
	}))
	if err != nil {
		return ActionResult{}, err
	}

	idx, ok := ParseChoice(answer, len(args.Addresses))
	if !ok {
		return ActionResult{ExtractedContent: RawFallback(answer)}, nil
	}
	return ActionResult{ExtractedContent: addressInstruction(idx, args.Addresses[idx], b.scope.ItemIndex != nil)}, nil
}

// ShowPaymentChoices 展示支付方式。
func (b *Bridge) ShowPaymentChoices(ctx context.Context, args PaymentChoicesArgs) (ActionResult, error) {
	if args.Message == "" {
		args.Message = defaultPaymentMessage
	}
	b.logger.Info(b.scope.LogPrefix()+"showing payment choices", zap.Int("count", len(args.Payments)))

	answer, err := b.decide(ctx, stream.New(stream.KindPaymentChoices, map[string]any{
		"message":  args.Message,
		"payments": nonNil(args.Payments),
	}))
	if err != nil {
		return ActionResult{}, err
	}

	idx, ok := ParseChoice(answer, len(args.Payments))
	if !ok {
		return ActionResult{ExtractedContent: RawFallback(answer)}, nil
	}
	return ActionResult{ExtractedContent: paymentInstruction(args.Payments[idx])}, nil
}

// ShowOptions 展示通用选项（数量、规格等）。
func (b *Bridge) ShowOptions(ctx context.Context, args OptionsArgs) (ActionResult, error) {
	if args.OptionType == "" {
		args.OptionType = defaultOptionType
	}
	b.logger.Info(b.scope.LogPrefix()+"showing options",
		zap.Int("count", len(args.Options)),
		zap.String("message", args.Message),
	)

	answer, err := b.decide(ctx, stream.New(stream.KindOptions, map[string]any{
		"message":     args.Message,
		"options":     nonNil(args.Options),
		"option_type": args.OptionType,
	}))
	if err != nil {
		return ActionResult{}, err
	}

	idx, ok := ParseChoice(answer, len(args.Options))
	if !ok {
		return ActionResult{ExtractedContent: RawFallback(answer)}, nil
	}
	return ActionResult{ExtractedContent: optionInstruction(args.Options[idx])}, nil
}

// decide 先登记决策槽再发布提示，保证观察者看到提示时答案一定能被接收。
func (b *Bridge) decide(ctx context.Context, prompt stream.Event) (string, error) {
	prompt = prompt.WithSession(b.scope.SessionID).WithItem(b.scope.ItemIndex)

	// 登记与记录在同一把锁下完成，Release 不会漏掉刚登记的槽
	b.mu.Lock()
	p, err := b.registry.Register(b.scope.SessionID, prompt)
	if err == nil {
		b.live = p
	}
	b.mu.Unlock()
	if err != nil {
		return "", err
	}
	defer b.untrack(p)
	b.ch.Publish(prompt)

	answer, err := p.Wait(ctx)
	if err != nil {
		b.registry.discard(p)
		b.logger.Info(b.scope.LogPrefix()+"decision wait ended without answer", zap.Error(err))
		return "", err
	}
	return answer, nil
}

func (b *Bridge) untrack(p *Pending) {
	b.mu.Lock()
	if b.live == p {
		b.live = nil
	}
	b.mu.Unlock()
}

// Release 取消本桥登记且仍未决的决策。只作用于自己的槽，
// 同一会话标识下别的运行登记的决策不受影响。
func (b *Bridge) Release() bool {
	b.mu.Lock()
	p := b.live
	b.live = nil
	b.mu.Unlock()
	return b.registry.CancelPending(p)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
