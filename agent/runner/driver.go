package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/cartpilot/agent/browser"
	"github.com/BaSui01/cartpilot/agent/governor"
	"github.com/BaSui01/cartpilot/agent/hitl"
	"github.com/BaSui01/cartpilot/agent/prompt"
	"github.com/BaSui01/cartpilot/agent/stream"
	"go.uber.org/zap"
)

// ErrNoHistory 运行时既没有返回错误也没有返回记录
var ErrNoHistory = errors.New("agent runtime returned no history")

// 运行状态，用于指标标签
const (
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusStopped  = "stopped"
	StatusCanceled = "canceled"
)

// Spec 描述一次运行
type Spec struct {
	Scope       hitl.Scope
	Action      prompt.Action
	Task        prompt.Task
	Model       string
	Temperature float64
	Browser     browser.Handle
	// BridgeOptions 透传给 hitl.NewBridge
	BridgeOptions []hitl.BridgeOption
}

// Outcome 是一次运行的结果
type Outcome struct {
	Result  string
	Usage   *Usage
	Steps   int
	Stopped bool
	Err     error
}

// Status 返回用于指标的状态标签
func (o Outcome) Status() string {
	switch {
	case o.Err != nil && IsCancellation(o.Err):
		return StatusCanceled
	case o.Err != nil:
		return StatusFailed
	case o.Stopped:
		return StatusStopped
	default:
		return StatusSuccess
	}
}

// IsCancellation 报告错误是否来自决策取消或上下文取消
func IsCancellation(err error) bool {
	return errors.Is(err, hitl.ErrDecisionCanceled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Driver 执行单次运行
type Driver struct {
	runtime      Runtime
	registry     *hitl.Registry
	mu           sync.RWMutex
	limits       Limits
	logger       *zap.Logger
	recorder     Recorder
	stopRecorder governor.StopRecorder
	inst         *instruments
}

// DriverOption 配置 Driver
type DriverOption func(*Driver)

// WithLimits 设置运行限制
func WithLimits(l Limits) DriverOption {
	return func(d *Driver) { d.limits = l }
}

// WithRecorder 设置运行指标
func WithRecorder(r Recorder) DriverOption {
	return func(d *Driver) { d.recorder = r }
}

// WithStopRecorder 设置强制停止指标
func WithStopRecorder(r governor.StopRecorder) DriverOption {
	return func(d *Driver) { d.stopRecorder = r }
}

// NewDriver 创建运行驱动
func NewDriver(rt Runtime, registry *hitl.Registry, logger *zap.Logger, opts ...DriverOption) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Driver{
		runtime:  rt,
		registry: registry,
		limits:   DefaultLimits(),
		logger:   logger.With(zap.String("component", "run_driver")),
		inst:     defaultInstruments(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Limits 返回当前运行限制
func (d *Driver) Limits() Limits {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.limits
}

// SetLimits 替换运行限制，只影响之后启动的运行
func (d *Driver) SetLimits(l Limits) {
	d.mu.Lock()
	d.limits = l
	d.mu.Unlock()
}

// Registry 返回共享的决策登记表
func (d *Driver) Registry() *hitl.Registry { return d.registry }

// Run 执行一次运行。无论成功、失败、强制停止还是 panic，返回前都会
// 取消本次运行登记的待决决策并关闭 ch（恰好一个结束标记）。
func (d *Driver) Run(ctx context.Context, spec Spec, ch *stream.Channel) (out Outcome) {
	start := time.Now()
	limits := d.Limits()
	sessionID := spec.Scope.SessionID
	logger := d.logger.With(zap.String("session_id", sessionID))
	if spec.Scope.ItemIndex != nil {
		logger = logger.With(zap.Int("batch_item_index", *spec.Scope.ItemIndex))
	}

	ctx, span := d.inst.start(ctx, spec)

	govOpts := []governor.Option{governor.WithLogger(logger), governor.WithItemIndex(spec.Scope.ItemIndex)}
	if d.stopRecorder != nil {
		govOpts = append(govOpts, governor.WithStopRecorder(d.stopRecorder))
	}
	gov := governor.New(limits.MaxSteps, ch, govOpts...)
	bridge := hitl.NewBridge(spec.Scope, d.registry, ch, logger, spec.BridgeOptions...)

	defer func() {
		if r := recover(); r != nil {
			out.Err = fmt.Errorf("agent runtime panic: %v", r)
			logger.Error("agent runtime panicked", zap.Any("panic", r), zap.Stack("stack"))
			ch.Publish(stream.ErrorEvent(out.Err.Error()))
		}
		// 清理顺序：先释放待决决策，再写结束标记
		if bridge.Release() {
			logger.Debug("canceled outstanding decision at run end")
		}
		ch.Close()

		out.Steps = gov.Steps()
		status := out.Status()
		duration := time.Since(start)
		if d.recorder != nil {
			d.recorder.RecordRun(string(spec.Action), status, duration, out.Steps)
			if out.Usage != nil {
				d.recorder.RecordUsage(out.Usage.InputTokens, out.Usage.OutputTokens, out.Usage.TotalCost)
			}
		}
		d.inst.end(ctx, span, spec, out, status, duration)
		logger.Info("agent run finished",
			zap.String("status", status),
			zap.Int("steps", out.Steps),
			zap.Duration("duration", duration))
	}()

	logger.Info("starting agent run",
		zap.String("action", string(spec.Action)),
		zap.Float64("temperature", spec.Temperature))

	history, err := d.runtime.Run(ctx, Request{
		Task:              spec.Task.Description,
		Extension:         spec.Task.Extension,
		Model:             spec.Model,
		Temperature:       spec.Temperature,
		Browser:           spec.Browser,
		Capabilities:      bridge.Capabilities(),
		StepHook:          gov,
		MaxSteps:          gov.Ceiling(),
		MaxFailures:       limits.MaxFailures,
		MaxActionsPerStep: limits.MaxActionsPerStep,
	})
	if err == nil && history == nil {
		err = ErrNoHistory
	}
	if err != nil {
		out.Err = err
		// 取消是正常终止，不发 error 事件
		if IsCancellation(err) {
			logger.Info("agent run terminated", zap.Error(err))
			ch.Publish(stream.Logf("Agent run terminated: %v", err))
			return out
		}
		logger.Error("agent run failed", zap.Error(err))
		ch.Publish(stream.ErrorEvent(err.Error()))
		return out
	}

	out.Result = history.FinalResult()
	if stop, stopped := gov.Stopped(); stopped {
		out.Stopped = true
		out.Result = stop.Reason
	}
	ch.Publish(stream.Result(out.Result))

	out.Usage = d.publishUsage(logger, spec.Scope, history, gov.Steps(), ch)
	return out
}

// publishUsage 发布用量事件。用量不可用时只携带步数，并返回 nil。
func (d *Driver) publishUsage(logger *zap.Logger, scope hitl.Scope, history History, steps int, ch *stream.Channel) *Usage {
	kind := stream.KindUsage
	if scope.ItemIndex != nil {
		kind = stream.KindItemUsage
	}

	usage, err := history.Usage()
	switch {
	case err != nil:
		logger.Warn("could not get usage stats", zap.Error(err))
		usage = nil
	case usage == nil:
		logger.Warn("no usage data available from agent history")
	}

	var event stream.Event
	if usage == nil {
		event = stream.New(kind, map[string]int{"steps": steps})
	} else {
		u := *usage
		u.Steps = steps
		usage = &u
		event = stream.New(kind, usage)
		logger.Info("token usage",
			zap.Int("input_tokens", u.InputTokens),
			zap.Int("output_tokens", u.OutputTokens),
			zap.Int("total_tokens", u.TotalTokens),
			zap.Float64("total_cost", u.TotalCost))
	}
	ch.Publish(event.WithItem(scope.ItemIndex))
	return usage
}
