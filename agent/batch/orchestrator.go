package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/cartpilot/agent/browser"
	"github.com/BaSui01/cartpilot/agent/hitl"
	"github.com/BaSui01/cartpilot/agent/prompt"
	"github.com/BaSui01/cartpilot/agent/runner"
	"github.com/BaSui01/cartpilot/agent/stream"
	"github.com/BaSui01/cartpilot/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/BaSui01/cartpilot/agent/batch"

// ErrCanceled 批处理被取消后剩余条目的错误信息
var ErrCanceled = errors.New("batch canceled")

// ItemRunner 执行单个条目。runner.Driver 实现该接口。
// Run 返回前必须关闭 ch。
type ItemRunner interface {
	Run(ctx context.Context, spec runner.Spec, ch *stream.Channel) runner.Outcome
}

// PromptBuilder 生成条目任务
type PromptBuilder func(prompt.Params) (prompt.Task, error)

// Recorder 接收条目终态指标
type Recorder interface {
	RecordBatchItem(status string)
}

// Orchestrator 顺序执行批量下单
type Orchestrator struct {
	runner   ItemRunner
	acquirer browser.Acquirer
	build    PromptBuilder
	store    store.Store
	recorder Recorder
	logger   *zap.Logger
	tracer   trace.Tracer

	mu         sync.RWMutex
	browserCfg browser.Config
	model      string
}

// Option 配置 Orchestrator
type Option func(*Orchestrator)

// WithPromptBuilder 替换任务生成函数
func WithPromptBuilder(b PromptBuilder) Option {
	return func(o *Orchestrator) { o.build = b }
}

// WithStore 每个条目结束后保存批量快照
func WithStore(s store.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithRecorder 设置条目指标
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithModel 设置传给运行时的模型名
func WithModel(model string) Option {
	return func(o *Orchestrator) { o.model = model }
}

// New 创建批处理编排器。browserCfg 的 KeepAlive 会被强制为 true。
func New(r ItemRunner, acquirer browser.Acquirer, browserCfg browser.Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		runner:     r,
		acquirer:   acquirer,
		build:      prompt.Build,
		logger:     logger.With(zap.String("component", "batch_orchestrator")),
		tracer:     otel.Tracer(instrumentationName),
		browserCfg: browserCfg.WithKeepAlive(true),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetBrowserConfig 替换浏览器配置，只影响之后启动的批处理
func (o *Orchestrator) SetBrowserConfig(cfg browser.Config) {
	o.mu.Lock()
	o.browserCfg = cfg.WithKeepAlive(true)
	o.mu.Unlock()
}

// SetModel 替换模型名
func (o *Orchestrator) SetModel(model string) {
	o.mu.Lock()
	o.model = model
	o.mu.Unlock()
}

// BrowserConfig 返回当前浏览器配置
func (o *Orchestrator) BrowserConfig() browser.Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.browserCfg.WithKeepAlive(true)
}

// Run 执行整批任务并把事件写入 ch，返回前关闭 ch。
// 只有浏览器获取失败会中止整批；ctx 取消时剩余条目标记为失败，汇总照常发布。
func (o *Orchestrator) Run(ctx context.Context, spec Spec, ch *stream.Channel) (*Summary, error) {
	defer ch.Close()

	total := len(spec.Items)
	startedAt := time.Now()
	logger := o.logger.With(zap.String("batch_id", spec.BatchID), zap.Int("total_items", total))

	ctx, span := o.tracer.Start(ctx, "batch.run", trace.WithAttributes(
		attribute.String("batch.id", spec.BatchID),
		attribute.String("batch.platform", string(spec.Platform)),
		attribute.Int("batch.items", total)))
	defer span.End()

	results := make([]ItemResult, total)
	for i, item := range spec.Items {
		results[i] = ItemResult{
			Index:      i,
			ProductURL: item.ProductURL,
			Quantity:   item.Quantity,
			Color:      item.Color,
			Status:     StatusPending,
		}
	}
	var totals Totals

	ch.Publish(stream.New(stream.KindBatchStart, map[string]any{
		"total_items": total,
		"platform":    spec.Platform,
		"session_id":  spec.BatchID,
	}))
	ch.Publish(stream.New(stream.KindBatchStatus, snapshot(results)))
	ch.Publish(stream.Logf("Starting batch processing of %d items", total))
	o.save(ctx, logger, toRecord(spec, store.BatchStatusRunning, results, totals, startedAt))

	handle, err := o.acquirer.Acquire(ctx, o.BrowserConfig())
	if err != nil {
		err = fmt.Errorf("acquire browser: %w", err)
		logger.Error("batch aborted", zap.Error(err))
		ch.Publish(stream.ErrorEvent(err.Error()))
		o.save(ctx, logger, toRecord(spec, store.BatchStatusAborted, results, totals, startedAt))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer func() {
		ch.Publish(stream.Log("Closing browser after batch completion"))
		if err := o.acquirer.Release(context.WithoutCancel(ctx), handle); err != nil {
			logger.Warn("error closing browser", zap.Error(err))
		}
	}()
	ch.Publish(stream.Log("Browser opened - will remain open for all items"))
	logger.Info("batch started", zap.String("browser_id", handle.ID()))

	temperature := runner.Temperature(spec.Temperature, prompt.ActionOrder)
	o.mu.RLock()
	model := o.model
	o.mu.RUnlock()
	for i := range spec.Items {
		if ctx.Err() != nil {
			break
		}
		usage := o.processItem(ctx, spec, i, model, temperature, handle, results, ch, logger)
		totals.Add(usage)
		ch.Publish(stream.New(stream.KindBatchStatus, snapshot(results)))
		o.save(ctx, logger, toRecord(spec, store.BatchStatusRunning, results, totals, startedAt))
	}

	status := store.BatchStatusCompleted
	runErr := ctx.Err()
	if runErr != nil {
		status = store.BatchStatusAborted
		for i := range results {
			if results[i].Status.Terminal() {
				continue
			}
			o.finish(&results[i], StatusFailed, "", ErrCanceled.Error())
		}
		logger.Info("batch canceled", zap.Error(runErr))
		ch.Publish(stream.New(stream.KindBatchStatus, snapshot(results)))
	}

	ch.Publish(stream.Log("All items processed"))
	summary := summarize(results, totals)
	ch.Publish(stream.New(stream.KindBatchUsage, totals))
	ch.Publish(stream.New(stream.KindBatchComplete, summary))
	o.save(ctx, logger, toRecord(spec, status, results, totals, startedAt))

	span.SetAttributes(
		attribute.Int("batch.success", summary.Success),
		attribute.Int("batch.failed", summary.Failed),
		attribute.Float64("batch.cost", totals.TotalCost))
	logger.Info("batch finished",
		zap.Int("success", summary.Success),
		zap.Int("failed", summary.Failed),
		zap.Int("total_tokens", totals.TotalTokens),
		zap.Float64("total_cost", totals.TotalCost))
	return summary, runErr
}

// processItem 执行一个条目并写入其终态。条目内的 panic 只影响该条目。
func (o *Orchestrator) processItem(ctx context.Context, spec Spec, idx int, model string, temperature float64,
	handle browser.Handle, results []ItemResult, ch *stream.Channel, logger *zap.Logger) (usage *runner.Usage) {
	item := spec.Items[idx]
	k := idx + 1
	res := &results[idx]

	defer func() {
		if r := recover(); r != nil {
			usage = nil
			detail := fmt.Sprintf("%v", r)
			logger.Error("batch item panicked", zap.Int("index", idx), zap.Any("panic", r), zap.Stack("stack"))
			o.finish(res, StatusFailed, "", detail)
			ch.Publish(stream.Logf("Item %d FAILED: %s", k, detail))
		}
	}()

	res.Status = StatusInProgress
	ch.Publish(stream.New(stream.KindBatchStatus, snapshot(results)))
	ch.Publish(stream.Logf("Starting item %d/%d: %s", k, len(spec.Items), item.ProductURL))

	task, err := o.build(prompt.Params{
		Platform:     spec.Platform,
		Action:       prompt.ActionOrder,
		ProductURL:   item.ProductURL,
		Instructions: spec.Instructions,
		Quantity:     item.Quantity,
		Color:        item.Color,
	})
	if err != nil {
		o.finish(res, StatusFailed, "", err.Error())
		ch.Publish(stream.Logf("Item %d FAILED: %s", k, err.Error()))
		return nil
	}

	index := idx
	out := o.runItem(ctx, runner.Spec{
		Scope:         hitl.Scope{SessionID: ItemSessionID(spec.BatchID, idx), ItemIndex: &index},
		Action:        prompt.ActionOrder,
		Task:          task,
		Model:         model,
		Temperature:   temperature,
		Browser:       handle,
		BridgeOptions: []hitl.BridgeOption{hitl.WithoutProductChoice()},
	}, ch)

	// 强制停止不算失败，结果文本照常按失败短语判定
	res.Stopped = out.Stopped
	switch {
	case out.Err != nil:
		o.finish(res, StatusFailed, "", out.Err.Error())
		ch.Publish(stream.Logf("Item %d FAILED: %s", k, out.Err.Error()))
	case Classify(out.Result):
		o.finish(res, StatusFailed, "", out.Result)
		ch.Publish(stream.Logf("Item %d FAILED: %s", k, out.Result))
	default:
		o.finish(res, StatusSuccess, out.Result, "")
		ch.Publish(stream.Logf("Item %d completed successfully", k))
	}
	return out.Usage
}

// runItem 在子通道上执行条目，并按序把子通道事件转发到批处理通道，直到子通道结束。
func (o *Orchestrator) runItem(ctx context.Context, spec runner.Spec, ch *stream.Channel) runner.Outcome {
	child := stream.NewChannel()
	done := make(chan runner.Outcome, 1)

	go func() {
		var out runner.Outcome
		defer func() {
			if r := recover(); r != nil {
				out = runner.Outcome{Err: fmt.Errorf("item run panic: %v", r)}
				o.logger.Error("item runner panicked", zap.String("session_id", spec.Scope.SessionID), zap.Any("panic", r))
			}
			child.Close()
			done <- out
		}()
		out = o.runner.Run(ctx, spec, child)
	}()

	// 子通道总会被关闭，这里不跟随 ctx 退出，以免丢掉结尾事件
	_ = child.Drain(context.Background(), func(e stream.Event) error {
		ch.Publish(e)
		return nil
	})
	return <-done
}

func (o *Orchestrator) finish(res *ItemResult, status Status, message, errMsg string) {
	res.Status = status
	res.Message = message
	res.Error = errMsg
	if o.recorder != nil {
		o.recorder.RecordBatchItem(string(status))
	}
}

func (o *Orchestrator) save(ctx context.Context, logger *zap.Logger, rec *store.BatchRecord) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveBatch(context.WithoutCancel(ctx), rec); err != nil {
		logger.Warn("failed to save batch snapshot", zap.Error(err))
	}
}
