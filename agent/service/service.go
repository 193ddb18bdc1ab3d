// Package service 是传输层之上的门面：校验请求、分配会话、获取浏览器，
// 在独立协程中启动单次运行或批量下单，并返回供观察者消费的事件通道。
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/cartpilot/agent/batch"
	"github.com/BaSui01/cartpilot/agent/browser"
	"github.com/BaSui01/cartpilot/agent/hitl"
	"github.com/BaSui01/cartpilot/agent/prompt"
	"github.com/BaSui01/cartpilot/agent/runner"
	"github.com/BaSui01/cartpilot/agent/stream"
	"github.com/BaSui01/cartpilot/internal/store"
	"github.com/BaSui01/cartpilot/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MissingProductURLMessage 下单请求缺少商品链接时的错误事件内容
const MissingProductURLMessage = "Product URL required for order action"

// ErrSessionActive 会话已有正在进行的运行
var ErrSessionActive = errors.New("session already has an active run")

// RunRequest 单次运行请求
type RunRequest struct {
	Platform    prompt.Platform
	Action      prompt.Action
	UserMessage string
	ProductURL  string
	Quantity    int
	Color       string
	SessionID   string
	Temperature *float64
}

// BatchRequest 批量下单请求
type BatchRequest struct {
	Platform     prompt.Platform
	Items        []batch.Item
	Instructions string
	SessionID    string
	Temperature  *float64
}

// Service 管理运行的生命周期
type Service struct {
	driver   *runner.Driver
	batches  *batch.Orchestrator
	acquirer browser.Acquirer
	store    store.Store
	logger   *zap.Logger

	mu         sync.Mutex
	browserCfg browser.Config
	model      string
	active     map[string]claimKind
	wg         sync.WaitGroup
}

type claimKind int

const (
	claimRun claimKind = iota
	claimBatch
)

type options struct {
	browserCfg    browser.Config
	model         string
	batchRecorder batch.Recorder
}

// Option 配置 Service
type Option func(*options)

// WithBrowserConfig 设置浏览器配置
func WithBrowserConfig(cfg browser.Config) Option {
	return func(o *options) { o.browserCfg = cfg }
}

// WithModel 设置模型名，出现在运行记录中并传给运行时
func WithModel(model string) Option {
	return func(o *options) { o.model = model }
}

// WithBatchRecorder 设置批量条目指标
func WithBatchRecorder(r batch.Recorder) Option {
	return func(o *options) { o.batchRecorder = r }
}

// New 创建服务。st 为 nil 时使用内存存储。
func New(driver *runner.Driver, acquirer browser.Acquirer, st store.Store, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if st == nil {
		st = store.NewMemoryStore()
	}
	o := options{browserCfg: browser.DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}

	batchOpts := []batch.Option{batch.WithStore(st), batch.WithModel(o.model)}
	if o.batchRecorder != nil {
		batchOpts = append(batchOpts, batch.WithRecorder(o.batchRecorder))
	}
	return &Service{
		driver:     driver,
		batches:    batch.New(driver, acquirer, o.browserCfg, logger, batchOpts...),
		acquirer:   acquirer,
		store:      st,
		logger:     logger.With(zap.String("component", "agent_service")),
		browserCfg: o.browserCfg,
		model:      o.model,
		active:     make(map[string]claimKind),
	}
}

// SetBrowserConfig 热更新浏览器配置，只影响之后启动的运行
func (s *Service) SetBrowserConfig(cfg browser.Config) {
	s.mu.Lock()
	s.browserCfg = cfg
	s.mu.Unlock()
	s.batches.SetBrowserConfig(cfg)
}

// SetModel 热更新模型名
func (s *Service) SetModel(model string) {
	s.mu.Lock()
	s.model = model
	s.mu.Unlock()
	s.batches.SetModel(model)
}

// StreamRun 校验请求并在后台启动单次运行。
// 请求字段非法时返回 *types.Error；任务无法生成时返回的通道只含一个错误事件。
func (s *Service) StreamRun(ctx context.Context, req RunRequest) (string, *stream.Channel, error) {
	if !req.Platform.Valid() {
		return "", nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("unsupported platform %q", req.Platform))
	}
	if !req.Action.Valid() {
		return "", nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("unsupported action %q", req.Action))
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	logger := requestLogger(ctx, s.logger).With(zap.String("session_id", sessionID))
	temperature := runner.Temperature(req.Temperature, req.Action)
	logger.Info("starting agent",
		zap.Float64("temperature", temperature),
		zap.String("action", string(req.Action)))

	ch := stream.NewChannel()
	if req.Action == prompt.ActionOrder && req.ProductURL == "" {
		ch.Publish(stream.ErrorEvent(MissingProductURLMessage))
		ch.Close()
		return sessionID, ch, nil
	}

	task, err := prompt.Build(buildParams(req))
	if err != nil {
		ch.Publish(stream.ErrorEvent(err.Error()))
		ch.Close()
		return sessionID, ch, nil
	}

	if err := s.claim(sessionID, claimRun); err != nil {
		return "", nil, err
	}

	ch.Publish(stream.New(stream.KindConfig, map[string]any{
		"temperature": temperature,
		"action":      req.Action,
		"platform":    req.Platform,
	}))

	s.mu.Lock()
	cfg := s.browserCfg.WithKeepAlive(false)
	model := s.model
	s.mu.Unlock()

	rec := &store.RunRecord{
		SessionID:   sessionID,
		Platform:    string(req.Platform),
		Action:      string(req.Action),
		Model:       model,
		Temperature: temperature,
		Status:      store.RunStatusRunning,
		StartedAt:   time.Now(),
	}
	s.saveRun(ctx, logger, rec)

	spec := runner.Spec{
		Scope:       hitl.Scope{SessionID: sessionID},
		Action:      req.Action,
		Task:        task,
		Model:       model,
		Temperature: temperature,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(sessionID)
		s.run(ctx, logger, spec, cfg, rec, ch)
	}()
	return sessionID, ch, nil
}

// run 获取新浏览器、执行运行并在结束后释放浏览器
func (s *Service) run(ctx context.Context, logger *zap.Logger, spec runner.Spec, cfg browser.Config, rec *store.RunRecord, ch *stream.Channel) {
	handle, err := s.acquirer.Acquire(ctx, cfg)
	if err != nil {
		err = fmt.Errorf("acquire browser: %w", err)
		logger.Error("run aborted", zap.Error(err))
		ch.Publish(stream.ErrorEvent(err.Error()))
		ch.Close()
		s.finishRun(ctx, logger, rec, runner.Outcome{Err: err})
		return
	}
	defer func() {
		if err := s.acquirer.Release(context.WithoutCancel(ctx), handle); err != nil {
			logger.Warn("error closing browser", zap.Error(err))
		}
	}()

	spec.Browser = handle
	out := s.driver.Run(ctx, spec, ch)
	s.finishRun(ctx, logger, rec, out)
}

func (s *Service) finishRun(ctx context.Context, logger *zap.Logger, rec *store.RunRecord, out runner.Outcome) {
	now := time.Now()
	rec.Status = out.Status()
	rec.Result = out.Result
	rec.Steps = out.Steps
	rec.FinishedAt = &now
	if out.Err != nil {
		rec.Error = out.Err.Error()
	}
	if out.Usage != nil {
		rec.Usage = &store.UsageRecord{
			InputTokens:  out.Usage.InputTokens,
			OutputTokens: out.Usage.OutputTokens,
			TotalTokens:  out.Usage.TotalTokens,
			TotalCost:    out.Usage.TotalCost,
			Steps:        out.Usage.Steps,
		}
	}
	s.saveRun(ctx, logger, rec)
}

// StreamBatch 校验请求并在后台启动批量下单
func (s *Service) StreamBatch(ctx context.Context, req BatchRequest) (string, *stream.Channel, error) {
	if !req.Platform.Valid() {
		return "", nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("unsupported platform %q", req.Platform))
	}
	if len(req.Items) == 0 {
		return "", nil, types.NewError(types.ErrInvalidRequest, "items must not be empty")
	}
	for i, item := range req.Items {
		if item.ProductURL == "" {
			return "", nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("items[%d].product_url is required", i))
		}
	}

	batchID := req.SessionID
	if batchID == "" {
		batchID = uuid.NewString()
	}
	if err := s.claim(batchID, claimBatch); err != nil {
		return "", nil, err
	}

	spec := batch.Spec{
		BatchID:      batchID,
		Platform:     req.Platform,
		Items:        append([]batch.Item(nil), req.Items...),
		Instructions: req.Instructions,
		Temperature:  req.Temperature,
	}
	ch := stream.NewChannel()
	logger := requestLogger(ctx, s.logger).With(zap.String("batch_id", batchID))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(batchID)
		if _, err := s.batches.Run(ctx, spec, ch); err != nil {
			logger.Info("batch ended early", zap.Error(err))
		}
	}()
	return batchID, ch, nil
}

// SubmitDecision 把操作者的答案交给等待中的运行
func (s *Service) SubmitDecision(sessionID, answer string) error {
	if err := s.driver.Registry().Resolve(sessionID, answer); err != nil {
		return err
	}
	s.logger.Debug("decision submitted", zap.String("session_id", sessionID))
	return nil
}

// Pending 返回会话当前等待中的决策提示
func (s *Service) Pending(sessionID string) (stream.Event, bool) {
	return s.driver.Registry().Get(sessionID)
}

// GetRun 查询运行记录
func (s *Service) GetRun(ctx context.Context, sessionID string) (*store.RunRecord, error) {
	return s.store.GetRun(ctx, sessionID)
}

// GetBatch 查询批量记录
func (s *Service) GetBatch(ctx context.Context, batchID string) (*store.BatchRecord, error) {
	return s.store.GetBatch(ctx, batchID)
}

// Ping 检查存储是否可用
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Active 返回正在进行的运行与批处理数量
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Wait 等待所有后台运行结束，ctx 到期时返回 ctx.Err()
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// claim 占用会话标识。批处理同时占用其条目命名空间 {batchID}_item_{n}，
// 单次运行不能落在进行中批处理的条目会话上，反之亦然。
func (s *Service) claim(id string, kind claimKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[id]; ok {
		return sessionActiveError()
	}
	for other, otherKind := range s.active {
		switch {
		case kind == claimRun && otherKind == claimBatch && batch.InItemNamespace(other, id):
			return sessionActiveError()
		case kind == claimBatch && otherKind == claimRun && batch.InItemNamespace(id, other):
			return sessionActiveError()
		}
	}
	s.active[id] = kind
	return nil
}

func sessionActiveError() error {
	return types.NewError(types.ErrSessionActive, ErrSessionActive.Error()).WithCause(ErrSessionActive)
}

func (s *Service) release(sessionID string) {
	s.mu.Lock()
	delete(s.active, sessionID)
	s.mu.Unlock()
}

func (s *Service) saveRun(ctx context.Context, logger *zap.Logger, rec *store.RunRecord) {
	if err := s.store.SaveRun(context.WithoutCancel(ctx), rec); err != nil {
		logger.Warn("failed to save run record", zap.Error(err))
	}
}

// buildParams 搜索时 user_message 是查询词，下单时是附加说明
func buildParams(req RunRequest) prompt.Params {
	p := prompt.Params{
		Platform:   req.Platform,
		Action:     req.Action,
		ProductURL: req.ProductURL,
		Quantity:   1,
	}
	switch req.Action {
	case prompt.ActionSearch:
		p.Query = req.UserMessage
	case prompt.ActionOrder:
		p.Instructions = req.UserMessage
		p.Quantity = req.Quantity
		p.Color = req.Color
	}
	return p
}

// requestLogger 附加 HTTP 层写入 context 的 request_id 与 trace_id
func requestLogger(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if id, ok := types.RequestID(ctx); ok {
		logger = logger.With(zap.String("request_id", id))
	}
	if id, ok := types.TraceID(ctx); ok {
		logger = logger.With(zap.String("trace_id", id))
	}
	return logger
}
