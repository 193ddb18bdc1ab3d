package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/BaSui01/cartpilot/agent/hitl"
	"github.com/BaSui01/cartpilot/agent/service"
	"github.com/BaSui01/cartpilot/agent/stream"
	"github.com/BaSui01/cartpilot/api"
	"github.com/BaSui01/cartpilot/internal/store"
	"github.com/BaSui01/cartpilot/types"
	"go.uber.org/zap"
)

// =============================================================================
// Agent Handler
// =============================================================================

// AgentService 是处理器依赖的服务层能力，*service.Service 实现该接口
type AgentService interface {
	StreamRun(ctx context.Context, req service.RunRequest) (string, *stream.Channel, error)
	StreamBatch(ctx context.Context, req service.BatchRequest) (string, *stream.Channel, error)
	SubmitDecision(sessionID, answer string) error
	Pending(sessionID string) (stream.Event, bool)
	GetRun(ctx context.Context, sessionID string) (*store.RunRecord, error)
	GetBatch(ctx context.Context, batchID string) (*store.BatchRecord, error)
}

// AgentHandler 处理运行、批量下单和人工决策请求
type AgentHandler struct {
	svc       AgentService
	logger    *zap.Logger
	wsOrigins []string
}

// AgentHandlerOption 配置 AgentHandler
type AgentHandlerOption func(*AgentHandler)

// WithWSOriginPatterns 设置 WebSocket 允许的跨域来源，与 CORS 配置保持一致
func WithWSOriginPatterns(patterns ...string) AgentHandlerOption {
	return func(h *AgentHandler) { h.wsOrigins = patterns }
}

// NewAgentHandler 创建 Agent 处理器
func NewAgentHandler(svc AgentService, logger *zap.Logger, opts ...AgentHandlerOption) *AgentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &AgentHandler{
		svc:    svc,
		logger: logger.With(zap.String("component", "agent_handler")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleStream 启动单次运行并以 SSE 推送事件
// @Summary 启动运行
// @Tags agent
// @Accept json
// @Produce text/event-stream
// @Param request body api.AgentRequest true "运行请求"
// @Success 200 {string} string "SSE 流"
// @Failure 400 {object} Response "无效请求"
// @Failure 409 {object} Response "会话已有运行"
// @Security ApiKeyAuth
// @Router /agent/stream [post]
func (h *AgentHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.AgentRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	sessionID, ch, err := h.svc.StreamRun(r.Context(), req.ToRunRequest())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.streamSSE(w, r, sessionID, ch)
}

// HandleBatchOrder 启动批量下单并以 SSE 推送事件
// @Summary 批量下单
// @Tags agent
// @Accept json
// @Produce text/event-stream
// @Param request body api.BatchOrderRequest true "批量请求"
// @Success 200 {string} string "SSE 流"
// @Failure 400 {object} Response "无效请求"
// @Security ApiKeyAuth
// @Router /agent/batch-order [post]
func (h *AgentHandler) HandleBatchOrder(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.BatchOrderRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	batchID, ch, err := h.svc.StreamBatch(r.Context(), req.ToBatchRequest())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.streamSSE(w, r, batchID, ch)
}

// HandleInput 提交人工决策答案。
// 没有待决决策时仍返回 200，body 为 {"status":"error"}，与旧前端约定一致。
// @Summary 提交决策
// @Tags agent
// @Accept json
// @Produce json
// @Param request body api.UserInputRequest true "决策答案"
// @Success 200 {object} api.InputResponse "结果"
// @Security ApiKeyAuth
// @Router /agent/input [post]
func (h *AgentHandler) HandleInput(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.UserInputRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.SessionID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "session_id is required", h.logger)
		return
	}

	WriteJSON(w, http.StatusOK, h.submit(req.SessionID, req.InputData))
}

func (h *AgentHandler) submit(sessionID, answer string) api.InputResponse {
	err := h.svc.SubmitDecision(sessionID, answer)
	switch {
	case err == nil:
		return api.InputResponse{Status: api.InputStatusSuccess}
	case errors.Is(err, hitl.ErrNoPendingInput):
		h.logger.Debug("no pending input", zap.String("session_id", sessionID))
		return api.InputResponse{Status: api.InputStatusError, Message: api.NoPendingInputMessage}
	default:
		h.logger.Warn("submit decision failed", zap.String("session_id", sessionID), zap.Error(err))
		return api.InputResponse{Status: api.InputStatusError, Message: err.Error()}
	}
}

// HandlePending 返回会话当前等待中的决策提示，供断线重连使用
// @Summary 查询待决决策
// @Tags agent
// @Produce json
// @Param id path string true "会话 ID"
// @Success 200 {object} Response "决策提示"
// @Failure 404 {object} Response "无待决决策"
// @Security ApiKeyAuth
// @Router /agent/sessions/{id}/pending [get]
func (h *AgentHandler) HandlePending(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	prompt, ok := h.svc.Pending(id)
	if !ok {
		WriteError(w, types.NewError(types.ErrNoPendingInput, api.NoPendingInputMessage), h.logger)
		return
	}
	WriteSuccess(w, prompt)
}

// HandleGetRun 查询运行记录
// @Summary 查询运行
// @Tags agent
// @Produce json
// @Param id path string true "会话 ID"
// @Success 200 {object} Response "运行记录"
// @Failure 404 {object} Response "记录不存在"
// @Security ApiKeyAuth
// @Router /agent/runs/{id} [get]
func (h *AgentHandler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeLookupError(w, "run", err)
		return
	}
	WriteSuccess(w, rec)
}

// HandleGetBatch 查询批量记录
// @Summary 查询批量
// @Tags agent
// @Produce json
// @Param id path string true "批量 ID"
// @Success 200 {object} Response "批量记录"
// @Failure 404 {object} Response "记录不存在"
// @Security ApiKeyAuth
// @Router /agent/batches/{id} [get]
func (h *AgentHandler) HandleGetBatch(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.GetBatch(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeLookupError(w, "batch", err)
		return
	}
	WriteSuccess(w, rec)
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// streamSSE 把通道中的事件逐个写成 SSE 帧，哨兵之后写 [DONE]。
// 客户端断开时 r.Context() 被取消，运行随之结束，这里直接返回。
func (h *AgentHandler) streamSSE(w http.ResponseWriter, r *http.Request, sessionID string, ch *stream.Channel) {
	logger := h.logger.With(zap.String("session_id", sessionID))

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, types.NewError(types.ErrInternalError, "streaming not supported"), h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // 禁用 nginx 缓冲
	w.Header().Set("X-Session-ID", sessionID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := ch.Drain(r.Context(), func(e stream.Event) error {
		if err := stream.EncodeSSE(w, e); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		logger.Info("event stream ended early", zap.Error(err))
		return
	}

	_, _ = w.Write([]byte(stream.SSEDone))
	flusher.Flush()
}

func (h *AgentHandler) writeServiceError(w http.ResponseWriter, err error) {
	if apiErr, ok := types.AsError(err); ok {
		WriteError(w, apiErr, h.logger)
		return
	}
	WriteError(w, types.NewError(types.ErrInternalError, "failed to start run").WithCause(err), h.logger)
}

func (h *AgentHandler) writeLookupError(w http.ResponseWriter, kind string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		WriteError(w, types.NewError(types.ErrNotFound, kind+" not found"), h.logger)
		return
	}
	WriteError(w, types.NewError(types.ErrInternalError, "failed to load "+kind).WithCause(err), h.logger)
}
