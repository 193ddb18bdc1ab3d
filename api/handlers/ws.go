package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/BaSui01/cartpilot/agent/stream"
	"github.com/BaSui01/cartpilot/api"
	"github.com/BaSui01/cartpilot/types"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// wsConn 串行化写操作
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) write(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, v)
}

// HandleWS 是 SSE + /agent/input 的双工替代：
// 首帧启动运行或批处理，之后的 input 帧在同一连接上提交决策，每个事件写成一个文本帧。
// @Summary WebSocket 传输
// @Tags agent
// @Router /agent/ws [get]
func (h *AgentHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.wsOrigins,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	c := &wsConn{conn: conn}

	var first api.ClientFrame
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		h.logger.Debug("websocket closed before start frame", zap.Error(err))
		return
	}

	sessionID, ch, err := h.start(ctx, first)
	if err != nil {
		msg := err.Error()
		if apiErr, ok := types.AsError(err); ok {
			msg = apiErr.Message
		}
		_ = c.write(ctx, stream.ErrorEvent(msg))
		conn.Close(websocket.StatusPolicyViolation, "run not started")
		return
	}
	logger := h.logger.With(zap.String("session_id", sessionID), zap.String("transport", "ws"))

	// 读协程：处理 input 帧；读失败视为客户端断开，取消运行
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer cancel()
		for {
			var frame api.ClientFrame
			if err := wsjson.Read(ctx, conn, &frame); err != nil {
				return
			}
			if err := h.ack(ctx, c, frame, sessionID); err != nil {
				return
			}
		}
	}()

	err = ch.Drain(ctx, func(e stream.Event) error {
		return c.write(ctx, e)
	})
	if err != nil {
		logger.Info("websocket stream ended early", zap.Error(err))
		cancel()
		<-readDone
		return
	}

	conn.Close(websocket.StatusNormalClosure, "done")
	cancel()
	<-readDone
}

// ack 提交决策并回执。持有写锁直到回执写出，保证回执先于恢复后的事件到达。
func (h *AgentHandler) ack(ctx context.Context, c *wsConn, frame api.ClientFrame, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ack := api.InputAck{Type: api.FrameInputAck, SessionID: frame.SessionID}
	if frame.Type != api.FrameInput {
		ack.Status = api.InputStatusError
		ack.Message = fmt.Sprintf("unexpected frame type %q", frame.Type)
	} else {
		if ack.SessionID == "" {
			ack.SessionID = sessionID
		}
		res := h.submit(ack.SessionID, frame.InputData)
		ack.Status, ack.Message = res.Status, res.Message
	}
	return wsjson.Write(ctx, c.conn, ack)
}

func (h *AgentHandler) start(ctx context.Context, f api.ClientFrame) (string, *stream.Channel, error) {
	switch {
	case f.Type == api.FrameStartRun && f.Run != nil:
		return h.svc.StreamRun(ctx, f.Run.ToRunRequest())
	case f.Type == api.FrameStartBatch && f.Batch != nil:
		return h.svc.StreamBatch(ctx, f.Batch.ToBatchRequest())
	default:
		return "", nil, types.NewError(types.ErrInvalidRequest, "first frame must be start_run or start_batch")
	}
}
