package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/cartpilot/agent/browser"
	"github.com/BaSui01/cartpilot/agent/hitl"
	"github.com/BaSui01/cartpilot/agent/prompt"
	"github.com/BaSui01/cartpilot/agent/runner"
	"github.com/BaSui01/cartpilot/agent/service"
	"github.com/BaSui01/cartpilot/agent/stream"
	"github.com/BaSui01/cartpilot/internal/store"
	"github.com/BaSui01/cartpilot/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 测试辅助类型
// =============================================================================

// fakeService 以回调实现 AgentService
type fakeService struct {
	streamRun   func(ctx context.Context, req service.RunRequest) (string, *stream.Channel, error)
	streamBatch func(ctx context.Context, req service.BatchRequest) (string, *stream.Channel, error)
	submit      func(sessionID, answer string) error
	pending     func(sessionID string) (stream.Event, bool)
	getRun      func(ctx context.Context, id string) (*store.RunRecord, error)
	getBatch    func(ctx context.Context, id string) (*store.BatchRecord, error)
}

func (f *fakeService) StreamRun(ctx context.Context, req service.RunRequest) (string, *stream.Channel, error) {
	return f.streamRun(ctx, req)
}

func (f *fakeService) StreamBatch(ctx context.Context, req service.BatchRequest) (string, *stream.Channel, error) {
	return f.streamBatch(ctx, req)
}

func (f *fakeService) SubmitDecision(sessionID, answer string) error {
	return f.submit(sessionID, answer)
}

func (f *fakeService) Pending(sessionID string) (stream.Event, bool) { return f.pending(sessionID) }

func (f *fakeService) GetRun(ctx context.Context, id string) (*store.RunRecord, error) {
	return f.getRun(ctx, id)
}

func (f *fakeService) GetBatch(ctx context.Context, id string) (*store.BatchRecord, error) {
	return f.getBatch(ctx, id)
}

func closedChannel(events ...stream.Event) *stream.Channel {
	ch := stream.NewChannel()
	for _, e := range events {
		ch.Publish(e)
	}
	ch.Close()
	return ch
}

func jsonRequest(method, target, body string) *http.Request {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

// =============================================================================
// 🧪 SSE
// =============================================================================

func TestAgentHandler_HandleStream(t *testing.T) {
	var got service.RunRequest
	svc := &fakeService{
		streamRun: func(_ context.Context, req service.RunRequest) (string, *stream.Channel, error) {
			got = req
			return "s-1", closedChannel(
				stream.New(stream.KindConfig, map[string]any{"temperature": 0.2}),
				stream.Result("done"),
			), nil
		},
	}
	h := NewAgentHandler(svc, zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleStream(w, jsonRequest(http.MethodPost, "/agent/stream",
		`{"platform":"amazon","action":"search","user_message":"mouse"}`))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "s-1", w.Header().Get("X-Session-ID"))
	assert.Equal(t,
		`data: {"type":"config","content":{"temperature":0.2}}`+"\n\n"+
			`data: {"type":"result","content":"done"}`+"\n\n"+
			stream.SSEDone,
		w.Body.String())

	assert.Equal(t, prompt.PlatformAmazon, got.Platform)
	assert.Equal(t, prompt.ActionSearch, got.Action)
	assert.Equal(t, "mouse", got.UserMessage)
	assert.Equal(t, 1, got.Quantity, "quantity defaults to 1")
}

func TestAgentHandler_HandleStream_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   types.ErrorCode
	}{
		{"invalid", types.NewError(types.ErrInvalidRequest, `unsupported platform "ebay"`), http.StatusBadRequest, types.ErrInvalidRequest},
		{"session active", types.NewError(types.ErrSessionActive, "session already has an active run"), http.StatusConflict, types.ErrSessionActive},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, types.ErrInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{
				streamRun: func(context.Context, service.RunRequest) (string, *stream.Channel, error) {
					return "", nil, tt.err
				},
			}
			w := httptest.NewRecorder()
			NewAgentHandler(svc, zap.NewNop()).HandleStream(w, jsonRequest(http.MethodPost, "/agent/stream", `{"platform":"ebay","action":"search"}`))

			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decodeEnvelope(t, w)
			assert.False(t, resp.Success)
			assert.Equal(t, string(tt.wantCode), resp.Error.Code)
		})
	}
}

func TestAgentHandler_HandleStream_RejectsBadBody(t *testing.T) {
	h := NewAgentHandler(&fakeService{}, zap.NewNop())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/agent/stream", strings.NewReader(`{}`))
	r.Header.Set("Content-Type", "text/plain")
	h.HandleStream(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	h.HandleStream(w, jsonRequest(http.MethodPost, "/agent/stream", `{"platform":"amazon","bogus":1}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAgentHandler_HandleBatchOrder(t *testing.T) {
	var got service.BatchRequest
	svc := &fakeService{
		streamBatch: func(_ context.Context, req service.BatchRequest) (string, *stream.Channel, error) {
			got = req
			return "b-1", closedChannel(stream.New(stream.KindBatchStart, map[string]any{"total_items": 2})), nil
		},
	}
	w := httptest.NewRecorder()
	NewAgentHandler(svc, zap.NewNop()).HandleBatchOrder(w, jsonRequest(http.MethodPost, "/agent/batch-order", `{
		"platform": "flipkart",
		"items": [{"product_url": "https://www.flipkart.com/p/1"}, {"product_url": "https://www.flipkart.com/p/2", "quantity": 3, "color": "Red"}],
		"additional_instructions": "gift wrap"
	}`))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasSuffix(w.Body.String(), stream.SSEDone))
	assert.Contains(t, w.Body.String(), `"type":"batch_start"`)

	assert.Equal(t, prompt.PlatformFlipkart, got.Platform)
	assert.Equal(t, "gift wrap", got.Instructions)
	require.Len(t, got.Items, 2)
	assert.Equal(t, 1, got.Items[0].Quantity)
	assert.Equal(t, 3, got.Items[1].Quantity)
	assert.Equal(t, "Red", got.Items[1].Color)
}

// =============================================================================
// 🧪 决策与查询
// =============================================================================

func TestAgentHandler_HandleInput(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		submitErr error
		wantCode  int
		want      string
	}{
		{"resolved", `{"session_id":"s-1","input_data":"yes"}`, nil, http.StatusOK, `{"status":"success"}`},
		{"no pending", `{"session_id":"s-1","input_data":"yes"}`, hitl.ErrNoPendingInput, http.StatusOK,
			`{"status":"error","message":"No pending input for this session"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotSession, gotAnswer string
			svc := &fakeService{submit: func(sessionID, answer string) error {
				gotSession, gotAnswer = sessionID, answer
				return tt.submitErr
			}}
			w := httptest.NewRecorder()
			NewAgentHandler(svc, zap.NewNop()).HandleInput(w, jsonRequest(http.MethodPost, "/agent/input", tt.body))

			assert.Equal(t, tt.wantCode, w.Code)
			assert.JSONEq(t, tt.want, w.Body.String())
			assert.Equal(t, "s-1", gotSession)
			assert.Equal(t, "yes", gotAnswer)
		})
	}
}

func TestAgentHandler_HandleInput_MissingSession(t *testing.T) {
	w := httptest.NewRecorder()
	NewAgentHandler(&fakeService{}, zap.NewNop()).HandleInput(w, jsonRequest(http.MethodPost, "/agent/input", `{"input_data":"yes"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAgentHandler_HandlePending(t *testing.T) {
	svc := &fakeService{pending: func(id string) (stream.Event, bool) {
		if id != "s-1" {
			return stream.Event{}, false
		}
		return stream.New(stream.KindRequestInput, "Enter OTP").WithSession("s-1"), true
	}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /agent/sessions/{id}/pending", NewAgentHandler(svc, zap.NewNop()).HandlePending)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/agent/sessions/s-1/pending", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	resp := decodeEnvelope(t, w)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "request_input", data["type"])
	assert.Equal(t, "Enter OTP", data["content"])

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/agent/sessions/other/pending", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(types.ErrNoPendingInput), decodeEnvelope(t, w).Error.Code)
}

func TestAgentHandler_Lookups(t *testing.T) {
	svc := &fakeService{
		getRun: func(_ context.Context, id string) (*store.RunRecord, error) {
			switch id {
			case "s-1":
				return &store.RunRecord{SessionID: "s-1", Status: runner.StatusSuccess}, nil
			case "broken":
				return nil, errors.New("connection reset")
			}
			return nil, store.ErrNotFound
		},
		getBatch: func(_ context.Context, id string) (*store.BatchRecord, error) {
			if id == "b-1" {
				return &store.BatchRecord{BatchID: "b-1", Total: 2}, nil
			}
			return nil, store.ErrNotFound
		},
	}
	h := NewAgentHandler(svc, zap.NewNop())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /agent/runs/{id}", h.HandleGetRun)
	mux.HandleFunc("GET /agent/batches/{id}", h.HandleGetBatch)

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/agent/runs/s-1", http.StatusOK},
		{"/agent/runs/missing", http.StatusNotFound},
		{"/agent/runs/broken", http.StatusInternalServerError},
		{"/agent/batches/b-1", http.StatusOK},
		{"/agent/batches/missing", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

// =============================================================================
// 🧪 端到端：真实服务 + HTTP 服务器
// =============================================================================

type askHistory struct{ result string }

func (h askHistory) FinalResult() string { return h.result }
func (h askHistory) Usage() (*runner.Usage, error) {
	return &runner.Usage{InputTokens: 5, OutputTokens: 1, TotalTokens: 6}, nil
}

// askUserRuntime 调用一次 ask_user，把答案作为最终结果
func askUserRuntime(question string) runner.Runtime {
	return runner.RuntimeFunc(func(ctx context.Context, req runner.Request) (runner.History, error) {
		for _, c := range req.Capabilities {
			if c.Name() != hitl.CapabilityAskUser {
				continue
			}
			args, _ := json.Marshal(hitl.AskUserArgs{Question: question})
			res, err := c.Invoke(ctx, args)
			if err != nil {
				return nil, err
			}
			return askHistory{result: res.ExtractedContent}, nil
		}
		return nil, errors.New("ask_user not offered")
	})
}

func newLiveServer(t *testing.T) (*httptest.Server, *service.Service) {
	t.Helper()
	logger := zap.NewNop()
	driver := runner.NewDriver(askUserRuntime("Enter OTP"), hitl.NewRegistry(logger), logger)
	svc := service.New(driver, browser.NewMemoryAcquirer(), store.NewMemoryStore(), logger)
	h := NewAgentHandler(svc, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /agent/stream", h.HandleStream)
	mux.HandleFunc("POST /agent/input", h.HandleInput)
	mux.HandleFunc("GET /agent/ws", h.HandleWS)
	mux.HandleFunc("GET /agent/runs/{id}", h.HandleGetRun)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, svc
}

func TestAgentHandler_SSEDecisionRoundTrip(t *testing.T) {
	srv, svc := newLiveServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/agent/stream",
		strings.NewReader(`{"platform":"amazon","action":"search","user_message":"mouse","session_id":"live-1"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var kinds []string
	var result string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			kinds = append(kinds, "[DONE]")
			break
		}
		var e struct {
			Type    string `json:"type"`
			Content any    `json:"content"`
		}
		require.NoError(t, json.Unmarshal([]byte(payload), &e))
		kinds = append(kinds, e.Type)

		switch e.Type {
		case "request_input":
			assert.Equal(t, "Enter OTP", e.Content)
			in, err := http.Post(srv.URL+"/agent/input", "application/json",
				bytes.NewBufferString(`{"session_id":"live-1","input_data":"424242"}`))
			require.NoError(t, err)
			var body map[string]string
			require.NoError(t, json.NewDecoder(in.Body).Decode(&body))
			in.Body.Close()
			assert.Equal(t, "success", body["status"])
		case "result":
			result = e.Content.(string)
		}
	}
	require.NoError(t, scanner.Err())

	assert.Equal(t, []string{"config", "request_input", "result", "usage", "[DONE]"}, kinds)
	assert.Equal(t, "USER PROVIDED: '424242'. Use this value. Do NOT ask again.", result)

	require.NoError(t, svc.Wait(ctx))
	rec, err := svc.GetRun(ctx, "live-1")
	require.NoError(t, err)
	assert.Equal(t, runner.StatusSuccess, rec.Status)
}
