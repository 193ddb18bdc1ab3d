package hitl

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/cartpilot/agent/stream"
	"go.uber.org/zap"
)

var (
	// ErrEmptySession 会话标识为空。
	ErrEmptySession = errors.New("hitl: empty session id")
	// ErrDecisionPending 同一会话已有未决决策。
	ErrDecisionPending = errors.New("hitl: decision already pending for session")
	// ErrNoPendingInput 提交答案时该会话没有等待中的决策。
	ErrNoPendingInput = errors.New("hitl: no pending input for this session")
	// ErrDecisionCanceled 等待被运行清理取消。
	ErrDecisionCanceled = errors.New("hitl: decision canceled")
)

// Recorder 接收决策生命周期指标，由 metrics.Collector 实现。
type Recorder interface {
	RecordDecisionRequested(kind string)
	RecordDecisionResolved(outcome string)
	SetDecisionsPending(n int)
}

// Pending 是某个会话的一次性决策槽。
type Pending struct {
	sessionID string
	prompt    stream.Event
	createdAt time.Time
	answerCh  chan string
	done      chan struct{}
}

// SessionID 返回所属会话。
func (p *Pending) SessionID() string { return p.sessionID }

// Prompt 返回宣告该决策的事件。
func (p *Pending) Prompt() stream.Event { return p.prompt }

// CreatedAt 返回登记时间。
func (p *Pending) CreatedAt() time.Time { return p.createdAt }

// Wait 阻塞直到收到答案、被取消或 ctx 结束。没有超时。
func (p *Pending) Wait(ctx context.Context) (string, error) {
	select {
	case answer := <-p.answerCh:
		return answer, nil
	case <-p.done:
		return "", ErrDecisionCanceled
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Registry 维护 session -> 未决决策 的映射。进程内只构造一次并注入到每次运行。
type Registry struct {
	mu       sync.Mutex
	pending  map[string]*Pending
	recorder Recorder
	logger   *zap.Logger
}

// RegistryOption 配置 Registry。
type RegistryOption func(*Registry)

// WithRecorder 设置指标记录器。
func WithRecorder(r Recorder) RegistryOption {
	return func(reg *Registry) { reg.recorder = r }
}

// NewRegistry 创建决策登记表。
func NewRegistry(logger *zap.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		pending: make(map[string]*Pending),
		logger:  logger.With(zap.String("component", "decision_registry")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register 为会话创建决策槽。已有存活槽时返回 ErrDecisionPending，不会覆盖。
func (r *Registry) Register(sessionID string, prompt stream.Event) (*Pending, error) {
	if sessionID == "" {
		return nil, ErrEmptySession
	}

	p := &Pending{
		sessionID: sessionID,
		prompt:    prompt,
		createdAt: time.Now(),
		answerCh:  make(chan string, 1),
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if _, exists := r.pending[sessionID]; exists {
		r.mu.Unlock()
		return nil, ErrDecisionPending
	}
	r.pending[sessionID] = p
	n := len(r.pending)
	r.mu.Unlock()

	r.logger.Debug("decision registered",
		zap.String("session_id", sessionID),
		zap.String("kind", string(prompt.Type)),
	)
	if r.recorder != nil {
		r.recorder.RecordDecisionRequested(string(prompt.Type))
		r.recorder.SetDecisionsPending(n)
	}
	return p, nil
}

// Resolve 用答案完成决策并移除。没有等待中的决策时返回 ErrNoPendingInput。
func (r *Registry) Resolve(sessionID, answer string) error {
	r.mu.Lock()
	p, ok := r.pending[sessionID]
	if !ok {
		r.mu.Unlock()
		return ErrNoPendingInput
	}
	delete(r.pending, sessionID)
	n := len(r.pending)
	r.mu.Unlock()

	// 容量为 1，且每个槽只会被移除一次
	p.answerCh <- answer

	r.logger.Info("decision resolved", zap.String("session_id", sessionID))
	if r.recorder != nil {
		r.recorder.RecordDecisionResolved("answered")
		r.recorder.SetDecisionsPending(n)
	}
	return nil
}

// Cancel 取消仍未决的决策，使等待方以 ErrDecisionCanceled 返回。
func (r *Registry) Cancel(sessionID string) bool {
	r.mu.Lock()
	p, ok := r.pending[sessionID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return r.CancelPending(p)
}

// CancelPending 仅当会话的存活槽仍是 p 时取消它。
// 运行清理用它释放自己登记的槽，不会误伤同名会话上其他运行的决策。
func (r *Registry) CancelPending(p *Pending) bool {
	if p == nil {
		return false
	}
	r.mu.Lock()
	cur, ok := r.pending[p.sessionID]
	ok = ok && cur == p
	if ok {
		delete(r.pending, p.sessionID)
	}
	n := len(r.pending)
	r.mu.Unlock()

	if !ok {
		return false
	}
	close(p.done)

	r.logger.Info("decision canceled", zap.String("session_id", p.sessionID))
	if r.recorder != nil {
		r.recorder.RecordDecisionResolved("canceled")
		r.recorder.SetDecisionsPending(n)
	}
	return true
}

// Get 返回会话当前等待中的提示事件。
func (r *Registry) Get(sessionID string) (stream.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[sessionID]
	if !ok {
		return stream.Event{}, false
	}
	return p.prompt, true
}

// Len 返回未决决策数量。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// discard 仅在槽仍是 p 时移除，用于等待方因 ctx 结束而放弃。
func (r *Registry) discard(p *Pending) {
	r.mu.Lock()
	cur, ok := r.pending[p.sessionID]
	if ok && cur == p {
		delete(r.pending, p.sessionID)
	}
	n := len(r.pending)
	r.mu.Unlock()

	if ok && cur == p && r.recorder != nil {
		r.recorder.RecordDecisionResolved("abandoned")
		r.recorder.SetDecisionsPending(n)
	}
}
