package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryAcquirer 是不启动真实浏览器的实现，记录获取/释放与执行过的命令。
// 用于测试以及 browser.driver=memory 的本地演示。
type MemoryAcquirer struct {
	mu       sync.Mutex
	acquired int
	released int
	live     map[string]*MemoryHandle
	// AcquireErr 非空时 Acquire 直接返回该错误
	AcquireErr error
	// ReleaseErr 非空时 Release 在关闭后返回该错误
	ReleaseErr error
}

// NewMemoryAcquirer 创建内存资源获取器
func NewMemoryAcquirer() *MemoryAcquirer {
	return &MemoryAcquirer{live: make(map[string]*MemoryHandle)}
}

// Acquire 返回新的 MemoryHandle
func (a *MemoryAcquirer) Acquire(ctx context.Context, cfg Config) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.AcquireErr != nil {
		return nil, a.AcquireErr
	}
	h := &MemoryHandle{id: uuid.NewString(), cfg: cfg}

	a.mu.Lock()
	a.acquired++
	a.live[h.id] = h
	a.mu.Unlock()
	return h, nil
}

// Release 关闭句柄
func (a *MemoryAcquirer) Release(_ context.Context, h Handle) error {
	a.mu.Lock()
	mh, ok := a.live[h.ID()]
	if ok {
		delete(a.live, h.ID())
		a.released++
	}
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h.ID())
	}
	mh.markClosed()
	return a.ReleaseErr
}

// Counts 返回累计获取与释放次数
func (a *MemoryAcquirer) Counts() (acquired, released int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acquired, a.released
}

// Live 返回尚未释放的句柄数
func (a *MemoryAcquirer) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

// MemoryHandle 记录执行过的命令
type MemoryHandle struct {
	id  string
	cfg Config

	mu      sync.Mutex
	history []Command
	url     string
	closed  bool
}

func (h *MemoryHandle) ID() string      { return h.id }
func (h *MemoryHandle) KeepAlive() bool { return h.cfg.KeepAlive }

// Config 返回获取时的配置
func (h *MemoryHandle) Config() Config { return h.cfg }

// Execute 记录命令，navigate 会更新当前 URL
func (h *MemoryHandle) Execute(ctx context.Context, cmd Command) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrReleased
	}
	start := time.Now()
	h.history = append(h.history, cmd)
	if cmd.Action == ActionNavigate {
		h.url = cmd.Value
	}
	return &Result{Success: true, Action: cmd.Action, URL: h.url, Duration: time.Since(start)}, nil
}

// History 返回命令历史副本
func (h *MemoryHandle) History() []Command {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Command(nil), h.history...)
}

func (h *MemoryHandle) markClosed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}
