package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ChromeDPAcquirer 基于 chromedp 启动本地 Chrome。
// 同一个 ProfileDir 同时只能被一个实例占用（Chrome 会锁定 user-data-dir），
// Acquire 会排队等待该目录释放。
type ChromeDPAcquirer struct {
	logger *zap.Logger

	mu       sync.Mutex
	profiles map[string]chan struct{}
	handles  map[string]*chromeHandle
}

// NewChromeDPAcquirer 创建 chromedp 资源获取器
func NewChromeDPAcquirer(logger *zap.Logger) *ChromeDPAcquirer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromeDPAcquirer{
		logger:   logger.With(zap.String("component", "chromedp_acquirer")),
		profiles: make(map[string]chan struct{}),
		handles:  make(map[string]*chromeHandle),
	}
}

// execFlag 是一个 Chrome 启动开关
type execFlag struct {
	name  string
	value any
}

// execFlags 把 Config 转换成 Chrome 启动开关
func execFlags(cfg Config) []execFlag {
	flags := []execFlag{{"headless", cfg.Headless}}
	args := cfg.Args
	if args == nil {
		args = DefaultArgs
	}
	for _, arg := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if name == "" {
			continue
		}
		if hasValue {
			flags = append(flags, execFlag{name, value})
		} else {
			flags = append(flags, execFlag{name, true})
		}
	}
	if cfg.ProfileDir != "" {
		flags = append(flags, execFlag{"user-data-dir", cfg.ProfileDir})
	}
	return flags
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	for _, f := range execFlags(cfg) {
		opts = append(opts, chromedp.Flag(f.name, f.value))
	}
	if cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(cfg.ProxyURL))
	}
	return opts
}

// Acquire 启动浏览器
func (a *ChromeDPAcquirer) Acquire(ctx context.Context, cfg Config) (Handle, error) {
	if err := a.lockProfile(ctx, cfg.ProfileDir); err != nil {
		return nil, err
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			a.logger.Debug(fmt.Sprintf(format, args...))
		}),
	)

	// 首次 Run 才真正拉起进程
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		a.unlockProfile(cfg.ProfileDir)
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	h := &chromeHandle{
		id:          uuid.NewString(),
		cfg:         cfg,
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
		logger:      a.logger,
	}

	a.mu.Lock()
	a.handles[h.id] = h
	a.mu.Unlock()

	a.logger.Info("chromedp browser started",
		zap.String("browser_id", h.id),
		zap.Bool("headless", cfg.Headless),
		zap.Bool("keep_alive", cfg.KeepAlive),
		zap.String("profile_dir", cfg.ProfileDir),
	)
	return h, nil
}

// Release 关闭浏览器，重复释放是空操作
func (a *ChromeDPAcquirer) Release(_ context.Context, h Handle) error {
	if h == nil {
		return nil
	}
	a.mu.Lock()
	ch, ok := a.handles[h.ID()]
	delete(a.handles, h.ID())
	a.mu.Unlock()

	if !ok {
		return nil
	}
	ch.close()
	a.unlockProfile(ch.cfg.ProfileDir)
	a.logger.Info("chromedp browser closed", zap.String("browser_id", ch.id))
	return nil
}

// Close 关闭所有仍存活的浏览器，进程退出前调用
func (a *ChromeDPAcquirer) Close() error {
	a.mu.Lock()
	handles := make([]*chromeHandle, 0, len(a.handles))
	for _, h := range a.handles {
		handles = append(handles, h)
	}
	a.mu.Unlock()

	for _, h := range handles {
		_ = a.Release(context.Background(), h)
	}
	return nil
}

func (a *ChromeDPAcquirer) profileLock(dir string) chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.profiles[dir]
	if !ok {
		l = make(chan struct{}, 1)
		a.profiles[dir] = l
	}
	return l
}

func (a *ChromeDPAcquirer) lockProfile(ctx context.Context, dir string) error {
	if dir == "" {
		return nil
	}
	select {
	case a.profileLock(dir) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for browser profile %s: %w", dir, ctx.Err())
	}
}

func (a *ChromeDPAcquirer) unlockProfile(dir string) {
	if dir == "" {
		return
	}
	select {
	case <-a.profileLock(dir):
	default:
	}
}

// chromeHandle 实现 Handle
type chromeHandle struct {
	id          string
	cfg         Config
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	logger      *zap.Logger

	mu     sync.Mutex
	closed bool
}

func (h *chromeHandle) ID() string      { return h.id }
func (h *chromeHandle) KeepAlive() bool { return h.cfg.KeepAlive }

// Execute 执行浏览器命令
func (h *chromeHandle) Execute(ctx context.Context, cmd Command) (*Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrReleased
	}

	runCtx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	if h.cfg.Timeout > 0 {
		var timeoutCancel context.CancelFunc
		runCtx, timeoutCancel = context.WithTimeout(runCtx, h.cfg.Timeout)
		defer timeoutCancel()
	}
	// 调用方取消时同步取消 chromedp 操作
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	start := time.Now()
	result := &Result{Action: cmd.Action}

	var err error
	switch cmd.Action {
	case ActionNavigate:
		err = chromedp.Run(runCtx, chromedp.Navigate(cmd.Value))
	case ActionClick:
		err = chromedp.Run(runCtx, chromedp.Click(cmd.Selector, chromedp.ByQuery))
	case ActionType:
		err = chromedp.Run(runCtx,
			chromedp.Clear(cmd.Selector, chromedp.ByQuery),
			chromedp.SendKeys(cmd.Selector, cmd.Value, chromedp.ByQuery),
		)
	case ActionScroll:
		err = chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			return input.DispatchMouseEvent(input.MouseWheel, 0, 0).WithDeltaY(300).Do(ctx)
		}))
	case ActionScreenshot:
		var buf []byte
		err = chromedp.Run(runCtx, chromedp.FullScreenshot(&buf, 90))
		result.Screenshot = buf
	case ActionWait:
		if cmd.Selector != "" {
			err = chromedp.Run(runCtx, chromedp.WaitVisible(cmd.Selector, chromedp.ByQuery))
		} else {
			d, perr := time.ParseDuration(cmd.Value)
			if perr != nil {
				d = 3 * time.Second
			}
			err = chromedp.Run(runCtx, chromedp.Sleep(d))
		}
	case ActionExtract:
		var text string
		err = chromedp.Run(runCtx, chromedp.Text(cmd.Selector, &text, chromedp.ByQuery))
		if err == nil {
			result.Data = []byte(fmt.Sprintf(`{"text":%q}`, text))
		}
	case ActionBack:
		err = chromedp.Run(runCtx, chromedp.NavigateBack())
	case ActionForward:
		err = chromedp.Run(runCtx, chromedp.NavigateForward())
	case ActionRefresh:
		err = chromedp.Run(runCtx, chromedp.Reload())
	default:
		err = fmt.Errorf("unsupported action: %s", cmd.Action)
	}

	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err.Error()
		h.logger.Debug("browser command failed",
			zap.String("browser_id", h.id),
			zap.String("action", string(cmd.Action)),
			zap.Error(err))
		return result, err
	}

	result.Success = true
	var url string
	if chromedp.Run(runCtx, chromedp.Location(&url)) == nil {
		result.URL = url
	}
	return result, nil
}

func (h *chromeHandle) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.cancel()
	h.allocCancel()
}
