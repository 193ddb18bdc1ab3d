// 配置文件变更监听器实现。
//
// 优先使用 fsnotify 监听所在目录，初始化失败时退回轮询。
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// --- 文件监听器类型定义 ---

// FileOp 文件操作类型
type FileOp int

const (
	// FileOpCreate 文件已创建
	FileOpCreate FileOp = iota
	// FileOpWrite 文件已修改
	FileOpWrite
	// FileOpRemove 文件已删除或重命名
	FileOpRemove
)

// String returns the string representation of FileOp
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// FileEvent 文件变更事件
type FileEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// FileWatcher 监听单个配置文件
type FileWatcher struct {
	mu sync.Mutex

	path          string
	debounceDelay time.Duration
	pollInterval  time.Duration
	forcePoll     bool

	running   bool
	stopChan  chan struct{}
	done      chan struct{}
	callbacks []func(FileEvent)

	logger *zap.Logger
}

// WatcherOption configures the FileWatcher
type WatcherOption func(*FileWatcher)

// WithDebounceDelay 设置防抖延迟（编辑器保存常触发多次写事件）
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) { w.debounceDelay = d }
}

// WithPollInterval 强制使用轮询并设置间隔
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		w.pollInterval = d
		w.forcePoll = true
	}
}

// WithWatcherLogger sets the logger for the watcher
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) { w.logger = logger }
}

// NewFileWatcher 创建文件监听器
func NewFileWatcher(path string, opts ...WatcherOption) (*FileWatcher, error) {
	if path == "" {
		return nil, fmt.Errorf("watch path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}

	w := &FileWatcher{
		path:          abs,
		debounceDelay: 200 * time.Millisecond,
		pollInterval:  time.Second,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}

	if _, err := os.Stat(abs); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat path %s: %w", abs, err)
	}
	return w, nil
}

// Path 返回被监听的绝对路径
func (w *FileWatcher) Path() string { return w.path }

// OnChange 注册变更回调
func (w *FileWatcher) OnChange(callback func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start 开始监听，ctx 取消或 Stop 后退出
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}

	events := make(chan FileEvent, 16)
	w.stopChan = make(chan struct{})
	w.done = make(chan struct{})

	var fsw *fsnotify.Watcher
	if !w.forcePoll {
		var err error
		fsw, err = fsnotify.NewWatcher()
		if err == nil {
			// 监听目录而不是文件本身，原子替换（rename）后仍能收到事件
			if err = fsw.Add(filepath.Dir(w.path)); err != nil {
				_ = fsw.Close()
				fsw = nil
			}
		}
		if err != nil {
			w.logger.Warn("fsnotify unavailable, falling back to polling", zap.Error(err))
		}
	}

	stop := w.stopChan
	if fsw != nil {
		go w.notifyLoop(ctx, stop, fsw, events)
	} else {
		go w.pollLoop(ctx, stop, events)
	}
	go w.dispatchLoop(ctx, stop, events, w.done)

	w.running = true
	w.logger.Info("config watcher started",
		zap.String("path", w.path),
		zap.Bool("polling", fsw == nil))
	return nil
}

// Stop 停止监听并等待分发协程退出
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	close(w.stopChan)
	done := w.done
	w.running = false
	w.mu.Unlock()

	<-done
	w.logger.Info("config watcher stopped")
	return nil
}

// IsRunning returns whether the watcher is running
func (w *FileWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *FileWatcher) notifyLoop(ctx context.Context, stop <-chan struct{}, fsw *fsnotify.Watcher, out chan<- FileEvent) {
	defer fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			var op FileOp
			switch {
			case ev.Op&fsnotify.Create != 0:
				op = FileOpCreate
			case ev.Op&fsnotify.Write != 0:
				op = FileOpWrite
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				op = FileOpRemove
			default:
				continue
			}
			w.emit(ctx, stop, out, FileEvent{Path: w.path, Op: op, Timestamp: time.Now()})
		}
	}
}

func (w *FileWatcher) pollLoop(ctx context.Context, stop <-chan struct{}, out chan<- FileEvent) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var lastMod time.Time
	exists := false
	if info, err := os.Stat(w.path); err == nil {
		lastMod, exists = info.ModTime(), true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		}

		info, err := os.Stat(w.path)
		switch {
		case err != nil && exists:
			exists = false
			w.emit(ctx, stop, out, FileEvent{Path: w.path, Op: FileOpRemove, Timestamp: time.Now()})
		case err != nil:
		case !exists:
			lastMod, exists = info.ModTime(), true
			w.emit(ctx, stop, out, FileEvent{Path: w.path, Op: FileOpCreate, Timestamp: time.Now()})
		case info.ModTime().After(lastMod):
			lastMod = info.ModTime()
			w.emit(ctx, stop, out, FileEvent{Path: w.path, Op: FileOpWrite, Timestamp: time.Now()})
		}
	}
}

func (w *FileWatcher) emit(ctx context.Context, stop <-chan struct{}, out chan<- FileEvent, ev FileEvent) {
	select {
	case out <- ev:
	case <-ctx.Done():
	case <-stop:
	}
}

// dispatchLoop 防抖后把最后一个事件交给回调
func (w *FileWatcher) dispatchLoop(ctx context.Context, stop <-chan struct{}, in <-chan FileEvent, done chan<- struct{}) {
	defer close(done)

	var (
		pending *FileEvent
		timer   *time.Timer
		fire    <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case ev := <-in:
			pending = &ev
			if timer == nil {
				timer = time.NewTimer(w.debounceDelay)
			} else {
				timer.Reset(w.debounceDelay)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if pending == nil {
				continue
			}
			ev := *pending
			pending = nil

			w.mu.Lock()
			callbacks := append([]func(FileEvent){}, w.callbacks...)
			w.mu.Unlock()

			w.logger.Debug("dispatching config file event", zap.String("op", ev.Op.String()))
			for _, cb := range callbacks {
				cb(ev)
			}
		}
	}
}
