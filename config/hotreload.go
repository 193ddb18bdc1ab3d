// 配置热重载。
//
// 只有 agent、browser（driver 除外）和 log.level 会在运行中生效，
// 其余段落的变更会被记录为需要重启并保留旧值。
package config

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"
)

// ReloadCallback 在新配置生效后调用
type ReloadCallback func(oldConfig, newConfig *Config)

// Reloader 管理配置热重载
type Reloader struct {
	mu      sync.RWMutex
	loader  *Loader
	current *Config
	logger  *zap.Logger

	callbacks []ReloadCallback
	watcher   *FileWatcher
}

// NewReloader 创建热重载管理器。loader 必须与启动时使用的一致。
func NewReloader(loader *Loader, initial *Config, logger *zap.Logger) *Reloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reloader{
		loader:  loader,
		current: initial,
		logger:  logger.With(zap.String("component", "config_reloader")),
	}
}

// Current 返回当前生效的配置，调用方不得修改
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// OnReload 注册回调
func (r *Reloader) OnReload(cb ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// Reload 重新加载配置。校验失败时保留旧配置并返回错误。
func (r *Reloader) Reload() error {
	next, err := r.loader.Load()
	if err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	old := r.current
	restart := RestartRequired(old, next)
	applied := mergeHot(old, next)
	if reflect.DeepEqual(old, applied) {
		r.mu.Unlock()
		if len(restart) > 0 {
			r.logger.Warn("config changes require restart", zap.Strings("sections", restart))
		}
		return nil
	}
	r.current = applied
	callbacks := append([]ReloadCallback(nil), r.callbacks...)
	r.mu.Unlock()

	if len(restart) > 0 {
		r.logger.Warn("config changes require restart", zap.Strings("sections", restart))
	}
	r.logger.Info("config reloaded",
		zap.Int("max_steps", applied.Agent.MaxSteps),
		zap.String("log_level", applied.Log.Level))

	for _, cb := range callbacks {
		cb(old, applied)
	}
	return nil
}

// Watch 监听配置文件，变更时自动 Reload
func (r *Reloader) Watch(ctx context.Context, opts ...WatcherOption) error {
	if r.loader.configPath == "" {
		return fmt.Errorf("no config file to watch")
	}
	w, err := NewFileWatcher(r.loader.configPath, append([]WatcherOption{WithWatcherLogger(r.logger)}, opts...)...)
	if err != nil {
		return err
	}
	w.OnChange(func(ev FileEvent) {
		if ev.Op == FileOpRemove {
			r.logger.Warn("config file removed, keeping current config", zap.String("path", ev.Path))
			return
		}
		if err := r.Reload(); err != nil {
			r.logger.Error("config reload failed", zap.Error(err))
		}
	})
	if err := w.Start(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	r.watcher = w
	r.mu.Unlock()
	return nil
}

// Close 停止文件监听
func (r *Reloader) Close() error {
	r.mu.Lock()
	w := r.watcher
	r.watcher = nil
	r.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Stop()
}

// RestartRequired 返回发生变更但无法热更新的配置段
func RestartRequired(old, next *Config) []string {
	var sections []string
	check := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			sections = append(sections, name)
		}
	}
	check("server", old.Server, next.Server)
	check("store", old.Store, next.Store)
	check("redis", old.Redis, next.Redis)
	check("database", old.Database, next.Database)
	check("telemetry", old.Telemetry, next.Telemetry)
	check("browser.driver", old.Browser.Driver, next.Browser.Driver)
	check("agent.runtime", old.Agent.Runtime, next.Agent.Runtime)
	check("agent.script_path", old.Agent.ScriptPath, next.Agent.ScriptPath)

	oldLog, nextLog := old.Log, next.Log
	oldLog.Level, nextLog.Level = "", ""
	check("log", oldLog, nextLog)
	return sections
}

// mergeHot 以 old 为底，只取 next 中可热更新的字段
func mergeHot(old, next *Config) *Config {
	merged := *old

	merged.Agent = next.Agent
	merged.Agent.Runtime = old.Agent.Runtime
	merged.Agent.ScriptPath = old.Agent.ScriptPath

	merged.Browser = next.Browser
	merged.Browser.Driver = old.Browser.Driver
	merged.Browser.Args = append([]string(nil), next.Browser.Args...)

	merged.Log.Level = next.Log.Level
	return &merged
}
