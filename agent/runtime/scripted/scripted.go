// Package scripted 提供确定性的代理运行时：按 YAML 脚本回放思考步骤、浏览器命令
// 和人工决策能力调用。用于测试、演示与本地开发，不调用任何语言模型。
package scripted

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/BaSui01/cartpilot/agent/browser"
	"github.com/BaSui01/cartpilot/agent/governor"
	"github.com/BaSui01/cartpilot/agent/hitl"
	"github.com/BaSui01/cartpilot/agent/runner"
	"go.uber.org/zap"
)

var (
	// ErrNoScript 没有脚本匹配任务
	ErrNoScript = errors.New("no script matches task")
	// ErrTooManyFailures 连续浏览器失败超过上限
	ErrTooManyFailures = errors.New("too many consecutive failures")
)

var urlPattern = regexp.MustCompile(`https?://\S+`)

const declinedPrefix = "USER DECLINED:"

// Runtime 实现 runner.Runtime
type Runtime struct {
	scripts []Script
	logger  *zap.Logger
}

var _ runner.Runtime = (*Runtime)(nil)

// New 创建脚本运行时
func New(scripts []Script, logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	cloned := make([]Script, len(scripts))
	copy(cloned, scripts)
	return &Runtime{
		scripts: cloned,
		logger:  logger.With(zap.String("component", "scripted_runtime")),
	}
}

// history 实现 runner.History
type history struct {
	result string
	usage  *runner.Usage
}

func (h *history) FinalResult() string { return h.result }

func (h *history) Usage() (*runner.Usage, error) {
	if h.usage == nil {
		return nil, nil
	}
	u := *h.usage
	return &u, nil
}

// Run 回放第一个匹配任务的脚本
func (r *Runtime) Run(ctx context.Context, req runner.Request) (runner.History, error) {
	script, ok := r.match(req.Task)
	if !ok {
		return nil, fmt.Errorf("%w: %.60q", ErrNoScript, req.Task)
	}
	logger := r.logger.With(zap.String("script", script.Name))
	logger.Debug("replaying script", zap.Int("steps", len(script.Steps)), zap.Float64("temperature", req.Temperature))

	caps := make(map[string]hitl.Capability, len(req.Capabilities))
	for _, c := range req.Capabilities {
		caps[c.Name()] = c
	}
	vars := templateVars(req.Task)

	var (
		last     string
		failures int
	)
	for _, step := range script.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if req.StepHook != nil {
			if stop := req.StepHook.OnStep(ctx, governor.StepSummary{Thinking: step.Thinking}); stop != nil {
				logger.Info("stopped by step hook", zap.String("reason", stop.Reason))
				return &history{result: stop.Reason, usage: script.Usage}, nil
			}
		}
		if step.Fail != "" {
			return nil, errors.New(step.Fail)
		}

		commands := step.Browser
		if req.MaxActionsPerStep > 0 && len(commands) > req.MaxActionsPerStep {
			logger.Warn("step exceeds action limit, truncating",
				zap.Int("actions", len(commands)), zap.Int("limit", req.MaxActionsPerStep))
			commands = commands[:req.MaxActionsPerStep]
		}
		for _, cmd := range commands {
			if err := r.execute(ctx, req.Browser, cmd, vars); err != nil {
				failures++
				logger.Warn("browser command failed", zap.String("action", string(cmd.Action)), zap.Error(err))
				if req.MaxFailures > 0 && failures >= req.MaxFailures {
					return nil, fmt.Errorf("%w: %v", ErrTooManyFailures, err)
				}
				continue
			}
			failures = 0
		}

		if step.Capability == "" {
			continue
		}
		c, ok := caps[step.Capability]
		if !ok {
			return nil, fmt.Errorf("capability %s is not available", step.Capability)
		}
		args, err := json.Marshal(step.Args)
		if err != nil {
			return nil, fmt.Errorf("encode %s args: %w", step.Capability, err)
		}
		res, err := c.Invoke(ctx, args)
		if err != nil {
			return nil, err
		}
		last = res.ExtractedContent
		if res.IsDone {
			return &history{result: res.ExtractedContent, usage: script.Usage}, nil
		}
		// 用户拒绝后不再继续后面的步骤
		if strings.HasPrefix(last, declinedPrefix) {
			return &history{result: last, usage: script.Usage}, nil
		}
	}

	result := script.Result
	if result == "" {
		result = last
	}
	return &history{result: result, usage: script.Usage}, nil
}

func (r *Runtime) match(task string) (Script, bool) {
	for _, s := range r.scripts {
		if s.matches(task) {
			return s, true
		}
	}
	return Script{}, false
}

func (r *Runtime) execute(ctx context.Context, h browser.Handle, cmd browser.Command, vars *strings.Replacer) error {
	if h == nil {
		return nil
	}
	cmd.Value = vars.Replace(cmd.Value)
	_, err := h.Execute(ctx, cmd)
	return err
}

// templateVars 从任务描述中提取 $QUERY 与 $TARGET
func templateVars(task string) *strings.Replacer {
	firstLine, _, _ := strings.Cut(task, "\n")
	query := ""
	if _, after, ok := strings.Cut(firstLine, ": "); ok {
		query = strings.TrimSpace(after)
	}
	return strings.NewReplacer("$QUERY", query, "$TARGET", urlPattern.FindString(task))
}
