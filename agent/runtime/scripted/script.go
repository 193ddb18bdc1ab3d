package scripted

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BaSui01/cartpilot/agent/browser"
	"github.com/BaSui01/cartpilot/agent/runner"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultScripts []byte

// File 是脚本文件的顶层结构
type File struct {
	Scripts []Script `yaml:"scripts"`
}

// Script 是一段按顺序回放的运行脚本
type Script struct {
	Name string `yaml:"name"`
	// Match 对任务描述做大小写不敏感的子串匹配，空表示兜底脚本
	Match  string        `yaml:"match"`
	Steps  []Step        `yaml:"steps"`
	Result string        `yaml:"result"`
	Usage  *runner.Usage `yaml:"usage"`
}

// Step 是一步：先上报思考，再执行浏览器命令，最后可选地调用一个能力
type Step struct {
	Thinking   string            `yaml:"thinking"`
	Browser    []browser.Command `yaml:"browser"`
	Capability string            `yaml:"capability"`
	Args       map[string]any    `yaml:"args"`
	// Fail 非空时本步以该错误结束运行
	Fail string `yaml:"fail"`
}

// Parse 解析 YAML 脚本
func Parse(data []byte) ([]Script, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode script: %w", err)
	}
	if len(f.Scripts) == 0 {
		return nil, errors.New("script file defines no scripts")
	}
	for i, s := range f.Scripts {
		if err := s.validate(); err != nil {
			return nil, fmt.Errorf("script %d (%s): %w", i, s.Name, err)
		}
	}
	return f.Scripts, nil
}

// Load 从文件加载脚本；path 为空时使用内置脚本
func Load(path string) ([]Script, error) {
	if path == "" {
		return Parse(defaultScripts)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script file: %w", err)
	}
	return Parse(data)
}

func (s Script) validate() error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	for i, step := range s.Steps {
		for _, cmd := range step.Browser {
			if cmd.Action == "" {
				return fmt.Errorf("step %d: browser command without action", i+1)
			}
		}
		if step.Capability == "" && step.Args != nil {
			return fmt.Errorf("step %d: args without capability", i+1)
		}
	}
	return nil
}

func (s Script) matches(task string) bool {
	return s.Match == "" || strings.Contains(strings.ToLower(task), strings.ToLower(s.Match))
}
