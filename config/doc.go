// Package config 提供 CartPilot 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（CARTPILOT_ 前缀）的顺序合并，
// 并支持监听配置文件对运行限制、浏览器参数和日志级别做热重载。
package config
