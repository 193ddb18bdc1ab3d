/*
Package types 提供 CartPilot 的全局共享类型。

types 是最底层的公共包，不依赖任何内部包，供 api、cmd 与 agent/service 使用。

# 核心类型

  - Error / ErrorCode — 结构化错误，含 HTTP 状态码与 Retryable 标记
  - Context 传播：WithTraceID / WithRequestID / WithUserID / WithRoles / WithSessionID

# 错误工具

  - AsError / GetErrorCode / IsErrorCode / IsRetryable，均沿 errors.As 链查找
*/
package types
