/*
Package handlers 提供 CartPilot HTTP 与 WebSocket 接口的请求处理器。

# 核心类型

  - AgentHandler     — 单次运行与批量下单的 SSE 流、人工决策提交、记录查询、WebSocket 传输
  - HealthHandler    — 服务健康检查（/health, /healthz, /ready）
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo        — 结构化错误信息，含 code、message、retryable 标记
  - ResponseWriter   — 包装 http.ResponseWriter 以捕获状态码，透传 Flush 与 Hijack

# 约定

  - 非流式路由使用统一响应格式；/agent/input 保持 {status, message} 旧格式
  - DecodeJSONBody 限制 1 MB 并拒绝未知字段
  - ErrorCode → HTTP 状态码自动映射（4xx/5xx）
  - 客户端断开会取消请求上下文，进行中的运行随之结束
*/
package handlers
