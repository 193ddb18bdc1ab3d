/*
cartpilot 是人机协同购物代理的服务入口。

# 子命令

  - serve：加载配置，组装存储、决策登记表、运行驱动、浏览器获取器与服务层，
    启动 API 服务器（SSE + WebSocket）与独立的 /metrics 服务器。
    配置文件变更时热更新步数限制、浏览器参数、模型名与日志级别。
  - migrate：执行 internal/migration 中嵌入的 SQL 迁移。
  - health：探测 /health。
  - version：打印构建信息。

# 中间件

请求依次经过 Recovery、RequestID、OTelTracing、MetricsMiddleware、
SecurityHeaders、RequestLogger、CORS、RateLimiter，配置了 API Key 或
JWT 密钥时再经过相应认证。所有包装 ResponseWriter 的中间件都透传
Flusher 与 Hijacker，事件流与 WebSocket 升级依赖这两个接口。
*/
package main
