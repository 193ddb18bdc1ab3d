// Package api 定义 CartPilot HTTP 与 WebSocket 接口的请求、响应和帧结构。
//
// # 接口概览
//
//   - POST /agent/stream        启动单次运行，响应为 SSE 事件流
//   - POST /agent/input         提交人工决策答案
//   - POST /agent/batch-order   启动批量下单，响应为 SSE 事件流
//   - GET  /agent/ws            WebSocket 双工传输
//   - GET  /agent/sessions/{id}/pending
//   - GET  /agent/runs/{id}
//   - GET  /agent/batches/{id}
//
// SSE 每个事件写为 "data: {json}\n\n"，流结束时追加 "data: [DONE]\n\n"。
//
// # 认证
//
// 配置了 API Key 时需要携带请求头：
//
//	X-API-Key: your-api-key
package api
