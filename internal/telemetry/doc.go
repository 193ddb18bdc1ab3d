// Package telemetry 封装 OpenTelemetry SDK 初始化，安装全局 TracerProvider 与 MeterProvider。
// 遥测禁用时保持 noop 实现，不连接任何外部服务。
package telemetry
