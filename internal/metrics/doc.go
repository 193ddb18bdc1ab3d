/*
包 metrics 提供基于 Prometheus 的指标采集。

# 核心类型

  - Collector：指标收集器，按业务域分组持有 Counter、Histogram、Gauge。
    同时作为运行驱动、决策登记表、步数治理器和批处理编排器的 Recorder 注入。

# 主要能力

  - HTTP 指标：请求总数、耗时、响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - 运行指标：按 action/status 的运行计数、耗时、步数分布、token 与成本、强制停止次数。
  - 决策指标：按类型的提示数、按结果的结束数、当前待决 Gauge。
  - 批处理指标：按终态的条目计数。
  - 数据库指标：活跃/空闲连接数 Gauge。
*/
package metrics
