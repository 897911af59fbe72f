// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package server 管理 dagflow 进程内的 HTTP 端点生命周期。

Manager 封装 net/http.Server：Start 非阻塞监听，Shutdown 在超时内
排空连接，Errors 暴露后台 Serve 的异常。MetricsHandler 基于
promhttp 为任意 prometheus.Gatherer 生成 /metrics 路由，
cmd/dagflow 在 metrics.addr 非空时使用它暴露执行器指标。
*/
package server
