// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 dagflow 命令行入口。

# 子命令

  - run       加载工作流定义（YAML/JSON），连接 OpenAI 兼容补全服务并执行一次
  - validate  校验定义并打印 Kahn 分层结果
  - version   打印构建信息

run 读取 config.Loader 的配置（YAML 文件 + DAGFLOW_* 环境变量），
按配置初始化 zap 日志、OpenTelemetry 与 Prometheus 指标；
metrics.addr 非空时在运行期间暴露 /metrics。收到 SIGINT/SIGTERM
会取消运行，报告中的状态为 cancelled。

构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置。
*/
package main
