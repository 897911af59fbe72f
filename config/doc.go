// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package config 提供 dagflow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量 的顺序叠加，加载后统一校验，
// 再通过 ExecutorConfig、RetryPolicy、BreakerConfig 等方法转换为
// 引擎使用的强类型配置。调度引擎本身不读取任何文件。
package config
