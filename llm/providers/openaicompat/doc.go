// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package openaicompat 实现基于 OpenAI Chat Completions 协议的 llm.Provider。

DeepSeek、Qwen、GLM、Grok 等兼容 OpenAI 格式的服务只需配置不同的
BaseURL、默认模型与认证头即可复用同一实现：

	p := openaicompat.New(openaicompat.Config{
	    ProviderName: "deepseek",
	    APIKey:       os.Getenv("DEEPSEEK_API_KEY"),
	    BaseURL:      "https://api.deepseek.com",
	    DefaultModel: "deepseek-chat",
	}, logger)

非 2xx 响应通过 llm.NewHTTPError 归类（429 → rate_limit，5xx → network 等），
传输错误归类为 network，以便 workflow 执行器的重试策略与熔断器识别。
Stream 解析 SSE（data: 行，以 [DONE] 结束）。
*/
package openaicompat
