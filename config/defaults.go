// =============================================================================
// 📦 dagflow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Executor:       DefaultExecutorConfig(),
		Concurrency:    DefaultConcurrencyConfig(),
		Retry:          DefaultRetryConfig(),
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		Preamble:       DefaultPreambleConfig(),
		Log:            DefaultLogConfig(),
		Telemetry:      DefaultTelemetryConfig(),
		Metrics:        DefaultMetricsConfig(),
		Provider:       DefaultProviderConfig(),
	}
}

// DefaultExecutorConfig 返回默认调度器配置
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		FailFast:     false,
		NodeTimeout:  5 * time.Minute,
		DefaultModel: "gpt-4o",
	}
}

// DefaultConcurrencyConfig 返回默认并发配置
func DefaultConcurrencyConfig() ConcurrencyConfig {
	return ConcurrencyConfig{
		Global: 64,
		Categories: map[string]int{
			"agent":        8,
			"http_request": 16,
		},
		RateBurst:      1,
		AcquireTimeout: 0,
	}
}

// DefaultRetryConfig 返回默认重试配置
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:         3,
		InitialDelay:        500 * time.Millisecond,
		MaxDelay:            30 * time.Second,
		Multiplier:          2.0,
		JitterFactor:        0.1,
		RetryableCategories: []string{"network", "timeout", "rate_limit", "concurrency_timeout"},
	}
}

// DefaultCircuitBreakerConfig 返回默认熔断器配置
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		FailureWindow:    time.Minute,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
		HalfOpenMaxCalls: 2,
	}
}

// DefaultPreambleConfig 返回默认前言配置
func DefaultPreambleConfig() PreambleConfig {
	return PreambleConfig{
		Disabled:           false,
		MaxTokensPerParent: 0,
		TokenizerModel:     "gpt-4o",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stderr"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "dagflow",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "dagflow",
	}
}

// DefaultProviderConfig 返回默认补全服务配置
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Name:          "openai",
		BaseURL:       "https://api.openai.com",
		SupportsTools: true,
	}
}
