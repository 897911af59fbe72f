package config

import (
	"github.com/BaSui01/dagflow/internal/pool"
	"github.com/BaSui01/dagflow/llm/circuitbreaker"
	"github.com/BaSui01/dagflow/llm/retry"
	"github.com/BaSui01/dagflow/types"
	"github.com/BaSui01/dagflow/workflow"
)

// RetryPolicy converts the retry section into a retry.RetryPolicy.
func (c *Config) RetryPolicy() *retry.RetryPolicy {
	categories := make([]types.Category, 0, len(c.Retry.RetryableCategories))
	for _, name := range c.Retry.RetryableCategories {
		categories = append(categories, types.Category(name))
	}
	return &retry.RetryPolicy{
		MaxAttempts:         c.Retry.MaxAttempts,
		InitialDelay:        c.Retry.InitialDelay,
		MaxDelay:            c.Retry.MaxDelay,
		Multiplier:          c.Retry.Multiplier,
		JitterFactor:        c.Retry.JitterFactor,
		RetryableCategories: categories,
	}
}

// BreakerConfig converts the circuit breaker section.
func (c *Config) BreakerConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold: c.CircuitBreaker.FailureThreshold,
		FailureWindow:    c.CircuitBreaker.FailureWindow,
		RecoveryTimeout:  c.CircuitBreaker.RecoveryTimeout,
		SuccessThreshold: c.CircuitBreaker.SuccessThreshold,
		HalfOpenMaxCalls: c.CircuitBreaker.HalfOpenMaxCalls,
	}
}

// SlotManagerConfig converts the concurrency section.
func (c *Config) SlotManagerConfig() pool.SlotManagerConfig {
	out := pool.SlotManagerConfig{
		Global:         c.Concurrency.Global,
		Categories:     make(map[string]int, len(c.Concurrency.Categories)),
		Rates:          make(map[string]pool.RateConfig, len(c.Concurrency.Rates)),
		AcquireTimeout: c.Concurrency.AcquireTimeout,
	}
	for category, max := range c.Concurrency.Categories {
		out.Categories[category] = max
	}
	for category, rps := range c.Concurrency.Rates {
		out.Rates[category] = pool.RateConfig{RPS: rps, Burst: c.Concurrency.RateBurst}
	}
	return out
}

// ExecutorConfig assembles the full engine configuration.
func (c *Config) ExecutorConfig() workflow.ExecutorConfig {
	return workflow.ExecutorConfig{
		FailFast:       c.Executor.FailFast,
		NodeTimeout:    c.Executor.NodeTimeout,
		DefaultModel:   c.Executor.DefaultModel,
		Concurrency:    c.SlotManagerConfig(),
		Retry:          c.RetryPolicy(),
		CircuitBreaker: c.BreakerConfig(),
		Preamble: workflow.PreambleConfig{
			Disabled:           c.Preamble.Disabled,
			MaxTokensPerParent: c.Preamble.MaxTokensPerParent,
			TokenizerModel:     c.Preamble.TokenizerModel,
		},
	}
}
