package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, ExecutorConfig{}, cfg.Executor)
	assert.NotEmpty(t, cfg.Concurrency.Categories)
	assert.NotZero(t, cfg.Retry.MaxAttempts)
	assert.NotEqual(t, CircuitBreakerConfig{}, cfg.CircuitBreaker)
	assert.NotEqual(t, PreambleConfig{}, cfg.Preamble)
	assert.NotEmpty(t, cfg.Log.Level)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
	assert.NotEqual(t, MetricsConfig{}, cfg.Metrics)
	assert.Equal(t, "openai", cfg.Provider.Name)
	assert.True(t, cfg.Provider.SupportsTools)
	assert.NoError(t, cfg.Validate())
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, 30*time.Second, cfg.MaxDelay)
	assert.Equal(t, 2.0, cfg.Multiplier)
	assert.Equal(t, 0.1, cfg.JitterFactor)
	assert.ElementsMatch(t, []string{"network", "timeout", "rate_limit", "concurrency_timeout"}, cfg.RetryableCategories)
}

func TestDefaultCircuitBreakerConfig(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig()
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.FailureWindow)
	assert.Equal(t, 30*time.Second, cfg.RecoveryTimeout)
	assert.Equal(t, 2, cfg.SuccessThreshold)
}

func TestDefaultConcurrencyConfig_IndependentMaps(t *testing.T) {
	a := DefaultConcurrencyConfig()
	b := DefaultConcurrencyConfig()
	a.Categories["agent"] = 100
	assert.Equal(t, 8, b.Categories["agent"])
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, []string{"stderr"}, cfg.OutputPaths)
}
