package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"time"

	"github.com/BaSui01/dagflow/types"
	"go.uber.org/zap"
)

// RetryPolicy 定义重试策略配置。
// 策略本身无状态：给定 (error, attempt) 即可得出是否重试与等待时长。
type RetryPolicy struct {
	MaxAttempts         int                                               // 最大尝试次数（含首次执行，1 表示不重试）
	InitialDelay        time.Duration                                     // 初始延迟时间
	MaxDelay            time.Duration                                     // 最大延迟时间
	Multiplier          float64                                           // 延迟时间倍增因子（指数退避）
	JitterFactor        float64                                           // 抖动比例 [0,1]，防止并发失败节点同时重试
	RetryableCategories []types.Category                                  // 可重试的错误类别（为空则使用默认集合）
	OnRetry             func(attempt int, err error, delay time.Duration) // 重试回调
}

// DefaultRetryableCategories 默认可重试的错误类别
func DefaultRetryableCategories() []types.Category {
	return []types.Category{
		types.CategoryNetwork,
		types.CategoryTimeout,
		types.CategoryRateLimit,
		types.CategoryConcurrencyTimeout,
	}
}

// DefaultRetryPolicy 返回默认的重试策略
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:         3,
		InitialDelay:        500 * time.Millisecond,
		MaxDelay:            30 * time.Second,
		Multiplier:          2.0,
		JitterFactor:        0.1,
		RetryableCategories: DefaultRetryableCategories(),
	}
}

// neverRetried 这些类别无论配置如何都不重试：
// 熔断拒绝由熔断器自身的恢复超时控制节奏。
var neverRetried = []types.Category{
	types.CategoryValidation,
	types.CategoryCircuitOpen,
	types.CategoryCancelled,
}

// Normalize 修正非法参数并返回副本
func (p *RetryPolicy) Normalize() *RetryPolicy {
	if p == nil {
		return DefaultRetryPolicy()
	}
	cp := *p
	if cp.MaxAttempts < 1 {
		cp.MaxAttempts = 1
	}
	if cp.InitialDelay < 0 {
		cp.InitialDelay = 0
	}
	if cp.MaxDelay <= 0 {
		cp.MaxDelay = 30 * time.Second
	}
	if cp.MaxDelay < cp.InitialDelay {
		cp.MaxDelay = cp.InitialDelay
	}
	if cp.Multiplier < 1.0 {
		cp.Multiplier = 1.0
	}
	if cp.JitterFactor < 0 {
		cp.JitterFactor = 0
	}
	if cp.JitterFactor > 1 {
		cp.JitterFactor = 1
	}
	if len(cp.RetryableCategories) == 0 {
		cp.RetryableCategories = DefaultRetryableCategories()
	}
	return &cp
}

// ShouldRetry 判断第 attempt 次尝试（从 1 开始）失败后是否应再次尝试。
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	cat := types.CategoryOf(err)
	if slices.Contains(neverRetried, cat) {
		return false
	}
	retryable := p.RetryableCategories
	if len(retryable) == 0 {
		retryable = DefaultRetryableCategories()
	}
	return slices.Contains(retryable, cat)
}

// BaseDelay 不含抖动的退避时长：min(max, initial * multiplier^(attempt-1))
func (p *RetryPolicy) BaseDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) || math.IsInf(delay, 0) || math.IsNaN(delay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// randFloat is swapped in tests.
var randFloat = rand.Float64

// CalculateDelay 计算第 attempt 次失败后的等待时间（指数退避 + 均匀抖动）。
// 结果位于 BaseDelay * (1 ± JitterFactor) 之内且不为负。
func (p *RetryPolicy) CalculateDelay(attempt int) time.Duration {
	delay := float64(p.BaseDelay(attempt))
	if p.JitterFactor > 0 {
		jitter := delay * p.JitterFactor
		delay += (randFloat()*2 - 1) * jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Retryer 重试器接口
type Retryer interface {
	// Do 执行函数，失败时根据策略重试
	Do(ctx context.Context, fn func() error) error

	// DoWithResult 执行函数并返回结果，失败时根据策略重试
	DoWithResult(ctx context.Context, fn func() (any, error)) (any, error)
}

// backoffRetryer 基于指数退避的重试器实现
type backoffRetryer struct {
	policy *RetryPolicy
	logger *zap.Logger
}

// NewBackoffRetryer 创建指数退避重试器
func NewBackoffRetryer(policy *RetryPolicy, logger *zap.Logger) Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &backoffRetryer{
		policy: policy.Normalize(),
		logger: logger,
	}
}

// Do 实现 Retryer.Do
func (r *backoffRetryer) Do(ctx context.Context, fn func() error) error {
	_, err := r.DoWithResult(ctx, func() (any, error) {
		return nil, fn()
	})
	return err
}

// DoWithResult 实现 Retryer.DoWithResult
func (r *backoffRetryer) DoWithResult(ctx context.Context, fn func() (any, error)) (any, error) {
	var lastErr error

	for attempt := 1; ; attempt++ {
		result, err := fn()
		if err == nil {
			if attempt > 1 {
				r.logger.Debug("retry succeeded", zap.Int("attempt", attempt))
			}
			return result, nil
		}
		lastErr = err

		if !r.policy.ShouldRetry(err, attempt) {
			break
		}

		delay := r.policy.CalculateDelay(attempt)
		r.logger.Debug("retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.policy.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if r.policy.OnRetry != nil {
			r.policy.OnRetry(attempt, err, delay)
		}

		if err := Sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("retry cancelled: %w", err)
		}
	}

	if r.policy.MaxAttempts > 1 && types.IsRetryable(lastErr) {
		r.logger.Warn("retries exhausted",
			zap.Int("attempts", r.policy.MaxAttempts),
			zap.Error(lastErr),
		)
	}
	return nil, lastErr
}

// Sleep 等待 d，期间监听 context 取消
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
