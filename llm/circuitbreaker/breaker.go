package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/dagflow/types"
	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// 错误定义。拒绝调用时返回的 *types.Error 以它们为 Cause，可用 errors.Is 判断。
var (
	ErrCircuitOpen            = errors.New("circuit breaker is open")
	ErrTooManyCallsInHalfOpen = errors.New("too many calls in half-open state")
)

// Config 熔断器配置
type Config struct {
	// FailureThreshold 窗口内失败次数阈值（触发熔断）
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`

	// FailureWindow 失败计数的滑动窗口，0 表示不过期（仅成功时清零）
	FailureWindow time.Duration `json:"failure_window" yaml:"failure_window"`

	// RecoveryTimeout 熔断恢复等待时间（Open -> HalfOpen）
	RecoveryTimeout time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`

	// SuccessThreshold 半开状态下连续成功多少次后恢复
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold"`

	// HalfOpenMaxCalls 半开状态下同时允许的探测请求数
	HalfOpenMaxCalls int `json:"half_open_max_calls" yaml:"half_open_max_calls"`

	// OnStateChange 状态变更回调（在锁外同步调用）
	OnStateChange func(event Event) `json:"-" yaml:"-"`

	// Now 可注入时钟，便于测试
	Now func() time.Time `json:"-" yaml:"-"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureWindow:    time.Minute,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
		HalfOpenMaxCalls: 2,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.FailureWindow < 0 {
		c.FailureWindow = 0
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = def.RecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = c.SuccessThreshold
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Event 熔断器状态变更事件
type Event struct {
	Key       string    `json:"key"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
	Failures  int       `json:"failures"`
}

// CircuitBreaker 熔断器接口
type CircuitBreaker interface {
	// Allow 检查是否允许调用；拒绝时返回 circuit_open 类别的错误
	Allow() error

	// RecordSuccess 记录一次成功调用
	RecordSuccess()

	// RecordFailure 记录一次失败调用
	RecordFailure()

	// Call 执行调用，如果熔断器打开则直接返回错误，不调用 fn
	Call(ctx context.Context, fn func(ctx context.Context) error) error

	// State 获取当前状态
	State() State

	// Failures 当前窗口内的失败次数
	Failures() int

	// Reset 重置熔断器（手动恢复）
	Reset()
}

// breaker 熔断器实现
type breaker struct {
	key    string
	config Config
	logger *zap.Logger

	mu             sync.Mutex
	state          State
	failureTimes   []time.Time // 窗口内的失败时间
	successCount   int         // 半开状态下连续成功次数
	trialsInFlight int         // 半开状态下进行中的试探调用数
	recoveryAt     time.Time   // Open -> HalfOpen 的时间点
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(key string, config Config, logger *zap.Logger) CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &breaker{
		key:    key,
		config: config.normalize(),
		logger: logger.With(zap.String("breaker", key)),
		state:  StateClosed,
	}
}

// Allow 实现 CircuitBreaker.Allow
func (b *breaker) Allow() error {
	b.mu.Lock()
	var ev *Event
	defer func() {
		b.mu.Unlock()
		b.emit(ev)
	}()

	now := b.config.Now()
	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if !now.Before(b.recoveryAt) {
			ev = b.setState(StateHalfOpen, now, "recovery timeout elapsed")
			b.successCount = 0
			b.trialsInFlight = 1
			return nil
		}
		return types.NewError(types.ErrCircuitOpen,
			fmt.Sprintf("circuit breaker open for %s, retry after %v", b.key, b.recoveryAt.Sub(now))).
			WithCause(ErrCircuitOpen)

	case StateHalfOpen:
		if b.trialsInFlight >= b.config.HalfOpenMaxCalls {
			return types.NewError(types.ErrCircuitOpen,
				fmt.Sprintf("circuit breaker half-open for %s: %d trial calls in flight", b.key, b.trialsInFlight)).
				WithCause(ErrTooManyCallsInHalfOpen)
		}
		b.trialsInFlight++
		return nil

	default:
		return fmt.Errorf("unknown circuit breaker state: %d", b.state)
	}
}

// RecordSuccess 实现 CircuitBreaker.RecordSuccess
func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	var ev *Event
	defer func() {
		b.mu.Unlock()
		b.emit(ev)
	}()

	switch b.state {
	case StateClosed:
		b.failureTimes = b.failureTimes[:0]

	case StateHalfOpen:
		if b.trialsInFlight > 0 {
			b.trialsInFlight--
		}
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			reason := fmt.Sprintf("%d consecutive successes in half-open", b.successCount)
			b.failureTimes = b.failureTimes[:0]
			b.successCount = 0
			b.trialsInFlight = 0
			ev = b.setState(StateClosed, b.config.Now(), reason)
		}

	case StateOpen:
		// 调用在熔断前已放行，结果不影响状态
	}
}

// RecordFailure 实现 CircuitBreaker.RecordFailure
func (b *breaker) RecordFailure() {
	b.mu.Lock()
	var ev *Event
	defer func() {
		b.mu.Unlock()
		b.emit(ev)
	}()

	now := b.config.Now()
	switch b.state {
	case StateClosed:
		b.failureTimes = append(b.pruneLocked(now), now)
		if len(b.failureTimes) >= b.config.FailureThreshold {
			b.recoveryAt = now.Add(b.config.RecoveryTimeout)
			ev = b.setState(StateOpen, now, fmt.Sprintf("%d failures within window", len(b.failureTimes)))
		}

	case StateHalfOpen:
		// 半开状态下任何失败都重新熔断
		b.successCount = 0
		b.trialsInFlight = 0
		b.recoveryAt = now.Add(b.config.RecoveryTimeout)
		ev = b.setState(StateOpen, now, "failure in half-open state")

	case StateOpen:
		b.recoveryAt = now.Add(b.config.RecoveryTimeout)
	}
}

// pruneLocked 丢弃窗口之外的失败记录（必须在锁内调用）
func (b *breaker) pruneLocked(now time.Time) []time.Time {
	if b.config.FailureWindow <= 0 {
		return b.failureTimes
	}
	cutoff := now.Add(-b.config.FailureWindow)
	kept := b.failureTimes[:0]
	for _, ts := range b.failureTimes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

// Call 实现 CircuitBreaker.Call
func (b *breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	switch {
	case err == nil:
		b.RecordSuccess()
	case CountsAsFailure(err):
		b.RecordFailure()
	default:
		b.releaseTrial()
	}
	return err
}

// releaseTrial 归还半开试探名额，不改变成功计数与失败窗口
func (b *breaker) releaseTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.trialsInFlight > 0 {
		b.trialsInFlight--
	}
}

// CountsAsFailure 判断错误是否应计入熔断失败。
// 校验错误、鉴权错误与取消不反映下游健康状况。
func CountsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch types.CategoryOf(err) {
	case types.CategoryValidation, types.CategoryAuth, types.CategoryCancelled, types.CategoryCircuitOpen:
		return false
	default:
		return true
	}
}

// State 实现 CircuitBreaker.State
func (b *breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures 实现 CircuitBreaker.Failures
func (b *breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateClosed {
		b.failureTimes = b.pruneLocked(b.config.Now())
	}
	return len(b.failureTimes)
}

// Reset 实现 CircuitBreaker.Reset
func (b *breaker) Reset() {
	b.mu.Lock()
	var ev *Event
	defer func() {
		b.mu.Unlock()
		b.emit(ev)
	}()

	b.failureTimes = b.failureTimes[:0]
	b.successCount = 0
	b.trialsInFlight = 0
	if b.state != StateClosed {
		ev = b.setState(StateClosed, b.config.Now(), "manual reset")
	}
}

// setState 设置状态并生成事件（必须在锁内调用）
func (b *breaker) setState(newState State, now time.Time, reason string) *Event {
	oldState := b.state
	b.state = newState

	fields := []zap.Field{
		zap.String("from", oldState.String()),
		zap.String("to", newState.String()),
		zap.String("reason", reason),
		zap.Int("failures", len(b.failureTimes)),
	}
	if newState == StateOpen {
		b.logger.Warn("circuit breaker opened", fields...)
	} else {
		b.logger.Info("circuit breaker state change", fields...)
	}

	return &Event{
		Key:       b.key,
		From:      oldState,
		To:        newState,
		Timestamp: now,
		Reason:    reason,
		Failures:  len(b.failureTimes),
	}
}

// emit 在锁外派发事件
func (b *breaker) emit(ev *Event) {
	if ev != nil && b.config.OnStateChange != nil {
		b.config.OnStateChange(*ev)
	}
}
