package circuitbreaker

import (
	"sync"

	"go.uber.org/zap"
)

// Registry 熔断器注册表，按 key（通常为 Agent ID）懒加载独立的熔断器，
// 使一个不健康的 Agent 不会阻断共享同一执行器的其他 Agent。
type Registry struct {
	breakers map[string]CircuitBreaker
	config   Config
	logger   *zap.Logger
	mu       sync.RWMutex
}

// NewRegistry 创建熔断器注册表
func NewRegistry(config Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		breakers: make(map[string]CircuitBreaker),
		config:   config,
		logger:   logger.With(zap.String("component", "circuit_breaker")),
	}
}

// Get 获取或创建 key 对应的熔断器
func (r *Registry) Get(key string) CircuitBreaker {
	r.mu.RLock()
	if cb, ok := r.breakers[key]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// 双重检查
	if cb, ok := r.breakers[key]; ok {
		return cb
	}

	cb := NewCircuitBreaker(key, r.config, r.logger)
	r.breakers[key] = cb
	return cb
}

// Len 返回已创建的熔断器数量
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.breakers)
}

// States 获取所有熔断器状态
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]State, len(r.breakers))
	for key, cb := range r.breakers {
		states[key] = cb.State()
	}
	return states
}

// ResetAll 重置所有熔断器
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}
