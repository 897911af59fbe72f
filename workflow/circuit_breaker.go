package workflow

import (
	"github.com/BaSui01/dagflow/internal/metrics"
	"github.com/BaSui01/dagflow/llm/circuitbreaker"
	"go.uber.org/zap"
)

// CircuitBreakerEventHandler 熔断器状态变更事件处理器
type CircuitBreakerEventHandler interface {
	OnStateChange(event circuitbreaker.Event)
}

// CircuitBreakerEventHandlerFunc adapts a function to CircuitBreakerEventHandler.
type CircuitBreakerEventHandlerFunc func(event circuitbreaker.Event)

func (f CircuitBreakerEventHandlerFunc) OnStateChange(event circuitbreaker.Event) { f(event) }

// newBreakerRegistry 创建按 Agent ID 分组的熔断器注册表。
// 状态变更日志由 circuitbreaker 包输出，这里计入指标并转发给 handler。
func newBreakerRegistry(
	cfg circuitbreaker.Config,
	logger *zap.Logger,
	collector *metrics.Collector,
	handler CircuitBreakerEventHandler,
) *circuitbreaker.Registry {
	userHook := cfg.OnStateChange
	cfg.OnStateChange = func(ev circuitbreaker.Event) {
		if collector != nil {
			collector.RecordBreakerTransition(ev.From.String(), ev.To.String())
		}
		if handler != nil {
			handler.OnStateChange(ev)
		}
		if userHook != nil {
			userHook(ev)
		}
	}
	return circuitbreaker.NewRegistry(cfg, logger)
}
