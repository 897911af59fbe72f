package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/dagflow/internal/pool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.runsTotal)
	assert.NotNil(t, collector.nodeExecutionsTotal)
	assert.NotNil(t, collector.breakerTransitions)
	assert.NotNil(t, collector.slotsActive)
}

func TestNewCollector_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() { NewCollector(nextTestNamespace(), nil) })
}

func TestCollector_RecordRun(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordRun("succeeded", 2*time.Second)
	collector.RecordRun("succeeded", time.Second)
	collector.RecordRun("failed", time.Second)

	assert.Equal(t, float64(2), testutil.ToFloat64(collector.runsTotal.WithLabelValues("succeeded")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.runsTotal.WithLabelValues("failed")))
}

func TestCollector_RecordNode(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordNode("agent", "succeeded", 300*time.Millisecond)
	collector.RecordNode("agent", "skipped", 0)

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.nodeExecutionsTotal.WithLabelValues("agent", "succeeded")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.nodeExecutionsTotal.WithLabelValues("agent", "skipped")))
	// skipped 节点没有耗时
	assert.Equal(t, 1, testutil.CollectAndCount(collector.nodeDuration))
}

func TestCollector_RecordRetryAndBreaker(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordRetry("agent", "rate_limit")
	collector.RecordRetry("agent", "rate_limit")
	collector.RecordBreakerTransition("closed", "open")

	assert.Equal(t, float64(2), testutil.ToFloat64(collector.nodeRetries.WithLabelValues("agent", "rate_limit")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.breakerTransitions.WithLabelValues("closed", "open")))
}

func TestCollector_RecordSlotStats(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordSlotStats(pool.Stats{
		Global: pool.SlotStats{Active: 3, Waiting: 1},
		Categories: map[string]pool.SlotStats{
			"agent": {Active: 2, Waiting: 1},
		},
	})

	assert.Equal(t, float64(3), testutil.ToFloat64(collector.slotsActive.WithLabelValues(pool.GlobalCategory)))
	assert.Equal(t, float64(2), testutil.ToFloat64(collector.slotsActive.WithLabelValues("agent")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.slotsWaiting.WithLabelValues("agent")))
}

func TestCollector_RecordLLMRequest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordLLMRequest("openai", "gpt-4o", "success", 500*time.Millisecond, 100, 50)

	assert.Equal(t, float64(100), testutil.ToFloat64(collector.llmTokensUsed.WithLabelValues("openai", "gpt-4o", "prompt")))
	assert.Equal(t, float64(50), testutil.ToFloat64(collector.llmTokensUsed.WithLabelValues("openai", "gpt-4o", "completion")))
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordHTTPRequest("GET", 200, 10*time.Millisecond)
	collector.RecordHTTPRequest("GET", 503, 10*time.Millisecond)
	collector.RecordHTTPRequest("GET", 0, 10*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "2xx")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "5xx")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "error")))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordNode("agent", "succeeded", time.Millisecond)
			collector.RecordRetry("agent", "network")
		}()
	}
	wg.Wait()

	assert.Equal(t, float64(10), testutil.ToFloat64(collector.nodeExecutionsTotal.WithLabelValues("agent", "succeeded")))
	assert.Equal(t, float64(10), testutil.ToFloat64(collector.nodeRetries.WithLabelValues("agent", "network")))
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"}, {301, "3xx"}, {404, "4xx"}, {500, "5xx"}, {0, "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusCode(tt.code))
	}
}
