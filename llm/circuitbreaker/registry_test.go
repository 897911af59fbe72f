package circuitbreaker

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestRegistry_IsolatesKeys(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(testConfig(clock), zap.NewNop())

	bad := r.Get("agent-bad")
	for i := 0; i < 3; i++ {
		bad.RecordFailure()
	}

	assert.Equal(t, StateOpen, r.Get("agent-bad").State())
	assert.Equal(t, StateClosed, r.Get("agent-good").State())
	assert.NoError(t, r.Get("agent-good").Allow())

	states := r.States()
	assert.Equal(t, StateOpen, states["agent-bad"])
	assert.Equal(t, StateClosed, states["agent-good"])

	r.ResetAll()
	assert.Equal(t, StateClosed, r.Get("agent-bad").State())
}

func TestRegistry_ConcurrentGetReturnsSameInstance(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil)

	var wg sync.WaitGroup
	results := make([]CircuitBreaker, 50)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Get("shared")
		}(i)
	}
	wg.Wait()

	for _, cb := range results {
		assert.Same(t, results[0], cb)
	}
	assert.Equal(t, 1, r.Len())

	for i := 0; i < 3; i++ {
		r.Get(fmt.Sprintf("agent-%d", i))
	}
	assert.Equal(t, 4, r.Len())
}
