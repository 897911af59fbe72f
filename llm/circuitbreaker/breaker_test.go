package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/dagflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig(clock *fakeClock) Config {
	return Config{
		FailureThreshold: 3,
		FailureWindow:    time.Minute,
		RecoveryTimeout:  10 * time.Second,
		SuccessThreshold: 2,
		HalfOpenMaxCalls: 1,
		Now:              clock.Now,
	}
}

var errUpstream = types.NewError(types.ErrUpstreamError, "upstream 500")

func failingCall(context.Context) error { return errUpstream }
func okCall(context.Context) error      { return nil }

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.FailureWindow)
	assert.Equal(t, 30*time.Second, cfg.RecoveryTimeout)
	assert.Equal(t, 2, cfg.SuccessThreshold)
	assert.Equal(t, 2, cfg.HalfOpenMaxCalls)
	assert.Nil(t, cfg.OnStateChange)
}

func TestConfig_Normalize(t *testing.T) {
	cfg := Config{FailureWindow: -time.Second, SuccessThreshold: 4}.normalize()
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, time.Duration(0), cfg.FailureWindow)
	assert.Equal(t, 30*time.Second, cfg.RecoveryTimeout)
	assert.Equal(t, 4, cfg.HalfOpenMaxCalls)
	assert.NotNil(t, cfg.Now)
}

// ---------------------------------------------------------------------------
// State machine
// ---------------------------------------------------------------------------

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("agent-a", testConfig(clock), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, cb.Call(ctx, failingCall), errUpstream)
		assert.Equal(t, StateClosed, cb.State())
	}
	assert.ErrorIs(t, cb.Call(ctx, failingCall), errUpstream)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Call(ctx, func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called, "open breaker must not invoke the collaborator")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, types.IsCategory(err, types.CategoryCircuitOpen))
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("agent-a", testConfig(clock), nil)
	ctx := context.Background()

	_ = cb.Call(ctx, failingCall)
	_ = cb.Call(ctx, failingCall)
	assert.Equal(t, 2, cb.Failures())

	require.NoError(t, cb.Call(ctx, okCall))
	assert.Equal(t, 0, cb.Failures())

	_ = cb.Call(ctx, failingCall)
	_ = cb.Call(ctx, failingCall)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_FailureWindowExpires(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("agent-a", testConfig(clock), nil)

	cb.RecordFailure()
	cb.RecordFailure()
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 0, cb.Failures())

	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 1, cb.Failures())
}

func TestBreaker_RecoveryToHalfOpenAndClosed(t *testing.T) {
	clock := newFakeClock()
	var events []Event
	cfg := testConfig(clock)
	cfg.OnStateChange = func(ev Event) { events = append(events, ev) }
	cb := NewCircuitBreaker("agent-a", cfg, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Call(ctx, failingCall)
	}
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(9 * time.Second)
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	clock.Advance(time.Second)
	require.NoError(t, cb.Call(ctx, okCall))
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Call(ctx, okCall))
	assert.Equal(t, StateClosed, cb.State())

	require.Len(t, events, 3)
	assert.Equal(t, StateOpen, events[0].To)
	assert.Equal(t, StateHalfOpen, events[1].To)
	assert.Equal(t, StateClosed, events[2].To)
	assert.Equal(t, "agent-a", events[2].Key)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("agent-a", testConfig(clock), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Call(ctx, failingCall)
	}
	clock.Advance(10 * time.Second)

	assert.ErrorIs(t, cb.Call(ctx, failingCall), errUpstream)
	assert.Equal(t, StateOpen, cb.State())

	// fresh recovery deadline
	clock.Advance(5 * time.Second)
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
	clock.Advance(5 * time.Second)
	assert.NoError(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestBreaker_HalfOpenLimitsTrialCalls(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("agent-a", testConfig(clock), nil)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	clock.Advance(10 * time.Second)

	require.NoError(t, cb.Allow())
	err := cb.Allow()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooManyCallsInHalfOpen)
	assert.True(t, types.IsCategory(err, types.CategoryCircuitOpen))

	cb.RecordSuccess()
	require.NoError(t, cb.Allow())
}

func TestBreaker_IgnoresNonHealthErrors(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("agent-a", testConfig(clock), nil)
	ctx := context.Background()

	authErr := types.NewError(types.ErrAuthentication, "bad key")
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, cb.Call(ctx, func(context.Context) error { return authErr }), authErr)
		assert.ErrorIs(t, cb.Call(ctx, func(context.Context) error { return context.Canceled }), context.Canceled)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_NonHealthErrorKeepsFailureWindow(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("agent-a", testConfig(clock), nil)
	ctx := context.Background()

	require.ErrorIs(t, cb.Call(ctx, failingCall), errUpstream)
	require.ErrorIs(t, cb.Call(ctx, failingCall), errUpstream)
	require.ErrorIs(t, cb.Call(ctx, func(context.Context) error { return context.Canceled }), context.Canceled)
	assert.Equal(t, 2, cb.Failures())

	require.ErrorIs(t, cb.Call(ctx, failingCall), errUpstream)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreaker_CancelledHalfOpenCallDoesNotClose(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig(clock)
	cfg.FailureThreshold = 1
	cfg.SuccessThreshold = 1
	cb := NewCircuitBreaker("agent-a", cfg, nil)
	ctx := context.Background()

	require.ErrorIs(t, cb.Call(ctx, failingCall), errUpstream)
	require.Equal(t, StateOpen, cb.State())
	clock.Advance(10 * time.Second)

	err := cb.Call(ctx, func(context.Context) error { return context.Canceled })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateHalfOpen, cb.State())

	// 名额已归还，下一次探测可以放行
	require.NoError(t, cb.Call(ctx, okCall))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_Reset(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("agent-a", testConfig(clock), nil)
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
	assert.NoError(t, cb.Allow())
}

func TestCountsAsFailure(t *testing.T) {
	assert.False(t, CountsAsFailure(nil))
	assert.True(t, CountsAsFailure(errors.New("boom")))
	assert.True(t, CountsAsFailure(context.DeadlineExceeded))
	assert.False(t, CountsAsFailure(types.NewError(types.ErrInvalidNode, "bad")))
	assert.False(t, CountsAsFailure(fmt.Errorf("wrapped: %w", context.Canceled)))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
