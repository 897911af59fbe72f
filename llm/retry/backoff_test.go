package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BaSui01/dagflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

func fastPolicy(maxAttempts int) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func networkErr() error {
	return types.NewError(types.ErrNetwork, "connection reset")
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := DefaultRetryPolicy()

	tests := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{"nil error", nil, 1, false},
		{"network first attempt", networkErr(), 1, true},
		{"network budget exhausted", networkErr(), 3, false},
		{"timeout", context.DeadlineExceeded, 1, true},
		{"rate limit", types.NewError(types.ErrRateLimited, "429"), 2, true},
		{"slot timeout", types.NewError(types.ErrConcurrencyTimeout, "no slot"), 1, true},
		{"auth", types.NewError(types.ErrAuthentication, "401"), 1, false},
		{"validation", types.NewError(types.ErrInvalidNode, "bad"), 1, false},
		{"circuit open", types.NewError(types.ErrCircuitOpen, "open"), 1, false},
		{"cancelled", context.Canceled, 1, false},
		{"plain error", errors.New("boom"), 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.ShouldRetry(tt.err, tt.attempt))
		})
	}
}

func TestRetryPolicy_CircuitOpenNeverRetried(t *testing.T) {
	p := DefaultRetryPolicy()
	p.RetryableCategories = []types.Category{types.CategoryCircuitOpen, types.CategoryNetwork}

	assert.False(t, p.ShouldRetry(types.NewError(types.ErrCircuitOpen, "open"), 1))
	assert.True(t, p.ShouldRetry(networkErr(), 1))
}

func TestRetryPolicy_BaseDelay(t *testing.T) {
	p := &RetryPolicy{
		MaxAttempts:  10,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}

	assert.Equal(t, 100*time.Millisecond, p.BaseDelay(1))
	assert.Equal(t, 200*time.Millisecond, p.BaseDelay(2))
	assert.Equal(t, 400*time.Millisecond, p.BaseDelay(3))
	assert.Equal(t, 800*time.Millisecond, p.BaseDelay(4))
	assert.Equal(t, time.Second, p.BaseDelay(5))
	assert.Equal(t, time.Second, p.BaseDelay(500))
}

func TestRetryPolicy_CalculateDelayJitterBounds(t *testing.T) {
	orig := randFloat
	t.Cleanup(func() { randFloat = orig })

	p := &RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.5,
	}

	randFloat = func() float64 { return 0 }
	assert.Equal(t, 50*time.Millisecond, p.CalculateDelay(1))

	randFloat = func() float64 { return 1 }
	assert.Equal(t, 150*time.Millisecond, p.CalculateDelay(1))

	randFloat = func() float64 { return 0.5 }
	assert.Equal(t, 100*time.Millisecond, p.CalculateDelay(1))
}

func TestProperty_RetryPolicy_DelayMonotonicAndBounded(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		initial := time.Duration(rapid.Int64Range(1, 1_000).Draw(rt, "initialMs")) * time.Millisecond
		maxDelay := initial * time.Duration(rapid.Int64Range(1, 100).Draw(rt, "maxFactor"))
		jitter := rapid.Float64Range(0, 1).Draw(rt, "jitter")
		p := (&RetryPolicy{
			MaxAttempts:  20,
			InitialDelay: initial,
			MaxDelay:     maxDelay,
			Multiplier:   rapid.Float64Range(1, 4).Draw(rt, "multiplier"),
			JitterFactor: jitter,
		}).Normalize()

		prev := time.Duration(0)
		for attempt := 1; attempt <= 20; attempt++ {
			base := p.BaseDelay(attempt)
			require.GreaterOrEqual(rt, base, prev, "base delay must be non-decreasing")
			require.LessOrEqual(rt, base, p.MaxDelay)
			prev = base

			d := p.CalculateDelay(attempt)
			lo := float64(base) * (1 - jitter)
			hi := float64(base) * (1 + jitter)
			require.GreaterOrEqual(rt, float64(d), lo-1)
			require.LessOrEqual(rt, float64(d), hi+1)
		}

		// Multiplier 1 never grows past InitialDelay, so bound by the base delay.
		satBase := p.BaseDelay(1_000)
		require.LessOrEqual(rt, satBase, p.MaxDelay)
		if p.Multiplier >= 1.01 {
			require.Equal(rt, p.MaxDelay, satBase, "growing delay must saturate at MaxDelay")
		}
		saturated := p.CalculateDelay(1_000)
		require.LessOrEqual(rt, float64(saturated), float64(satBase)*(1+jitter)+1)
		require.GreaterOrEqual(rt, float64(saturated), float64(satBase)*(1-jitter)-1)
	})
}

func TestRetryPolicy_Normalize(t *testing.T) {
	p := (&RetryPolicy{MaxAttempts: 0, InitialDelay: -1, Multiplier: 0.5, JitterFactor: 3}).Normalize()

	assert.Equal(t, 1, p.MaxAttempts)
	assert.Equal(t, time.Duration(0), p.InitialDelay)
	assert.Equal(t, 1.0, p.Multiplier)
	assert.Equal(t, 1.0, p.JitterFactor)
	assert.NotEmpty(t, p.RetryableCategories)

	assert.Equal(t, DefaultRetryPolicy().MaxAttempts, (*RetryPolicy)(nil).Normalize().MaxAttempts)
}

func TestBackoffRetryer_Success(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(3), zap.NewNop())

	callCount := 0
	err := retryer.Do(context.Background(), func() error {
		callCount++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, callCount)
}

func TestBackoffRetryer_RetryAndSuccess(t *testing.T) {
	var retried []int
	policy := fastPolicy(3)
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		retried = append(retried, attempt)
	}
	retryer := NewBackoffRetryer(policy, zap.NewNop())

	callCount := 0
	err := retryer.Do(context.Background(), func() error {
		callCount++
		if callCount < 3 {
			return networkErr()
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, callCount)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestBackoffRetryer_MaxAttemptsExceeded(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(2), zap.NewNop())

	callCount := 0
	err := retryer.Do(context.Background(), func() error {
		callCount++
		return networkErr()
	})

	require.Error(t, err)
	assert.Equal(t, 2, callCount)
	assert.True(t, types.IsCategory(err, types.CategoryNetwork))
}

func TestBackoffRetryer_NonRetryableStopsImmediately(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(5), zap.NewNop())

	callCount := 0
	authErr := types.NewError(types.ErrAuthentication, "bad key")
	err := retryer.Do(context.Background(), func() error {
		callCount++
		return authErr
	})

	assert.ErrorIs(t, err, authErr)
	assert.Equal(t, 1, callCount)
}

func TestBackoffRetryer_ContextCancelledDuringBackoff(t *testing.T) {
	policy := &RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: time.Hour,
		MaxDelay:     time.Hour,
		Multiplier:   1,
	}
	retryer := NewBackoffRetryer(policy, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := retryer.Do(ctx, func() error { return networkErr() })
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSleep(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), 0))
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
