package helio

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCalculateRetryDelay(t *testing.T) {
	tests := []struct {
		name     string
		strategy RetryStrategy
		failure  int
		want     time.Duration
	}{
		{"exponential first", RetryStrategyExponential, 1, time.Second},
		{"exponential second", RetryStrategyExponential, 2, 2 * time.Second},
		{"exponential third", RetryStrategyExponential, 3, 4 * time.Second},
		{"exponential fourth", RetryStrategyExponential, 4, 8 * time.Second},
		{"linear", RetryStrategyLinear, 3, 3 * time.Second},
		{"fixed", RetryStrategyFixed, 5, time.Second},
		{"zero failure clamps to first", RetryStrategyExponential, 0, time.Second},
		{"overflow saturates", RetryStrategyExponential, 200, time.Duration(math.MaxInt64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CalculateRetryDelay(tt.strategy, time.Second, tt.failure))
		})
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	policy := RetryPolicy{Strategy: RetryStrategyExponential, Base: 100 * time.Millisecond, Cap: time.Second}

	assert.Equal(t, 100*time.Millisecond, policy.Delay(1))
	assert.Equal(t, 200*time.Millisecond, policy.Delay(2))
	assert.Equal(t, 400*time.Millisecond, policy.Delay(3))
	assert.Equal(t, 800*time.Millisecond, policy.Delay(4))
	assert.Equal(t, time.Second, policy.Delay(5))
	assert.Equal(t, time.Second, policy.Delay(500))

	uncapped := RetryPolicy{Strategy: RetryStrategyLinear, Base: time.Minute}
	assert.Equal(t, 10*time.Minute, uncapped.Delay(10))
}

func TestRetryPolicyJitter(t *testing.T) {
	policy := RetryPolicy{
		Strategy: RetryStrategyFixed,
		Base:     time.Second,
		Jitter:   0.1,
	}

	policy.rand = func() float64 { return 0 }
	assert.Equal(t, 900*time.Millisecond, policy.Delay(1))

	policy.rand = func() float64 { return 0.5 }
	assert.Equal(t, time.Second, policy.Delay(1))

	policy.rand = func() float64 { return 0.9999 }
	assert.InDelta(t, float64(1100*time.Millisecond), float64(policy.Delay(1)), float64(time.Millisecond))

	policy.rand = nil
	for i := 0; i < 100; i++ {
		d := policy.Delay(1)
		assert.GreaterOrEqual(t, d, 900*time.Millisecond)
		assert.LessOrEqual(t, d, 1100*time.Millisecond)
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	policy := DefaultRetryPolicy()

	assert.Equal(t, RetryStrategyExponential, policy.Strategy)
	assert.Equal(t, DefaultRetryBase, policy.Base)
	assert.Equal(t, DefaultRetryCap, policy.Cap)
	assert.InDelta(t, DefaultRetryJitter, policy.Jitter, 1e-9)
}
