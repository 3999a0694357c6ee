package helio

import (
	"math"
	"math/rand/v2"
	"time"
)

type RetryStrategy uint8

const (
	RetryStrategyExponential RetryStrategy = iota
	RetryStrategyLinear
	RetryStrategyFixed
)

const (
	DefaultRetryBase   = time.Second
	DefaultRetryCap    = 5 * time.Minute
	DefaultRetryJitter = 0.1
)

// RetryPolicy computes the delay before the n-th retry of a node.
type RetryPolicy struct {
	Strategy RetryStrategy
	Base     time.Duration
	Cap      time.Duration
	// Jitter is a fraction in [0,1); 0.1 spreads delays by +/-10%.
	Jitter float64

	rand func() float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Strategy: RetryStrategyExponential,
		Base:     DefaultRetryBase,
		Cap:      DefaultRetryCap,
		Jitter:   DefaultRetryJitter,
	}
}

// Delay returns the wait before retrying after failure number failure (1-based).
func (p RetryPolicy) Delay(failure int) time.Duration {
	delay := CalculateRetryDelay(p.Strategy, p.Base, failure)
	if p.Cap > 0 && delay > p.Cap {
		delay = p.Cap
	}
	if p.Jitter <= 0 {
		return delay
	}

	rnd := p.rand
	if rnd == nil {
		rnd = rand.Float64
	}
	spread := (rnd()*2 - 1) * p.Jitter

	return time.Duration(float64(delay) * (1 + spread))
}

// CalculateRetryDelay returns the un-jittered delay for failure number
// failure: base, 2*base, 4*base... for the exponential strategy.
func CalculateRetryDelay(strategy RetryStrategy, base time.Duration, failure int) time.Duration {
	if failure < 1 {
		failure = 1
	}

	switch strategy {
	case RetryStrategyLinear:
		return base * time.Duration(failure)
	case RetryStrategyFixed:
		return base
	default:
		multiplier := math.Pow(2, float64(failure-1))
		if multiplier > float64(math.MaxInt64)/float64(base+1) {
			return time.Duration(math.MaxInt64)
		}

		return time.Duration(float64(base) * multiplier)
	}
}
