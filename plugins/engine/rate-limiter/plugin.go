package rate_limiter

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/rom8726/helio"
)

var _ helio.Plugin = (*RateLimiterPlugin)(nil)

// Limit is a token bucket: Rate executions per second with bursts of Burst.
type Limit struct {
	Rate  float64
	Burst int
}

// RateLimiterPlugin throttles node executions per node type. A node that
// finds no token fails its attempt with a transient error and is retried
// under the regular backoff policy.
type RateLimiterPlugin struct {
	helio.BasePlugin

	limits   map[string]Limit
	fallback *Limit
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
}

type Option func(*RateLimiterPlugin)

// WithLimit limits a single node type.
func WithLimit(nodeType string, limit Limit) Option {
	return func(p *RateLimiterPlugin) {
		p.limits[nodeType] = limit
	}
}

// WithDefaultLimit applies to node types without an explicit limit.
// Without it such types are not throttled.
func WithDefaultLimit(limit Limit) Option {
	return func(p *RateLimiterPlugin) {
		p.fallback = &limit
	}
}

func New(opts ...Option) *RateLimiterPlugin {
	plugin := &RateLimiterPlugin{
		BasePlugin: helio.NewBasePlugin("rate_limiter", helio.PriorityHigh),
		limits:     make(map[string]Limit),
		limiters:   make(map[string]*rate.Limiter),
	}

	for _, opt := range opts {
		opt(plugin)
	}

	return plugin
}

func (p *RateLimiterPlugin) OnNodeStart(
	_ context.Context,
	instance *helio.WorkflowInstance,
	node *helio.NodeSpec,
) error {
	limiter := p.limiter(node.Type)
	if limiter == nil {
		return nil
	}

	if !limiter.Allow() {
		return helio.Transient(fmt.Errorf("rate limit exceeded for node type %s (instance %d, node %s)",
			node.Type, instance.ID, node.ID))
	}

	return nil
}

func (p *RateLimiterPlugin) limiter(nodeType string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if limiter, ok := p.limiters[nodeType]; ok {
		return limiter
	}

	limit, ok := p.limits[nodeType]
	if !ok {
		if p.fallback == nil {
			return nil
		}
		limit = *p.fallback
	}

	limiter := rate.NewLimiter(rate.Limit(limit.Rate), limit.Burst)
	p.limiters[nodeType] = limiter

	return limiter
}
