package helio

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// NodeContext is the explicit context handed to every capability invocation.
type NodeContext struct {
	InstanceID     int64
	NodeID         string
	Attempt        int
	IdempotencyKey string
	Config         map[string]any
	bindings       map[string]json.RawMessage
}

// Binding returns a copy of a previously bound node output or the workflow input.
func (c NodeContext) Binding(name string) (json.RawMessage, bool) {
	raw, ok := c.bindings[name]
	if !ok {
		return nil, false
	}

	return append(json.RawMessage(nil), raw...), true
}

func (c NodeContext) ConfigString(key string) string {
	v, ok := c.Config[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}

	return fmt.Sprint(v)
}

func idempotencyKey(instanceID int64, nodeID string, attempt int) string {
	return fmt.Sprintf("%d:%s:%d", instanceID, nodeID, attempt)
}

type Capability interface {
	Invoke(ctx context.Context, nctx NodeContext, inputs map[string]any) (map[string]any, error)
}

type CapabilityFunc func(ctx context.Context, nctx NodeContext, inputs map[string]any) (map[string]any, error)

func (f CapabilityFunc) Invoke(ctx context.Context, nctx NodeContext, inputs map[string]any) (map[string]any, error) {
	return f(ctx, nctx, inputs)
}

type Registration struct {
	Type             string
	Capability       Capability
	Input            Schema
	Output           Schema
	DefaultTimeout   time.Duration
	TimeoutPermanent bool
	Description      string
}

type CapabilityOption func(reg *Registration)

func WithDefaultTimeout(timeout time.Duration) CapabilityOption {
	return func(reg *Registration) {
		reg.DefaultTimeout = timeout
	}
}

// WithTimeoutPermanent makes a timeout of this capability fail the node
// without retries.
func WithTimeoutPermanent() CapabilityOption {
	return func(reg *Registration) {
		reg.TimeoutPermanent = true
	}
}

func WithDescription(description string) CapabilityOption {
	return func(reg *Registration) {
		reg.Description = description
	}
}
