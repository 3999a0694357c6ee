package helio

import (
	"context"
	"errors"
	"fmt"
)

const (
	TypeNoop = "core.noop"
	TypeFail = "core.fail"
	TypeWait = "core.wait"
)

func registerBuiltins(r *Registry) {
	r.MustRegister(TypeNoop, CapabilityFunc(noopCapability), nil, nil,
		WithDescription("returns its inputs as output"))
	r.MustRegister(TypeFail, CapabilityFunc(failCapability), nil, nil,
		WithDescription("fails permanently with config.reason"))
	r.MustRegister(TypeWait, CapabilityFunc(waitCapability),
		NewSchema(Required("correlation_key", FieldString)), nil,
		WithDescription("pauses until an event for inputs.correlation_key is resumed"))
}

func noopCapability(_ context.Context, _ NodeContext, inputs map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		out[k] = v
	}

	return out, nil
}

func failCapability(_ context.Context, nctx NodeContext, _ map[string]any) (map[string]any, error) {
	reason := nctx.ConfigString("reason")
	if reason == "" {
		reason = "workflow terminated by " + nctx.NodeID
	}

	return nil, Permanent(errors.New(reason))
}

func waitCapability(_ context.Context, _ NodeContext, inputs map[string]any) (map[string]any, error) {
	key, _ := inputs["correlation_key"].(string)
	if key == "" {
		return nil, Permanent(fmt.Errorf("correlation_key is empty"))
	}

	return nil, PauseForInput(key, 0)
}
