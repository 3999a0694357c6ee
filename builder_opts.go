package helio

import (
	"time"
)

type NodeOption func(node *NodeSpec)

func WithNodeConfig(config map[string]any) NodeOption {
	return func(node *NodeSpec) {
		node.Config = config
	}
}

// WithNodeInput binds one input field to an expression.
func WithNodeInput(name, expr string) NodeOption {
	return func(node *NodeSpec) {
		if node.Inputs == nil {
			node.Inputs = make(map[string]string)
		}
		node.Inputs[name] = expr
	}
}

func WithNodeInputs(inputs map[string]string) NodeOption {
	return func(node *NodeSpec) {
		node.Inputs = inputs
	}
}

func WithNodeOutputs(outputs ...string) NodeOption {
	return func(node *NodeSpec) {
		node.Outputs = outputs
	}
}

func WithNodeTimeout(timeout time.Duration) NodeOption {
	return func(node *NodeSpec) {
		node.Timeout = Duration(timeout)
	}
}

func WithNodeMaxRetries(maxRetries int) NodeOption {
	return func(node *NodeSpec) {
		node.MaxRetries = &maxRetries
	}
}

func WithNodePauseTimeout(timeout time.Duration) NodeOption {
	return func(node *NodeSpec) {
		node.PauseTimeout = Duration(timeout)
	}
}

type BuilderOption func(builder *Builder)

func WithBuilderName(name string) BuilderOption {
	return func(builder *Builder) {
		builder.name = name
	}
}

func WithBuilderMaxRetries(maxRetries int) BuilderOption {
	return func(builder *Builder) {
		builder.defaultMaxRetries = &maxRetries
	}
}
