package helio

import (
	"context"
)

var _ IEngine = (*Engine)(nil)

// IEngine is the gateway surface used by the HTTP API and its plugins.
type IEngine interface {
	Trigger(ctx context.Context, req TriggerRequest) (int64, error)
	Resume(ctx context.Context, req ResumeRequest) (*ResumeResult, error)
	Cancel(ctx context.Context, instanceID int64, reason string) error
	GetInstanceView(ctx context.Context, instanceID int64) (*InstanceView, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*WorkflowInstance, error)
	GetDefinition(ctx context.Context, id string, version int) (*WorkflowDefinition, error)
	ListDefinitions(ctx context.Context) ([]*WorkflowDefinition, error)
}
