package helio

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockIEngine is a testify mock of IEngine for handler tests.
type MockIEngine struct {
	mock.Mock
}

func NewMockIEngine(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockIEngine {
	m := &MockIEngine{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}

func (_m *MockIEngine) Trigger(ctx context.Context, req TriggerRequest) (int64, error) {
	ret := _m.Called(ctx, req)

	return ret.Get(0).(int64), ret.Error(1)
}

func (_m *MockIEngine) Resume(ctx context.Context, req ResumeRequest) (*ResumeResult, error) {
	ret := _m.Called(ctx, req)

	var result *ResumeResult
	if v := ret.Get(0); v != nil {
		result = v.(*ResumeResult)
	}

	return result, ret.Error(1)
}

func (_m *MockIEngine) Cancel(ctx context.Context, instanceID int64, reason string) error {
	ret := _m.Called(ctx, instanceID, reason)

	return ret.Error(0)
}

func (_m *MockIEngine) GetInstanceView(ctx context.Context, instanceID int64) (*InstanceView, error) {
	ret := _m.Called(ctx, instanceID)

	var view *InstanceView
	if v := ret.Get(0); v != nil {
		view = v.(*InstanceView)
	}

	return view, ret.Error(1)
}

func (_m *MockIEngine) ListInstances(ctx context.Context, filter InstanceFilter) ([]*WorkflowInstance, error) {
	ret := _m.Called(ctx, filter)

	var instances []*WorkflowInstance
	if v := ret.Get(0); v != nil {
		instances = v.([]*WorkflowInstance)
	}

	return instances, ret.Error(1)
}

func (_m *MockIEngine) GetDefinition(ctx context.Context, id string, version int) (*WorkflowDefinition, error) {
	ret := _m.Called(ctx, id, version)

	var def *WorkflowDefinition
	if v := ret.Get(0); v != nil {
		def = v.(*WorkflowDefinition)
	}

	return def, ret.Error(1)
}

func (_m *MockIEngine) ListDefinitions(ctx context.Context) ([]*WorkflowDefinition, error) {
	ret := _m.Called(ctx)

	var defs []*WorkflowDefinition
	if v := ret.Get(0); v != nil {
		defs = v.([]*WorkflowDefinition)
	}

	return defs, ret.Error(1)
}
