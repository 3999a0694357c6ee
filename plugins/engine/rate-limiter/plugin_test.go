package rate_limiter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rom8726/helio"
)

func TestRateLimiterPlugin_LimitsPerNodeType(t *testing.T) {
	ctx := context.Background()
	plugin := New(WithLimit("http", Limit{Rate: 0.001, Burst: 2}))

	inst := &helio.WorkflowInstance{ID: 1, DefinitionID: "order"}
	call := &helio.NodeSpec{ID: "charge", Type: "http"}
	noop := &helio.NodeSpec{ID: "log", Type: "noop"}

	require.NoError(t, plugin.OnNodeStart(ctx, inst, call))
	require.NoError(t, plugin.OnNodeStart(ctx, inst, call))

	err := plugin.OnNodeStart(ctx, inst, call)
	require.Error(t, err)
	assert.True(t, errors.Is(err, helio.ErrTransient))
	assert.Contains(t, err.Error(), "node type http")

	for range 10 {
		require.NoError(t, plugin.OnNodeStart(ctx, inst, noop))
	}
}

func TestRateLimiterPlugin_DefaultLimit(t *testing.T) {
	ctx := context.Background()
	plugin := New(WithDefaultLimit(Limit{Rate: 0.001, Burst: 1}))

	inst := &helio.WorkflowInstance{ID: 1}

	require.NoError(t, plugin.OnNodeStart(ctx, inst, &helio.NodeSpec{ID: "a", Type: "http"}))
	require.Error(t, plugin.OnNodeStart(ctx, inst, &helio.NodeSpec{ID: "b", Type: "http"}))
	require.NoError(t, plugin.OnNodeStart(ctx, inst, &helio.NodeSpec{ID: "c", Type: "email"}))
}

func TestRateLimiterPlugin_Identity(t *testing.T) {
	plugin := New()

	assert.Equal(t, "rate_limiter", plugin.Name())
	assert.Equal(t, helio.PriorityHigh, plugin.Priority())
}
