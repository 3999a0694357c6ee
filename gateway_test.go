package helio

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerIdempotencyKey(t *testing.T) {
	for _, factory := range engineStores() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			engine := newTestEngine(t, factory.open(t))
			def, err := NewBuilder("hello", 1).Step("greet", TypeNoop, WithNodeInput("name", "input.name")).Build()
			mustRegister(t, engine, def, err)

			req := TriggerRequest{
				DefinitionID:   "hello",
				Input:          json.RawMessage(`{"name":"Ada"}`),
				IdempotencyKey: "msg-1",
			}
			first, err := engine.Trigger(ctx, req)
			require.NoError(t, err)
			second, err := engine.Trigger(ctx, req)
			require.NoError(t, err)
			assert.Equal(t, first, second)

			other, err := engine.Trigger(ctx, TriggerRequest{DefinitionID: "hello", IdempotencyKey: "msg-2"})
			require.NoError(t, err)
			assert.NotEqual(t, first, other)

			instances, err := engine.ListInstances(ctx, InstanceFilter{DefinitionID: "hello"})
			require.NoError(t, err)
			assert.Len(t, instances, 2)

			drain(t, engine)
			assert.Equal(t, StatusCompleted, mustInstance(t, engine, first).Status)
		})
	}
}

func TestTriggerIdempotencyKeyConcurrent(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, NewMemoryStore())
	def, err := NewBuilder("hello", 1).Step("greet", TypeNoop).Build()
	mustRegister(t, engine, def, err)

	const callers = 20
	ids := make([]int64, callers)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := engine.Trigger(ctx, TriggerRequest{DefinitionID: "hello", IdempotencyKey: "webhook-77"})
			assert.NoError(t, err)
			ids[i] = id
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	instances, err := engine.ListInstances(ctx, InstanceFilter{})
	require.NoError(t, err)
	assert.Len(t, instances, 1)
}

func TestTriggerRejectsBadRequests(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, NewMemoryStore())
	def, err := NewBuilder("hello", 1).Step("greet", TypeNoop).Build()
	mustRegister(t, engine, def, err)

	_, err = engine.Trigger(ctx, TriggerRequest{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = engine.Trigger(ctx, TriggerRequest{DefinitionID: "hello", Input: json.RawMessage(`[1,2]`)})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = engine.Trigger(ctx, TriggerRequest{DefinitionID: "missing"})
	assert.ErrorIs(t, err, ErrDefinitionNotFound)

	_, err = engine.Trigger(ctx, TriggerRequest{DefinitionID: "hello", Version: 9})
	assert.ErrorIs(t, err, ErrEntityNotFound)

	id, err := engine.Trigger(ctx, TriggerRequest{DefinitionID: "hello"})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(mustInstance(t, engine, id).State.Bindings[BindingInput]))
}

func TestTriggerPinsLatestVersion(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, NewMemoryStore())

	v1, err := NewBuilder("greeting", 1).Step("hello", TypeNoop).Build()
	mustRegister(t, engine, v1, err)
	v2, err := NewBuilder("greeting", 2).Step("hello", TypeNoop).Then("bye", TypeNoop).Build()
	mustRegister(t, engine, v2, err)

	latest := triggerInstance(t, engine, "greeting", `{}`)
	pinned, err := engine.Trigger(ctx, TriggerRequest{DefinitionID: "greeting", Version: 1})
	require.NoError(t, err)
	drain(t, engine)

	assert.Equal(t, 2, mustInstance(t, engine, latest).DefinitionVersion)
	assert.Equal(t, []string{"hello", "bye"}, executedNodes(t, engine, latest))
	assert.Equal(t, 1, mustInstance(t, engine, pinned).DefinitionVersion)
	assert.Equal(t, []string{"hello"}, executedNodes(t, engine, pinned))
}

func TestResumeIdempotencyKey(t *testing.T) {
	for _, factory := range engineStores() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			engine := newTestEngine(t, factory.open(t))
			flow := &approvalFlow{}
			flow.register(t, engine)

			id := triggerInstance(t, engine, "document-approval", `{"request_id":9}`)
			drain(t, engine)

			req := ResumeRequest{
				CorrelationKey: "approval-9",
				Event:          json.RawMessage(`{"approved":false}`),
				IdempotencyKey: "delivery-1",
			}
			first, err := engine.Resume(ctx, req)
			require.NoError(t, err)
			assert.False(t, first.Duplicate)

			second, err := engine.Resume(ctx, req)
			require.NoError(t, err)
			assert.True(t, second.Duplicate)
			assert.Equal(t, id, second.InstanceID)

			drain(t, engine)

			third, err := engine.Resume(ctx, req)
			require.NoError(t, err)
			assert.True(t, third.Duplicate)
			assert.Equal(t, StatusCompleted, third.Status)

			assert.Equal(t, 1, flow.publishes.count())
			assert.Equal(t, []any{false}, flow.approved)
		})
	}
}

func TestResumeEmptyEventBindsEmptyObject(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, NewMemoryStore())

	def, err := NewBuilder("confirm", 1).
		Step("wait", TypeWait, WithNodeInput("correlation_key", `"confirm-${input.id}"`)).
		Build()
	mustRegister(t, engine, def, err)

	id := triggerInstance(t, engine, "confirm", `{"id":"a1"}`)
	drain(t, engine)

	result, err := engine.Resume(ctx, ResumeRequest{CorrelationKey: "confirm-a1"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)

	instance := mustInstance(t, engine, id)
	assert.Equal(t, StatusCompleted, instance.Status)
	assert.JSONEq(t, `{}`, string(instance.State.Bindings["wait"]))

	_, err = engine.Resume(ctx, ResumeRequest{CorrelationKey: "confirm-a1", Event: json.RawMessage(`{broken`)})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = engine.Resume(ctx, ResumeRequest{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestResumeRequiresPausedInstance(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, NewMemoryStore())

	def, err := NewBuilder("review", 1).
		Step("split", TypeNoop).
		ForkJoin("merge", TypeNoop,
			func(b *Builder) {
				b.Step("approval", TypeWait, WithNodeInput("correlation_key", `"review-${input.id}"`))
			},
			func(b *Builder) { b.Step("scan", TypeNoop) },
		).
		Build()
	mustRegister(t, engine, def, err)

	id := triggerInstance(t, engine, "review", `{"id":3}`)

	for i := 0; i < 2; i++ {
		empty, err := engine.ExecuteNext(ctx, "worker-1")
		require.NoError(t, err)
		require.False(t, empty)
	}

	instance := mustInstance(t, engine, id)
	require.Equal(t, StatusRunning, instance.Status)
	require.Len(t, instance.State.Waiting, 1)

	_, err = engine.Resume(ctx, ResumeRequest{CorrelationKey: "review-3"})
	var wrongState *WrongStateError
	require.ErrorAs(t, err, &wrongState)
	assert.Equal(t, StatusRunning, wrongState.Status)
	assert.Equal(t, "resume", wrongState.Operation)

	drain(t, engine)
	require.Equal(t, StatusPaused, mustInstance(t, engine, id).Status)

	_, err = engine.Resume(ctx, ResumeRequest{CorrelationKey: "review-3", Event: json.RawMessage(`{"ok":true}`)})
	require.NoError(t, err)
	drain(t, engine)

	instance = mustInstance(t, engine, id)
	assert.Equal(t, StatusCompleted, instance.Status)
	assert.Equal(t, "merge", instance.State.LastNode)
}

func TestGetInstanceView(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, NewMemoryStore())
	flow := &approvalFlow{}
	flow.register(t, engine)

	id := triggerInstance(t, engine, "document-approval", `{"request_id":11}`)
	drain(t, engine)

	view, err := engine.GetInstanceView(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, view.Status)
	assert.Equal(t, []string{"approval"}, view.CurrentNodes)
	require.Len(t, view.Waiting, 1)
	assert.Equal(t, "approval-11", view.Waiting[0].CorrelationKey)
	assert.Contains(t, view.Bindings, "prepare")
	require.Len(t, view.History, 2)
	assert.Equal(t, OutcomePaused, view.History[1].Outcome)
	assert.NotEmpty(t, view.History[1].Rationale)
	assert.NotEmpty(t, view.Events)

	_, err = engine.GetInstanceView(ctx, 999)
	assert.ErrorIs(t, err, ErrEntityNotFound)
}
