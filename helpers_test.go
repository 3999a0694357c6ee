package helio

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Strategy: RetryStrategyExponential,
		Base:     5 * time.Millisecond,
		Cap:      40 * time.Millisecond,
	}
}

func newTestEngine(t *testing.T, store Store, opts ...EngineOption) *Engine {
	t.Helper()

	base := []EngineOption{
		WithEngineLogger(discardLogger()),
		WithEngineRetryPolicy(testRetryPolicy()),
		WithEngineLeaseWait(2 * time.Second),
	}

	return NewEngine(store, append(base, opts...)...)
}

func newSQLiteStoreForTest(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteInMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

type storeFactory struct {
	name string
	open func(t *testing.T) Store
}

// engineStores are the backends every engine scenario runs against.
func engineStores() []storeFactory {
	return []storeFactory{
		{name: "memory", open: func(*testing.T) Store { return NewMemoryStore() }},
		{name: "sqlite", open: func(t *testing.T) Store { return newSQLiteStoreForTest(t) }},
	}
}

// drain executes queued nodes until the queue is empty, waiting for delayed
// retries to become due.
func drain(t *testing.T, engine *Engine) {
	t.Helper()

	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for {
		empty, err := engine.ExecuteNext(ctx, "test-worker")
		require.NoError(t, err)
		if !empty {
			continue
		}

		stats, err := engine.Store().GetSummaryStats(ctx)
		require.NoError(t, err)
		if stats.QueuedNodes == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("queue still holds %d node(s)", stats.QueuedNodes)
		}
		time.Sleep(time.Millisecond)
	}
}

func triggerInstance(t *testing.T, engine *Engine, definitionID, input string) int64 {
	t.Helper()

	id, err := engine.Trigger(context.Background(), TriggerRequest{
		DefinitionID: definitionID,
		Input:        json.RawMessage(input),
	})
	require.NoError(t, err)

	return id
}

func mustInstance(t *testing.T, engine *Engine, id int64) *WorkflowInstance {
	t.Helper()

	instance, err := engine.Store().GetInstance(context.Background(), id)
	require.NoError(t, err)

	return instance
}

func mustRegister(t *testing.T, engine *Engine, def *WorkflowDefinition, err error) *WorkflowDefinition {
	t.Helper()

	require.NoError(t, err)
	require.NoError(t, engine.RegisterWorkflow(context.Background(), def))

	return def
}

func bindingOf(t *testing.T, instance *WorkflowInstance, nodeID string) map[string]any {
	t.Helper()

	raw, ok := instance.State.Bindings[nodeID]
	require.True(t, ok, "binding %s is missing", nodeID)

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))

	return out
}

// callLog records every invocation of a test capability.
type callLog struct {
	mu    sync.Mutex
	calls []NodeContext
}

func (l *callLog) wrap(fn CapabilityFunc) CapabilityFunc {
	return func(ctx context.Context, nctx NodeContext, inputs map[string]any) (map[string]any, error) {
		l.mu.Lock()
		l.calls = append(l.calls, nctx)
		l.mu.Unlock()

		return fn(ctx, nctx, inputs)
	}
}

func (l *callLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.calls)
}

func (l *callLog) keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	keys := make([]string, 0, len(l.calls))
	for _, call := range l.calls {
		keys = append(keys, call.IdempotencyKey)
	}

	return keys
}

func returning(out map[string]any) CapabilityFunc {
	return func(context.Context, NodeContext, map[string]any) (map[string]any, error) {
		return out, nil
	}
}

func eventsOfType(events []*WorkflowEvent, eventType string) []*WorkflowEvent {
	var out []*WorkflowEvent
	for _, event := range events {
		if event.EventType == eventType {
			out = append(out, event)
		}
	}

	return out
}
