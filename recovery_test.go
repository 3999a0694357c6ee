package helio

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerRestartDefinitions(t *testing.T, engine *Engine, steps *callLog) {
	t.Helper()

	engine.Registry().MustRegister("test.step", steps.wrap(func(_ context.Context, nctx NodeContext, _ map[string]any) (map[string]any, error) {
		return map[string]any{"node": nctx.NodeID}, nil
	}), nil, nil)

	linear, err := NewBuilder("linear", 1).
		Step("one", "test.step").
		Then("two", "test.step").
		Then("three", "test.step").
		Build()
	mustRegister(t, engine, linear, err)

	approval, err := NewBuilder("approval", 1).
		Step("ask", TypeWait, WithNodeInput("correlation_key", `"order-${input.order}"`)).
		Then("ship", "test.step").
		Build()
	mustRegister(t, engine, approval, err)
}

func TestRestartResumesFromPersistedState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "helio.db")

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)

	var firstRun callLog
	engine := newTestEngine(t, store)
	registerRestartDefinitions(t, engine, &firstRun)

	// Running instance whose next queue item is lost in the crash.
	running := triggerInstance(t, engine, "linear", `{}`)
	empty, err := engine.ExecuteNext(ctx, "worker-1")
	require.NoError(t, err)
	require.False(t, empty)
	require.NoError(t, store.RemoveInstanceQueue(ctx, running))

	// Paused instance waiting for an external event.
	paused := triggerInstance(t, engine, "approval", `{"order":"A7"}`)
	empty, err = engine.ExecuteNext(ctx, "worker-1")
	require.NoError(t, err)
	require.False(t, empty)
	require.Equal(t, StatusPaused, mustInstance(t, engine, paused).Status)

	// Instance persisted as created but never started.
	created := &WorkflowInstance{
		DefinitionID:      "linear",
		DefinitionVersion: 1,
		Status:            StatusCreated,
		State:             newInstanceState(json.RawMessage(`{}`)),
	}
	require.NoError(t, store.CreateInstance(ctx, created))

	require.Equal(t, 1, firstRun.count())
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	var secondRun callLog
	restarted := newTestEngine(t, reopened)
	registerRestartDefinitions(t, restarted, &secondRun)

	recovered, err := restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)

	recovered, err = restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, recovered)

	drain(t, restarted)

	assert.Equal(t, StatusCompleted, mustInstance(t, restarted, running).Status)
	assert.Equal(t, []string{"one", "two", "three"}, executedNodes(t, restarted, running))
	assert.Equal(t, StatusCompleted, mustInstance(t, restarted, created.ID).Status)
	assert.Equal(t, StatusPaused, mustInstance(t, restarted, paused).Status)

	_, err = restarted.Resume(ctx, ResumeRequest{
		CorrelationKey: "order-A7",
		Event:          json.RawMessage(`{"approved":true}`),
	})
	require.NoError(t, err)
	drain(t, restarted)

	instance := mustInstance(t, restarted, paused)
	assert.Equal(t, StatusCompleted, instance.Status)
	assert.Equal(t, map[string]any{"node": "ship"}, bindingOf(t, instance, "ship"))

	// one was executed before the restart and never again.
	assert.Equal(t, 2+3+1, secondRun.count())

	events, err := reopened.ListEvents(ctx, running)
	require.NoError(t, err)
	assert.Len(t, eventsOfType(events, EventInstanceRecovered), 1)
}

func TestAbandonedClaimIsReclaimed(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStoreForTest(t)

	var steps callLog
	engine := newTestEngine(t, store, WithEngineClaimTTL(20*time.Millisecond))
	registerRestartDefinitions(t, engine, &steps)

	id := triggerInstance(t, engine, "linear", `{}`)

	// A worker claims the start node and dies before committing.
	item, err := store.DequeueNode(ctx, "crashed-worker", 20*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, item)

	empty, err := engine.ExecuteNext(ctx, "worker-2")
	require.NoError(t, err)
	assert.True(t, empty)

	time.Sleep(30 * time.Millisecond)
	drain(t, engine)

	assert.Equal(t, StatusCompleted, mustInstance(t, engine, id).Status)
	assert.Equal(t, 3, steps.count())
}

func TestRestartReleasesClaimOfDeadWorker(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "helio.db")

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)

	var firstRun callLog
	engine := newTestEngine(t, store)
	registerRestartDefinitions(t, engine, &firstRun)

	id := triggerInstance(t, engine, "linear", `{}`)

	// The process dies while a worker holds the start node under the default claim.
	item, err := store.DequeueNode(ctx, "crashed-worker", DefaultClaimTTL)
	require.NoError(t, err)
	require.NotNil(t, item)
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	var secondRun callLog
	restarted := newTestEngine(t, reopened)
	registerRestartDefinitions(t, restarted, &secondRun)

	recovered, err := restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	queue, err := reopened.ListQueue(ctx, id)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Nil(t, queue[0].ClaimedBy)

	drain(t, restarted)

	assert.Equal(t, StatusCompleted, mustInstance(t, restarted, id).Status)
	assert.Equal(t, []string{"one", "two", "three"}, executedNodes(t, restarted, id))
	assert.Zero(t, firstRun.count())

	events, err := reopened.ListEvents(ctx, id)
	require.NoError(t, err)
	recoveredEvents := eventsOfType(events, EventInstanceRecovered)
	require.Len(t, recoveredEvents, 1)
	assert.Contains(t, recoveredEvents[0].Rationale, "1 abandoned claim(s) released")
}

func TestRecoverReleasesForeignClaimsOnLocalStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var steps callLog
	engine := newTestEngine(t, store)
	registerRestartDefinitions(t, engine, &steps)

	id := triggerInstance(t, engine, "linear", `{}`)
	_, err := store.DequeueNode(ctx, "crashed-worker", DefaultClaimTTL)
	require.NoError(t, err)

	restarted := newTestEngine(t, store)
	registerRestartDefinitions(t, restarted, &steps)

	recovered, err := restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	drain(t, restarted)
	assert.Equal(t, StatusCompleted, mustInstance(t, restarted, id).Status)
	assert.Equal(t, 3, steps.count())
}

// sharedStore reports itself as reachable from other processes, so only
// expired claims may be released.
type sharedStore struct {
	*MemoryStore
}

func (sharedStore) ProcessLocal() bool { return false }

func TestRecoverKeepsLiveClaimsOnSharedStore(t *testing.T) {
	ctx := context.Background()
	store := sharedStore{MemoryStore: NewMemoryStore()}

	var steps callLog
	engine := newTestEngine(t, store)
	registerRestartDefinitions(t, engine, &steps)

	id := triggerInstance(t, engine, "linear", `{}`)
	item, err := store.DequeueNode(ctx, "other-process", DefaultClaimTTL)
	require.NoError(t, err)
	require.NotNil(t, item)

	recovered, err := engine.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, recovered, "an unexpired claim may belong to a live worker elsewhere")

	queue, err := store.ListQueue(ctx, id)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, "other-process", deref(queue[0].ClaimedBy))

	require.NoError(t, store.ExtendClaim(ctx, item.ID, -time.Second))

	recovered, err = engine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	queue, err = store.ListQueue(ctx, id)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Nil(t, queue[0].ClaimedBy)

	drain(t, engine)
	assert.Equal(t, StatusCompleted, mustInstance(t, engine, id).Status)
}

func TestClaimCoversNodeTimeout(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	engine := newTestEngine(t, store)

	var (
		claimedUntil *time.Time
		recovered    int
		recoverErr   error
	)
	engine.Registry().MustRegister("test.inspect", CapabilityFunc(func(ctx context.Context, nctx NodeContext, _ map[string]any) (map[string]any, error) {
		queue, err := store.ListQueue(ctx, nctx.InstanceID)
		if err != nil {
			return nil, err
		}
		for _, item := range queue {
			if item.NodeID == nctx.NodeID {
				claimedUntil = item.ClaimedUntil
			}
		}
		recovered, recoverErr = engine.Recover(ctx)

		return nil, nil
	}), nil, nil)

	def, err := NewBuilder("slow", 1).
		Step("inspect", "test.inspect", WithNodeTimeout(time.Hour)).
		Build()
	mustRegister(t, engine, def, err)

	started := time.Now()
	id := triggerInstance(t, engine, "slow", `{}`)
	drain(t, engine)

	assert.Equal(t, StatusCompleted, mustInstance(t, engine, id).Status)
	require.NotNil(t, claimedUntil)
	assert.True(t, claimedUntil.After(started.Add(time.Hour+DefaultClaimTTL)),
		"claim outlives the node timeout, got %s", claimedUntil.Sub(started))

	require.NoError(t, recoverErr)
	assert.Zero(t, recovered, "a claim held by the running engine is not released")
}
