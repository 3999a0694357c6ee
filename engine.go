package helio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultClaimTTL is the claim a worker takes on dequeue; it is extended
	// to cover the node timeout once the node is known.
	DefaultClaimTTL  = time.Minute
	DefaultLeaseTTL  = 30 * time.Second
	DefaultLeaseWait = 10 * time.Second
)

type Engine struct {
	store         Store
	txManager     TxManager
	registry      *Registry
	executor      *Executor
	redactor      *Redactor
	pluginManager *PluginManager
	notifier      Notifier
	logger        *slog.Logger
	retryPolicy   RetryPolicy
	nodeTimeout   time.Duration
	claimTTL      time.Duration
	leaseTTL      time.Duration
	leaseWait     time.Duration

	mu          sync.RWMutex
	definitions map[definitionKey]*definitionGraph

	inflightMu sync.Mutex
	inflight   map[int64]map[int64]context.CancelFunc
	claims     map[int64]struct{}

	triggers singleflight.Group
	resumes  singleflight.Group
}

func NewEngine(store Store, opts ...EngineOption) *Engine {
	engine := &Engine{
		store:       store,
		retryPolicy: DefaultRetryPolicy(),
		nodeTimeout: DefaultNodeTimeout,
		claimTTL:    DefaultClaimTTL,
		leaseTTL:    DefaultLeaseTTL,
		leaseWait:   DefaultLeaseWait,
		definitions: make(map[definitionKey]*definitionGraph),
		inflight:    make(map[int64]map[int64]context.CancelFunc),
		claims:      make(map[int64]struct{}),
	}

	for _, opt := range opts {
		opt(engine)
	}

	if engine.txManager == nil {
		if provider, ok := store.(TxManagerProvider); ok {
			engine.txManager = provider.TxManager()
		} else {
			engine.txManager = NewMemoryTxManager()
		}
	}
	if engine.logger == nil {
		engine.logger = slog.Default()
	}
	if engine.registry == nil {
		engine.registry = NewRegistry()
	}
	if engine.redactor == nil {
		engine.redactor = NewRedactor()
	}
	if engine.pluginManager == nil {
		engine.pluginManager = NewPluginManager()
	}
	engine.pluginManager.setLogger(engine.logger)
	if engine.notifier == nil {
		engine.notifier = NewChannelNotifier(1)
	}
	engine.executor = NewExecutor(engine.nodeTimeout, engine.logger)

	return engine
}

func (engine *Engine) Registry() *Registry {
	return engine.registry
}

func (engine *Engine) Store() Store {
	return engine.store
}

func (engine *Engine) Notifier() Notifier {
	return engine.notifier
}

func (engine *Engine) PluginManager() *PluginManager {
	return engine.pluginManager
}

// RegisterWorkflow validates a definition against the registry and stores it.
// Registering identical content for an existing (id, version) is a no-op.
func (engine *Engine) RegisterWorkflow(ctx context.Context, def *WorkflowDefinition) error {
	if err := engine.registry.ValidateDefinition(def); err != nil {
		return fmt.Errorf("invalid workflow definition: %w", err)
	}

	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now()
	}
	if err := engine.store.SaveDefinition(ctx, def); err != nil {
		return fmt.Errorf("save definition: %w", err)
	}

	engine.mu.Lock()
	engine.definitions[definitionKey{id: def.ID, version: def.Version}] = newDefinitionGraph(def)
	engine.mu.Unlock()

	engine.logger.Info("[helio] workflow registered", "definition_id", def.ID, "version", def.Version)

	return nil
}

func (engine *Engine) GetDefinition(ctx context.Context, id string, version int) (*WorkflowDefinition, error) {
	graph, err := engine.definition(ctx, id, version)
	if err != nil {
		return nil, err
	}

	return graph.def, nil
}

func (engine *Engine) ListDefinitions(ctx context.Context) ([]*WorkflowDefinition, error) {
	return engine.store.ListDefinitions(ctx)
}

func (engine *Engine) ListInstances(ctx context.Context, filter InstanceFilter) ([]*WorkflowInstance, error) {
	return engine.store.ListInstances(ctx, filter)
}

// definition returns the parsed graph of a definition version; version 0
// always asks the store for the latest one.
func (engine *Engine) definition(ctx context.Context, id string, version int) (*definitionGraph, error) {
	if version > 0 {
		engine.mu.RLock()
		graph, ok := engine.definitions[definitionKey{id: id, version: version}]
		engine.mu.RUnlock()
		if ok {
			return graph, nil
		}
	}

	def, err := engine.store.GetDefinition(ctx, id, version)
	if err != nil {
		return nil, err
	}

	graph := newDefinitionGraph(def)
	engine.mu.Lock()
	engine.definitions[definitionKey{id: def.ID, version: def.Version}] = graph
	engine.mu.Unlock()

	return graph, nil
}

// ExecuteNext claims one due queue item, runs its node and commits the
// outcome. It reports empty when nothing was due.
func (engine *Engine) ExecuteNext(ctx context.Context, workerID string) (empty bool, err error) {
	item, err := engine.store.DequeueNode(ctx, workerID, engine.claimTTL)
	if err != nil {
		return false, fmt.Errorf("dequeue node: %w", err)
	}
	if item == nil {
		return true, nil
	}

	engine.holdClaim(item.ID)
	defer engine.dropClaim(item.ID)

	if err := engine.process(ctx, item); err != nil {
		if relErr := engine.store.ReleaseClaim(context.WithoutCancel(ctx), item.ID); relErr != nil {
			engine.logger.Error("[helio] release claim failed", "queue_id", item.ID, "error", relErr)
		}

		return false, err
	}

	return false, nil
}

func (engine *Engine) process(ctx context.Context, item *QueueItem) error {
	instance, err := engine.store.GetInstance(ctx, item.InstanceID)
	if errors.Is(err, ErrEntityNotFound) {
		return engine.store.RemoveFromQueue(ctx, item.ID)
	}
	if err != nil {
		return fmt.Errorf("get instance: %w", err)
	}

	if instance.Status.IsTerminal() || !slices.Contains(instance.State.Active, item.NodeID) {
		engine.logger.Debug("[helio] dropping stale queue item",
			"instance_id", item.InstanceID, "node_id", item.NodeID, "status", instance.Status)

		return engine.store.RemoveFromQueue(ctx, item.ID)
	}

	graph, err := engine.definition(ctx, instance.DefinitionID, instance.DefinitionVersion)
	if err != nil {
		return fmt.Errorf("get definition: %w", err)
	}

	node, ok := graph.node(item.NodeID)
	if !ok {
		engine.logger.Error("[helio] queued node missing from definition",
			"instance_id", item.InstanceID, "node_id", item.NodeID)

		return engine.store.RemoveFromQueue(ctx, item.ID)
	}

	if err := engine.store.ExtendClaim(ctx, item.ID, engine.nodeClaimTTL(node)); err != nil {
		return fmt.Errorf("extend claim: %w", err)
	}

	attempt := instance.State.Runs[node.ID] + 1
	reg, inputs, outcome := engine.runNode(ctx, instance, node, item, attempt)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	return engine.commitOutcome(ctx, item, node, attempt, reg, inputs, outcome)
}

// runNode executes a node without holding the instance lease.
func (engine *Engine) runNode(
	ctx context.Context,
	instance *WorkflowInstance,
	node *NodeSpec,
	item *QueueItem,
	attempt int,
) (*Registration, map[string]any, Outcome) {
	reg, err := engine.registry.Resolve(node.Type)
	if err != nil {
		return nil, nil, immediateOutcome(OutcomePermanent, Permanent(err))
	}

	ectx, err := newEvalContext(instance.State.Bindings)
	if err != nil {
		return reg, nil, immediateOutcome(OutcomePermanent, Permanent(fmt.Errorf("build binding context: %w", err)))
	}
	inputs, err := evaluateInputs(node.Inputs, ectx)
	if err != nil {
		return reg, nil, immediateOutcome(OutcomePermanent, Permanent(fmt.Errorf("bind inputs: %w", err)))
	}

	if err := engine.pluginManager.ExecuteNodeStart(ctx, instance, node); err != nil {
		return reg, inputs, immediateOutcome(OutcomeTransient, err)
	}

	nctx := NodeContext{
		InstanceID:     instance.ID,
		NodeID:         node.ID,
		Attempt:        attempt,
		IdempotencyKey: idempotencyKey(instance.ID, node.ID, attempt),
		Config:         node.Config,
		bindings:       instance.State.Bindings,
	}

	execCtx, cancel := context.WithCancel(ctx)
	engine.trackInflight(item, cancel)
	defer func() {
		engine.untrackInflight(item)
		cancel()
	}()

	return reg, inputs, engine.executor.Execute(execCtx, reg, nctx, inputs, node.Timeout.Std())
}

// nodeClaimTTL covers the longest a worker can hold a node's queue item: the
// call timeout, the wait for the instance lease and the base claim.
func (engine *Engine) nodeClaimTTL(node *NodeSpec) time.Duration {
	reg, err := engine.registry.Resolve(node.Type)
	if err != nil {
		reg = nil
	}

	return engine.executor.timeoutFor(reg, node.Timeout.Std()) + engine.leaseWait + engine.claimTTL
}

func immediateOutcome(kind OutcomeKind, err error) Outcome {
	now := time.Now()

	return Outcome{Kind: kind, Err: err, Started: now, Finished: now}
}

func (engine *Engine) commitOutcome(
	ctx context.Context,
	item *QueueItem,
	node *NodeSpec,
	attempt int,
	reg *Registration,
	inputs map[string]any,
	outcome Outcome,
) error {
	var (
		committed *transition
		previous  InstanceStatus
	)

	err := engine.withLease(ctx, item.InstanceID, func(ctx context.Context) error {
		return engine.txManager.ReadCommitted(ctx, func(ctx context.Context) error {
			instance, err := engine.store.GetInstance(ctx, item.InstanceID)
			if err != nil {
				return fmt.Errorf("get instance: %w", err)
			}
			if instance.Status.IsTerminal() || !slices.Contains(instance.State.Active, node.ID) {
				return engine.store.RemoveFromQueue(ctx, item.ID)
			}

			graph, err := engine.definition(ctx, instance.DefinitionID, instance.DefinitionVersion)
			if err != nil {
				return fmt.Errorf("get definition: %w", err)
			}

			if outcome.Kind == OutcomePaused {
				outcome, err = engine.checkCorrelationKey(ctx, outcome)
				if err != nil {
					return err
				}
			}

			previous = instance.Status
			t := newTransition(graph, instance, engine.retryPolicy)
			t.applyOutcome(node, attempt, engine.redactor.Snapshot(inputs), outcome,
				reg != nil && reg.TimeoutPermanent, engine.redactor)

			if err := engine.persist(ctx, t, item.ID); err != nil {
				return err
			}
			committed = t

			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("commit node %s of instance %d: %w", node.ID, item.InstanceID, err)
	}

	if committed != nil {
		engine.afterCommit(ctx, committed, previous, node, &outcome)
	}

	return nil
}

// checkCorrelationKey turns a pause with an empty or already used key into a
// permanent failure of the node.
func (engine *Engine) checkCorrelationKey(ctx context.Context, outcome Outcome) (Outcome, error) {
	if outcome.CorrelationKey == "" {
		outcome.Kind = OutcomePermanent
		outcome.Err = Permanent(errors.New("pause requested without correlation key"))

		return outcome, nil
	}

	_, err := engine.store.GetPendingInput(ctx, outcome.CorrelationKey)
	switch {
	case err == nil:
		outcome.Kind = OutcomePermanent
		outcome.Err = Permanent(fmt.Errorf("correlation key %q: %w", outcome.CorrelationKey, ErrCorrelationKeyInUse))
	case errors.Is(err, ErrEntityNotFound):
	default:
		return outcome, fmt.Errorf("get pending input: %w", err)
	}

	return outcome, nil
}

// persist writes everything a transition produced. It must run inside a
// transaction while the instance lease is held.
func (engine *Engine) persist(ctx context.Context, t *transition, consumed int64) error {
	instance := t.instance

	// Pending inputs go first: a key taken by another instance must abort the
	// commit before anything else of this instance is written.
	if !t.purge {
		for _, key := range t.resolved {
			if err := engine.store.DeletePendingInput(ctx, key); err != nil {
				return fmt.Errorf("delete pending input: %w", err)
			}
		}
		for _, pending := range t.pause {
			if err := engine.store.SavePendingInput(ctx, pending); err != nil {
				return fmt.Errorf("save pending input: %w", err)
			}
		}
	}

	if err := engine.store.UpdateInstance(ctx, instance); err != nil {
		return fmt.Errorf("update instance: %w", err)
	}

	if t.record != nil {
		if err := engine.store.AppendExecutionRecord(ctx, t.record); err != nil {
			return fmt.Errorf("append execution record: %w", err)
		}
	}

	if consumed > 0 {
		if err := engine.store.RemoveFromQueue(ctx, consumed); err != nil {
			return fmt.Errorf("remove from queue: %w", err)
		}
	}

	if t.purge {
		if err := engine.store.RemoveInstanceQueue(ctx, instance.ID); err != nil {
			return fmt.Errorf("remove instance queue: %w", err)
		}
		if err := engine.store.DeleteInstancePendingInputs(ctx, instance.ID); err != nil {
			return fmt.Errorf("delete pending inputs: %w", err)
		}
	} else {
		for _, next := range t.enqueue {
			if err := engine.store.EnqueueNode(ctx, instance.ID, next.nodeID, next.delay); err != nil {
				return fmt.Errorf("enqueue node %s: %w", next.nodeID, err)
			}
		}
	}

	for _, event := range t.events {
		if err := engine.store.LogEvent(ctx, instance.ID, event.nodeID, event.eventType, event.rationale, event.payload); err != nil {
			return fmt.Errorf("log event: %w", err)
		}
	}

	return nil
}

// afterCommit runs the side effects of a durable transition.
func (engine *Engine) afterCommit(
	ctx context.Context,
	t *transition,
	previous InstanceStatus,
	node *NodeSpec,
	outcome *Outcome,
) {
	if len(t.enqueue) > 0 && !t.purge {
		engine.notifier.Notify()
	}

	instance := t.instance
	if node != nil && outcome != nil {
		switch outcome.Kind {
		case OutcomeSuccess, OutcomePaused:
			engine.pluginManager.ExecuteNodeComplete(ctx, instance, node, outcome)
		default:
			engine.pluginManager.ExecuteNodeFailed(ctx, instance, node, outcome)
		}
	}

	engine.fireStatusHooks(ctx, previous, instance)
}

func (engine *Engine) fireStatusHooks(ctx context.Context, previous InstanceStatus, instance *WorkflowInstance) {
	if previous == StatusCreated && instance.Status != StatusCreated {
		engine.pluginManager.ExecuteWorkflowStart(ctx, instance)
	}
	if previous == instance.Status {
		return
	}

	switch instance.Status {
	case StatusPaused:
		engine.pluginManager.ExecuteWorkflowPaused(ctx, instance)
	case StatusCompleted:
		engine.logger.Info("[helio] instance completed", "instance_id", instance.ID, "definition_id", instance.DefinitionID)
		engine.pluginManager.ExecuteWorkflowComplete(ctx, instance)
	case StatusFailed:
		engine.logger.Warn("[helio] instance failed",
			"instance_id", instance.ID, "definition_id", instance.DefinitionID,
			"error_kind", deref(instance.ErrorKind), "error", deref(instance.Error))
		engine.cancelInflight(instance.ID)
		engine.pluginManager.ExecuteWorkflowFailed(ctx, instance)
	case StatusCancelled:
		engine.logger.Info("[helio] instance cancelled", "instance_id", instance.ID, "reason", deref(instance.Error))
		engine.cancelInflight(instance.ID)
		engine.pluginManager.ExecuteWorkflowCancelled(ctx, instance)
	}
}

// withLease runs fn while holding the exclusive lease of an instance.
// Acquisition is retried with jitter for up to leaseWait.
func (engine *Engine) withLease(ctx context.Context, instanceID int64, fn func(ctx context.Context) error) error {
	owner := uuid.NewString()
	deadline := time.Now().Add(engine.leaseWait)

	for {
		ok, err := engine.store.AcquireLease(ctx, instanceID, owner, engine.leaseTTL)
		if err != nil {
			return fmt.Errorf("acquire lease: %w", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("instance %d: %w", instanceID, ErrLeaseBusy)
		}

		wait := 5*time.Millisecond + rand.N(20*time.Millisecond)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	defer func() {
		if err := engine.store.ReleaseLease(context.WithoutCancel(ctx), instanceID, owner); err != nil {
			engine.logger.Error("[helio] release lease failed", "instance_id", instanceID, "error", err)
		}
	}()

	return fn(ctx)
}

func (engine *Engine) trackInflight(item *QueueItem, cancel context.CancelFunc) {
	engine.inflightMu.Lock()
	defer engine.inflightMu.Unlock()

	calls, ok := engine.inflight[item.InstanceID]
	if !ok {
		calls = make(map[int64]context.CancelFunc)
		engine.inflight[item.InstanceID] = calls
	}
	calls[item.ID] = cancel
}

func (engine *Engine) untrackInflight(item *QueueItem) {
	engine.inflightMu.Lock()
	defer engine.inflightMu.Unlock()

	calls := engine.inflight[item.InstanceID]
	delete(calls, item.ID)
	if len(calls) == 0 {
		delete(engine.inflight, item.InstanceID)
	}
}

func (engine *Engine) holdClaim(queueID int64) {
	engine.inflightMu.Lock()
	defer engine.inflightMu.Unlock()

	engine.claims[queueID] = struct{}{}
}

func (engine *Engine) dropClaim(queueID int64) {
	engine.inflightMu.Lock()
	defer engine.inflightMu.Unlock()

	delete(engine.claims, queueID)
}

func (engine *Engine) holdsClaim(queueID int64) bool {
	engine.inflightMu.Lock()
	defer engine.inflightMu.Unlock()

	_, ok := engine.claims[queueID]

	return ok
}

// cancelInflight cancels the context of every node call of an instance running
// in this process.
func (engine *Engine) cancelInflight(instanceID int64) {
	engine.inflightMu.Lock()
	defer engine.inflightMu.Unlock()

	for _, cancel := range engine.inflight[instanceID] {
		cancel()
	}
}

// Recover re-admits every non-terminal instance after a restart: created
// instances are started, active nodes without a queue item are re-queued,
// claims of dead workers are released and lost pending inputs are restored.
// It returns the number of instances touched.
func (engine *Engine) Recover(ctx context.Context) (int, error) {
	instances, err := engine.store.ListInstances(ctx, InstanceFilter{
		Statuses: []InstanceStatus{StatusCreated, StatusRunning, StatusPaused},
	})
	if err != nil {
		return 0, fmt.Errorf("list instances: %w", err)
	}

	recovered := 0
	for _, instance := range instances {
		changed, err := engine.recoverInstance(ctx, instance.ID)
		if err != nil {
			return recovered, fmt.Errorf("recover instance %d: %w", instance.ID, err)
		}
		if changed {
			recovered++
		}
	}

	if recovered > 0 {
		engine.logger.Info("[helio] instances recovered", "count", recovered)
	}

	return recovered, nil
}

func (engine *Engine) recoverInstance(ctx context.Context, instanceID int64) (bool, error) {
	var (
		committed *transition
		previous  InstanceStatus
		released  int
	)

	err := engine.withLease(ctx, instanceID, func(ctx context.Context) error {
		return engine.txManager.ReadCommitted(ctx, func(ctx context.Context) error {
			released = 0
			instance, err := engine.store.GetInstance(ctx, instanceID)
			if err != nil {
				return fmt.Errorf("get instance: %w", err)
			}
			if instance.Status.IsTerminal() {
				return nil
			}

			graph, err := engine.definition(ctx, instance.DefinitionID, instance.DefinitionVersion)
			if err != nil {
				return fmt.Errorf("get definition: %w", err)
			}

			previous = instance.Status
			t := newTransition(graph, instance, engine.retryPolicy)
			if instance.Status == StatusCreated {
				t.start()
			} else if released, err = engine.restoreWork(ctx, t); err != nil {
				return err
			}
			t.settleJoins()
			t.finalize()

			if len(t.events) == 0 && len(t.enqueue) == 0 && len(t.pause) == 0 && released == 0 &&
				instance.Status == previous {
				return nil
			}
			t.log("", EventInstanceRecovered,
				fmt.Sprintf("recovered from %s: %d node(s) re-queued, %d abandoned claim(s) released, %d pending input(s) restored",
					previous, len(t.enqueue), released, len(t.pause)),
				nil)

			if err := engine.persist(ctx, t, 0); err != nil {
				return err
			}
			committed = t

			return nil
		})
	})
	if err != nil {
		return false, err
	}
	if committed == nil {
		return false, nil
	}

	if released > 0 {
		engine.notifier.Notify()
	}
	engine.afterCommit(ctx, committed, previous, nil, nil)

	return true, nil
}

// restoreWork re-queues active nodes whose queue item is gone, releases claims
// of workers that no longer exist and re-saves pending inputs missing from the
// store. It returns the number of released claims.
func (engine *Engine) restoreWork(ctx context.Context, t *transition) (int, error) {
	st := t.state()

	queue, err := engine.store.ListQueue(ctx, t.instance.ID)
	if err != nil {
		return 0, fmt.Errorf("list queue: %w", err)
	}

	processLocal := false
	if local, ok := engine.store.(ProcessLocalStore); ok {
		processLocal = local.ProcessLocal()
	}

	now := time.Now()
	released := 0
	queued := make(map[string]struct{}, len(queue))
	for _, item := range queue {
		queued[item.NodeID] = struct{}{}
		if item.ClaimedBy == nil || engine.holdsClaim(item.ID) {
			continue
		}
		expired := item.ClaimedUntil == nil || item.ClaimedUntil.Before(now)
		if !processLocal && !expired {
			continue
		}
		if err := engine.store.ReleaseClaim(ctx, item.ID); err != nil {
			return 0, fmt.Errorf("release claim: %w", err)
		}
		released++
	}
	for _, nodeID := range st.Active {
		if _, ok := queued[nodeID]; !ok {
			t.enqueue = append(t.enqueue, scheduledNode{nodeID: nodeID})
		}
	}

	for i := range st.Waiting {
		waiting := st.Waiting[i]
		_, err := engine.store.GetPendingInput(ctx, waiting.CorrelationKey)
		if errors.Is(err, ErrEntityNotFound) {
			t.pause = append(t.pause, &waiting)

			continue
		}
		if err != nil {
			return 0, fmt.Errorf("get pending input: %w", err)
		}
	}

	return released, nil
}

// SweepExpiredPauses cancels instances whose pending input deadline passed.
func (engine *Engine) SweepExpiredPauses(ctx context.Context) (int, error) {
	expired, err := engine.store.ListExpiredPendingInputs(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("list expired pending inputs: %w", err)
	}

	cancelled := 0
	for _, pending := range expired {
		var (
			committed *transition
			previous  InstanceStatus
		)

		err := engine.withLease(ctx, pending.InstanceID, func(ctx context.Context) error {
			return engine.txManager.ReadCommitted(ctx, func(ctx context.Context) error {
				current, err := engine.store.GetPendingInput(ctx, pending.CorrelationKey)
				if errors.Is(err, ErrEntityNotFound) {
					return nil
				}
				if err != nil {
					return fmt.Errorf("get pending input: %w", err)
				}

				instance, err := engine.store.GetInstance(ctx, current.InstanceID)
				if err != nil {
					return fmt.Errorf("get instance: %w", err)
				}
				if instance.Status.IsTerminal() {
					return engine.store.DeletePendingInput(ctx, current.CorrelationKey)
				}

				graph, err := engine.definition(ctx, instance.DefinitionID, instance.DefinitionVersion)
				if err != nil {
					return fmt.Errorf("get definition: %w", err)
				}

				previous = instance.Status
				t := newTransition(graph, instance, engine.retryPolicy)
				t.cancel(fmt.Sprintf("input %q for node %s not received before deadline", current.CorrelationKey, current.NodeID))
				if err := engine.persist(ctx, t, 0); err != nil {
					return err
				}
				committed = t

				return nil
			})
		})
		if err != nil {
			return cancelled, fmt.Errorf("expire pause %q: %w", pending.CorrelationKey, err)
		}
		if committed != nil {
			cancelled++
			engine.afterCommit(ctx, committed, previous, nil, nil)
		}
	}

	return cancelled, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}
