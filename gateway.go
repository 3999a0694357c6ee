package helio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

type TriggerRequest struct {
	DefinitionID string          `json:"definition_id"`
	Version      int             `json:"version,omitempty"`
	Input        json.RawMessage `json:"input"`
	// IdempotencyKey deduplicates triggers, e.g. a provider webhook or message id.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type ResumeRequest struct {
	CorrelationKey string          `json:"correlation_key"`
	Event          json.RawMessage `json:"event"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type ResumeResult struct {
	InstanceID int64          `json:"instance_id"`
	NodeID     string         `json:"node_id,omitempty"`
	Status     InstanceStatus `json:"status"`
	Duplicate  bool           `json:"duplicate,omitempty"`
}

// duplicateTriggerError aborts a trigger transaction that lost the race for
// an idempotency key to another process.
type duplicateTriggerError struct {
	instanceID int64
}

func (e *duplicateTriggerError) Error() string {
	return fmt.Sprintf("idempotency key already used by instance %d", e.instanceID)
}

// Trigger creates a new instance of a definition and schedules its start node.
// A repeated idempotency key returns the instance created by the first call.
func (engine *Engine) Trigger(ctx context.Context, req TriggerRequest) (int64, error) {
	if req.IdempotencyKey == "" {
		return engine.trigger(ctx, req)
	}

	v, err, _ := engine.triggers.Do(req.IdempotencyKey, func() (any, error) {
		return engine.trigger(ctx, req)
	})
	if err != nil {
		return 0, err
	}

	return v.(int64), nil
}

func (engine *Engine) trigger(ctx context.Context, req TriggerRequest) (int64, error) {
	if req.DefinitionID == "" {
		return 0, fmt.Errorf("%w: definition id is required", ErrInvalidInput)
	}

	input, err := normalizeObject(req.Input)
	if err != nil {
		return 0, fmt.Errorf("%w: trigger input: %w", ErrInvalidInput, err)
	}

	if req.IdempotencyKey != "" {
		id, found, err := engine.idempotentInstance(ctx, IdempotencyScopeTrigger, req.IdempotencyKey)
		if err != nil {
			return 0, err
		}
		if found {
			return id, nil
		}
	}

	graph, err := engine.definition(ctx, req.DefinitionID, req.Version)
	if err != nil {
		return 0, fmt.Errorf("get definition: %w", err)
	}
	def := graph.def

	var committed *transition
	err = engine.txManager.ReadCommitted(ctx, func(ctx context.Context) error {
		instance := &WorkflowInstance{
			DefinitionID:      def.ID,
			DefinitionVersion: def.Version,
			Status:            StatusCreated,
			State:             newInstanceState(input),
		}
		if err := engine.store.CreateInstance(ctx, instance); err != nil {
			return fmt.Errorf("create instance: %w", err)
		}

		if req.IdempotencyKey != "" {
			if err := engine.claimIdempotencyKey(ctx, IdempotencyScopeTrigger, req.IdempotencyKey, instance.ID); err != nil {
				return err
			}
		}

		t := newTransition(graph, instance, engine.retryPolicy)
		t.log("", EventInstanceCreated, fmt.Sprintf("instance of %s v%d created", def.ID, def.Version),
			map[string]any{KeyDefinitionID: def.ID, KeyVersion: def.Version})
		t.start()
		t.finalize()

		if err := engine.persist(ctx, t, 0); err != nil {
			return err
		}
		committed = t

		return nil
	})

	var dup *duplicateTriggerError
	if errors.As(err, &dup) {
		return dup.instanceID, nil
	}
	if err != nil {
		return 0, err
	}

	instance := committed.instance
	engine.logger.Info("[helio] instance triggered",
		"instance_id", instance.ID, "definition_id", def.ID, "version", def.Version)
	engine.afterCommit(ctx, committed, StatusCreated, nil, nil)

	return instance.ID, nil
}

// claimIdempotencyKey binds a key to an instance. When another caller bound it
// first the surrounding transaction is aborted with duplicateTriggerError.
func (engine *Engine) claimIdempotencyKey(ctx context.Context, scope IdempotencyScope, key string, instanceID int64) error {
	if err := engine.store.SaveIdempotencyRecord(ctx, &IdempotencyRecord{
		Key:        key,
		Scope:      scope,
		InstanceID: instanceID,
		CreatedAt:  time.Now(),
	}); err != nil {
		return fmt.Errorf("save idempotency record: %w", err)
	}

	record, err := engine.store.GetIdempotencyRecord(ctx, scope, key)
	if err != nil {
		return fmt.Errorf("get idempotency record: %w", err)
	}
	if record.InstanceID != instanceID {
		return &duplicateTriggerError{instanceID: record.InstanceID}
	}

	return nil
}

func (engine *Engine) idempotentInstance(ctx context.Context, scope IdempotencyScope, key string) (int64, bool, error) {
	record, err := engine.store.GetIdempotencyRecord(ctx, scope, key)
	if errors.Is(err, ErrEntityNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get idempotency record: %w", err)
	}

	return record.InstanceID, true, nil
}

// Resume completes the node waiting on a correlation key with the event as
// its output. Only paused instances accept resumes.
func (engine *Engine) Resume(ctx context.Context, req ResumeRequest) (*ResumeResult, error) {
	if req.IdempotencyKey == "" {
		return engine.resume(ctx, req)
	}

	v, err, _ := engine.resumes.Do(req.IdempotencyKey, func() (any, error) {
		return engine.resume(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	result := *v.(*ResumeResult)

	return &result, nil
}

func (engine *Engine) resume(ctx context.Context, req ResumeRequest) (*ResumeResult, error) {
	if req.CorrelationKey == "" {
		return nil, fmt.Errorf("%w: correlation key is required", ErrInvalidInput)
	}

	event := bytes.TrimSpace(req.Event)
	if len(event) == 0 {
		event = []byte("{}")
	}
	if !json.Valid(event) {
		return nil, fmt.Errorf("%w: resume event is not valid JSON", ErrInvalidInput)
	}

	if req.IdempotencyKey != "" {
		result, err := engine.duplicateResume(ctx, req.IdempotencyKey)
		if err != nil || result != nil {
			return result, err
		}
	}

	result, err := engine.applyResume(ctx, req, event)

	var noMatch *NoMatchingInstanceError
	if errors.As(err, &noMatch) && req.IdempotencyKey != "" {
		// The first delivery may have consumed the pending input concurrently.
		if dup, dupErr := engine.duplicateResume(ctx, req.IdempotencyKey); dupErr == nil && dup != nil {
			return dup, nil
		}
	}

	return result, err
}

func (engine *Engine) duplicateResume(ctx context.Context, key string) (*ResumeResult, error) {
	id, found, err := engine.idempotentInstance(ctx, IdempotencyScopeResume, key)
	if err != nil || !found {
		return nil, err
	}

	instance, err := engine.store.GetInstance(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}

	return &ResumeResult{InstanceID: id, Status: instance.Status, Duplicate: true}, nil
}

func (engine *Engine) applyResume(ctx context.Context, req ResumeRequest, event json.RawMessage) (*ResumeResult, error) {
	pending, err := engine.store.GetPendingInput(ctx, req.CorrelationKey)
	if errors.Is(err, ErrEntityNotFound) {
		return nil, &NoMatchingInstanceError{CorrelationKey: req.CorrelationKey}
	}
	if err != nil {
		return nil, fmt.Errorf("get pending input: %w", err)
	}

	var (
		committed *transition
		result    *ResumeResult
	)

	err = engine.withLease(ctx, pending.InstanceID, func(ctx context.Context) error {
		return engine.txManager.ReadCommitted(ctx, func(ctx context.Context) error {
			current, err := engine.store.GetPendingInput(ctx, req.CorrelationKey)
			if errors.Is(err, ErrEntityNotFound) {
				return &NoMatchingInstanceError{CorrelationKey: req.CorrelationKey}
			}
			if err != nil {
				return fmt.Errorf("get pending input: %w", err)
			}

			instance, err := engine.store.GetInstance(ctx, current.InstanceID)
			if err != nil {
				return fmt.Errorf("get instance: %w", err)
			}
			if instance.Status != StatusPaused {
				return &WrongStateError{InstanceID: instance.ID, Status: instance.Status, Operation: "resume"}
			}
			if !slices.ContainsFunc(instance.State.Waiting, func(p PendingInput) bool {
				return p.CorrelationKey == current.CorrelationKey
			}) {
				return &NoMatchingInstanceError{CorrelationKey: req.CorrelationKey}
			}

			if req.IdempotencyKey != "" {
				if err := engine.store.SaveIdempotencyRecord(ctx, &IdempotencyRecord{
					Key:        req.IdempotencyKey,
					Scope:      IdempotencyScopeResume,
					InstanceID: instance.ID,
					CreatedAt:  time.Now(),
				}); err != nil {
					return fmt.Errorf("save idempotency record: %w", err)
				}
			}

			graph, err := engine.definition(ctx, instance.DefinitionID, instance.DefinitionVersion)
			if err != nil {
				return fmt.Errorf("get definition: %w", err)
			}

			t := newTransition(graph, instance, engine.retryPolicy)
			t.resume(current, event, engine.redactor)
			if err := engine.persist(ctx, t, 0); err != nil {
				return err
			}

			committed = t
			result = &ResumeResult{InstanceID: instance.ID, NodeID: current.NodeID, Status: instance.Status}

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	engine.logger.Info("[helio] instance resumed",
		"instance_id", result.InstanceID, "node_id", result.NodeID, "correlation_key", req.CorrelationKey)
	engine.afterCommit(ctx, committed, StatusPaused, nil, nil)

	return result, nil
}

// Cancel moves a non-terminal instance to cancelled, drops its queued work
// and pending inputs and cancels its in-flight node calls.
func (engine *Engine) Cancel(ctx context.Context, instanceID int64, reason string) error {
	var (
		committed *transition
		previous  InstanceStatus
	)

	err := engine.withLease(ctx, instanceID, func(ctx context.Context) error {
		return engine.txManager.ReadCommitted(ctx, func(ctx context.Context) error {
			instance, err := engine.store.GetInstance(ctx, instanceID)
			if err != nil {
				return fmt.Errorf("get instance: %w", err)
			}
			if instance.Status.IsTerminal() {
				return &WrongStateError{InstanceID: instance.ID, Status: instance.Status, Operation: "cancel"}
			}

			graph, err := engine.definition(ctx, instance.DefinitionID, instance.DefinitionVersion)
			if err != nil {
				return fmt.Errorf("get definition: %w", err)
			}

			previous = instance.Status
			t := newTransition(graph, instance, engine.retryPolicy)
			t.cancel(reason)
			if err := engine.persist(ctx, t, 0); err != nil {
				return err
			}
			committed = t

			return nil
		})
	})
	if err != nil {
		return err
	}

	engine.afterCommit(ctx, committed, previous, nil, nil)

	return nil
}

// GetInstanceView assembles the externally visible state and audit history
// of an instance.
func (engine *Engine) GetInstanceView(ctx context.Context, instanceID int64) (*InstanceView, error) {
	instance, err := engine.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}

	records, err := engine.store.ListExecutionRecords(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list execution records: %w", err)
	}

	events, err := engine.store.ListEvents(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	current := slices.Clone(instance.State.Active)
	for _, waiting := range instance.State.Waiting {
		if !slices.Contains(current, waiting.NodeID) {
			current = append(current, waiting.NodeID)
		}
	}
	if current == nil {
		current = []string{}
	}

	return &InstanceView{
		Instance:     instance,
		Status:       instance.Status,
		CurrentNodes: current,
		Waiting:      instance.State.Waiting,
		Bindings:     instance.State.Bindings,
		History:      records,
		Events:       events,
	}, nil
}

// normalizeObject accepts an empty document as {} and rejects anything that
// is not a JSON object.
func normalizeObject(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return json.RawMessage("{}"), nil
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, errors.New("must be a JSON object")
	}

	return append(json.RawMessage(nil), raw...), nil
}
