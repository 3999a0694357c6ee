package helio

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

type definitionKey struct {
	id      string
	version int
}

type MemoryStore struct {
	mu             sync.RWMutex
	definitions    map[definitionKey]*WorkflowDefinition
	instances      map[int64]*WorkflowInstance
	queue          map[int64]*QueueItem
	pending        map[string]*PendingInput
	records        map[int64][]*NodeExecutionRecord
	events         map[int64][]*WorkflowEvent
	idempotency    map[string]*IdempotencyRecord
	nextInstanceID int64
	nextQueueID    int64
	nextRecordID   int64
	nextEventID    int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions:    make(map[definitionKey]*WorkflowDefinition),
		instances:      make(map[int64]*WorkflowInstance),
		queue:          make(map[int64]*QueueItem),
		pending:        make(map[string]*PendingInput),
		records:        make(map[int64][]*NodeExecutionRecord),
		events:         make(map[int64][]*WorkflowEvent),
		idempotency:    make(map[string]*IdempotencyRecord),
		nextInstanceID: 1,
		nextQueueID:    1,
		nextRecordID:   1,
		nextEventID:    1,
	}
}

func (s *MemoryStore) TxManager() TxManager {
	return NewMemoryTxManager()
}

func (s *MemoryStore) ProcessLocal() bool {
	return true
}

func (s *MemoryStore) SaveDefinition(_ context.Context, def *WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := definitionKey{id: def.ID, version: def.Version}
	if existing, ok := s.definitions[key]; ok {
		if !equalDefinitions(existing, def) {
			return fmt.Errorf("%w: %s@%d", ErrDefinitionExists, def.ID, def.Version)
		}
		def.CreatedAt = existing.CreatedAt

		return nil
	}

	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now()
	}
	s.definitions[key] = cloneDefinition(def)

	return nil
}

func (s *MemoryStore) GetDefinition(_ context.Context, id string, version int) (*WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if version > 0 {
		def, ok := s.definitions[definitionKey{id: id, version: version}]
		if !ok {
			return nil, ErrDefinitionNotFound
		}

		return cloneDefinition(def), nil
	}

	var latest *WorkflowDefinition
	for key, def := range s.definitions {
		if key.id == id && (latest == nil || def.Version > latest.Version) {
			latest = def
		}
	}
	if latest == nil {
		return nil, ErrDefinitionNotFound
	}

	return cloneDefinition(latest), nil
}

func (s *MemoryStore) ListDefinitions(_ context.Context) ([]*WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	defs := make([]*WorkflowDefinition, 0, len(s.definitions))
	for _, def := range s.definitions {
		defs = append(defs, cloneDefinition(def))
	}
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].ID != defs[j].ID {
			return defs[i].ID < defs[j].ID
		}

		return defs[i].Version < defs[j].Version
	})

	return defs, nil
}

func (s *MemoryStore) CreateInstance(_ context.Context, instance *WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	instance.ID = s.nextInstanceID
	s.nextInstanceID++
	instance.CreatedAt = now
	instance.UpdatedAt = now
	s.instances[instance.ID] = cloneInstance(instance)

	return nil
}

func (s *MemoryStore) GetInstance(_ context.Context, instanceID int64) (*WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instance, ok := s.instances[instanceID]
	if !ok {
		return nil, ErrEntityNotFound
	}

	return cloneInstance(instance), nil
}

func (s *MemoryStore) UpdateInstance(_ context.Context, instance *WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.instances[instance.ID]
	if !ok {
		return ErrEntityNotFound
	}

	updated := cloneInstance(instance)
	updated.LeaseOwner = stored.LeaseOwner
	updated.LeaseUntil = stored.LeaseUntil
	updated.CreatedAt = stored.CreatedAt
	updated.UpdatedAt = time.Now()
	instance.UpdatedAt = updated.UpdatedAt
	s.instances[instance.ID] = updated

	return nil
}

func (s *MemoryStore) ListInstances(_ context.Context, filter InstanceFilter) ([]*WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*WorkflowInstance, 0)
	for _, instance := range s.instances {
		if filter.DefinitionID != "" && instance.DefinitionID != filter.DefinitionID {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, instance.Status) {
			continue
		}
		result = append(result, cloneInstance(instance))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}

	return result, nil
}

func (s *MemoryStore) AcquireLease(_ context.Context, instanceID int64, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	instance, ok := s.instances[instanceID]
	if !ok {
		return false, ErrEntityNotFound
	}

	now := time.Now()
	if instance.LeaseOwner != nil && *instance.LeaseOwner != owner &&
		instance.LeaseUntil != nil && instance.LeaseUntil.After(now) {
		return false, nil
	}

	until := now.Add(ttl)
	instance.LeaseOwner = &owner
	instance.LeaseUntil = &until

	return true, nil
}

func (s *MemoryStore) ReleaseLease(_ context.Context, instanceID int64, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	instance, ok := s.instances[instanceID]
	if !ok {
		return ErrEntityNotFound
	}
	if instance.LeaseOwner != nil && *instance.LeaseOwner == owner {
		instance.LeaseOwner = nil
		instance.LeaseUntil = nil
	}

	return nil
}

func (s *MemoryStore) EnqueueNode(_ context.Context, instanceID int64, nodeID string, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := &QueueItem{
		ID:          s.nextQueueID,
		InstanceID:  instanceID,
		NodeID:      nodeID,
		ScheduledAt: time.Now().Add(delay),
	}
	s.nextQueueID++
	s.queue[item.ID] = item

	return nil
}

func (s *MemoryStore) DequeueNode(_ context.Context, workerID string, claimTTL time.Duration) (*QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var next *QueueItem
	for _, item := range s.queue {
		if item.ScheduledAt.After(now) {
			continue
		}
		if item.ClaimedUntil != nil && item.ClaimedUntil.After(now) {
			continue
		}
		if next == nil || item.ScheduledAt.Before(next.ScheduledAt) ||
			(item.ScheduledAt.Equal(next.ScheduledAt) && item.ID < next.ID) {
			next = item
		}
	}
	if next == nil {
		return nil, nil
	}

	until := now.Add(claimTTL)
	next.ClaimedBy = &workerID
	next.ClaimedUntil = &until
	item := *next

	return &item, nil
}

func (s *MemoryStore) ExtendClaim(_ context.Context, queueID int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item, ok := s.queue[queueID]; ok && item.ClaimedBy != nil {
		until := time.Now().Add(ttl)
		item.ClaimedUntil = &until
	}

	return nil
}

func (s *MemoryStore) ReleaseClaim(_ context.Context, queueID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item, ok := s.queue[queueID]; ok {
		item.ClaimedBy = nil
		item.ClaimedUntil = nil
	}

	return nil
}

func (s *MemoryStore) RemoveFromQueue(_ context.Context, queueID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.queue, queueID)

	return nil
}

func (s *MemoryStore) RemoveInstanceQueue(_ context.Context, instanceID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, item := range s.queue {
		if item.InstanceID == instanceID {
			delete(s.queue, id)
		}
	}

	return nil
}

func (s *MemoryStore) ListQueue(_ context.Context, instanceID int64) ([]*QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]*QueueItem, 0)
	for _, item := range s.queue {
		if item.InstanceID == instanceID {
			copied := *item
			items = append(items, &copied)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	return items, nil
}

func (s *MemoryStore) SavePendingInput(_ context.Context, pending *PendingInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pending[pending.CorrelationKey]; exists {
		return fmt.Errorf("%w: %s", ErrCorrelationKeyInUse, pending.CorrelationKey)
	}
	copied := *pending
	s.pending[pending.CorrelationKey] = &copied

	return nil
}

func (s *MemoryStore) GetPendingInput(_ context.Context, correlationKey string) (*PendingInput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending, ok := s.pending[correlationKey]
	if !ok {
		return nil, ErrEntityNotFound
	}
	copied := *pending

	return &copied, nil
}

func (s *MemoryStore) DeletePendingInput(_ context.Context, correlationKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, correlationKey)

	return nil
}

func (s *MemoryStore) DeleteInstancePendingInputs(_ context.Context, instanceID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, pending := range s.pending {
		if pending.InstanceID == instanceID {
			delete(s.pending, key)
		}
	}

	return nil
}

func (s *MemoryStore) ListExpiredPendingInputs(_ context.Context, now time.Time) ([]*PendingInput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expired := make([]*PendingInput, 0)
	for _, pending := range s.pending {
		if pending.Deadline != nil && !pending.Deadline.After(now) {
			copied := *pending
			expired = append(expired, &copied)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].CorrelationKey < expired[j].CorrelationKey })

	return expired, nil
}

func (s *MemoryStore) AppendExecutionRecord(_ context.Context, record *NodeExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record.ID = s.nextRecordID
	s.nextRecordID++
	copied := *record
	s.records[record.InstanceID] = append(s.records[record.InstanceID], &copied)

	return nil
}

func (s *MemoryStore) ListExecutionRecords(_ context.Context, instanceID int64) ([]*NodeExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]*NodeExecutionRecord, 0, len(s.records[instanceID]))
	for _, record := range s.records[instanceID] {
		copied := *record
		records = append(records, &copied)
	}

	return records, nil
}

func (s *MemoryStore) LogEvent(
	_ context.Context,
	instanceID int64,
	nodeID *string,
	eventType string,
	rationale string,
	payload any,
) error {
	payloadJSON, err := marshalPayload(payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	event := &WorkflowEvent{
		ID:         s.nextEventID,
		InstanceID: instanceID,
		NodeID:     nodeID,
		EventType:  eventType,
		Rationale:  rationale,
		Payload:    payloadJSON,
		CreatedAt:  time.Now(),
	}
	s.nextEventID++
	s.events[instanceID] = append(s.events[instanceID], event)

	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, instanceID int64) ([]*WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]*WorkflowEvent, 0, len(s.events[instanceID]))
	for _, event := range s.events[instanceID] {
		copied := *event
		events = append(events, &copied)
	}

	return events, nil
}

func (s *MemoryStore) GetIdempotencyRecord(
	_ context.Context,
	scope IdempotencyScope,
	key string,
) (*IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.idempotency[string(scope)+"/"+key]
	if !ok {
		return nil, ErrEntityNotFound
	}
	copied := *record

	return &copied, nil
}

func (s *MemoryStore) SaveIdempotencyRecord(_ context.Context, record *IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := string(record.Scope) + "/" + record.Key
	if _, exists := s.idempotency[id]; exists {
		return nil
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	copied := *record
	s.idempotency[id] = &copied

	return nil
}

func (s *MemoryStore) GetSummaryStats(_ context.Context) (*SummaryStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &SummaryStats{}
	for _, instance := range s.instances {
		stats.count(instance.Status, 1)
	}
	stats.QueuedNodes = uint(len(s.queue))

	return stats, nil
}

func (stats *SummaryStats) count(status InstanceStatus, n uint) {
	stats.TotalInstances += n
	switch status {
	case StatusCreated:
		stats.CreatedInstances += n
	case StatusRunning:
		stats.RunningInstances += n
	case StatusPaused:
		stats.PausedInstances += n
	case StatusCompleted:
		stats.CompletedInstances += n
	case StatusFailed:
		stats.FailedInstances += n
	case StatusCancelled:
		stats.CancelledInstances += n
	}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}

	return data, nil
}

func cloneDefinition(def *WorkflowDefinition) *WorkflowDefinition {
	copied := *def
	copied.Nodes = slices.Clone(def.Nodes)
	copied.Edges = slices.Clone(def.Edges)

	return &copied
}

func cloneInstance(instance *WorkflowInstance) *WorkflowInstance {
	copied := *instance
	copied.State = instance.State.clone()

	return &copied
}
