package helio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*StoreImpl)(nil)

const queueChannel = "helio_queue"

// StoreImpl is the PostgreSQL Store. Tables live in the helio schema.
type StoreImpl struct {
	pool *pgxpool.Pool
	db   Tx
}

func NewStore(pool *pgxpool.Pool) *StoreImpl {
	return &StoreImpl{pool: pool, db: pool}
}

func (store *StoreImpl) TxManager() TxManager {
	return NewTxManager(store.pool)
}

func (store *StoreImpl) SaveDefinition(ctx context.Context, def *WorkflowDefinition) error {
	executor := store.getExecutor(ctx)

	definitionJSON, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now()
	}

	const query = `
INSERT INTO helio.workflow_definitions (id, version, name, definition, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id, version) DO NOTHING`

	tag, err := executor.Exec(ctx, query, def.ID, def.Version, def.Name, definitionJSON, def.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	existing, err := store.GetDefinition(ctx, def.ID, def.Version)
	if err != nil {
		return err
	}
	if !equalDefinitions(existing, def) {
		return fmt.Errorf("%w: %s@%d", ErrDefinitionExists, def.ID, def.Version)
	}
	def.CreatedAt = existing.CreatedAt

	return nil
}

func (store *StoreImpl) GetDefinition(ctx context.Context, id string, version int) (*WorkflowDefinition, error) {
	executor := store.getExecutor(ctx)

	query := `
SELECT definition, created_at
FROM helio.workflow_definitions
WHERE id = $1 AND version = $2`
	args := []any{id, version}
	if version <= 0 {
		query = `
SELECT definition, created_at
FROM helio.workflow_definitions
WHERE id = $1
ORDER BY version DESC
LIMIT 1`
		args = []any{id}
	}

	var body []byte
	var createdAt time.Time
	if err := executor.QueryRow(ctx, query, args...).Scan(&body, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDefinitionNotFound
		}

		return nil, err
	}

	var def WorkflowDefinition
	if err := json.Unmarshal(body, &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	def.CreatedAt = createdAt

	return &def, nil
}

func (store *StoreImpl) ListDefinitions(ctx context.Context) ([]*WorkflowDefinition, error) {
	executor := store.getExecutor(ctx)

	const query = `SELECT definition, created_at FROM helio.workflow_definitions ORDER BY id, version`
	rows, err := executor.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	defs := make([]*WorkflowDefinition, 0)
	for rows.Next() {
		var body []byte
		var createdAt time.Time
		if err := rows.Scan(&body, &createdAt); err != nil {
			return nil, err
		}
		var def WorkflowDefinition
		if err := json.Unmarshal(body, &def); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		def.CreatedAt = createdAt
		defs = append(defs, &def)
	}

	return defs, rows.Err()
}

func (store *StoreImpl) CreateInstance(ctx context.Context, instance *WorkflowInstance) error {
	executor := store.getExecutor(ctx)

	stateJSON, err := json.Marshal(instance.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	const query = `
INSERT INTO helio.workflow_instances
	(definition_id, definition_version, status, state, error_kind, error, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, created_at, updated_at`

	return executor.QueryRow(ctx, query,
		instance.DefinitionID, instance.DefinitionVersion, instance.Status, stateJSON,
		instance.ErrorKind, instance.Error, instance.CompletedAt,
	).Scan(&instance.ID, &instance.CreatedAt, &instance.UpdatedAt)
}

const pgInstanceColumns = `id, definition_id, definition_version, status, state, error_kind, error,
	lease_owner, lease_until, created_at, updated_at, completed_at`

func scanPgInstance(row pgx.Row) (*WorkflowInstance, error) {
	var instance WorkflowInstance
	var state []byte
	if err := row.Scan(
		&instance.ID, &instance.DefinitionID, &instance.DefinitionVersion, &instance.Status, &state,
		&instance.ErrorKind, &instance.Error, &instance.LeaseOwner, &instance.LeaseUntil,
		&instance.CreatedAt, &instance.UpdatedAt, &instance.CompletedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(state, &instance.State); err != nil {
		return nil, fmt.Errorf("unmarshal state of instance %d: %w", instance.ID, err)
	}
	instance.State.normalize()

	return &instance, nil
}

func (store *StoreImpl) GetInstance(ctx context.Context, instanceID int64) (*WorkflowInstance, error) {
	executor := store.getExecutor(ctx)

	query := `SELECT ` + pgInstanceColumns + ` FROM helio.workflow_instances WHERE id = $1`
	instance, err := scanPgInstance(executor.QueryRow(ctx, query, instanceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntityNotFound
	}

	return instance, err
}

func (store *StoreImpl) UpdateInstance(ctx context.Context, instance *WorkflowInstance) error {
	executor := store.getExecutor(ctx)

	stateJSON, err := json.Marshal(instance.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	const query = `
UPDATE helio.workflow_instances
SET status = $2, state = $3, error_kind = $4, error = $5, completed_at = $6, updated_at = now()
WHERE id = $1
RETURNING updated_at`

	err = executor.QueryRow(ctx, query,
		instance.ID, instance.Status, stateJSON, instance.ErrorKind, instance.Error, instance.CompletedAt,
	).Scan(&instance.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrEntityNotFound
	}

	return err
}

func (store *StoreImpl) ListInstances(ctx context.Context, filter InstanceFilter) ([]*WorkflowInstance, error) {
	executor := store.getExecutor(ctx)

	var (
		where []string
		args  []any
	)
	if filter.DefinitionID != "" {
		args = append(args, filter.DefinitionID)
		where = append(where, fmt.Sprintf("definition_id = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			statuses[i] = string(status)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	query := `SELECT ` + pgInstanceColumns + ` FROM helio.workflow_instances`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := executor.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	instances := make([]*WorkflowInstance, 0)
	for rows.Next() {
		instance, err := scanPgInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}

	return instances, rows.Err()
}

func (store *StoreImpl) AcquireLease(ctx context.Context, instanceID int64, owner string, ttl time.Duration) (bool, error) {
	executor := store.getExecutor(ctx)

	const query = `
UPDATE helio.workflow_instances
SET lease_owner = $2, lease_until = now() + $3::interval
WHERE id = $1 AND (lease_owner IS NULL OR lease_owner = $2 OR lease_until < now())`

	tag, err := executor.Exec(ctx, query, instanceID, owner, ttl)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := executor.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM helio.workflow_instances WHERE id = $1)`, instanceID,
	).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrEntityNotFound
	}

	return false, nil
}

func (store *StoreImpl) ReleaseLease(ctx context.Context, instanceID int64, owner string) error {
	executor := store.getExecutor(ctx)

	const query = `
UPDATE helio.workflow_instances
SET lease_owner = NULL, lease_until = NULL
WHERE id = $1 AND lease_owner = $2`

	_, err := executor.Exec(ctx, query, instanceID, owner)

	return err
}

// EnqueueNode inserts a queue item and notifies listeners on helio_queue.
// Inside a transaction the notification is delivered on commit.
func (store *StoreImpl) EnqueueNode(ctx context.Context, instanceID int64, nodeID string, delay time.Duration) error {
	executor := store.getExecutor(ctx)

	const query = `
INSERT INTO helio.workflow_queue (instance_id, node_id, scheduled_at)
VALUES ($1, $2, now() + $3::interval)`

	if _, err := executor.Exec(ctx, query, instanceID, nodeID, delay); err != nil {
		return err
	}

	_, err := executor.Exec(ctx, `SELECT pg_notify($1, $2)`, queueChannel, fmt.Sprintf("%d:%s", instanceID, nodeID))

	return err
}

func (store *StoreImpl) DequeueNode(ctx context.Context, workerID string, claimTTL time.Duration) (*QueueItem, error) {
	executor := store.getExecutor(ctx)

	const query = `
WITH next_item AS (
	SELECT id
	FROM helio.workflow_queue
	WHERE scheduled_at <= now() AND (claimed_until IS NULL OR claimed_until < now())
	ORDER BY scheduled_at ASC, id ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
UPDATE helio.workflow_queue
SET claimed_by = $1, claimed_until = now() + $2::interval
FROM next_item
WHERE helio.workflow_queue.id = next_item.id
RETURNING helio.workflow_queue.id, instance_id, node_id, scheduled_at, claimed_by, claimed_until`

	item := &QueueItem{}
	err := executor.QueryRow(ctx, query, workerID, claimTTL).Scan(
		&item.ID, &item.InstanceID, &item.NodeID, &item.ScheduledAt, &item.ClaimedBy, &item.ClaimedUntil,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return item, nil
}

func (store *StoreImpl) ExtendClaim(ctx context.Context, queueID int64, ttl time.Duration) error {
	executor := store.getExecutor(ctx)

	const query = `UPDATE helio.workflow_queue SET claimed_until = now() + $2::interval
WHERE id = $1 AND claimed_by IS NOT NULL`
	_, err := executor.Exec(ctx, query, queueID, ttl)

	return err
}

func (store *StoreImpl) ReleaseClaim(ctx context.Context, queueID int64) error {
	executor := store.getExecutor(ctx)

	const query = `UPDATE helio.workflow_queue SET claimed_by = NULL, claimed_until = NULL WHERE id = $1`
	_, err := executor.Exec(ctx, query, queueID)

	return err
}

func (store *StoreImpl) RemoveFromQueue(ctx context.Context, queueID int64) error {
	executor := store.getExecutor(ctx)

	_, err := executor.Exec(ctx, `DELETE FROM helio.workflow_queue WHERE id = $1`, queueID)

	return err
}

func (store *StoreImpl) RemoveInstanceQueue(ctx context.Context, instanceID int64) error {
	executor := store.getExecutor(ctx)

	_, err := executor.Exec(ctx, `DELETE FROM helio.workflow_queue WHERE instance_id = $1`, instanceID)

	return err
}

func (store *StoreImpl) ListQueue(ctx context.Context, instanceID int64) ([]*QueueItem, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, instance_id, node_id, scheduled_at, claimed_by, claimed_until
FROM helio.workflow_queue
WHERE instance_id = $1
ORDER BY id`

	rows, err := executor.Query(ctx, query, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]*QueueItem, 0)
	for rows.Next() {
		item := &QueueItem{}
		if err := rows.Scan(
			&item.ID, &item.InstanceID, &item.NodeID, &item.ScheduledAt, &item.ClaimedBy, &item.ClaimedUntil,
		); err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

func (store *StoreImpl) SavePendingInput(ctx context.Context, pending *PendingInput) error {
	executor := store.getExecutor(ctx)

	const query = `
INSERT INTO helio.pending_inputs (correlation_key, instance_id, node_id, deadline, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (correlation_key) DO NOTHING`

	tag, err := executor.Exec(ctx, query,
		pending.CorrelationKey, pending.InstanceID, pending.NodeID, pending.Deadline, pending.CreatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrCorrelationKeyInUse, pending.CorrelationKey)
	}

	return nil
}

func (store *StoreImpl) queryPending(ctx context.Context, where string, args ...any) ([]*PendingInput, error) {
	executor := store.getExecutor(ctx)

	query := `SELECT correlation_key, instance_id, node_id, deadline, created_at FROM helio.pending_inputs ` +
		where + ` ORDER BY correlation_key`
	rows, err := executor.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]*PendingInput, 0)
	for rows.Next() {
		pending := &PendingInput{}
		if err := rows.Scan(
			&pending.CorrelationKey, &pending.InstanceID, &pending.NodeID, &pending.Deadline, &pending.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, pending)
	}

	return result, rows.Err()
}

func (store *StoreImpl) GetPendingInput(ctx context.Context, correlationKey string) (*PendingInput, error) {
	result, err := store.queryPending(ctx, `WHERE correlation_key = $1`, correlationKey)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, ErrEntityNotFound
	}

	return result[0], nil
}

func (store *StoreImpl) DeletePendingInput(ctx context.Context, correlationKey string) error {
	executor := store.getExecutor(ctx)

	_, err := executor.Exec(ctx, `DELETE FROM helio.pending_inputs WHERE correlation_key = $1`, correlationKey)

	return err
}

func (store *StoreImpl) DeleteInstancePendingInputs(ctx context.Context, instanceID int64) error {
	executor := store.getExecutor(ctx)

	_, err := executor.Exec(ctx, `DELETE FROM helio.pending_inputs WHERE instance_id = $1`, instanceID)

	return err
}

func (store *StoreImpl) ListExpiredPendingInputs(ctx context.Context, now time.Time) ([]*PendingInput, error) {
	return store.queryPending(ctx, `WHERE deadline IS NOT NULL AND deadline <= $1`, now)
}

func (store *StoreImpl) AppendExecutionRecord(ctx context.Context, record *NodeExecutionRecord) error {
	executor := store.getExecutor(ctx)

	const query = `
INSERT INTO helio.execution_records
	(instance_id, node_id, attempt, started_at, finished_at, outcome, error_kind, error, input, output, rationale)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING id`

	return executor.QueryRow(ctx, query,
		record.InstanceID, record.NodeID, record.Attempt, record.StartedAt, record.FinishedAt,
		record.Outcome, record.ErrorKind, record.Error,
		jsonbArg(record.Input), jsonbArg(record.Output), record.Rationale,
	).Scan(&record.ID)
}

func (store *StoreImpl) ListExecutionRecords(ctx context.Context, instanceID int64) ([]*NodeExecutionRecord, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, instance_id, node_id, attempt, started_at, finished_at, outcome, error_kind, error,
	input, output, rationale
FROM helio.execution_records
WHERE instance_id = $1
ORDER BY id`

	rows, err := executor.Query(ctx, query, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]*NodeExecutionRecord, 0)
	for rows.Next() {
		record := &NodeExecutionRecord{}
		var input, output []byte
		if err := rows.Scan(
			&record.ID, &record.InstanceID, &record.NodeID, &record.Attempt, &record.StartedAt, &record.FinishedAt,
			&record.Outcome, &record.ErrorKind, &record.Error, &input, &output, &record.Rationale,
		); err != nil {
			return nil, err
		}
		record.Input = input
		record.Output = output
		records = append(records, record)
	}

	return records, rows.Err()
}

func (store *StoreImpl) LogEvent(
	ctx context.Context,
	instanceID int64,
	nodeID *string,
	eventType string,
	rationale string,
	payload any,
) error {
	executor := store.getExecutor(ctx)

	payloadJSON, err := marshalPayload(payload)
	if err != nil {
		return err
	}

	const query = `
INSERT INTO helio.workflow_events (instance_id, node_id, event_type, rationale, payload)
VALUES ($1, $2, $3, $4, $5)`

	_, err = executor.Exec(ctx, query, instanceID, nodeID, eventType, rationale, jsonbArg(payloadJSON))

	return err
}

func (store *StoreImpl) ListEvents(ctx context.Context, instanceID int64) ([]*WorkflowEvent, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, instance_id, node_id, event_type, rationale, payload, created_at
FROM helio.workflow_events
WHERE instance_id = $1
ORDER BY id`

	rows, err := executor.Query(ctx, query, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]*WorkflowEvent, 0)
	for rows.Next() {
		event := &WorkflowEvent{}
		var payload []byte
		if err := rows.Scan(
			&event.ID, &event.InstanceID, &event.NodeID, &event.EventType, &event.Rationale, &payload, &event.CreatedAt,
		); err != nil {
			return nil, err
		}
		event.Payload = payload
		events = append(events, event)
	}

	return events, rows.Err()
}

func (store *StoreImpl) GetIdempotencyRecord(
	ctx context.Context,
	scope IdempotencyScope,
	key string,
) (*IdempotencyRecord, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT scope, key, instance_id, created_at
FROM helio.idempotency_keys
WHERE scope = $1 AND key = $2`

	record := &IdempotencyRecord{}
	err := executor.QueryRow(ctx, query, scope, key).Scan(
		&record.Scope, &record.Key, &record.InstanceID, &record.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, err
	}

	return record, nil
}

func (store *StoreImpl) SaveIdempotencyRecord(ctx context.Context, record *IdempotencyRecord) error {
	executor := store.getExecutor(ctx)

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	const query = `
INSERT INTO helio.idempotency_keys (scope, key, instance_id, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (scope, key) DO NOTHING`

	_, err := executor.Exec(ctx, query, record.Scope, record.Key, record.InstanceID, record.CreatedAt)

	return err
}

func (store *StoreImpl) GetSummaryStats(ctx context.Context) (*SummaryStats, error) {
	executor := store.getExecutor(ctx)

	rows, err := executor.Query(ctx, `SELECT status, COUNT(*) FROM helio.workflow_instances GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &SummaryStats{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats.count(InstanceStatus(status), uint(n))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var queued int64
	if err := executor.QueryRow(ctx, `SELECT COUNT(*) FROM helio.workflow_queue`).Scan(&queued); err != nil {
		return nil, err
	}
	stats.QueuedNodes = uint(queued)

	return stats, nil
}

func (store *StoreImpl) getExecutor(ctx context.Context) Tx {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}

	return store.db
}

func jsonbArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}

	return []byte(raw)
}
