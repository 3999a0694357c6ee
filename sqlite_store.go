package helio

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is a single-connection Store for embedding and tests. All
// statements are serialized through one connection; transactions started by
// SQLiteTxManager travel in the context.
type SQLiteStore struct {
	db *sql.DB
}

type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLiteInMemoryStore creates a private in-memory database.
func NewSQLiteInMemoryStore() (*SQLiteStore, error) {
	return openSQLiteStore(":memory:")
}

// NewSQLiteStore opens (or creates) a database file at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return openSQLiteStore("file:" + path)
}

func openSQLiteStore(dsn string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_time_format=sqlite&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := RunSQLiteMigrations(context.Background(), db); err != nil {
		_ = db.Close()

		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ProcessLocal reports true: the store keeps a single connection and is not
// shared between processes.
func (s *SQLiteStore) ProcessLocal() bool {
	return true
}

func (s *SQLiteStore) TxManager() TxManager {
	return NewSQLiteTxManager(s.db)
}

func (s *SQLiteStore) executor(ctx context.Context) sqlExecutor {
	if tx := sqlTxFromContext(ctx); tx != nil {
		return tx
	}

	return s.db
}

func (s *SQLiteStore) SaveDefinition(ctx context.Context, def *WorkflowDefinition) error {
	return s.TxManager().ReadCommitted(ctx, func(ctx context.Context) error {
		existing, err := s.GetDefinition(ctx, def.ID, def.Version)
		switch {
		case err == nil:
			if !equalDefinitions(existing, def) {
				return fmt.Errorf("%w: %s@%d", ErrDefinitionExists, def.ID, def.Version)
			}
			def.CreatedAt = existing.CreatedAt

			return nil
		case !errors.Is(err, ErrEntityNotFound):
			return err
		}

		definitionJSON, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("marshal definition: %w", err)
		}
		if def.CreatedAt.IsZero() {
			def.CreatedAt = time.Now()
		}

		const q = `INSERT INTO workflow_definitions (id, version, name, definition, created_at) VALUES (?, ?, ?, ?, ?)`
		_, err = s.executor(ctx).ExecContext(ctx, q, def.ID, def.Version, def.Name, string(definitionJSON), utc(def.CreatedAt))

		return err
	})
}

func (s *SQLiteStore) GetDefinition(ctx context.Context, id string, version int) (*WorkflowDefinition, error) {
	q := `SELECT definition, created_at FROM workflow_definitions WHERE id = ? AND version = ?`
	args := []any{id, version}
	if version <= 0 {
		q = `SELECT definition, created_at FROM workflow_definitions WHERE id = ? ORDER BY version DESC LIMIT 1`
		args = []any{id}
	}

	var body string
	var createdAt time.Time
	if err := s.executor(ctx).QueryRowContext(ctx, q, args...).Scan(&body, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDefinitionNotFound
		}

		return nil, err
	}

	var def WorkflowDefinition
	if err := json.Unmarshal([]byte(body), &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	def.CreatedAt = createdAt

	return &def, nil
}

func (s *SQLiteStore) ListDefinitions(ctx context.Context) ([]*WorkflowDefinition, error) {
	const q = `SELECT definition, created_at FROM workflow_definitions ORDER BY id, version`
	rows, err := s.executor(ctx).QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	defs := make([]*WorkflowDefinition, 0)
	for rows.Next() {
		var body string
		var createdAt time.Time
		if err := rows.Scan(&body, &createdAt); err != nil {
			return nil, err
		}
		var def WorkflowDefinition
		if err := json.Unmarshal([]byte(body), &def); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		def.CreatedAt = createdAt
		defs = append(defs, &def)
	}

	return defs, rows.Err()
}

func (s *SQLiteStore) CreateInstance(ctx context.Context, instance *WorkflowInstance) error {
	stateJSON, err := json.Marshal(instance.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	now := time.Now()
	const q = `INSERT INTO workflow_instances
		(definition_id, definition_version, status, state, error_kind, error, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.executor(ctx).ExecContext(ctx, q,
		instance.DefinitionID, instance.DefinitionVersion, string(instance.Status), string(stateJSON),
		instance.ErrorKind, instance.Error, utc(now), utc(now), utcPtr(instance.CompletedAt),
	)
	if err != nil {
		return err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	instance.ID = id
	instance.CreatedAt = now
	instance.UpdatedAt = now

	return nil
}

const sqliteInstanceColumns = `id, definition_id, definition_version, status, state, error_kind, error,
	lease_owner, lease_until, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteInstance(row rowScanner) (*WorkflowInstance, error) {
	var (
		instance    WorkflowInstance
		status      string
		state       string
		leaseUntil  sql.NullTime
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&instance.ID, &instance.DefinitionID, &instance.DefinitionVersion, &status, &state,
		&instance.ErrorKind, &instance.Error, &instance.LeaseOwner, &leaseUntil,
		&instance.CreatedAt, &instance.UpdatedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	instance.Status = InstanceStatus(status)
	instance.LeaseUntil = nullTimePtr(leaseUntil)
	instance.CompletedAt = nullTimePtr(completedAt)
	if err := json.Unmarshal([]byte(state), &instance.State); err != nil {
		return nil, fmt.Errorf("unmarshal state of instance %d: %w", instance.ID, err)
	}
	instance.State.normalize()

	return &instance, nil
}

func (s *SQLiteStore) GetInstance(ctx context.Context, instanceID int64) (*WorkflowInstance, error) {
	q := `SELECT ` + sqliteInstanceColumns + ` FROM workflow_instances WHERE id = ?`
	instance, err := scanSQLiteInstance(s.executor(ctx).QueryRowContext(ctx, q, instanceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntityNotFound
	}

	return instance, err
}

func (s *SQLiteStore) UpdateInstance(ctx context.Context, instance *WorkflowInstance) error {
	stateJSON, err := json.Marshal(instance.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	now := time.Now()
	const q = `UPDATE workflow_instances
		SET status = ?, state = ?, error_kind = ?, error = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`
	res, err := s.executor(ctx).ExecContext(ctx, q,
		string(instance.Status), string(stateJSON), instance.ErrorKind, instance.Error,
		utc(now), utcPtr(instance.CompletedAt), instance.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEntityNotFound
	}
	instance.UpdatedAt = now

	return nil
}

func (s *SQLiteStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*WorkflowInstance, error) {
	var (
		where []string
		args  []any
	)
	if filter.DefinitionID != "" {
		where = append(where, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}

	q := `SELECT ` + sqliteInstanceColumns + ` FROM workflow_instances`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY id`
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.executor(ctx).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	instances := make([]*WorkflowInstance, 0)
	for rows.Next() {
		instance, err := scanSQLiteInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}

	return instances, rows.Err()
}

func (s *SQLiteStore) AcquireLease(ctx context.Context, instanceID int64, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	const q = `UPDATE workflow_instances SET lease_owner = ?, lease_until = ?
		WHERE id = ? AND (lease_owner IS NULL OR lease_owner = ? OR lease_until < ?)`
	res, err := s.executor(ctx).ExecContext(ctx, q, owner, utc(now.Add(ttl)), instanceID, owner, utc(now))
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	if _, err := s.GetInstance(ctx, instanceID); err != nil {
		return false, err
	}

	return false, nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, instanceID int64, owner string) error {
	const q = `UPDATE workflow_instances SET lease_owner = NULL, lease_until = NULL WHERE id = ? AND lease_owner = ?`
	_, err := s.executor(ctx).ExecContext(ctx, q, instanceID, owner)

	return err
}

func (s *SQLiteStore) EnqueueNode(ctx context.Context, instanceID int64, nodeID string, delay time.Duration) error {
	const q = `INSERT INTO workflow_queue (instance_id, node_id, scheduled_at) VALUES (?, ?, ?)`
	_, err := s.executor(ctx).ExecContext(ctx, q, instanceID, nodeID, utc(time.Now().Add(delay)))

	return err
}

func (s *SQLiteStore) DequeueNode(ctx context.Context, workerID string, claimTTL time.Duration) (*QueueItem, error) {
	var item *QueueItem
	err := s.TxManager().ReadCommitted(ctx, func(ctx context.Context) error {
		now := time.Now()
		exec := s.executor(ctx)

		const pick = `SELECT id FROM workflow_queue
			WHERE scheduled_at <= ? AND (claimed_until IS NULL OR claimed_until < ?)
			ORDER BY scheduled_at, id LIMIT 1`
		var id int64
		if err := exec.QueryRowContext(ctx, pick, utc(now), utc(now)).Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}

			return err
		}

		const claim = `UPDATE workflow_queue SET claimed_by = ?, claimed_until = ? WHERE id = ?`
		if _, err := exec.ExecContext(ctx, claim, workerID, utc(now.Add(claimTTL)), id); err != nil {
			return err
		}

		items, err := s.queryQueue(ctx, `WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if len(items) == 1 {
			item = items[0]
		}

		return nil
	})

	return item, err
}

func (s *SQLiteStore) queryQueue(ctx context.Context, where string, args ...any) ([]*QueueItem, error) {
	q := `SELECT id, instance_id, node_id, scheduled_at, claimed_by, claimed_until FROM workflow_queue ` +
		where + ` ORDER BY id`
	rows, err := s.executor(ctx).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]*QueueItem, 0)
	for rows.Next() {
		var item QueueItem
		var claimedUntil sql.NullTime
		if err := rows.Scan(
			&item.ID, &item.InstanceID, &item.NodeID, &item.ScheduledAt, &item.ClaimedBy, &claimedUntil,
		); err != nil {
			return nil, err
		}
		item.ClaimedUntil = nullTimePtr(claimedUntil)
		items = append(items, &item)
	}

	return items, rows.Err()
}

func (s *SQLiteStore) ExtendClaim(ctx context.Context, queueID int64, ttl time.Duration) error {
	const q = `UPDATE workflow_queue SET claimed_until = ? WHERE id = ? AND claimed_by IS NOT NULL`
	_, err := s.executor(ctx).ExecContext(ctx, q, utc(time.Now().Add(ttl)), queueID)

	return err
}

func (s *SQLiteStore) ReleaseClaim(ctx context.Context, queueID int64) error {
	const q = `UPDATE workflow_queue SET claimed_by = NULL, claimed_until = NULL WHERE id = ?`
	_, err := s.executor(ctx).ExecContext(ctx, q, queueID)

	return err
}

func (s *SQLiteStore) RemoveFromQueue(ctx context.Context, queueID int64) error {
	_, err := s.executor(ctx).ExecContext(ctx, `DELETE FROM workflow_queue WHERE id = ?`, queueID)

	return err
}

func (s *SQLiteStore) RemoveInstanceQueue(ctx context.Context, instanceID int64) error {
	_, err := s.executor(ctx).ExecContext(ctx, `DELETE FROM workflow_queue WHERE instance_id = ?`, instanceID)

	return err
}

func (s *SQLiteStore) ListQueue(ctx context.Context, instanceID int64) ([]*QueueItem, error) {
	return s.queryQueue(ctx, `WHERE instance_id = ?`, instanceID)
}

func (s *SQLiteStore) SavePendingInput(ctx context.Context, pending *PendingInput) error {
	const q = `INSERT INTO pending_inputs (correlation_key, instance_id, node_id, deadline, created_at)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT (correlation_key) DO NOTHING`
	res, err := s.executor(ctx).ExecContext(ctx, q,
		pending.CorrelationKey, pending.InstanceID, pending.NodeID, utcPtr(pending.Deadline), utc(pending.CreatedAt),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrCorrelationKeyInUse, pending.CorrelationKey)
	}

	return nil
}

func (s *SQLiteStore) queryPending(ctx context.Context, where string, args ...any) ([]*PendingInput, error) {
	q := `SELECT correlation_key, instance_id, node_id, deadline, created_at FROM pending_inputs ` +
		where + ` ORDER BY correlation_key`
	rows, err := s.executor(ctx).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]*PendingInput, 0)
	for rows.Next() {
		var pending PendingInput
		var deadline sql.NullTime
		if err := rows.Scan(
			&pending.CorrelationKey, &pending.InstanceID, &pending.NodeID, &deadline, &pending.CreatedAt,
		); err != nil {
			return nil, err
		}
		pending.Deadline = nullTimePtr(deadline)
		result = append(result, &pending)
	}

	return result, rows.Err()
}

func (s *SQLiteStore) GetPendingInput(ctx context.Context, correlationKey string) (*PendingInput, error) {
	result, err := s.queryPending(ctx, `WHERE correlation_key = ?`, correlationKey)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, ErrEntityNotFound
	}

	return result[0], nil
}

func (s *SQLiteStore) DeletePendingInput(ctx context.Context, correlationKey string) error {
	_, err := s.executor(ctx).ExecContext(ctx, `DELETE FROM pending_inputs WHERE correlation_key = ?`, correlationKey)

	return err
}

func (s *SQLiteStore) DeleteInstancePendingInputs(ctx context.Context, instanceID int64) error {
	_, err := s.executor(ctx).ExecContext(ctx, `DELETE FROM pending_inputs WHERE instance_id = ?`, instanceID)

	return err
}

func (s *SQLiteStore) ListExpiredPendingInputs(ctx context.Context, now time.Time) ([]*PendingInput, error) {
	return s.queryPending(ctx, `WHERE deadline IS NOT NULL AND deadline <= ?`, utc(now))
}

func (s *SQLiteStore) AppendExecutionRecord(ctx context.Context, record *NodeExecutionRecord) error {
	const q = `INSERT INTO execution_records
		(instance_id, node_id, attempt, started_at, finished_at, outcome, error_kind, error, input, output, rationale)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.executor(ctx).ExecContext(ctx, q,
		record.InstanceID, record.NodeID, record.Attempt, utc(record.StartedAt), utc(record.FinishedAt),
		string(record.Outcome), record.ErrorKind, record.Error,
		nullableJSON(record.Input), nullableJSON(record.Output), record.Rationale,
	)
	if err != nil {
		return err
	}
	record.ID, err = res.LastInsertId()

	return err
}

func (s *SQLiteStore) ListExecutionRecords(ctx context.Context, instanceID int64) ([]*NodeExecutionRecord, error) {
	const q = `SELECT id, instance_id, node_id, attempt, started_at, finished_at, outcome, error_kind, error,
		input, output, rationale
		FROM execution_records WHERE instance_id = ? ORDER BY id`
	rows, err := s.executor(ctx).QueryContext(ctx, q, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]*NodeExecutionRecord, 0)
	for rows.Next() {
		var record NodeExecutionRecord
		var outcome string
		var input, output sql.NullString
		if err := rows.Scan(
			&record.ID, &record.InstanceID, &record.NodeID, &record.Attempt, &record.StartedAt, &record.FinishedAt,
			&outcome, &record.ErrorKind, &record.Error, &input, &output, &record.Rationale,
		); err != nil {
			return nil, err
		}
		record.Outcome = OutcomeKind(outcome)
		record.Input = nullStringJSON(input)
		record.Output = nullStringJSON(output)
		records = append(records, &record)
	}

	return records, rows.Err()
}

func (s *SQLiteStore) LogEvent(
	ctx context.Context,
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

	const q = `INSERT INTO workflow_events (instance_id, node_id, event_type, rationale, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err = s.executor(ctx).ExecContext(ctx, q,
		instanceID, nodeID, eventType, rationale, nullableJSON(payloadJSON), utc(time.Now()),
	)

	return err
}

func (s *SQLiteStore) ListEvents(ctx context.Context, instanceID int64) ([]*WorkflowEvent, error) {
	const q = `SELECT id, instance_id, node_id, event_type, rationale, payload, created_at
		FROM workflow_events WHERE instance_id = ? ORDER BY id`
	rows, err := s.executor(ctx).QueryContext(ctx, q, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]*WorkflowEvent, 0)
	for rows.Next() {
		var event WorkflowEvent
		var payload sql.NullString
		if err := rows.Scan(
			&event.ID, &event.InstanceID, &event.NodeID, &event.EventType, &event.Rationale, &payload, &event.CreatedAt,
		); err != nil {
			return nil, err
		}
		event.Payload = nullStringJSON(payload)
		events = append(events, &event)
	}

	return events, rows.Err()
}

func (s *SQLiteStore) GetIdempotencyRecord(
	ctx context.Context,
	scope IdempotencyScope,
	key string,
) (*IdempotencyRecord, error) {
	const q = `SELECT scope, key, instance_id, created_at FROM idempotency_keys WHERE scope = ? AND key = ?`
	var record IdempotencyRecord
	var recordScope string
	err := s.executor(ctx).QueryRowContext(ctx, q, string(scope), key).Scan(
		&recordScope, &record.Key, &record.InstanceID, &record.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntityNotFound
		}

		return nil, err
	}
	record.Scope = IdempotencyScope(recordScope)

	return &record, nil
}

func (s *SQLiteStore) SaveIdempotencyRecord(ctx context.Context, record *IdempotencyRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	const q = `INSERT INTO idempotency_keys (scope, key, instance_id, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (scope, key) DO NOTHING`
	_, err := s.executor(ctx).ExecContext(ctx, q, string(record.Scope), record.Key, record.InstanceID, utc(record.CreatedAt))

	return err
}

func (s *SQLiteStore) GetSummaryStats(ctx context.Context) (*SummaryStats, error) {
	rows, err := s.executor(ctx).QueryContext(ctx, `SELECT status, COUNT(*) FROM workflow_instances GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &SummaryStats{}
	for rows.Next() {
		var status string
		var n uint
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats.count(InstanceStatus(status), n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	_ = rows.Close()

	var queued uint
	if err := s.executor(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM workflow_queue`).Scan(&queued); err != nil {
		return nil, err
	}
	stats.QueuedNodes = queued

	return stats, nil
}

func utc(t time.Time) time.Time {
	return t.UTC()
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}

	return t.UTC()
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time

	return &v
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}

	return string(raw)
}

func nullStringJSON(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}

	return json.RawMessage(s.String)
}
