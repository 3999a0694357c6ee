package helio

import (
	"context"
	"time"
)

type Store interface {
	SaveDefinition(ctx context.Context, def *WorkflowDefinition) error
	// GetDefinition returns the latest version when version is 0.
	GetDefinition(ctx context.Context, id string, version int) (*WorkflowDefinition, error)
	ListDefinitions(ctx context.Context) ([]*WorkflowDefinition, error)

	CreateInstance(ctx context.Context, instance *WorkflowInstance) error
	GetInstance(ctx context.Context, instanceID int64) (*WorkflowInstance, error)
	UpdateInstance(ctx context.Context, instance *WorkflowInstance) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*WorkflowInstance, error)

	AcquireLease(ctx context.Context, instanceID int64, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, instanceID int64, owner string) error

	EnqueueNode(ctx context.Context, instanceID int64, nodeID string, delay time.Duration) error
	// DequeueNode claims the oldest due item. Claims older than claimTTL are
	// considered abandoned and may be claimed again.
	DequeueNode(ctx context.Context, workerID string, claimTTL time.Duration) (*QueueItem, error)
	// ExtendClaim moves the claim deadline of a claimed item to now+ttl.
	ExtendClaim(ctx context.Context, queueID int64, ttl time.Duration) error
	ReleaseClaim(ctx context.Context, queueID int64) error
	RemoveFromQueue(ctx context.Context, queueID int64) error
	RemoveInstanceQueue(ctx context.Context, instanceID int64) error
	ListQueue(ctx context.Context, instanceID int64) ([]*QueueItem, error)

	SavePendingInput(ctx context.Context, pending *PendingInput) error
	GetPendingInput(ctx context.Context, correlationKey string) (*PendingInput, error)
	DeletePendingInput(ctx context.Context, correlationKey string) error
	DeleteInstancePendingInputs(ctx context.Context, instanceID int64) error
	ListExpiredPendingInputs(ctx context.Context, now time.Time) ([]*PendingInput, error)

	AppendExecutionRecord(ctx context.Context, record *NodeExecutionRecord) error
	ListExecutionRecords(ctx context.Context, instanceID int64) ([]*NodeExecutionRecord, error)
	LogEvent(ctx context.Context, instanceID int64, nodeID *string, eventType, rationale string, payload any) error
	ListEvents(ctx context.Context, instanceID int64) ([]*WorkflowEvent, error)

	GetIdempotencyRecord(ctx context.Context, scope IdempotencyScope, key string) (*IdempotencyRecord, error)
	SaveIdempotencyRecord(ctx context.Context, record *IdempotencyRecord) error

	GetSummaryStats(ctx context.Context) (*SummaryStats, error)
}

type TxManager interface {
	ReadCommitted(ctx context.Context, fn func(ctx context.Context) error) error
}

// TxManagerProvider is implemented by stores that carry their own transaction manager.
type TxManagerProvider interface {
	TxManager() TxManager
}

// ProcessLocalStore is implemented by stores owned by a single process. After a
// restart every claim found in such a store belongs to a worker that is gone.
type ProcessLocalStore interface {
	ProcessLocal() bool
}
