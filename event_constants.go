package helio

const (
	// Event types
	EventInstanceCreated   = "created"
	EventInstanceStarted   = "started"
	EventNodeStarted       = "node_started"
	EventNodeCompleted     = "node_completed"
	EventNodeRetry         = "node_retry"
	EventNodeFailed        = "node_failed"
	EventBranchTaken       = "branch_taken"
	EventJoinWaiting       = "join_waiting"
	EventJoinReady         = "join_ready"
	EventInstancePaused    = "paused"
	EventInstanceResumed   = "resumed"
	EventInstanceCompleted = "completed"
	EventInstanceFailed    = "failed"
	EventInstanceCancelled = "cancelled"
	EventInstanceRecovered = "recovered"

	// Event payload keys
	KeyDefinitionID   = "definition_id"
	KeyVersion        = "version"
	KeyNodeID         = "node_id"
	KeyAttempt        = "attempt"
	KeyDelay          = "delay"
	KeyError          = "error"
	KeyErrorKind      = "error_kind"
	KeyTarget         = "target"
	KeyGuard          = "guard"
	KeyCorrelationKey = "correlation_key"
	KeyDeadline       = "deadline"
	KeyArrived        = "arrived"
	KeyReason         = "reason"
	KeyOutput         = "output"
)
