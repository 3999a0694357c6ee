package helio

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

type InstanceStatus string

const (
	StatusCreated   InstanceStatus = "created"
	StatusRunning   InstanceStatus = "running"
	StatusPaused    InstanceStatus = "paused"
	StatusCompleted InstanceStatus = "completed"
	StatusFailed    InstanceStatus = "failed"
	StatusCancelled InstanceStatus = "cancelled"
)

func (s InstanceStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type EdgeKind string

const (
	EdgeKindNormal  EdgeKind = ""
	EdgeKindDefault EdgeKind = "default"
	EdgeKindError   EdgeKind = "error"
	EdgeKindRetry   EdgeKind = "retry"
)

type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeTransient OutcomeKind = "transient"
	OutcomePermanent OutcomeKind = "permanent"
	OutcomeTimeout   OutcomeKind = "timeout"
	OutcomePaused    OutcomeKind = "paused"
)

// ErrorKind values recorded on failed instances and execution records.
const (
	ErrorKindTransient        = "TransientError"
	ErrorKindPermanent        = "PermanentError"
	ErrorKindTimeout          = "TimeoutError"
	ErrorKindRetriesExhausted = "RetriesExhaustedError"
	ErrorKindNoMatchingBranch = "NoMatchingBranchError"
	ErrorKindCancelled        = "Cancelled"
)

const (
	BindingInput = "input"

	DefaultMaxRetries = 3
	DefaultMaxLoops   = 10
)

type WorkflowDefinition struct {
	ID        string     `json:"id" yaml:"id"`
	Name      string     `json:"name" yaml:"name"`
	Version   int        `json:"version" yaml:"version"`
	StartNode string     `json:"start_node" yaml:"start_node"`
	Nodes     []NodeSpec `json:"nodes" yaml:"nodes"`
	Edges     []Edge     `json:"edges" yaml:"edges"`
	CreatedAt time.Time  `json:"created_at" yaml:"-"`
}

type NodeSpec struct {
	ID           string            `json:"id" yaml:"id"`
	Type         string            `json:"type" yaml:"type"`
	Config       map[string]any    `json:"config,omitempty" yaml:"config"`
	Inputs       map[string]string `json:"inputs,omitempty" yaml:"inputs"`
	Outputs      []string          `json:"outputs,omitempty" yaml:"outputs"`
	Timeout      Duration          `json:"timeout,omitempty" yaml:"timeout"`
	MaxRetries   *int              `json:"max_retries,omitempty" yaml:"max_retries"`
	Fork         bool              `json:"fork,omitempty" yaml:"fork"`
	Join         bool              `json:"join,omitempty" yaml:"join"`
	MaxLoops     int               `json:"max_loops,omitempty" yaml:"max_loops"`
	PauseTimeout Duration          `json:"pause_timeout,omitempty" yaml:"pause_timeout"`
}

func (n *NodeSpec) maxRetries() int {
	if n.MaxRetries == nil {
		return DefaultMaxRetries
	}

	return *n.MaxRetries
}

func (n *NodeSpec) maxLoops() int {
	if n.MaxLoops <= 0 {
		return DefaultMaxLoops
	}

	return n.MaxLoops
}

type Edge struct {
	From  string   `json:"from" yaml:"from"`
	To    string   `json:"to" yaml:"to"`
	Guard string   `json:"guard,omitempty" yaml:"guard"`
	Kind  EdgeKind `json:"kind,omitempty" yaml:"kind"`
}

type WorkflowInstance struct {
	ID                int64          `json:"id"`
	DefinitionID      string         `json:"definition_id"`
	DefinitionVersion int            `json:"definition_version"`
	Status            InstanceStatus `json:"status"`
	State             InstanceState  `json:"state"`
	ErrorKind         *string        `json:"error_kind,omitempty"`
	Error             *string        `json:"error,omitempty"`
	LeaseOwner        *string        `json:"-"`
	LeaseUntil        *time.Time     `json:"-"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}

// InstanceState is the mutable position of an instance inside its definition.
// It is persisted as a single document next to the instance row.
type InstanceState struct {
	Active   []string                   `json:"active"`
	Waiting  []PendingInput             `json:"waiting,omitempty"`
	Arrivals map[string][]string        `json:"arrivals,omitempty"`
	Attempts map[string]int             `json:"attempts,omitempty"`
	Runs     map[string]int             `json:"runs,omitempty"`
	Loops    map[string]int             `json:"loops,omitempty"`
	Bindings map[string]json.RawMessage `json:"bindings"`
	LastNode string                     `json:"last_node,omitempty"`
}

func newInstanceState(input json.RawMessage) InstanceState {
	return InstanceState{
		Active:   []string{},
		Arrivals: map[string][]string{},
		Attempts: map[string]int{},
		Runs:     map[string]int{},
		Loops:    map[string]int{},
		Bindings: map[string]json.RawMessage{BindingInput: input},
	}
}

func (s InstanceState) clone() InstanceState {
	copied := InstanceState{
		Active:   slices.Clone(s.Active),
		Waiting:  slices.Clone(s.Waiting),
		Arrivals: make(map[string][]string, len(s.Arrivals)),
		Attempts: maps.Clone(s.Attempts),
		Runs:     maps.Clone(s.Runs),
		Loops:    maps.Clone(s.Loops),
		Bindings: make(map[string]json.RawMessage, len(s.Bindings)),
		LastNode: s.LastNode,
	}
	for k, v := range s.Arrivals {
		copied.Arrivals[k] = slices.Clone(v)
	}
	for k, v := range s.Bindings {
		copied.Bindings[k] = slices.Clone(v)
	}

	return copied
}

// normalize fills nil collections after decoding.
func (s *InstanceState) normalize() {
	if s.Active == nil {
		s.Active = []string{}
	}
	if s.Arrivals == nil {
		s.Arrivals = map[string][]string{}
	}
	if s.Attempts == nil {
		s.Attempts = map[string]int{}
	}
	if s.Runs == nil {
		s.Runs = map[string]int{}
	}
	if s.Loops == nil {
		s.Loops = map[string]int{}
	}
	if s.Bindings == nil {
		s.Bindings = map[string]json.RawMessage{}
	}
}

// Output is the binding of the last completed node.
func (i *WorkflowInstance) Output() json.RawMessage {
	if i.State.LastNode == "" {
		return nil
	}

	return i.State.Bindings[i.State.LastNode]
}

type PendingInput struct {
	CorrelationKey string     `json:"correlation_key"`
	InstanceID     int64      `json:"instance_id"`
	NodeID         string     `json:"node_id"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

type QueueItem struct {
	ID           int64      `json:"id"`
	InstanceID   int64      `json:"instance_id"`
	NodeID       string     `json:"node_id"`
	ScheduledAt  time.Time  `json:"scheduled_at"`
	ClaimedBy    *string    `json:"claimed_by"`
	ClaimedUntil *time.Time `json:"claimed_until"`
}

type NodeExecutionRecord struct {
	ID         int64           `json:"id"`
	InstanceID int64           `json:"instance_id"`
	NodeID     string          `json:"node_id"`
	Attempt    int             `json:"attempt"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Outcome    OutcomeKind     `json:"outcome"`
	ErrorKind  *string         `json:"error_kind,omitempty"`
	Error      *string         `json:"error,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Rationale  string          `json:"rationale"`
}

type WorkflowEvent struct {
	ID         int64           `json:"id"`
	InstanceID int64           `json:"instance_id"`
	NodeID     *string         `json:"node_id,omitempty"`
	EventType  string          `json:"event_type"`
	Rationale  string          `json:"rationale"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

type IdempotencyScope string

const (
	IdempotencyScopeTrigger IdempotencyScope = "trigger"
	IdempotencyScopeResume  IdempotencyScope = "resume"
)

type IdempotencyRecord struct {
	Key        string           `json:"key"`
	Scope      IdempotencyScope `json:"scope"`
	InstanceID int64            `json:"instance_id"`
	CreatedAt  time.Time        `json:"created_at"`
}

type InstanceFilter struct {
	DefinitionID string
	Statuses     []InstanceStatus
	Limit        int
}

type InstanceView struct {
	Instance     *WorkflowInstance          `json:"instance"`
	Status       InstanceStatus             `json:"status"`
	CurrentNodes []string                   `json:"current_nodes"`
	Waiting      []PendingInput             `json:"waiting,omitempty"`
	Bindings     map[string]json.RawMessage `json:"bindings"`
	History      []*NodeExecutionRecord     `json:"history"`
	Events       []*WorkflowEvent           `json:"events"`
}

type SummaryStats struct {
	TotalInstances     uint `json:"total_instances"`
	CreatedInstances   uint `json:"created_instances"`
	RunningInstances   uint `json:"running_instances"`
	PausedInstances    uint `json:"paused_instances"`
	CompletedInstances uint `json:"completed_instances"`
	FailedInstances    uint `json:"failed_instances"`
	CancelledInstances uint `json:"cancelled_instances"`
	QueuedNodes        uint `json:"queued_nodes"`
}
