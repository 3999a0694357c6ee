package helio

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrEntityNotFound      = errors.New("entity not found")
	ErrDefinitionNotFound  = fmt.Errorf("workflow definition: %w", ErrEntityNotFound)
	ErrCapabilityNotFound  = fmt.Errorf("capability: %w", ErrEntityNotFound)
	ErrDefinitionExists    = errors.New("workflow definition version already exists with different content")
	ErrCapabilityExists    = errors.New("capability already registered")
	ErrCorrelationKeyInUse = errors.New("correlation key already in use")
	ErrLeaseBusy           = errors.New("instance lease is held by another worker")
	ErrInvalidInput        = errors.New("invalid input")

	ErrTransient = errors.New("transient error")
	ErrPermanent = errors.New("permanent error")
	ErrTimeout   = errors.New("node timed out")
)

// SchemaMismatchError is returned when a definition or a capability schema
// violates the registry contract. It is only produced at load time.
type SchemaMismatchError struct {
	DefinitionID string
	Problems     []string
}

func (e *SchemaMismatchError) Error() string {
	if e.DefinitionID == "" {
		return "schema mismatch: " + strings.Join(e.Problems, "; ")
	}

	return fmt.Sprintf("schema mismatch in %q: %s", e.DefinitionID, strings.Join(e.Problems, "; "))
}

type RetriesExhaustedError struct {
	NodeID   string
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("node %s: retries exhausted after %d attempts: %v", e.NodeID, e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Last }

type NoMatchingBranchError struct {
	NodeID string
}

func (e *NoMatchingBranchError) Error() string {
	return fmt.Sprintf("node %s: no outgoing edge matched and no default edge exists", e.NodeID)
}

type NoMatchingInstanceError struct {
	CorrelationKey string
}

func (e *NoMatchingInstanceError) Error() string {
	return fmt.Sprintf("no paused instance waits for correlation key %q", e.CorrelationKey)
}

func (e *NoMatchingInstanceError) Is(target error) bool {
	return target == ErrEntityNotFound
}

type WrongStateError struct {
	InstanceID int64
	Status     InstanceStatus
	Operation  string
}

func (e *WrongStateError) Error() string {
	return fmt.Sprintf("instance %d: cannot %s in status %s", e.InstanceID, e.Operation, e.Status)
}

type classifiedError struct {
	kind OutcomeKind
	err  error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

func (e *classifiedError) Is(target error) bool {
	switch e.kind {
	case OutcomeTransient:
		return target == ErrTransient
	case OutcomePermanent:
		return target == ErrPermanent
	default:
		return false
	}
}

// Transient marks err as eligible for retry.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &classifiedError{kind: OutcomeTransient, err: err}
}

// Permanent marks err as not retryable. The engine follows the node's error
// edge if one is declared.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &classifiedError{kind: OutcomePermanent, err: err}
}

// PauseError is returned by a capability that cannot complete synchronously.
type PauseError struct {
	CorrelationKey string
	Timeout        time.Duration
}

func (e *PauseError) Error() string {
	return fmt.Sprintf("paused for external input %q", e.CorrelationKey)
}

// PauseForInput suspends the node until an event carrying correlationKey is
// resumed through the gateway. A zero timeout waits forever.
func PauseForInput(correlationKey string, timeout time.Duration) error {
	return &PauseError{CorrelationKey: correlationKey, Timeout: timeout}
}
