package metrics

import (
	"time"

	"github.com/rom8726/helio"
)

// MetricsCollector defines interface for collecting workflow metrics
type MetricsCollector interface {
	RecordWorkflowStarted(definitionID string)
	RecordWorkflowFinished(definitionID string, status helio.InstanceStatus, duration time.Duration)
	RecordWorkflowPaused(definitionID string)
	RecordNodeStarted(definitionID, nodeType string)
	RecordNodeFinished(definitionID, nodeType string, kind helio.OutcomeKind, duration time.Duration)
	SetInstancesInFlight(definitionID string, count int)
}
