package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rom8726/helio"
)

var _ helio.Plugin = (*AuditPlugin)(nil)

type AuditLogEntry struct {
	Timestamp    time.Time       `json:"timestamp"`
	EventType    string          `json:"event_type"`
	InstanceID   int64           `json:"instance_id"`
	DefinitionID string          `json:"definition_id"`
	Version      int             `json:"version"`
	NodeID       string          `json:"node_id,omitempty"`
	NodeType     string          `json:"node_type,omitempty"`
	Status       string          `json:"status"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	Error        string          `json:"error,omitempty"`
	Duration     *time.Duration  `json:"duration,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

type Writer interface {
	Write(ctx context.Context, entry *AuditLogEntry) error
}

type AuditPlugin struct {
	helio.BasePlugin

	writer   Writer
	redactor *helio.Redactor
}

// New creates the plugin. Metadata snapshots pass through redactor; a nil
// redactor uses the default sensitive field list.
func New(writer Writer, redactor *helio.Redactor) *AuditPlugin {
	if redactor == nil {
		redactor = helio.NewRedactor()
	}

	return &AuditPlugin{
		BasePlugin: helio.NewBasePlugin("audit", helio.PriorityNormal),
		writer:     writer,
		redactor:   redactor,
	}
}

func (p *AuditPlugin) instanceEntry(eventType string, instance *helio.WorkflowInstance) *AuditLogEntry {
	entry := &AuditLogEntry{
		Timestamp:    time.Now(),
		EventType:    eventType,
		InstanceID:   instance.ID,
		DefinitionID: instance.DefinitionID,
		Version:      instance.DefinitionVersion,
		Status:       string(instance.Status),
	}
	if instance.ErrorKind != nil {
		entry.ErrorKind = *instance.ErrorKind
	}
	if instance.Error != nil {
		entry.Error = *instance.Error
	}

	return entry
}

func (p *AuditPlugin) OnWorkflowStart(ctx context.Context, instance *helio.WorkflowInstance) error {
	entry := p.instanceEntry("workflow_start", instance)
	entry.Metadata = p.snapshot(instance.State.Bindings[helio.BindingInput])

	return p.writer.Write(ctx, entry)
}

func (p *AuditPlugin) OnWorkflowComplete(ctx context.Context, instance *helio.WorkflowInstance) error {
	entry := p.instanceEntry("workflow_complete", instance)
	entry.Metadata = p.snapshot(instance.Output())

	return p.writer.Write(ctx, entry)
}

func (p *AuditPlugin) OnWorkflowFailed(ctx context.Context, instance *helio.WorkflowInstance) error {
	return p.writer.Write(ctx, p.instanceEntry("workflow_failed", instance))
}

func (p *AuditPlugin) OnWorkflowPaused(ctx context.Context, instance *helio.WorkflowInstance) error {
	entry := p.instanceEntry("workflow_paused", instance)
	keys := make([]string, 0, len(instance.State.Waiting))
	for _, waiting := range instance.State.Waiting {
		keys = append(keys, waiting.CorrelationKey)
	}
	entry.Metadata, _ = json.Marshal(map[string]any{"correlation_keys": keys})

	return p.writer.Write(ctx, entry)
}

func (p *AuditPlugin) OnWorkflowCancelled(ctx context.Context, instance *helio.WorkflowInstance) error {
	return p.writer.Write(ctx, p.instanceEntry("workflow_cancelled", instance))
}

func (p *AuditPlugin) OnNodeComplete(
	ctx context.Context,
	instance *helio.WorkflowInstance,
	node *helio.NodeSpec,
	outcome *helio.Outcome,
) error {
	entry := p.nodeEntry("node_complete", instance, node, outcome)
	entry.Metadata = p.redactor.Snapshot(outcome.Output)

	return p.writer.Write(ctx, entry)
}

func (p *AuditPlugin) OnNodeFailed(
	ctx context.Context,
	instance *helio.WorkflowInstance,
	node *helio.NodeSpec,
	outcome *helio.Outcome,
) error {
	entry := p.nodeEntry("node_failed", instance, node, outcome)
	entry.ErrorKind = string(outcome.Kind)
	if outcome.Err != nil {
		entry.Error = outcome.Err.Error()
	}

	return p.writer.Write(ctx, entry)
}

func (p *AuditPlugin) nodeEntry(
	eventType string,
	instance *helio.WorkflowInstance,
	node *helio.NodeSpec,
	outcome *helio.Outcome,
) *AuditLogEntry {
	duration := outcome.Duration()

	return &AuditLogEntry{
		Timestamp:    time.Now(),
		EventType:    eventType,
		InstanceID:   instance.ID,
		DefinitionID: instance.DefinitionID,
		Version:      instance.DefinitionVersion,
		NodeID:       node.ID,
		NodeType:     node.Type,
		Status:       string(instance.Status),
		Duration:     &duration,
	}
}

func (p *AuditPlugin) snapshot(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}

	return p.redactor.Snapshot(v)
}
