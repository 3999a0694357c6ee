package notifications

import (
	"context"

	"github.com/rom8726/helio"
)

var _ helio.Plugin = (*NotificationsPlugin)(nil)

type NotificationType string

const (
	NotificationTypeWorkflowStarted   NotificationType = "workflow_started"
	NotificationTypeWorkflowPaused    NotificationType = "workflow_paused"
	NotificationTypeWorkflowCompleted NotificationType = "workflow_completed"
	NotificationTypeWorkflowFailed    NotificationType = "workflow_failed"
	NotificationTypeWorkflowCancelled NotificationType = "workflow_cancelled"
	NotificationTypeNodeFailed        NotificationType = "node_failed"
)

type Notification struct {
	Type            NotificationType `json:"type"`
	InstanceID      int64            `json:"instance_id"`
	DefinitionID    string           `json:"definition_id"`
	NodeID          string           `json:"node_id,omitempty"`
	Status          string           `json:"status"`
	CorrelationKeys []string         `json:"correlation_keys,omitempty"`
	ErrorKind       string           `json:"error_kind,omitempty"`
	Error           string           `json:"error,omitempty"`
}

type NotificationChannel interface {
	Send(ctx context.Context, notification Notification) error
}

// NotificationsPlugin forwards instance lifecycle changes to a channel.
// Paused notifications carry the correlation keys a resume must use.
type NotificationsPlugin struct {
	helio.BasePlugin

	channel NotificationChannel
}

func New(channel NotificationChannel) *NotificationsPlugin {
	return &NotificationsPlugin{
		BasePlugin: helio.NewBasePlugin("notifications", helio.PriorityNormal),
		channel:    channel,
	}
}

func (p *NotificationsPlugin) OnWorkflowStart(ctx context.Context, instance *helio.WorkflowInstance) error {
	return p.send(ctx, newNotification(NotificationTypeWorkflowStarted, instance))
}

func (p *NotificationsPlugin) OnWorkflowPaused(ctx context.Context, instance *helio.WorkflowInstance) error {
	notification := newNotification(NotificationTypeWorkflowPaused, instance)
	for _, pending := range instance.State.Waiting {
		notification.CorrelationKeys = append(notification.CorrelationKeys, pending.CorrelationKey)
	}

	return p.send(ctx, notification)
}

func (p *NotificationsPlugin) OnWorkflowComplete(ctx context.Context, instance *helio.WorkflowInstance) error {
	return p.send(ctx, newNotification(NotificationTypeWorkflowCompleted, instance))
}

func (p *NotificationsPlugin) OnWorkflowFailed(ctx context.Context, instance *helio.WorkflowInstance) error {
	return p.send(ctx, newNotification(NotificationTypeWorkflowFailed, instance))
}

func (p *NotificationsPlugin) OnWorkflowCancelled(ctx context.Context, instance *helio.WorkflowInstance) error {
	return p.send(ctx, newNotification(NotificationTypeWorkflowCancelled, instance))
}

// OnNodeFailed reports permanent failures and timeouts only; transient
// failures are retried and would be noise.
func (p *NotificationsPlugin) OnNodeFailed(
	ctx context.Context,
	instance *helio.WorkflowInstance,
	node *helio.NodeSpec,
	outcome *helio.Outcome,
) error {
	if outcome.Kind == helio.OutcomeTransient {
		return nil
	}

	notification := newNotification(NotificationTypeNodeFailed, instance)
	notification.NodeID = node.ID
	notification.ErrorKind = string(outcome.Kind)
	if outcome.Err != nil {
		notification.Error = outcome.Err.Error()
	}

	return p.send(ctx, notification)
}

func (p *NotificationsPlugin) send(ctx context.Context, notification Notification) error {
	if p.channel == nil {
		return nil
	}

	return p.channel.Send(ctx, notification)
}

func newNotification(typ NotificationType, instance *helio.WorkflowInstance) Notification {
	notification := Notification{
		Type:         typ,
		InstanceID:   instance.ID,
		DefinitionID: instance.DefinitionID,
		Status:       string(instance.Status),
	}
	if instance.ErrorKind != nil {
		notification.ErrorKind = *instance.ErrorKind
	}
	if instance.Error != nil {
		notification.Error = *instance.Error
	}

	return notification
}
