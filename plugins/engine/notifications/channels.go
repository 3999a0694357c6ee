package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"resty.dev/v3"
)

// LogChannel writes notifications to a structured logger.
type LogChannel struct {
	logger *slog.Logger
}

func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}

	return &LogChannel{logger: logger}
}

func (c *LogChannel) Send(ctx context.Context, n Notification) error {
	c.logger.InfoContext(ctx, "[helio] notification",
		"type", n.Type,
		"instance_id", n.InstanceID,
		"definition_id", n.DefinitionID,
		"node_id", n.NodeID,
		"status", n.Status,
		"correlation_keys", n.CorrelationKeys,
		"error", n.Error,
	)

	return nil
}

// WebhookChannel POSTs every notification as JSON to a fixed URL.
type WebhookChannel struct {
	client *resty.Client
	url    string
}

func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(2)

	return &WebhookChannel{client: client, url: url}
}

func (c *WebhookChannel) Send(ctx context.Context, n Notification) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(n).
		Post(c.url)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("post notification: unexpected status %d", resp.StatusCode())
	}

	return nil
}

func (c *WebhookChannel) Close() error {
	return c.client.Close()
}
