// Package httpcall provides the http.call capability: a single HTTP call
// whose response status decides between success, retry and failure.
package httpcall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"resty.dev/v3"

	"github.com/rom8726/helio"
)

const Type = "http.call"

// Caller performs http.call nodes.
//
// Node config: method (default POST) and url. Inputs: optional url override,
// headers object and body. Every request carries the node's idempotency key
// in the Idempotency-Key header.
type Caller struct {
	client *resty.Client
}

func New(timeout time.Duration) *Caller {
	client := resty.New().SetTimeout(timeout)

	return &Caller{client: client}
}

func (c *Caller) Close() error {
	return c.client.Close()
}

// Register adds the capability to registry.
func (c *Caller) Register(registry *helio.Registry) error {
	return registry.Register(Type, helio.CapabilityFunc(c.Invoke),
		helio.NewSchema(
			helio.Optional("url", helio.FieldString),
			helio.Optional("headers", helio.FieldObject),
			helio.Optional("body", helio.FieldAny),
		),
		helio.NewSchema(
			helio.Required("status", helio.FieldNumber),
			helio.Optional("body", helio.FieldAny),
		),
		helio.WithDescription("performs an HTTP request; 5xx and 429 are retried, other 4xx fail"),
	)
}

func (c *Caller) Invoke(ctx context.Context, nctx helio.NodeContext, inputs map[string]any) (map[string]any, error) {
	url := nctx.ConfigString("url")
	if override, ok := inputs["url"].(string); ok && override != "" {
		url = override
	}
	if url == "" {
		return nil, helio.Permanent(errors.New("url is not configured"))
	}

	method := strings.ToUpper(nctx.ConfigString("method"))
	if method == "" {
		method = http.MethodPost
	}

	req := c.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", nctx.IdempotencyKey)
	if headers, ok := inputs["headers"].(map[string]any); ok {
		for name, value := range headers {
			req.SetHeader(name, fmt.Sprint(value))
		}
	}
	if body, ok := inputs["body"]; ok && body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(method, url)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, helio.Transient(fmt.Errorf("%s %s: %w", method, url, err))
	}

	status := resp.StatusCode()
	switch {
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return nil, helio.Transient(fmt.Errorf("%s %s: status %d", method, url, status))
	case status >= http.StatusBadRequest:
		return nil, helio.Permanent(fmt.Errorf("%s %s: status %d", method, url, status))
	}

	return map[string]any{
		"status": float64(status),
		"body":   decodeBody(resp.String()),
	}, nil
}

// decodeBody returns parsed JSON when the body is JSON and the raw text otherwise.
func decodeBody(text string) any {
	if text == "" {
		return nil
	}

	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return text
	}

	return v
}
