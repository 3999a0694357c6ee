package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rom8726/helio"
)

var _ helio.Plugin = (*TelemetryPlugin)(nil)

type spanEntry struct {
	span      trace.Span
	createdAt time.Time
	paused    bool
}

type workflowCtxEntry struct {
	ctx       context.Context
	createdAt time.Time
}

// TelemetryPlugin opens one span per instance and a child span per node
// execution. Spans that never see a closing hook are ended after a TTL.
type TelemetryPlugin struct {
	helio.BasePlugin

	tracer       trace.Tracer
	mu           sync.Mutex
	spans        map[string]*spanEntry
	workflowCtxs map[int64]*workflowCtxEntry
	defaultTTL   time.Duration
	pausedTTL    time.Duration
	now          func() time.Time
}

type TelemetryOption func(*TelemetryPlugin)

func WithDefaultTTL(ttl time.Duration) TelemetryOption {
	return func(p *TelemetryPlugin) {
		p.defaultTTL = ttl
	}
}

// WithPausedTTL sets how long the span of a paused instance may stay open.
func WithPausedTTL(ttl time.Duration) TelemetryOption {
	return func(p *TelemetryPlugin) {
		p.pausedTTL = ttl
	}
}

func New(tracer trace.Tracer, opts ...TelemetryOption) *TelemetryPlugin {
	if tracer == nil {
		tracer = otel.Tracer("helio")
	}

	plugin := &TelemetryPlugin{
		BasePlugin:   helio.NewBasePlugin("telemetry", helio.PriorityHigh),
		tracer:       tracer,
		spans:        make(map[string]*spanEntry),
		workflowCtxs: make(map[int64]*workflowCtxEntry),
		defaultTTL:   time.Hour,
		pausedTTL:    7 * 24 * time.Hour,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(plugin)
	}

	return plugin
}

func workflowKey(instanceID int64) string {
	return fmt.Sprintf("workflow:%d", instanceID)
}

func nodeKey(instanceID int64, nodeID string) string {
	return fmt.Sprintf("node:%d:%s", instanceID, nodeID)
}

func (p *TelemetryPlugin) OnWorkflowStart(ctx context.Context, instance *helio.WorkflowInstance) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	workflowCtx, span := p.tracer.Start(ctx, "workflow."+instance.DefinitionID,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithTimestamp(instance.CreatedAt),
	)
	span.SetAttributes(
		attribute.Int64("instance.id", instance.ID),
		attribute.String("instance.definition_id", instance.DefinitionID),
		attribute.Int("instance.definition_version", instance.DefinitionVersion),
		attribute.String("instance.status", string(instance.Status)),
	)

	now := p.now()
	p.spans[workflowKey(instance.ID)] = &spanEntry{span: span, createdAt: now}
	p.workflowCtxs[instance.ID] = &workflowCtxEntry{ctx: workflowCtx, createdAt: now}

	p.cleanupExpired()

	return nil
}

func (p *TelemetryPlugin) OnWorkflowPaused(_ context.Context, instance *helio.WorkflowInstance) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.spans[workflowKey(instance.ID)]; ok {
		entry.paused = true
		entry.span.AddEvent("paused", trace.WithAttributes(
			attribute.Int("instance.waiting", len(instance.State.Waiting)),
		))
	}

	return nil
}

func (p *TelemetryPlugin) OnWorkflowComplete(_ context.Context, instance *helio.WorkflowInstance) error {
	p.endWorkflow(instance, codes.Ok, "workflow completed")

	return nil
}

func (p *TelemetryPlugin) OnWorkflowFailed(_ context.Context, instance *helio.WorkflowInstance) error {
	p.endWorkflow(instance, codes.Error, "workflow failed")

	return nil
}

func (p *TelemetryPlugin) OnWorkflowCancelled(_ context.Context, instance *helio.WorkflowInstance) error {
	p.endWorkflow(instance, codes.Error, "workflow cancelled")

	return nil
}

func (p *TelemetryPlugin) endWorkflow(instance *helio.WorkflowInstance, code codes.Code, description string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := workflowKey(instance.ID)
	if entry, ok := p.spans[key]; ok {
		entry.span.SetAttributes(attribute.String("instance.status", string(instance.Status)))
		if instance.ErrorKind != nil {
			entry.span.SetAttributes(attribute.String("instance.error_kind", *instance.ErrorKind))
		}
		if instance.Error != nil {
			entry.span.SetAttributes(attribute.String("instance.error", *instance.Error))
		}
		entry.span.SetStatus(code, description)
		entry.span.End()
		delete(p.spans, key)
	}
	delete(p.workflowCtxs, instance.ID)
}

func (p *TelemetryPlugin) OnNodeStart(
	ctx context.Context,
	instance *helio.WorkflowInstance,
	node *helio.NodeSpec,
) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	nodeCtx := ctx
	if entry, ok := p.workflowCtxs[instance.ID]; ok {
		nodeCtx = entry.ctx
	}

	_, span := p.tracer.Start(nodeCtx, "node."+node.ID, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.Int64("instance.id", instance.ID),
		attribute.String("instance.definition_id", instance.DefinitionID),
		attribute.String("node.id", node.ID),
		attribute.String("node.type", node.Type),
		attribute.Int("node.attempt", instance.State.Attempts[node.ID]+1),
	)

	p.spans[nodeKey(instance.ID, node.ID)] = &spanEntry{span: span, createdAt: p.now()}

	p.cleanupExpired()

	return nil
}

func (p *TelemetryPlugin) OnNodeComplete(
	_ context.Context,
	instance *helio.WorkflowInstance,
	node *helio.NodeSpec,
	outcome *helio.Outcome,
) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := nodeKey(instance.ID, node.ID)
	if entry, ok := p.spans[key]; ok {
		entry.span.SetAttributes(attribute.String("node.outcome", string(outcome.Kind)))
		if outcome.CorrelationKey != "" {
			entry.span.SetAttributes(attribute.String("node.correlation_key", outcome.CorrelationKey))
		}
		entry.span.SetStatus(codes.Ok, "node "+string(outcome.Kind))
		entry.span.End()
		delete(p.spans, key)
	}

	return nil
}

func (p *TelemetryPlugin) OnNodeFailed(
	_ context.Context,
	instance *helio.WorkflowInstance,
	node *helio.NodeSpec,
	outcome *helio.Outcome,
) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := nodeKey(instance.ID, node.ID)
	if entry, ok := p.spans[key]; ok {
		entry.span.SetAttributes(attribute.String("node.outcome", string(outcome.Kind)))
		if outcome.Err != nil {
			entry.span.RecordError(outcome.Err)
		}
		entry.span.SetStatus(codes.Error, "node "+string(outcome.Kind))
		entry.span.End()
		delete(p.spans, key)
	}

	return nil
}

func (p *TelemetryPlugin) cleanupExpired() {
	now := p.now()

	for key, entry := range p.spans {
		ttl := p.defaultTTL
		if entry.paused {
			ttl = p.pausedTTL
		}

		if now.Sub(entry.createdAt) > ttl {
			entry.span.SetStatus(codes.Error, "span expired due to TTL")
			entry.span.End()
			delete(p.spans, key)
		}
	}

	for instanceID, entry := range p.workflowCtxs {
		if _, open := p.spans[workflowKey(instanceID)]; !open && now.Sub(entry.createdAt) > p.defaultTTL {
			delete(p.workflowCtxs, instanceID)
		}
	}
}
