package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/rom8726/helio"
)

var _ helio.Plugin = (*MetricsPlugin)(nil)

// MetricsPlugin feeds engine lifecycle hooks into a MetricsCollector.
type MetricsPlugin struct {
	helio.BasePlugin

	collector MetricsCollector

	mu       sync.Mutex
	inFlight map[string]map[int64]struct{}
	now      func() time.Time
}

func New(collector MetricsCollector) *MetricsPlugin {
	return &MetricsPlugin{
		BasePlugin: helio.NewBasePlugin("metrics", helio.PriorityHigh),
		collector:  collector,
		inFlight:   make(map[string]map[int64]struct{}),
		now:        time.Now,
	}
}

func (p *MetricsPlugin) OnWorkflowStart(_ context.Context, instance *helio.WorkflowInstance) error {
	p.collector.RecordWorkflowStarted(instance.DefinitionID)

	p.mu.Lock()
	ids, ok := p.inFlight[instance.DefinitionID]
	if !ok {
		ids = make(map[int64]struct{})
		p.inFlight[instance.DefinitionID] = ids
	}
	ids[instance.ID] = struct{}{}
	count := len(ids)
	p.mu.Unlock()

	p.collector.SetInstancesInFlight(instance.DefinitionID, count)

	return nil
}

func (p *MetricsPlugin) OnWorkflowComplete(_ context.Context, instance *helio.WorkflowInstance) error {
	p.finish(instance, helio.StatusCompleted)

	return nil
}

func (p *MetricsPlugin) OnWorkflowFailed(_ context.Context, instance *helio.WorkflowInstance) error {
	p.finish(instance, helio.StatusFailed)

	return nil
}

func (p *MetricsPlugin) OnWorkflowCancelled(_ context.Context, instance *helio.WorkflowInstance) error {
	p.finish(instance, helio.StatusCancelled)

	return nil
}

func (p *MetricsPlugin) OnWorkflowPaused(_ context.Context, instance *helio.WorkflowInstance) error {
	p.collector.RecordWorkflowPaused(instance.DefinitionID)

	return nil
}

func (p *MetricsPlugin) OnNodeStart(
	_ context.Context,
	instance *helio.WorkflowInstance,
	node *helio.NodeSpec,
) error {
	p.collector.RecordNodeStarted(instance.DefinitionID, node.Type)

	return nil
}

func (p *MetricsPlugin) OnNodeComplete(
	_ context.Context,
	instance *helio.WorkflowInstance,
	node *helio.NodeSpec,
	outcome *helio.Outcome,
) error {
	p.collector.RecordNodeFinished(instance.DefinitionID, node.Type, outcome.Kind, outcome.Duration())

	return nil
}

func (p *MetricsPlugin) OnNodeFailed(
	_ context.Context,
	instance *helio.WorkflowInstance,
	node *helio.NodeSpec,
	outcome *helio.Outcome,
) error {
	p.collector.RecordNodeFinished(instance.DefinitionID, node.Type, outcome.Kind, outcome.Duration())

	return nil
}

func (p *MetricsPlugin) finish(instance *helio.WorkflowInstance, status helio.InstanceStatus) {
	finished := p.now()
	if instance.CompletedAt != nil {
		finished = *instance.CompletedAt
	}
	p.collector.RecordWorkflowFinished(instance.DefinitionID, status, finished.Sub(instance.CreatedAt))

	p.mu.Lock()
	ids := p.inFlight[instance.DefinitionID]
	_, tracked := ids[instance.ID]
	delete(ids, instance.ID)
	count := len(ids)
	if count == 0 {
		delete(p.inFlight, instance.DefinitionID)
	}
	p.mu.Unlock()

	// Instances started before a restart are not counted in flight.
	if tracked {
		p.collector.SetInstancesInFlight(instance.DefinitionID, count)
	}
}
