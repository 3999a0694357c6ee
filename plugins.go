package helio

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

type PluginPriority int

const (
	PriorityLow    PluginPriority = 0
	PriorityNormal PluginPriority = 50
	PriorityHigh   PluginPriority = 100
)

// Plugin represents a lifecycle hook system for workflow instances.
// Hooks run after the corresponding state change is committed, except
// OnNodeStart which runs before the capability is invoked and can veto it.
type Plugin interface {
	// Name returns unique plugin identifier
	Name() string

	// Priority determines execution order (higher = earlier)
	Priority() PluginPriority

	OnWorkflowStart(ctx context.Context, instance *WorkflowInstance) error
	OnWorkflowComplete(ctx context.Context, instance *WorkflowInstance) error
	OnWorkflowFailed(ctx context.Context, instance *WorkflowInstance) error
	OnWorkflowPaused(ctx context.Context, instance *WorkflowInstance) error
	OnWorkflowCancelled(ctx context.Context, instance *WorkflowInstance) error
	OnNodeStart(ctx context.Context, instance *WorkflowInstance, node *NodeSpec) error
	OnNodeComplete(ctx context.Context, instance *WorkflowInstance, node *NodeSpec, outcome *Outcome) error
	OnNodeFailed(ctx context.Context, instance *WorkflowInstance, node *NodeSpec, outcome *Outcome) error
}

// BasePlugin provides default no-op implementations
type BasePlugin struct {
	name     string
	priority PluginPriority
}

func NewBasePlugin(name string, priority PluginPriority) BasePlugin {
	return BasePlugin{name: name, priority: priority}
}

func (p BasePlugin) Name() string             { return p.name }
func (p BasePlugin) Priority() PluginPriority { return p.priority }
func (p BasePlugin) OnWorkflowStart(context.Context, *WorkflowInstance) error {
	return nil
}
func (p BasePlugin) OnWorkflowComplete(context.Context, *WorkflowInstance) error {
	return nil
}
func (p BasePlugin) OnWorkflowFailed(context.Context, *WorkflowInstance) error {
	return nil
}
func (p BasePlugin) OnWorkflowPaused(context.Context, *WorkflowInstance) error {
	return nil
}
func (p BasePlugin) OnWorkflowCancelled(context.Context, *WorkflowInstance) error {
	return nil
}
func (p BasePlugin) OnNodeStart(context.Context, *WorkflowInstance, *NodeSpec) error { return nil }
func (p BasePlugin) OnNodeComplete(context.Context, *WorkflowInstance, *NodeSpec, *Outcome) error {
	return nil
}
func (p BasePlugin) OnNodeFailed(context.Context, *WorkflowInstance, *NodeSpec, *Outcome) error {
	return nil
}

// PluginManager manages plugin lifecycle
type PluginManager struct {
	plugins []Plugin
	logger  *slog.Logger
	mu      sync.RWMutex
}

func NewPluginManager() *PluginManager {
	return &PluginManager{
		plugins: make([]Plugin, 0),
		logger:  slog.Default(),
	}
}

func (pm *PluginManager) Register(plugin Plugin) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.plugins = append(pm.plugins, plugin)

	sort.SliceStable(pm.plugins, func(i, j int) bool {
		return pm.plugins[i].Priority() > pm.plugins[j].Priority()
	})
}

func (pm *PluginManager) Plugins() []Plugin {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	return append([]Plugin(nil), pm.plugins...)
}

func (pm *PluginManager) setLogger(logger *slog.Logger) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.logger = logger
}

// ExecuteNodeStart stops at the first plugin error; the engine treats the
// error as a transient node failure.
func (pm *PluginManager) ExecuteNodeStart(ctx context.Context, instance *WorkflowInstance, node *NodeSpec) error {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for _, plugin := range pm.plugins {
		if err := plugin.OnNodeStart(ctx, instance, node); err != nil {
			return fmt.Errorf("plugin %s failed: %w", plugin.Name(), err)
		}
	}

	return nil
}

func (pm *PluginManager) ExecuteNodeComplete(ctx context.Context, instance *WorkflowInstance, node *NodeSpec, outcome *Outcome) {
	pm.each("node complete", func(plugin Plugin) error {
		return plugin.OnNodeComplete(ctx, instance, node, outcome)
	})
}

func (pm *PluginManager) ExecuteNodeFailed(ctx context.Context, instance *WorkflowInstance, node *NodeSpec, outcome *Outcome) {
	pm.each("node failed", func(plugin Plugin) error {
		return plugin.OnNodeFailed(ctx, instance, node, outcome)
	})
}

func (pm *PluginManager) ExecuteWorkflowStart(ctx context.Context, instance *WorkflowInstance) {
	pm.each("workflow start", func(plugin Plugin) error {
		return plugin.OnWorkflowStart(ctx, instance)
	})
}

func (pm *PluginManager) ExecuteWorkflowComplete(ctx context.Context, instance *WorkflowInstance) {
	pm.each("workflow complete", func(plugin Plugin) error {
		return plugin.OnWorkflowComplete(ctx, instance)
	})
}

func (pm *PluginManager) ExecuteWorkflowFailed(ctx context.Context, instance *WorkflowInstance) {
	pm.each("workflow failed", func(plugin Plugin) error {
		return plugin.OnWorkflowFailed(ctx, instance)
	})
}

func (pm *PluginManager) ExecuteWorkflowPaused(ctx context.Context, instance *WorkflowInstance) {
	pm.each("workflow paused", func(plugin Plugin) error {
		return plugin.OnWorkflowPaused(ctx, instance)
	})
}

func (pm *PluginManager) ExecuteWorkflowCancelled(ctx context.Context, instance *WorkflowInstance) {
	pm.each("workflow cancelled", func(plugin Plugin) error {
		return plugin.OnWorkflowCancelled(ctx, instance)
	})
}

// each runs a post-commit hook on every plugin. Errors are logged only: the
// state change they report is already durable.
func (pm *PluginManager) each(hook string, fn func(plugin Plugin) error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for _, plugin := range pm.plugins {
		if err := fn(plugin); err != nil {
			pm.logger.Error("[helio] plugin error on "+hook, "plugin", plugin.Name(), "error", err)
		}
	}
}
