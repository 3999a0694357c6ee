package helio

import (
	"fmt"
	"slices"
	"strings"
)

type Visualizer struct{}

func NewVisualizer() *Visualizer {
	return &Visualizer{}
}

// RenderGraph renders a definition as an indented tree walked from the start
// node. Nodes reachable over several paths are printed once.
func (v *Visualizer) RenderGraph(def *WorkflowDefinition) string {
	var out strings.Builder
	fmt.Fprintf(&out, "Workflow: %s (v%d)\n", def.ID, def.Version)
	out.WriteString("======================================\n\n")

	graph := newDefinitionGraph(def)
	visited := make(map[string]bool)
	v.renderNode(&out, graph, def.StartNode, "", 0, visited)

	return out.String()
}

func (v *Visualizer) renderNode(
	out *strings.Builder,
	graph *definitionGraph,
	nodeID string,
	via string,
	indent int,
	visited map[string]bool,
) {
	prefix := v.indent(indent)
	if via != "" {
		via = " " + via
	}

	if visited[nodeID] {
		fmt.Fprintf(out, "%s↻ %s%s (already shown)\n", prefix, nodeID, via)

		return
	}

	node, ok := graph.node(nodeID)
	if !ok {
		fmt.Fprintf(out, "%s⚠ %s (not found)\n", prefix, nodeID)

		return
	}
	visited[nodeID] = true

	fmt.Fprintf(out, "%s%s %s [%s]%s\n", prefix, v.nodeSymbol(node), node.ID, node.Type, via)

	if len(node.Inputs) > 0 {
		names := make([]string, 0, len(node.Inputs))
		for name := range node.Inputs {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			fmt.Fprintf(out, "%s  %s = %s\n", prefix, name, node.Inputs[name])
		}
	}
	if node.MaxRetries != nil {
		fmt.Fprintf(out, "%s  🔄 max retries: %d\n", prefix, *node.MaxRetries)
	}

	if edge, ok := graph.edgeOfKind(node.ID, EdgeKindRetry); ok {
		fmt.Fprintf(out, "%s  ↺ retry while %s (max %d loops)\n", prefix, edge.Guard, node.maxLoops())
	}

	for _, edge := range graph.successEdges(node.ID) {
		v.renderNode(out, graph, edge.To, v.edgeLabel(edge), indent+1, visited)
	}

	if edge, ok := graph.edgeOfKind(node.ID, EdgeKindError); ok {
		v.renderNode(out, graph, edge.To, "⚡ on error", indent+1, visited)
	}
}

func (v *Visualizer) edgeLabel(edge Edge) string {
	switch {
	case edge.Kind == EdgeKindDefault:
		return "(default)"
	case edge.Guard != "":
		return fmt.Sprintf("when %s", edge.Guard)
	default:
		return ""
	}
}

func (v *Visualizer) nodeSymbol(node *NodeSpec) string {
	switch {
	case node.Fork:
		return "🔀"
	case node.Join:
		return "🔗"
	case node.Type == TypeWait:
		return "👤"
	default:
		return "⚙"
	}
}

// RenderInstanceStatus renders the position and history of an instance.
func (v *Visualizer) RenderInstanceStatus(view *InstanceView) string {
	var out strings.Builder
	instance := view.Instance

	fmt.Fprintf(&out, "Workflow Instance: %d\n", instance.ID)
	fmt.Fprintf(&out, "Status: %s %s\n", v.statusSymbol(view.Status), view.Status)
	fmt.Fprintf(&out, "Workflow: %s (v%d)\n", instance.DefinitionID, instance.DefinitionVersion)
	if instance.ErrorKind != nil {
		fmt.Fprintf(&out, "Error: %s: %s\n", *instance.ErrorKind, deref(instance.Error))
	}
	out.WriteString("======================================\n\n")

	if len(view.CurrentNodes) > 0 {
		fmt.Fprintf(&out, "Current: %s\n", strings.Join(view.CurrentNodes, ", "))
	}
	for _, waiting := range view.Waiting {
		fmt.Fprintf(&out, "⏳ %s waits for %q\n", waiting.NodeID, waiting.CorrelationKey)
	}
	if len(view.CurrentNodes) > 0 || len(view.Waiting) > 0 {
		out.WriteString("\n")
	}

	for _, record := range view.History {
		fmt.Fprintf(&out, "%s %s #%d", v.outcomeSymbol(record.Outcome), record.NodeID, record.Attempt)
		if record.Rationale != "" {
			fmt.Fprintf(&out, ": %s", record.Rationale)
		}
		out.WriteString("\n")
	}

	return out.String()
}

func (v *Visualizer) statusSymbol(status InstanceStatus) string {
	switch status {
	case StatusCompleted:
		return "✅"
	case StatusRunning, StatusCreated:
		return "🔄"
	case StatusPaused:
		return "⏸"
	case StatusFailed:
		return "❌"
	case StatusCancelled:
		return "⏹"
	default:
		return "❓"
	}
}

func (v *Visualizer) outcomeSymbol(kind OutcomeKind) string {
	switch kind {
	case OutcomeSuccess:
		return "✅"
	case OutcomePaused:
		return "⏳"
	case OutcomeTransient, OutcomeTimeout:
		return "🔄"
	default:
		return "❌"
	}
}

func (v *Visualizer) indent(level int) string {
	return strings.Repeat("  ", level)
}
