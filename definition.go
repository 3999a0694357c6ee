package helio

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// definitionGraph is the indexed, read-only view of a definition used by the
// validator and the transition logic.
type definitionGraph struct {
	def      *WorkflowDefinition
	nodes    map[string]*NodeSpec
	outgoing map[string][]Edge
	incoming map[string][]Edge
}

func newDefinitionGraph(def *WorkflowDefinition) *definitionGraph {
	g := &definitionGraph{
		def:      def,
		nodes:    make(map[string]*NodeSpec, len(def.Nodes)),
		outgoing: make(map[string][]Edge),
		incoming: make(map[string][]Edge),
	}
	for i := range def.Nodes {
		g.nodes[def.Nodes[i].ID] = &def.Nodes[i]
	}
	for _, edge := range def.Edges {
		g.outgoing[edge.From] = append(g.outgoing[edge.From], edge)
		if edge.Kind != EdgeKindRetry {
			g.incoming[edge.To] = append(g.incoming[edge.To], edge)
		}
	}

	return g
}

func (g *definitionGraph) node(id string) (*NodeSpec, bool) {
	n, ok := g.nodes[id]

	return n, ok
}

// successEdges returns normal and default edges in declaration order.
func (g *definitionGraph) successEdges(nodeID string) []Edge {
	var edges []Edge
	for _, e := range g.outgoing[nodeID] {
		if e.Kind == EdgeKindNormal || e.Kind == EdgeKindDefault {
			edges = append(edges, e)
		}
	}

	return edges
}

func (g *definitionGraph) edgeOfKind(nodeID string, kind EdgeKind) (Edge, bool) {
	for _, e := range g.outgoing[nodeID] {
		if e.Kind == kind {
			return e, true
		}
	}

	return Edge{}, false
}

// predecessors returns the distinct sources of non-retry edges into nodeID.
func (g *definitionGraph) predecessors(nodeID string) []string {
	seen := make(map[string]struct{})
	var preds []string
	for _, e := range g.incoming[nodeID] {
		if _, ok := seen[e.From]; ok {
			continue
		}
		seen[e.From] = struct{}{}
		preds = append(preds, e.From)
	}

	return preds
}

func (g *definitionGraph) ancestors(nodeID string) map[string]struct{} {
	result := make(map[string]struct{})
	stack := g.predecessors(nodeID)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := result[cur]; ok {
			continue
		}
		result[cur] = struct{}{}
		stack = append(stack, g.predecessors(cur)...)
	}

	return result
}

// reachable reports whether to can be reached from from following non-retry
// edges. A node reaches itself.
func (g *definitionGraph) reachable(from, to string) bool {
	if from == to {
		return true
	}
	visited := make(map[string]struct{})
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := visited[cur]; ok {
			continue
		}
		visited[cur] = struct{}{}
		for _, e := range g.outgoing[cur] {
			if e.Kind == EdgeKindRetry {
				continue
			}
			if e.To == to {
				return true
			}
			stack = append(stack, e.To)
		}
	}

	return false
}

func (g *definitionGraph) hasCycle() (string, bool) {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.nodes))
	var cycleAt string
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		for _, e := range g.outgoing[id] {
			if e.Kind == EdgeKindRetry {
				continue
			}
			switch color[e.To] {
			case grey:
				cycleAt = e.To

				return true
			case white:
				if visit(e.To) {
					return true
				}
			}
		}
		color[id] = black

		return false
	}

	for _, n := range g.def.Nodes {
		if color[n.ID] == white && visit(n.ID) {
			return cycleAt, true
		}
	}

	return "", false
}

// validateGraph checks the structural rules of a definition independent of
// the registered capabilities.
func validateGraph(def *WorkflowDefinition) []string {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if def.ID == "" {
		add("definition id is empty")
	}
	if def.Version < 1 {
		add("version must be >= 1, got %d", def.Version)
	}
	if len(def.Nodes) == 0 {
		add("definition has no nodes")

		return problems
	}

	seen := make(map[string]struct{}, len(def.Nodes))
	for _, n := range def.Nodes {
		switch {
		case n.ID == "":
			add("node with type %q has empty id", n.Type)
		case n.ID == BindingInput:
			add("node id %q is reserved", BindingInput)
		}
		if _, dup := seen[n.ID]; dup {
			add("duplicate node id %q", n.ID)
		}
		seen[n.ID] = struct{}{}
		if n.MaxRetries != nil && *n.MaxRetries < 0 {
			add("node %s: max_retries must be >= 0", n.ID)
		}
	}

	g := newDefinitionGraph(def)
	if _, ok := g.nodes[def.StartNode]; !ok {
		add("start node %q does not exist", def.StartNode)
	} else if len(g.incoming[def.StartNode]) > 0 {
		add("start node %q has incoming edges", def.StartNode)
	}

	edgeOK := true
	for i, e := range def.Edges {
		_, fromOK := g.nodes[e.From]
		_, toOK := g.nodes[e.To]
		if !fromOK || !toOK {
			add("edge #%d %s -> %s references unknown node", i, e.From, e.To)
			edgeOK = false

			continue
		}
		switch e.Kind {
		case EdgeKindNormal, EdgeKindDefault:
			if e.Kind == EdgeKindDefault && e.Guard != "" {
				add("default edge %s -> %s must not have a guard", e.From, e.To)
			}
			if e.From == e.To {
				add("edge #%d %s -> %s: self edge must be of kind retry", i, e.From, e.To)
			}
		case EdgeKindError:
			if e.Guard != "" {
				add("error edge %s -> %s must not have a guard", e.From, e.To)
			}
		case EdgeKindRetry:
			if e.From != e.To {
				add("retry edge %s -> %s must point to itself", e.From, e.To)
			}
		default:
			add("edge #%d %s -> %s has unknown kind %q", i, e.From, e.To, e.Kind)
		}
	}
	if !edgeOK {
		return problems
	}

	if at, ok := g.hasCycle(); ok {
		add("graph has a cycle through %q; only retry edges may loop", at)

		return problems
	}

	for _, n := range def.Nodes {
		if n.ID != def.StartNode && !g.reachable(def.StartNode, n.ID) {
			add("node %s is unreachable from start node", n.ID)
		}

		errorEdges := 0
		for _, e := range g.outgoing[n.ID] {
			if e.Kind == EdgeKindError {
				errorEdges++
			}
		}
		if errorEdges > 1 {
			add("node %s has %d error edges, at most one allowed", n.ID, errorEdges)
		}

		success := g.successEdges(n.ID)
		if len(success) > 0 {
			covered := false
			for _, e := range success {
				if e.Guard == "" || e.Kind == EdgeKindDefault {
					covered = true

					break
				}
			}
			if !covered {
				add("node %s: outgoing guards are not exhaustive, add an unguarded or default edge", n.ID)
			}
		}

		if n.Join && len(g.predecessors(n.ID)) < 2 {
			add("join node %s needs at least two incoming branches", n.ID)
		}
		if n.Fork && len(success) < 2 {
			add("fork node %s needs at least two outgoing edges", n.ID)
		}

		problems = append(problems, validateNodeExpressions(g, &n)...)
	}

	return problems
}

func validateNodeExpressions(g *definitionGraph, n *NodeSpec) []string {
	var problems []string
	ancestors := g.ancestors(n.ID)

	names := make([]string, 0, len(n.Inputs))
	for name := range n.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		problems = append(problems, checkExpression(
			fmt.Sprintf("node %s input %s", n.ID, name), n.Inputs[name], ancestors)...)
	}

	guardScope := make(map[string]struct{}, len(ancestors)+1)
	for a := range ancestors {
		guardScope[a] = struct{}{}
	}
	guardScope[n.ID] = struct{}{}
	for _, e := range g.outgoing[n.ID] {
		if e.Guard == "" {
			continue
		}
		problems = append(problems, checkExpression(
			fmt.Sprintf("edge %s -> %s guard", e.From, e.To), e.Guard, guardScope)...)
	}

	return problems
}

func checkExpression(where, src string, scope map[string]struct{}) []string {
	expr, err := parseExpression(src)
	if err != nil {
		return []string{fmt.Sprintf("%s: %v", where, err)}
	}

	var problems []string
	for _, root := range expressionRoots(expr) {
		if root == BindingInput {
			continue
		}
		if _, ok := scope[root]; !ok {
			problems = append(problems, fmt.Sprintf("%s: %q is not the workflow input or a preceding node", where, root))
		}
	}
	for _, fn := range expressionFuncs(expr) {
		if _, ok := expressionFunctions[fn]; !ok {
			problems = append(problems, fmt.Sprintf("%s: unknown function %q", where, fn))
		}
	}

	return problems
}

// equalDefinitions compares the persisted content of two definitions.
func equalDefinitions(a, b *WorkflowDefinition) bool {
	left, errA := json.Marshal(definitionBody(a))
	right, errB := json.Marshal(definitionBody(b))

	return errA == nil && errB == nil && string(left) == string(right)
}

func definitionBody(def *WorkflowDefinition) WorkflowDefinition {
	body := *def
	body.CreatedAt = time.Time{}

	return body
}
