package helio

import (
	"errors"
	"fmt"
	"slices"
)

// Builder assembles a WorkflowDefinition in code. Step links the new node
// to the current one; Node adds an unlinked node and makes it current.
type Builder struct {
	id                string
	name              string
	version           int
	defaultMaxRetries *int
	nodes             []*NodeSpec
	index             map[string]*NodeSpec
	edges             []Edge
	startNode         string
	currentNode       string
}

// BranchCase is one outgoing edge added by Branch.
type BranchCase struct {
	Guard string
	To    string
	kind  EdgeKind
}

func Case(guard, to string) BranchCase {
	return BranchCase{Guard: guard, To: to}
}

func Otherwise(to string) BranchCase {
	return BranchCase{To: to, kind: EdgeKindDefault}
}

func NewBuilder(id string, version int, opts ...BuilderOption) *Builder {
	builder := &Builder{
		id:      id,
		name:    id,
		version: version,
		index:   make(map[string]*NodeSpec),
	}
	for _, opt := range opts {
		opt(builder)
	}

	return builder
}

func (builder *Builder) Step(id, typ string, opts ...NodeOption) *Builder {
	previous := builder.currentNode
	builder.add(id, typ, opts)
	if previous != "" && previous != id {
		builder.edges = append(builder.edges, Edge{From: previous, To: id})
	}

	return builder
}

func (builder *Builder) Then(id, typ string, opts ...NodeOption) *Builder {
	return builder.Step(id, typ, opts...)
}

func (builder *Builder) Node(id, typ string, opts ...NodeOption) *Builder {
	builder.add(id, typ, opts)

	return builder
}

func (builder *Builder) add(id, typ string, opts []NodeOption) {
	if _, ok := builder.index[id]; ok {
		panic(fmt.Sprintf("duplicate node %q in builder %q", id, builder.id))
	}

	node := &NodeSpec{ID: id, Type: typ}
	if builder.defaultMaxRetries != nil {
		retries := *builder.defaultMaxRetries
		node.MaxRetries = &retries
	}
	for _, opt := range opts {
		opt(node)
	}

	builder.nodes = append(builder.nodes, node)
	builder.index[id] = node
	if builder.startNode == "" {
		builder.startNode = id
	}
	builder.currentNode = id
}

// From moves the cursor back to an existing node.
func (builder *Builder) From(id string) *Builder {
	if _, ok := builder.index[id]; !ok {
		panic(fmt.Sprintf("From %q: unknown node in builder %q", id, builder.id))
	}
	builder.currentNode = id

	return builder
}

func (builder *Builder) Edge(from, to, guard string) *Builder {
	builder.edges = append(builder.edges, Edge{From: from, To: to, Guard: guard})

	return builder
}

// Branch adds guarded edges from the current node in declaration order.
func (builder *Builder) Branch(cases ...BranchCase) *Builder {
	builder.requireCurrent("Branch")
	for _, c := range cases {
		builder.edges = append(builder.edges, Edge{From: builder.currentNode, To: c.To, Guard: c.Guard, Kind: c.kind})
	}

	return builder
}

// OnError declares the error edge of the current node.
func (builder *Builder) OnError(to string) *Builder {
	builder.requireCurrent("OnError")
	builder.edges = append(builder.edges, Edge{From: builder.currentNode, To: to, Kind: EdgeKindError})

	return builder
}

// OnFailureFlow builds an alternate path in a sub-builder and routes the
// current node's error edge to its first node.
func (builder *Builder) OnFailureFlow(fn func(failureBuilder *Builder)) *Builder {
	builder.requireCurrent("OnFailureFlow")

	sub := builder.sub()
	fn(sub)
	if sub.startNode == "" {
		panic(fmt.Sprintf("on-failure flow of %q has no nodes", builder.currentNode))
	}
	builder.merge(sub)
	builder.edges = append(builder.edges, Edge{From: builder.currentNode, To: sub.startNode, Kind: EdgeKindError})

	return builder
}

// RetryWhile re-runs the current node while guard holds.
func (builder *Builder) RetryWhile(guard string, maxLoops int) *Builder {
	builder.requireCurrent("RetryWhile")
	builder.edges = append(builder.edges, Edge{
		From:  builder.currentNode,
		To:    builder.currentNode,
		Guard: guard,
		Kind:  EdgeKindRetry,
	})
	builder.index[builder.currentNode].MaxLoops = maxLoops

	return builder
}

// ForkJoin turns the current node into a fork running every branch in
// parallel and adds a join node that waits for all of them.
func (builder *Builder) ForkJoin(joinID, joinType string, branches ...func(branch *Builder)) *Builder {
	builder.requireCurrent("ForkJoin")
	if len(branches) < 2 {
		panic(fmt.Sprintf("ForkJoin %q needs at least two branches", joinID))
	}

	fork := builder.index[builder.currentNode]
	fork.Fork = true

	tails := make([]string, 0, len(branches))
	for _, branchFn := range branches {
		sub := builder.sub()
		branchFn(sub)
		if sub.startNode == "" {
			panic(fmt.Sprintf("empty branch in fork %q", fork.ID))
		}
		builder.merge(sub)
		builder.edges = append(builder.edges, Edge{From: fork.ID, To: sub.startNode})
		tails = append(tails, sub.currentNode)
	}

	builder.add(joinID, joinType, []NodeOption{func(node *NodeSpec) { node.Join = true }})
	for _, tail := range tails {
		builder.edges = append(builder.edges, Edge{From: tail, To: joinID})
	}

	return builder
}

func (builder *Builder) requireCurrent(op string) {
	if builder.currentNode == "" {
		panic(fmt.Sprintf("%s called with no current node in builder %q", op, builder.id))
	}
}

func (builder *Builder) sub() *Builder {
	return &Builder{
		id:                builder.id,
		version:           builder.version,
		defaultMaxRetries: builder.defaultMaxRetries,
		index:             make(map[string]*NodeSpec),
	}
}

func (builder *Builder) merge(sub *Builder) {
	for _, node := range sub.nodes {
		if _, ok := builder.index[node.ID]; ok {
			panic(fmt.Sprintf("duplicate node %q in builder %q", node.ID, builder.id))
		}
		builder.nodes = append(builder.nodes, node)
		builder.index[node.ID] = node
	}
	builder.edges = append(builder.edges, sub.edges...)
}

// Build returns the definition after checking its graph rules. Capability
// schemas are checked later by Engine.RegisterWorkflow.
func (builder *Builder) Build() (*WorkflowDefinition, error) {
	if builder.id == "" {
		return nil, errors.New("workflow id is required")
	}
	if builder.startNode == "" {
		return nil, fmt.Errorf("builder %q: at least one node is required", builder.id)
	}

	def := &WorkflowDefinition{
		ID:        builder.id,
		Name:      builder.name,
		Version:   builder.version,
		StartNode: builder.startNode,
		Nodes:     make([]NodeSpec, 0, len(builder.nodes)),
		Edges:     slices.Clone(builder.edges),
	}
	for _, node := range builder.nodes {
		def.Nodes = append(def.Nodes, *node)
	}

	if problems := validateGraph(def); len(problems) > 0 {
		return nil, &SchemaMismatchError{DefinitionID: def.ID, Problems: problems}
	}

	return def, nil
}
