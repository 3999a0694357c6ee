package helio

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the in-memory catalog of node capabilities keyed by type name.
// It is rebuilt at process start.
type Registry struct {
	mu   sync.RWMutex
	regs map[string]*Registration
}

// NewRegistry returns a registry preloaded with the core.* capabilities.
func NewRegistry() *Registry {
	r := &Registry{regs: make(map[string]*Registration)}
	registerBuiltins(r)

	return r
}

// Register adds a capability. An empty schema accepts any field.
func (r *Registry) Register(
	typ string,
	capability Capability,
	input Schema,
	output Schema,
	opts ...CapabilityOption,
) error {
	if typ == "" {
		return &SchemaMismatchError{Problems: []string{"capability type is empty"}}
	}
	if capability == nil {
		return &SchemaMismatchError{Problems: []string{fmt.Sprintf("capability %s is nil", typ)}}
	}

	var problems []string
	for _, p := range input.validate() {
		problems = append(problems, fmt.Sprintf("capability %s input: %s", typ, p))
	}
	for _, p := range output.validate() {
		problems = append(problems, fmt.Sprintf("capability %s output: %s", typ, p))
	}
	if len(problems) > 0 {
		return &SchemaMismatchError{Problems: problems}
	}

	reg := &Registration{
		Type:       typ,
		Capability: capability,
		Input:      input,
		Output:     output,
	}
	for _, opt := range opts {
		opt(reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.regs[typ]; exists {
		return fmt.Errorf("%w: %s", ErrCapabilityExists, typ)
	}
	r.regs[typ] = reg

	return nil
}

func (r *Registry) MustRegister(typ string, capability Capability, input, output Schema, opts ...CapabilityOption) {
	if err := r.Register(typ, capability, input, output, opts...); err != nil {
		panic(err)
	}
}

func (r *Registry) Resolve(typ string) (*Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.regs[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCapabilityNotFound, typ)
	}

	return reg, nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.regs))
	for typ := range r.regs {
		types = append(types, typ)
	}
	sort.Strings(types)

	return types
}

// ValidateDefinition checks the graph rules and the node bindings against the
// registered schemas. All problems are reported in one SchemaMismatchError.
func (r *Registry) ValidateDefinition(def *WorkflowDefinition) error {
	problems := validateGraph(def)
	g := newDefinitionGraph(def)

	for _, n := range def.Nodes {
		reg, err := r.Resolve(n.Type)
		if err != nil {
			problems = append(problems, fmt.Sprintf("node %s: unknown node type %q", n.ID, n.Type))

			continue
		}
		problems = append(problems, r.validateNodeSchema(g, &n, reg)...)
	}

	if len(problems) > 0 {
		return &SchemaMismatchError{DefinitionID: def.ID, Problems: problems}
	}

	return nil
}

func (r *Registry) validateNodeSchema(g *definitionGraph, n *NodeSpec, reg *Registration) []string {
	var problems []string

	names := make([]string, 0, len(n.Inputs))
	for name := range n.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if len(reg.Input) == 0 {
			continue
		}
		field, ok := reg.Input.Field(name)
		if !ok {
			problems = append(problems, fmt.Sprintf("node %s: unknown input field %q for type %s", n.ID, name, n.Type))

			continue
		}
		problems = append(problems, r.checkReferenceType(g, n, field, n.Inputs[name])...)
	}

	for _, field := range reg.Input {
		if !field.Required {
			continue
		}
		if _, ok := n.Inputs[field.Name]; !ok {
			problems = append(problems, fmt.Sprintf("node %s: missing required input %q", n.ID, field.Name))
		}
	}

	if len(reg.Output) > 0 {
		for _, out := range n.Outputs {
			if _, ok := reg.Output.Field(out); !ok {
				problems = append(problems, fmt.Sprintf("node %s: declared output %q is not produced by %s", n.ID, out, n.Type))
			}
		}
	}

	return problems
}

// checkReferenceType compares field types when an input is bound directly to
// another node's output field.
func (r *Registry) checkReferenceType(g *definitionGraph, n *NodeSpec, field Field, src string) []string {
	expr, err := parseExpression(src)
	if err != nil {
		return nil
	}
	root, attr, ok := directReference(expr)
	if !ok || root == BindingInput {
		return nil
	}
	source, ok := g.node(root)
	if !ok {
		return nil
	}
	sourceReg, err := r.Resolve(source.Type)
	if err != nil || len(sourceReg.Output) == 0 {
		return nil
	}

	out, ok := sourceReg.Output.Field(attr)
	if !ok {
		return []string{fmt.Sprintf("node %s input %s: %s does not produce field %q", n.ID, field.Name, root, attr)}
	}
	if !out.Type.compatible(field.Type) {
		return []string{fmt.Sprintf("node %s input %s: type %s does not match %s.%s of type %s",
			n.ID, field.Name, field.Type, root, attr, out.Type)}
	}

	return nil
}
