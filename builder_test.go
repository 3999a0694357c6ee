package helio

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowBuilder(t *testing.T) {
	t.Run("linear workflow", func(t *testing.T) {
		def, err := NewBuilder("linear", 1).
			Step("step1", "handler1").
			Then("step2", "handler2").
			Then("step3", "handler3").
			Build()

		require.NoError(t, err)
		assert.Equal(t, "linear", def.ID)
		assert.Equal(t, "linear", def.Name)
		assert.Equal(t, 1, def.Version)
		assert.Equal(t, "step1", def.StartNode)
		assert.Len(t, def.Nodes, 3)
		assert.Equal(t, []Edge{
			{From: "step1", To: "step2"},
			{From: "step2", To: "step3"},
		}, def.Edges)
	})

	t.Run("branch with default", func(t *testing.T) {
		def, err := NewBuilder("triage", 2, WithBuilderName("Email triage")).
			Step("classify", "email.classify").
			Branch(
				Case("classify.priority == 1", "urgent"),
				Otherwise("normal"),
			).
			Node("urgent", "page").
			Node("normal", "queue").
			Build()

		require.NoError(t, err)
		assert.Equal(t, "Email triage", def.Name)
		assert.Equal(t, []Edge{
			{From: "classify", To: "urgent", Guard: "classify.priority == 1"},
			{From: "classify", To: "normal", Kind: EdgeKindDefault},
		}, def.Edges)
	})

	t.Run("on failure flow", func(t *testing.T) {
		def, err := NewBuilder("payment", 1).
			Step("charge", "billing.charge").
			OnFailureFlow(func(failure *Builder) {
				failure.Step("refund", "billing.refund").Then("notify", "mail.send")
			}).
			Then("ship", "warehouse.ship").
			Build()

		require.NoError(t, err)
		assert.ElementsMatch(t, []Edge{
			{From: "refund", To: "notify"},
			{From: "charge", To: "refund", Kind: EdgeKindError},
			{From: "charge", To: "ship"},
		}, def.Edges)
	})

	t.Run("error edge to existing node", func(t *testing.T) {
		def, err := NewBuilder("notify", 1).
			Step("send", "mail.send").
			OnError("alert").
			Node("alert", "pager.alert").
			Build()

		require.NoError(t, err)
		assert.Equal(t, []Edge{{From: "send", To: "alert", Kind: EdgeKindError}}, def.Edges)
	})

	t.Run("retry while", func(t *testing.T) {
		def, err := NewBuilder("poller", 1).
			Step("poll", "job.status").
			RetryWhile("!poll.ready", 5).
			Then("done", TypeNoop).
			Build()

		require.NoError(t, err)
		assert.Equal(t, 5, def.Nodes[0].MaxLoops)
		assert.Contains(t, def.Edges, Edge{From: "poll", To: "poll", Guard: "!poll.ready", Kind: EdgeKindRetry})
		assert.Contains(t, def.Edges, Edge{From: "poll", To: "done"})
	})

	t.Run("fork join", func(t *testing.T) {
		def, err := NewBuilder("fanout", 1).
			Step("split", TypeNoop).
			ForkJoin("merge", TypeNoop,
				func(b *Builder) { b.Step("a1", "h1").Then("a2", "h2") },
				func(b *Builder) { b.Step("b1", "h3") },
			).
			Then("final", TypeNoop).
			Build()

		require.NoError(t, err)
		nodes := make(map[string]NodeSpec, len(def.Nodes))
		for _, n := range def.Nodes {
			nodes[n.ID] = n
		}
		assert.True(t, nodes["split"].Fork)
		assert.True(t, nodes["merge"].Join)
		assert.ElementsMatch(t, []Edge{
			{From: "a1", To: "a2"},
			{From: "split", To: "a1"},
			{From: "split", To: "b1"},
			{From: "a2", To: "merge"},
			{From: "b1", To: "merge"},
			{From: "merge", To: "final"},
		}, def.Edges)
	})

	t.Run("from moves the cursor", func(t *testing.T) {
		def, err := NewBuilder("diamond", 1).
			Step("start", TypeNoop).
			Then("left", TypeNoop).
			From("start").
			Edge("start", "right", "").
			Node("right", TypeNoop).
			Build()

		require.NoError(t, err)
		assert.Len(t, def.Edges, 2)
	})
}

func TestBuilderOptions(t *testing.T) {
	def, err := NewBuilder("opts", 1, WithBuilderMaxRetries(1)).
		Step("first", "h",
			WithNodeConfig(map[string]any{"url": "http://example"}),
			WithNodeInput("name", "input.name"),
			WithNodeInput("id", "input.id"),
			WithNodeOutputs("status"),
			WithNodeTimeout(2*time.Second),
		).
		Then("second", "h",
			WithNodeInputs(map[string]string{"status": "first.status"}),
			WithNodeMaxRetries(7),
			WithNodePauseTimeout(time.Minute),
		).
		Build()
	require.NoError(t, err)

	first, second := def.Nodes[0], def.Nodes[1]
	assert.Equal(t, "http://example", first.Config["url"])
	assert.Equal(t, map[string]string{"name": "input.name", "id": "input.id"}, first.Inputs)
	assert.Equal(t, []string{"status"}, first.Outputs)
	assert.Equal(t, 2*time.Second, first.Timeout.Std())
	assert.Equal(t, 1, first.maxRetries())
	assert.Equal(t, 7, second.maxRetries())
	assert.Equal(t, time.Minute, second.PauseTimeout.Std())
	assert.Equal(t, DefaultMaxLoops, second.maxLoops())
}

func TestBuilderMisuse(t *testing.T) {
	_, err := NewBuilder("", 1).Step("a", TypeNoop).Build()
	assert.Error(t, err)

	_, err = NewBuilder("empty", 1).Build()
	assert.Error(t, err)

	assert.Panics(t, func() {
		NewBuilder("dup", 1).Step("a", TypeNoop).Then("a", TypeNoop)
	})
	assert.Panics(t, func() {
		NewBuilder("from", 1).Step("a", TypeNoop).From("missing")
	})
	assert.Panics(t, func() {
		NewBuilder("branch", 1).Branch(Otherwise("a"))
	})
	assert.Panics(t, func() {
		NewBuilder("fork", 1).Step("a", TypeNoop).ForkJoin("j", TypeNoop, func(b *Builder) { b.Step("x", TypeNoop) })
	})
	assert.Panics(t, func() {
		NewBuilder("fork", 1).Step("a", TypeNoop).ForkJoin("j", TypeNoop,
			func(b *Builder) { b.Step("x", TypeNoop) },
			func(*Builder) {},
		)
	})
}

func requireProblem(t *testing.T, err error, fragment string) {
	t.Helper()

	var mismatch *SchemaMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.True(t, hasProblem(mismatch.Problems, fragment), "problems: %v", mismatch.Problems)
}

func hasProblem(problems []string, fragment string) bool {
	for _, p := range problems {
		if strings.Contains(p, fragment) {
			return true
		}
	}

	return false
}

func TestBuildRejectsInvalidGraphs(t *testing.T) {
	t.Run("cycle", func(t *testing.T) {
		_, err := NewBuilder("cycle", 1).
			Step("a", TypeNoop).
			Then("b", TypeNoop).
			Then("c", TypeNoop).
			Edge("c", "b", "").
			Build()
		requireProblem(t, err, "cycle")
	})

	t.Run("start node with incoming edge", func(t *testing.T) {
		_, err := NewBuilder("start", 1).
			Step("a", TypeNoop).
			Then("b", TypeNoop).
			Edge("b", "a", "").
			Build()
		requireProblem(t, err, `start node "a" has incoming edges`)
	})

	t.Run("guards not exhaustive", func(t *testing.T) {
		_, err := NewBuilder("guards", 1).
			Step("a", TypeNoop).
			Branch(Case("a.ok", "b")).
			Node("b", TypeNoop).
			Build()
		requireProblem(t, err, "not exhaustive")
	})

	t.Run("unreachable node", func(t *testing.T) {
		_, err := NewBuilder("island", 1).
			Step("a", TypeNoop).
			Node("island", TypeNoop).
			Build()
		requireProblem(t, err, "node island is unreachable")
	})

	t.Run("input refers to a later node", func(t *testing.T) {
		_, err := NewBuilder("scope", 1).
			Step("a", TypeNoop, WithNodeInput("x", "b.value")).
			Then("b", TypeNoop).
			Build()
		requireProblem(t, err, `"b" is not the workflow input or a preceding node`)
	})

	t.Run("guard may read its own node", func(t *testing.T) {
		_, err := NewBuilder("scope", 1).
			Step("a", TypeNoop).
			Branch(Case("a.ok && input.enabled", "b"), Otherwise("c")).
			Node("b", TypeNoop).
			Node("c", TypeNoop).
			Build()
		require.NoError(t, err)
	})

	t.Run("unknown function", func(t *testing.T) {
		_, err := NewBuilder("funcs", 1).
			Step("a", TypeNoop, WithNodeInput("x", "shout(input.name)")).
			Build()
		requireProblem(t, err, `unknown function "shout"`)
	})

	t.Run("unparseable expression", func(t *testing.T) {
		_, err := NewBuilder("parse", 1).
			Step("a", TypeNoop, WithNodeInput("x", "input.name ==")).
			Build()
		requireProblem(t, err, "node a input x")
	})

	t.Run("reserved node id", func(t *testing.T) {
		_, err := NewBuilder("reserved", 1).Step(BindingInput, TypeNoop).Build()
		requireProblem(t, err, "reserved")
	})
}

func TestValidateGraphEdgeRules(t *testing.T) {
	base := func(edges ...Edge) *WorkflowDefinition {
		return &WorkflowDefinition{
			ID:        "rules",
			Version:   1,
			StartNode: "a",
			Nodes: []NodeSpec{
				{ID: "a", Type: TypeNoop},
				{ID: "b", Type: TypeNoop},
				{ID: "c", Type: TypeNoop},
			},
			Edges: edges,
		}
	}

	tests := []struct {
		name     string
		def      *WorkflowDefinition
		fragment string
	}{
		{
			name:     "default edge with guard",
			def:      base(Edge{From: "a", To: "b", Kind: EdgeKindDefault, Guard: "a.x"}, Edge{From: "a", To: "c"}),
			fragment: "default edge a -> b must not have a guard",
		},
		{
			name: "error edge with guard",
			def: base(Edge{From: "a", To: "b"}, Edge{From: "a", To: "c", Kind: EdgeKindError, Guard: "a.x"},
				Edge{From: "b", To: "c"}),
			fragment: "error edge a -> c must not have a guard",
		},
		{
			name: "two error edges",
			def: base(Edge{From: "a", To: "b", Kind: EdgeKindError}, Edge{From: "a", To: "c", Kind: EdgeKindError}),
			fragment: "2 error edges",
		},
		{
			name:     "retry edge to another node",
			def:      base(Edge{From: "a", To: "b", Kind: EdgeKindRetry}, Edge{From: "a", To: "c"}),
			fragment: "must point to itself",
		},
		{
			name:     "plain self edge",
			def:      base(Edge{From: "a", To: "b"}, Edge{From: "b", To: "b"}, Edge{From: "b", To: "c"}),
			fragment: "self edge must be of kind retry",
		},
		{
			name:     "unknown edge kind",
			def:      base(Edge{From: "a", To: "b", Kind: "sideways"}, Edge{From: "b", To: "c"}),
			fragment: `unknown kind "sideways"`,
		},
		{
			name:     "unknown node in edge",
			def:      base(Edge{From: "a", To: "z"}),
			fragment: "references unknown node",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			problems := validateGraph(tt.def)
			require.NotEmpty(t, problems)
			assert.True(t, hasProblem(problems, tt.fragment), "problems: %v", problems)
		})
	}
}

func TestValidateGraphForkJoinCounts(t *testing.T) {
	def := &WorkflowDefinition{
		ID:        "forks",
		Version:   1,
		StartNode: "a",
		Nodes: []NodeSpec{
			{ID: "a", Type: TypeNoop, Fork: true},
			{ID: "b", Type: TypeNoop, Join: true},
		},
		Edges: []Edge{{From: "a", To: "b"}},
	}

	problems := validateGraph(def)
	assert.Contains(t, problems, "join node b needs at least two incoming branches")
	assert.Contains(t, problems, "fork node a needs at least two outgoing edges")
}

func TestValidateGraphMetadata(t *testing.T) {
	negative := -1
	problems := validateGraph(&WorkflowDefinition{
		StartNode: "missing",
		Nodes: []NodeSpec{
			{ID: "a", Type: TypeNoop, MaxRetries: &negative},
			{ID: "a", Type: TypeNoop},
		},
	})

	assert.Contains(t, problems, "definition id is empty")
	assert.Contains(t, problems, "version must be >= 1, got 0")
	assert.Contains(t, problems, `duplicate node id "a"`)
	assert.Contains(t, problems, "node a: max_retries must be >= 0")
	assert.Contains(t, problems, `start node "missing" does not exist`)

	assert.Equal(t, []string{"definition id is empty", "version must be >= 1, got 0", "definition has no nodes"},
		validateGraph(&WorkflowDefinition{}))
}

func TestEqualDefinitionsIgnoresCreatedAt(t *testing.T) {
	a, err := NewBuilder("same", 1).Step("a", TypeNoop).Build()
	require.NoError(t, err)
	b, err := NewBuilder("same", 1).Step("a", TypeNoop).Build()
	require.NoError(t, err)
	b.CreatedAt = time.Now()

	assert.True(t, equalDefinitions(a, b))

	c, err := NewBuilder("same", 1).Step("a", TypeNoop, WithNodeTimeout(time.Second)).Build()
	require.NoError(t, err)
	assert.False(t, equalDefinitions(a, c))
}
