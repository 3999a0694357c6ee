package helio

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const triageYAML = `
id: email-triage
name: Email triage
version: 1
start_node: classify
nodes:
  - id: classify
    type: email.classify
    inputs:
      subject: input.subject
    timeout: 10s
    max_retries: 2
  - id: urgent
    type: core.noop
  - id: normal
    type: core.noop
edges:
  - from: classify
    to: urgent
    guard: classify.priority == 1
  - from: classify
    to: normal
    kind: default
`

const triageJSON = `{
  "id": "email-triage",
  "name": "Email triage",
  "version": 1,
  "start_node": "classify",
  "nodes": [
    {"id": "classify", "type": "email.classify", "inputs": {"subject": "input.subject"}, "timeout": "10s", "max_retries": 2},
    {"id": "urgent", "type": "core.noop"},
    {"id": "normal", "type": "core.noop"}
  ],
  "edges": [
    {"from": "classify", "to": "urgent", "guard": "classify.priority == 1"},
    {"from": "classify", "to": "normal", "kind": "default"}
  ]
}`

func TestParseDefinition(t *testing.T) {
	for _, tc := range []struct {
		format DefinitionFormat
		doc    string
	}{
		{FormatYAML, triageYAML},
		{FormatJSON, triageJSON},
	} {
		t.Run(string(tc.format), func(t *testing.T) {
			def, err := ParseDefinition([]byte(tc.doc), tc.format)
			require.NoError(t, err)

			assert.Equal(t, "email-triage", def.ID)
			assert.Equal(t, "Email triage", def.Name)
			assert.Equal(t, "classify", def.StartNode)
			require.Len(t, def.Nodes, 3)
			assert.Equal(t, 10*time.Second, def.Nodes[0].Timeout.Std())
			assert.Equal(t, 2, def.Nodes[0].maxRetries())
			assert.Equal(t, map[string]string{"subject": "input.subject"}, def.Nodes[0].Inputs)
			assert.Equal(t, Edge{From: "classify", To: "normal", Kind: EdgeKindDefault}, def.Edges[1])
			assert.Empty(t, validateGraph(def))
		})
	}
}

func TestParseDefinitionRejectsUnknownFields(t *testing.T) {
	_, err := ParseDefinition([]byte(`{"id":"x","version":1,"start":"a"}`), FormatJSON)
	assert.ErrorContains(t, err, "decode json definition")

	_, err = ParseDefinition([]byte("id: x\nversion: 1\nstart: a\n"), FormatYAML)
	assert.ErrorContains(t, err, "decode yaml definition")

	_, err = ParseDefinition([]byte(triageJSON), "toml")
	assert.ErrorContains(t, err, "unsupported definition format")
}

func TestLoadDefinitions(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b-triage.yml"), []byte(triageYAML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a-hello.json"),
		[]byte(`{"id":"hello","version":1,"start_node":"greet","nodes":[{"id":"greet","type":"core.noop"}]}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# definitions"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.json"), 0o700))

	defs, err := LoadDefinitions(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "hello", defs[0].ID)
	assert.Equal(t, "email-triage", defs[1].ID)

	_, err = LoadDefinitionFile(filepath.Join(dir, "README.md"))
	assert.ErrorContains(t, err, "unsupported definition file extension")

	_, err = LoadDefinitionFile(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "read definition")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "c-broken.yaml"), []byte("id: [\n"), 0o600))
	_, err = LoadDefinitions(dir)
	assert.ErrorContains(t, err, "c-broken.yaml")

	_, err = LoadDefinitions(filepath.Join(dir, "absent"))
	assert.Error(t, err)
}

func TestEngineRegistersLoadedDefinition(t *testing.T) {
	engine := newTestEngine(t, NewMemoryStore())
	engine.Registry().MustRegister("email.classify", returning(map[string]any{"priority": 1}),
		NewSchema(Optional("subject", FieldString)), nil)

	def, err := ParseDefinition([]byte(triageYAML), FormatYAML)
	require.NoError(t, err)
	mustRegister(t, engine, def, nil)

	id := triggerInstance(t, engine, "email-triage", `{"subject":"server down"}`)
	drain(t, engine)

	instance := mustInstance(t, engine, id)
	assert.Equal(t, StatusCompleted, instance.Status)
	assert.Equal(t, "urgent", instance.State.LastNode)
}
