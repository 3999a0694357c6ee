package helio

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func triageBindings(t *testing.T) map[string]json.RawMessage {
	t.Helper()

	return map[string]json.RawMessage{
		BindingInput: json.RawMessage(`{"amount":120,"tags":["vip"],"name":"Ada","flag":"true"}`),
		"classify":   json.RawMessage(`{"priority":1,"label":"Urgent"}`),
		"empty":      json.RawMessage(`{}`),
	}
}

func TestEvaluateGuard(t *testing.T) {
	ectx, err := newEvalContext(triageBindings(t))
	require.NoError(t, err)

	tests := []struct {
		guard   string
		want    bool
		wantErr bool
	}{
		{guard: "", want: true},
		{guard: "classify.priority == 1", want: true},
		{guard: "classify.priority == 2", want: false},
		{guard: `input.amount > 100 && lower(classify.label) == "urgent"`, want: true},
		{guard: "length(input.tags) == 2", want: false},
		{guard: `upper(input.name) == "ADA"`, want: true},
		{guard: "input.flag", want: true},
		{guard: "!(classify.priority < 1)", want: true},
		{guard: "classify.missing == 1", wantErr: true},
		{guard: "input.amount", wantErr: true},
		{guard: "classify.priority ==", wantErr: true},
		{guard: "unknown.value", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.guard, func(t *testing.T) {
			got, err := evaluateGuard(tt.guard, ectx)
			if tt.wantErr {
				assert.Error(t, err)
				assert.False(t, got)

				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateInputs(t *testing.T) {
	ectx, err := newEvalContext(triageBindings(t))
	require.NoError(t, err)

	got, err := evaluateInputs(map[string]string{
		"name":     "input.name",
		"greeting": `"hello ${input.name}"`,
		"count":    "length(input.tags)",
		"doc":      "classify",
		"raw":      "jsonencode(input.tags)",
		"nothing":  "null",
	}, ectx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"name":     "Ada",
		"greeting": "hello Ada",
		"count":    float64(1),
		"doc":      map[string]any{"priority": float64(1), "label": "Urgent"},
		"raw":      `["vip"]`,
		"nothing":  nil,
	}, got)

	_, err = evaluateInputs(map[string]string{"x": "empty.field"}, ectx)
	assert.ErrorContains(t, err, "input x")

	_, err = evaluateInputs(map[string]string{"nick": `coalesce(input.nickname, "none")`}, ectx)
	assert.ErrorContains(t, err, "input nick")
}

func TestNewEvalContextRejectsBadJSON(t *testing.T) {
	_, err := newEvalContext(map[string]json.RawMessage{"bad": json.RawMessage(`{nope`)})
	assert.ErrorContains(t, err, "binding bad")

	ectx, err := newEvalContext(map[string]json.RawMessage{"unset": nil})
	require.NoError(t, err)
	ok, err := evaluateGuard("unset", ectx)
	require.NoError(t, err)
	assert.False(t, ok, "null guard is false")
}

func TestExpressionIntrospection(t *testing.T) {
	expr, err := parseExpression(`input.a == classify.b && lower(classify.c) == "x"`)
	require.NoError(t, err)
	assert.Equal(t, []string{"classify", "input"}, expressionRoots(expr))
	assert.Equal(t, []string{"lower"}, expressionFuncs(expr))

	ref, err := parseExpression("lookup.customer_id")
	require.NoError(t, err)
	root, attr, ok := directReference(ref)
	require.True(t, ok)
	assert.Equal(t, "lookup", root)
	assert.Equal(t, "customer_id", attr)

	deep, err := parseExpression("lookup.customer.id")
	require.NoError(t, err)
	_, _, ok = directReference(deep)
	assert.False(t, ok)

	bare, err := parseExpression("lookup")
	require.NoError(t, err)
	_, _, ok = directReference(bare)
	assert.False(t, ok)
}
