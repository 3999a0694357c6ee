package helio

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Guards and input bindings are HCL expressions evaluated against the
// instance bindings: `input` is the trigger payload and every completed node
// is addressable by its id, e.g. `classify.priority == 1`.

var expressionFunctions = map[string]function.Function{
	"lower":      stdlib.LowerFunc,
	"upper":      stdlib.UpperFunc,
	"length":     stdlib.LengthFunc,
	"coalesce":   stdlib.CoalesceFunc,
	"jsonencode": stdlib.JSONEncodeFunc,
}

func parseExpression(src string) (hclsyntax.Expression, error) {
	expr, diags := hclsyntax.ParseExpression([]byte(src), "expression", hcl.InitialPos)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse %q: %s", src, diags.Error())
	}

	return expr, nil
}

// expressionRoots lists the distinct root names an expression refers to.
func expressionRoots(expr hclsyntax.Expression) []string {
	seen := make(map[string]struct{})
	for _, traversal := range expr.Variables() {
		seen[traversal.RootName()] = struct{}{}
	}

	roots := make([]string, 0, len(seen))
	for root := range seen {
		roots = append(roots, root)
	}
	sort.Strings(roots)

	return roots
}

func expressionFuncs(expr hclsyntax.Expression) []string {
	var names []string
	_ = hclsyntax.VisitAll(expr, func(node hclsyntax.Node) hcl.Diagnostics {
		if call, ok := node.(*hclsyntax.FunctionCallExpr); ok {
			names = append(names, call.Name)
		}

		return nil
	})

	return names
}

// directReference returns root and attribute for expressions of the form
// `node.field`.
func directReference(expr hclsyntax.Expression) (string, string, bool) {
	st, ok := expr.(*hclsyntax.ScopeTraversalExpr)
	if !ok || len(st.Traversal) != 2 {
		return "", "", false
	}
	attr, ok := st.Traversal[1].(hcl.TraverseAttr)
	if !ok {
		return "", "", false
	}

	return st.Traversal.RootName(), attr.Name, true
}

func newEvalContext(bindings map[string]json.RawMessage) (*hcl.EvalContext, error) {
	vars := make(map[string]cty.Value, len(bindings))
	for name, raw := range bindings {
		val, err := jsonToCty(raw)
		if err != nil {
			return nil, fmt.Errorf("binding %s: %w", name, err)
		}
		vars[name] = val
	}

	return &hcl.EvalContext{Variables: vars, Functions: expressionFunctions}, nil
}

func jsonToCty(raw json.RawMessage) (cty.Value, error) {
	if len(raw) == 0 {
		return cty.NullVal(cty.DynamicPseudoType), nil
	}
	ty, err := ctyjson.ImpliedType(raw)
	if err != nil {
		return cty.NilVal, err
	}

	return ctyjson.Unmarshal(raw, ty)
}

// evaluateGuard reports whether an edge guard holds. An empty guard always
// matches. Null or unknown results are false.
func evaluateGuard(src string, ectx *hcl.EvalContext) (bool, error) {
	if src == "" {
		return true, nil
	}
	expr, err := parseExpression(src)
	if err != nil {
		return false, err
	}
	val, diags := expr.Value(ectx)
	if diags.HasErrors() {
		return false, fmt.Errorf("evaluate %q: %s", src, diags.Error())
	}
	if val.IsNull() || !val.IsWhollyKnown() {
		return false, nil
	}
	val, err = convert.Convert(val, cty.Bool)
	if err != nil {
		return false, fmt.Errorf("guard %q is not boolean: %w", src, err)
	}

	return val.True(), nil
}

// evaluateInputs resolves a node's input bindings into plain Go values.
func evaluateInputs(inputs map[string]string, ectx *hcl.EvalContext) (map[string]any, error) {
	result := make(map[string]any, len(inputs))
	for name, src := range inputs {
		expr, err := parseExpression(src)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", name, err)
		}
		val, diags := expr.Value(ectx)
		if diags.HasErrors() {
			return nil, fmt.Errorf("input %s: evaluate %q: %s", name, src, diags.Error())
		}
		decoded, err := ctyToGo(val)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", name, err)
		}
		result[name] = decoded
	}

	return result, nil
}

func ctyToGo(val cty.Value) (any, error) {
	if val.IsNull() {
		return nil, nil
	}
	if !val.IsWhollyKnown() {
		return nil, fmt.Errorf("value is not known")
	}
	data, err := ctyjson.Marshal(val, val.Type())
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}

	return out, nil
}
