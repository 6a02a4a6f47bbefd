package vm_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reactorlang/reactor/core/compile"
	"github.com/reactorlang/reactor/core/expr"
	"github.com/reactorlang/reactor/core/token"
	"github.com/reactorlang/reactor/runtime/vm"
)

func compileSum(t *testing.T) *compile.ProjectionData {
	t.Helper()
	root := &token.Token{Kind: token.Root}
	getA := &token.Token{Kind: token.Get}
	getB := &token.Token{Kind: token.Get}
	add := &token.Token{Kind: token.Add}

	aExpr := &expr.Expression{Head: getA, Args: []expr.Node{expr.Scalar{Value: "a"}, expr.Wrap(root)}}
	bExpr := &expr.Expression{Head: getB, Args: []expr.Node{expr.Scalar{Value: "b"}, expr.Wrap(root)}}
	sumExpr := &expr.Expression{Head: add, Args: []expr.Node{aExpr, bExpr}}

	setters := []compile.SetterSpec{
		{Name: "setA", Kind: compile.SetterSet, Steps: []interface{}{"a"}},
		{Name: "setB", Kind: compile.SetterSet, Steps: []interface{}{"b"}},
	}

	pd, err := compile.Compile(
		[]compile.TopLevel{{Name: "sum", Expr: sumExpr}},
		setters,
		compile.Options{Format: compile.FormatBytecode},
	)
	require.NoError(t, err)
	return pd
}

// Scenario A: simple derivation — sum := a + b, with a listener firing once
// per settled recalculation.
func TestInstanceSimpleDerivation(t *testing.T) {
	pd := compileSum(t)
	model := map[string]interface{}{"a": float64(1), "b": float64(2)}
	inst := vm.New(pd, model, nil, false)

	fires := 0
	inst.AddListener(func() { fires++ })

	v, ok := inst.Get("sum")
	require.True(t, ok)
	assert.Equal(t, float64(3), v)

	require.NoError(t, inst.Call("setA", float64(10)))
	assert.Equal(t, 1, fires)

	v, ok = inst.Get("sum")
	require.True(t, ok)
	assert.Equal(t, float64(12), v)
}

// Scenario B: batching — multiple setter calls inside a batch settle with
// exactly one listener fire.
func TestInstanceBatching(t *testing.T) {
	pd := compileSum(t)
	model := map[string]interface{}{"a": float64(1), "b": float64(2)}
	inst := vm.New(pd, model, nil, false)

	fires := 0
	inst.AddListener(func() { fires++ })

	err := inst.RunInBatch(func() error {
		if err := inst.Call("setA", float64(5)); err != nil {
			return err
		}
		return inst.Call("setB", float64(7))
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fires)

	v, ok := inst.Get("sum")
	require.True(t, ok)
	assert.Equal(t, float64(12), v)
}

func compileList(t *testing.T) *compile.ProjectionData {
	t.Helper()
	root := &token.Token{Kind: token.Root}
	getItems := &token.Token{Kind: token.Get}
	sizeTok := &token.Token{Kind: token.Size}

	itemsExpr := &expr.Expression{Head: getItems, Args: []expr.Node{expr.Scalar{Value: "items"}, expr.Wrap(root)}}
	sizeExpr := &expr.Expression{Head: sizeTok, Args: []expr.Node{itemsExpr}}

	setters := []compile.SetterSpec{
		{Name: "pushItem", Kind: compile.SetterPush, Steps: []interface{}{"items"}},
		{Name: "spliceItems", Kind: compile.SetterSplice, Steps: []interface{}{"items"}},
	}

	pd, err := compile.Compile(
		[]compile.TopLevel{{Name: "count", Expr: sizeExpr}},
		setters,
		compile.Options{Format: compile.FormatBytecode},
	)
	require.NoError(t, err)
	return pd
}

// Scenario C: push/splice setters mutate a list, derivations follow.
func TestInstancePushAndSplice(t *testing.T) {
	pd := compileList(t)
	model := map[string]interface{}{"items": []interface{}{"x", "y"}}
	inst := vm.New(pd, model, nil, false)

	v, ok := inst.Get("count")
	require.True(t, ok)
	assert.Equal(t, int64(2), v)

	require.NoError(t, inst.Call("pushItem", "z"))
	v, ok = inst.Get("count")
	require.True(t, ok)
	assert.Equal(t, int64(3), v)

	require.NoError(t, inst.Call("spliceItems", int64(0), int64(1)))
	v, ok = inst.Get("count")
	require.True(t, ok)
	assert.Equal(t, int64(2), v)
}

// Scenario F: debug-mode type checking surfaces a *vm.TypeError instead of
// a bare error on a bad operand.
func TestInstanceDebugModeTypeError(t *testing.T) {
	root := &token.Token{Kind: token.Root}
	getA := &token.Token{Kind: token.Get}
	neg := &token.Token{Kind: token.Neg}
	aExpr := &expr.Expression{Head: getA, Args: []expr.Node{expr.Scalar{Value: "a"}, expr.Wrap(root)}}
	negExpr := &expr.Expression{Head: neg, Args: []expr.Node{aExpr}}

	setters := []compile.SetterSpec{
		{Name: "setA", Kind: compile.SetterSet, Steps: []interface{}{"a"}},
	}

	pd, err := compile.Compile(
		[]compile.TopLevel{{Name: "negA", Expr: negExpr}},
		setters,
		compile.Options{Format: compile.FormatBytecode, Debug: true},
	)
	require.NoError(t, err)

	model := map[string]interface{}{"a": "not a number"}
	inst := vm.New(pd, model, nil, true)

	_, ok := inst.Get("negA")
	assert.False(t, ok)

	// Get drops the error; a setter call returns it.
	err = inst.Call("setA", "still not a number")
	var typeErr *vm.TypeError
	require.ErrorAs(t, err, &typeErr)
	assert.Equal(t, "neg", typeErr.Operator)
}

// Scenario D: a collection combinator runs its callback once per key
// through the registered FuncLib.
func TestInstanceMapValuesCombinator(t *testing.T) {
	root := &token.Token{Kind: token.Root}
	getItems := &token.Token{Kind: token.Get}
	mapValues := &token.Token{Kind: token.MapValues}

	itemsExpr := &expr.Expression{Head: getItems, Args: []expr.Node{expr.Scalar{Value: "items"}, expr.Wrap(root)}}
	mapExpr := &expr.Expression{Head: mapValues, Args: []expr.Node{itemsExpr, expr.Scalar{Value: "double"}}}

	pd, err := compile.Compile(
		[]compile.TopLevel{{Name: "doubled", Expr: mapExpr}},
		nil,
		compile.Options{Format: compile.FormatBytecode},
	)
	require.NoError(t, err)

	calls := 0
	funcLib := vm.MapFuncLib{
		"double": vm.Callback(func(v, _, _ interface{}) interface{} {
			calls++
			n, _ := v.(float64)
			return n * 2
		}),
	}

	model := map[string]interface{}{"items": map[string]interface{}{"x": float64(1), "y": float64(2)}}
	inst := vm.New(pd, model, funcLib, false)

	v, ok := inst.Get("doubled")
	require.True(t, ok)
	result, ok := v.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(2), result["x"])
	assert.Equal(t, float64(4), result["y"])
	assert.Equal(t, 2, calls)

	// Re-reading without any mutation must not re-invoke the callback.
	_, _ = inst.Get("doubled")
	assert.Equal(t, 2, calls)
}

// Scenario E: an unknown function name surfaces an UndefinedFunctionError
// carrying a fuzzy "did you mean" suggestion.
func TestInstanceUndefinedFunctionSuggestion(t *testing.T) {
	root := &token.Token{Kind: token.Root}
	getItems := &token.Token{Kind: token.Get}
	mapValues := &token.Token{Kind: token.MapValues}

	itemsExpr := &expr.Expression{Head: getItems, Args: []expr.Node{expr.Scalar{Value: "items"}, expr.Wrap(root)}}
	mapExpr := &expr.Expression{Head: mapValues, Args: []expr.Node{itemsExpr, expr.Scalar{Value: "doubble"}}}

	setters := []compile.SetterSpec{
		{Name: "setItems", Kind: compile.SetterSet, Steps: []interface{}{"items"}},
	}

	pd, err := compile.Compile(
		[]compile.TopLevel{{Name: "doubled", Expr: mapExpr}},
		setters,
		compile.Options{Format: compile.FormatBytecode},
	)
	require.NoError(t, err)

	funcLib := vm.MapFuncLib{"double": vm.Callback(func(v, _, _ interface{}) interface{} { return v })}
	model := map[string]interface{}{"items": []interface{}{float64(1)}}
	inst := vm.New(pd, model, funcLib, false)

	_, ok := inst.Get("doubled")
	assert.False(t, ok)

	// Get drops the error; a setter call returns it.
	err = inst.Call("setItems", []interface{}{float64(2)})
	var undefErr *vm.UndefinedFunctionError
	require.ErrorAs(t, err, &undefErr)
	assert.Equal(t, "doubble", undefErr.Name)
	assert.Equal(t, "double", undefErr.Suggestion)
}

// Scenario D — recursive traversal. Model {tree: {a: ['b'], b: ['c'], c:
// []}}, reach := recursiveMapValues((v,k,_,loop) => flatten([v,
// ...v.map(loop)]), tree). Each key must be computed at most once.
func TestInstanceRecursiveMapValues(t *testing.T) {
	root := &token.Token{Kind: token.Root}
	getTree := &token.Token{Kind: token.Get}
	recur := &token.Token{Kind: token.RecursiveMapValues}

	treeExpr := &expr.Expression{Head: getTree, Args: []expr.Node{expr.Scalar{Value: "tree"}, expr.Wrap(root)}}
	reachExpr := &expr.Expression{Head: recur, Args: []expr.Node{treeExpr, expr.Scalar{Value: "reach"}}}

	pd, err := compile.Compile(
		[]compile.TopLevel{{Name: "reach", Expr: reachExpr}},
		nil,
		compile.Options{Format: compile.FormatBytecode},
	)
	require.NoError(t, err)

	calls := map[string]int{}
	reach := vm.RecursiveCallback(func(v, k, _ interface{}, loop func(interface{}) interface{}) interface{} {
		calls[fmt.Sprint(k)]++
		neighbors, _ := v.([]interface{})
		out := append([]interface{}{}, neighbors...)
		for _, n := range neighbors {
			if sub, ok := loop(n).([]interface{}); ok {
				out = append(out, sub...)
			}
		}
		return out
	})
	funcLib := vm.MapFuncLib{"reach": reach}

	model := map[string]interface{}{
		"tree": map[string]interface{}{
			"a": []interface{}{"b"},
			"b": []interface{}{"c"},
			"c": []interface{}{},
		},
	}
	inst := vm.New(pd, model, funcLib, false)

	v, ok := inst.Get("reach")
	require.True(t, ok)
	result, ok := v.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{"b", "c"}, result["a"])
	assert.Equal(t, 1, calls["a"])
	assert.Equal(t, 1, calls["b"])
	assert.Equal(t, 1, calls["c"])
}

// get-on-topLevel: one top-level projection referencing another by name
// (e.g. `doubled := get(topLevel, "base") * 2`) must resolve through the
// index builder.go's normalizeGet stashes in the get's key slot, not crash
// indexing into the topLevel getter's own (always empty) Args.
func TestInstanceGetOnTopLevel(t *testing.T) {
	root := &token.Token{Kind: token.Root}
	getA := &token.Token{Kind: token.Get}
	baseExpr := &expr.Expression{Head: getA, Args: []expr.Node{expr.Scalar{Value: "a"}, expr.Wrap(root)}}

	topLevelTok := &token.Token{Kind: token.TopLevel}
	getBase := &token.Token{Kind: token.Get}
	refExpr := &expr.Expression{Head: getBase, Args: []expr.Node{expr.Scalar{Value: "base"}, expr.Wrap(topLevelTok)}}

	mul := &token.Token{Kind: token.Mul}
	doubledExpr := &expr.Expression{Head: mul, Args: []expr.Node{refExpr, expr.Scalar{Value: int64(2)}}}

	setters := []compile.SetterSpec{
		{Name: "setA", Kind: compile.SetterSet, Steps: []interface{}{"a"}},
	}

	pd, err := compile.Compile(
		[]compile.TopLevel{
			{Name: "base", Expr: baseExpr},
			{Name: "doubled", Expr: doubledExpr},
		},
		setters,
		compile.Options{Format: compile.FormatBytecode},
	)
	require.NoError(t, err)

	model := map[string]interface{}{"a": float64(3)}
	inst := vm.New(pd, model, nil, false)

	v, ok := inst.Get("doubled")
	require.True(t, ok)
	assert.Equal(t, float64(6), v)

	require.NoError(t, inst.Call("setA", float64(10)))
	v, ok = inst.Get("doubled")
	require.True(t, ok)
	assert.Equal(t, float64(20), v)
}
