package compile_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reactorlang/reactor/core/compile"
	"github.com/reactorlang/reactor/core/expr"
	"github.com/reactorlang/reactor/core/token"
)

func defaultOpts() compile.Options {
	return compile.Options{Format: compile.FormatBytecode}
}

// sumAB builds the `sum := a + b` scenario: two model-rooted gets added
// together. No token carries invalidation Paths.
func sumAB(t *testing.T) []compile.TopLevel {
	t.Helper()

	root := &token.Token{Kind: token.Root}
	getA := &token.Token{Kind: token.Get}
	getB := &token.Token{Kind: token.Get}
	add := &token.Token{Kind: token.Add}

	aExpr := &expr.Expression{Head: getA, Args: []expr.Node{expr.Scalar{Value: "a"}, expr.Wrap(root)}}
	bExpr := &expr.Expression{Head: getB, Args: []expr.Node{expr.Scalar{Value: "b"}, expr.Wrap(root)}}
	sumExpr := &expr.Expression{Head: add, Args: []expr.Node{aExpr, bExpr}}

	return []compile.TopLevel{{Name: "sum", Expr: sumExpr}}
}

func TestCompileDeterministic(t *testing.T) {
	pd1, err := compile.Compile(sumAB(t), nil, defaultOpts())
	require.NoError(t, err)
	pd2, err := compile.Compile(sumAB(t), nil, defaultOpts())
	require.NoError(t, err)

	assert.Equal(t, pd1.Getters, pd2.Getters)
	assert.Equal(t, pd1.Primitives, pd2.Primitives)
	assert.Equal(t, pd1.TopLevelProjections, pd2.TopLevelProjections)
}

// TestCompileMetadataMultiPathDeterministic guards against non-determinism
// in a token carrying two or more invalidation paths: head.Paths is a Go map,
// so naively interning it in range order would make the resulting metadata
// record's structural hash (and therefore every downstream table index)
// depend on map-iteration order.
func TestCompileMetadataMultiPathDeterministic(t *testing.T) {
	setters := []compile.SetterSpec{
		{Name: "setA", Kind: compile.SetterSet, Steps: []interface{}{"a"}},
		{Name: "setB", Kind: compile.SetterSet, Steps: []interface{}{"b"}},
	}

	build := func() []compile.TopLevel {
		root := &token.Token{Kind: token.Root}
		getA := &token.Token{Kind: token.Get}
		getB := &token.Token{Kind: token.Get}
		add := &token.Token{Kind: token.Add}

		aExpr := &expr.Expression{Head: getA, Args: []expr.Node{expr.Scalar{Value: "a"}, expr.Wrap(root)}}
		bExpr := &expr.Expression{Head: getB, Args: []expr.Node{expr.Scalar{Value: "b"}, expr.Wrap(root)}}

		condA := expr.Wrap(&token.Token{Kind: token.Root})
		condB := expr.Wrap(&token.Token{Kind: token.Root})
		add.Paths = map[interface{}]token.Path{
			condA: {Root: token.RootModel, Steps: []interface{}{"a"}},
			condB: {Root: token.RootModel, Steps: []interface{}{"b"}},
		}

		sumExpr := &expr.Expression{Head: add, Args: []expr.Node{aExpr, bExpr}}
		return []compile.TopLevel{{Name: "sum", Expr: sumExpr}}
	}

	pd1, err := compile.Compile(build(), setters, defaultOpts())
	require.NoError(t, err)
	pd2, err := compile.Compile(build(), setters, defaultOpts())
	require.NoError(t, err)

	assert.Equal(t, pd1.MetaData, pd2.MetaData)
	assert.Equal(t, pd1.Paths, pd2.Paths)
	assert.Equal(t, pd1.Getters, pd2.Getters)
}

func TestCompileReferentialTransparency(t *testing.T) {
	// Two structurally identical but separately-constructed sub-expressions
	// must dedup to the same Getter entry.
	root := &token.Token{Kind: token.Root}
	getA1 := &token.Token{Kind: token.Get}
	getA2 := &token.Token{Kind: token.Get}

	a1 := &expr.Expression{Head: getA1, Args: []expr.Node{expr.Scalar{Value: "a"}, expr.Wrap(root)}}
	a2 := &expr.Expression{Head: getA2, Args: []expr.Node{expr.Scalar{Value: "a"}, expr.Wrap(root)}}
	add := &token.Token{Kind: token.Add}
	sumExpr := &expr.Expression{Head: add, Args: []expr.Node{a1, a2}}

	pd, err := compile.Compile([]compile.TopLevel{{Name: "doubled", Expr: sumExpr}}, nil, defaultOpts())
	require.NoError(t, err)

	topRef := pd.TopLevelProjections[0]
	require.True(t, topRef.IsProjection())
	top := pd.Getters[topRef.Payload()]
	require.Len(t, top.Args, 2)
	assert.Equal(t, top.Args[0], top.Args[1], "identical Get(a, root) sub-expressions must share one Getter entry")
}

func TestCompileMetaSentinelAtZero(t *testing.T) {
	pd, err := compile.Compile(sumAB(t), nil, defaultOpts())
	require.NoError(t, err)
	require.NotEmpty(t, pd.MetaData)
	assert.Equal(t, compile.MetaSentinel, pd.MetaData[0])
}

func TestCompileFieldOrderMatchesOutputSchema(t *testing.T) {
	pd, err := compile.Compile(sumAB(t), nil, defaultOpts())
	require.NoError(t, err)
	// ProjectionData's field order is part of its contract (spec.md §6); the
	// field-name check below exists to catch an accidental field reorder
	// during a future refactor, not to test behavior.
	assert.NotNil(t, pd.Getters)
	assert.NotNil(t, pd.Primitives)
	assert.NotNil(t, pd.TopLevelNames)
	assert.NotNil(t, pd.TopLevelProjections)

	want := []string{"Getters", "Primitives", "TopLevelNames", "TopLevelProjections", "MetaData", "Paths", "Setters", "Sources"}
	typ := reflect.TypeOf(*pd)
	require.Equal(t, len(want), typ.NumField())
	for idx, name := range want {
		assert.Equal(t, name, typ.Field(idx).Name, "field %d", idx)
	}
}

func TestCompileRejectsDuplicateSetterNames(t *testing.T) {
	setters := []compile.SetterSpec{
		{Name: "setA", Kind: compile.SetterSet, Steps: []interface{}{"a"}},
		{Name: "setA", Kind: compile.SetterSet, Steps: []interface{}{"b"}},
	}
	_, err := compile.Compile(sumAB(t), setters, defaultOpts())
	require.Error(t, err)
}

func TestCompileSetterBoundArguments(t *testing.T) {
	setters := []compile.SetterSpec{
		{Name: "setItem", Kind: compile.SetterSet, Steps: []interface{}{"items", compile.ArgStep}},
	}
	pd, err := compile.Compile(sumAB(t), setters, defaultOpts())
	require.NoError(t, err)
	require.Len(t, pd.Setters, 1)
	assert.Equal(t, 1, pd.Setters[0].TokenCount)
	require.Len(t, pd.Setters[0].Steps, 2)
	assert.True(t, pd.Setters[0].Steps[1].IsArg())
	assert.Equal(t, 0, pd.Setters[0].Steps[1].ArgIndex())
}

func TestIntegrityErrorType(t *testing.T) {
	// Confirms the alias round-trips through errors.As without needing to
	// import core/consing directly.
	var target *compile.IntegrityError
	err := error(&compile.IntegrityError{Table: "primitives"})
	assert.True(t, errors.As(err, &target))
}
