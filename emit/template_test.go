package emit_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reactorlang/reactor/core/compile"
	"github.com/reactorlang/reactor/emit"
)

func TestRenderTemplateSelfInvoking(t *testing.T) {
	pd := compileSum(t)
	out, err := emit.RenderTemplate(pd, compile.Options{Format: compile.FormatSelfInvoking})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(out), "(function"))
	assert.Contains(t, out, "$GETTERS")
	assert.Contains(t, out, "$DEBUG = false")
}

func TestRenderTemplateModuleNamesTheFactory(t *testing.T) {
	pd := compileSum(t)
	out, err := emit.RenderTemplate(pd, compile.Options{Format: compile.FormatModule, Name: "makeProgram"})
	require.NoError(t, err)
	assert.Contains(t, out, "function makeProgram(model, funcLib)")
}

func TestRenderTemplateDebugEmitsAST(t *testing.T) {
	pd := compileSum(t)
	out, err := emit.RenderTemplate(pd, compile.Options{Format: compile.FormatSelfInvoking, Debug: true})
	require.NoError(t, err)
	assert.Contains(t, out, "$DEBUG = true")
	assert.NotContains(t, out, "$AST = null")
}

// TestRenderTemplateLibraryIsFunctional guards against LIBRARY regressing
// into a host-linked stub (spec.md §4.5): the bundle must carry a real
// createInstance plus the mutation/combinator helpers it's specified to
// embed, and $PRIMITIVES must be wired so the embedded interpreter can make
// sense of $GETTERS at all.
func TestRenderTemplateLibraryIsFunctional(t *testing.T) {
	pd := compileSum(t)
	out, err := emit.RenderTemplate(pd, compile.Options{Format: compile.FormatSelfInvoking})
	require.NoError(t, err)
	assert.Contains(t, out, "$PRIMITIVES")
	assert.NotContains(t, out, "must be supplied by the host")
	assert.Contains(t, out, "createInstance: function")
	assert.Contains(t, out, "ensurePath")
	assert.Contains(t, out, "applySetter")
	assert.Contains(t, out, "combinators")
	assert.Contains(t, out, "recursiveMap")
}
