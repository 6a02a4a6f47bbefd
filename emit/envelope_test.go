package emit_test

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reactorlang/reactor/core/compile"
	"github.com/reactorlang/reactor/core/expr"
	"github.com/reactorlang/reactor/core/token"
	"github.com/reactorlang/reactor/emit"
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

	pd, err := compile.Compile(
		[]compile.TopLevel{{Name: "sum", Expr: sumExpr}},
		nil,
		compile.Options{Format: compile.FormatBytecode},
	)
	require.NoError(t, err)
	return pd
}

// Property 7: the bytecode envelope round-trips — ReadBytecode of
// WriteBytecode(pd) reconstructs a ProjectionData equal to the original.
func TestEnvelopeRoundTrip(t *testing.T) {
	pd := compileSum(t)

	var buf bytes.Buffer
	hash, err := emit.WriteBytecode(&buf, pd, emit.Header{Name: "sum-program"})
	require.NoError(t, err)

	got, header, readHash, err := emit.ReadBytecode(&buf)
	require.NoError(t, err)

	assert.Equal(t, hash, readHash)
	assert.Equal(t, "sum-program", header.Name)
	if diff := cmp.Diff(pd, got); diff != "" {
		t.Fatalf("round-tripped ProjectionData differs (-want +got):\n%s", diff)
	}
}

// The envelope hash covers only the body: changing header metadata leaves
// the hash unchanged.
func TestEnvelopeHashExcludesHeader(t *testing.T) {
	pd := compileSum(t)

	var buf1, buf2 bytes.Buffer
	hash1, err := emit.WriteBytecode(&buf1, pd, emit.Header{Name: "a"})
	require.NoError(t, err)
	hash2, err := emit.WriteBytecode(&buf2, pd, emit.Header{Name: "totally-different-name"})
	require.NoError(t, err)

	assert.Equal(t, hash1, hash2)
}

func TestEnvelopeRejectsBadMagic(t *testing.T) {
	_, _, _, err := emit.ReadBytecode(bytes.NewReader([]byte("NOPE1234567890")))
	require.Error(t, err)
}
