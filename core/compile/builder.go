// Package compile implements the compiler back end described in spec.md
// §4.2–§4.4: the projection builder, the setter compiler, and the packer
// that together turn a frozen expression graph into a ProjectionData.
package compile

import (
	"fmt"

	"github.com/reactorlang/reactor/core/consing"
	"github.com/reactorlang/reactor/core/expr"
	"github.com/reactorlang/reactor/core/invariant"
	"github.com/reactorlang/reactor/core/token"
)

// InlineCeiling is the compile-time constant below which a non-negative
// integer literal is represented inline rather than interned as a
// primitive (spec.md §4.2 step 1, §9 "Reference packing"). Exposed as a
// constant per the design note's recommendation.
const InlineCeiling = 1 << 20

// argStepMarker is the sentinel used in a SetterSpec's Steps to mark a
// position bound to a positional call argument, in left-to-right order of
// appearance. See CompileSetter.
type argStepMarker struct{}

// ArgStep marks a bound positional argument inside a SetterSpec's Steps.
var ArgStep interface{} = argStepMarker{}

// rawMeta is the builder's intermediate metadata record: like MetaData, but
// Paths carries the full (condition-ref, step-refs) pairs rather than
// indices into a packed paths table — that indirection is introduced later,
// by Pack (spec.md §4.4).
type rawMeta struct {
	Flags MetaFlags
	Paths []Path
}

// Builder performs the projection-builder pass of spec.md §4.2: it walks
// expression nodes and interns primitives, projections ("getters"), and
// metadata records into the three hash-consed tables of spec.md §4.1.
type Builder struct {
	primitives *consing.Table[interface{}]
	projections *consing.Table[Getter]
	metadata    *consing.Table[rawMeta]

	topLevelIndex map[string]int

	// setterTargets holds each registered setter's raw step sequence
	// (literals and ArgStep wildcards), used by resolvePath to test whether
	// a "root"-anchored invalidation path could ever be touched by a
	// setter (spec.md §4.2 step 7, third bullet).
	setterTargets [][]interface{}
}

// NewBuilder creates an empty Builder. topLevelNames is the ordered list of
// exported top-level projection names, used to resolve "topLevel" path
// roots and get-on-topLevel normalization to an index.
func NewBuilder(topLevelNames []string) *Builder {
	b := &Builder{
		primitives:    consing.NewTable[interface{}]("primitives"),
		projections:   consing.NewTable[Getter]("projections"),
		metadata:      consing.NewTable[rawMeta]("metadata"),
		topLevelIndex: make(map[string]int, len(topLevelNames)),
	}
	for i, name := range topLevelNames {
		b.topLevelIndex[name] = i
	}
	// Guarantee metaData[0] == (0, []) regardless of build order.
	if _, err := b.metadata.Intern(rawMeta{}); err != nil {
		panic(err) // cannot fail: first-ever intern, no collision possible
	}
	return b
}

// RegisterSetterTarget records a setter's raw step sequence so later
// invalidation-path resolution can test prefix reachability against it.
func (b *Builder) RegisterSetterTarget(steps []interface{}) {
	b.setterTargets = append(b.setterTargets, steps)
}

func (b *Builder) internPrimitive(v interface{}) (Ref, error) {
	idx, err := b.primitives.Intern(v)
	if err != nil {
		return 0, err
	}
	return PackPrimitive(idx)
}

// Build compiles a top-level expression node into its packed reference,
// the entry point for the projection builder over a single root node.
func (b *Builder) Build(node expr.Node) (Ref, error) {
	return b.serialize(node)
}

// serialize implements spec.md §4.2 steps 1–3: dispatch on node shape.
func (b *Builder) serialize(node expr.Node) (Ref, error) {
	if expr.IsOmitted(node) {
		return 0, fmt.Errorf("compile: unexpected omitted argument")
	}
	switch n := node.(type) {
	case expr.Scalar:
		if iv, ok := asInlineInt(n.Value); ok {
			return PackInt(iv)
		}
		return b.internPrimitive(n.Value)
	case *expr.Expression:
		return b.buildExpression(n)
	default:
		if tok, ok := expr.AsToken(node); ok {
			return b.buildExpression(&expr.Expression{Head: tok})
		}
		return 0, fmt.Errorf("compile: unknown node type %T", node)
	}
}

func asInlineInt(v interface{}) (int64, bool) {
	var iv int64
	switch t := v.(type) {
	case int:
		iv = int64(t)
	case int32:
		iv = int64(t)
	case int64:
		iv = t
	default:
		return 0, false
	}
	if iv < 0 || iv >= InlineCeiling {
		return 0, false
	}
	return iv, true
}

// buildExpression implements spec.md §4.2 steps 4–9.
func (b *Builder) buildExpression(ex *expr.Expression) (Ref, error) {
	invariant.NotNil(ex.Head, "expression head")

	args, err := b.normalizeArgs(ex.Head, ex.Args)
	if err != nil {
		return 0, fmt.Errorf("compile: normalizing %s args: %w", ex.Head.Kind, err)
	}

	argRefs := make([]Ref, len(args))
	for i, a := range args {
		r, err := b.serialize(a)
		if err != nil {
			return 0, err
		}
		argRefs[i] = r
	}

	typeRef, err := b.internPrimitive(string(ex.Head.Kind))
	if err != nil {
		return 0, err
	}

	metaIdx, err := b.buildMetadata(ex.Head)
	if err != nil {
		return 0, err
	}

	source := ""
	if ex.Head.Source != nil {
		source = ex.Head.Source.String()
	}

	idx, err := b.projections.Intern(Getter{
		Type:   typeRef,
		Meta:   metaIdx,
		Source: source,
		Args:   argRefs,
	})
	if err != nil {
		return 0, err
	}
	return PackProjection(idx)
}

// normalizeArgs applies the kind-specific argument manipulation rules of
// spec.md §4.2's table.
func (b *Builder) normalizeArgs(head *token.Token, args []expr.Node) ([]expr.Node, error) {
	switch head.Kind {
	case token.Get:
		return b.normalizeGet(args)
	case token.Trace:
		return b.normalizeTrace(args)
	case token.And, token.Or, token.Ternary:
		id := int64(-1)
		if head.HasID() {
			id = head.ID
		}
		out := make([]expr.Node, 0, len(args)+1)
		out = append(out, expr.Scalar{Value: id})
		out = append(out, args...)
		return out, nil
	case token.Range:
		return normalizeRange(args)
	default:
		return args, nil
	}
}

// normalizeGet reorders a raw (key, object) argument pair into (object,
// key); when the object is a topLevel reference, the key is replaced by
// that top-level's index (spec.md §4.2 table, §9 "get normalization").
func (b *Builder) normalizeGet(args []expr.Node) ([]expr.Node, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("get expects 2 args, got %d", len(args))
	}
	key, object := args[0], args[1]
	normalized := []expr.Node{object, key}

	if tok, ok := expr.AsToken(object); ok && tok.Kind == token.TopLevel {
		keyScalar, ok := key.(expr.Scalar)
		if !ok {
			return nil, fmt.Errorf("get on topLevel requires a literal key, got %T", key)
		}
		name, ok := keyScalar.Value.(string)
		if !ok {
			return nil, fmt.Errorf("get on topLevel requires a string key, got %T", keyScalar.Value)
		}
		idx, ok := b.topLevelIndex[name]
		if !ok {
			return nil, fmt.Errorf("get references unknown top-level %q", name)
		}
		normalized[1] = expr.Scalar{Value: int64(idx)}
	}
	return normalized, nil
}

// normalizeTrace rewrites (value, innerToken) into (value, innerKind,
// innerSource) (spec.md §4.2 table).
func (b *Builder) normalizeTrace(args []expr.Node) ([]expr.Node, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("trace expects 2 args, got %d", len(args))
	}
	value := args[0]
	innerTok, ok := expr.AsToken(args[1])
	if !ok {
		return nil, fmt.Errorf("trace expects its second arg to be a token, got %T", args[1])
	}
	src := ""
	if innerTok.Source != nil {
		src = innerTok.Source.String()
	}
	return []expr.Node{value, expr.Scalar{Value: string(innerTok.Kind)}, expr.Scalar{Value: src}}, nil
}

// normalizeRange defaults a missing start to 0 and a missing step to 1
// (spec.md §4.2 table).
func normalizeRange(args []expr.Node) ([]expr.Node, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("range expects 3 args (start, stop, step), got %d", len(args))
	}
	out := make([]expr.Node, 3)
	for i, a := range args {
		switch {
		case expr.IsOmitted(a) && i == 0:
			out[i] = expr.Scalar{Value: int64(0)}
		case expr.IsOmitted(a) && i == 2:
			out[i] = expr.Scalar{Value: int64(1)}
		case expr.IsOmitted(a):
			return nil, fmt.Errorf("range stop argument is required")
		default:
			out[i] = a
		}
	}
	return out, nil
}
