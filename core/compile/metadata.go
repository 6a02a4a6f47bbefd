package compile

import (
	"fmt"
	"sort"

	"github.com/reactorlang/reactor/core/expr"
	"github.com/reactorlang/reactor/core/token"
)

// buildMetadata implements spec.md §4.2 step 7: walk head's path-invalidation
// map, canonicalize each retained path, and intern the resulting record.
func (b *Builder) buildMetadata(head *token.Token) (int, error) {
	var paths []Path
	for condNode, rawPath := range head.Paths {
		cond, ok := condNode.(expr.Node)
		if !ok {
			return 0, fmt.Errorf("compile: metadata condition key is not an expr.Node (%T)", condNode)
		}

		keep, steps, err := b.resolvePath(rawPath)
		if err != nil {
			return 0, err
		}
		if !keep {
			continue
		}

		condRef, err := b.serialize(cond)
		if err != nil {
			return 0, err
		}
		paths = append(paths, Path{Cond: condRef, Steps: steps})
	}

	// head.Paths is a Go map, so the range above visits entries in random
	// order; a metadata record's structural hash must not depend on that
	// order (spec.md §7 determinism), so sort into a canonical order before
	// interning. Runtime behavior doesn't depend on Paths order (every path
	// in a record is checked independently), only the interned bytes do.
	sort.Slice(paths, func(a, bIdx int) bool {
		return pathSortKey(paths[a]) < pathSortKey(paths[bIdx])
	})

	flags := MetaFlags(0)
	if head.Invalidates {
		flags |= FlagInvalidates
	}

	idx, err := b.metadata.Intern(rawMeta{Flags: flags, Paths: paths})
	if err != nil {
		return 0, err
	}
	return idx, nil
}

// pathSortKey renders a packed Path into a string that orders identically
// for structurally identical paths regardless of the map-iteration order
// that produced them.
func pathSortKey(p Path) string {
	key := fmt.Sprintf("%d|", uint64(p.Cond))
	for _, s := range p.Steps {
		key += fmt.Sprintf("%d,", uint64(s))
	}
	return key
}

// resolvePath implements spec.md §4.2 step 7's sub-bullets: rewrite a raw
// path into canonical packed form, or report that it should be discarded.
func (b *Builder) resolvePath(p token.Path) (keep bool, steps []Ref, err error) {
	switch p.Root {
	case token.RootContext:
		rootRef, err := b.internPrimitive(string(token.RootContext))
		if err != nil {
			return false, nil, err
		}
		zeroRef, err := PackInt(0)
		if err != nil {
			return false, nil, err
		}
		rest, err := b.serializeSteps(p.Steps)
		if err != nil {
			return false, nil, err
		}
		return true, append([]Ref{rootRef, zeroRef}, rest...), nil

	case token.RootTopLevel:
		if len(p.Steps) < 1 {
			return false, nil, fmt.Errorf("compile: topLevel path missing name step")
		}
		name, ok := p.Steps[0].(string)
		if !ok {
			return false, nil, fmt.Errorf("compile: topLevel path name step must be a string, got %T", p.Steps[0])
		}
		idx, ok := b.topLevelIndex[name]
		if !ok {
			return false, nil, fmt.Errorf("compile: path references unknown top-level %q", name)
		}
		rootRef, err := b.internPrimitive(string(token.RootTopLevel))
		if err != nil {
			return false, nil, err
		}
		idxRef, err := PackInt(int64(idx))
		if err != nil {
			return false, nil, err
		}
		rest, err := b.serializeSteps(p.Steps[1:])
		if err != nil {
			return false, nil, err
		}
		return true, append([]Ref{rootRef, idxRef}, rest...), nil

	case token.RootModel:
		if !b.setterTouchesPrefix(p.Steps) {
			return false, nil, nil
		}
		rootRef, err := b.internPrimitive(string(token.RootModel))
		if err != nil {
			return false, nil, err
		}
		rest, err := b.serializeSteps(p.Steps)
		if err != nil {
			return false, nil, err
		}
		return true, append([]Ref{rootRef}, rest...), nil

	default:
		// Cannot be caused by any setter; carries no invalidation value.
		return false, nil, nil
	}
}

func (b *Builder) serializeSteps(steps []interface{}) ([]Ref, error) {
	out := make([]Ref, len(steps))
	for i, s := range steps {
		r, err := b.serializeStep(s)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

func (b *Builder) serializeStep(s interface{}) (Ref, error) {
	switch v := s.(type) {
	case int:
		if v >= 0 && v < InlineCeiling {
			return PackInt(int64(v))
		}
		return b.internPrimitive(v)
	case int64:
		if v >= 0 && v < InlineCeiling {
			return PackInt(v)
		}
		return b.internPrimitive(v)
	case string:
		return b.internPrimitive(v)
	case expr.Node:
		return b.serialize(v)
	default:
		return 0, fmt.Errorf("compile: unsupported path step type %T", s)
	}
}

// setterTouchesPrefix reports whether any registered setter target could
// write to a location that is a prefix of (or equal to) steps, or whose own
// target steps is a prefix of steps — either direction demonstrates the
// setter can affect data along this path. A dynamic (ArgStep or computed)
// segment on either side is treated as a wildcard: invalidation is
// conservative by design (spec.md §4.6 "Invalidation").
func (b *Builder) setterTouchesPrefix(steps []interface{}) bool {
	for _, target := range b.setterTargets {
		if prefixMatches(target, steps) {
			return true
		}
	}
	return false
}

func prefixMatches(a, b []interface{}) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if isWildcardStep(a[i]) || isWildcardStep(b[i]) {
			continue
		}
		if !stepEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

// stepEqual compares two path steps for equality, treating int and int64 as
// the same step: callers build setter targets with plain int literals, while
// steps threaded through expr/token values normalize to int64, and a naive
// interface{} == would wrongly treat 2 and int64(2) as different steps.
func stepEqual(a, b interface{}) bool {
	if an, ok := toStepInt(a); ok {
		if bn, ok := toStepInt(b); ok {
			return an == bn
		}
		return false
	}
	return a == b
}

func toStepInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

func isWildcardStep(s interface{}) bool {
	if _, ok := s.(argStepMarker); ok {
		return true
	}
	_, isNode := s.(expr.Node)
	return isNode
}
