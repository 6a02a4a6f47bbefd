package compile

import (
	"github.com/reactorlang/reactor/core/expr"
	"github.com/reactorlang/reactor/core/token"
)

// SetterSpec is the compiler's input description of one named setter
// (spec.md §3 "Setter", §4.3 "Setter compiler").
//
// Steps describes the path from the model root to the target
// container/key: each element is a literal string key, a literal int64
// index, or the ArgStep sentinel marking a position bound to a positional
// call argument, in left-to-right order of appearance. A wrapped "key"
// token (expr.Wrap of a token.Key) is compiled the same way as ArgStep. A
// setter with a
// fully static path (e.g. `setA`'s target ["a"]) uses no ArgStep entries
// and takes exactly one call argument: the value.
type SetterSpec struct {
	Name  string
	Kind  SetterKind
	Steps []interface{}
}

// CompileSetter implements spec.md §4.3: translate a named setter into its
// compiled (kind, name, steps, token-count) form. TokenCount counts the
// ArgStep and key-token occurrences — the number of bound free variables a
// caller must supply before the mutation's own value/count argument.
func (b *Builder) CompileSetter(spec SetterSpec) (Setter, error) {
	kindRef, err := b.internPrimitive(string(spec.Kind))
	if err != nil {
		return Setter{}, err
	}
	nameRef, err := b.internPrimitive(spec.Name)
	if err != nil {
		return Setter{}, err
	}

	refs := make([]Ref, 0, len(spec.Steps))
	argN := 0
	for _, s := range spec.Steps {
		_, isArg := s.(argStepMarker)
		if n, ok := s.(expr.Node); ok {
			if tok, ok := expr.AsToken(n); ok && tok.Kind == token.Key {
				isArg = true
			}
		}
		if isArg {
			r, err := PackArg(argN)
			if err != nil {
				return Setter{}, err
			}
			argN++
			refs = append(refs, r)
			continue
		}
		r, err := b.serializeStep(s)
		if err != nil {
			return Setter{}, err
		}
		refs = append(refs, r)
	}

	return Setter{Kind: kindRef, Name: nameRef, TokenCount: argN, Steps: refs}, nil
}
