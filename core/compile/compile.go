package compile

import (
	"fmt"

	"github.com/reactorlang/reactor/core/expr"
	"github.com/reactorlang/reactor/core/validate"
)

// TopLevel is one named (or internal/hidden) top-level derivation, as
// exposed through the compiler's external interface (spec.md §6).
type TopLevel struct {
	Name     string
	Internal bool // hidden from the exported instance surface
	Expr     expr.Node
}

// Compile implements the compiler's external contract (spec.md §6): given
// the expression graph's top-level derivations and a map of named setters,
// produce a ProjectionData.
func Compile(topLevels []TopLevel, setters []SetterSpec, opts Options) (*ProjectionData, error) {
	setterNames := make([]string, len(setters))
	for i, s := range setters {
		setterNames[i] = s.Name
	}
	if err := validate.Options(opts.Debug, opts.TypeCheck, string(opts.Format), opts.Name, setterNames); err != nil {
		return nil, err
	}

	names := make([]string, len(topLevels))
	for i, tl := range topLevels {
		names[i] = tl.Name
	}

	b := NewBuilder(names)

	for _, s := range setters {
		b.RegisterSetterTarget(s.Steps)
	}

	topLevelProjections := make([]Ref, len(topLevels))
	topLevelNames := make([]int, len(topLevels))
	for i, tl := range topLevels {
		ref, err := b.Build(tl.Expr)
		if err != nil {
			return nil, fmt.Errorf("compile: top-level %q: %w", tl.Name, err)
		}
		topLevelProjections[i] = ref

		if tl.Internal {
			topLevelNames[i] = -1
			continue
		}
		nameIdx, err := b.primitives.Intern(tl.Name)
		if err != nil {
			return nil, err
		}
		topLevelNames[i] = nameIdx
	}

	compiledSetters := make([]Setter, len(setters))
	for i, s := range setters {
		cs, err := b.CompileSetter(s)
		if err != nil {
			return nil, fmt.Errorf("compile: setter %q: %w", s.Name, err)
		}
		compiledSetters[i] = cs
	}

	return Pack(b, compiledSetters, topLevelProjections, topLevelNames), nil
}
