package vm

import (
	"fmt"

	"github.com/reactorlang/reactor/core/compile"
	"github.com/reactorlang/reactor/core/token"
)

// evalRef resolves any packed reference to its runtime value: an inline
// integer, a primitives-table literal, or a memoized projection.
func (i *Instance) evalRef(r compile.Ref) (interface{}, error) {
	switch {
	case r.IsInt():
		return int64(r.Payload()), nil
	case r.IsPrimitive():
		return i.pd.Primitives[r.Payload()], nil
	case r.IsProjection():
		return i.evalGetter(int(r.Payload()))
	default:
		return nil, fmt.Errorf("vm: reference with unexpected tag %d in value position", r.Tag())
	}
}

// evalGetter returns getter idx's memoized value, computing and caching it
// on first (or first-after-dirty) access (spec.md §4.6 "lazily evaluated,
// memoized").
func (i *Instance) evalGetter(idx int) (interface{}, error) {
	if i.computed[idx] {
		return i.values[idx], nil
	}
	g := i.pd.Getters[idx]
	kind := token.Kind(i.primitiveString(g.Type))

	v, err := i.dispatch(kind, g, idx)
	if err != nil {
		return nil, err
	}
	i.values[idx] = v
	i.computed[idx] = true
	return v, nil
}

func (i *Instance) dispatch(kind token.Kind, g compile.Getter, idx int) (interface{}, error) {
	switch kind {
	case token.Root:
		return i.model, nil
	case token.Context:
		if len(i.ctxStack) == 0 {
			return nil, nil
		}
		return i.ctxStack[len(i.ctxStack)-1], nil
	case token.TopLevel:
		// A bare topLevel getter carries no args of its own: normalizeGet
		// (core/compile/builder.go) resolves get-on-topLevel by rewriting the
		// enclosing get's key slot to the resolved index, so this kind is only
		// ever meaningful as evalGet's object operand (see isTopLevelRef).
		// Reaching here means one was evaluated standalone, outside a get.
		return nil, fmt.Errorf("vm: topLevel getter has no standalone value, must be resolved through get")
	case token.Key:
		// A "key" leaf is rewritten to an arg placeholder at setter-compile
		// time (spec.md §4.3); it never survives into a getter's Args at
		// the projection level, so evaluating one here is a compiler bug.
		return nil, fmt.Errorf("vm: unexpected bare key token in projection")
	case token.Get:
		return i.evalGet(g)
	case token.Trace:
		return i.evalTrace(g)
	case token.And:
		return i.evalAnd(g.Args[1:])
	case token.Or:
		return i.evalOr(g.Args[1:])
	case token.Ternary:
		return i.evalTernary(g.Args[1:])
	case token.Range:
		return i.evalRange(g.Args)
	case token.Add, token.Sub, token.Mul, token.Div, token.Mod, token.Neg:
		return i.evalArithmetic(kind, g.Args)
	case token.Eq, token.Neq, token.Lt, token.Lte, token.Gt, token.Gte, token.Not:
		return i.evalComparison(kind, g.Args)
	case token.Keys, token.Values, token.Assign, token.Size, token.Defaults, token.Sum, token.Flatten:
		return i.evalScalarOp(kind, g.Args)
	default:
		if token.IsCombinator(kind) {
			return i.evalCombinator(kind, g, idx)
		}
		return nil, fmt.Errorf("vm: unsupported operator %q", kind)
	}
}

func (i *Instance) evalArgs(refs []compile.Ref) ([]interface{}, error) {
	out := make([]interface{}, len(refs))
	for idx, r := range refs {
		v, err := i.evalRef(r)
		if err != nil {
			return nil, err
		}
		out[idx] = v
	}
	return out, nil
}

func (i *Instance) evalGet(g compile.Getter) (interface{}, error) {
	if len(g.Args) != 2 {
		return nil, fmt.Errorf("vm: get expects 2 args, got %d", len(g.Args))
	}

	// get-on-topLevel (core/compile/builder.go's normalizeGet) leaves the
	// topLevel object as a bare, argless getter and instead stashes the
	// resolved top-level index in the key slot, so it must be resolved here
	// rather than by evaluating the object operand as an ordinary getter.
	if i.isTopLevelRef(g.Args[0]) {
		n, err := i.evalRef(g.Args[1])
		if err != nil {
			return nil, err
		}
		tlIdx, ok := toInt(n)
		if !ok || tlIdx < 0 || int(tlIdx) >= len(i.pd.TopLevelProjections) {
			return nil, fmt.Errorf("vm: get on topLevel has invalid index %v", n)
		}
		return i.evalRef(i.pd.TopLevelProjections[tlIdx])
	}

	object, err := i.evalRef(g.Args[0])
	if err != nil {
		return nil, err
	}
	key, err := i.evalRef(g.Args[1])
	if err != nil {
		return nil, err
	}
	return lookupValue(object, key), nil
}

// isTopLevelRef reports whether r resolves to a topLevel-kind getter.
func (i *Instance) isTopLevelRef(r compile.Ref) bool {
	if !r.IsProjection() {
		return false
	}
	g := i.pd.Getters[r.Payload()]
	return token.Kind(i.primitiveString(g.Type)) == token.TopLevel
}

func lookupValue(object, key interface{}) interface{} {
	switch c := object.(type) {
	case map[string]interface{}:
		k := fmt.Sprint(key)
		return c[k]
	case []interface{}:
		n, ok := toInt(key)
		if !ok || n < 0 || int(n) >= len(c) {
			return nil
		}
		return c[n]
	}
	return nil
}

func (i *Instance) evalTrace(g compile.Getter) (interface{}, error) {
	if len(g.Args) != 3 {
		return nil, fmt.Errorf("vm: trace expects 3 args, got %d", len(g.Args))
	}
	v, err := i.evalRef(g.Args[0])
	if err != nil {
		return nil, err
	}
	if i.TraceWriter != nil {
		kind, _ := i.evalRef(g.Args[1])
		src, _ := i.evalRef(g.Args[2])
		fmt.Fprintf(i.TraceWriter, "trace: %s (%s) = %v\n", kind, src, v)
	}
	return v, nil
}

func (i *Instance) evalAnd(operands []compile.Ref) (interface{}, error) {
	var last interface{} = true
	for _, r := range operands {
		v, err := i.evalRef(r)
		if err != nil {
			return nil, err
		}
		last = v
		if !truthy(v) {
			return v, nil
		}
	}
	return last, nil
}

func (i *Instance) evalOr(operands []compile.Ref) (interface{}, error) {
	var last interface{}
	for _, r := range operands {
		v, err := i.evalRef(r)
		if err != nil {
			return nil, err
		}
		last = v
		if truthy(v) {
			return v, nil
		}
	}
	return last, nil
}

func (i *Instance) evalTernary(operands []compile.Ref) (interface{}, error) {
	if len(operands) != 3 {
		return nil, fmt.Errorf("vm: ternary expects 3 operands, got %d", len(operands))
	}
	cond, err := i.evalRef(operands[0])
	if err != nil {
		return nil, err
	}
	if truthy(cond) {
		return i.evalRef(operands[1])
	}
	return i.evalRef(operands[2])
}

func (i *Instance) evalRange(args []compile.Ref) (interface{}, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("vm: range expects 3 args, got %d", len(args))
	}
	vals, err := i.evalArgs(args)
	if err != nil {
		return nil, err
	}
	start, _ := toInt(vals[0])
	stop, _ := toInt(vals[1])
	step, _ := toInt(vals[2])
	if step == 0 {
		return nil, &InvalidSetterError{Setter: "range", Reason: "step must be non-zero"}
	}
	var out []interface{}
	if step > 0 {
		for v := start; v < stop; v += step {
			out = append(out, v)
		}
	} else {
		for v := start; v > stop; v += step {
			out = append(out, v)
		}
	}
	return out, nil
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int64:
		return t != 0
	case int:
		return t != 0
	case float64:
		return t != 0
	case []interface{}:
		return true
	case map[string]interface{}:
		return true
	default:
		return true
	}
}

func toNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

func (i *Instance) evalArithmetic(kind token.Kind, args []compile.Ref) (interface{}, error) {
	vals, err := i.evalArgs(args)
	if err != nil {
		return nil, err
	}
	if kind == token.Neg {
		n, ok := toNumber(vals[0])
		if !ok {
			return nil, i.typeError(string(kind), "number", vals[0])
		}
		return -n, nil
	}
	if kind == token.Add {
		if s0, ok := vals[0].(string); ok {
			return s0 + fmt.Sprint(vals[1]), nil
		}
		if s1, ok := vals[1].(string); ok {
			return fmt.Sprint(vals[0]) + s1, nil
		}
	}
	a, ok := toNumber(vals[0])
	if !ok {
		return nil, i.typeError(string(kind), "number", vals[0])
	}
	b, ok := toNumber(vals[1])
	if !ok {
		return nil, i.typeError(string(kind), "number", vals[1])
	}
	switch kind {
	case token.Add:
		return a + b, nil
	case token.Sub:
		return a - b, nil
	case token.Mul:
		return a * b, nil
	case token.Div:
		return a / b, nil
	case token.Mod:
		return float64(int64(a) % int64(b)), nil
	}
	return nil, fmt.Errorf("vm: unreachable arithmetic kind %q", kind)
}

func (i *Instance) typeError(op, expected string, actual interface{}) error {
	if !i.debug {
		return fmt.Errorf("vm: %s expected %s, got %T", op, expected, actual)
	}
	return &TypeError{Operator: op, Expected: expected, Actual: fmt.Sprintf("%T", actual)}
}

func (i *Instance) evalComparison(kind token.Kind, args []compile.Ref) (interface{}, error) {
	if kind == token.Not {
		v, err := i.evalRef(args[0])
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	}
	vals, err := i.evalArgs(args)
	if err != nil {
		return nil, err
	}
	a, b := vals[0], vals[1]
	switch kind {
	case token.Eq:
		return fmt.Sprint(a) == fmt.Sprint(b), nil
	case token.Neq:
		return fmt.Sprint(a) != fmt.Sprint(b), nil
	}
	an, aok := toNumber(a)
	bn, bok := toNumber(b)
	if !aok || !bok {
		return nil, i.typeError(string(kind), "number", a)
	}
	switch kind {
	case token.Lt:
		return an < bn, nil
	case token.Lte:
		return an <= bn, nil
	case token.Gt:
		return an > bn, nil
	case token.Gte:
		return an >= bn, nil
	}
	return nil, fmt.Errorf("vm: unreachable comparison kind %q", kind)
}

func (i *Instance) evalScalarOp(kind token.Kind, args []compile.Ref) (interface{}, error) {
	switch kind {
	case token.Keys:
		v, err := i.evalRef(args[0])
		if err != nil {
			return nil, err
		}
		m, ok := v.(map[string]interface{})
		if !ok {
			return []interface{}{}, nil
		}
		ks := sortedStringKeys(m)
		out := make([]interface{}, len(ks))
		for idx, k := range ks {
			out[idx] = k
		}
		return out, nil

	case token.Values:
		v, err := i.evalRef(args[0])
		if err != nil {
			return nil, err
		}
		switch c := v.(type) {
		case map[string]interface{}:
			ks := sortedStringKeys(c)
			out := make([]interface{}, len(ks))
			for idx, k := range ks {
				out[idx] = c[k]
			}
			return out, nil
		case []interface{}:
			return c, nil
		}
		return []interface{}{}, nil

	case token.Assign:
		out := map[string]interface{}{}
		for _, a := range args {
			v, err := i.evalRef(a)
			if err != nil {
				return nil, err
			}
			m, ok := v.(map[string]interface{})
			if !ok {
				continue
			}
			for k, val := range m {
				out[k] = val
			}
		}
		return out, nil

	case token.Defaults:
		vals, err := i.evalArgs(args)
		if err != nil {
			return nil, err
		}
		base, _ := vals[0].(map[string]interface{})
		out := map[string]interface{}{}
		for k, v := range base {
			out[k] = v
		}
		for _, d := range vals[1:] {
			dm, ok := d.(map[string]interface{})
			if !ok {
				continue
			}
			for k, v := range dm {
				if _, present := out[k]; !present {
					out[k] = v
				}
			}
		}
		return out, nil

	case token.Size:
		v, err := i.evalRef(args[0])
		if err != nil {
			return nil, err
		}
		switch c := v.(type) {
		case map[string]interface{}:
			return int64(len(c)), nil
		case []interface{}:
			return int64(len(c)), nil
		case string:
			return int64(len(c)), nil
		}
		return int64(0), nil

	case token.Sum:
		v, err := i.evalRef(args[0])
		if err != nil {
			return nil, err
		}
		items, _ := asSlice(v)
		var total float64
		for _, it := range items {
			n, ok := toNumber(it)
			if !ok {
				return nil, i.typeError("sum", "number", it)
			}
			total += n
		}
		return total, nil

	case token.Flatten:
		v, err := i.evalRef(args[0])
		if err != nil {
			return nil, err
		}
		outer, _ := asSlice(v)
		var out []interface{}
		for _, inner := range outer {
			innerSlice, _ := asSlice(inner)
			out = append(out, innerSlice...)
		}
		return out, nil
	}
	return nil, fmt.Errorf("vm: unreachable scalar op %q", kind)
}

func asSlice(v interface{}) ([]interface{}, bool) {
	switch c := v.(type) {
	case []interface{}:
		return c, true
	case map[string]interface{}:
		ks := sortedStringKeys(c)
		out := make([]interface{}, len(ks))
		for idx, k := range ks {
			out[idx] = c[k]
		}
		return out, true
	}
	return nil, false
}
