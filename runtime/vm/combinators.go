package vm

import (
	"fmt"

	"github.com/reactorlang/reactor/core/compile"
	"github.com/reactorlang/reactor/core/token"
)

// Callback is the signature every ordinary collection-combinator function in
// a FuncLib must satisfy (spec.md §4.6 "passing (value, key, context) to the
// caller-provided function"): value and key are the current item, and
// context is the ambient evaluation context of the enclosing scope (the
// value a surrounding combinator pushed, or nil at top level) —
// the same value a `context` token would read.
type Callback func(value, key, context interface{}) interface{}

// RecursiveCallback is the signature recursiveMap/recursiveMapValues
// callbacks must satisfy: like Callback, plus a reified loop(key) helper
// that recomputes (and memoizes) this same callback for another key of the
// same collection, enabling user-defined recursion (spec.md §9 "Cyclic
// reachability").
type RecursiveCallback func(value, key, context interface{}, loop func(key interface{}) interface{}) interface{}

// evalCombinator implements spec.md §4.6's collection combinators. Args are
// [collection, funcNameRef]; the callback is looked up in the instance's
// FuncLib by name. Per-key results are cached in i.loopCache[idx];
// propagateDirty clears that cache together with the getter's own value, so
// the callback is run at most once per key between invalidations of this
// getter, and every recomputation of the getter calls it afresh.
func (i *Instance) evalCombinator(kind token.Kind, g compile.Getter, idx int) (interface{}, error) {
	if len(g.Args) != 2 {
		return nil, fmt.Errorf("vm: %s expects 2 args, got %d", kind, len(g.Args))
	}
	collection, err := i.evalRef(g.Args[0])
	if err != nil {
		return nil, err
	}
	fnName, err := i.evalRef(g.Args[1])
	if err != nil {
		return nil, err
	}
	name, _ := fnName.(string)

	var context interface{}
	if len(i.ctxStack) > 0 {
		context = i.ctxStack[len(i.ctxStack)-1]
	}

	if kind == token.RecursiveMap || kind == token.RecursiveMapValues {
		fn, err := i.lookupRecursiveCallback(name)
		if err != nil {
			return nil, err
		}
		return i.recursiveMapCombinator(collection, context, fn), nil
	}

	fn, err := i.lookupCallback(name)
	if err != nil {
		return nil, err
	}

	cache := i.loopCache[idx]
	if cache == nil {
		cache = make(map[string]interface{})
		i.loopCache[idx] = cache
	}
	call := func(key, value interface{}) interface{} {
		ck := fmt.Sprint(key)
		if v, ok := cache[ck]; ok {
			return v
		}
		i.ctxStack = append(i.ctxStack, value)
		v := fn(value, key, context)
		i.ctxStack = i.ctxStack[:len(i.ctxStack)-1]
		cache[ck] = v
		return v
	}

	switch kind {
	case token.MapValues, token.Map:
		return mapCombinator(collection, call), nil
	case token.FilterBy, token.Filter:
		return filterCombinator(collection, call), nil
	case token.MapKeys:
		return mapKeysCombinator(collection, call), nil
	case token.GroupBy:
		return groupByCombinator(collection, call), nil
	case token.KeyBy:
		return keyByCombinator(collection, call), nil
	case token.Any, token.AnyValues:
		return anyCombinator(collection, call), nil
	}
	return nil, fmt.Errorf("vm: unreachable combinator %q", kind)
}

func (i *Instance) lookupCallback(name string) (Callback, error) {
	fn, ok := i.funcLib.Lookup(name)
	if !ok {
		err := &UndefinedFunctionError{Name: name}
		err.Suggestion = suggest(name, i.funcLib.Names())
		return nil, err
	}
	switch f := fn.(type) {
	case Callback:
		return f, nil
	case func(interface{}, interface{}, interface{}) interface{}:
		return Callback(f), nil
	case func(interface{}, interface{}) interface{}:
		return func(v, k, _ interface{}) interface{} { return f(v, k) }, nil
	case func(interface{}) interface{}:
		return func(v, _, _ interface{}) interface{} { return f(v) }, nil
	default:
		return nil, fmt.Errorf("vm: function %q has unsupported signature %T", name, fn)
	}
}

func (i *Instance) lookupRecursiveCallback(name string) (RecursiveCallback, error) {
	fn, ok := i.funcLib.Lookup(name)
	if !ok {
		err := &UndefinedFunctionError{Name: name}
		err.Suggestion = suggest(name, i.funcLib.Names())
		return nil, err
	}
	switch f := fn.(type) {
	case RecursiveCallback:
		return f, nil
	case func(interface{}, interface{}, interface{}, func(interface{}) interface{}) interface{}:
		return RecursiveCallback(f), nil
	default:
		return nil, fmt.Errorf("vm: function %q must accept (value, key, context, loop) for recursiveMap/recursiveMapValues, got %T", name, fn)
	}
}

// iterate walks collection in deterministic order, yielding (key, value)
// pairs: 0..n-1 for a list, sorted string keys for a map.
func iterate(collection interface{}, visit func(key, value interface{})) {
	switch c := collection.(type) {
	case []interface{}:
		for idx, v := range c {
			visit(int64(idx), v)
		}
	case map[string]interface{}:
		for _, k := range sortedStringKeys(c) {
			visit(k, c[k])
		}
	}
}

func mapCombinator(collection interface{}, call func(key, value interface{}) interface{}) interface{} {
	switch collection.(type) {
	case []interface{}:
		var out []interface{}
		iterate(collection, func(k, v interface{}) { out = append(out, call(k, v)) })
		return out
	default:
		out := map[string]interface{}{}
		iterate(collection, func(k, v interface{}) { out[fmt.Sprint(k)] = call(k, v) })
		return out
	}
}

func filterCombinator(collection interface{}, call func(key, value interface{}) interface{}) interface{} {
	switch collection.(type) {
	case []interface{}:
		var out []interface{}
		iterate(collection, func(k, v interface{}) {
			if truthy(call(k, v)) {
				out = append(out, v)
			}
		})
		return out
	default:
		out := map[string]interface{}{}
		iterate(collection, func(k, v interface{}) {
			if truthy(call(k, v)) {
				out[fmt.Sprint(k)] = v
			}
		})
		return out
	}
}

func mapKeysCombinator(collection interface{}, call func(key, value interface{}) interface{}) interface{} {
	out := map[string]interface{}{}
	iterate(collection, func(k, v interface{}) {
		newKey := fmt.Sprint(call(k, v))
		out[newKey] = v
	})
	return out
}

func groupByCombinator(collection interface{}, call func(key, value interface{}) interface{}) interface{} {
	out := map[string]interface{}{}
	iterate(collection, func(k, v interface{}) {
		bucket := fmt.Sprint(call(k, v))
		list, _ := out[bucket].([]interface{})
		out[bucket] = append(list, v)
	})
	return out
}

func keyByCombinator(collection interface{}, call func(key, value interface{}) interface{}) interface{} {
	out := map[string]interface{}{}
	iterate(collection, func(k, v interface{}) {
		newKey := fmt.Sprint(call(k, v))
		out[newKey] = v
	})
	return out
}

func anyCombinator(collection interface{}, call func(key, value interface{}) interface{}) interface{} {
	found := false
	iterate(collection, func(k, v interface{}) {
		if found {
			return
		}
		if truthy(call(k, v)) {
			found = true
		}
	})
	return found
}

// recursiveMapCombinator implements recursiveMap/recursiveMapValues (spec.md
// §4.6, §9 "Cyclic reachability"): the callback is given a reified loop(key)
// helper that recomputes the same callback for another key of collection.
// A per-call resolved set memoizes each key's result so it is computed at
// most once; a key whose computation is already in flight when re-entered
// through loop returns nil (the partial value at the moment of the earlier
// call), which also prevents infinite recursion on a cycle.
func (i *Instance) recursiveMapCombinator(collection interface{}, context interface{}, fn RecursiveCallback) interface{} {
	resolved := make(map[string]interface{})
	inProgress := make(map[string]bool)

	var loop func(key interface{}) interface{}
	loop = func(key interface{}) interface{} {
		ck := fmt.Sprint(key)
		if v, ok := resolved[ck]; ok {
			return v
		}
		if inProgress[ck] {
			return nil
		}
		inProgress[ck] = true
		value := lookupValue(collection, key)
		result := fn(value, key, context, loop)
		delete(inProgress, ck)
		resolved[ck] = result
		return result
	}

	var keys []interface{}
	iterate(collection, func(k, _ interface{}) { keys = append(keys, k) })
	for _, k := range keys {
		loop(k)
	}

	switch collection.(type) {
	case []interface{}:
		out := make([]interface{}, len(keys))
		for idx, k := range keys {
			out[idx] = resolved[fmt.Sprint(k)]
		}
		return out
	default:
		out := map[string]interface{}{}
		for _, k := range keys {
			out[fmt.Sprint(k)] = resolved[fmt.Sprint(k)]
		}
		return out
	}
}
